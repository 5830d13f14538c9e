package main

import (
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/spf13/cobra"

	dynamodbstore "github.com/kptn-dev/kptn/internal/store/dynamodb"
)

// newInitStoreCmd provisions the backend a later decide/run-task
// invocation will read and write. It is an operational bootstrap step,
// run once per environment, not part of the per-task decide/run loop:
// a SQLite backend has no equivalent setup (the file is created lazily
// by sqlite.Open), so this command is a no-op there.
func newInitStoreCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-store",
		Short: "Provision the state store backend (creates the DynamoDB table if needed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			dbType, err := resolveDBType(flags.dbType, "")
			if err != nil {
				return err
			}
			if dbType != "dynamodb" {
				fmt.Fprintf(cmd.OutOrStdout(), "db-type %q requires no setup step\n", dbType)
				return nil
			}

			cfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return fmt.Errorf("loading AWS config: %w", err)
			}
			api := dynamodb.NewFromConfig(cfg)

			tableName := os.Getenv("DYNAMODB_TABLE_NAME")
			if tableName == "" {
				tableName = dynamodbstore.DefaultTableName()
			}
			if err := dynamodbstore.CreateTable(ctx, api, tableName); err != nil {
				return fmt.Errorf("creating dynamodb table %q: %w", tableName, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created dynamodb table %q\n", tableName)
			return nil
		},
	}
	return cmd
}
