package main

import (
	"context"
	"fmt"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kptn-dev/kptn/internal/catalog"
	"github.com/kptn-dev/kptn/internal/executor"
	"github.com/kptn-dev/kptn/internal/fs"
	"github.com/kptn-dev/kptn/internal/hashing"
	"github.com/kptn-dev/kptn/internal/runner"
	"github.com/kptn-dev/kptn/internal/store"
	dynamodbstore "github.com/kptn-dev/kptn/internal/store/dynamodb"
	"github.com/kptn-dev/kptn/internal/store/sqlite"
	"github.com/kptn-dev/kptn/internal/taskcache"
	"github.com/kptn-dev/kptn/internal/turbopath"
)

// globalFlags mirrors the environment variables and CLI flags that make
// up kptn's external interface. KPTN_DB_TYPE and KPTN_FLOW_TYPE are
// resolved in buildApp against the catalog's settings block using the
// flag/env/settings/default precedence resolveSetting and
// resolveDBType implement; IS_PROD is read by the embedding
// application's own flow/runtime-config factories and is not otherwise
// consumed here.
type globalFlags struct {
	tasksConfigPath string
	pipelineName    string
	graphName       string
	storageKey      string
	dbType          string
	subsetMode      bool
	ignoreCache     bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "kptn",
		Short:         "Task State Cache decision and execution CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.tasksConfigPath, "tasks-config-path", "kptn.yaml", "path to the task catalog")
	root.PersistentFlags().StringVar(&flags.pipelineName, "pipeline", os.Getenv("PIPELINE_NAME"), "pipeline name")
	root.PersistentFlags().StringVar(&flags.graphName, "graph", "default", "graph name within the catalog")
	root.PersistentFlags().StringVar(&flags.storageKey, "storage-key", "local", "branch/storage key scoping cached state")
	root.PersistentFlags().StringVar(&flags.dbType, "db-type", "", "state store backend: sqlite or dynamodb (overrides settings.db and KPTN_DB_TYPE)")
	root.PersistentFlags().BoolVar(&flags.subsetMode, "subset-mode", false, "evaluate/run against the subset bins instead of the full cache")
	root.PersistentFlags().BoolVar(&flags.ignoreCache, "ignore-cache", false, "force should_run=true regardless of cached state")

	root.AddCommand(newDecideCmd(flags))
	root.AddCommand(newRunTaskCmd(flags))
	root.AddCommand(newInitStoreCmd(flags))

	return root
}

// app bundles the objects every subcommand needs, built once per
// invocation from globalFlags.
type app struct {
	Catalog  *catalog.Catalog
	Cache    *taskcache.Cache
	Executor *executor.Executor
	Logger   hclog.Logger
	FlowType string
}

func buildApp(ctx context.Context, flags *globalFlags) (*app, error) {
	// A fresh run_id per invocation correlates this process's log lines
	// the way the embedding application's ECS task ID correlates
	// CloudWatch output for a container-run task; a local invocation has
	// no ECS task ID to borrow, so it gets its own.
	logger := hclog.New(&hclog.LoggerOptions{Name: "kptn", Level: hclog.Info}).With("run_id", uuid.New().String())

	configPath, err := resolveCatalogPath(flags.tasksConfigPath)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading task catalog: %w", err)
	}
	// Logged in unix form so a log line reads identically regardless of
	// which OS produced it.
	logger = logger.With("repo_root", cat.RepoRoot.ToUnixPath().ToString())

	dbType, err := resolveDBType(flags.dbType, cat.Settings.DB)
	if err != nil {
		return nil, err
	}
	flowType := resolveSetting("KPTN_FLOW_TYPE", cat.Settings.FlowType)

	st, err := openStore(ctx, flags, dbType)
	if err != nil {
		return nil, err
	}

	cache := taskcache.New(st, cat, flags.graphName, flags.subsetMode, logger)
	run := runner.New(cat, "", logger)
	exec := executor.New(cache, run, logger)

	scratchDir, err := fs.ResolveScratchDir(flags.storageKey)
	if err != nil {
		return nil, err
	}
	if err := fs.EnsureDirFS(afero.NewOsFs(), scratchDir.Join(".keep")); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	exec.ScratchDir = scratchDir.ToString()

	return &app{Catalog: cat, Cache: cache, Executor: exec, Logger: logger, FlowType: flowType}, nil
}

// resolveCatalogPath returns configPath unchanged if it already exists;
// otherwise it walks up from the current directory looking for a file
// of that name, so `kptn run-task ...` works from any subdirectory of a
// repo the way the embedding build tool's own config discovery does.
func resolveCatalogPath(configPath string) (string, error) {
	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolving current directory: %w", err)
	}
	found, err := turbopath.FindupFrom(configPath, cwd)
	if err != nil {
		return "", fmt.Errorf("searching for %s: %w", configPath, err)
	}
	if found == "" {
		return configPath, nil
	}
	return found, nil
}

// resolveSetting applies the env-over-settings part of the precedence
// every settings.* field in the catalog follows: the named environment
// variable (read through a viper BindEnv), when non-empty, wins over the
// catalog's own settings value. It takes no CLI flag; a caller that has
// one checks it first (see resolveDBType).
func resolveSetting(envVar string, settingsValue string) string {
	v := viper.New()
	_ = v.BindEnv(envVar)
	if fromEnv := v.GetString(envVar); fromEnv != "" {
		return fromEnv
	}
	return settingsValue
}

// resolveDBType picks the state store backend: --db-type flag, then
// KPTN_DB_TYPE, then settings.db, then DynamoDB as the default backend.
func resolveDBType(flagValue string, settingsDB string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	dbType := resolveSetting("KPTN_DB_TYPE", settingsDB)
	if dbType == "" {
		dbType = "dynamodb"
	}
	switch dbType {
	case "sqlite", "dynamodb":
		return dbType, nil
	default:
		return "", fmt.Errorf("unknown db-type %q", dbType)
	}
}

func openStore(ctx context.Context, flags *globalFlags, dbType string) (store.Store, error) {
	switch dbType {
	case "dynamodb":
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		api := dynamodb.NewFromConfig(cfg)
		opts := []dynamodbstore.Option{}
		if table := os.Getenv("DYNAMODB_TABLE_NAME"); table != "" {
			opts = append(opts, dynamodbstore.WithTableName(table))
		}
		return dynamodbstore.New(api, flags.storageKey, flags.pipelineName, opts...), nil
	case "sqlite":
		dbPath, err := sqlite.ResolveDBPath("", flags.tasksConfigPath, flags.storageKey, flags.pipelineName)
		if err != nil {
			return nil, fmt.Errorf("resolving sqlite db path: %w", err)
		}
		return sqlite.Open(dbPath, flags.storageKey, flags.pipelineName)
	default:
		return nil, fmt.Errorf("unknown db-type %q", dbType)
	}
}

// codeDigestFor computes a task's current code-version digest, the
// same fingerprint evaluate_submission compares against a cached
// code_version to decide whether a task's code changed.
func codeDigestFor(a *app, taskName string) (string, hashing.CodeHashKind, error) {
	task, ok := a.Catalog.Tasks[taskName]
	if !ok {
		return "", "", fmt.Errorf("unknown task %q", taskName)
	}
	kind, err := task.Language()
	if err != nil {
		return "", "", err
	}

	absFile := task.AbsoluteFilePath(a.Catalog.RepoRoot).ToString()
	switch kind {
	case hashing.KindPython:
		digest, err := hashing.HashPythonClosure(absFile, task.FuncName(), nil, a.Logger)
		return digest, kind, err
	case hashing.KindR:
		digest, err := hashing.HashRClosure([]string{absFile}, a.Catalog.RepoRoot.ToString())
		return digest, kind, err
	default:
		// A DuckDB SQL task's "code" is just its own file contents; no
		// closure-walk is meaningful for a single SQL statement.
		digest, err := hashing.DigestFile(absFile)
		return digest, kind, err
	}
}
