package dynamodb

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storebin "github.com/kptn-dev/kptn/internal/store/bin"
)

// fakeAPI is an in-memory dynamoAPI good enough to exercise the
// Get/Put/Delete sequences this backend issues, without a real table.
type fakeAPI struct {
	items map[string]map[string]types.AttributeValue
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: map[string]map[string]types.AttributeValue{}}
}

func itemKey(key map[string]types.AttributeValue) string {
	pk := key["PK"].(*types.AttributeValueMemberS).Value
	sk := key["SK"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items[itemKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.items[itemKey(in.Key)]}, nil
}

func (f *fakeAPI) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	delete(f.items, itemKey(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return nil, errors.New("fakeAPI: UpdateItem not implemented")
}

func (f *fakeAPI) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	return nil, errors.New("fakeAPI: BatchWriteItem not implemented")
}

func subtaskRecord(i int, key string, started, ended bool) types.AttributeValue {
	m := map[string]types.AttributeValue{
		"i":   &types.AttributeValueMemberN{Value: strconv.Itoa(i)},
		"key": &types.AttributeValueMemberS{Value: key},
	}
	if started {
		m["startTime"] = &types.AttributeValueMemberS{Value: "2026-01-01T00:00:00Z"}
	}
	if ended {
		m["endTime"] = &types.AttributeValueMemberS{Value: "2026-01-01T00:01:00Z"}
		m["outputHash"] = &types.AttributeValueMemberS{Value: "h" + key}
	}
	return &types.AttributeValueMemberM{Value: m}
}

func TestResetSubsetOfSubtasksKeepsMatchingKeysAndDropsEmptyBin(t *testing.T) {
	ctx := context.Background()
	api := newFakeAPI()
	c := New(api, "branch-1", "default")

	taskKey := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: c.taskPK()},
		"SK": &types.AttributeValueMemberS{Value: c.taskSK("transform")},
	}
	api.items[itemKey(taskKey)] = map[string]types.AttributeValue{
		"PK":            taskKey["PK"],
		"SK":            taskKey["SK"],
		"subtask_count": &types.AttributeValueMemberN{Value: "501"},
	}

	bin0Key := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: c.binPK("transform", storebin.SubtaskBin, "0")},
		"SK": &types.AttributeValueMemberS{Value: c.binSK("0")},
	}
	api.items[itemKey(bin0Key)] = map[string]types.AttributeValue{
		"PK": bin0Key["PK"],
		"SK": bin0Key["SK"],
		"items": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			subtaskRecord(0, "a", true, true),
			subtaskRecord(1, "b", true, false),
		}},
	}

	bin1Key := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: c.binPK("transform", storebin.SubtaskBin, "1")},
		"SK": &types.AttributeValueMemberS{Value: c.binSK("1")},
	}
	api.items[itemKey(bin1Key)] = map[string]types.AttributeValue{
		"PK": bin1Key["PK"],
		"SK": bin1Key["SK"],
		"items": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			subtaskRecord(500, "c", true, true),
		}},
	}

	require.NoError(t, c.ResetSubsetOfSubtasks(ctx, "transform", []string{"a"}))

	bin0, ok := api.items[itemKey(bin0Key)]
	require.True(t, ok, "bin 0 should survive since key \"a\" matched")
	list := bin0["items"].(*types.AttributeValueMemberL).Value
	require.Len(t, list, 1)
	kept := list[0].(*types.AttributeValueMemberM).Value
	assert.Equal(t, "a", kept["key"].(*types.AttributeValueMemberS).Value)
	_, hasStart := kept["startTime"]
	_, hasEnd := kept["endTime"]
	_, hasHash := kept["outputHash"]
	assert.False(t, hasStart, "startTime must be cleared on the retained subtask")
	assert.False(t, hasEnd, "endTime must be cleared on the retained subtask")
	assert.False(t, hasHash, "outputHash must be cleared on the retained subtask")

	_, ok = api.items[itemKey(bin1Key)]
	assert.False(t, ok, "bin 1 should be deleted once its only subtask's key is dropped")
}

func TestTaskKeysAreScopedByStorageKeyAndPipeline(t *testing.T) {
	c := New(nil, "branch-1", "default")

	assert.Equal(t, "BRANCH#branch-1", c.taskPK())
	assert.Equal(t, "PIPELINE#default#TASK#ingest", c.taskSK("ingest"))
}

func TestBinKeysIncludeBinTypeAndBinID(t *testing.T) {
	c := New(nil, "branch-1", "default")

	assert.Equal(t, "BRANCH#branch-1#PIPELINE#default#TASK#ingest#TASKDATABIN#0", c.binPK("ingest", storebin.TaskDataBin, "0"))
	assert.Equal(t, "BIN#0", c.binSK("0"))
}

func TestWithTableNameOverridesDefault(t *testing.T) {
	c := New(nil, "branch-1", "default")
	assert.Equal(t, defaultTableName, c.tableName)

	c = New(nil, "branch-1", "default", WithTableName("custom-table"))
	assert.Equal(t, "custom-table", c.tableName)

	c = New(nil, "branch-1", "default", WithTableName(""))
	assert.Equal(t, defaultTableName, c.tableName)
}

func TestErrWrapsWithBackendAndOpNilPassesThrough(t *testing.T) {
	c := New(nil, "branch-1", "default")

	assert.Nil(t, c.err("GetTask", nil))

	wrapped := c.err("GetTask", errors.New("boom"))
	assert.Error(t, wrapped)
	assert.Contains(t, wrapped.Error(), "GetTask")
	assert.Contains(t, wrapped.Error(), "boom")
}
