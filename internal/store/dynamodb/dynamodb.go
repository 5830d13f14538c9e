// Package dynamodb implements the multi-writer cloud backend for the
// task state store: a single table keyed by PK="BRANCH#<storageKey>",
// SK="PIPELINE#<pipeline>#TASK#<taskName>" for task records, with bin
// items addressed by their own PK suffix ("#<BINTYPE>#<binID>") and a
// constant SK of "BIN#<binID>", grounded on the original client's
// dynamodb.* helper functions.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/kptn-dev/kptn/internal/kerrors"
	"github.com/kptn-dev/kptn/internal/store"
	storebin "github.com/kptn-dev/kptn/internal/store/bin"
)

const defaultTableName = "tasks"

// DefaultTableName returns the table name used when neither
// WithTableName nor DYNAMODB_TABLE_NAME override it.
func DefaultTableName() string {
	return defaultTableName
}

// dynamoAPI is the narrow slice of *dynamodb.Client this backend calls,
// broken out so tests can substitute an in-memory fake instead of
// talking to a real table.
type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Client is the DynamoDB-backed Store implementation.
type Client struct {
	api        dynamoAPI
	tableName  string
	storageKey string
	pipeline   string
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithTableName overrides the default "tasks" table name (also
// settable via the DYNAMODB_TABLE_NAME environment variable, resolved
// by the caller before this constructor runs).
func WithTableName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.tableName = name
		}
	}
}

// New constructs a Client scoped to one (storageKey, pipeline) pair.
// api is typically a *dynamodb.Client but may be any dynamoAPI
// implementation, such as a test fake.
func New(api dynamoAPI, storageKey string, pipeline string, opts ...Option) *Client {
	c := &Client{api: api, tableName: defaultTableName, storageKey: storageKey, pipeline: pipeline}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) taskPK() string {
	return fmt.Sprintf("BRANCH#%s", c.storageKey)
}

func (c *Client) taskSK(taskName string) string {
	return fmt.Sprintf("PIPELINE#%s#TASK#%s", c.pipeline, taskName)
}

func (c *Client) binPK(taskName string, binType storebin.Type, binID string) string {
	return fmt.Sprintf("BRANCH#%s#PIPELINE#%s#TASK#%s#%s#%s", c.storageKey, c.pipeline, taskName, binType, binID)
}

func (c *Client) binSK(binID string) string {
	return fmt.Sprintf("BIN#%s", binID)
}

func (c *Client) err(op string, err error) error {
	if err == nil {
		return nil
	}
	return &kerrors.StoreError{Backend: "dynamodb", Op: op, Err: err}
}

// CreateTask writes a new task-record item. Fields are marshalled with
// the AWS attributevalue conventions: strings as S, numbers as N.
func (c *Client) CreateTask(ctx context.Context, task store.TaskState) error {
	now := time.Now().UTC().Format(time.RFC3339)
	item := map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: c.taskPK()},
		"SK":        &types.AttributeValueMemberS{Value: c.taskSK(task.TaskName)},
		"TaskId":    &types.AttributeValueMemberS{Value: task.TaskName},
		"CreatedAt": &types.AttributeValueMemberS{Value: now},
		"UpdatedAt": &types.AttributeValueMemberS{Value: now},
	}
	applyTaskFields(item, task)
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return c.err("CreateTask", err)
	}
	if len(task.Data) > 0 {
		return c.CreateTaskData(ctx, task.TaskName, task.Data, storebin.TaskDataBin)
	}
	return nil
}

func applyTaskFields(item map[string]types.AttributeValue, task store.TaskState) {
	setIfNonEmpty(item, "status", task.Status)
	setIfNonEmpty(item, "start_time", task.StartTime)
	setIfNonEmpty(item, "end_time", task.EndTime)
	setIfNonEmpty(item, "code_version", task.CodeVersion)
	setIfNonEmpty(item, "inputs_version", task.InputsVersion)
	setIfNonEmpty(item, "input_data_version", task.InputDataVersion)
	setIfNonEmpty(item, "output_data_version", task.OutputDataVersion)
	setIfNonEmpty(item, "outputs_version", task.OutputsVersion)
	if task.TaskDataCount > 0 {
		item["taskdata_count"] = &types.AttributeValueMemberN{Value: strconv.Itoa(task.TaskDataCount)}
	}
	if task.SubsetCount > 0 {
		item["subset_count"] = &types.AttributeValueMemberN{Value: strconv.Itoa(task.SubsetCount)}
	}
}

func setIfNonEmpty(item map[string]types.AttributeValue, key, value string) {
	if value != "" {
		item[key] = &types.AttributeValueMemberS{Value: value}
	}
}

// UpdateTask applies a partial field update to an existing task
// record, mirroring the original client's update_task(conn, ..., dict)
// shape with an UpdateExpression built from the field map.
func (c *Client) UpdateTask(ctx context.Context, taskName string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339)

	update := "SET "
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	i := 0
	for k, v := range fields {
		placeholder := fmt.Sprintf("#f%d", i)
		valuePlaceholder := fmt.Sprintf(":v%d", i)
		if i > 0 {
			update += ", "
		}
		update += fmt.Sprintf("%s = %s", placeholder, valuePlaceholder)
		names[placeholder] = k
		values[valuePlaceholder] = toAttributeValue(v)
		i++
	}

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: c.taskPK()},
			"SK": &types.AttributeValueMemberS{Value: c.taskSK(taskName)},
		},
		UpdateExpression:          aws.String(update),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	return c.err("UpdateTask", err)
}

func toAttributeValue(v interface{}) types.AttributeValue {
	switch val := v.(type) {
	case string:
		return &types.AttributeValueMemberS{Value: val}
	case int:
		return &types.AttributeValueMemberN{Value: strconv.Itoa(val)}
	case bool:
		return &types.AttributeValueMemberBOOL{Value: val}
	default:
		return &types.AttributeValueMemberS{Value: fmt.Sprintf("%v", val)}
	}
}

// SetTaskEnded records a task's terminal state, writing result data to
// TASKDATABIN (or SUBSETBIN in subset mode) when a non-empty result is
// given, matching set_task_ended's branch for subset_mode.
func (c *Client) SetTaskEnded(ctx context.Context, taskName string, result []byte, resultHash string, outputsVersion string, status string, subsetMode bool) error {
	if subsetMode && len(result) > 0 {
		if err := c.UpdateTask(ctx, taskName, map[string]interface{}{}); err != nil {
			return err
		}
		return c.CreateTaskData(ctx, taskName, result, storebin.SubsetBin)
	}

	fields := map[string]interface{}{"end_time": time.Now().UTC().Format(time.RFC3339)}
	if outputsVersion != "" {
		fields["outputs_version"] = outputsVersion
	}
	if resultHash != "" {
		fields["output_data_version"] = resultHash
	}
	if status != "" {
		fields["status"] = status
	}
	if err := c.UpdateTask(ctx, taskName, fields); err != nil {
		return err
	}
	if len(result) > 0 {
		return c.CreateTaskData(ctx, taskName, result, storebin.TaskDataBin)
	}
	return nil
}

// GetTask reassembles a task record, optionally including its data
// payload.
func (c *Client) GetTask(ctx context.Context, taskName string, opts store.GetTaskOptions) (*store.TaskState, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: c.taskPK()},
			"SK": &types.AttributeValueMemberS{Value: c.taskSK(taskName)},
		},
	})
	if err != nil {
		return nil, c.err("GetTask", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	task := itemToTaskState(taskName, out.Item)
	if opts.IncludeData {
		binType := storebin.TaskDataBin
		if opts.SubsetMode {
			binType = storebin.SubsetBin
		}
		data, err := c.GetTaskData(ctx, taskName, binType)
		if err != nil {
			return nil, err
		}
		task.Data = data
	}
	return &task, nil
}

func itemToTaskState(taskName string, item map[string]types.AttributeValue) store.TaskState {
	task := store.TaskState{TaskName: taskName}
	get := func(k string) string {
		if v, ok := item[k].(*types.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	task.Status = get("status")
	task.StartTime = get("start_time")
	task.EndTime = get("end_time")
	task.CodeVersion = get("code_version")
	task.InputsVersion = get("inputs_version")
	task.InputDataVersion = get("input_data_version")
	task.OutputDataVersion = get("output_data_version")
	task.OutputsVersion = get("outputs_version")
	task.CreatedAt = get("created_at")
	task.UpdatedAt = get("updated_at")
	getN := func(k string) int {
		if v, ok := item[k].(*types.AttributeValueMemberN); ok {
			n, _ := strconv.Atoi(v.Value)
			return n
		}
		return 0
	}
	task.TaskDataCount = getN("taskdata_count")
	task.SubsetCount = getN("subset_count")
	return task
}

// GetTasks is unsupported by the single-item-key layout used here; a
// full pipeline scan would require a GSI the original table never
// declares, so callers that need a pipeline-wide listing should use
// the SQLite backend or a query against a secondary index maintained
// out of band.
func (c *Client) GetTasks(ctx context.Context) ([]store.TaskState, error) {
	return nil, c.err("GetTasks", fmt.Errorf("listing all tasks requires a secondary index, not implemented for the base table layout"))
}

// DeleteTask removes the task-record item and its bins.
func (c *Client) DeleteTask(ctx context.Context, taskName string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: c.taskPK()},
			"SK": &types.AttributeValueMemberS{Value: c.taskSK(taskName)},
		},
	})
	if err != nil {
		return c.err("DeleteTask", err)
	}
	return c.deleteBins(ctx, taskName, storebin.TaskDataBin, storebin.SubsetBin, storebin.SubtaskBin)
}

// deleteBins batch-deletes every bin item for the given task across
// the given bin types, chunking requests to DynamoDB's 25-item batch
// limit (BatchWriteItem's per-call cap).
func (c *Client) deleteBins(ctx context.Context, taskName string, binTypes ...storebin.Type) error {
	res, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: c.taskPK()},
			"SK": &types.AttributeValueMemberS{Value: c.taskSK(taskName)},
		},
	})
	if err != nil {
		return c.err("deleteBins", err)
	}
	countOf := func(field string) int {
		if v, ok := res.Item[field].(*types.AttributeValueMemberN); ok {
			n, _ := strconv.Atoi(v.Value)
			return n
		}
		return 0
	}

	var writeReqs []types.WriteRequest
	for _, bt := range binTypes {
		count := 0
		switch bt {
		case storebin.TaskDataBin:
			count = countOf("taskdata_count")
		case storebin.SubsetBin:
			count = countOf("subset_count")
		case storebin.SubtaskBin:
			count = countOf("subtask_count")
		}
		for _, binID := range storebin.IDs(count) {
			writeReqs = append(writeReqs, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: c.binPK(taskName, bt, binID)},
						"SK": &types.AttributeValueMemberS{Value: c.binSK(binID)},
					},
				},
			})
		}
	}

	const batchLimit = 25
	for i := 0; i < len(writeReqs); i += batchLimit {
		end := i + batchLimit
		if end > len(writeReqs) {
			end = len(writeReqs)
		}
		_, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{c.tableName: writeReqs[i:end]},
		})
		if err != nil {
			return c.err("deleteBins", err)
		}
	}
	return nil
}

// CreateTaskData splits data into Size-sized bins and writes each as
// its own item, then updates the parent task's counter field.
func (c *Client) CreateTaskData(ctx context.Context, taskName string, data []byte, binType storebin.Type) error {
	chunks := chunkBytes(data, storebin.Size)
	for i, chunk := range chunks {
		binID := strconv.Itoa(i)
		item := map[string]types.AttributeValue{
			"PK":    &types.AttributeValueMemberS{Value: c.binPK(taskName, binType, binID)},
			"SK":    &types.AttributeValueMemberS{Value: c.binSK(binID)},
			"items": &types.AttributeValueMemberB{Value: chunk},
		}
		if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.tableName), Item: item}); err != nil {
			return c.err("CreateTaskData", err)
		}
	}
	countField := binType.CountField()
	if countField == "" {
		return nil
	}
	return c.UpdateTask(ctx, taskName, map[string]interface{}{countField: len(data)})
}

func chunkBytes(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{data}
	}
	var chunks [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

// GetTaskData reassembles a bin family's concatenated payload, in bin
// id order.
func (c *Client) GetTaskData(ctx context.Context, taskName string, binType storebin.Type) ([]byte, error) {
	task, err := c.GetTask(ctx, taskName, store.GetTaskOptions{})
	if err != nil || task == nil {
		return nil, err
	}
	count := task.TaskDataCount
	if binType == storebin.SubsetBin {
		count = task.SubsetCount
	}
	var out []byte
	for _, binID := range storebin.IDs(count) {
		res, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(c.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: c.binPK(taskName, binType, binID)},
				"SK": &types.AttributeValueMemberS{Value: c.binSK(binID)},
			},
		})
		if err != nil {
			return nil, c.err("GetTaskData", err)
		}
		if res.Item == nil {
			continue
		}
		if v, ok := res.Item["items"].(*types.AttributeValueMemberB); ok {
			out = append(out, v.Value...)
		}
	}
	return out, nil
}

// CreateSubtasks materialises len(keys) SUBTASKBIN items, each holding
// an array of {i, key} subtask records (one per element of keys,
// chunked Size per bin), and records the expected count when
// updateCount is true.
func (c *Client) CreateSubtasks(ctx context.Context, taskName string, keys []string, updateCount bool) error {
	for _, binID := range storebin.IDs(len(keys)) {
		binIDNum, _ := strconv.Atoi(binID)
		start := binIDNum * storebin.Size
		end := start + storebin.Size
		if end > len(keys) {
			end = len(keys)
		}
		values := make([]types.AttributeValue, 0, end-start)
		for i := start; i < end; i++ {
			values = append(values, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
				"i":   &types.AttributeValueMemberN{Value: strconv.Itoa(i)},
				"key": &types.AttributeValueMemberS{Value: keys[i]},
			}})
		}
		item := map[string]types.AttributeValue{
			"PK":    &types.AttributeValueMemberS{Value: c.binPK(taskName, storebin.SubtaskBin, binID)},
			"SK":    &types.AttributeValueMemberS{Value: c.binSK(binID)},
			"items": &types.AttributeValueMemberL{Value: values},
		}
		if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.tableName), Item: item}); err != nil {
			return c.err("CreateSubtasks", err)
		}
	}
	if !updateCount {
		return nil
	}
	return c.UpdateTask(ctx, taskName, map[string]interface{}{"subtask_count": len(keys)})
}

// SetSubtaskStarted stamps a single subtask's startTime field.
func (c *Client) SetSubtaskStarted(ctx context.Context, taskName string, index int) error {
	return c.setSubitemTime(ctx, taskName, index, "startTime", time.Now().UTC().Format(time.RFC3339), "")
}

// SetSubtaskEnded stamps a single subtask's endTime field, and its
// outputHash if given.
func (c *Client) SetSubtaskEnded(ctx context.Context, taskName string, index int, outputHash string) error {
	return c.setSubitemTime(ctx, taskName, index, "endTime", time.Now().UTC().Format(time.RFC3339), outputHash)
}

func (c *Client) setSubitemTime(ctx context.Context, taskName string, index int, field string, value string, outputHash string) error {
	binID, offset := storebin.IndexToBin(index)
	update := fmt.Sprintf("SET #items[%d].%s = :v", offset, field)
	names := map[string]string{"#items": "items"}
	values := map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: value}}
	if outputHash != "" {
		update += fmt.Sprintf(", #items[%d].outputHash = :h", offset)
		values[":h"] = &types.AttributeValueMemberS{Value: outputHash}
	}
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: c.binPK(taskName, storebin.SubtaskBin, binID)},
			"SK": &types.AttributeValueMemberS{Value: c.binSK(binID)},
		},
		UpdateExpression:          aws.String(update),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	return c.err("setSubitemTime", err)
}

// GetSubtasks reassembles every subtask across a task's SUBTASKBIN
// items, in index order. Every stored record corresponds to a subtask
// CreateSubtasks actually materialised, whether or not it has started
// or ended yet -- a bin dropped entirely by ResetSubsetOfSubtasks is
// simply absent and contributes nothing.
func (c *Client) GetSubtasks(ctx context.Context, taskName string) ([]store.Subtask, error) {
	task, err := c.GetTask(ctx, taskName, store.GetTaskOptions{})
	if err != nil || task == nil {
		return nil, err
	}
	// subtask_count isn't carried on TaskState directly; callers track
	// expected count via CreateSubtasks. Re-derive bin ids from a
	// dedicated attribute read.
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: c.taskPK()},
			"SK": &types.AttributeValueMemberS{Value: c.taskSK(taskName)},
		},
	})
	if err != nil {
		return nil, c.err("GetSubtasks", err)
	}
	count := 0
	if v, ok := out.Item["subtask_count"].(*types.AttributeValueMemberN); ok {
		count, _ = strconv.Atoi(v.Value)
	}

	var subtasks []store.Subtask
	for _, binID := range storebin.IDs(count) {
		res, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(c.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: c.binPK(taskName, storebin.SubtaskBin, binID)},
				"SK": &types.AttributeValueMemberS{Value: c.binSK(binID)},
			},
		})
		if err != nil {
			return nil, c.err("GetSubtasks", err)
		}
		if res.Item == nil {
			continue
		}
		list, ok := res.Item["items"].(*types.AttributeValueMemberL)
		if !ok {
			continue
		}
		for _, raw := range list.Value {
			m, ok := raw.(*types.AttributeValueMemberM)
			if !ok {
				continue
			}
			sub := store.Subtask{TaskName: taskName}
			if v, ok := m.Value["i"].(*types.AttributeValueMemberN); ok {
				sub.Index, _ = strconv.Atoi(v.Value)
			}
			if v, ok := m.Value["key"].(*types.AttributeValueMemberS); ok {
				sub.Key = v.Value
			}
			if v, ok := m.Value["startTime"].(*types.AttributeValueMemberS); ok {
				sub.StartTime = v.Value
			}
			if v, ok := m.Value["endTime"].(*types.AttributeValueMemberS); ok {
				sub.EndTime = v.Value
			}
			if v, ok := m.Value["outputHash"].(*types.AttributeValueMemberS); ok {
				sub.OutputHash = v.Value
			}
			subtasks = append(subtasks, sub)
		}
	}
	return subtasks, nil
}

// ResetSubsetOfSubtasks filters every SUBTASKBIN item's subtask list
// down to those whose key is present in keys, resetting
// startTime/endTime/outputHash on the survivors, and drops every other
// subtask -- a bin left with no surviving subtasks is deleted outright,
// mirroring the retain-and-reset/drop-non-matching contract the SQLite
// backend implements against the same bin-chunked layout.
func (c *Client) ResetSubsetOfSubtasks(ctx context.Context, taskName string, keys []string) error {
	keep := map[string]struct{}{}
	for _, k := range keys {
		keep[k] = struct{}{}
	}

	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: c.taskPK()},
			"SK": &types.AttributeValueMemberS{Value: c.taskSK(taskName)},
		},
	})
	if err != nil {
		return c.err("ResetSubsetOfSubtasks", err)
	}
	count := 0
	if v, ok := out.Item["subtask_count"].(*types.AttributeValueMemberN); ok {
		count, _ = strconv.Atoi(v.Value)
	}

	for _, binID := range storebin.IDs(count) {
		key := map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: c.binPK(taskName, storebin.SubtaskBin, binID)},
			"SK": &types.AttributeValueMemberS{Value: c.binSK(binID)},
		}
		res, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{TableName: aws.String(c.tableName), Key: key})
		if err != nil {
			return c.err("ResetSubsetOfSubtasks", err)
		}
		if res.Item == nil {
			continue
		}
		list, ok := res.Item["items"].(*types.AttributeValueMemberL)
		if !ok {
			continue
		}

		var kept []types.AttributeValue
		for _, raw := range list.Value {
			m, ok := raw.(*types.AttributeValueMemberM)
			if !ok {
				continue
			}
			subtaskKey := ""
			if v, ok := m.Value["key"].(*types.AttributeValueMemberS); ok {
				subtaskKey = v.Value
			}
			if _, ok := keep[subtaskKey]; !ok {
				continue
			}
			clone := make(map[string]types.AttributeValue, len(m.Value))
			for k, v := range m.Value {
				clone[k] = v
			}
			delete(clone, "startTime")
			delete(clone, "endTime")
			delete(clone, "outputHash")
			kept = append(kept, &types.AttributeValueMemberM{Value: clone})
		}

		if len(kept) == 0 {
			if _, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: aws.String(c.tableName), Key: key}); err != nil {
				return c.err("ResetSubsetOfSubtasks", err)
			}
			continue
		}

		item := map[string]types.AttributeValue{
			"PK":    key["PK"],
			"SK":    key["SK"],
			"items": &types.AttributeValueMemberL{Value: kept},
		}
		if _, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.tableName), Item: item}); err != nil {
			return c.err("ResetSubsetOfSubtasks", err)
		}
	}
	return nil
}

// Close is a no-op: the AWS SDK client owns no persistent connection.
func (c *Client) Close() error { return nil }

// CreateTable creates the single-table layout (PK/SK, pay-per-request,
// streams enabled) if it doesn't already exist, mirroring the original
// client's opt-in create_table call for local/dev endpoints.
func CreateTable(ctx context.Context, api *dynamodb.Client, tableName string) error {
	_, err := api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("PK"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("SK"), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("PK"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("SK"), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
		StreamSpecification: &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewTypeNewAndOldImages,
		},
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return err
	}
	return nil
}
