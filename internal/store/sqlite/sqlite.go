// Package sqlite implements the single-node backend for the task state
// store: three tables (tasks, taskdata_bins, subtask_bins) in one
// on-disk SQLite database, scoped by (storage_key, pipeline, task_id),
// with subtask_bins/taskdata_bins rows cascading away when their
// parent task row is deleted.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/kptn-dev/kptn/internal/kerrors"
	"github.com/kptn-dev/kptn/internal/store"
	storebin "github.com/kptn-dev/kptn/internal/store/bin"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	storage_key TEXT NOT NULL,
	pipeline TEXT NOT NULL,
	task_id TEXT NOT NULL,
	code_hashes TEXT,
	input_hashes TEXT,
	input_data_hashes TEXT,
	outputs_version TEXT,
	output_data_version TEXT,
	status TEXT,
	start_time TEXT,
	end_time TEXT,
	subtask_count INTEGER DEFAULT 0,
	taskdata_count INTEGER DEFAULT 0,
	subset_count INTEGER DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(storage_key, pipeline, task_id)
);

CREATE TABLE IF NOT EXISTS taskdata_bins (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	storage_key TEXT NOT NULL,
	pipeline TEXT NOT NULL,
	task_id TEXT NOT NULL,
	bin_type TEXT NOT NULL,
	bin_id TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(storage_key, pipeline, task_id, bin_type, bin_id),
	FOREIGN KEY(storage_key, pipeline, task_id)
		REFERENCES tasks(storage_key, pipeline, task_id)
		ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS subtask_bins (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	storage_key TEXT NOT NULL,
	pipeline TEXT NOT NULL,
	task_id TEXT NOT NULL,
	bin_id TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	UNIQUE(storage_key, pipeline, task_id, bin_id),
	FOREIGN KEY(storage_key, pipeline, task_id)
		REFERENCES tasks(storage_key, pipeline, task_id)
		ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tasks_lookup ON tasks(storage_key, pipeline, task_id);
CREATE INDEX IF NOT EXISTS idx_tasks_pipeline ON tasks(storage_key, pipeline);
CREATE INDEX IF NOT EXISTS idx_taskdata_bins_lookup ON taskdata_bins(storage_key, pipeline, task_id, bin_type);
CREATE INDEX IF NOT EXISTS idx_subtask_bins_lookup ON subtask_bins(storage_key, pipeline, task_id);
`

// Client is the SQLite-backed Store implementation.
type Client struct {
	db         *sql.DB
	storageKey string
	pipeline   string
}

// Open opens (creating if absent) the SQLite database at dbPath,
// applies the schema, and returns a Client scoped to (storageKey,
// pipeline).
func Open(dbPath string, storageKey string, pipeline string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &kerrors.StoreError{Backend: "sqlite", Op: "Open", Err: err}
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, &kerrors.StoreError{Backend: "sqlite", Op: "Open", Err: err}
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, &kerrors.StoreError{Backend: "sqlite", Op: "Open", Err: err}
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, &kerrors.StoreError{Backend: "sqlite", Op: "Open", Err: err}
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, &kerrors.StoreError{Backend: "sqlite", Op: "Open", Err: err}
	}

	return &Client{db: db, storageKey: storageKey, pipeline: pipeline}, nil
}

func (c *Client) err(op string, err error) error {
	if err == nil {
		return nil
	}
	return &kerrors.StoreError{Backend: "sqlite", Op: op, Err: err}
}

// CreateTask inserts a new task row, or replaces one of the same
// (storage_key, pipeline, task_id), and writes its data payload to
// TASKDATABIN when given.
func (c *Client) CreateTask(ctx context.Context, task store.TaskState) error {
	now := time.Now().UTC().Format(time.RFC3339)
	taskdataCount := sql.NullInt64{}
	if len(task.Data) > 0 {
		var list []json.RawMessage
		if err := json.Unmarshal(task.Data, &list); err == nil {
			taskdataCount = sql.NullInt64{Int64: int64(len(list)), Valid: true}
		}
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT INTO tasks (storage_key, pipeline, task_id, status, start_time, end_time,
			code_hashes, input_hashes, input_data_hashes, outputs_version, output_data_version,
			taskdata_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(storage_key, pipeline, task_id) DO UPDATE SET
			status=excluded.status, start_time=excluded.start_time, end_time=excluded.end_time,
			code_hashes=excluded.code_hashes, input_hashes=excluded.input_hashes,
			input_data_hashes=excluded.input_data_hashes, outputs_version=excluded.outputs_version,
			output_data_version=excluded.output_data_version, taskdata_count=excluded.taskdata_count,
			updated_at=excluded.updated_at
	`, c.storageKey, c.pipeline, task.TaskName, nullIfEmpty(task.Status), nullIfEmpty(task.StartTime),
		nullIfEmpty(task.EndTime), nullIfEmpty(task.CodeVersion), nullIfEmpty(task.InputsVersion),
		nullIfEmpty(task.InputDataVersion), nullIfEmpty(task.OutputsVersion), nullIfEmpty(task.OutputDataVersion),
		taskdataCount, now, now)
	if err != nil {
		return c.err("CreateTask", err)
	}
	if len(task.Data) > 0 {
		return c.CreateTaskData(ctx, task.TaskName, task.Data, storebin.TaskDataBin)
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// UpdateTask applies a partial field update, building a dynamic SET
// clause the same way the original client's update_task(conn, dict)
// helper does.
func (c *Client) UpdateTask(ctx context.Context, taskName string, fields map[string]interface{}) error {
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339)

	setClauses := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields)+3)
	for k, v := range fields {
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", k))
		args = append(args, v)
	}
	args = append(args, c.storageKey, c.pipeline, taskName)

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE storage_key = ? AND pipeline = ? AND task_id = ?", joinComma(setClauses))
	_, err := c.db.ExecContext(ctx, query, args...)
	return c.err("UpdateTask", err)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// SetTaskEnded mirrors set_task_ended's subset_mode branch: in subset
// mode, only subset_count and SUBSETBIN data are written; otherwise
// end_time/outputs_version/output_data_version/status/taskdata_count
// are written together with TASKDATABIN data.
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

// GetTask reassembles a task row, optionally including its data
// payload.
func (c *Client) GetTask(ctx context.Context, taskName string, opts store.GetTaskOptions) (*store.TaskState, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT task_id, status, start_time, end_time, code_hashes, input_hashes,
			input_data_hashes, outputs_version, output_data_version,
			subtask_count, taskdata_count, subset_count, created_at, updated_at
		FROM tasks WHERE storage_key = ? AND pipeline = ? AND task_id = ?
	`, c.storageKey, c.pipeline, taskName)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, c.err("GetTask", err)
	}
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
	return task, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scannable) (*store.TaskState, error) {
	var task store.TaskState
	var status, startTime, endTime, codeHashes, inputHashes, inputDataHashes, outputsVersion, outputDataVersion sql.NullString
	var subtaskCount, taskdataCount, subsetCount sql.NullInt64
	var createdAt, updatedAt string

	err := row.Scan(&task.TaskName, &status, &startTime, &endTime, &codeHashes, &inputHashes,
		&inputDataHashes, &outputsVersion, &outputDataVersion, &subtaskCount, &taskdataCount,
		&subsetCount, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.Status = status.String
	task.StartTime = startTime.String
	task.EndTime = endTime.String
	task.CodeVersion = codeHashes.String
	task.InputsVersion = inputHashes.String
	task.InputDataVersion = inputDataHashes.String
	task.OutputsVersion = outputsVersion.String
	task.OutputDataVersion = outputDataVersion.String
	task.TaskDataCount = int(taskdataCount.Int64)
	task.SubsetCount = int(subsetCount.Int64)
	task.CreatedAt = createdAt
	task.UpdatedAt = updatedAt
	return &task, nil
}

// GetTasks lists every task row for the client's pipeline.
func (c *Client) GetTasks(ctx context.Context) ([]store.TaskState, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT task_id, status, start_time, end_time, code_hashes, input_hashes,
			input_data_hashes, outputs_version, output_data_version,
			subtask_count, taskdata_count, subset_count, created_at, updated_at
		FROM tasks WHERE storage_key = ? AND pipeline = ?
	`, c.storageKey, c.pipeline)
	if err != nil {
		return nil, c.err("GetTasks", err)
	}
	defer rows.Close()

	var tasks []store.TaskState
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, c.err("GetTasks", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// DeleteTask removes the task row; its bins cascade away via the
// schema's ON DELETE CASCADE foreign keys.
func (c *Client) DeleteTask(ctx context.Context, taskName string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE storage_key = ? AND pipeline = ? AND task_id = ?
	`, c.storageKey, c.pipeline, taskName)
	return c.err("DeleteTask", err)
}

// CreateTaskData splits a JSON-array payload into Size-sized bins
// (one row per bin, storing each chunk as a JSON-encoded list), and
// updates the corresponding counter field on the parent task row.
func (c *Client) CreateTaskData(ctx context.Context, taskName string, data []byte, binType storebin.Type) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		// Not a JSON array: store as a single opaque bin.
		items = []json.RawMessage{data}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for i := 0; i < len(items); i += storebin.Size {
		end := i + storebin.Size
		if end > len(items) {
			end = len(items)
		}
		binID := strconv.Itoa(i / storebin.Size)
		chunk, err := json.Marshal(items[i:end])
		if err != nil {
			return c.err("CreateTaskData", err)
		}
		_, err = c.db.ExecContext(ctx, `
			INSERT INTO taskdata_bins (storage_key, pipeline, task_id, bin_type, bin_id, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(storage_key, pipeline, task_id, bin_type, bin_id) DO UPDATE SET
				data=excluded.data, updated_at=excluded.updated_at
		`, c.storageKey, c.pipeline, taskName, string(binType), binID, string(chunk), now, now)
		if err != nil {
			return c.err("CreateTaskData", err)
		}
	}

	countField := binType.CountField()
	if countField == "" {
		return nil
	}
	return c.UpdateTask(ctx, taskName, map[string]interface{}{countField: len(items)})
}

// GetTaskData reassembles a bin family's JSON-array payload, in bin id
// order, re-marshalled into a single combined JSON array.
func (c *Client) GetTaskData(ctx context.Context, taskName string, binType storebin.Type) ([]byte, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT bin_id, data FROM taskdata_bins
		WHERE storage_key = ? AND pipeline = ? AND task_id = ? AND bin_type = ?
		ORDER BY CAST(bin_id AS INTEGER)
	`, c.storageKey, c.pipeline, taskName, string(binType))
	if err != nil {
		return nil, c.err("GetTaskData", err)
	}
	defer rows.Close()

	var combined []json.RawMessage
	for rows.Next() {
		var binID, data string
		if err := rows.Scan(&binID, &data); err != nil {
			return nil, c.err("GetTaskData", err)
		}
		var chunk []json.RawMessage
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		combined = append(combined, chunk...)
	}
	if err := rows.Err(); err != nil {
		return nil, c.err("GetTaskData", err)
	}
	return json.Marshal(combined)
}

// CreateSubtasks materialises len(keys) SUBTASKBIN rows, each holding
// a JSON array of {i, key, startTime, endTime, outputHash} objects,
// one per element of keys, chunked Size entries per bin.
func (c *Client) CreateSubtasks(ctx context.Context, taskName string, keys []string, updateCount bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, binID := range storebin.IDs(len(keys)) {
		binIDNum, _ := strconv.Atoi(binID)
		start := binIDNum * storebin.Size
		end := start + storebin.Size
		if end > len(keys) {
			end = len(keys)
		}
		records := make([]subtaskRecord, 0, end-start)
		for i := start; i < end; i++ {
			records = append(records, subtaskRecord{Index: i, Key: keys[i]})
		}
		data, err := json.Marshal(records)
		if err != nil {
			return c.err("CreateSubtasks", err)
		}
		_, err = c.db.ExecContext(ctx, `
			INSERT INTO subtask_bins (storage_key, pipeline, task_id, bin_id, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(storage_key, pipeline, task_id, bin_id) DO UPDATE SET
				data=excluded.data, updated_at=excluded.updated_at
		`, c.storageKey, c.pipeline, taskName, binID, string(data), now, now)
		if err != nil {
			return c.err("CreateSubtasks", err)
		}
	}
	if !updateCount {
		return nil
	}
	return c.UpdateTask(ctx, taskName, map[string]interface{}{"subtask_count": len(keys)})
}

type subtaskRecord struct {
	Index      int    `json:"i"`
	Key        string `json:"key,omitempty"`
	StartTime  string `json:"startTime,omitempty"`
	EndTime    string `json:"endTime,omitempty"`
	OutputHash string `json:"outputHash,omitempty"`
}

// SetSubtaskStarted stamps one subtask's startTime within its bin.
func (c *Client) SetSubtaskStarted(ctx context.Context, taskName string, index int) error {
	return c.setSubtaskField(ctx, taskName, index, "startTime", time.Now().UTC().Format(time.RFC3339), "")
}

// SetSubtaskEnded stamps one subtask's endTime (and outputHash, if
// given) within its bin.
func (c *Client) SetSubtaskEnded(ctx context.Context, taskName string, index int, outputHash string) error {
	return c.setSubtaskField(ctx, taskName, index, "endTime", time.Now().UTC().Format(time.RFC3339), outputHash)
}

func (c *Client) setSubtaskField(ctx context.Context, taskName string, index int, field string, value string, outputHash string) error {
	binID, offset := storebin.IndexToBin(index)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return c.err("setSubtaskField", err)
	}
	defer tx.Rollback()

	var data string
	err = tx.QueryRowContext(ctx, `
		SELECT data FROM subtask_bins
		WHERE storage_key = ? AND pipeline = ? AND task_id = ? AND bin_id = ?
	`, c.storageKey, c.pipeline, taskName, binID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return c.err("setSubtaskField", err)
	}

	var subtasks []subtaskRecord
	if err := json.Unmarshal([]byte(data), &subtasks); err != nil || offset >= len(subtasks) {
		return nil
	}
	switch field {
	case "startTime":
		subtasks[offset].StartTime = value
	case "endTime":
		subtasks[offset].EndTime = value
		if outputHash != "" {
			subtasks[offset].OutputHash = outputHash
		}
	}

	updated, err := json.Marshal(subtasks)
	if err != nil {
		return c.err("setSubtaskField", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE subtask_bins SET data = ?, updated_at = ?
		WHERE storage_key = ? AND pipeline = ? AND task_id = ? AND bin_id = ?
	`, string(updated), time.Now().UTC().Format(time.RFC3339), c.storageKey, c.pipeline, taskName, binID)
	if err != nil {
		return c.err("setSubtaskField", err)
	}
	return c.err("setSubtaskField", tx.Commit())
}

// GetSubtasks reassembles every subtask across a task's subtask_bins
// rows, in bin id order. Every stored record corresponds to a subtask
// CreateSubtasks actually materialised, whether or not it has started
// or ended yet -- there is no placeholder padding to skip.
func (c *Client) GetSubtasks(ctx context.Context, taskName string) ([]store.Subtask, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT bin_id, data FROM subtask_bins
		WHERE storage_key = ? AND pipeline = ? AND task_id = ?
		ORDER BY CAST(bin_id AS INTEGER)
	`, c.storageKey, c.pipeline, taskName)
	if err != nil {
		return nil, c.err("GetSubtasks", err)
	}
	defer rows.Close()

	var subtasks []store.Subtask
	for rows.Next() {
		var binID, data string
		if err := rows.Scan(&binID, &data); err != nil {
			return nil, c.err("GetSubtasks", err)
		}
		var records []subtaskRecord
		if err := json.Unmarshal([]byte(data), &records); err != nil {
			continue
		}
		for _, rec := range records {
			subtasks = append(subtasks, store.Subtask{
				TaskName:   taskName,
				Index:      rec.Index,
				Key:        rec.Key,
				StartTime:  rec.StartTime,
				EndTime:    rec.EndTime,
				OutputHash: rec.OutputHash,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, c.err("GetSubtasks", err)
	}
	sort.Slice(subtasks, func(i, j int) bool { return subtasks[i].Index < subtasks[j].Index })
	return subtasks, nil
}

// ResetSubsetOfSubtasks filters every bin's subtasks down to those
// whose key is present in keys, resetting startTime/endTime/outputHash
// on the survivors, and drops every other subtask -- mirroring
// update_subtask_subset's delete-then-recreate approach: all existing
// subtask_bins rows for the task are deleted, then rewritten with only
// the bins that still hold at least one surviving subtask.
func (c *Client) ResetSubsetOfSubtasks(ctx context.Context, taskName string, keys []string) error {
	keep := map[string]struct{}{}
	for _, k := range keys {
		keep[k] = struct{}{}
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT bin_id, data FROM subtask_bins
		WHERE storage_key = ? AND pipeline = ? AND task_id = ?
	`, c.storageKey, c.pipeline, taskName)
	if err != nil {
		return c.err("ResetSubsetOfSubtasks", err)
	}
	type binUpdate struct {
		binID string
		data  []subtaskRecord
	}
	var updates []binUpdate
	for rows.Next() {
		var binID, data string
		if err := rows.Scan(&binID, &data); err != nil {
			rows.Close()
			return c.err("ResetSubsetOfSubtasks", err)
		}
		var records []subtaskRecord
		if err := json.Unmarshal([]byte(data), &records); err != nil {
			continue
		}
		var kept []subtaskRecord
		for _, rec := range records {
			if _, ok := keep[rec.Key]; !ok {
				continue
			}
			rec.StartTime = ""
			rec.EndTime = ""
			rec.OutputHash = ""
			kept = append(kept, rec)
		}
		updates = append(updates, binUpdate{binID: binID, data: kept})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return c.err("ResetSubsetOfSubtasks", err)
	}

	if _, err := c.db.ExecContext(ctx, `
		DELETE FROM subtask_bins WHERE storage_key = ? AND pipeline = ? AND task_id = ?
	`, c.storageKey, c.pipeline, taskName); err != nil {
		return c.err("ResetSubsetOfSubtasks", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, u := range updates {
		if len(u.data) == 0 {
			continue
		}
		encoded, err := json.Marshal(u.data)
		if err != nil {
			return c.err("ResetSubsetOfSubtasks", err)
		}
		_, err = c.db.ExecContext(ctx, `
			INSERT INTO subtask_bins (storage_key, pipeline, task_id, bin_id, data, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, c.storageKey, c.pipeline, taskName, u.binID, string(encoded), now, now)
		if err != nil {
			return c.err("ResetSubsetOfSubtasks", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Client) Close() error {
	return c.db.Close()
}
