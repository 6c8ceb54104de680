package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SharedConfigKey is the settings row handed to workers in auth:ok
const SharedConfigKey = "worker_config"

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Store is the persistence side channel of the hub. Every call is
// best-effort from the hub's point of view.
type Store interface {
	MarkWorkerOnline(ctx context.Context, workerID, remoteAddr string) error
	MarkWorkerOffline(ctx context.Context, workerID string) error
	RecordHeartbeat(ctx context.Context, hb Heartbeat) error
	RecordExecution(ctx context.Context, exec Execution) error
	UpdateTaskStatus(ctx context.Context, taskID, workerID, status string) error
	SharedConfig(ctx context.Context) (json.RawMessage, error)
	SetSharedConfig(ctx context.Context, config json.RawMessage) error

	GetWorker(ctx context.Context, workerID string) (*Worker, error)
	GetExecutions(ctx context.Context, taskID string) ([]*Execution, error)
	GetTaskStatus(ctx context.Context, taskID string) (string, error)
}

// Worker is the persisted view of a worker node
type Worker struct {
	WorkerID        string          `json:"worker_id"`
	Status          string          `json:"status"`
	RemoteAddr      string          `json:"remote_addr"`
	Load            float64         `json:"load"`
	ActiveTasks     int             `json:"active_tasks"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	DockerAvailable bool            `json:"docker_available"`
	LastHeartbeat   sql.NullTime    `json:"-"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Heartbeat is one liveness report
type Heartbeat struct {
	WorkerID        string
	Load            float64
	ActiveTasks     int
	Capabilities    json.RawMessage
	DockerAvailable bool
	At              time.Time
}

// Execution is one entry of the task execution log
type Execution struct {
	TaskID     string          `json:"task_id"`
	WorkerID   string          `json:"worker_id"`
	Status     string          `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	TokensUsed int             `json:"tokens_used"`
	DurationMs int64           `json:"duration_ms"`
}

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	database := &Database{db: db}

	// Initialize database schema
	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// initSchema creates the database tables
func (d *Database) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS workers (
			worker_id TEXT PRIMARY KEY,
			status TEXT NOT NULL DEFAULT 'offline',
			remote_addr TEXT,
			load REAL DEFAULT 0,
			active_tasks INTEGER DEFAULT 0,
			capabilities TEXT, -- JSON object as TEXT
			docker_available INTEGER DEFAULT 0,
			last_heartbeat DATETIME,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			worker_id TEXT,
			status TEXT NOT NULL,
			output TEXT,
			error TEXT,
			tokens_used INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			worker_id TEXT,
			status TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_task_id ON executions(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status)`,
	}

	for _, query := range queries {
		if _, err := d.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// Worker operations
func (d *Database) MarkWorkerOnline(ctx context.Context, workerID, remoteAddr string) error {
	query := `INSERT INTO workers (worker_id, status, remote_addr, updated_at)
			  VALUES (?, 'online', ?, CURRENT_TIMESTAMP)
			  ON CONFLICT(worker_id) DO UPDATE SET
			  	status = 'online', remote_addr = excluded.remote_addr, updated_at = CURRENT_TIMESTAMP`
	if _, err := d.db.ExecContext(ctx, query, workerID, remoteAddr); err != nil {
		return fmt.Errorf("failed to mark worker online: %w", err)
	}
	return nil
}

func (d *Database) MarkWorkerOffline(ctx context.Context, workerID string) error {
	query := `UPDATE workers SET status = 'offline', updated_at = CURRENT_TIMESTAMP WHERE worker_id = ?`
	if _, err := d.db.ExecContext(ctx, query, workerID); err != nil {
		return fmt.Errorf("failed to mark worker offline: %w", err)
	}
	return nil
}

func (d *Database) RecordHeartbeat(ctx context.Context, hb Heartbeat) error {
	capabilities := ""
	if len(hb.Capabilities) > 0 {
		capabilities = string(hb.Capabilities)
	}
	at := hb.At
	if at.IsZero() {
		at = time.Now()
	}

	query := `INSERT INTO workers (worker_id, status, load, active_tasks, capabilities, docker_available, last_heartbeat, updated_at)
			  VALUES (?, 'online', ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			  ON CONFLICT(worker_id) DO UPDATE SET
			  	status = 'online', load = excluded.load, active_tasks = excluded.active_tasks,
			  	capabilities = excluded.capabilities, docker_available = excluded.docker_available,
			  	last_heartbeat = excluded.last_heartbeat, updated_at = CURRENT_TIMESTAMP`
	_, err := d.db.ExecContext(ctx, query, hb.WorkerID, hb.Load, hb.ActiveTasks, capabilities, hb.DockerAvailable, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

func (d *Database) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	query := `SELECT worker_id, status, COALESCE(remote_addr, ''), load, active_tasks,
			  COALESCE(capabilities, ''), docker_available, last_heartbeat, updated_at
			  FROM workers WHERE worker_id = ?`

	var worker Worker
	var capabilities string
	err := d.db.QueryRowContext(ctx, query, workerID).Scan(
		&worker.WorkerID, &worker.Status, &worker.RemoteAddr, &worker.Load, &worker.ActiveTasks,
		&capabilities, &worker.DockerAvailable, &worker.LastHeartbeat, &worker.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %s: %w", workerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	if capabilities != "" {
		worker.Capabilities = json.RawMessage(capabilities)
	}

	return &worker, nil
}

// Task operations
func (d *Database) RecordExecution(ctx context.Context, exec Execution) error {
	output := ""
	if len(exec.Output) > 0 {
		output = string(exec.Output)
	}

	query := `INSERT INTO executions (task_id, worker_id, status, output, error, tokens_used, duration_ms)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := d.db.ExecContext(ctx, query, exec.TaskID, exec.WorkerID, exec.Status, output, exec.Error, exec.TokensUsed, exec.DurationMs)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

func (d *Database) GetExecutions(ctx context.Context, taskID string) ([]*Execution, error) {
	query := `SELECT task_id, COALESCE(worker_id, ''), status, COALESCE(output, ''), COALESCE(error, ''), tokens_used, duration_ms
			  FROM executions WHERE task_id = ? ORDER BY id`

	rows, err := d.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		var exec Execution
		var output string
		if err := rows.Scan(&exec.TaskID, &exec.WorkerID, &exec.Status, &output, &exec.Error, &exec.TokensUsed, &exec.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		if output != "" {
			exec.Output = json.RawMessage(output)
		}
		executions = append(executions, &exec)
	}

	return executions, rows.Err()
}

func (d *Database) UpdateTaskStatus(ctx context.Context, taskID, workerID, status string) error {
	query := `INSERT INTO tasks (task_id, worker_id, status, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			  ON CONFLICT(task_id) DO UPDATE SET
			  	worker_id = excluded.worker_id, status = excluded.status, updated_at = CURRENT_TIMESTAMP`
	if _, err := d.db.ExecContext(ctx, query, taskID, workerID, status); err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}

func (d *Database) GetTaskStatus(ctx context.Context, taskID string) (string, error) {
	var status string
	err := d.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get task status: %w", err)
	}
	return status, nil
}

// Settings operations
func (d *Database) SharedConfig(ctx context.Context) (json.RawMessage, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, SharedConfigKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("shared config: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read shared config: %w", err)
	}
	return json.RawMessage(value), nil
}

func (d *Database) SetSharedConfig(ctx context.Context, config json.RawMessage) error {
	if !json.Valid(config) {
		return fmt.Errorf("shared config is not valid JSON")
	}
	query := `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			  ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`
	if _, err := d.db.ExecContext(ctx, query, SharedConfigKey, string(config)); err != nil {
		return fmt.Errorf("failed to write shared config: %w", err)
	}
	return nil
}
