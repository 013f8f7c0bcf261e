// Package jobstore provides persistent storage for refresh job state and
// result rows using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clbarnes/CATMAID/internal/synapse"
)

// JobStatus represents the current state of a refresh job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Finished reports whether the status is terminal.
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobParams contains the parameters of a refresh job.
type JobParams struct {
	TableID     string  `json:"table_id"`
	SkeletonIDs []int64 `json:"skeleton_ids"`
	// Force drops cached rows before fetching.
	Force bool `json:"force"`
}

// JobProgress represents the progress of a refresh job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job is a refresh of a table's skeleton selection.
type Job struct {
	ID         string      `json:"job_id"`
	TableID    string      `json:"table_id"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	RowCount   int         `json:"row_count"`
	Error      string      `json:"error,omitempty"`
}

// Store provides persistent storage for refresh jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based job store.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS refresh_jobs (
		job_id TEXT PRIMARY KEY,
		table_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		row_count INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_refresh_jobs_table ON refresh_jobs(table_id);
	CREATE INDEX IF NOT EXISTS idx_refresh_jobs_status ON refresh_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_refresh_jobs_finished ON refresh_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS synapse_rows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		synapse_id INTEGER NOT NULL,
		skeleton_id INTEGER NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		z REAL NOT NULL,
		size_px REAL NOT NULL,
		slices INTEGER NOT NULL,
		uncertainty REAL NOT NULL,
		node_id INTEGER NOT NULL,
		connector_count INTEGER NOT NULL,
		connectors_json TEXT NOT NULL,
		FOREIGN KEY (job_id) REFERENCES refresh_jobs(job_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_synapse_rows_job ON synapse_rows(job_id);
	CREATE INDEX IF NOT EXISTS idx_synapse_rows_job_synapse ON synapse_rows(job_id, synapse_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// CreateJob creates a new job record with status=queued.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO refresh_jobs (job_id, table_id, status, params_json, phase, done, total, row_count, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Params.TableID,
		string(job.Status),
		string(paramsJSON),
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.RowCount,
		job.Error,
		formatTime(job.CreatedAt),
		nil,
		nil,
	)
	return err
}

const jobColumns = `job_id, table_id, status, params_json, phase, done, total, row_count, error, created_at, started_at, finished_at`

// GetJob retrieves a job by ID. It returns nil, nil when the job is unknown.
func (s *Store) GetJob(jobID string) (*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM refresh_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := s.scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// UpdateJobStatus updates the job status and error message.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Finished() {
		t := formatTime(time.Now())
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE refresh_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE refresh_jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), formatTime(time.Now()), jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE refresh_jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, phase, done, total, jobID)
	return err
}

// InsertRows stores result rows in a batch transaction and records the count.
func (s *Store) InsertRows(jobID string, rows []synapse.SynapseSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO synapse_rows (job_id, synapse_id, skeleton_id, x, y, z, size_px, slices, uncertainty, node_id, connector_count, connectors_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		conns := r.IntersectingConnectors
		if conns == nil {
			conns = []synapse.ConnectorInfo{}
		}
		connsJSON, err := json.Marshal(conns)
		if err != nil {
			return fmt.Errorf("failed to marshal connectors: %w", err)
		}
		_, err = stmt.Exec(
			jobID, r.DetectedSynapseID, r.SkelID,
			r.Coords.X, r.Coords.Y, r.Coords.Z,
			r.SizePx, r.Slices, r.Uncertainty, r.NodeID,
			len(conns), string(connsJSON),
		)
		if err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`UPDATE refresh_jobs SET row_count = row_count + ? WHERE job_id = ?`, len(rows), jobID); err != nil {
		return err
	}

	return tx.Commit()
}

// QueryRows queries result rows with pagination and ordering. Ties keep
// insertion order.
func (s *Store) QueryRows(jobID string, orderBy string, descending bool, offset, limit int) ([]synapse.SynapseSummary, int, error) {
	orderCol := "synapse_id"
	switch orderBy {
	case "skeleton_id":
		orderCol = "skeleton_id"
	case "uncertainty":
		orderCol = "uncertainty"
	case "size_px":
		orderCol = "size_px"
	case "slices":
		orderCol = "slices"
	case "intersecting_connectors":
		orderCol = "connector_count"
	}
	dir := "ASC"
	if descending {
		dir = "DESC"
	}

	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM synapse_rows WHERE job_id = ?", jobID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = -1
	}

	query := fmt.Sprintf(`
		SELECT synapse_id, skeleton_id, x, y, z, size_px, slices, uncertainty, node_id, connectors_json
		FROM synapse_rows
		WHERE job_id = ?
		ORDER BY %s %s, id ASC
		LIMIT ? OFFSET ?
	`, orderCol, dir)

	rows, err := s.db.Query(query, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results := make([]synapse.SynapseSummary, 0)
	for rows.Next() {
		var r synapse.SynapseSummary
		var connsJSON string
		err := rows.Scan(
			&r.DetectedSynapseID, &r.SkelID,
			&r.Coords.X, &r.Coords.Y, &r.Coords.Z,
			&r.SizePx, &r.Slices, &r.Uncertainty, &r.NodeID,
			&connsJSON,
		)
		if err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal([]byte(connsJSON), &r.IntersectingConnectors); err != nil {
			return nil, 0, fmt.Errorf("failed to unmarshal connectors: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// ListJobsByTable returns all jobs of a table, newest first.
func (s *Store) ListJobsByTable(tableID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM refresh_jobs WHERE table_id = ?
		ORDER BY created_at DESC
	`, tableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM refresh_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE refresh_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, formatTime(time.Now()), string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))

	_, err := s.db.Exec(`
		DELETE FROM synapse_rows WHERE job_id IN (
			SELECT job_id FROM refresh_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM refresh_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and its rows.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM synapse_rows WHERE job_id = ?", jobID)
	if err != nil {
		return err
	}

	_, err = s.db.Exec("DELETE FROM refresh_jobs WHERE job_id = ?", jobID)
	return err
}

func (s *Store) scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var paramsJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.TableID,
			&job.Status,
			&paramsJSON,
			&job.Progress.Phase,
			&job.Progress.Done,
			&job.Progress.Total,
			&job.RowCount,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			job.FinishedAt = &t
		}

		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
