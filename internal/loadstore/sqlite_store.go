// Package loadstore persists dataset load runs and per-slide outcomes using SQLite.
package loadstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// RunStatus represents the current state of a load run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunParams contains the parameters of a load run.
type RunParams struct {
	CSVPath             string `json:"csv_path"`
	NumTilesPerWSI      int    `json:"num_tiles_per_wsi"`
	Seed                int64  `json:"seed"`
	Mode                string `json:"mode"`
	Strict              bool   `json:"strict"`
	ValidateCoordinates bool   `json:"validate_coordinates"`
}

// RunProgress represents the progress of a load run.
type RunProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Run is one dataset load.
type Run struct {
	ID         string      `json:"job_id"`
	Status     RunStatus   `json:"status"`
	Params     RunParams   `json:"params"`
	Progress   RunProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Rows       int         `json:"rows"`
	Dim        int         `json:"dim"`
	Failed     int         `json:"failed_slides"`
	Error      string      `json:"error,omitempty"`
}

// SlideOutcome is the load result of one slide.
type SlideOutcome struct {
	SlideIndex      int    `json:"slide_index"`
	WSIPath         string `json:"wsi_path"`
	FeaturePath     string `json:"feature_path"`
	CoordinatesPath string `json:"coordinates_path"`
	Tiles           int    `json:"tiles"`
	Sampled         int    `json:"sampled"`
	Error           string `json:"error,omitempty"`
}

// Store provides persistent storage for load runs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based load store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
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
	CREATE TABLE IF NOT EXISTS load_runs (
		run_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		rows INTEGER DEFAULT 0,
		dim INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_load_runs_status ON load_runs(status);
	CREATE INDEX IF NOT EXISTS idx_load_runs_finished ON load_runs(finished_at);

	CREATE TABLE IF NOT EXISTS slide_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		slide_index INTEGER NOT NULL,
		wsi_path TEXT NOT NULL,
		feature_path TEXT NOT NULL,
		coordinates_path TEXT NOT NULL,
		tiles INTEGER NOT NULL,
		sampled INTEGER NOT NULL,
		error TEXT DEFAULT '',
		FOREIGN KEY (run_id) REFERENCES load_runs(run_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_slide_outcomes_run ON slide_outcomes(run_id, slide_index);
	`
	_, err := s.db.Exec(schema)
	return err
}

const runColumns = `run_id, status, params_json, phase, done, total, rows, dim, failed, error, created_at, started_at, finished_at`

// CreateRun creates a new run record.
func (s *Store) CreateRun(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO load_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		string(run.Status),
		string(paramsJSON),
		run.Progress.Phase,
		run.Progress.Done,
		run.Progress.Total,
		run.Rows,
		run.Dim,
		run.Failed,
		run.Error,
		run.CreatedAt.Format(time.RFC3339Nano),
		nil,
		nil,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var paramsJSON string
	var createdAtStr string
	var startedAtStr, finishedAtStr sql.NullString

	err := row.Scan(
		&run.ID,
		&run.Status,
		&paramsJSON,
		&run.Progress.Phase,
		&run.Progress.Done,
		&run.Progress.Total,
		&run.Rows,
		&run.Dim,
		&run.Failed,
		&run.Error,
		&createdAtStr,
		&startedAtStr,
		&finishedAtStr,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	if startedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAtStr.String)
		run.StartedAt = &t
	}
	if finishedAtStr.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAtStr.String)
		run.FinishedAt = &t
	}
	return &run, nil
}

// GetRun retrieves a run by ID. It returns nil, nil for unknown IDs.
func (s *Store) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM load_runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// UpdateRunStatus updates the run status and error message.
func (s *Store) UpdateRunStatus(runID string, status RunStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status == RunStatusCompleted || status == RunStatusFailed || status == RunStatusCancelled {
		t := time.Now().Format(time.RFC3339Nano)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE load_runs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE run_id = ?
	`, string(status), errMsg, finishedAt, runID)
	return err
}

// UpdateRunStarted marks a run as running with start time.
func (s *Store) UpdateRunStarted(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		UPDATE load_runs SET status = ?, started_at = ?
		WHERE run_id = ?
	`, string(RunStatusRunning), now, runID)
	return err
}

// UpdateRunProgress updates the progress fields.
func (s *Store) UpdateRunProgress(runID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE load_runs SET phase = ?, done = ?, total = ?
		WHERE run_id = ?
	`, phase, done, total, runID)
	return err
}

// UpdateRunCounts records the size of the built dataset.
func (s *Store) UpdateRunCounts(runID string, rows, dim, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE load_runs SET rows = ?, dim = ?, failed = ?
		WHERE run_id = ?
	`, rows, dim, failed, runID)
	return err
}

// InsertOutcomes inserts slide outcomes in a batch transaction.
func (s *Store) InsertOutcomes(runID string, outcomes []SlideOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO slide_outcomes (run_id, slide_index, wsi_path, feature_path, coordinates_path, tiles, sampled, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, o := range outcomes {
		_, err := stmt.Exec(runID, o.SlideIndex, o.WSIPath, o.FeaturePath, o.CoordinatesPath, o.Tiles, o.Sampled, o.Error)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryOutcomes returns slide outcomes of a run in slide order with
// pagination. failedOnly restricts the result to slides that errored.
func (s *Store) QueryOutcomes(runID string, failedOnly bool, offset, limit int) ([]SlideOutcome, int, error) {
	where := "run_id = ?"
	if failedOnly {
		where += " AND error != ''"
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM slide_outcomes WHERE "+where, runID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.Query(`
		SELECT slide_index, wsi_path, feature_path, coordinates_path, tiles, sampled, error
		FROM slide_outcomes
		WHERE `+where+`
		ORDER BY slide_index ASC
		LIMIT ? OFFSET ?
	`, runID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var outcomes []SlideOutcome
	for rows.Next() {
		var o SlideOutcome
		if err := rows.Scan(&o.SlideIndex, &o.WSIPath, &o.FeaturePath, &o.CoordinatesPath, &o.Tiles, &o.Sampled, &o.Error); err != nil {
			return nil, 0, err
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, total, rows.Err()
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM load_runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListQueuedRuns returns all queued runs (for restart recovery).
func (s *Store) ListQueuedRuns() ([]*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM load_runs WHERE status = ? ORDER BY created_at ASC`, string(RunStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// MarkRunningAsFailed marks all running runs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`
		UPDATE load_runs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(RunStatusFailed), errMsg, now, string(RunStatusRunning))
	return err
}

// DeleteExpiredRuns deletes runs finished more than retentionDays ago.
func (s *Store) DeleteExpiredRuns(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)

	// Delete outcomes first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM slide_outcomes WHERE run_id IN (
			SELECT run_id FROM load_runs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM load_runs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteRun deletes a run and its outcomes.
func (s *Store) DeleteRun(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM slide_outcomes WHERE run_id = ?", runID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM load_runs WHERE run_id = ?", runID)
	return err
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
