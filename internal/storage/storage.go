package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"panosearch/internal/search"
)

// Store wraps SQLite-backed persistence for jobs and search runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS search_runs (
            id TEXT PRIMARY KEY,
            job_id TEXT,
            input_path TEXT NOT NULL,
            engine TEXT,
            total_images INTEGER NOT NULL,
            target_count INTEGER NOT NULL,
            best_count INTEGER NOT NULL,
            best_attempt INTEGER,
            target_reached BOOLEAN DEFAULT FALSE,
            artifact_path TEXT,
            artifact_error TEXT,
            error_message TEXT,
            started_unix_ms INTEGER NOT NULL,
            duration_ms INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS attempts (
            run_id TEXT NOT NULL REFERENCES search_runs(id) ON DELETE CASCADE,
            attempt INTEGER NOT NULL,
            start_index INTEGER NOT NULL,
            kept INTEGER NOT NULL,
            rejections INTEGER NOT NULL,
            early_stopped BOOLEAN DEFAULT FALSE,
            duration_ms INTEGER NOT NULL,
            PRIMARY KEY (run_id, attempt)
        );`,
		`CREATE TABLE IF NOT EXISTS image_outcomes (
            run_id TEXT NOT NULL REFERENCES search_runs(id) ON DELETE CASCADE,
            attempt INTEGER NOT NULL,
            seq INTEGER NOT NULL,
            image_index INTEGER NOT NULL,
            file_path TEXT NOT NULL,
            accepted BOOLEAN NOT NULL,
            kind TEXT NOT NULL,
            reason TEXT,
            latency_ms INTEGER NOT NULL,
            PRIMARY KEY (run_id, attempt, seq)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_search_runs_started ON search_runs(started_unix_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_image_outcomes_file_path ON image_outcomes(file_path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	MetaJSON    string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RunRecord is one stored search.
type RunRecord struct {
	ID            string
	JobID         string
	InputPath     string
	Engine        string
	Total         int
	TargetCount   int
	Best          int
	BestAttempt   int
	TargetReached bool
	Artifact      string
	ArtifactError string
	Error         string
	StartedAt     time.Time
	Duration      time.Duration
	Attempts      int
}

// OutcomeRecord is one stored oracle decision.
type OutcomeRecord struct {
	Attempt  int
	Index    int
	Path     string
	Accepted bool
	Kind     string
	Reason   string
	Latency  time.Duration
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, meta_json=?, error_message=? WHERE id=?;`,
		status, string(metaJSON), errMsg, id)
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, meta_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var outputPath, optionsJSON, metaJSON, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &outputPath, &optionsJSON, &metaJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		rec.OutputPath = outputPath.String
		rec.OptionsJSON = optionsJSON.String
		rec.MetaJSON = metaJSON.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordSearch persists a finished search with its attempts and every
// per-image outcome in one transaction.
func (s *Store) RecordSearch(jobID, inputPath, engine string, res search.Result, runErr error) error {
	if s == nil {
		return nil
	}
	if res.RunID == "" {
		return errors.New("search result has no run id")
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var bestAttempt int
	if res.Best != nil {
		bestAttempt = res.Best.Attempt
	}
	started := time.Now().Add(-res.Elapsed)
	if _, err := tx.Exec(`INSERT OR REPLACE INTO search_runs (id, job_id, input_path, engine, total_images, target_count, best_count, best_attempt, target_reached, artifact_path, artifact_error, error_message, started_unix_ms, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		res.RunID, jobID, inputPath, engine, res.Total, res.TargetCount, res.BestSize(), bestAttempt, res.TargetReached,
		res.Artifact, errString(res.ArtifactErr), errString(runErr), started.UnixMilli(), res.Elapsed.Milliseconds()); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, a := range res.Attempts {
		if _, err := tx.Exec(`INSERT INTO attempts (run_id, attempt, start_index, kept, rejections, early_stopped, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?);`,
			res.RunID, a.Attempt, a.StartIndex, len(a.Accepted), a.Rejections(), a.EarlyStopped, a.Elapsed.Milliseconds()); err != nil {
			return fmt.Errorf("insert attempt %d: %w", a.Attempt, err)
		}
		for seq, o := range a.Outcomes {
			if _, err := tx.Exec(`INSERT INTO image_outcomes (run_id, attempt, seq, image_index, file_path, accepted, kind, reason, latency_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
				res.RunID, a.Attempt, seq, o.Index, o.Image.Path, o.Accepted, o.Kind.String(), o.Reason, o.Latency.Milliseconds()); err != nil {
				return fmt.Errorf("insert outcome: %w", err)
			}
		}
	}
	return tx.Commit()
}

// RecentRuns returns the latest searches up to limit, newest first.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT r.id, r.job_id, r.input_path, r.engine, r.total_images, r.target_count, r.best_count, r.best_attempt, r.target_reached,
            r.artifact_path, r.artifact_error, r.error_message, r.started_unix_ms, r.duration_ms,
            (SELECT COUNT(*) FROM attempts a WHERE a.run_id = r.id)
        FROM search_runs r ORDER BY r.started_unix_ms DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var jobID, engine, artifact, artifactErr, errMsg sql.NullString
		var bestAttempt sql.NullInt64
		var startedMS, durationMS int64
		if err := rows.Scan(&rec.ID, &jobID, &rec.InputPath, &engine, &rec.Total, &rec.TargetCount, &rec.Best, &bestAttempt, &rec.TargetReached,
			&artifact, &artifactErr, &errMsg, &startedMS, &durationMS, &rec.Attempts); err != nil {
			return nil, err
		}
		rec.JobID = jobID.String
		rec.Engine = engine.String
		rec.BestAttempt = int(bestAttempt.Int64)
		rec.Artifact = artifact.String
		rec.ArtifactError = artifactErr.String
		rec.Error = errMsg.String
		rec.StartedAt = time.UnixMilli(startedMS)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunOutcomes returns the stored decisions of one run in scan order.
func (s *Store) RunOutcomes(runID string) ([]OutcomeRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT attempt, image_index, file_path, accepted, kind, reason, latency_ms FROM image_outcomes WHERE run_id=? ORDER BY attempt, seq;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []OutcomeRecord
	for rows.Next() {
		var rec OutcomeRecord
		var reason sql.NullString
		var latencyMS int64
		if err := rows.Scan(&rec.Attempt, &rec.Index, &rec.Path, &rec.Accepted, &rec.Kind, &reason, &latencyMS); err != nil {
			return nil, err
		}
		rec.Reason = reason.String
		rec.Latency = time.Duration(latencyMS) * time.Millisecond
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ImageAcceptance counts how often path was accepted and rejected across all runs.
func (s *Store) ImageAcceptance(path string) (accepted, rejected int, err error) {
	if s == nil {
		return 0, 0, errors.New("store not initialized")
	}
	err = s.DB.QueryRow(`SELECT COALESCE(SUM(CASE WHEN accepted THEN 1 ELSE 0 END), 0), COALESCE(SUM(CASE WHEN accepted THEN 0 ELSE 1 END), 0) FROM image_outcomes WHERE file_path=?;`, path).
		Scan(&accepted, &rejected)
	return accepted, rejected, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
