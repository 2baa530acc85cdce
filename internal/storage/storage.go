package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/audioscribe/audioscribe-backend/internal/job"
)

var (
	// ErrNotFound is returned when no job exists with the given id.
	ErrNotFound = errors.New("storage: job not found")
	// ErrNotClaimable is returned when a claim loses the check-and-set,
	// either because another worker holds the job or the job is not in a
	// claimable state.
	ErrNotClaimable = errors.New("storage: job not claimable")
)

// Storage provides persistence for transcription jobs.
type Storage interface {
	Init(path string) error
	Close() error
	CreateJob(j *job.Job) error
	GetJobByID(id string) (*job.Job, error)
	Claim(id, handle string, maxAttempts int, now time.Time) (*job.Job, error)
	Complete(id string, res *job.Result, now time.Time) error
	Fail(id, message string, now time.Time) error
	ListJobs(userID int64, all bool, skip, limit int) ([]*job.Job, error)
	DeleteJob(id string) error
	ListStaleProcessing(before time.Time) ([]*job.Job, error)
	ListStalePending(before time.Time) ([]*job.Job, error)
	ReleaseClaim(id string, now time.Time) error
}

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage() *SQLiteStorage { return &SQLiteStorage{} }

func (s *SQLiteStorage) Init(path string) error {
	if path == "" {
		path = "audioscribe.db"
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return err
	}
	s.db = db
	return s.migrate()
}

func (s *SQLiteStorage) migrate() error {
	q := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		filename TEXT NOT NULL,
		source_url TEXT NOT NULL,
		status TEXT NOT NULL,
		worker_handle TEXT UNIQUE,
		attempts INTEGER NOT NULL DEFAULT 0,
		enable_speaker_diarization INTEGER NOT NULL DEFAULT 1,
		enable_sentiment_analysis INTEGER NOT NULL DEFAULT 1,
		enable_summarization INTEGER NOT NULL DEFAULT 1,
		transcript_text TEXT,
		confidence_score REAL,
		processing_time REAL,
		speaker_diarization_results TEXT,
		sentiment_analysis_results TEXT,
		summary TEXT,
		error_message TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_user_id ON jobs(user_id);
	`
	_, err := s.db.Exec(q)
	return err
}

func (s *SQLiteStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateJob inserts a new pending job, assigning an id if unset.
func (s *SQLiteStorage) CreateJob(j *job.Job) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = job.StatusPending
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO jobs(id,user_id,filename,source_url,status,attempts,enable_speaker_diarization,enable_sentiment_analysis,enable_summarization,created_at,updated_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.UserID, j.Filename, j.SourceURL, j.Status, j.Attempts,
		j.Flags.Diarization, j.Flags.Sentiment, j.Flags.Summarization,
		j.CreatedAt, j.UpdatedAt)
	return err
}

const jobColumns = `id,user_id,filename,source_url,status,worker_handle,attempts,enable_speaker_diarization,enable_sentiment_analysis,enable_summarization,transcript_text,confidence_score,processing_time,speaker_diarization_results,sentiment_analysis_results,summary,error_message,created_at,updated_at,started_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	j := &job.Job{}
	var (
		handle, errMsg, transcript, diarJSON, sentJSON, summary sql.NullString
		confidence, procTime                                    sql.NullFloat64
		createdAt, updatedAt, startedAt, completedAt            sql.NullTime
	)
	err := row.Scan(&j.ID, &j.UserID, &j.Filename, &j.SourceURL, &j.Status,
		&handle, &j.Attempts,
		&j.Flags.Diarization, &j.Flags.Sentiment, &j.Flags.Summarization,
		&transcript, &confidence, &procTime, &diarJSON, &sentJSON, &summary,
		&errMsg, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.WorkerHandle = handle.String
	j.ErrorMessage = errMsg.String
	if createdAt.Valid {
		j.CreatedAt = createdAt.Time
	}
	if updatedAt.Valid {
		j.UpdatedAt = updatedAt.Time
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if j.Status == job.StatusCompleted {
		res := &job.Result{
			Transcript:     transcript.String,
			Confidence:     confidence.Float64,
			ProcessingTime: procTime.Float64,
			Summary:        summary.String,
		}
		if diarJSON.Valid {
			if err := json.Unmarshal([]byte(diarJSON.String), &res.Diarization); err != nil {
				return nil, fmt.Errorf("storage: decode diarization for job %s: %w", j.ID, err)
			}
		}
		if sentJSON.Valid {
			if err := json.Unmarshal([]byte(sentJSON.String), &res.Sentiment); err != nil {
				return nil, fmt.Errorf("storage: decode sentiment for job %s: %w", j.ID, err)
			}
		}
		j.Result = res
	}
	return j, nil
}

func (s *SQLiteStorage) GetJobByID(id string) (*job.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

// Claim transitions a job to processing on behalf of one worker. The job must
// be pending, or failed with fewer than maxAttempts attempts. The update is a
// check-and-set on the current status so that of two concurrent claims exactly
// one wins; the loser gets ErrNotClaimable. The first claim records
// started_at; retries keep it and clear the previous failure record.
func (s *SQLiteStorage) Claim(id, handle string, maxAttempts int, now time.Time) (*job.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	switch {
	case j.Status == job.StatusPending:
	case j.Status == job.StatusFailed && j.Attempts < maxAttempts:
	default:
		return nil, ErrNotClaimable
	}

	res, err := tx.Exec(`UPDATE jobs SET status=?, worker_handle=?, attempts=attempts+1, started_at=COALESCE(started_at, ?), error_message=NULL, completed_at=NULL, updated_at=? WHERE id=? AND status=?`,
		job.StatusProcessing, handle, now, now, id, j.Status)
	if err != nil {
		return nil, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if aff == 0 {
		return nil, ErrNotClaimable
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	j.Status = job.StatusProcessing
	j.WorkerHandle = handle
	j.Attempts++
	if j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	j.ErrorMessage = ""
	j.CompletedAt = nil
	j.UpdatedAt = now
	return j, nil
}

// Complete commits the terminal success state and the result bundle as one
// atomic update. A job that is no longer processing is left untouched.
func (s *SQLiteStorage) Complete(id string, res *job.Result, now time.Time) error {
	diarJSON, err := marshalSegments(res.Diarization)
	if err != nil {
		return err
	}
	sentJSON, err := marshalSegments(res.Sentiment)
	if err != nil {
		return err
	}
	r, err := s.db.Exec(`UPDATE jobs SET status=?, transcript_text=?, confidence_score=?, processing_time=?, speaker_diarization_results=?, sentiment_analysis_results=?, summary=?, completed_at=?, updated_at=? WHERE id=? AND status=?`,
		job.StatusCompleted, res.Transcript, res.Confidence, res.ProcessingTime,
		diarJSON, sentJSON, res.Summary, now, now, id, job.StatusProcessing)
	if err != nil {
		return err
	}
	return requireAffected(r)
}

// Fail commits the terminal failure state and the error message atomically.
func (s *SQLiteStorage) Fail(id, message string, now time.Time) error {
	r, err := s.db.Exec(`UPDATE jobs SET status=?, error_message=?, completed_at=?, updated_at=? WHERE id=? AND status=?`,
		job.StatusFailed, message, now, now, id, job.StatusProcessing)
	if err != nil {
		return err
	}
	return requireAffected(r)
}

func requireAffected(r sql.Result) error {
	aff, err := r.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalSegments(v any) (sql.NullString, error) {
	switch t := v.(type) {
	case []job.DiarizationSegment:
		if t == nil {
			return sql.NullString{}, nil
		}
	case []job.SentimentSegment:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// ListJobs returns jobs in creation order. Unless all is true the listing is
// scoped to the given user.
func (s *SQLiteStorage) ListJobs(userID int64, all bool, skip, limit int) ([]*job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if !all {
		q += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	q += ` ORDER BY created_at, id LIMIT ? OFFSET ?`
	args = append(args, limit, skip)
	return s.queryJobs(q, args...)
}

func (s *SQLiteStorage) queryJobs(q string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) DeleteJob(id string) error {
	r, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(r)
}

// ListStaleProcessing returns processing jobs whose last update is at or
// before the cutoff, candidates for a supervisory re-scan.
func (s *SQLiteStorage) ListStaleProcessing(before time.Time) ([]*job.Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND updated_at <= ? ORDER BY created_at, id`, job.StatusProcessing, before)
}

// ListStalePending returns pending jobs whose last update is at or before the
// cutoff; a pending row that old was likely never enqueued.
func (s *SQLiteStorage) ListStalePending(before time.Time) ([]*job.Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND updated_at <= ? ORDER BY created_at, id`, job.StatusPending, before)
}

// ReleaseClaim returns a processing job to pending so it can be claimed
// again. Used by the sweep, never by a healthy worker.
func (s *SQLiteStorage) ReleaseClaim(id string, now time.Time) error {
	r, err := s.db.Exec(`UPDATE jobs SET status=?, worker_handle=NULL, updated_at=? WHERE id=? AND status=?`,
		job.StatusPending, now, id, job.StatusProcessing)
	if err != nil {
		return err
	}
	return requireAffected(r)
}
