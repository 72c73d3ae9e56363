package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"extractd/internal/job"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite/lib"
)

const jobColumns = `id, topic, requester, priority, status, attempt_count, max_attempts,
	progress, result_count, error_kind, error_message, error_retryable, duration_ms,
	created_at, updated_at, started_at, completed_at, estimated_completion_at, last_retry_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(sc rowScanner) (job.Job, error) {
	var (
		j                          job.Job
		status                     string
		errKind, errMsg            sql.NullString
		errRetry, durMS            sql.NullInt64
		created, updated           int64
		started, completed, eta, r sql.NullInt64
	)
	err := sc.Scan(&j.ID, &j.Topic, &j.Requester, &j.Priority, &status, &j.AttemptCount, &j.MaxAttempts,
		&j.Progress, &j.ResultCount, &errKind, &errMsg, &errRetry, &durMS,
		&created, &updated, &started, &completed, &eta, &r)
	if err != nil {
		return job.Job{}, err
	}
	j.Status = job.Status(status)
	if errKind.Valid {
		j.Err = &job.Error{Kind: errKind.String, Message: errMsg.String, Retryable: errRetry.Valid && errRetry.Int64 != 0}
	}
	if durMS.Valid {
		j.Duration = time.Duration(durMS.Int64) * time.Millisecond
	}
	j.CreatedAt = time.UnixMilli(created)
	j.UpdatedAt = time.UnixMilli(updated)
	j.StartedAt = fromMillis(started)
	j.CompletedAt = fromMillis(completed)
	j.EstimatedCompletion = fromMillis(eta)
	j.LastRetryAt = fromMillis(r)
	return j, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func errorArgs(e *job.Error) (kind, msg, retry any) {
	if e == nil {
		return nil, nil, nil
	}
	r := 0
	if e.Retryable {
		r = 1
	}
	return e.Kind, e.Message, r
}

// Enqueue inserts a new Queued job. It returns ErrAlreadyActive when the
// topic already has a queued or processing job.
func (s *Store) Enqueue(ctx context.Context, topic, requester string, priority int) (job.Job, error) {
	if err := s.ready(); err != nil {
		return job.Job{}, err
	}
	now := s.now()
	j := job.Job{
		ID:           uuid.NewString(),
		Topic:        topic,
		Requester:    requester,
		Priority:     priority,
		Status:       job.StatusQueued,
		AttemptCount: 1,
		MaxAttempts:  job.MaxAttempts,
		CreatedAt:    time.UnixMilli(now.UnixMilli()),
		UpdatedAt:    time.UnixMilli(now.UnixMilli()),
	}
	_, err := s.w.ExecContext(ctx,
		`INSERT INTO extraction_jobs(id, topic, requester, priority, status, attempt_count, max_attempts, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Topic, j.Requester, j.Priority, string(j.Status), j.AttemptCount, j.MaxAttempts,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return job.Job{}, ErrAlreadyActive
		}
		return job.Job{}, fmt.Errorf("enqueue %q: %w", topic, err)
	}
	return j, nil
}

// Latest returns the most recently created job for topic.
func (s *Store) Latest(ctx context.Context, topic string) (job.Job, error) {
	if err := s.ready(); err != nil {
		return job.Job{}, err
	}
	row := s.r.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM extraction_jobs WHERE topic = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, topic)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, ErrNotFound
	}
	return j, err
}

func (s *Store) Get(ctx context.Context, id string) (job.Job, error) {
	if err := s.ready(); err != nil {
		return job.Job{}, err
	}
	row := s.r.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM extraction_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return job.Job{}, ErrNotFound
	}
	return j, err
}

// MarkProcessing moves a Queued job to Processing and returns the attempt's
// started_at. It reports false when the job is no longer queued (another
// worker or a terminal write got there first). Any error kept from a
// previous transient failure is cleared.
//
// The returned time is the attempt's lease: every later write for this
// attempt passes it back and only applies while the row still carries it.
func (s *Store) MarkProcessing(ctx context.Context, id string, estimatedCompletion time.Time) (time.Time, bool, error) {
	if err := s.ready(); err != nil {
		return time.Time{}, false, err
	}
	now := s.now().UnixMilli()
	res, err := s.w.ExecContext(ctx,
		`UPDATE extraction_jobs
		 SET status = 'processing', progress = 0, started_at = ?, estimated_completion_at = ?, updated_at = ?,
		     error_kind = NULL, error_message = NULL, error_retryable = NULL
		 WHERE id = ? AND status = 'queued'`,
		now, nullMillis(estimatedCompletion), now, id,
	)
	ok, err := affected(res, err)
	if !ok || err != nil {
		return time.Time{}, ok, err
	}
	return time.UnixMilli(now), true, nil
}

// RecordProgress stores the processed sub-unit count of a Processing job.
// It also refreshes updated_at, which keeps live jobs out of stale recovery.
func (s *Store) RecordProgress(ctx context.Context, id string, started time.Time, n int) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.w.ExecContext(ctx,
		`UPDATE extraction_jobs SET progress = ?, updated_at = ? WHERE `+ownedWhere,
		n, s.now().UnixMilli(), id, started.UnixMilli(),
	)
	return err
}

// ownedWhere matches a job still held by the attempt that started it.
const ownedWhere = `id = ? AND status = 'processing' AND started_at = ?`

// MarkComplete records a successful attempt. It reports false when the
// attempt no longer owns the job: the job went terminal, or recovery reset it
// and another attempt may have started.
func (s *Store) MarkComplete(ctx context.Context, id string, started time.Time, resultCount, progress int, took time.Duration) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	now := s.now().UnixMilli()
	res, err := s.w.ExecContext(ctx,
		`UPDATE extraction_jobs
		 SET status = 'complete', result_count = ?, progress = ?, duration_ms = ?, completed_at = ?, updated_at = ?,
		     estimated_completion_at = NULL, error_kind = NULL, error_message = NULL, error_retryable = NULL
		 WHERE `+ownedWhere,
		resultCount, progress, took.Milliseconds(), now, now, id, started.UnixMilli(),
	)
	return affected(res, err)
}

// MarkFailed records a terminal failure. Like MarkComplete it only applies
// while the attempt still owns the job.
func (s *Store) MarkFailed(ctx context.Context, id string, started time.Time, jobErr job.Error) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	now := s.now().UnixMilli()
	kind, msg, retry := errorArgs(&jobErr)
	res, err := s.w.ExecContext(ctx,
		`UPDATE extraction_jobs
		 SET status = 'failed', error_kind = ?, error_message = ?, error_retryable = ?, completed_at = ?, updated_at = ?,
		     estimated_completion_at = NULL
		 WHERE `+ownedWhere,
		kind, msg, retry, now, now, id, started.UnixMilli(),
	)
	return affected(res, err)
}

// IncrementRetry grants one more attempt to a Processing job. It reports false
// once the attempt budget is spent, and ErrNotOwner when the attempt that
// started at started no longer holds the job.
func (s *Store) IncrementRetry(ctx context.Context, id string, started time.Time) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var attempts, maxAtt int
	err = tx.QueryRowContext(ctx,
		`SELECT attempt_count, max_attempts FROM extraction_jobs WHERE `+ownedWhere, id, started.UnixMilli(),
	).Scan(&attempts, &maxAtt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotOwner
	}
	if err != nil {
		return false, err
	}
	if attempts >= maxAtt {
		return false, nil
	}

	now := s.now().UnixMilli()
	_, err = tx.ExecContext(ctx,
		`UPDATE extraction_jobs
		 SET attempt_count = attempt_count + 1, last_retry_at = ?, updated_at = ?
		 WHERE `+ownedWhere,
		now, now, id, started.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Requeue puts a Processing job back to Queued after a transient failure.
// The id and priority are kept; the error stays visible until the next
// attempt starts.
func (s *Store) Requeue(ctx context.Context, id string, started time.Time, jobErr job.Error) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	kind, msg, retry := errorArgs(&jobErr)
	res, err := s.w.ExecContext(ctx,
		`UPDATE extraction_jobs
		 SET status = 'queued', progress = 0, started_at = NULL, estimated_completion_at = NULL,
		     error_kind = ?, error_message = ?, error_retryable = ?, updated_at = ?
		 WHERE `+ownedWhere,
		kind, msg, retry, s.now().UnixMilli(), id, started.UnixMilli(),
	)
	return affected(res, err)
}

// RetryFailed turns a Failed job back into a Queued one in a single
// transaction and returns the new attempt number.
func (s *Store) RetryFailed(ctx context.Context, id string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status           string
		attempts, maxAtt int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, attempt_count, max_attempts FROM extraction_jobs WHERE id = ?`, id,
	).Scan(&status, &attempts, &maxAtt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if job.Status(status) != job.StatusFailed {
		return 0, ErrNotFailed
	}
	if attempts >= maxAtt {
		return 0, ErrMaxRetries
	}

	now := s.now().UnixMilli()
	_, err = tx.ExecContext(ctx,
		`UPDATE extraction_jobs
		 SET status = 'queued', attempt_count = attempt_count + 1, last_retry_at = ?, updated_at = ?,
		     progress = 0, result_count = 0, started_at = NULL, completed_at = NULL, estimated_completion_at = NULL,
		     error_kind = NULL, error_message = NULL, error_retryable = NULL
		 WHERE id = ? AND status = 'failed'`,
		now, now, id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrAlreadyActive
		}
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return attempts + 1, nil
}

// ListByStatus returns jobs in queue order: priority desc, then oldest first.
func (s *Store) ListByStatus(ctx context.Context, status job.Status) ([]job.Job, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.r.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM extraction_jobs WHERE status = ? ORDER BY priority DESC, created_at ASC, rowid ASC`,
		string(status))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ResetStale moves Processing jobs whose updated_at is before olderThan back
// to Queued. Progress is zeroed; attempt_count and priority are kept. Jobs
// named in skip are left alone: a live worker still holds them.
func (s *Store) ResetStale(ctx context.Context, olderThan time.Time, skip ...string) ([]job.Job, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	where, args := staleWhere(olderThan, skip)
	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM extraction_jobs WHERE `+where+`
		 ORDER BY priority DESC, created_at ASC, rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	stale, err := collect(rows)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	now := s.now()
	_, err = tx.ExecContext(ctx,
		`UPDATE extraction_jobs
		 SET status = 'queued', progress = 0, started_at = NULL, estimated_completion_at = NULL, updated_at = ?
		 WHERE `+where,
		append([]any{now.UnixMilli()}, args...)...)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for i := range stale {
		stale[i].Status = job.StatusQueued
		stale[i].Progress = 0
		stale[i].StartedAt = time.Time{}
		stale[i].EstimatedCompletion = time.Time{}
		stale[i].UpdatedAt = time.UnixMilli(now.UnixMilli())
	}
	return stale, nil
}

func staleWhere(olderThan time.Time, skip []string) (string, []any) {
	where := `status = 'processing' AND updated_at < ?`
	args := []any{olderThan.UnixMilli()}
	if len(skip) == 0 {
		return where, args
	}
	where += ` AND id NOT IN (?` + strings.Repeat(`,?`, len(skip)-1) + `)`
	for _, id := range skip {
		args = append(args, id)
	}
	return where, args
}

func collect(rows *sql.Rows) ([]job.Job, error) {
	defer rows.Close()
	var out []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func affected(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
