package store

import (
	"context"
	"database/sql"
	"time"

	"extractd/internal/job"
)

// Failure is one entry of the recent failures list.
type Failure struct {
	JobID        string     `json:"job_id"`
	Topic        string     `json:"topic"`
	Error        *job.Error `json:"error,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	FailedAt     time.Time  `json:"failed_at"`
}

// CountByStatus returns the number of jobs per status. Missing statuses
// count as zero.
func (s *Store) CountByStatus(ctx context.Context) (map[job.Status]int, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.r.QueryContext(ctx, `SELECT status, COUNT(*) FROM extraction_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[job.Status]int{
		job.StatusQueued:     0,
		job.StatusProcessing: 0,
		job.StatusComplete:   0,
		job.StatusFailed:     0,
	}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[job.Status(st)] = n
	}
	return out, rows.Err()
}

// RecentFailures returns the last limit failed jobs, newest first.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]Failure, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.r.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM extraction_jobs WHERE status = 'failed'
		 ORDER BY updated_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	jobs, err := collect(rows)
	if err != nil {
		return nil, err
	}
	out := make([]Failure, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, Failure{
			JobID:        j.ID,
			Topic:        j.Topic,
			Error:        j.Err,
			AttemptCount: j.AttemptCount,
			FailedAt:     j.UpdatedAt,
		})
	}
	return out, nil
}

// AvgCompletion returns the mean duration of jobs completed at or after
// since. ok is false when no job qualifies.
func (s *Store) AvgCompletion(ctx context.Context, since time.Time) (avg time.Duration, ok bool, err error) {
	if err := s.ready(); err != nil {
		return 0, false, err
	}
	var ms sql.NullFloat64
	err = s.r.QueryRowContext(ctx,
		`SELECT AVG(duration_ms) FROM extraction_jobs
		 WHERE status = 'complete' AND duration_ms IS NOT NULL AND completed_at >= ?`,
		since.UnixMilli(),
	).Scan(&ms)
	if err != nil {
		return 0, false, err
	}
	if !ms.Valid {
		return 0, false, nil
	}
	return time.Duration(ms.Float64 * float64(time.Millisecond)), true, nil
}

// CompletedSince counts complete jobs with completed_at at or after since.
func (s *Store) CompletedSince(ctx context.Context, since time.Time) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int
	err := s.r.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM extraction_jobs WHERE status = 'complete' AND completed_at >= ?`,
		since.UnixMilli(),
	).Scan(&n)
	return n, err
}

// RecentTopics returns distinct topics with a job completed at or after
// since, most recently completed first.
func (s *Store) RecentTopics(ctx context.Context, since time.Time, limit int) ([]string, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	q := `SELECT topic FROM extraction_jobs
	      WHERE status = 'complete' AND completed_at >= ?
	      GROUP BY topic ORDER BY MAX(completed_at) DESC`
	args := []any{since.UnixMilli()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.r.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
