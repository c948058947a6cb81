package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/relaygate/relaygate/internal/core"
)

const jobColumns = `id, target_key, amount, reason, status, created_at, processed_at,
	idempotency_key, retry_count, last_error, next_retry_at, confirmation_id, actual_amount`

// JobQuery filters ListJobs. Results are newest first.
type JobQuery struct {
	Statuses []core.JobStatus
	Limit    int
}

func (q JobQuery) whereClause() (string, []any, error) {
	if len(q.Statuses) == 0 {
		return "", nil, nil
	}
	placeholders := make([]string, 0, len(q.Statuses))
	args := make([]any, 0, len(q.Statuses))
	for _, status := range q.Statuses {
		if !status.Valid() {
			return "", nil, fmt.Errorf("unknown job status: %s", status)
		}
		placeholders = append(placeholders, "?")
		args = append(args, string(status))
	}
	return "WHERE status IN (" + strings.Join(placeholders, ", ") + ")", args, nil
}

// InsertJob persists a new QUEUED job. A reused idempotency key yields a
// *core.DuplicateJobError naming the job that already owns it.
func (s *Store) InsertJob(ctx context.Context, job core.Job) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert job: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT id FROM jobs WHERE idempotency_key = ?`, job.IdempotencyKey).Scan(&existing)
	switch {
	case err == nil:
		return &core.DuplicateJobError{IdempotencyKey: job.IdempotencyKey, ExistingID: existing}
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check idempotency key: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Payload.TargetKey,
		job.Payload.Amount.String(),
		job.Payload.Reason,
		string(job.Status),
		job.CreatedAt.UnixMilli(),
		nullMillis(job.ProcessedAt),
		job.IdempotencyKey,
		job.RetryCount,
		nullString(job.LastError),
		nullMillis(job.NextRetryAt),
		nullString(job.ConfirmationID),
		nullDecimal(job.ActualAmount),
	)
	if err != nil {
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			return s.duplicateOf(ctx, job.IdempotencyKey, err)
		}
		return fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return s.duplicateOf(ctx, job.IdempotencyKey, err)
		}
		return fmt.Errorf("commit job: %w", err)
	}
	return nil
}

// duplicateOf resolves a constraint race lost to a concurrent writer.
func (s *Store) duplicateOf(ctx context.Context, key string, cause error) error {
	existing, err := s.FindJobByIdempotencyKey(ctx, key)
	if err != nil {
		return fmt.Errorf("insert job: %w", cause)
	}
	if existing == nil {
		return fmt.Errorf("insert job: %w", cause)
	}
	return &core.DuplicateJobError{IdempotencyKey: key, ExistingID: existing.ID}
}

// FindJobByIdempotencyKey returns nil when no job uses key.
func (s *Store) FindJobByIdempotencyKey(ctx context.Context, key string) (*core.Job, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ?`, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find job by idempotency key: %w", err)
	}
	return job, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*core.Job, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	row := s.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ClaimJob moves a job from the given status to PROCESSING. It fails with
// core.ErrInvalidTransition when the job is no longer in that status, which
// is how two workers racing for one job are resolved.
func (s *Store) ClaimJob(ctx context.Context, id string, from core.JobStatus) error {
	if !from.CanTransition(core.JobProcessing) {
		return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, from, core.JobProcessing)
	}
	return s.transition(ctx, "claim job", id, from, `status = ?, next_retry_at = NULL`, string(core.JobProcessing))
}

// CompleteJob records a successful execution.
func (s *Store) CompleteJob(ctx context.Context, id string, confirmationID string, actualAmount decimal.Decimal, at time.Time) error {
	return s.transition(ctx, "complete job", id, core.JobProcessing,
		`status = ?, processed_at = ?, confirmation_id = ?, actual_amount = ?, last_error = NULL`,
		string(core.JobCompleted), at.UnixMilli(), confirmationID, actualAmount.String())
}

// RetryJob schedules another attempt at nextRetryAt.
func (s *Store) RetryJob(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string, at time.Time) error {
	return s.transition(ctx, "retry job", id, core.JobProcessing,
		`status = ?, processed_at = ?, retry_count = ?, next_retry_at = ?, last_error = ?`,
		string(core.JobRetrying), at.UnixMilli(), retryCount, nextRetryAt.UnixMilli(), lastError)
}

// FailJob marks a job permanently failed.
func (s *Store) FailJob(ctx context.Context, id string, retryCount int, lastError string, at time.Time) error {
	return s.transition(ctx, "fail job", id, core.JobProcessing,
		`status = ?, processed_at = ?, retry_count = ?, next_retry_at = NULL, last_error = ?`,
		string(core.JobFailed), at.UnixMilli(), retryCount, lastError)
}

func (s *Store) transition(ctx context.Context, op, id string, from core.JobStatus, set string, args ...any) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	args = append(args, id, string(from))
	result, err := s.DB.ExecContext(ctx, `UPDATE jobs SET `+set+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s %s is not %s", core.ErrInvalidTransition, op, id, from)
	}
	return nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, q JobQuery) ([]core.Job, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM jobs
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, jobColumns, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows, "list jobs")
}

// DueJobs returns work a worker may pick up at now: QUEUED and PROCESSING
// jobs plus RETRYING jobs whose retry time has passed, oldest due first.
// Jobs whose ids are in exclude are skipped.
func (s *Store) DueJobs(ctx context.Context, now time.Time, exclude []string, limit int) ([]core.Job, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if limit <= 0 {
		limit = 1
	}

	args := []any{string(core.JobQueued), string(core.JobProcessing), string(core.JobRetrying), now.UnixMilli()}
	notIn := ""
	if len(exclude) > 0 {
		placeholders := make([]string, len(exclude))
		for i, id := range exclude {
			placeholders[i] = "?"
			args = append(args, id)
		}
		notIn = "AND id NOT IN (" + strings.Join(placeholders, ", ") + ")"
	}
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM jobs
		WHERE (status IN (?, ?) OR (status = ? AND next_retry_at <= ?))
		%s
		ORDER BY COALESCE(next_retry_at, created_at) ASC, created_at ASC
		LIMIT ?
	`, jobColumns, notIn), args...)
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	return collectJobs(rows, "due jobs")
}

// PendingRetries returns RETRYING jobs that are not yet due, soonest first.
func (s *Store) PendingRetries(ctx context.Context, now time.Time) ([]core.Job, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = ? AND next_retry_at > ?
		ORDER BY next_retry_at ASC
	`, string(core.JobRetrying), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("pending retries: %w", err)
	}
	return collectJobs(rows, "pending retries")
}

// CountJobsByStatus returns a count for every status, including zeros.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[core.JobStatus]int, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	counts := make(map[core.JobStatus]int, len(core.AllJobStatuses))
	for _, status := range core.AllJobStatuses {
		counts[status] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job counts: %w", err)
		}
		counts[core.JobStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collectJobs(rows *sql.Rows, op string) ([]core.Job, error) {
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	jobs := []core.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

func scanJob(row rowScanner) (*core.Job, error) {
	var (
		job            core.Job
		amount         string
		status         string
		createdAt      int64
		processedAt    sql.NullInt64
		lastError      sql.NullString
		nextRetryAt    sql.NullInt64
		confirmationID sql.NullString
		actualAmount   sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.Payload.TargetKey,
		&amount,
		&job.Payload.Reason,
		&status,
		&createdAt,
		&processedAt,
		&job.IdempotencyKey,
		&job.RetryCount,
		&lastError,
		&nextRetryAt,
		&confirmationID,
		&actualAmount,
	); err != nil {
		return nil, err
	}

	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount of job %s: %w", job.ID, err)
	}
	job.Payload.Amount = parsed
	job.Status = core.JobStatus(status)
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.ProcessedAt = fromMillis(processedAt)
	job.NextRetryAt = fromMillis(nextRetryAt)
	job.LastError = lastError.String
	job.ConfirmationID = confirmationID.String
	if actualAmount.Valid {
		value, err := decimal.NewFromString(actualAmount.String)
		if err != nil {
			return nil, fmt.Errorf("parse actual amount of job %s: %w", job.ID, err)
		}
		job.ActualAmount = &value
	}
	return &job, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE")
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
