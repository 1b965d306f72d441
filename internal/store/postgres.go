package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"teamcache/internal/models"
)

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for job/item state and the locking domain for claim safety.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// NewItem is one file to insert alongside a job. Size may be unknown at
// submission time and populated by the worker after the fetch.
type NewItem struct {
	FilePath string
	FileSize *int64
}

// CreateJobParams collects inputs required to insert a job with its items.
type CreateJobParams struct {
	FilePaths      []string
	DirectoryPaths []string
	Items          []NewItem
	ProfileID      *int64
	FilespaceID    int64
	TotalSizeBytes int64
}

// CreateJob inserts one job row plus all item rows in a single transaction:
// either the whole job is visible or none of it.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if len(p.Items) == 0 {
		return models.Job{}, models.Validationf("job resolves to zero files")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, status, file_paths, directory_paths, total_files, total_size_bytes, profile_id, filespace_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, models.JobPending, p.FilePaths, p.DirectoryPaths, len(p.Items), p.TotalSizeBytes, p.ProfileID, p.FilespaceID, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	rows := make([][]any, 0, len(p.Items))
	for _, it := range p.Items {
		rows = append(rows, []any{id, it.FilePath, it.FileSize, models.ItemPending})
	}
	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"job_items"},
		[]string{"job_id", "file_path", "file_size", "status"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:             id,
		Status:         models.JobPending,
		FilePaths:      p.FilePaths,
		DirectoryPaths: p.DirectoryPaths,
		TotalFiles:     len(p.Items),
		TotalSizeBytes: p.TotalSizeBytes,
		ProfileID:      p.ProfileID,
		FilespaceID:    p.FilespaceID,
		CreatedAt:      now,
	}, nil
}

const jobColumns = `id, status, file_paths, directory_paths, total_files, completed_files, failed_files,
	total_size_bytes, completed_size_bytes, profile_id, filespace_id, worker_id,
	created_at, started_at, completed_at, error_message`

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var profileID pgtype.Int8
	var workerID, errMsg pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Status, &job.FilePaths, &job.DirectoryPaths,
		&job.TotalFiles, &job.CompletedFiles, &job.FailedFiles,
		&job.TotalSizeBytes, &job.CompletedSizeBytes,
		&profileID, &job.FilespaceID, &workerID,
		&job.CreatedAt, &startedAt, &completedAt, &errMsg)
	if err != nil {
		return models.Job{}, err
	}
	if profileID.Valid {
		job.ProfileID = &profileID.Int64
	}
	job.WorkerID = textPtr(workerID)
	job.ErrorMessage = textPtr(errMsg)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListJobs returns a page of jobs newest-first, optionally filtered by status,
// plus the total count matching the filter.
func (s *Store) ListJobs(ctx context.Context, status string, limit, offset int) ([]models.Job, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	countQ := `SELECT COUNT(*) FROM jobs`
	listQ := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		countQ += ` WHERE status = $1`
		listQ += ` WHERE status = $1`
		args = append(args, status)
	}
	if err := s.pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	listQ += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, listQ, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// CancelJob cancels a pending or running job and all of its still-pending
// items in one transaction. Items already running finish naturally; their
// results are recorded but no longer affect the job's terminal status.
// Returns ErrJobNotFound if the job is unknown or already terminal.
func (s *Store) CancelJob(ctx context.Context, id string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
		RETURNING `+jobColumns,
		id, models.JobCancelled, models.JobPending, models.JobRunning)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel job: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE job_items SET status = $2, completed_at = NOW()
		WHERE job_id = $1 AND status = $3
	`, id, models.ItemCancelled, models.ItemPending)
	if err != nil {
		return models.Job{}, fmt.Errorf("cancel pending items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// FailJob marks a job failed for systemic reasons (store/mount unavailable
// for the whole batch). Per-item failures never use this path.
func (s *Store) FailJob(ctx context.Context, id, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), error_message = $3
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.JobFailed, errMsg, models.JobPending, models.JobRunning)
	return err
}

// ClaimParams scopes one atomic claim pass for a worker.
type ClaimParams struct {
	WorkerID string
	// ProfileID scopes the claim to jobs tuned by this worker's profile.
	ProfileID int64
	// IncludeDefault additionally claims jobs with no explicit profile.
	IncludeDefault bool
	// Limit caps how many items this pass may claim (free local slots).
	Limit int
	// Lease is how long a running item may go without completing before it
	// becomes reclaimable by any worker.
	Lease time.Duration
}

// ClaimItems atomically claims up to Limit items and flips their owning jobs
// to running, all in one transaction. Candidates are pending items whose
// backoff is due, plus running items whose lease expired (worker crash
// recovery). FOR UPDATE SKIP LOCKED keeps racing workers from ever selecting
// the same row; the row lock is held only for this transaction, never across
// item execution. The outer update re-checks the job's status so a cancel
// committing between the candidate select and the write drops the item.
func (s *Store) ClaimItems(ctx context.Context, p ClaimParams) ([]models.JobItem, error) {
	if p.Limit <= 0 {
		return nil, nil
	}
	staleBefore := time.Now().Add(-p.Lease)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE job_items i
		SET status = $1, worker_id = $2, started_at = NOW(), not_before = NULL
		FROM (
			SELECT c.id, c.status AS prev_status
			FROM job_items c
			JOIN jobs j ON j.id = c.job_id
			LEFT JOIN profiles p ON p.id = j.profile_id
			WHERE j.status IN ($3, $4)
			  AND (j.profile_id = $5 OR (j.profile_id IS NULL AND $6))
			  AND (
				(c.status = $7 AND (c.not_before IS NULL OR c.not_before <= NOW()))
				OR (c.status = $1 AND c.started_at < $8)
			  )
			ORDER BY COALESCE(p.priority, 0) DESC, c.id ASC
			LIMIT $9
			FOR UPDATE OF c SKIP LOCKED
		) claimed
		WHERE i.id = claimed.id
		  AND EXISTS (SELECT 1 FROM jobs js WHERE js.id = i.job_id AND js.status IN ($3, $4))
		RETURNING i.id, i.job_id, i.file_path, i.file_size, i.status, i.worker_id, i.started_at, i.retry_count, claimed.prev_status
	`, models.ItemRunning, p.WorkerID,
		models.JobPending, models.JobRunning,
		p.ProfileID, p.IncludeDefault,
		models.ItemPending, staleBefore, p.Limit)
	if err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}

	var items []models.JobItem
	jobIDs := map[string]struct{}{}
	for rows.Next() {
		var it models.JobItem
		var size pgtype.Int8
		var workerID pgtype.Text
		var startedAt pgtype.Timestamptz
		var prevStatus string
		if err := rows.Scan(&it.ID, &it.JobID, &it.FilePath, &size, &it.Status, &workerID, &startedAt, &it.RetryCount, &prevStatus); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimed item: %w", err)
		}
		if size.Valid {
			it.FileSize = &size.Int64
		}
		it.WorkerID = textPtr(workerID)
		it.StartedAt = timePtr(startedAt)
		if prevStatus == models.ItemRunning {
			it.Reclaimed = true
		}
		items = append(items, it)
		jobIDs[it.JobID] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}
	if len(items) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]string, 0, len(jobIDs))
	for id := range jobIDs {
		ids = append(ids, id)
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs SET status = $1, started_at = COALESCE(started_at, NOW()), worker_id = $2
		WHERE id = ANY($3) AND status = $4
	`, models.JobRunning, p.WorkerID, ids, models.JobPending)
	if err != nil {
		return nil, fmt.Errorf("mark jobs running: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return items, nil
}

// CompleteItem marks an item completed and records the observed byte size,
// which also fills in sizes that were unknown at submission time.
func (s *Store) CompleteItem(ctx context.Context, itemID int64, sizeBytes int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_items
		SET status = $2, completed_at = NOW(), error_message = NULL,
		    file_size = CASE WHEN $3 > 0 THEN $3 ELSE file_size END
		WHERE id = $1
	`, itemID, models.ItemCompleted, sizeBytes)
	return err
}

// SkipItem marks an item skipped (nothing to do for it).
func (s *Store) SkipItem(ctx context.Context, itemID int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_items SET status = $2, completed_at = NOW(), error_message = $3
		WHERE id = $1
	`, itemID, models.ItemSkipped, reason)
	return err
}

// RequeueItem returns a failed item to pending with an incremented retry
// count and a not-before timestamp implementing per-item backoff.
func (s *Store) RequeueItem(ctx context.Context, itemID int64, retryCount int, notBefore time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_items
		SET status = $2, retry_count = $3, not_before = $4, error_message = $5,
		    worker_id = NULL, started_at = NULL
		WHERE id = $1
	`, itemID, models.ItemPending, retryCount, notBefore, errMsg)
	return err
}

// FailItem marks an item permanently failed.
func (s *Store) FailItem(ctx context.Context, itemID int64, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_items SET status = $2, completed_at = NOW(), error_message = $3
		WHERE id = $1
	`, itemID, models.ItemFailed, errMsg)
	return err
}

// RefreshJobProgress recomputes a job's counters from its items in one
// statement and finalizes the job when no non-terminal items remain. The
// returned bool reports whether this call moved the job to completed;
// refreshing an already-final job reports false.
func (s *Store) RefreshJobProgress(ctx context.Context, jobID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		WITH agg AS (
			SELECT
				COUNT(*) FILTER (WHERE status = $2)                           AS done,
				COUNT(*) FILTER (WHERE status = $3)                           AS failed,
				COALESCE(SUM(file_size) FILTER (WHERE status = $2), 0)        AS done_bytes,
				COALESCE(SUM(file_size), 0)                                   AS total_bytes,
				COUNT(*) FILTER (WHERE status NOT IN ($2, $3, $4, $5))        AS open
			FROM job_items WHERE job_id = $1
		), prev AS (
			SELECT status FROM jobs WHERE id = $1
		)
		UPDATE jobs j SET
			completed_files      = agg.done,
			failed_files         = agg.failed,
			completed_size_bytes = agg.done_bytes,
			total_size_bytes     = GREATEST(j.total_size_bytes, agg.total_bytes),
			status       = CASE WHEN agg.open = 0 AND j.status IN ($6, $7) THEN $8 ELSE j.status END,
			completed_at = CASE WHEN agg.open = 0 AND j.status IN ($6, $7) THEN NOW() ELSE j.completed_at END
		FROM agg, prev
		WHERE j.id = $1
		RETURNING `+prefixedJobColumns("j")+`, (agg.open = 0 AND prev.status IN ($6, $7)) AS finalized
	`, jobID,
		models.ItemCompleted, models.ItemFailed, models.ItemSkipped, models.ItemCancelled,
		models.JobPending, models.JobRunning, models.JobCompleted)

	var job models.Job
	var profileID pgtype.Int8
	var workerID, errMsg pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz
	var finalized bool

	err := row.Scan(&job.ID, &job.Status, &job.FilePaths, &job.DirectoryPaths,
		&job.TotalFiles, &job.CompletedFiles, &job.FailedFiles,
		&job.TotalSizeBytes, &job.CompletedSizeBytes,
		&profileID, &job.FilespaceID, &workerID,
		&job.CreatedAt, &startedAt, &completedAt, &errMsg, &finalized)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, models.ErrJobNotFound
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("refresh progress: %w", err)
	}
	if profileID.Valid {
		job.ProfileID = &profileID.Int64
	}
	job.WorkerID = textPtr(workerID)
	job.ErrorMessage = textPtr(errMsg)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, finalized, nil
}

// ListProfiles returns all profiles ordered by priority.
func (s *Store) ListProfiles(ctx context.Context) ([]models.Profile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, min_file_size, max_file_size, file_extensions,
		       max_concurrent_files, worker_count, poll_interval_ms, priority, is_default
		FROM profiles ORDER BY priority DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []models.Profile
	for rows.Next() {
		var p models.Profile
		if err := rows.Scan(&p.ID, &p.Name, &p.MinFileSize, &p.MaxFileSize, &p.FileExtensions,
			&p.MaxConcurrentFiles, &p.WorkerCount, &p.PollIntervalMS, &p.Priority, &p.IsDefault); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProfileByName fetches one profile by its unique name.
func (s *Store) GetProfileByName(ctx context.Context, name string) (models.Profile, error) {
	var p models.Profile
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, min_file_size, max_file_size, file_extensions,
		       max_concurrent_files, worker_count, poll_interval_ms, priority, is_default
		FROM profiles WHERE name = $1
	`, name).Scan(&p.ID, &p.Name, &p.MinFileSize, &p.MaxFileSize, &p.FileExtensions,
		&p.MaxConcurrentFiles, &p.WorkerCount, &p.PollIntervalMS, &p.Priority, &p.IsDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Profile{}, fmt.Errorf("profile %q not found", name)
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// UpsertFilespace registers a remote mount by name, updating the mount point
// and instance id if it already exists.
func (s *Store) UpsertFilespace(ctx context.Context, fs models.Filespace) (models.Filespace, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO filespaces (name, mount_point, instance_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET mount_point = EXCLUDED.mount_point, instance_id = EXCLUDED.instance_id
		RETURNING id
	`, fs.Name, fs.MountPoint, fs.InstanceID).Scan(&fs.ID)
	if err != nil {
		return models.Filespace{}, fmt.Errorf("upsert filespace: %w", err)
	}
	return fs, nil
}

// ListFilespaces returns all registered filespaces.
func (s *Store) ListFilespaces(ctx context.Context) ([]models.Filespace, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, mount_point, instance_id FROM filespaces ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list filespaces: %w", err)
	}
	defer rows.Close()

	var out []models.Filespace
	for rows.Next() {
		var fs models.Filespace
		if err := rows.Scan(&fs.ID, &fs.Name, &fs.MountPoint, &fs.InstanceID); err != nil {
			return nil, fmt.Errorf("scan filespace: %w", err)
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

func prefixedJobColumns(alias string) string {
	return alias + `.id, ` + alias + `.status, ` + alias + `.file_paths, ` + alias + `.directory_paths, ` +
		alias + `.total_files, ` + alias + `.completed_files, ` + alias + `.failed_files, ` +
		alias + `.total_size_bytes, ` + alias + `.completed_size_bytes, ` +
		alias + `.profile_id, ` + alias + `.filespace_id, ` + alias + `.worker_id, ` +
		alias + `.created_at, ` + alias + `.started_at, ` + alias + `.completed_at, ` + alias + `.error_message`
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
