package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the job tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS transcription_jobs (
    id               TEXT PRIMARY KEY,
    track_id         TEXT NOT NULL,
    provider_job_id  TEXT NOT NULL DEFAULT '',
    provider_file_id TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    progress         DOUBLE PRECISION,
    error_message    TEXT NOT NULL DEFAULT '',
    retry_count      INTEGER NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_attempt_at  TIMESTAMPTZ,
    completed_at     TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_transcription_jobs_track ON transcription_jobs(track_id);
CREATE INDEX IF NOT EXISTS idx_transcription_jobs_status ON transcription_jobs(status);

CREATE TABLE IF NOT EXISTS transcripts (
    id              TEXT PRIMARY KEY,
    track_id        TEXT NOT NULL UNIQUE,
    collection_id   TEXT NOT NULL DEFAULT '',
    language        TEXT NOT NULL DEFAULT '',
    full_text       TEXT NOT NULL DEFAULT '',
    status          TEXT NOT NULL DEFAULT 'pending',
    provider_job_id TEXT NOT NULL DEFAULT '',
    error_message   TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transcript_segments (
    id            TEXT PRIMARY KEY,
    transcript_id TEXT NOT NULL REFERENCES transcripts(id) ON DELETE CASCADE,
    idx           INTEGER NOT NULL,
    start_ms      BIGINT NOT NULL,
    end_ms        BIGINT NOT NULL,
    text          TEXT NOT NULL,
    confidence    DOUBLE PRECISION,
    speaker       TEXT NOT NULL DEFAULT '',
    language      TEXT NOT NULL DEFAULT '',
    UNIQUE (transcript_id, idx)
);
`

const (
	jobColumns = `id, track_id, provider_job_id, provider_file_id, status, progress,
		error_message, retry_count, created_at, last_attempt_at, completed_at`

	transcriptColumns = `id, track_id, collection_id, language, full_text, status,
		provider_job_id, error_message, created_at, updated_at`
)

var segmentColumns = []string{
	"id", "transcript_id", "idx", "start_ms", "end_ms", "text", "confidence", "speaker", "language",
}

// DB is the database interface used by [PostgresStore]. *pgxpool.Pool
// satisfies it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is a [Store] backed by PostgreSQL. Job mutations lock the row
// with SELECT ... FOR UPDATE inside a transaction, compute the next state in
// Go and write it back before committing.
type PostgresStore struct {
	db   DB
	pool *pgxpool.Pool
	now  func() time.Time
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on an existing connection or
// pool. The caller is responsible for calling [PostgresStore.Migrate].
func NewPostgresStore(db DB, opts ...Option) *PostgresStore {
	o := buildOptions(opts)
	return &PostgresStore{db: db, now: o.now}
}

// OpenPostgres connects to dsn, verifies the connection and applies
// [Schema]. Call [PostgresStore.Close] when done.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("job: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("job: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("job: ping: %w", err)
	}

	s := NewPostgresStore(pool, opts...)
	s.pool = pool
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("job: migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity. Used by the readiness probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("job: ping: %w", err)
	}
	return nil
}

// Close releases the pool opened by [OpenPostgres]. It is a no-op for stores
// built with [NewPostgresStore].
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ── Jobs ──────────────────────────────────────────────────────────────────────

func scanJob(row pgx.Row) (*Job, error) {
	var (
		j      Job
		status string
	)
	if err := row.Scan(
		&j.ID, &j.TrackID, &j.ProviderJobID, &j.ProviderFileID, &status, &j.Progress,
		&j.ErrorMessage, &j.RetryCount, &j.CreatedAt, &j.LastAttemptAt, &j.CompletedAt,
	); err != nil {
		return nil, err
	}
	j.Status = Status(status)
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// CreateJob implements [Store.CreateJob].
func (s *PostgresStore) CreateJob(ctx context.Context, trackID, providerJobID string, status Status, progress *float64) (*Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("job: create: invalid status %q", status)
	}
	j := &Job{
		ID:            uuid.NewString(),
		TrackID:       trackID,
		ProviderJobID: providerJobID,
		Status:        status,
		CreatedAt:     s.now(),
	}
	if progress != nil {
		j.Progress = clampProgress(nil, *progress)
	}

	const query = `
		INSERT INTO transcription_jobs (id, track_id, provider_job_id, status, progress, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.db.Exec(ctx, query,
		j.ID, j.TrackID, j.ProviderJobID, string(j.Status), j.Progress, j.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("job: create: %w", err)
	}
	return j, nil
}

// LoadJob implements [Store.LoadJob].
func (s *PostgresStore) LoadJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM transcription_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("job: load %q: %w", id, err)
	}
	return j, nil
}

// LoadJobsByTrack implements [Store.LoadJobsByTrack].
func (s *PostgresStore) LoadJobsByTrack(ctx context.Context, trackID string) ([]Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM transcription_jobs WHERE track_id = $1 ORDER BY created_at DESC, id DESC`,
		trackID)
	if err != nil {
		return nil, fmt.Errorf("job: load by track: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("job: load by track: %w", err)
	}
	return jobs, nil
}

// LoadActiveJobs implements [Store.LoadActiveJobs].
func (s *PostgresStore) LoadActiveJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM transcription_jobs
		 WHERE status NOT IN ($1, $2, $3) ORDER BY created_at, id`,
		string(StatusCompleted), string(StatusFailed), string(StatusCanceled))
	if err != nil {
		return nil, fmt.Errorf("job: load active: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("job: load active: %w", err)
	}
	return jobs, nil
}

// mutate locks the job row, applies fn and writes the result back in one
// transaction. Nothing is written when fn fails.
func (s *PostgresStore) mutate(ctx context.Context, id string, fn func(j *Job, now time.Time) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			`SELECT `+jobColumns+` FROM transcription_jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, id)
			}
			return fmt.Errorf("job: lock %q: %w", id, err)
		}
		if err := fn(j, s.now()); err != nil {
			return err
		}

		const update = `
			UPDATE transcription_jobs SET
				provider_job_id = $2, provider_file_id = $3, status = $4, progress = $5,
				error_message = $6, retry_count = $7, last_attempt_at = $8, completed_at = $9
			WHERE id = $1`
		if _, err := tx.Exec(ctx, update,
			j.ID, j.ProviderJobID, j.ProviderFileID, string(j.Status), j.Progress,
			j.ErrorMessage, j.RetryCount, j.LastAttemptAt, j.CompletedAt,
		); err != nil {
			return fmt.Errorf("job: update %q: %w", id, err)
		}
		return nil
	})
}

// UpdateStatus implements [Store.UpdateStatus].
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, progress *float64) error {
	return s.mutate(ctx, id, func(j *Job, now time.Time) error {
		return applyStatus(j, status, progress, now)
	})
}

// SetProviderIDs implements [Store.SetProviderIDs].
func (s *PostgresStore) SetProviderIDs(ctx context.Context, id, providerFileID, providerJobID string) error {
	return s.mutate(ctx, id, func(j *Job, _ time.Time) error {
		if providerFileID != "" {
			j.ProviderFileID = providerFileID
		}
		if providerJobID != "" {
			j.ProviderJobID = providerJobID
		}
		return nil
	})
}

// MarkCompleted implements [Store.MarkCompleted].
func (s *PostgresStore) MarkCompleted(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(j *Job, now time.Time) error {
		return applyCompleted(j, now)
	})
}

// MarkFailed implements [Store.MarkFailed].
func (s *PostgresStore) MarkFailed(ctx context.Context, id, message string) error {
	return s.mutate(ctx, id, func(j *Job, now time.Time) error {
		return applyFailed(j, message, now)
	})
}

// ResetForRetry implements [Store.ResetForRetry].
func (s *PostgresStore) ResetForRetry(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(j *Job, _ time.Time) error {
		return applyReset(j)
	})
}

// DeleteJob implements [Store.DeleteJob].
func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM transcription_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("job: delete %q: %w", id, err)
	}
	return nil
}

// DeleteCompletedBefore implements [Store.DeleteCompletedBefore].
func (s *PostgresStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM transcription_jobs WHERE status = $1 AND completed_at < $2`,
		string(StatusCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("job: delete completed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ── Transcripts ───────────────────────────────────────────────────────────────

func scanTranscript(row pgx.Row) (*Transcript, error) {
	var (
		t      Transcript
		status string
	)
	if err := row.Scan(
		&t.ID, &t.TrackID, &t.CollectionID, &t.Language, &t.FullText, &status,
		&t.ProviderJobID, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = TranscriptStatus(status)
	return &t, nil
}

// EnsureTranscript implements [Store.EnsureTranscript]. The no-op update on
// conflict makes RETURNING yield the existing row.
func (s *PostgresStore) EnsureTranscript(ctx context.Context, trackID, collectionID, language string) (*Transcript, error) {
	now := s.now()
	const query = `
		INSERT INTO transcripts (id, track_id, collection_id, language, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (track_id) DO UPDATE SET track_id = EXCLUDED.track_id
		RETURNING ` + transcriptColumns
	t, err := scanTranscript(s.db.QueryRow(ctx, query,
		uuid.NewString(), trackID, collectionID, language, string(TranscriptPending), now))
	if err != nil {
		return nil, fmt.Errorf("job: ensure transcript %q: %w", trackID, err)
	}
	return t, nil
}

// LoadTranscript implements [Store.LoadTranscript].
func (s *PostgresStore) LoadTranscript(ctx context.Context, trackID string) (*Transcript, error) {
	t, err := scanTranscript(s.db.QueryRow(ctx,
		`SELECT `+transcriptColumns+` FROM transcripts WHERE track_id = $1`, trackID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("job: load transcript %q: %w", trackID, err)
	}
	return t, nil
}

// UpdateTranscriptStatus implements [Store.UpdateTranscriptStatus].
func (s *PostgresStore) UpdateTranscriptStatus(ctx context.Context, trackID string, status TranscriptStatus, providerJobID, message string) error {
	const query = `
		UPDATE transcripts SET
			status = $2,
			provider_job_id = CASE WHEN $3 = '' THEN provider_job_id ELSE $3 END,
			error_message = $4,
			updated_at = $5
		WHERE track_id = $1`
	tag, err := s.db.Exec(ctx, query, trackID, string(status), providerJobID, message, s.now())
	if err != nil {
		return fmt.Errorf("job: update transcript %q: %w", trackID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: track %s", ErrTranscriptNotFound, trackID)
	}
	return nil
}

// SaveTranscript implements [Store.SaveTranscript]. Segments are replaced via
// COPY in the same transaction that finalizes the transcript.
func (s *PostgresStore) SaveTranscript(ctx context.Context, transcriptID string, segments []Segment, fullText string) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE transcripts SET full_text = $2, status = $3, error_message = '', updated_at = $4
			WHERE id = $1`,
			transcriptID, fullText, string(TranscriptComplete), s.now())
		if err != nil {
			return fmt.Errorf("job: finalize transcript %q: %w", transcriptID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrTranscriptNotFound, transcriptID)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM transcript_segments WHERE transcript_id = $1`, transcriptID); err != nil {
			return fmt.Errorf("job: clear segments %q: %w", transcriptID, err)
		}
		if len(segments) == 0 {
			return nil
		}

		src := pgx.CopyFromSlice(len(segments), func(i int) ([]any, error) {
			seg := segments[i]
			return []any{
				uuid.NewString(), transcriptID, seg.Index, seg.StartMs, seg.EndMs,
				seg.Text, seg.Confidence, seg.Speaker, seg.Language,
			}, nil
		})
		n, err := tx.CopyFrom(ctx, pgx.Identifier{"transcript_segments"}, segmentColumns, src)
		if err != nil {
			return fmt.Errorf("job: copy segments %q: %w", transcriptID, err)
		}
		if n != int64(len(segments)) {
			return fmt.Errorf("job: copy segments %q: wrote %d of %d rows", transcriptID, n, len(segments))
		}
		return nil
	})
}

// LoadSegments implements [Store.LoadSegments].
func (s *PostgresStore) LoadSegments(ctx context.Context, transcriptID string) ([]Segment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, transcript_id, idx, start_ms, end_ms, text, confidence, speaker, language
		FROM transcript_segments WHERE transcript_id = $1 ORDER BY idx`, transcriptID)
	if err != nil {
		return nil, fmt.Errorf("job: load segments %q: %w", transcriptID, err)
	}
	segs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Segment, error) {
		var seg Segment
		err := row.Scan(&seg.ID, &seg.TranscriptID, &seg.Index, &seg.StartMs, &seg.EndMs,
			&seg.Text, &seg.Confidence, &seg.Speaker, &seg.Language)
		return seg, err
	})
	if err != nil {
		return nil, fmt.Errorf("job: load segments %q: %w", transcriptID, err)
	}
	return segs, nil
}
