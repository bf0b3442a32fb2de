package jobpg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/k11v/pages/internal/job"
)

var _ job.StatusStore = (*StatusStore)(nil)

// StatusStore keeps job statuses in the jobs table.
type StatusStore struct {
	db *pgxpool.Pool // required
}

func NewStatusStore(db *pgxpool.Pool) *StatusStore {
	return &StatusStore{db: db}
}

type executor interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type row struct {
	ID        string    `db:"id"`
	SourceURL string    `db:"source_url"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func rowToJob(collectableRow pgx.CollectableRow) (*job.Job, error) {
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, fmt.Errorf("row to job: %w", err)
	}

	status, known := job.StatusFromString(collectedRow.Status)
	if !known {
		slog.Default().Warn(
			"unknown status encountered while reading job",
			"status", collectedRow.Status,
			"job_id", collectedRow.ID,
		)
	}

	return &job.Job{
		ID:        collectedRow.ID,
		SourceURL: collectedRow.SourceURL,
		Status:    status,
		CreatedAt: collectedRow.CreatedAt.UTC(),
		UpdatedAt: collectedRow.UpdatedAt.UTC(),
	}, nil
}

// Create implements job.StatusStore.
func (s *StatusStore) Create(ctx context.Context, params *job.CreateParams) (*job.Job, error) {
	query := `
		INSERT INTO jobs (id, source_url, status)
		VALUES ($1, $2, $3)
		RETURNING id, source_url, status, created_at, updated_at
	`
	args := []any{params.ID, params.SourceURL, string(job.StatusPending)}

	rows, _ := s.db.Query(ctx, query, args...)
	j, err := pgx.CollectExactlyOneRow(rows, rowToJob)
	if err != nil {
		if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			err = job.ErrIDTaken
		}
		return nil, fmt.Errorf("jobpg.StatusStore: %w", err)
	}

	return j, nil
}

// Get implements job.StatusStore.
func (s *StatusStore) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := getJob(ctx, s.db, id, false)
	if err != nil {
		return nil, fmt.Errorf("jobpg.StatusStore: %w", err)
	}
	return j, nil
}

// Transition implements job.StatusStore.
// The row is locked while the transition is checked so concurrent writers can't skip a check.
func (s *StatusStore) Transition(ctx context.Context, id string, to job.Status) (*job.Job, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobpg.StatusStore: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	j, err := getJob(ctx, tx, id, true)
	if err != nil {
		return nil, fmt.Errorf("jobpg.StatusStore: %w", err)
	}
	if !job.CanTransition(j.Status, to) {
		return j, fmt.Errorf("jobpg.StatusStore: %w: %s to %s", job.ErrInvalidTransition, j.Status, to)
	}

	query := `
		UPDATE jobs
		SET status = $1, updated_at = now()
		WHERE id = $2
		RETURNING id, source_url, status, created_at, updated_at
	`
	args := []any{string(to), id}

	rows, _ := tx.Query(ctx, query, args...)
	j, err = pgx.CollectExactlyOneRow(rows, rowToJob)
	if err != nil {
		return nil, fmt.Errorf("jobpg.StatusStore: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("jobpg.StatusStore: %w", err)
	}
	return j, nil
}

func getJob(ctx context.Context, db executor, id string, forUpdate bool) (*job.Job, error) {
	query := `
		SELECT id, source_url, status, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`
	if forUpdate {
		query += "FOR UPDATE\n"
	}
	args := []any{id}

	rows, _ := db.Query(ctx, query, args...)
	j, err := pgx.CollectExactlyOneRow(rows, rowToJob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = job.ErrNotFound
		}
		return nil, err
	}
	return j, nil
}
