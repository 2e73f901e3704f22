package testorder

import (
	"context"
	"database/sql"
	"errors"

	"github.com/labforge/labmesh/internal/shared/db"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(d *sql.DB) *PostgresStore {
	return &PostgresStore{db: d}
}

func (s *PostgresStore) q(q db.Querier) db.Querier {
	if q != nil {
		return q
	}
	return s.db
}

func (s *PostgresStore) CreateRun(ctx context.Context, q db.Querier, run Run) (Run, error) {
	const query = `
INSERT INTO test_runs (id, instrument_id, status, expected_samples, created_at)
VALUES ($1, $2, 'RUNNING', $3, now())
RETURNING id, instrument_id, status, expected_samples, created_at;
`
	var out Run
	err := s.q(q).QueryRowContext(ctx, query, run.ID, run.InstrumentID, run.ExpectedSamples).
		Scan(&out.ID, &out.InstrumentID, &out.Status, &out.ExpectedSamples, &out.CreatedAt)
	if err != nil {
		return Run{}, err
	}
	return out, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, q db.Querier, runID string) (Run, error) {
	const query = `
SELECT id, instrument_id, status, expected_samples, created_at, completed_at
FROM test_runs
WHERE id = $1;
`
	var out Run
	var completed sql.NullTime
	err := s.q(q).QueryRowContext(ctx, query, runID).
		Scan(&out.ID, &out.InstrumentID, &out.Status, &out.ExpectedSamples, &out.CreatedAt, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, err
	}
	if completed.Valid {
		out.CompletedAt = &completed.Time
	}
	return out, nil
}

func (s *PostgresStore) RecordSampleResult(ctx context.Context, q db.Querier, res SampleResult) error {
	const query = `
INSERT INTO sample_results (run_id, sample_id, success, recorded_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (run_id, sample_id) DO UPDATE
SET success = EXCLUDED.success, recorded_at = now();
`
	_, err := s.q(q).ExecContext(ctx, query, res.RunID, res.SampleID, res.Success)
	return err
}

func (s *PostgresStore) CountResults(ctx context.Context, q db.Querier, runID string) (int, int, error) {
	const query = `
SELECT COUNT(*) FILTER (WHERE success), COUNT(*) FILTER (WHERE NOT success)
FROM sample_results
WHERE run_id = $1;
`
	var success, fail int
	if err := s.q(q).QueryRowContext(ctx, query, runID).Scan(&success, &fail); err != nil {
		return 0, 0, err
	}
	return success, fail, nil
}

func (s *PostgresStore) CloseRun(ctx context.Context, q db.Querier, runID string, to RunStatus) (bool, error) {
	const query = `
UPDATE test_runs
SET status = $2, completed_at = now()
WHERE id = $1 AND status = 'RUNNING';
`
	res, err := s.q(q).ExecContext(ctx, query, runID, to)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

var _ Store = (*PostgresStore)(nil)
