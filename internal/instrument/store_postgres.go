package instrument

import (
	"context"
	"database/sql"

	"github.com/labforge/labmesh/internal/shared/db"
)

type PostgresReagentStore struct {
	db *sql.DB
}

func NewPostgresReagentStore(d *sql.DB) *PostgresReagentStore {
	return &PostgresReagentStore{db: d}
}

func (s *PostgresReagentStore) Insert(ctx context.Context, q db.Querier, r InstalledReagent) (InstalledReagent, error) {
	if q == nil {
		q = s.db
	}
	const query = `
INSERT INTO installed_reagents (instrument_id, reagent_code, lot_number, quantity, installed_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (instrument_id, reagent_code) DO UPDATE
SET lot_number = EXCLUDED.lot_number, quantity = EXCLUDED.quantity
RETURNING id, instrument_id, reagent_code, lot_number, quantity, installed_at;
`
	var out InstalledReagent
	err := q.QueryRowContext(ctx, query, r.InstrumentID, r.ReagentCode, r.LotNumber, r.Quantity).
		Scan(&out.ID, &out.InstrumentID, &out.ReagentCode, &out.LotNumber, &out.Quantity, &out.InstalledAt)
	if err != nil {
		return InstalledReagent{}, err
	}
	return out, nil
}

func (s *PostgresReagentStore) Delete(ctx context.Context, q db.Querier, instrumentID, reagentCode string) error {
	if q == nil {
		q = s.db
	}
	const query = `
DELETE FROM installed_reagents
WHERE instrument_id = $1 AND reagent_code = $2;
`
	res, err := q.ExecContext(ctx, query, instrumentID, reagentCode)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotInstalled
	}
	return nil
}

func (s *PostgresReagentStore) DeleteByInstrument(ctx context.Context, q db.Querier, instrumentID string) (int64, error) {
	if q == nil {
		q = s.db
	}
	const query = `
DELETE FROM installed_reagents
WHERE instrument_id = $1;
`
	res, err := q.ExecContext(ctx, query, instrumentID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresReagentStore) ListByInstrument(ctx context.Context, instrumentID string) ([]InstalledReagent, error) {
	const query = `
SELECT id, instrument_id, reagent_code, lot_number, quantity, installed_at
FROM installed_reagents
WHERE instrument_id = $1
ORDER BY installed_at;
`
	rows, err := s.db.QueryContext(ctx, query, instrumentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []InstalledReagent
	for rows.Next() {
		var r InstalledReagent
		if err := rows.Scan(&r.ID, &r.InstrumentID, &r.ReagentCode, &r.LotNumber, &r.Quantity, &r.InstalledAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var _ ReagentStore = (*PostgresReagentStore)(nil)
