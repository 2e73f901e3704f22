package warehouse

import (
	"context"
	"database/sql"
	"errors"

	"github.com/labforge/labmesh/internal/shared/db"
)

type PostgresStockStore struct {
	db *sql.DB
}

func NewPostgresStockStore(d *sql.DB) *PostgresStockStore {
	return &PostgresStockStore{db: d}
}

func (s *PostgresStockStore) q(q db.Querier) db.Querier {
	if q != nil {
		return q
	}
	return s.db
}

func (s *PostgresStockStore) Get(ctx context.Context, q db.Querier, reagentCode string) (StockItem, error) {
	const query = `
SELECT reagent_code, lot_number, quantity, expires_at
FROM reagent_stock
WHERE reagent_code = $1;
`
	var item StockItem
	err := s.q(q).QueryRowContext(ctx, query, reagentCode).
		Scan(&item.ReagentCode, &item.LotNumber, &item.Quantity, &item.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StockItem{}, ErrUnknownReagent
		}
		return StockItem{}, err
	}
	return item, nil
}

func (s *PostgresStockStore) Upsert(ctx context.Context, q db.Querier, item StockItem) error {
	const query = `
INSERT INTO reagent_stock (reagent_code, lot_number, quantity, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (reagent_code) DO UPDATE
SET lot_number = EXCLUDED.lot_number, quantity = EXCLUDED.quantity, expires_at = EXCLUDED.expires_at;
`
	_, err := s.q(q).ExecContext(ctx, query, item.ReagentCode, item.LotNumber, item.Quantity, item.ExpiresAt)
	return err
}

// Debit decrements guarded by quantity: the conditional update is what makes
// the debit safe under concurrent handlers for different events.
func (s *PostgresStockStore) Debit(ctx context.Context, q db.Querier, reagentCode string, qty int) error {
	const query = `
UPDATE reagent_stock
SET quantity = quantity - $2
WHERE reagent_code = $1 AND quantity >= $2;
`
	res, err := s.q(q).ExecContext(ctx, query, reagentCode, qty)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Classify through the same Querier so the check sees rows the
		// caller's open transaction has written.
		if _, err := s.Get(ctx, q, reagentCode); errors.Is(err, ErrUnknownReagent) {
			return ErrUnknownReagent
		}
		return ErrInsufficientStock
	}
	return nil
}

func (s *PostgresStockStore) Credit(ctx context.Context, q db.Querier, reagentCode string, qty int) error {
	const query = `
UPDATE reagent_stock
SET quantity = quantity + $2
WHERE reagent_code = $1;
`
	res, err := s.q(q).ExecContext(ctx, query, reagentCode, qty)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownReagent
	}
	return nil
}

type PostgresAssignmentStore struct {
	db *sql.DB
}

func NewPostgresAssignmentStore(d *sql.DB) *PostgresAssignmentStore {
	return &PostgresAssignmentStore{db: d}
}

func (s *PostgresAssignmentStore) q(q db.Querier) db.Querier {
	if q != nil {
		return q
	}
	return s.db
}

func (s *PostgresAssignmentStore) Put(ctx context.Context, q db.Querier, a Assignment) error {
	const query = `
INSERT INTO instrument_reagents (instrument_id, reagent_code, lot_number, quantity)
VALUES ($1, $2, $3, $4)
ON CONFLICT (instrument_id, reagent_code) DO UPDATE
SET lot_number = EXCLUDED.lot_number, quantity = EXCLUDED.quantity;
`
	_, err := s.q(q).ExecContext(ctx, query, a.InstrumentID, a.ReagentCode, a.LotNumber, a.Quantity)
	return err
}

func (s *PostgresAssignmentStore) Remove(ctx context.Context, q db.Querier, instrumentID, reagentCode string) error {
	const query = `
DELETE FROM instrument_reagents
WHERE instrument_id = $1 AND reagent_code = $2;
`
	_, err := s.q(q).ExecContext(ctx, query, instrumentID, reagentCode)
	return err
}

func (s *PostgresAssignmentStore) ListByInstrument(ctx context.Context, q db.Querier, instrumentID string) ([]Assignment, error) {
	const query = `
SELECT instrument_id, reagent_code, lot_number, quantity
FROM instrument_reagents
WHERE instrument_id = $1
ORDER BY reagent_code;
`
	rows, err := s.q(q).QueryContext(ctx, query, instrumentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.InstrumentID, &a.ReagentCode, &a.LotNumber, &a.Quantity); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var (
	_ StockStore      = (*PostgresStockStore)(nil)
	_ AssignmentStore = (*PostgresAssignmentStore)(nil)
)
