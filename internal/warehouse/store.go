package warehouse

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/labforge/labmesh/internal/shared/db"
)

var (
	ErrUnknownReagent    = errors.New("unknown reagent")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrExpired           = errors.New("reagent lot expired")
)

// StockItem is the warehouse's durable view of one reagent.
type StockItem struct {
	ReagentCode string    `json:"reagent_code"`
	LotNumber   string    `json:"lot_number"`
	Quantity    int       `json:"quantity"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Assignment records which reagent sits in which instrument; it is the truth
// the instrument service's local cache mirrors.
type Assignment struct {
	InstrumentID string `json:"instrument_id"`
	ReagentCode  string `json:"reagent_code"`
	LotNumber    string `json:"lot_number"`
	Quantity     int    `json:"quantity"`
}

// StockStore mutations take the caller's Querier: a debit issued from an
// inbox handler commits with the dedup row, so a redelivered consumption
// event cannot debit stock twice.
type StockStore interface {
	Get(ctx context.Context, q db.Querier, reagentCode string) (StockItem, error)
	Upsert(ctx context.Context, q db.Querier, item StockItem) error
	Debit(ctx context.Context, q db.Querier, reagentCode string, qty int) error
	Credit(ctx context.Context, q db.Querier, reagentCode string, qty int) error
}

type AssignmentStore interface {
	Put(ctx context.Context, q db.Querier, a Assignment) error
	Remove(ctx context.Context, q db.Querier, instrumentID, reagentCode string) error
	ListByInstrument(ctx context.Context, q db.Querier, instrumentID string) ([]Assignment, error)
}

type MemoryStockStore struct {
	mu    sync.Mutex
	items map[string]StockItem
}

func NewMemoryStockStore() *MemoryStockStore {
	return &MemoryStockStore{items: make(map[string]StockItem)}
}

func (s *MemoryStockStore) Get(ctx context.Context, _ db.Querier, reagentCode string) (StockItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[reagentCode]
	if !ok {
		return StockItem{}, ErrUnknownReagent
	}
	return item, nil
}

func (s *MemoryStockStore) Upsert(ctx context.Context, _ db.Querier, item StockItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ReagentCode] = item
	return nil
}

func (s *MemoryStockStore) Debit(ctx context.Context, _ db.Querier, reagentCode string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[reagentCode]
	if !ok {
		return ErrUnknownReagent
	}
	if item.Quantity < qty {
		return ErrInsufficientStock
	}
	item.Quantity -= qty
	s.items[reagentCode] = item
	return nil
}

func (s *MemoryStockStore) Credit(ctx context.Context, _ db.Querier, reagentCode string, qty int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[reagentCode]
	if !ok {
		return ErrUnknownReagent
	}
	item.Quantity += qty
	s.items[reagentCode] = item
	return nil
}

type MemoryAssignmentStore struct {
	mu   sync.Mutex
	rows []Assignment
}

func NewMemoryAssignmentStore() *MemoryAssignmentStore {
	return &MemoryAssignmentStore{}
}

func (s *MemoryAssignmentStore) Put(ctx context.Context, _ db.Querier, a Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.rows {
		if row.InstrumentID == a.InstrumentID && row.ReagentCode == a.ReagentCode {
			s.rows[i] = a
			return nil
		}
	}
	s.rows = append(s.rows, a)
	return nil
}

func (s *MemoryAssignmentStore) Remove(ctx context.Context, _ db.Querier, instrumentID, reagentCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range s.rows {
		if row.InstrumentID == instrumentID && row.ReagentCode == reagentCode {
			s.rows = append(s.rows[:i], s.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryAssignmentStore) ListByInstrument(ctx context.Context, _ db.Querier, instrumentID string) ([]Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Assignment, 0)
	for _, row := range s.rows {
		if row.InstrumentID == instrumentID {
			out = append(out, row)
		}
	}
	return out, nil
}

var (
	_ StockStore      = (*MemoryStockStore)(nil)
	_ AssignmentStore = (*MemoryAssignmentStore)(nil)
)
