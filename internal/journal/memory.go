package journal

import (
	"context"
	"sync"

	"github.com/pegbridge/escrow/errs"
)

// MemoryStore keeps journal records in process memory. It backs tests and
// deployments that do not configure a database.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]struct{}
}

// NewMemoryStore constructs an empty in-memory journal.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]struct{})}
}

// Append stores a record, rejecting duplicate IDs.
func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	if rec.ID == "" {
		return errs.New("journal", errs.CodeInvalidState, errs.WithMessage("record id required"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[rec.ID]; ok {
		return errs.New("journal", errs.CodeAlreadyExists, errs.WithMessage("duplicate record id "+rec.ID))
	}
	s.byID[rec.ID] = struct{}{}
	s.records = append(s.records, rec)
	return nil
}

// ListByOrder returns records for an order in append sequence.
func (s *MemoryStore) ListByOrder(_ context.Context, engine, orderID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.Engine == engine && rec.OrderID == orderID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ListByTrade returns records for a trade in append sequence.
func (s *MemoryStore) ListByTrade(_ context.Context, engine, tradeID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.Engine == engine && rec.TradeID == tradeID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Recent returns up to limit of the most recently appended records, newest
// first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.records)
	if limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}
