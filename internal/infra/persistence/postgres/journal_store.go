package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/events"
	"github.com/pegbridge/escrow/internal/journal"
)

// JournalStore persists the notification journal.
type JournalStore struct {
	pool *pgxpool.Pool
}

// NewJournalStore constructs a JournalStore backed by the provided pool.
func NewJournalStore(pool *pgxpool.Pool) *JournalStore {
	return &JournalStore{pool: pool}
}

const (
	journalInsertSQL = `
INSERT INTO journal (
    id,
    engine,
    event_type,
    order_id,
    trade_id,
    payload,
    emitted_at,
    created_at
)
VALUES (
    @id,
    @engine,
    @event_type,
    @order_id,
    @trade_id,
    @payload::jsonb,
    @emitted_at,
    NOW()
)
ON CONFLICT (id) DO NOTHING;
`

	journalSelectBase = `
SELECT
    j.id::text,
    j.engine,
    j.event_type,
    j.order_id,
    j.trade_id,
    j.payload,
    j.emitted_at
FROM journal j
`

	defaultRecentLimit = 100
	maxRecentLimit     = 1000
)

func (s *JournalStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("journal store: nil pool")
	}
	return s.pool, nil
}

// Append inserts a journal record, rejecting duplicate IDs.
func (s *JournalStore) Append(ctx context.Context, rec journal.Record) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errs.New("journal", errs.CodeInvalidState, errs.WithMessage("record id required"))
	}
	args := pgx.NamedArgs{
		"id":         rec.ID,
		"engine":     rec.Engine,
		"event_type": string(rec.Type),
		"order_id":   rec.OrderID,
		"trade_id":   rec.TradeID,
		"payload":    rec.Payload,
		"emitted_at": rec.EmittedAt,
	}
	tag, err := pool.Exec(ctx, journalInsertSQL, args)
	if err != nil {
		return fmt.Errorf("journal store: insert record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("journal", errs.CodeAlreadyExists, errs.WithMessage("duplicate record id "+rec.ID))
	}
	return nil
}

// ListByOrder returns records for an order in append sequence.
func (s *JournalStore) ListByOrder(ctx context.Context, engine, orderID string) ([]journal.Record, error) {
	query := journalSelectBase + `
WHERE j.engine = @engine AND j.order_id = @order_id
ORDER BY j.seq ASC;
`
	return s.list(ctx, query, pgx.NamedArgs{"engine": engine, "order_id": orderID})
}

// ListByTrade returns records for a trade in append sequence.
func (s *JournalStore) ListByTrade(ctx context.Context, engine, tradeID string) ([]journal.Record, error) {
	query := journalSelectBase + `
WHERE j.engine = @engine AND j.trade_id = @trade_id
ORDER BY j.seq ASC;
`
	return s.list(ctx, query, pgx.NamedArgs{"engine": engine, "trade_id": tradeID})
}

// Recent returns up to limit of the most recently appended records, newest first.
func (s *JournalStore) Recent(ctx context.Context, limit int) ([]journal.Record, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	query := journalSelectBase + `
ORDER BY j.seq DESC
LIMIT @limit;
`
	return s.list(ctx, query, pgx.NamedArgs{"limit": limit})
}

func (s *JournalStore) list(ctx context.Context, query string, args pgx.NamedArgs) ([]journal.Record, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("journal store: query records: %w", err)
	}
	defer rows.Close()

	var out []journal.Record
	for rows.Next() {
		var (
			rec       journal.Record
			eventType string
			emittedAt time.Time
		)
		if err := rows.Scan(&rec.ID, &rec.Engine, &eventType, &rec.OrderID, &rec.TradeID, &rec.Payload, &emittedAt); err != nil {
			return nil, fmt.Errorf("journal store: scan record: %w", err)
		}
		rec.Type = events.Type(eventType)
		rec.EmittedAt = emittedAt
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate records: %w", err)
	}
	return out, nil
}
