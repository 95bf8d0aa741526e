package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pegbridge/escrow/internal/infra/persistence"
)

// Store exposes PostgreSQL-backed repositories for the escrow daemon.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}
