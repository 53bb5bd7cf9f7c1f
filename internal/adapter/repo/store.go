// Package repo implements the domain repositories on PostgreSQL via pgx.
package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"kbengine/internal/db"
	"kbengine/internal/domain"
)

// Store implements domain.Store. The zero receiver runs every query on the
// pool; WithinTx rebinds the repositories onto one pgx transaction.
type Store struct {
	pool *pgxpool.Pool
	db   db.DBTX
	inTx bool
}

// NewStore creates a pool-backed store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (s *Store) Jobs() domain.JobRepository              { return &JobRepositoryPG{db: s.db} }
func (s *Store) Events() domain.EventRepository          { return &EventRepositoryPG{db: s.db, inTx: s.inTx} }
func (s *Store) Documents() domain.DocumentRepository    { return &DocumentRepositoryPG{db: s.db} }
func (s *Store) Blobs() domain.BlobRepository            { return &BlobRepositoryPG{db: s.db} }
func (s *Store) AssetContexts() domain.AssetContextRepository {
	return &AssetContextRepositoryPG{db: s.db}
}

// InTx reports whether this store is bound to an open transaction.
func (s *Store) InTx() bool { return s.inTx }

// WithinTx runs fn against a transaction-bound store. A nested call joins the
// enclosing transaction instead of opening a second one.
func (s *Store) WithinTx(ctx context.Context, fn func(domain.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &Store{pool: s.pool, db: tx, inTx: true}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

var _ domain.Store = (*Store)(nil)
