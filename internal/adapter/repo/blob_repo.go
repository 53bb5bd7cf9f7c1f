package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"kbengine/internal/db"
	"kbengine/internal/domain"
)

// BlobRepositoryPG implements domain.BlobRepository over the three
// content-addressed tables. The table is selected by blob kind; kinds are a
// closed set so the name never comes from user input.
type BlobRepositoryPG struct {
	db db.DBTX
}

func blobTable(kind domain.BlobKind) (string, error) {
	switch kind {
	case domain.BlobOriginal, domain.BlobAsset, domain.BlobCanonicalContent:
		return string(kind), nil
	}
	return "", fmt.Errorf("unknown blob kind %q", kind)
}

const blobColumns = `id, content_hash, storage_key, filename, mime_type, size_bytes, reference_count, created_at, updated_at`

func scanBlob(row pgx.Row, kind domain.BlobKind) (*domain.Blob, error) {
	var b domain.Blob
	if err := row.Scan(
		&b.ID,
		&b.ContentHash,
		&b.StorageKey,
		&b.Filename,
		&b.MIMEType,
		&b.SizeBytes,
		&b.ReferenceCount,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	b.Kind = kind
	return &b, nil
}

// Insert creates a blob record with reference count 1. The unique constraint
// on content_hash converts a concurrent duplicate into domain.ErrConflict so
// the caller can fall back to IncrementRef (conflict-then-increment, never
// read-then-write).
func (r *BlobRepositoryPG) Insert(ctx context.Context, blob *domain.Blob) error {
	table, err := blobTable(blob.Kind)
	if err != nil {
		return err
	}
	query := `
INSERT INTO ` + table + ` (id, content_hash, storage_key, filename, mime_type, size_bytes, reference_count)
VALUES ($1, $2, $3, $4, $5, $6, 1)
RETURNING created_at, updated_at;
`
	if err := r.db.QueryRow(ctx, query,
		blob.ID,
		blob.ContentHash,
		blob.StorageKey,
		blob.Filename,
		blob.MIMEType,
		blob.SizeBytes,
	).Scan(&blob.CreatedAt, &blob.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return domain.ErrConflict
		}
		return fmt.Errorf("insert %s blob: %w", blob.Kind, err)
	}
	blob.ReferenceCount = 1
	return nil
}

func (r *BlobRepositoryPG) IncrementRef(ctx context.Context, kind domain.BlobKind, hash string) (*domain.Blob, error) {
	table, err := blobTable(kind)
	if err != nil {
		return nil, err
	}
	query := `
UPDATE ` + table + `
SET reference_count = reference_count + 1, updated_at = now()
WHERE content_hash = $1
RETURNING ` + blobColumns + `;
`
	blob, err := scanBlob(r.db.QueryRow(ctx, query, hash), kind)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("increment %s ref: %w", kind, err)
	}
	return blob, nil
}

// DecrementRef lowers the reference count. It never deletes: reclamation is
// asynchronous so an in-flight transaction about to reference the content
// cannot lose it.
func (r *BlobRepositoryPG) DecrementRef(ctx context.Context, kind domain.BlobKind, id uuid.UUID) error {
	table, err := blobTable(kind)
	if err != nil {
		return err
	}
	query := `
UPDATE ` + table + `
SET reference_count = GREATEST(reference_count - 1, 0), updated_at = now()
WHERE id = $1;
`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("decrement %s ref: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *BlobRepositoryPG) GetByID(ctx context.Context, kind domain.BlobKind, id uuid.UUID) (*domain.Blob, error) {
	table, err := blobTable(kind)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + blobColumns + ` FROM ` + table + ` WHERE id = $1;`
	blob, err := scanBlob(r.db.QueryRow(ctx, query, id), kind)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get %s blob: %w", kind, err)
	}
	return blob, nil
}

func (r *BlobRepositoryPG) GetByHash(ctx context.Context, kind domain.BlobKind, hash string) (*domain.Blob, error) {
	table, err := blobTable(kind)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + blobColumns + ` FROM ` + table + ` WHERE content_hash = $1;`
	blob, err := scanBlob(r.db.QueryRow(ctx, query, hash), kind)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get %s blob by hash: %w", kind, err)
	}
	return blob, nil
}

// DeleteUnreferenced removes zero-reference records that have been idle for
// at least grace, returning them so the caller can reclaim blob storage.
func (r *BlobRepositoryPG) DeleteUnreferenced(ctx context.Context, kind domain.BlobKind, grace time.Duration) ([]domain.Blob, error) {
	table, err := blobTable(kind)
	if err != nil {
		return nil, err
	}
	query := `
DELETE FROM ` + table + `
WHERE reference_count <= 0 AND updated_at < $1
RETURNING ` + blobColumns + `;
`
	rows, err := r.db.Query(ctx, query, time.Now().Add(-grace))
	if err != nil {
		return nil, fmt.Errorf("delete unreferenced %s blobs: %w", kind, err)
	}
	defer rows.Close()

	var blobs []domain.Blob
	for rows.Next() {
		b, err := scanBlob(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("scan blob: %w", err)
		}
		blobs = append(blobs, *b)
	}
	return blobs, rows.Err()
}
