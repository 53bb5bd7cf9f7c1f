package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"kbengine/internal/db"
	"kbengine/internal/domain"
)

// DocumentRepositoryPG implements domain.DocumentRepository.
type DocumentRepositoryPG struct {
	db db.DBTX
}

const documentColumns = `id, knowledge_space_id, parent_document_id, original_id, canonical_content_id, filename, mime_type, status, created_at, updated_at`

func scanDocument(row pgx.Row) (*domain.Document, error) {
	var d domain.Document
	if err := row.Scan(
		&d.ID,
		&d.KnowledgeSpaceID,
		&d.ParentDocumentID,
		&d.OriginalID,
		&d.CanonicalContentID,
		&d.Filename,
		&d.MIMEType,
		&d.Status,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *DocumentRepositoryPG) Create(ctx context.Context, doc *domain.Document) error {
	query := `
INSERT INTO documents (id, knowledge_space_id, parent_document_id, original_id, canonical_content_id, filename, mime_type, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING created_at, updated_at;
`
	if err := r.db.QueryRow(ctx, query,
		doc.ID,
		doc.KnowledgeSpaceID,
		doc.ParentDocumentID,
		doc.OriginalID,
		doc.CanonicalContentID,
		doc.Filename,
		doc.MIMEType,
		doc.Status,
	).Scan(&doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return fmt.Errorf("create document: %w", err)
	}
	return nil
}

func (r *DocumentRepositoryPG) GetByID(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1;`
	doc, err := scanDocument(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (r *DocumentRepositoryPG) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.DocumentStatus) error {
	query := `UPDATE documents SET status = $2, updated_at = now() WHERE id = $1;`
	tag, err := r.db.Exec(ctx, query, id, status)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *DocumentRepositoryPG) SetCanonicalContent(ctx context.Context, id, contentID uuid.UUID) error {
	query := `UPDATE documents SET canonical_content_id = $2, updated_at = now() WHERE id = $1;`
	tag, err := r.db.Exec(ctx, query, id, contentID)
	if err != nil {
		return fmt.Errorf("set canonical content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// FindByOriginalHash locates a document in the knowledge space whose original
// blob carries the given content hash. Used by decomposition to reuse
// children already ingested by a prior run.
func (r *DocumentRepositoryPG) FindByOriginalHash(ctx context.Context, knowledgeSpaceID uuid.UUID, hash string) (*domain.Document, error) {
	query := `
SELECT ` + qualifiedDocumentColumns + `
FROM documents d
JOIN originals o ON o.id = d.original_id
WHERE d.knowledge_space_id = $1 AND o.content_hash = $2
ORDER BY d.created_at
LIMIT 1;
`
	doc, err := scanDocument(r.db.QueryRow(ctx, query, knowledgeSpaceID, hash))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("find document by original hash: %w", err)
	}
	return doc, nil
}

const qualifiedDocumentColumns = `d.id, d.knowledge_space_id, d.parent_document_id, d.original_id, d.canonical_content_id, d.filename, d.mime_type, d.status, d.created_at, d.updated_at`

func (r *DocumentRepositoryPG) ListChildren(ctx context.Context, parentID uuid.UUID) ([]domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE parent_document_id = $1 ORDER BY created_at;`
	rows, err := r.db.Query(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// DeleteChildren removes the direct children of a parent document. The
// ON DELETE CASCADE on parent_document_id takes deeper descendants and their
// asset contexts with them.
func (r *DocumentRepositoryPG) DeleteChildren(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error) {
	query := `DELETE FROM documents WHERE parent_document_id = $1 RETURNING id;`
	rows, err := r.db.Query(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("delete children: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted child id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
