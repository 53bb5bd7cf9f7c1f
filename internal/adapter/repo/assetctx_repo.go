package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"kbengine/internal/db"
	"kbengine/internal/domain"
)

// AssetContextRepositoryPG implements domain.AssetContextRepository.
type AssetContextRepositoryPG struct {
	db db.DBTX
}

const assetCtxColumns = `id, document_id, asset_id, analysis_result, analysis_job_id, created_at, updated_at`

func scanAssetCtx(row pgx.Row) (*domain.DocumentAssetContext, error) {
	var c domain.DocumentAssetContext
	if err := row.Scan(
		&c.ID,
		&c.DocumentID,
		&c.AssetID,
		&c.AnalysisResult,
		&c.AnalysisJobID,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *AssetContextRepositoryPG) Create(ctx context.Context, dac *domain.DocumentAssetContext) error {
	query := `
INSERT INTO document_asset_contexts (id, document_id, asset_id, analysis_result, analysis_job_id)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at, updated_at;
`
	if err := r.db.QueryRow(ctx, query,
		dac.ID,
		dac.DocumentID,
		dac.AssetID,
		nullableJSON(dac.AnalysisResult),
		dac.AnalysisJobID,
	).Scan(&dac.CreatedAt, &dac.UpdatedAt); err != nil {
		return fmt.Errorf("create asset context: %w", err)
	}
	return nil
}

func (r *AssetContextRepositoryPG) Get(ctx context.Context, documentID, assetID uuid.UUID) (*domain.DocumentAssetContext, error) {
	query := `SELECT ` + assetCtxColumns + ` FROM document_asset_contexts WHERE document_id = $1 AND asset_id = $2;`
	c, err := scanAssetCtx(r.db.QueryRow(ctx, query, documentID, assetID))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get asset context: %w", err)
	}
	return c, nil
}

func (r *AssetContextRepositoryPG) SetAnalysisJob(ctx context.Context, id uuid.UUID, jobID *uuid.UUID) error {
	query := `UPDATE document_asset_contexts SET analysis_job_id = $2, updated_at = now() WHERE id = $1;`
	tag, err := r.db.Exec(ctx, query, id, jobID)
	if err != nil {
		return fmt.Errorf("set analysis job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *AssetContextRepositoryPG) SetResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	query := `UPDATE document_asset_contexts SET analysis_result = $2, updated_at = now() WHERE id = $1;`
	tag, err := r.db.Exec(ctx, query, id, nullableJSON(result))
	if err != nil {
		return fmt.Errorf("set analysis result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *AssetContextRepositoryPG) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]domain.DocumentAssetContext, error) {
	query := `SELECT ` + assetCtxColumns + ` FROM document_asset_contexts WHERE document_id = $1 ORDER BY created_at;`
	rows, err := r.db.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("list asset contexts: %w", err)
	}
	defer rows.Close()

	var out []domain.DocumentAssetContext
	for rows.Next() {
		c, err := scanAssetCtx(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset context: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *AssetContextRepositoryPG) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM document_asset_contexts WHERE document_id = $1;`, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete asset contexts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
