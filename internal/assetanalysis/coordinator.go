// Package assetanalysis reconciles the authoritative set of asset references
// found in a document's rendered content against the analysis jobs and
// per-document asset contexts already on record. Those records drift: partial
// failures, re-extraction and manual edits all leave gaps or stale links that
// the coordinator heals.
package assetanalysis

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kbengine/internal/domain"
	"kbengine/internal/jobs"
)

// Action is the reconciliation decision for one (document, asset) pair.
type Action string

const (
	ActionSkip              Action = "SKIP"
	ActionCreateNew         Action = "CREATE_NEW"
	ActionDeleteAndRecreate Action = "DELETE_AND_RECREATE"
)

// Decide is the pure decision function of the coordinator. It looks only at
// what is already on record for the pair: whether a completed analysis result
// exists, and the linked job's status if a job is linked (nil linkedStatus
// means no linked job).
func Decide(force, hasResult bool, linkedStatus *domain.JobStatus) Action {
	if force {
		if linkedStatus != nil {
			return ActionDeleteAndRecreate
		}
		return ActionCreateNew
	}
	if hasResult {
		return ActionSkip
	}
	if linkedStatus == nil {
		return ActionCreateNew
	}
	switch *linkedStatus {
	case domain.JobStatusPending, domain.JobStatusRunning, domain.JobStatusCompleted:
		return ActionSkip
	}
	return ActionDeleteAndRecreate
}

// Report is the structured outcome of one reconciliation run.
type Report struct {
	DocumentID     uuid.UUID   `json:"document_id"`
	Skipped        int         `json:"skipped"`
	JobsCreated    int         `json:"jobs_created"`
	OldJobsDeleted int         `json:"old_jobs_deleted"`
	ContextsHealed int         `json:"contexts_healed"`
	Anomalies      int         `json:"anomalies"`
	SkippedIDs     []uuid.UUID `json:"skipped_ids,omitempty"`
	CreatedJobIDs  []uuid.UUID `json:"created_job_ids,omitempty"`
	DeletedJobIDs  []uuid.UUID `json:"deleted_job_ids,omitempty"`
	HealedIDs      []uuid.UUID `json:"healed_ids,omitempty"`
	AnomalyIDs     []uuid.UUID `json:"anomaly_ids,omitempty"`
}

// Coordinator reconciles asset analysis state for a document.
type Coordinator struct {
	store   domain.Store
	manager *jobs.Manager
	logger  zerolog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(store domain.Store, manager *jobs.Manager, logger zerolog.Logger) *Coordinator {
	return &Coordinator{store: store, manager: manager, logger: logger}
}

var assetTokenRe = regexp.MustCompile(`asset://([0-9a-fA-F-]{36})`)

// ExtractAssetIDs pulls the asset reference tokens out of rendered content.
// The returned set is deduplicated in first-occurrence order; malformed ids
// are ignored.
func ExtractAssetIDs(content []byte) []uuid.UUID {
	matches := assetTokenRe.FindAllSubmatch(content, -1)
	seen := make(map[uuid.UUID]struct{}, len(matches))
	var ids []uuid.UUID
	for _, m := range matches {
		id, err := uuid.Parse(string(m[1]))
		if err != nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// Reconcile drives the authoritative asset set to a consistent job/context
// state for one document. Running it twice with force=false and no external
// change in between reports zero created and zero deleted jobs the second
// time.
func (c *Coordinator) Reconcile(ctx context.Context, doc *domain.Document, assetIDs []uuid.UUID, force bool, initiatorID uuid.UUID) (*Report, error) {
	report := &Report{DocumentID: doc.ID}
	for _, assetID := range assetIDs {
		if err := c.reconcileOne(ctx, doc, assetID, force, initiatorID, report); err != nil {
			return report, err
		}
	}
	c.logger.Info().
		Str("document_id", doc.ID.String()).
		Bool("force", force).
		Int("skipped", report.Skipped).
		Int("jobs_created", report.JobsCreated).
		Int("old_jobs_deleted", report.OldJobsDeleted).
		Int("contexts_healed", report.ContextsHealed).
		Int("anomalies", report.Anomalies).
		Msg("assetanalysis: reconciliation complete")
	return report, nil
}

func (c *Coordinator) reconcileOne(ctx context.Context, doc *domain.Document, assetID uuid.UUID, force bool, initiatorID uuid.UUID, report *Report) error {
	dac, err := c.store.AssetContexts().Get(ctx, doc.ID, assetID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		dac, err = c.healContext(ctx, doc, assetID)
		if errors.Is(err, domain.ErrNotFound) {
			// The rendered content references an asset record that does not
			// exist. Fabricating one would hide an extraction bug.
			report.Anomalies++
			report.AnomalyIDs = append(report.AnomalyIDs, assetID)
			c.logger.Warn().
				Str("document_id", doc.ID.String()).
				Str("asset_id", assetID.String()).
				Msg("assetanalysis: referenced asset record missing")
			return nil
		}
		if err != nil {
			return fmt.Errorf("heal asset context (%s, %s): %w", doc.ID, assetID, err)
		}
		report.ContextsHealed++
		report.HealedIDs = append(report.HealedIDs, assetID)
	case err != nil:
		return fmt.Errorf("load asset context (%s, %s): %w", doc.ID, assetID, err)
	}

	linkedStatus, linkedJobID, err := c.linkedJobStatus(ctx, dac)
	if err != nil {
		return err
	}

	switch Decide(force, dac.HasResult(), linkedStatus) {
	case ActionSkip:
		report.Skipped++
		report.SkippedIDs = append(report.SkippedIDs, assetID)
		return nil
	case ActionDeleteAndRecreate:
		if err := c.manager.DeleteJob(ctx, *linkedJobID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("delete stale analysis job %s: %w", *linkedJobID, err)
		}
		report.OldJobsDeleted++
		report.DeletedJobIDs = append(report.DeletedJobIDs, *linkedJobID)
	}

	job, err := c.manager.CreateAssetAnalysisJob(ctx, doc, initiatorID, assetID, force, "")
	if err != nil {
		return fmt.Errorf("create analysis job (%s, %s): %w", doc.ID, assetID, err)
	}
	if err := c.store.AssetContexts().SetAnalysisJob(ctx, dac.ID, &job.ID); err != nil {
		return fmt.Errorf("link analysis job %s: %w", job.ID, err)
	}
	report.JobsCreated++
	report.CreatedJobIDs = append(report.CreatedJobIDs, job.ID)
	return nil
}

// healContext creates the missing (document, asset) join row, verifying the
// asset record exists first. A concurrent healer losing the insert race falls
// back to the winner's row.
func (c *Coordinator) healContext(ctx context.Context, doc *domain.Document, assetID uuid.UUID) (*domain.DocumentAssetContext, error) {
	if _, err := c.store.Blobs().GetByID(ctx, domain.BlobAsset, assetID); err != nil {
		return nil, err
	}
	dac := &domain.DocumentAssetContext{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		AssetID:    assetID,
	}
	err := c.store.AssetContexts().Create(ctx, dac)
	if errors.Is(err, domain.ErrConflict) {
		return c.store.AssetContexts().Get(ctx, doc.ID, assetID)
	}
	if err != nil {
		return nil, err
	}
	return dac, nil
}

// linkedJobStatus resolves the context's linked job. A dangling link (job row
// gone) is treated as no linked job so the decision function recreates it.
func (c *Coordinator) linkedJobStatus(ctx context.Context, dac *domain.DocumentAssetContext) (*domain.JobStatus, *uuid.UUID, error) {
	if dac.AnalysisJobID == nil {
		return nil, nil, nil
	}
	job, err := c.store.Jobs().GetByID(ctx, *dac.AnalysisJobID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load linked job %s: %w", *dac.AnalysisJobID, err)
	}
	return &job.Status, &job.ID, nil
}
