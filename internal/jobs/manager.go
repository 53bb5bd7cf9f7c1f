// Package jobs owns the job state machine. Job rows are mutated only through
// the Manager so the lifecycle invariants stay enforceable in one place.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kbengine/internal/domain"
)

// Manager creates, starts, progresses and finalizes jobs.
type Manager struct {
	store   domain.Store
	logger  zerolog.Logger
	filters FilterSnapshot
}

// NewManager creates a Manager. The filter snapshot is copied into every new
// content-extraction job's context.
func NewManager(store domain.Store, logger zerolog.Logger, filters FilterSnapshot) *Manager {
	return &Manager{store: store, logger: logger, filters: filters}
}

// CreateParams describes a job creation request.
type CreateParams struct {
	DocumentID       *uuid.UUID
	KnowledgeSpaceID uuid.UUID
	InitiatorID      uuid.UUID
	Type             domain.JobType
	Force            bool
	Context          json.RawMessage
}

// CreateJob creates a PENDING job, enforcing at most one active job per
// (document, job_type).
//
// With force=false an existing active job is returned unchanged; callers must
// treat that as a no-op, not an error. With force=true the existing job is
// atomically ABORTED and a fresh PENDING job takes its place.
//
// Asset-analysis jobs are exempt from the single-active invariant: they are
// per (document, asset) and governed by the Asset Analysis Coordinator.
func (m *Manager) CreateJob(ctx context.Context, p CreateParams) (*domain.Job, error) {
	job := &domain.Job{
		ID:               uuid.New(),
		DocumentID:       p.DocumentID,
		KnowledgeSpaceID: p.KnowledgeSpaceID,
		InitiatorID:      p.InitiatorID,
		Type:             p.Type,
		Status:           domain.JobStatusPending,
		Context:          p.Context,
	}

	if p.DocumentID == nil || p.Type == domain.JobTypeAssetAnalysis {
		if err := m.store.Jobs().Create(ctx, job); err != nil {
			return nil, fmt.Errorf("create %s job: %w", p.Type, err)
		}
		return job, nil
	}

	existing, err := m.store.Jobs().FindActive(ctx, *p.DocumentID, p.Type)
	switch {
	case err == nil && !p.Force:
		m.logger.Debug().
			Str("job_id", existing.ID.String()).
			Str("job_type", string(p.Type)).
			Msg("jobs: active job exists, returning it unchanged")
		return existing, nil
	case err == nil && p.Force:
		var created *domain.Job
		txErr := m.store.WithinTx(ctx, func(tx domain.Store) error {
			reason := fmt.Sprintf("superseded by forced %s re-creation", p.Type)
			if _, err := tx.Jobs().Transition(ctx, existing.ID,
				[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusRunning},
				domain.JobStatusAborted,
				domain.JobUpdate{ErrorMessage: reason},
			); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
				return fmt.Errorf("abort superseded job: %w", err)
			}
			if err := tx.Jobs().Create(ctx, job); err != nil {
				return fmt.Errorf("create forced %s job: %w", p.Type, err)
			}
			return nil
		})
		if txErr != nil {
			return nil, txErr
		}
		created = job
		m.logger.Info().
			Str("job_id", created.ID.String()).
			Str("superseded_job_id", existing.ID.String()).
			Str("job_type", string(p.Type)).
			Msg("jobs: forced re-creation, prior job aborted")
		return created, nil
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("find active %s job: %w", p.Type, err)
	}

	if err := m.store.Jobs().Create(ctx, job); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// A concurrent creator won the race; its job is the active one.
			return m.store.Jobs().FindActive(ctx, *p.DocumentID, p.Type)
		}
		return nil, fmt.Errorf("create %s job: %w", p.Type, err)
	}
	return job, nil
}

// StartJob transitions PENDING to RUNNING. Starting an already-RUNNING job
// returns it unchanged so a crash-and-redeliver does not fail spuriously.
func (m *Manager) StartJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	job, err := m.store.Jobs().Transition(ctx, id,
		[]domain.JobStatus{domain.JobStatusPending},
		domain.JobStatusRunning,
		domain.JobUpdate{},
	)
	if err == nil {
		return job, nil
	}
	if errors.Is(err, domain.ErrInvalidTransition) && job != nil && job.Status == domain.JobStatusRunning {
		return job, nil
	}
	return nil, fmt.Errorf("start job %s: %w", id, err)
}

// ReportProgress records a free-form progress snapshot on an active job, so
// a stalled job is distinguishable from a dead one.
func (m *Manager) ReportProgress(ctx context.Context, id uuid.UUID, progress any) error {
	raw, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	return m.store.Jobs().UpdateProgress(ctx, id, raw)
}

// FinalizeJob moves a job to COMPLETED or FAILED and stages the given events
// in the same transaction, so the terminal state and its announcement commit
// atomically. Finalizing an already-terminal job fails loudly: that indicates
// two workers processed the same job.
func (m *Manager) FinalizeJob(ctx context.Context, id uuid.UUID, status domain.JobStatus, upd domain.JobUpdate, events ...*domain.DomainEvent) (*domain.Job, error) {
	if status != domain.JobStatusCompleted && status != domain.JobStatusFailed {
		return nil, fmt.Errorf("finalize to %s: %w", status, domain.ErrInvalidTransition)
	}
	var finalized *domain.Job
	err := m.store.WithinTx(ctx, func(tx domain.Store) error {
		job, err := tx.Jobs().Transition(ctx, id,
			[]domain.JobStatus{domain.JobStatusPending, domain.JobStatusRunning, domain.JobStatusPaused},
			status,
			upd,
		)
		if err != nil {
			return fmt.Errorf("finalize job %s: %w", id, err)
		}
		finalized = job
		for _, ev := range events {
			if err := tx.Events().Stage(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logEvent := m.logger.Info()
	if status == domain.JobStatusFailed {
		logEvent = m.logger.Warn()
	}
	logEvent.
		Str("job_id", id.String()).
		Str("job_type", string(finalized.Type)).
		Str("status", string(status)).
		Msg("jobs: finalized")
	return finalized, nil
}

// AbortJobsForDocuments bulk-aborts active jobs for the given documents,
// optionally restricted to one job type. Abortion is cooperative: workers
// check status around long operations and abandon aborted jobs.
func (m *Manager) AbortJobsForDocuments(ctx context.Context, documentIDs []uuid.UUID, t *domain.JobType, reason string) (int, error) {
	if len(documentIDs) == 0 {
		return 0, nil
	}
	n, err := m.store.Jobs().AbortActive(ctx, documentIDs, t, reason)
	if err != nil {
		return 0, fmt.Errorf("abort jobs for documents: %w", err)
	}
	if n > 0 {
		m.logger.Info().Int("aborted", n).Str("reason", reason).Msg("jobs: bulk abort")
	}
	return n, nil
}

// RequeueStale recovers jobs orphaned by crashed workers: RUNNING jobs with
// no update within olderThan go back to PENDING until maxRequeues is spent,
// then FAILED.
func (m *Manager) RequeueStale(ctx context.Context, olderThan time.Duration, maxRequeues int) (int, error) {
	jobs, err := m.store.Jobs().RequeueStale(ctx, olderThan, maxRequeues)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	for i := range jobs {
		j := &jobs[i]
		m.logger.Warn().
			Str("job_id", j.ID.String()).
			Str("job_type", string(j.Type)).
			Str("status", string(j.Status)).
			Int("requeue_count", j.RequeueCount).
			Msg("jobs: stale RUNNING job recovered")
	}
	return len(jobs), nil
}

// GetJob fetches a job by id.
func (m *Manager) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return m.store.Jobs().GetByID(ctx, id)
}

// ClaimPending locks and starts a batch of PENDING jobs of one type for
// queue-style execution (used by the asset-analysis executor).
func (m *Manager) ClaimPending(ctx context.Context, t domain.JobType, limit int) ([]domain.Job, error) {
	return m.store.Jobs().ClaimPending(ctx, t, limit)
}

// CreateContentExtractionJob creates the extraction job for a document,
// snapshotting the current filter configuration into the job context.
func (m *Manager) CreateContentExtractionJob(ctx context.Context, doc *domain.Document, initiatorID uuid.UUID, force bool, strategy string) (*domain.Job, error) {
	raw, err := json.Marshal(ExtractionContext{Force: force, Strategy: strategy, Filters: m.filters})
	if err != nil {
		return nil, fmt.Errorf("marshal extraction context: %w", err)
	}
	return m.CreateJob(ctx, CreateParams{
		DocumentID:       &doc.ID,
		KnowledgeSpaceID: doc.KnowledgeSpaceID,
		InitiatorID:      initiatorID,
		Type:             domain.JobTypeContentExtraction,
		Force:            force,
		Context:          raw,
	})
}

// CreateChunkingJob creates the chunking job for a document.
func (m *Manager) CreateChunkingJob(ctx context.Context, doc *domain.Document, initiatorID uuid.UUID, force bool, strategyName string) (*domain.Job, error) {
	raw, err := json.Marshal(ChunkingContext{Force: force, StrategyName: strategyName})
	if err != nil {
		return nil, fmt.Errorf("marshal chunking context: %w", err)
	}
	return m.CreateJob(ctx, CreateParams{
		DocumentID:       &doc.ID,
		KnowledgeSpaceID: doc.KnowledgeSpaceID,
		InitiatorID:      initiatorID,
		Type:             domain.JobTypeChunking,
		Force:            force,
		Context:          raw,
	})
}

// CreateIndexingJob creates the indexing job consuming a chunking job's
// output.
func (m *Manager) CreateIndexingJob(ctx context.Context, doc *domain.Document, initiatorID uuid.UUID, force bool, ictx IndexingContext) (*domain.Job, error) {
	raw, err := json.Marshal(ictx)
	if err != nil {
		return nil, fmt.Errorf("marshal indexing context: %w", err)
	}
	return m.CreateJob(ctx, CreateParams{
		DocumentID:       &doc.ID,
		KnowledgeSpaceID: doc.KnowledgeSpaceID,
		InitiatorID:      initiatorID,
		Type:             domain.JobTypeIndexing,
		Force:            force,
		Context:          raw,
	})
}

// CreateTaggingJob creates the tagging job for a document.
func (m *Manager) CreateTaggingJob(ctx context.Context, doc *domain.Document, initiatorID uuid.UUID, force bool) (*domain.Job, error) {
	raw, err := json.Marshal(TaggingContext{Force: force})
	if err != nil {
		return nil, fmt.Errorf("marshal tagging context: %w", err)
	}
	return m.CreateJob(ctx, CreateParams{
		DocumentID:       &doc.ID,
		KnowledgeSpaceID: doc.KnowledgeSpaceID,
		InitiatorID:      initiatorID,
		Type:             domain.JobTypeTagging,
		Force:            force,
		Context:          raw,
	})
}

// CreateAssetAnalysisJob creates one per-asset analysis job. Deduplication
// across assets is the Asset Analysis Coordinator's responsibility.
func (m *Manager) CreateAssetAnalysisJob(ctx context.Context, doc *domain.Document, initiatorID, assetID uuid.UUID, force bool, strategy string) (*domain.Job, error) {
	raw, err := json.Marshal(AssetAnalysisContext{AssetID: assetID, Force: force, Strategy: strategy})
	if err != nil {
		return nil, fmt.Errorf("marshal asset analysis context: %w", err)
	}
	return m.CreateJob(ctx, CreateParams{
		DocumentID:       &doc.ID,
		KnowledgeSpaceID: doc.KnowledgeSpaceID,
		InitiatorID:      initiatorID,
		Type:             domain.JobTypeAssetAnalysis,
		Force:            force,
		Context:          raw,
	})
}

// DeleteJob removes a job row. Only the coordinator's delete-and-recreate
// path uses this; lifecycle transitions never delete.
func (m *Manager) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return m.store.Jobs().Delete(ctx, id)
}

// Filters returns the manager's filter snapshot defaults.
func (m *Manager) Filters() FilterSnapshot {
	return m.filters
}
