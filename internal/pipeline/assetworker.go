package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"kbengine/internal/domain"
	"kbengine/internal/jobs"
)

// RunAssetAnalysisExecutor claims and executes pending asset-analysis jobs
// until the context is cancelled. Analysis jobs have no triggering event of
// their own (the coordinator creates them in bulk), so they are pulled from
// the job table queue-style.
func (s *Service) RunAssetAnalysisExecutor(ctx context.Context, interval time.Duration, batchSize int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		claimed, err := s.manager.ClaimPending(ctx, domain.JobTypeAssetAnalysis, batchSize)
		if err != nil {
			s.logger.Error().Err(err).Msg("pipeline: asset analysis claim failed")
		}
		for i := range claimed {
			s.executeAnalysisJob(ctx, &claimed[i])
		}
		// Drain immediately while full batches keep coming.
		if len(claimed) == batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// executeAnalysisJob runs one claimed analysis job to a terminal state. Every
// failure path finalizes the job; nothing is left RUNNING except a crash,
// which the stale-job sweep recovers.
func (s *Service) executeAnalysisJob(ctx context.Context, job *domain.Job) {
	fail := func(cause error) {
		s.logger.Error().Err(cause).Str("job_id", job.ID.String()).Msg("pipeline: asset analysis failed")
		if _, err := s.manager.FinalizeJob(ctx, job.ID, domain.JobStatusFailed, domain.JobUpdate{ErrorMessage: cause.Error()}); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("pipeline: finalize FAILED did not apply")
		}
	}

	var jctx jobs.AssetAnalysisContext
	if err := json.Unmarshal(job.Context, &jctx); err != nil {
		fail(fmt.Errorf("decode job context: %w", err))
		return
	}
	if job.DocumentID == nil {
		fail(errors.New("analysis job has no document"))
		return
	}

	doc, err := s.store.Documents().GetByID(ctx, *job.DocumentID)
	if err != nil {
		fail(fmt.Errorf("load document: %w", err))
		return
	}
	asset, data, err := s.cas.Read(ctx, domain.BlobAsset, jctx.AssetID)
	if err != nil {
		fail(fmt.Errorf("read asset: %w", err))
		return
	}

	analysis, err := s.vision.Analyze(ctx, data, asset.MIMEType, doc.Filename)
	if err != nil {
		fail(fmt.Errorf("vision: %w", err))
		return
	}

	if s.jobAborted(ctx, job.ID) {
		s.logger.Info().Str("job_id", job.ID.String()).Msg("pipeline: analysis abandoned, job aborted")
		return
	}

	dac, err := s.store.AssetContexts().Get(ctx, doc.ID, jctx.AssetID)
	if err != nil {
		fail(fmt.Errorf("load asset context: %w", err))
		return
	}
	resultJSON, err := json.Marshal(analysis)
	if err != nil {
		fail(err)
		return
	}
	if err := s.store.AssetContexts().SetResult(ctx, dac.ID, resultJSON); err != nil {
		fail(fmt.Errorf("store analysis result: %w", err))
		return
	}

	event, err := domain.NewEvent(job.ID, doc.ID, domain.EventAssetAnalysisCompleted, domain.AssetAnalysisCompletedPayload{
		AssetID:     jctx.AssetID,
		DocumentID:  doc.ID,
		Description: analysis.Description,
		Tags:        analysis.Tags,
		TraceInfo:   map[string]string{"model": analysis.Model},
	})
	if err != nil {
		fail(err)
		return
	}
	if _, err := s.manager.FinalizeJob(ctx, job.ID, domain.JobStatusCompleted, domain.JobUpdate{Result: resultJSON}, event); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("pipeline: finalize COMPLETED did not apply")
	}
}

// taggingResult is the job result persisted by a completed tagging run.
type taggingResult struct {
	Tags []string `json:"tags"`
}

// HandleAssetAnalysisCompleted consumes asset.analysis_completed: each
// completed analysis refreshes the document's tag set under a tagging job,
// merging tags from every analyzed asset context on record.
func (s *Service) HandleAssetAnalysisCompleted(ctx context.Context, msg domain.EventMessage) error {
	var payload domain.AssetAnalysisCompletedPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.Error().Err(err).Str("event_id", msg.EventID.String()).Msg("pipeline: malformed analysis payload dropped")
		return nil
	}
	doc, err := s.store.Documents().GetByID(ctx, payload.DocumentID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	job, err := s.manager.CreateTaggingJob(ctx, doc, uuid.Nil, false)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusRunning {
		return nil
	}
	if _, err := s.manager.StartJob(ctx, job.ID); err != nil {
		return err
	}

	contexts, err := s.store.AssetContexts().ListByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	tags := mergeTags(contexts)

	resultJSON, err := json.Marshal(taggingResult{Tags: tags})
	if err != nil {
		return err
	}
	_, err = s.manager.FinalizeJob(ctx, job.ID, domain.JobStatusCompleted, domain.JobUpdate{Result: resultJSON})
	return err
}

func mergeTags(contexts []domain.DocumentAssetContext) []string {
	seen := make(map[string]struct{})
	for i := range contexts {
		c := &contexts[i]
		if !c.HasResult() {
			continue
		}
		var analysis struct {
			Tags []string `json:"tags"`
		}
		if err := json.Unmarshal(c.AnalysisResult, &analysis); err != nil {
			continue
		}
		for _, t := range analysis.Tags {
			seen[t] = struct{}{}
		}
	}
	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
