package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"kbengine/internal/domain"
	"kbengine/internal/jobs"
	"kbengine/internal/providers/search"
)

// indexingResult is the job result persisted by a completed indexing run.
type indexingResult struct {
	ChunksIndexed int `json:"chunks_indexed"`
}

// HandleChunkingCompleted consumes document.chunking_completed and pushes the
// chunk set to the search backend under an indexing job.
func (s *Service) HandleChunkingCompleted(ctx context.Context, msg domain.EventMessage) error {
	var payload domain.DocumentChunkingCompletedPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.Error().Err(err).Str("event_id", msg.EventID.String()).Msg("pipeline: malformed chunking payload dropped")
		return nil
	}
	doc, err := s.store.Documents().GetByID(ctx, payload.DocumentID)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn().Str("document_id", payload.DocumentID.String()).Msg("pipeline: chunked document no longer exists")
		return nil
	}
	if err != nil {
		return err
	}

	job, err := s.manager.CreateIndexingJob(ctx, doc, uuid.Nil, false, jobs.IndexingContext{
		ChunkContentID: payload.ChunkContentID,
		ChunkingJobID:  payload.JobID,
	})
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusRunning || job.Status.Terminal() {
		return nil
	}
	if _, err := s.manager.StartJob(ctx, job.ID); err != nil {
		return err
	}

	_, chunkJSON, err := s.cas.Read(ctx, domain.BlobCanonicalContent, payload.ChunkContentID)
	if err != nil {
		return err
	}
	var chunks []search.Chunk
	if err := json.Unmarshal(chunkJSON, &chunks); err != nil {
		cause := fmt.Errorf("decode chunk content %s: %w", payload.ChunkContentID, err)
		if _, ferr := s.manager.FinalizeJob(ctx, job.ID, domain.JobStatusFailed, domain.JobUpdate{ErrorMessage: cause.Error()}); ferr != nil {
			s.logger.Error().Err(ferr).Str("job_id", job.ID.String()).Msg("pipeline: finalize FAILED did not apply")
		}
		return nil
	}

	indexed, err := s.search.IndexChunks(ctx, doc.ID, doc.KnowledgeSpaceID, chunks)
	if err != nil {
		// Transient backend failure: leave the job RUNNING for the stale-job
		// sweep and let the message requeue.
		return fmt.Errorf("index chunks for %s: %w", doc.ID, err)
	}

	if s.jobAborted(ctx, job.ID) {
		s.logger.Info().Str("job_id", job.ID.String()).Msg("pipeline: indexing abandoned, job aborted")
		return nil
	}

	resultJSON, err := json.Marshal(indexingResult{ChunksIndexed: indexed})
	if err != nil {
		return err
	}
	_, err = s.manager.FinalizeJob(ctx, job.ID, domain.JobStatusCompleted, domain.JobUpdate{Result: resultJSON})
	return err
}
