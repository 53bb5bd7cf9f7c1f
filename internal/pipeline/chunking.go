package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"kbengine/internal/domain"
	"kbengine/internal/providers/search"
)

// chunkingResult is the job result persisted by a completed chunking run.
type chunkingResult struct {
	ChunkContentID   uuid.UUID `json:"chunk_content_id"`
	TotalChunks      int       `json:"total_chunks"`
	AverageChunkSize int       `json:"average_chunk_size"`
	Strategy         string    `json:"strategy"`
}

// HandleContentExtracted consumes document.content_extracted. One event fans
// out to two follow-ups: the chunking stage, and the asset-analysis
// reconciliation over the extracted asset set. Both are idempotent, so a
// redelivery that already chunked only re-runs reconciliation to a fixed
// point.
func (s *Service) HandleContentExtracted(ctx context.Context, msg domain.EventMessage) error {
	var payload domain.DocumentContentExtractedPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.Error().Err(err).Str("event_id", msg.EventID.String()).Msg("pipeline: malformed extraction payload dropped")
		return nil
	}
	doc, err := s.store.Documents().GetByID(ctx, payload.DocumentID)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn().Str("document_id", payload.DocumentID.String()).Msg("pipeline: extracted document no longer exists")
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.runChunking(ctx, doc, payload, msg.CorrelationID); err != nil {
		return err
	}
	if _, err := s.coord.Reconcile(ctx, doc, payload.ExtractedAssetIDs, payload.Force, uuid.Nil); err != nil {
		return fmt.Errorf("reconcile assets for %s: %w", doc.ID, err)
	}
	return nil
}

func (s *Service) runChunking(ctx context.Context, doc *domain.Document, payload domain.DocumentContentExtractedPayload, correlationID uuid.UUID) error {
	job, err := s.manager.CreateChunkingJob(ctx, doc, uuid.Nil, payload.Force, s.chunker.Name())
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusRunning {
		return nil
	}
	if job.Status.Terminal() {
		// A prior delivery finished this stage already.
		return nil
	}
	if _, err := s.manager.StartJob(ctx, job.ID); err != nil {
		return err
	}

	_, content, err := s.cas.Read(ctx, domain.BlobCanonicalContent, payload.CanonicalContentID)
	if err != nil {
		return err
	}
	pieces := s.chunker.Split(string(content))
	chunks := make([]search.Chunk, len(pieces))
	total := 0
	for i, text := range pieces {
		chunks[i] = search.Chunk{Ordinal: i, Text: text}
		total += len(text)
	}
	avg := 0
	if len(chunks) > 0 {
		avg = total / len(chunks)
	}

	chunkJSON, err := json.Marshal(chunks)
	if err != nil {
		return err
	}
	handle, err := s.cas.Intern(ctx, domain.BlobCanonicalContent, chunkJSON, doc.Filename+".chunks.json", "application/json")
	if err != nil {
		return err
	}

	if s.jobAborted(ctx, job.ID) {
		s.logger.Info().Str("job_id", job.ID.String()).Msg("pipeline: chunking abandoned, job aborted")
		return nil
	}

	result := chunkingResult{
		ChunkContentID:   handle.ID,
		TotalChunks:      len(chunks),
		AverageChunkSize: avg,
		Strategy:         s.chunker.Name(),
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	event, err := domain.NewEvent(correlationID, doc.ID, domain.EventDocumentChunkingCompleted, domain.DocumentChunkingCompletedPayload{
		DocumentID:           doc.ID,
		TotalChunksCreated:   len(chunks),
		ChunkingStrategyUsed: s.chunker.Name(),
		AverageChunkSize:     avg,
		JobID:                job.ID,
		ChunkContentID:       handle.ID,
	})
	if err != nil {
		return err
	}
	_, err = s.manager.FinalizeJob(ctx, job.ID, domain.JobStatusCompleted, domain.JobUpdate{Result: resultJSON}, event)
	return err
}
