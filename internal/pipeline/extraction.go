package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"kbengine/internal/decompose"
	"kbengine/internal/domain"
	"kbengine/internal/jobs"
)

// extractionResult is the job result persisted by a completed extraction.
type extractionResult struct {
	CanonicalContentID uuid.UUID                    `json:"canonical_content_id"`
	ExtractedAssetIDs  []uuid.UUID                  `json:"extracted_asset_ids"`
	Decomposition      *decompose.Result            `json:"decomposition,omitempty"`
	ToolExecutions     []domain.ToolExecutionRecord `json:"tool_executions"`
}

// HandleDocumentRegistered consumes document.registered: it creates and runs
// the content-extraction job for the document, decomposing containers first.
// Redelivery is safe: job creation is idempotent and an in-flight job owned
// by another worker is left alone.
func (s *Service) HandleDocumentRegistered(ctx context.Context, msg domain.EventMessage) error {
	var payload domain.DocumentRegisteredPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.logger.Error().Err(err).Str("event_id", msg.EventID.String()).Msg("pipeline: malformed registered payload dropped")
		return nil
	}

	doc, err := s.store.Documents().GetByID(ctx, payload.DocumentID)
	if errors.Is(err, domain.ErrNotFound) {
		// The document was removed between staging and delivery, e.g. by a
		// forced re-decomposition of its parent.
		s.logger.Warn().Str("document_id", payload.DocumentID.String()).Msg("pipeline: registered document no longer exists")
		return nil
	}
	if err != nil {
		return err
	}
	if doc.Status == domain.DocumentStatusArchivedAsDuplicate {
		return nil
	}

	job, err := s.manager.CreateContentExtractionJob(ctx, doc, payload.InitiatorID, payload.Force, payload.ContentExtractionStrategy)
	if err != nil {
		return err
	}
	if job.Status == domain.JobStatusRunning {
		// Another worker already owns this job; this delivery is a duplicate.
		return nil
	}
	if _, err := s.manager.StartJob(ctx, job.ID); err != nil {
		return err
	}
	if err := s.store.Documents().UpdateStatus(ctx, doc.ID, domain.DocumentStatusRunning); err != nil {
		return err
	}
	return s.runExtraction(ctx, doc, job, msg.CorrelationID, payload)
}

func (s *Service) runExtraction(ctx context.Context, doc *domain.Document, job *domain.Job, correlationID uuid.UUID, payload domain.DocumentRegisteredPayload) error {
	var jctx jobs.ExtractionContext
	if len(job.Context) > 0 {
		if err := json.Unmarshal(job.Context, &jctx); err != nil {
			return s.failExtraction(ctx, doc, job, fmt.Errorf("decode job context: %w", err))
		}
	}

	_, raw, err := s.cas.Read(ctx, domain.BlobOriginal, doc.OriginalID)
	if err != nil {
		return err
	}

	result := extractionResult{}

	if decompose.IsContainer(doc.MIMEType) {
		dec, err := s.engine.Run(ctx, doc, raw, decompose.Options{
			Force:         jctx.Force,
			Filters:       jctx.Filters,
			InitiatorID:   payload.InitiatorID,
			CorrelationID: correlationID,
		})
		if err != nil {
			return s.failExtraction(ctx, doc, job, fmt.Errorf("decompose: %w", err))
		}
		result.Decomposition = dec
		if dec.Rewritten {
			// The parent is processed against the rewritten package, where
			// resolved children are cross-reference tags.
			if _, raw, err = s.cas.Read(ctx, domain.BlobOriginal, dec.EffectiveOriginalID); err != nil {
				return err
			}
		}
		if err := s.manager.ReportProgress(ctx, job.ID, map[string]any{
			"phase":            "decomposed",
			"children_created": len(dec.CreatedDocumentIDs),
			"children_reused":  len(dec.ReusedDocumentIDs),
			"objects_skipped":  len(dec.Skipped),
		}); err != nil {
			return err
		}
	}

	canonical, assetIDs, tools, toolErr := s.extractContent(ctx, raw, doc.MIMEType)
	result.ToolExecutions = tools
	if toolErr != nil {
		return s.failExtraction(ctx, doc, job, toolErr)
	}
	result.ExtractedAssetIDs = assetIDs

	if s.jobAborted(ctx, job.ID) {
		s.logger.Info().Str("job_id", job.ID.String()).Msg("pipeline: extraction abandoned, job aborted")
		return nil
	}

	handle, err := s.cas.Intern(ctx, domain.BlobCanonicalContent, canonical, doc.Filename+".md", "text/markdown")
	if err != nil {
		return err
	}
	result.CanonicalContentID = handle.ID

	// A re-extraction replaces the canonical content; drop the old reference
	// so the janitor can reclaim it.
	if doc.CanonicalContentID != nil && *doc.CanonicalContentID != handle.ID {
		if err := s.cas.Release(ctx, domain.BlobCanonicalContent, *doc.CanonicalContentID); err != nil {
			s.logger.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("pipeline: release of prior canonical content failed")
		}
	}

	err = s.store.WithinTx(ctx, func(tx domain.Store) error {
		if err := tx.Documents().SetCanonicalContent(ctx, doc.ID, handle.ID); err != nil {
			return err
		}
		return tx.Documents().UpdateStatus(ctx, doc.ID, domain.DocumentStatusProcessed)
	})
	if err != nil {
		return err
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	event, err := domain.NewEvent(correlationID, doc.ID, domain.EventDocumentContentExtracted, domain.DocumentContentExtractedPayload{
		DocumentID:           doc.ID,
		ExtractedAssetIDs:    assetIDs,
		CanonicalContentID:   handle.ID,
		ToolExecutionRecords: tools,
		Force:                jctx.Force,
	})
	if err != nil {
		return err
	}
	_, err = s.manager.FinalizeJob(ctx, job.ID, domain.JobStatusCompleted, domain.JobUpdate{Result: resultJSON}, event)
	return err
}

// extractContent turns original bytes into canonical content plus interned
// assets. Plain-text types pass through untouched; everything else goes
// through the converter and extractor. No transaction is held across these
// calls.
func (s *Service) extractContent(ctx context.Context, raw []byte, mimeType string) ([]byte, []uuid.UUID, []domain.ToolExecutionRecord, error) {
	var tools []domain.ToolExecutionRecord

	if mimeType == "text/plain" || mimeType == "text/markdown" {
		return raw, nil, tools, nil
	}

	pdf := raw
	if mimeType != "application/pdf" {
		start := time.Now()
		converted, err := s.converter.ToPDF(ctx, raw, mimeType)
		tools = append(tools, toolRecord("converter", start, err))
		if err != nil {
			return nil, nil, tools, fmt.Errorf("convert to pdf: %w", err)
		}
		pdf = converted
	}

	start := time.Now()
	extraction, err := s.extractor.Extract(ctx, pdf)
	tools = append(tools, toolRecord("extractor", start, err))
	if err != nil {
		return nil, nil, tools, fmt.Errorf("extract content: %w", err)
	}

	content := string(extraction.CanonicalContent)
	var assetIDs []uuid.UUID
	for _, asset := range extraction.Assets {
		handle, err := s.cas.Intern(ctx, domain.BlobAsset, asset.Data, asset.Filename, asset.MIMEType)
		if err != nil {
			// One failed asset is a local loss, not an extraction failure.
			s.logger.Warn().Err(err).Str("asset_filename", asset.Filename).Msg("pipeline: asset intern failed, reference dropped")
			continue
		}
		if asset.Placeholder != "" {
			content = strings.ReplaceAll(content, asset.Placeholder, "asset://"+handle.ID.String())
		}
		assetIDs = append(assetIDs, handle.ID)
	}
	return []byte(content), assetIDs, tools, nil
}

// failExtraction finalizes the job FAILED and marks the document FAILED. The
// returned error is nil: a stage-terminal failure must not requeue the
// message.
func (s *Service) failExtraction(ctx context.Context, doc *domain.Document, job *domain.Job, cause error) error {
	s.logger.Error().Err(cause).
		Str("document_id", doc.ID.String()).
		Str("job_id", job.ID.String()).
		Msg("pipeline: content extraction failed")
	if _, err := s.manager.FinalizeJob(ctx, job.ID, domain.JobStatusFailed, domain.JobUpdate{ErrorMessage: cause.Error()}); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("pipeline: finalize FAILED did not apply")
	}
	if err := s.store.Documents().UpdateStatus(ctx, doc.ID, domain.DocumentStatusFailed); err != nil {
		s.logger.Error().Err(err).Str("document_id", doc.ID.String()).Msg("pipeline: document FAILED status did not apply")
	}
	return nil
}

func toolRecord(tool string, start time.Time, err error) domain.ToolExecutionRecord {
	rec := domain.ToolExecutionRecord{
		Tool:       tool,
		DurationMS: time.Since(start).Milliseconds(),
		Succeeded:  err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}
