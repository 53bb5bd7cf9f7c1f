package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"kbengine/internal/domain"
	"kbengine/internal/pipeline"
)

// UploadDocument accepts a multipart upload and submits it for processing.
// Form fields: file, knowledge_space_id, initiator_id, force,
// content_extraction_strategy, asset_analysis_strategy,
// chunking_strategy_name.
func (a *App) UploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(a.MaxUploadBytes); err != nil {
		a.jsonError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, a.MaxUploadBytes+1))
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "read upload failed")
		return
	}
	if int64(len(data)) > a.MaxUploadBytes {
		a.jsonError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		return
	}

	ksID, err := uuid.Parse(r.FormValue("knowledge_space_id"))
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "knowledge_space_id must be a uuid")
		return
	}
	initiatorID, err := uuid.Parse(r.FormValue("initiator_id"))
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "initiator_id must be a uuid")
		return
	}

	doc, err := a.Service.SubmitDocumentForProcessing(r.Context(), pipeline.SubmitParams{
		KnowledgeSpaceID:          ksID,
		InitiatorID:               initiatorID,
		Filename:                  header.Filename,
		DeclaredType:              header.Header.Get("Content-Type"),
		Data:                      data,
		Force:                     r.FormValue("force") == "true",
		ContentExtractionStrategy: r.FormValue("content_extraction_strategy"),
		AssetAnalysisStrategy:     r.FormValue("asset_analysis_strategy"),
		ChunkingStrategyName:      r.FormValue("chunking_strategy_name"),
	})
	if err != nil {
		a.Logger.Error().Err(err).Msg("http: document submission failed")
		a.jsonError(w, http.StatusInternalServerError, "submission failed")
		return
	}
	a.json(w, http.StatusAccepted, documentView(doc))
}

// GetDocument returns a document with its children and jobs.
func (a *App) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "id must be a uuid")
		return
	}
	doc, err := a.Store.Documents().GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		a.jsonError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		a.jsonError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	children, err := a.Store.Documents().ListChildren(r.Context(), id)
	if err != nil {
		a.jsonError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	jobs, err := a.Store.Jobs().ListByDocument(r.Context(), id)
	if err != nil {
		a.jsonError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	childViews := make([]map[string]any, len(children))
	for i := range children {
		childViews[i] = documentView(&children[i])
	}
	jobViews := make([]map[string]any, len(jobs))
	for i := range jobs {
		jobViews[i] = jobView(&jobs[i])
	}
	view := documentView(doc)
	view["children"] = childViews
	view["jobs"] = jobViews
	a.json(w, http.StatusOK, view)
}

// ListDocumentEvents returns the outbox history of a document.
func (a *App) ListDocumentEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "id must be a uuid")
		return
	}
	events, err := a.Store.Events().ListByAggregate(r.Context(), id)
	if err != nil {
		a.jsonError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	views := make([]map[string]any, len(events))
	for i := range events {
		e := &events[i]
		views[i] = map[string]any{
			"id":             e.ID,
			"correlation_id": e.CorrelationID,
			"event_type":     e.EventType,
			"status":         e.Status,
			"created_at":     e.CreatedAt,
			"processed_at":   e.ProcessedAt,
			"error_message":  e.ErrorMessage,
		}
	}
	a.json(w, http.StatusOK, map[string]any{"events": views})
}

// CreateAnalysisJobs reconciles asset-analysis jobs for a document and
// returns the coordinator report.
func (a *App) CreateAnalysisJobs(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "id must be a uuid")
		return
	}
	initiatorID, err := uuid.Parse(r.URL.Query().Get("initiator_id"))
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "initiator_id must be a uuid")
		return
	}
	force := r.URL.Query().Get("force") == "true"

	report, err := a.Service.CreateAssetAnalysisJobsForDocument(r.Context(), id, initiatorID, force)
	if errors.Is(err, domain.ErrNotFound) {
		a.jsonError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		a.Logger.Error().Err(err).Str("document_id", id.String()).Msg("http: analysis reconciliation failed")
		a.jsonError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	a.json(w, http.StatusOK, report)
}

func documentView(doc *domain.Document) map[string]any {
	return map[string]any{
		"id":                   doc.ID,
		"knowledge_space_id":   doc.KnowledgeSpaceID,
		"parent_document_id":   doc.ParentDocumentID,
		"original_id":          doc.OriginalID,
		"canonical_content_id": doc.CanonicalContentID,
		"filename":             doc.Filename,
		"mime_type":            doc.MIMEType,
		"status":               doc.Status,
		"created_at":           doc.CreatedAt,
		"updated_at":           doc.UpdatedAt,
	}
}
