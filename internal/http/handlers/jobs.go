package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"kbengine/internal/domain"
)

// GetJob returns one job.
func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "id must be a uuid")
		return
	}
	job, err := a.Store.Jobs().GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		a.jsonError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		a.jsonError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	a.json(w, http.StatusOK, jobView(job))
}

// CreateJobReq is the body of POST /v1/documents/{id}/jobs.
type CreateJobReq struct {
	Type         string `json:"type"`
	InitiatorID  string `json:"initiator_id"`
	Force        bool   `json:"force"`
	Strategy     string `json:"strategy,omitempty"`
	StrategyName string `json:"strategy_name,omitempty"`
}

// CreateJob schedules one pipeline job for a document.
func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	docID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "id must be a uuid")
		return
	}
	var req CreateJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	initiatorID, err := uuid.Parse(req.InitiatorID)
	if err != nil {
		a.jsonError(w, http.StatusBadRequest, "initiator_id must be a uuid")
		return
	}

	var job *domain.Job
	switch domain.JobType(req.Type) {
	case domain.JobTypeContentExtraction:
		job, err = a.Service.CreateContentExtractionJob(r.Context(), docID, initiatorID, req.Force, req.Strategy)
	case domain.JobTypeChunking:
		job, err = a.Service.CreateChunkingJob(r.Context(), docID, initiatorID, req.Force, req.StrategyName)
	case domain.JobTypeTagging:
		job, err = a.Service.CreateTaggingJob(r.Context(), docID, initiatorID, req.Force)
	default:
		a.jsonError(w, http.StatusBadRequest, "unsupported job type")
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		a.jsonError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		a.Logger.Error().Err(err).Str("document_id", docID.String()).Str("job_type", req.Type).Msg("http: job creation failed")
		a.jsonError(w, http.StatusInternalServerError, "job creation failed")
		return
	}
	a.json(w, http.StatusCreated, jobView(job))
}

func jobView(job *domain.Job) map[string]any {
	return map[string]any{
		"id":                 job.ID,
		"document_id":        job.DocumentID,
		"knowledge_space_id": job.KnowledgeSpaceID,
		"job_type":           job.Type,
		"status":             job.Status,
		"progress":           job.Progress,
		"result":             job.Result,
		"error_message":      job.ErrorMessage,
		"requeue_count":      job.RequeueCount,
		"created_at":         job.CreatedAt,
		"updated_at":         job.UpdatedAt,
	}
}
