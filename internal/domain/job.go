package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobType enumerates the fixed pipeline stages.
type JobType string

const (
	JobTypeContentExtraction   JobType = "content_extraction"
	JobTypeDocumentProcessing  JobType = "document_processing"
	JobTypeChunking            JobType = "chunking"
	JobTypeTagging             JobType = "tagging"
	JobTypeAssetAnalysis       JobType = "asset_analysis"
	JobTypeIndexing            JobType = "indexing"
	JobTypeKnowledgeSpaceBatch JobType = "knowledge_space_batch"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusPaused    JobStatus = "PAUSED"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
	JobStatusAborted   JobStatus = "ABORTED"
)

// Active reports whether the status counts against the
// one-active-job-per-(document, job_type) invariant.
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// Terminal reports whether the status is final. Terminal jobs reject further
// transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusAborted:
		return true
	}
	return false
}

// Job is a unit of orchestrated work bound to one document, except for
// knowledge-space batch jobs which have no document.
type Job struct {
	ID               uuid.UUID
	DocumentID       *uuid.UUID
	KnowledgeSpaceID uuid.UUID
	InitiatorID      uuid.UUID
	Type             JobType
	Status           JobStatus
	Progress         json.RawMessage
	Context          json.RawMessage
	Result           json.RawMessage
	ErrorMessage     string
	RequeueCount     int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
