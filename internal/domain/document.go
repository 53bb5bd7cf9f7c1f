package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DocumentStatus tracks a document's place in the pipeline.
type DocumentStatus string

const (
	DocumentStatusUploaded            DocumentStatus = "UPLOADED"
	DocumentStatusPending             DocumentStatus = "PENDING"
	DocumentStatusRunning             DocumentStatus = "RUNNING"
	DocumentStatusProcessed           DocumentStatus = "PROCESSED"
	DocumentStatusFailed              DocumentStatus = "FAILED"
	DocumentStatusArchivedAsDuplicate DocumentStatus = "ARCHIVED_AS_DUPLICATE"
)

// Document is a node in the (possibly nested) document tree of a knowledge
// space. ParentDocumentID is set for children derived by container
// decomposition.
type Document struct {
	ID                 uuid.UUID
	KnowledgeSpaceID   uuid.UUID
	ParentDocumentID   *uuid.UUID
	OriginalID         uuid.UUID
	CanonicalContentID *uuid.UUID
	Filename           string
	MIMEType           string
	Status             DocumentStatus
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// BlobKind selects which content-addressed table a blob record lives in.
type BlobKind string

const (
	BlobOriginal         BlobKind = "originals"
	BlobAsset            BlobKind = "assets"
	BlobCanonicalContent BlobKind = "canonical_contents"
)

// Blob is a content-hash-keyed record shared by originals, assets and
// canonical contents. Storage for a blob is reclaimed only when its
// reference count reaches zero.
type Blob struct {
	ID             uuid.UUID
	Kind           BlobKind
	ContentHash    string
	StorageKey     string
	Filename       string
	MIMEType       string
	SizeBytes      int64
	ReferenceCount int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DocumentAssetContext joins a document to an asset and carries the
// per-document analysis result; the same asset may be described differently
// in different documents.
type DocumentAssetContext struct {
	ID             uuid.UUID
	DocumentID     uuid.UUID
	AssetID        uuid.UUID
	AnalysisResult json.RawMessage
	AnalysisJobID  *uuid.UUID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasResult reports whether a completed analysis result is recorded.
func (c *DocumentAssetContext) HasResult() bool {
	return len(c.AnalysisResult) > 0 && string(c.AnalysisResult) != "null"
}
