package domain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Store bundles the repositories over the engine's persisted state. WithinTx
// yields a Store whose repositories share one transaction; this is how the
// outbox pattern couples event staging to the business mutation.
type Store interface {
	Jobs() JobRepository
	Events() EventRepository
	Documents() DocumentRepository
	Blobs() BlobRepository
	AssetContexts() AssetContextRepository

	// InTx reports whether this store is bound to an open transaction.
	InTx() bool
	// WithinTx runs fn against a transaction-bound store, committing on nil
	// and rolling back on error.
	WithinTx(ctx context.Context, fn func(Store) error) error
}

// EventRepository persists the domain event outbox.
type EventRepository interface {
	// Stage appends a PENDING event on the caller's open transaction. It
	// returns ErrNoTransaction when invoked on a store that is not
	// transaction-bound: an event must never outlive a rolled-back mutation.
	Stage(ctx context.Context, event *DomainEvent) error
	// ClaimPending selects up to limit PENDING events ordered by creation
	// time with row-level locks, skipping rows locked by concurrent relay
	// instances.
	ClaimPending(ctx context.Context, limit int) ([]DomainEvent, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	// RecordPublishError notes a failed publish attempt while leaving the
	// event PENDING for the next cycle.
	RecordPublishError(ctx context.Context, id uuid.UUID, errMsg string) error
	ListByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]DomainEvent, error)
}

// JobUpdate carries the optional fields written by a status transition.
type JobUpdate struct {
	Result       json.RawMessage
	ErrorMessage string
}

// JobRepository persists jobs. Job rows are mutated only through the
// lifecycle manager so the state machine stays enforceable in one place.
type JobRepository interface {
	// Create inserts a PENDING job. It returns ErrConflict when another
	// PENDING or RUNNING job exists for the same (document, type).
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	// FindActive returns the PENDING or RUNNING job for (documentID, t), or
	// ErrNotFound.
	FindActive(ctx context.Context, documentID uuid.UUID, t JobType) (*Job, error)
	// Transition moves a job from one of the given statuses to the target.
	// When the current status is not in from, it returns the unmodified job
	// together with ErrInvalidTransition so callers can inspect the state
	// they lost to.
	Transition(ctx context.Context, id uuid.UUID, from []JobStatus, to JobStatus, upd JobUpdate) (*Job, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error
	Delete(ctx context.Context, id uuid.UUID) error
	// AbortActive bulk-transitions PENDING/RUNNING jobs for the documents to
	// ABORTED. A nil job type matches all types. Returns the number aborted.
	AbortActive(ctx context.Context, documentIDs []uuid.UUID, t *JobType, reason string) (int, error)
	// RequeueStale returns RUNNING jobs untouched for longer than olderThan
	// to PENDING, or fails them once maxRequeues is exhausted. Returns the
	// affected jobs.
	RequeueStale(ctx context.Context, olderThan time.Duration, maxRequeues int) ([]Job, error)
	// ClaimPending locks and starts up to limit PENDING jobs of one type,
	// skipping rows claimed by concurrent workers.
	ClaimPending(ctx context.Context, t JobType, limit int) ([]Job, error)
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]Job, error)
}

// DocumentRepository persists the document tree.
type DocumentRepository interface {
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error
	SetCanonicalContent(ctx context.Context, id, contentID uuid.UUID) error
	// FindByOriginalHash locates a document in a knowledge space whose
	// original content carries the given hash.
	FindByOriginalHash(ctx context.Context, knowledgeSpaceID uuid.UUID, hash string) (*Document, error)
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]Document, error)
	// DeleteChildren removes the child documents of a parent and returns the
	// deleted ids, used when a forced decomposition re-derives from scratch.
	DeleteChildren(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error)
}

// BlobRepository persists the content-addressed tables.
type BlobRepository interface {
	// Insert creates a blob with reference count 1. It returns ErrConflict
	// when a record with the same (kind, hash) already exists.
	Insert(ctx context.Context, blob *Blob) error
	// IncrementRef bumps the reference count of an existing record and
	// returns it.
	IncrementRef(ctx context.Context, kind BlobKind, hash string) (*Blob, error)
	DecrementRef(ctx context.Context, kind BlobKind, id uuid.UUID) error
	GetByID(ctx context.Context, kind BlobKind, id uuid.UUID) (*Blob, error)
	GetByHash(ctx context.Context, kind BlobKind, hash string) (*Blob, error)
	// DeleteUnreferenced removes records whose reference count reached zero
	// at least grace ago and returns them so blob storage can be reclaimed.
	DeleteUnreferenced(ctx context.Context, kind BlobKind, grace time.Duration) ([]Blob, error)
}

// AssetContextRepository persists document/asset join rows.
type AssetContextRepository interface {
	Create(ctx context.Context, dac *DocumentAssetContext) error
	Get(ctx context.Context, documentID, assetID uuid.UUID) (*DocumentAssetContext, error)
	SetAnalysisJob(ctx context.Context, id uuid.UUID, jobID *uuid.UUID) error
	SetResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]DocumentAssetContext, error)
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int, error)
}
