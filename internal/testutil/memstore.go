// Package testutil provides an in-memory domain.Store for package tests, so
// repository-dependent logic can be exercised without Postgres.
package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kbengine/internal/domain"
)

// MemStore is an in-memory domain.Store. WithinTx snapshots all state and
// restores it when fn fails, mirroring transactional rollback closely enough
// for the invariants under test.
type MemStore struct {
	mu   sync.Mutex
	inTx bool

	clock int64

	jobs      map[uuid.UUID]domain.Job
	events    map[uuid.UUID]domain.DomainEvent
	documents map[uuid.UUID]domain.Document
	blobs     map[uuid.UUID]domain.Blob
	contexts  map[uuid.UUID]domain.DocumentAssetContext
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:      make(map[uuid.UUID]domain.Job),
		events:    make(map[uuid.UUID]domain.DomainEvent),
		documents: make(map[uuid.UUID]domain.Document),
		blobs:     make(map[uuid.UUID]domain.Blob),
		contexts:  make(map[uuid.UUID]domain.DocumentAssetContext),
	}
}

// now returns a strictly increasing timestamp so creation-order queries are
// deterministic even within one wall-clock tick.
func (s *MemStore) now() time.Time {
	s.clock++
	return time.Unix(0, s.clock*int64(time.Millisecond))
}

func (s *MemStore) Jobs() domain.JobRepository                  { return &memJobs{s} }
func (s *MemStore) Events() domain.EventRepository              { return &memEvents{s} }
func (s *MemStore) Documents() domain.DocumentRepository        { return &memDocuments{s} }
func (s *MemStore) Blobs() domain.BlobRepository                { return &memBlobs{s} }
func (s *MemStore) AssetContexts() domain.AssetContextRepository { return &memContexts{s} }

func (s *MemStore) InTx() bool { return s.inTx }

func (s *MemStore) WithinTx(ctx context.Context, fn func(domain.Store) error) error {
	s.mu.Lock()
	if s.inTx {
		s.mu.Unlock()
		return fn(s) // nested scope joins the outer one
	}
	snap := s.snapshot()
	s.inTx = true
	s.mu.Unlock()

	err := fn(s)

	s.mu.Lock()
	s.inTx = false
	if err != nil {
		s.restore(snap)
	}
	s.mu.Unlock()
	return err
}

type memSnapshot struct {
	jobs      map[uuid.UUID]domain.Job
	events    map[uuid.UUID]domain.DomainEvent
	documents map[uuid.UUID]domain.Document
	blobs     map[uuid.UUID]domain.Blob
	contexts  map[uuid.UUID]domain.DocumentAssetContext
}

func (s *MemStore) snapshot() memSnapshot {
	return memSnapshot{
		jobs:      cloneMap(s.jobs),
		events:    cloneMap(s.events),
		documents: cloneMap(s.documents),
		blobs:     cloneMap(s.blobs),
		contexts:  cloneMap(s.contexts),
	}
}

func (s *MemStore) restore(snap memSnapshot) {
	s.jobs = snap.jobs
	s.events = snap.events
	s.documents = snap.documents
	s.blobs = snap.blobs
	s.contexts = snap.contexts
}

func cloneMap[V any](m map[uuid.UUID]V) map[uuid.UUID]V {
	out := make(map[uuid.UUID]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Events returns every event staged for an aggregate, in creation order.
func (s *MemStore) EventsForAggregate(aggregateID uuid.UUID) []domain.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DomainEvent
	for _, e := range s.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	sortEvents(out)
	return out
}

// JobCount reports the number of job rows of one type.
func (s *MemStore) JobCount(t domain.JobType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Type == t {
			n++
		}
	}
	return n
}

func sortEvents(events []domain.DomainEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].ID.String() < events[j].ID.String()
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}

// --- jobs ---

type memJobs struct{ s *MemStore }

func (r *memJobs) Create(ctx context.Context, job *domain.Job) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if job.DocumentID != nil && job.Type != domain.JobTypeAssetAnalysis {
		for _, j := range r.s.jobs {
			if j.DocumentID != nil && *j.DocumentID == *job.DocumentID && j.Type == job.Type && j.Status.Active() {
				return domain.ErrConflict
			}
		}
	}
	job.CreatedAt = r.s.now()
	job.UpdatedAt = job.CreatedAt
	r.s.jobs[job.ID] = *job
	return nil
}

func (r *memJobs) GetByID(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &j, nil
}

func (r *memJobs) FindActive(ctx context.Context, documentID uuid.UUID, t domain.JobType) (*domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, j := range r.s.jobs {
		if j.DocumentID != nil && *j.DocumentID == documentID && j.Type == t && j.Status.Active() {
			out := j
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memJobs) Transition(ctx context.Context, id uuid.UUID, from []domain.JobStatus, to domain.JobStatus, upd domain.JobUpdate) (*domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	allowed := false
	for _, f := range from {
		if j.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		out := j
		return &out, domain.ErrInvalidTransition
	}
	j.Status = to
	if upd.Result != nil {
		j.Result = upd.Result
	}
	if upd.ErrorMessage != "" {
		j.ErrorMessage = upd.ErrorMessage
	}
	j.UpdatedAt = r.s.now()
	r.s.jobs[id] = j
	out := j
	return &out, nil
}

func (r *memJobs) UpdateProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Progress = progress
	j.UpdatedAt = r.s.now()
	r.s.jobs[id] = j
	return nil
}

func (r *memJobs) Delete(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.s.jobs, id)
	return nil
}

func (r *memJobs) AbortActive(ctx context.Context, documentIDs []uuid.UUID, t *domain.JobType, reason string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	targets := make(map[uuid.UUID]struct{}, len(documentIDs))
	for _, id := range documentIDs {
		targets[id] = struct{}{}
	}
	n := 0
	for id, j := range r.s.jobs {
		if j.DocumentID == nil || !j.Status.Active() {
			continue
		}
		if _, ok := targets[*j.DocumentID]; !ok {
			continue
		}
		if t != nil && j.Type != *t {
			continue
		}
		j.Status = domain.JobStatusAborted
		j.ErrorMessage = reason
		j.UpdatedAt = r.s.now()
		r.s.jobs[id] = j
		n++
	}
	return n, nil
}

func (r *memJobs) RequeueStale(ctx context.Context, olderThan time.Duration, maxRequeues int) ([]domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cutoff := r.s.now().Add(-olderThan)
	var out []domain.Job
	for id, j := range r.s.jobs {
		if j.Status != domain.JobStatusRunning || j.UpdatedAt.After(cutoff) {
			continue
		}
		if j.RequeueCount >= maxRequeues {
			j.Status = domain.JobStatusFailed
			j.ErrorMessage = "requeue budget exhausted"
		} else {
			j.Status = domain.JobStatusPending
			j.RequeueCount++
		}
		j.UpdatedAt = r.s.now()
		r.s.jobs[id] = j
		out = append(out, j)
	}
	return out, nil
}

func (r *memJobs) ClaimPending(ctx context.Context, t domain.JobType, limit int) ([]domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var pending []domain.Job
	for _, j := range r.s.jobs {
		if j.Type == t && j.Status == domain.JobStatusPending {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(i, k int) bool { return pending[i].CreatedAt.Before(pending[k].CreatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	for i := range pending {
		j := pending[i]
		j.Status = domain.JobStatusRunning
		j.UpdatedAt = r.s.now()
		r.s.jobs[j.ID] = j
		pending[i] = j
	}
	return pending, nil
}

func (r *memJobs) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]domain.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Job
	for _, j := range r.s.jobs {
		if j.DocumentID != nil && *j.DocumentID == documentID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// --- events ---

type memEvents struct{ s *MemStore }

func (r *memEvents) Stage(ctx context.Context, event *domain.DomainEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if !r.s.inTx {
		return domain.ErrNoTransaction
	}
	event.CreatedAt = r.s.now()
	r.s.events[event.ID] = *event
	return nil
}

func (r *memEvents) ClaimPending(ctx context.Context, limit int) ([]domain.DomainEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.DomainEvent
	for _, e := range r.s.events {
		if e.Status == domain.EventStatusPending {
			out = append(out, e)
		}
	}
	sortEvents(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memEvents) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return r.setStatus(id, domain.EventStatusProcessed, "")
}

func (r *memEvents) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.setStatus(id, domain.EventStatusFailed, errMsg)
}

func (r *memEvents) RecordPublishError(ctx context.Context, id uuid.UUID, errMsg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.ErrorMessage = errMsg
	r.s.events[id] = e
	return nil
}

func (r *memEvents) setStatus(id uuid.UUID, status domain.EventStatus, errMsg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok {
		return domain.ErrNotFound
	}
	e.Status = status
	if errMsg != "" {
		e.ErrorMessage = errMsg
	}
	if status == domain.EventStatusProcessed {
		now := r.s.now()
		e.ProcessedAt = &now
	}
	r.s.events[id] = e
	return nil
}

func (r *memEvents) ListByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]domain.DomainEvent, error) {
	return r.s.EventsForAggregate(aggregateID), nil
}

// --- documents ---

type memDocuments struct{ s *MemStore }

func (r *memDocuments) Create(ctx context.Context, doc *domain.Document) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	doc.CreatedAt = r.s.now()
	doc.UpdatedAt = doc.CreatedAt
	r.s.documents[doc.ID] = *doc
	return nil
}

func (r *memDocuments) GetByID(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.documents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &d, nil
}

func (r *memDocuments) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.DocumentStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.documents[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.Status = status
	d.UpdatedAt = r.s.now()
	r.s.documents[id] = d
	return nil
}

func (r *memDocuments) SetCanonicalContent(ctx context.Context, id, contentID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.documents[id]
	if !ok {
		return domain.ErrNotFound
	}
	d.CanonicalContentID = &contentID
	d.UpdatedAt = r.s.now()
	r.s.documents[id] = d
	return nil
}

func (r *memDocuments) FindByOriginalHash(ctx context.Context, knowledgeSpaceID uuid.UUID, hash string) (*domain.Document, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.documents {
		if d.KnowledgeSpaceID != knowledgeSpaceID {
			continue
		}
		b, ok := r.s.blobs[d.OriginalID]
		if ok && b.Kind == domain.BlobOriginal && strings.EqualFold(b.ContentHash, hash) {
			out := d
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memDocuments) ListChildren(ctx context.Context, parentID uuid.UUID) ([]domain.Document, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.Document
	for _, d := range r.s.documents {
		if d.ParentDocumentID != nil && *d.ParentDocumentID == parentID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (r *memDocuments) DeleteChildren(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []uuid.UUID
	for id, d := range r.s.documents {
		if d.ParentDocumentID != nil && *d.ParentDocumentID == parentID {
			ids = append(ids, id)
			delete(r.s.documents, id)
		}
	}
	return ids, nil
}

// --- blobs ---

type memBlobs struct{ s *MemStore }

func (r *memBlobs) Insert(ctx context.Context, blob *domain.Blob) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.blobs {
		if b.Kind == blob.Kind && b.ContentHash == blob.ContentHash {
			return domain.ErrConflict
		}
	}
	blob.ReferenceCount = 1
	blob.CreatedAt = r.s.now()
	blob.UpdatedAt = blob.CreatedAt
	r.s.blobs[blob.ID] = *blob
	return nil
}

func (r *memBlobs) IncrementRef(ctx context.Context, kind domain.BlobKind, hash string) (*domain.Blob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, b := range r.s.blobs {
		if b.Kind == kind && b.ContentHash == hash {
			b.ReferenceCount++
			b.UpdatedAt = r.s.now()
			r.s.blobs[id] = b
			out := b
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memBlobs) DecrementRef(ctx context.Context, kind domain.BlobKind, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.blobs[id]
	if !ok || b.Kind != kind {
		return domain.ErrNotFound
	}
	if b.ReferenceCount > 0 {
		b.ReferenceCount--
	}
	b.UpdatedAt = r.s.now()
	r.s.blobs[id] = b
	return nil
}

func (r *memBlobs) GetByID(ctx context.Context, kind domain.BlobKind, id uuid.UUID) (*domain.Blob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.blobs[id]
	if !ok || b.Kind != kind {
		return nil, domain.ErrNotFound
	}
	return &b, nil
}

func (r *memBlobs) GetByHash(ctx context.Context, kind domain.BlobKind, hash string) (*domain.Blob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, b := range r.s.blobs {
		if b.Kind == kind && b.ContentHash == hash {
			out := b
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memBlobs) DeleteUnreferenced(ctx context.Context, kind domain.BlobKind, grace time.Duration) ([]domain.Blob, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cutoff := r.s.now().Add(-grace)
	var out []domain.Blob
	for id, b := range r.s.blobs {
		if b.Kind == kind && b.ReferenceCount == 0 && b.UpdatedAt.Before(cutoff) {
			out = append(out, b)
			delete(r.s.blobs, id)
		}
	}
	return out, nil
}

// --- asset contexts ---

type memContexts struct{ s *MemStore }

func (r *memContexts) Create(ctx context.Context, dac *domain.DocumentAssetContext) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.contexts {
		if c.DocumentID == dac.DocumentID && c.AssetID == dac.AssetID {
			return domain.ErrConflict
		}
	}
	dac.CreatedAt = r.s.now()
	dac.UpdatedAt = dac.CreatedAt
	r.s.contexts[dac.ID] = *dac
	return nil
}

func (r *memContexts) Get(ctx context.Context, documentID, assetID uuid.UUID) (*domain.DocumentAssetContext, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.contexts {
		if c.DocumentID == documentID && c.AssetID == assetID {
			out := c
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memContexts) SetAnalysisJob(ctx context.Context, id uuid.UUID, jobID *uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contexts[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.AnalysisJobID = jobID
	c.UpdatedAt = r.s.now()
	r.s.contexts[id] = c
	return nil
}

func (r *memContexts) SetResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.contexts[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.AnalysisResult = result
	c.UpdatedAt = r.s.now()
	r.s.contexts[id] = c
	return nil
}

func (r *memContexts) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]domain.DocumentAssetContext, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []domain.DocumentAssetContext
	for _, c := range r.s.contexts {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (r *memContexts) DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for id, c := range r.s.contexts {
		if c.DocumentID == documentID {
			delete(r.s.contexts, id)
			n++
		}
	}
	return n, nil
}
