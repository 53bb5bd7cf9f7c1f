// Package decompose expands composite documents into their embedded
// children: enumerate embedded objects, unwrap legacy envelopes, filter,
// intern surviving bytes, register child documents, and rewrite the parent
// to reference them.
package decompose

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kbengine/internal/cas"
	"kbengine/internal/domain"
	"kbengine/internal/jobs"
)

// Engine performs the container decomposition walk.
type Engine struct {
	cas     *cas.Store
	store   domain.Store
	manager *jobs.Manager
	logger  zerolog.Logger
}

// NewEngine creates a decomposition engine.
func NewEngine(casStore *cas.Store, store domain.Store, manager *jobs.Manager, logger zerolog.Logger) *Engine {
	return &Engine{cas: casStore, store: store, manager: manager, logger: logger}
}

// Options controls one decomposition pass.
type Options struct {
	Force         bool
	Filters       jobs.FilterSnapshot
	InitiatorID   uuid.UUID
	CorrelationID uuid.UUID
}

// SkippedObject records one embedded object dropped by the pass. Skips are
// policy outcomes or local recoveries, never pipeline errors.
type SkippedObject struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result reports what one decomposition pass produced.
type Result struct {
	CreatedDocumentIDs []uuid.UUID     `json:"created_document_ids"`
	ReusedDocumentIDs  []uuid.UUID     `json:"reused_document_ids"`
	Skipped            []SkippedObject `json:"skipped"`
	// EffectiveOriginalID is the rewritten parent content, interned under
	// its own hash. The parent is processed against this, not the upload.
	EffectiveOriginalID uuid.UUID `json:"effective_original_id"`
	Rewritten           bool      `json:"rewritten"`
}

// workItem is one container pending expansion. The walk is an explicit
// breadth-first queue, not call-stack recursion, so depth is bounded by
// policy rather than by the stack.
type workItem struct {
	doc   *domain.Document
	data  []byte
	depth int
}

// Run decomposes a composite parent document.
//
// A content hash seen earlier in the same pass reuses that child instead of
// creating a duplicate; this per-pass cache is separate from the CAS's global
// reference counting. Children already present in the knowledge space from a
// prior ingestion are reused, re-registering them only when their status (or
// force) calls for reprocessing. With force=true the pass first aborts all
// existing children's jobs and deletes the stale child records, then
// re-derives from scratch.
func (e *Engine) Run(ctx context.Context, parent *domain.Document, raw []byte, opts Options) (*Result, error) {
	if opts.Force {
		if err := e.clearPriorRun(ctx, parent); err != nil {
			return nil, err
		}
	}

	result := &Result{}
	seen := make(map[string]uuid.UUID) // content hash -> child document id, scoped to this pass
	resolved := make(map[string]uuid.UUID)

	queue := []workItem{{doc: parent, data: raw, depth: 0}}
	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		objects, err := EnumerateEmbedded(item.data)
		if err != nil {
			if item.depth == 0 {
				return nil, fmt.Errorf("decompose %s: %w", parent.ID, err)
			}
			// A nested container that fails to parse is skipped, never fatal
			// for the pass.
			result.Skipped = append(result.Skipped, SkippedObject{
				Path:   item.doc.Filename,
				Reason: fmt.Sprintf("unparseable nested container: %v", err),
			})
			continue
		}

		for _, obj := range objects {
			child, skip := e.resolveObject(ctx, item, obj, opts, seen, result)
			if skip != nil {
				result.Skipped = append(result.Skipped, *skip)
				e.logger.Info().
					Str("parent_id", item.doc.ID.String()).
					Str("path", skip.Path).
					Str("reason", skip.Reason).
					Msg("decompose: embedded object skipped")
				continue
			}
			if item.depth == 0 {
				resolved[obj.Path] = child.id
			}
			if child.container {
				if item.depth+1 >= opts.Filters.MaxContainerDepth {
					result.Skipped = append(result.Skipped, SkippedObject{
						Path:   obj.Path,
						Reason: domain.ErrDepthExceeded.Error(),
					})
					continue
				}
				queue = append(queue, workItem{doc: child.doc, data: child.data, depth: item.depth + 1})
			}
		}
	}

	if len(resolved) > 0 {
		rewritten, err := RewritePackage(raw, resolved)
		if err != nil {
			return nil, fmt.Errorf("rewrite parent %s: %w", parent.ID, err)
		}
		handle, err := e.cas.Intern(ctx, domain.BlobOriginal, rewritten, parent.Filename, parent.MIMEType)
		if err != nil {
			return nil, fmt.Errorf("intern rewritten parent %s: %w", parent.ID, err)
		}
		result.EffectiveOriginalID = handle.ID
		result.Rewritten = true
	}
	return result, nil
}

type resolvedChild struct {
	id        uuid.UUID
	doc       *domain.Document
	data      []byte
	container bool
}

// resolveObject turns one embedded object into a child document (new or
// reused), or a skip record. Unparseable and filtered objects never abort
// the parent.
func (e *Engine) resolveObject(ctx context.Context, item workItem, obj EmbeddedObject, opts Options, seen map[string]uuid.UUID, result *Result) (*resolvedChild, *SkippedObject) {
	data := obj.Data
	filename := obj.Filename
	mimeType := SniffMIME(data)

	if mimeType == mimeOLE {
		payload, inner, ok := UnwrapEnvelope(data)
		if !ok {
			return nil, &SkippedObject{Path: obj.Path, Reason: "unrecognized payload in legacy envelope"}
		}
		data = payload
		mimeType = inner
	}
	if mimeType == "" {
		mimeType = obj.DeclaredType
	}
	filename = CorrectFilename(filename, mimeType)

	if contains(opts.Filters.LegacySkipFormats, mimeType) {
		return nil, &SkippedObject{Path: obj.Path, Reason: fmt.Sprintf("legacy format %s", mimeType)}
	}
	if !contains(opts.Filters.AllowedMIMETypes, mimeType) {
		return nil, &SkippedObject{Path: obj.Path, Reason: fmt.Sprintf("type %s not allowed", mimeType)}
	}

	hash := cas.HashBytes(data)
	if childID, ok := seen[hash]; ok {
		return &resolvedChild{id: childID, container: false}, nil
	}

	existing, err := e.store.Documents().FindByOriginalHash(ctx, item.doc.KnowledgeSpaceID, hash)
	if err == nil {
		seen[hash] = existing.ID
		result.ReusedDocumentIDs = append(result.ReusedDocumentIDs, existing.ID)
		if e.shouldReprocess(existing, opts.Force) {
			if err := e.reRegister(ctx, existing, opts); err != nil {
				return nil, &SkippedObject{Path: obj.Path, Reason: fmt.Sprintf("re-register failed: %v", err)}
			}
		}
		return &resolvedChild{id: existing.ID, doc: existing, data: data, container: IsContainer(existing.MIMEType)}, nil
	}

	handle, err := e.cas.Intern(ctx, domain.BlobOriginal, data, filename, mimeType)
	if err != nil {
		return nil, &SkippedObject{Path: obj.Path, Reason: fmt.Sprintf("intern failed: %v", err)}
	}

	child := &domain.Document{
		ID:               uuid.New(),
		KnowledgeSpaceID: item.doc.KnowledgeSpaceID,
		ParentDocumentID: &item.doc.ID,
		OriginalID:       handle.ID,
		Filename:         filename,
		MIMEType:         mimeType,
		Status:           domain.DocumentStatusUploaded,
	}
	payload := domain.DocumentRegisteredPayload{
		DocumentID:       child.ID,
		KnowledgeSpaceID: child.KnowledgeSpaceID,
		OriginalID:       handle.ID,
		InitiatorID:      opts.InitiatorID,
		OriginalFilename: filename,
		ReportedMIMEType: mimeType,
		FileSizeBytes:    handle.SizeBytes,
		Force:            opts.Force,
	}
	event, err := domain.NewEvent(opts.CorrelationID, child.ID, domain.EventDocumentRegistered, payload)
	if err != nil {
		return nil, &SkippedObject{Path: obj.Path, Reason: fmt.Sprintf("event build failed: %v", err)}
	}
	err = e.store.WithinTx(ctx, func(tx domain.Store) error {
		if err := tx.Documents().Create(ctx, child); err != nil {
			return err
		}
		return tx.Events().Stage(ctx, event)
	})
	if err != nil {
		return nil, &SkippedObject{Path: obj.Path, Reason: fmt.Sprintf("register failed: %v", err)}
	}

	seen[hash] = child.ID
	result.CreatedDocumentIDs = append(result.CreatedDocumentIDs, child.ID)
	e.logger.Info().
		Str("parent_id", item.doc.ID.String()).
		Str("child_id", child.ID.String()).
		Str("filename", filename).
		Str("mime_type", mimeType).
		Msg("decompose: child document registered")
	return &resolvedChild{id: child.ID, doc: child, data: data, container: IsContainer(mimeType)}, nil
}

// shouldReprocess decides whether a reused pre-existing child needs a fresh
// processing round.
func (e *Engine) shouldReprocess(doc *domain.Document, force bool) bool {
	if force {
		return true
	}
	switch doc.Status {
	case domain.DocumentStatusProcessed, domain.DocumentStatusPending, domain.DocumentStatusRunning:
		return false
	}
	return true
}

// reRegister resets a reused document to PENDING and stages a fresh
// registration event in the same transaction.
func (e *Engine) reRegister(ctx context.Context, doc *domain.Document, opts Options) error {
	blob, err := e.store.Blobs().GetByID(ctx, domain.BlobOriginal, doc.OriginalID)
	if err != nil {
		return err
	}
	payload := domain.DocumentRegisteredPayload{
		DocumentID:       doc.ID,
		KnowledgeSpaceID: doc.KnowledgeSpaceID,
		OriginalID:       doc.OriginalID,
		InitiatorID:      opts.InitiatorID,
		OriginalFilename: doc.Filename,
		ReportedMIMEType: doc.MIMEType,
		FileSizeBytes:    blob.SizeBytes,
		Force:            opts.Force,
	}
	event, err := domain.NewEvent(opts.CorrelationID, doc.ID, domain.EventDocumentRegistered, payload)
	if err != nil {
		return err
	}
	return e.store.WithinTx(ctx, func(tx domain.Store) error {
		if err := tx.Documents().UpdateStatus(ctx, doc.ID, domain.DocumentStatusPending); err != nil {
			return err
		}
		return tx.Events().Stage(ctx, event)
	})
}

// clearPriorRun aborts and removes the children a previous decomposition of
// this parent produced, so orphans cannot linger next to the re-derived set.
func (e *Engine) clearPriorRun(ctx context.Context, parent *domain.Document) error {
	children, err := e.store.Documents().ListChildren(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("list prior children: %w", err)
	}
	if len(children) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(children))
	for i := range children {
		ids[i] = children[i].ID
	}
	if _, err := e.manager.AbortJobsForDocuments(ctx, ids, nil, "parent force re-decomposition"); err != nil {
		return err
	}
	if err := e.store.WithinTx(ctx, func(tx domain.Store) error {
		_, err := tx.Documents().DeleteChildren(ctx, parent.ID)
		return err
	}); err != nil {
		return fmt.Errorf("delete prior children: %w", err)
	}
	// Drop the deleted children's references; reclamation is the janitor's.
	for i := range children {
		if err := e.cas.Release(ctx, domain.BlobOriginal, children[i].OriginalID); err != nil {
			e.logger.Warn().Err(err).
				Str("document_id", children[i].ID.String()).
				Msg("decompose: release of stale child original failed")
		}
	}
	e.logger.Info().
		Str("parent_id", parent.ID.String()).
		Int("removed_children", len(children)).
		Msg("decompose: prior run cleared for forced re-derivation")
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
