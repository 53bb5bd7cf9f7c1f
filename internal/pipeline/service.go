// Package pipeline wires the ingestion stages together: document submission,
// content extraction, chunking, asset analysis and indexing. Each stage is an
// idempotent consumer of the previous stage's completion event.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kbengine/internal/assetanalysis"
	"kbengine/internal/cas"
	"kbengine/internal/decompose"
	"kbengine/internal/domain"
	"kbengine/internal/jobs"
	"kbengine/internal/providers/convert"
	"kbengine/internal/providers/extract"
	"kbengine/internal/providers/search"
	"kbengine/internal/providers/vision"
)

// Deps carries the collaborators a Service needs. Lifecycle of each is owned
// by the process entry point, never by the pipeline itself.
type Deps struct {
	Store       domain.Store
	CAS         *cas.Store
	Manager     *jobs.Manager
	Engine      *decompose.Engine
	Coordinator *assetanalysis.Coordinator
	Converter   *convert.Client
	Extractor   *extract.Client
	Vision      *vision.Client
	Search      *search.Client
	Logger      zerolog.Logger
	ChunkSize   int
}

// Service is the pipeline orchestrator.
type Service struct {
	store     domain.Store
	cas       *cas.Store
	manager   *jobs.Manager
	engine    *decompose.Engine
	coord     *assetanalysis.Coordinator
	converter *convert.Client
	extractor *extract.Client
	vision    *vision.Client
	search    *search.Client
	logger    zerolog.Logger
	chunker   *paragraphChunker
}

// NewService creates a Service from its dependencies.
func NewService(d Deps) (*Service, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case d.CAS == nil:
		return nil, errors.New("pipeline: cas is required")
	case d.Manager == nil:
		return nil, errors.New("pipeline: job manager is required")
	case d.Engine == nil:
		return nil, errors.New("pipeline: decompose engine is required")
	case d.Coordinator == nil:
		return nil, errors.New("pipeline: asset coordinator is required")
	}
	return &Service{
		store:     d.Store,
		cas:       d.CAS,
		manager:   d.Manager,
		engine:    d.Engine,
		coord:     d.Coordinator,
		converter: d.Converter,
		extractor: d.Extractor,
		vision:    d.Vision,
		search:    d.Search,
		logger:    d.Logger,
		chunker:   newParagraphChunker(d.ChunkSize),
	}, nil
}

// SubmitParams describes one document upload.
type SubmitParams struct {
	KnowledgeSpaceID uuid.UUID
	InitiatorID      uuid.UUID
	Filename         string
	DeclaredType     string
	Data             []byte
	Force            bool

	ContentExtractionStrategy string
	AssetAnalysisStrategy     string
	ChunkingStrategyName      string
}

// SubmitDocumentForProcessing is the pipeline entry point. It interns the
// upload, registers the document and stages the DocumentRegistered event in
// one transaction; everything downstream is driven by that event.
//
// An upload whose content hash already exists in the knowledge space is
// archived as a duplicate instead of re-entering the pipeline, unless
// force=true.
func (s *Service) SubmitDocumentForProcessing(ctx context.Context, p SubmitParams) (*domain.Document, error) {
	if len(p.Data) == 0 {
		return nil, errors.New("pipeline: empty upload")
	}
	mimeType := decompose.SniffMIME(p.Data)
	if mimeType == "" {
		mimeType = p.DeclaredType
	}
	filename := decompose.CorrectFilename(p.Filename, mimeType)

	hash := cas.HashBytes(p.Data)
	existing, err := s.store.Documents().FindByOriginalHash(ctx, p.KnowledgeSpaceID, hash)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("submit: find by hash: %w", err)
	}

	handle, err := s.cas.Intern(ctx, domain.BlobOriginal, p.Data, filename, mimeType)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	doc := &domain.Document{
		ID:               uuid.New(),
		KnowledgeSpaceID: p.KnowledgeSpaceID,
		OriginalID:       handle.ID,
		Filename:         filename,
		MIMEType:         mimeType,
		Status:           domain.DocumentStatusUploaded,
	}

	if existing != nil && !p.Force {
		doc.Status = domain.DocumentStatusArchivedAsDuplicate
		if err := s.store.Documents().Create(ctx, doc); err != nil {
			return nil, fmt.Errorf("submit: archive duplicate: %w", err)
		}
		s.logger.Info().
			Str("document_id", doc.ID.String()).
			Str("duplicate_of", existing.ID.String()).
			Msg("pipeline: upload archived as duplicate")
		return doc, nil
	}

	payload := domain.DocumentRegisteredPayload{
		DocumentID:                doc.ID,
		KnowledgeSpaceID:          doc.KnowledgeSpaceID,
		OriginalID:                handle.ID,
		InitiatorID:               p.InitiatorID,
		OriginalFilename:          filename,
		ReportedMIMEType:          mimeType,
		FileSizeBytes:             handle.SizeBytes,
		Force:                     p.Force,
		ContentExtractionStrategy: p.ContentExtractionStrategy,
		AssetAnalysisStrategy:     p.AssetAnalysisStrategy,
		ChunkingStrategyName:      p.ChunkingStrategyName,
	}
	event, err := domain.NewEvent(uuid.New(), doc.ID, domain.EventDocumentRegistered, payload)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	err = s.store.WithinTx(ctx, func(tx domain.Store) error {
		if err := tx.Documents().Create(ctx, doc); err != nil {
			return err
		}
		return tx.Events().Stage(ctx, event)
	})
	if err != nil {
		return nil, fmt.Errorf("submit: register document: %w", err)
	}
	s.logger.Info().
		Str("document_id", doc.ID.String()).
		Str("filename", filename).
		Str("mime_type", mimeType).
		Bool("force", p.Force).
		Msg("pipeline: document submitted")
	return doc, nil
}

// CreateContentExtractionJob schedules extraction for a document.
func (s *Service) CreateContentExtractionJob(ctx context.Context, documentID, initiatorID uuid.UUID, force bool, strategy string) (*domain.Job, error) {
	doc, err := s.store.Documents().GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return s.manager.CreateContentExtractionJob(ctx, doc, initiatorID, force, strategy)
}

// CreateChunkingJob schedules chunking for a document.
func (s *Service) CreateChunkingJob(ctx context.Context, documentID, initiatorID uuid.UUID, force bool, strategyName string) (*domain.Job, error) {
	doc, err := s.store.Documents().GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return s.manager.CreateChunkingJob(ctx, doc, initiatorID, force, strategyName)
}

// CreateIndexingJob schedules indexing for a document's chunk content.
func (s *Service) CreateIndexingJob(ctx context.Context, documentID, initiatorID uuid.UUID, force bool, ictx jobs.IndexingContext) (*domain.Job, error) {
	doc, err := s.store.Documents().GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return s.manager.CreateIndexingJob(ctx, doc, initiatorID, force, ictx)
}

// CreateTaggingJob schedules tagging for a document.
func (s *Service) CreateTaggingJob(ctx context.Context, documentID, initiatorID uuid.UUID, force bool) (*domain.Job, error) {
	doc, err := s.store.Documents().GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return s.manager.CreateTaggingJob(ctx, doc, initiatorID, force)
}

// CreateAssetAnalysisJobsForDocument reconciles a document's authoritative
// asset set (re-derived from its canonical content) against existing analysis
// state and returns the coordinator's report.
func (s *Service) CreateAssetAnalysisJobsForDocument(ctx context.Context, documentID, initiatorID uuid.UUID, force bool) (*assetanalysis.Report, error) {
	doc, err := s.store.Documents().GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.CanonicalContentID == nil {
		return nil, fmt.Errorf("document %s has no extracted content yet", documentID)
	}
	_, content, err := s.cas.Read(ctx, domain.BlobCanonicalContent, *doc.CanonicalContentID)
	if err != nil {
		return nil, fmt.Errorf("read canonical content: %w", err)
	}
	return s.coord.Reconcile(ctx, doc, assetanalysis.ExtractAssetIDs(content), force, initiatorID)
}

// jobAborted reloads a job and reports whether it was aborted while the
// worker was busy. Abortion is cooperative: callers abandon aborted jobs
// instead of overwriting their terminal state.
func (s *Service) jobAborted(ctx context.Context, id uuid.UUID) bool {
	job, err := s.manager.GetJob(ctx, id)
	if err != nil {
		return false
	}
	return job.Status == domain.JobStatusAborted || job.Status == domain.JobStatusCancelled
}
