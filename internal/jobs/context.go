package jobs

import (
	"github.com/google/uuid"
)

// FilterSnapshot is the decomposition filter configuration frozen into a
// content-extraction job's context at creation time, so re-running the job
// later behaves as it would have when created regardless of environment
// drift.
type FilterSnapshot struct {
	AllowedMIMETypes  []string `json:"allowed_mime_types"`
	LegacySkipFormats []string `json:"legacy_skip_formats"`
	MaxContainerDepth int      `json:"max_container_depth"`
}

// ExtractionContext is the persisted context of a content_extraction job.
type ExtractionContext struct {
	Force    bool           `json:"force"`
	Strategy string         `json:"strategy,omitempty"`
	Filters  FilterSnapshot `json:"filters"`
}

// ChunkingContext is the persisted context of a chunking job.
type ChunkingContext struct {
	Force        bool   `json:"force"`
	StrategyName string `json:"strategy_name,omitempty"`
}

// AssetAnalysisContext is the persisted context of an asset_analysis job.
// Analysis jobs are per (document, asset); the owning DocumentAssetContext
// row links back to the job.
type AssetAnalysisContext struct {
	AssetID  uuid.UUID `json:"asset_id"`
	Force    bool      `json:"force"`
	Strategy string    `json:"strategy,omitempty"`
}

// IndexingContext is the persisted context of an indexing job.
type IndexingContext struct {
	ChunkContentID uuid.UUID `json:"chunk_content_id"`
	ChunkingJobID  uuid.UUID `json:"chunking_job_id"`
}

// TaggingContext is the persisted context of a tagging job.
type TaggingContext struct {
	Force bool `json:"force"`
}
