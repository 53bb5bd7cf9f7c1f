package relay

import "kbengine/internal/domain"

// Channel names published by the relay and subscribed by workers.
const (
	ChannelDocumentRegistered  = "document.registered"
	ChannelContentExtracted    = "document.content_extracted"
	ChannelChunkingCompleted   = "document.chunking_completed"
	ChannelAssetAnalysisResult = "asset.analysis_completed"
)

// DefaultRoutes is the static routing table from event type to channel. An
// event type missing from this table is a configuration bug: the relay marks
// such events FAILED rather than retrying them.
func DefaultRoutes() map[domain.EventType]string {
	return map[domain.EventType]string{
		domain.EventDocumentRegistered:        ChannelDocumentRegistered,
		domain.EventDocumentContentExtracted:  ChannelContentExtracted,
		domain.EventDocumentChunkingCompleted: ChannelChunkingCompleted,
		domain.EventAssetAnalysisCompleted:    ChannelAssetAnalysisResult,
	}
}
