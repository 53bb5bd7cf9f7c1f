package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType tags the payload schema carried by a DomainEvent.
type EventType string

const (
	EventDocumentRegistered        EventType = "DocumentRegistered"
	EventDocumentContentExtracted  EventType = "DocumentContentExtracted"
	EventDocumentChunkingCompleted EventType = "DocumentChunkingCompleted"
	EventAssetAnalysisCompleted    EventType = "AssetAnalysisCompleted"
)

// EventStatus enumerates outbox row states. Rows are created PENDING and only
// the relay moves them to PROCESSED or FAILED; rows are never deleted.
type EventStatus string

const (
	EventStatusPending   EventStatus = "PENDING"
	EventStatusProcessed EventStatus = "PROCESSED"
	EventStatusFailed    EventStatus = "FAILED"
	EventStatusAborted   EventStatus = "ABORTED"
)

// DomainEvent is an immutable record of something that happened. It is staged
// in the same transaction as the state change it describes (outbox pattern).
type DomainEvent struct {
	ID            uuid.UUID
	CorrelationID uuid.UUID
	AggregateID   uuid.UUID
	EventType     EventType
	Payload       json.RawMessage
	Status        EventStatus
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	ErrorMessage  string
}

// NewEvent builds a PENDING event with a serialized payload. The correlation
// id groups events emitted by one logical operation.
func NewEvent(correlationID, aggregateID uuid.UUID, eventType EventType, payload any) (*DomainEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &DomainEvent{
		ID:            uuid.New(),
		CorrelationID: correlationID,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
		Status:        EventStatusPending,
	}, nil
}

// EventMessage is the wire envelope published to a bus channel.
type EventMessage struct {
	EventID       uuid.UUID       `json:"event_id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	EventType     EventType       `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Envelope converts an outbox row into its wire form.
func (e *DomainEvent) Envelope() EventMessage {
	return EventMessage{
		EventID:       e.ID,
		CorrelationID: e.CorrelationID,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       e.Payload,
		CreatedAt:     e.CreatedAt,
	}
}

// DecodePayload unmarshals the envelope payload into the schema struct for
// the message's event type.
func (m EventMessage) DecodePayload(dst any) error {
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.EventType, err)
	}
	return nil
}

// ToolExecutionRecord captures one invocation of an external tool during a
// pipeline stage, for auditing.
type ToolExecutionRecord struct {
	Tool       string `json:"tool"`
	DurationMS int64  `json:"duration_ms"`
	Succeeded  bool   `json:"succeeded"`
	Error      string `json:"error,omitempty"`
}

// DocumentRegisteredPayload announces a new document in a knowledge space.
type DocumentRegisteredPayload struct {
	DocumentID                uuid.UUID `json:"document_id"`
	KnowledgeSpaceID          uuid.UUID `json:"knowledge_space_id"`
	OriginalID                uuid.UUID `json:"original_id"`
	InitiatorID               uuid.UUID `json:"initiator_id"`
	OriginalFilename          string    `json:"original_filename"`
	ReportedMIMEType          string    `json:"reported_mime_type"`
	FileSizeBytes             int64     `json:"file_size_bytes"`
	Force                     bool      `json:"force"`
	ContentExtractionStrategy string    `json:"content_extraction_strategy,omitempty"`
	AssetAnalysisStrategy     string    `json:"asset_analysis_strategy,omitempty"`
	ChunkingStrategyName      string    `json:"chunking_strategy_name,omitempty"`
}

// DocumentContentExtractedPayload announces completed content extraction.
type DocumentContentExtractedPayload struct {
	DocumentID           uuid.UUID             `json:"document_id"`
	ExtractedAssetIDs    []uuid.UUID           `json:"extracted_asset_ids"`
	CanonicalContentID   uuid.UUID             `json:"canonical_content_id"`
	ToolExecutionRecords []ToolExecutionRecord `json:"tool_execution_records"`
	Force                bool                  `json:"force"`
}

// DocumentChunkingCompletedPayload announces completed chunking.
type DocumentChunkingCompletedPayload struct {
	DocumentID           uuid.UUID `json:"document_id"`
	TotalChunksCreated   int       `json:"total_chunks_created"`
	ChunkingStrategyUsed string    `json:"chunking_strategy_used"`
	AverageChunkSize     int       `json:"average_chunk_size"`
	JobID                uuid.UUID `json:"job_id"`
	ChunkContentID       uuid.UUID `json:"chunk_content_id"`
}

// AssetAnalysisCompletedPayload announces one analyzed asset in the context of
// one document.
type AssetAnalysisCompletedPayload struct {
	AssetID     uuid.UUID         `json:"asset_id"`
	DocumentID  uuid.UUID         `json:"document_id"`
	Description string            `json:"description"`
	Tags        []string          `json:"tags"`
	TraceInfo   map[string]string `json:"trace_info,omitempty"`
}
