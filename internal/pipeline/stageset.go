package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"kbengine/internal/bus"
	"kbengine/internal/relay"
)

// StageSet binds every relayed channel to its handler. It is a closed
// dispatch table: construction fails on a missing handler instead of letting
// a channel silently go unconsumed.
type StageSet struct {
	Registered        bus.HandlerFunc
	ContentExtracted  bus.HandlerFunc
	ChunkingCompleted bus.HandlerFunc
	AnalysisCompleted bus.HandlerFunc
}

// Stages returns the service's stage set.
func (s *Service) Stages() StageSet {
	return StageSet{
		Registered:        s.HandleDocumentRegistered,
		ContentExtracted:  s.HandleContentExtracted,
		ChunkingCompleted: s.HandleChunkingCompleted,
		AnalysisCompleted: s.HandleAssetAnalysisCompleted,
	}
}

func (set StageSet) validate() error {
	for channel, h := range set.bindings() {
		if h == nil {
			return fmt.Errorf("pipeline: channel %s has no handler", channel)
		}
	}
	return nil
}

func (set StageSet) bindings() map[string]bus.HandlerFunc {
	return map[string]bus.HandlerFunc{
		relay.ChannelDocumentRegistered:  set.Registered,
		relay.ChannelContentExtracted:    set.ContentExtracted,
		relay.ChannelChunkingCompleted:   set.ChunkingCompleted,
		relay.ChannelAssetAnalysisResult: set.AnalysisCompleted,
	}
}

// Consume subscribes the stage set on the consumer and blocks until the
// context is cancelled or a consumer fails.
func (set StageSet) Consume(ctx context.Context, consumer bus.Consumer) error {
	if err := set.validate(); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for channel, handler := range set.bindings() {
		channel, handler := channel, handler
		g.Go(func() error {
			return consumer.Consume(gctx, channel, handler)
		})
	}
	return g.Wait()
}
