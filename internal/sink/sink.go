package sink

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/skyhall/discord-gateway/internal/logger"
	"github.com/skyhall/discord-gateway/internal/metrics"
	"github.com/skyhall/discord-gateway/internal/protocol"
)

// EventSink receives Dispatch payloads from the session in receipt
// order, at most once each. Emit must not block the caller beyond a
// bounded hand-off; implementations drop and count instead of stalling.
// Close must only be called after the emitting session has stopped.
type EventSink interface {
	Emit(ctx context.Context, p *protocol.Payload) error
	Close() error
}

// ChannelSink hands payloads to an in-process consumer over a buffered
// channel.
type ChannelSink struct {
	ch   chan *protocol.Payload
	once sync.Once
}

func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{ch: make(chan *protocol.Payload, buffer)}
}

// Events is the consumer side. The channel is closed by Close.
func (s *ChannelSink) Events() <-chan *protocol.Payload {
	return s.ch
}

// Emit delivers the payload to the consumer. When the consumer lags
// beyond the buffer the payload is dropped and counted; everything that
// is delivered stays in order.
func (s *ChannelSink) Emit(ctx context.Context, p *protocol.Payload) error {
	select {
	case s.ch <- p:
	default:
		metrics.SinkDrops.WithLabelValues("channel").Inc()
		logger.L.Warn("event channel full, dropping payload",
			zap.String("event_type", p.Type),
			zap.Int64("sequence", p.Sequence))
	}
	return nil
}

func (s *ChannelSink) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

// TeeSink fans one payload out to several sinks. A failing sink is
// logged but cannot affect the others or the session.
type TeeSink struct {
	sinks []EventSink
}

func NewTeeSink(sinks ...EventSink) *TeeSink {
	return &TeeSink{sinks: sinks}
}

func (t *TeeSink) Emit(ctx context.Context, p *protocol.Payload) error {
	for _, s := range t.sinks {
		if err := s.Emit(ctx, p); err != nil {
			logger.L.Warn("sink emit failed", zap.Error(err))
		}
	}
	return nil
}

func (t *TeeSink) Close() error {
	var firstErr error
	for _, s := range t.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
