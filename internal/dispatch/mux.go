package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/skyhall/discord-gateway/internal/logger"
	"github.com/skyhall/discord-gateway/internal/metrics"
	"github.com/skyhall/discord-gateway/internal/protocol"
)

// Handler consumes one Dispatch payload.
type Handler func(ctx context.Context, p *protocol.Payload)

// Mux routes Dispatch payloads to handlers by event type. Posting is
// asynchronous: payloads land on a bounded queue drained by a worker
// pool, so a slow handler can never block the posting loop. When the
// queue is full the payload is dropped and counted.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler

	queue  chan *protocol.Payload
	wg     sync.WaitGroup
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMux starts a pool of workers draining a queue of queueSize
// payloads.
func NewMux(workers, queueSize int) *Mux {
	if workers < 1 {
		workers = 1
	}
	m := &Mux{
		handlers: make(map[string]Handler),
		queue:    make(chan *protocol.Payload, queueSize),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Handle registers a handler for one event type (MESSAGE_CREATE and the
// like). A later registration for the same type replaces the earlier
// one.
func (m *Mux) Handle(eventType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[eventType] = h
}

// HandleDefault registers the handler for event types without a
// dedicated one.
func (m *Mux) HandleDefault(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = h
}

// Post queues a payload for handling. A full queue drops it.
func (m *Mux) Post(p *protocol.Payload) {
	select {
	case m.queue <- p:
	default:
		metrics.DispatchQueueDrops.Inc()
		logger.L.Warn("dispatch queue full, dropping payload",
			zap.String("event_type", p.Type),
			zap.Int64("sequence", p.Sequence))
	}
}

// Consume pumps a sink's consumer channel into the mux until the
// channel closes. It is meant to run as its own goroutine.
func (m *Mux) Consume(events <-chan *protocol.Payload) {
	for p := range events {
		m.Post(p)
	}
}

// Close stops intake, waits for queued payloads to be handled, then
// cancels the handler context.
func (m *Mux) Close() error {
	m.once.Do(func() { close(m.queue) })
	m.wg.Wait()
	m.cancel()
	return nil
}

func (m *Mux) worker() {
	defer m.wg.Done()
	for p := range m.queue {
		m.dispatch(p)
	}
}

func (m *Mux) dispatch(p *protocol.Payload) {
	m.mu.RLock()
	h, ok := m.handlers[p.Type]
	if !ok {
		h = m.fallback
	}
	m.mu.RUnlock()

	if h == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.DispatchPanics.Inc()
			logger.L.Error("handler panic",
				zap.String("event_type", p.Type),
				zap.Int64("sequence", p.Sequence),
				zap.Any("panic", r))
		}
	}()
	h(m.ctx, p)
}
