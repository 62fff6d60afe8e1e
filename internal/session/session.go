package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/skyhall/discord-gateway/internal/buffer"
	"github.com/skyhall/discord-gateway/internal/config"
	"github.com/skyhall/discord-gateway/internal/logger"
	"github.com/skyhall/discord-gateway/internal/metrics"
	"github.com/skyhall/discord-gateway/internal/protocol"
	"github.com/skyhall/discord-gateway/internal/retry"
	"github.com/skyhall/discord-gateway/internal/sink"
	"github.com/skyhall/discord-gateway/internal/tracing"
)

const (
	// Write budget per frame
	writeWait = 10 * time.Second

	// Priority lane depth for heartbeats and handshake payloads
	priorityDepth = 16

	// Send slots held back from the pacer so heartbeats never queue
	// behind command traffic
	heartbeatReserve = 4
)

// ResumeState carries what a successor connection needs to resume.
type ResumeState struct {
	SessionID  string
	Sequence   int64
	GatewayURL string
}

// Options wires one session run.
type Options struct {
	// URL is the complete gateway URL including version, encoding and
	// compression query parameters.
	URL string

	// Resume, when set, makes the session send Resume instead of
	// Identify after Hello.
	Resume *ResumeState

	// Sink receives every dispatch in receipt order.
	Sink sink.EventSink

	// OnStatus observes status transitions. Called from the session's
	// loops; must not block.
	OnStatus func(Status)
}

// Session owns exactly one gateway connection: the dial, the
// Hello/Identify handshake, heartbeats, sequence tracking and the
// outbound command queue. Run returns when the connection ends; the
// container decides what happens next.
type Session struct {
	cfg  config.GatewayConfig
	id   config.DiscordConfig
	opts Options

	connMu sync.Mutex
	conn   *websocket.Conn

	decoder protocol.Decoder
	pacer   *rate.Limiter

	status  int32
	lastSeq int64

	// read-loop owned; read by ResumeState only after Run returns
	sessionID        string
	resumeURL        string
	resuming         bool
	heartbeatStarted bool

	priority chan frame
	commands chan frame
	acks     chan time.Time

	// replaced by tests to skip the randomized identify delay
	identifyDelay func() time.Duration

	failOnce sync.Once
	exitErr  error
	stopping int32
	done     chan struct{}
	wg       sync.WaitGroup
}

type frame struct {
	op   protocol.Opcode
	data []byte
}

// New builds a session from the gateway and discord sections of the
// configuration. Run starts it.
func New(cfg *config.Config, opts Options) *Session {
	paced := cfg.Gateway.SendLimit - heartbeatReserve
	if paced < 1 {
		paced = 1
	}

	s := &Session{
		cfg:      cfg.Gateway,
		id:       cfg.Discord,
		opts:     opts,
		pacer:    rate.NewLimiter(rate.Every(cfg.Gateway.SendWindow/time.Duration(paced)), paced),
		priority: make(chan frame, priorityDepth),
		commands: make(chan frame, cfg.Gateway.CommandQueueSize),
		acks:     make(chan time.Time, 1),
		identifyDelay: func() time.Duration {
			return time.Second + time.Duration(rand.Int63n(int64(4*time.Second)))
		},
		done: make(chan struct{}),
	}
	if opts.Resume != nil {
		s.sessionID = opts.Resume.SessionID
		s.lastSeq = opts.Resume.Sequence
		s.resuming = true
	}
	return s
}

// Run dials and drives the connection until it ends. The returned
// error classifies the exit: nil for a requested stop, otherwise a
// decode/transport/close error that Resumable and Fatal interpret.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	parent := ctx
	ctx, span := tracing.StartSpan(ctx, "session.run")
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.SessionsStarted.Inc()
	s.setStatus(StatusConnecting)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.cfg.DialTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		s.setStatus(StatusDisconnected)
		dialErr := &protocol.TransportError{Op: "dial", Err: err}
		span.RecordError(dialErr)
		return dialErr
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.setConn(conn)

	s.decoder = protocol.NewDecoder(s.cfg.Compress, s.cfg.MaxMessageSize)
	defer func() {
		if c, ok := s.decoder.(io.Closer); ok {
			_ = c.Close()
		}
	}()

	// A cancelled context must unblock the read below.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	s.wg.Add(1)
	go s.writeLoop(ctx, conn)

	logger.InfoWithTrace(ctx, "gateway connected",
		zap.String("url", s.opts.URL),
		zap.Bool("compress", s.cfg.Compress),
		zap.Bool("resume", s.resuming),
	)

	err = s.readLoop(ctx, conn)
	s.fail(err)
	cancel()
	s.wg.Wait()
	s.setStatus(StatusDisconnected)

	if atomic.LoadInt32(&s.stopping) == 1 || parent.Err() != nil {
		logger.L.Info("session stopped")
		return nil
	}

	span.RecordError(s.exitErr)
	logger.L.Warn("session ended",
		zap.Error(s.exitErr),
		zap.Bool("resumable", Resumable(s.exitErr)),
	)
	return s.exitErr
}

// Send queues one command for the writer. It never blocks: a full
// queue returns ErrBackpressure and the queue depth is unchanged.
func (s *Session) Send(cmd Command) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	p, err := protocol.Marshal(cmd.Op, cmd.Data)
	if err != nil {
		return fmt.Errorf("marshal command %s: %w", cmd.ID, err)
	}
	data, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("encode command %s: %w", cmd.ID, err)
	}

	select {
	case s.commands <- frame{op: cmd.Op, data: data}:
		return nil
	default:
		metrics.CommandsDropped.Inc()
		return fmt.Errorf("command %s: %w", cmd.ID, ErrBackpressure)
	}
}

// Stop asks for a graceful shutdown: a normal-closure close frame,
// then waiting out ctx for the stream to end, then a forced transport
// close. Run returns nil for a stop requested this way.
func (s *Session) Stop(ctx context.Context) {
	atomic.StoreInt32(&s.stopping, 1)

	if conn := s.getConn(); conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}

	select {
	case <-s.done:
	case <-ctx.Done():
	}
	if conn := s.getConn(); conn != nil {
		_ = conn.Close()
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	return Status(atomic.LoadInt32(&s.status))
}

// ResumeState returns what the next connection needs for a resume, or
// nil when the session never identified or was invalidated. Valid once
// Run has returned.
func (s *Session) ResumeState() *ResumeState {
	if s.sessionID == "" {
		return nil
	}
	return &ResumeState{
		SessionID:  s.sessionID,
		Sequence:   atomic.LoadInt64(&s.lastSeq),
		GatewayURL: s.resumeURL,
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		messageType, data, err := s.readFrame(conn)
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("connection closed: %w", closeErr)
			}
			return &protocol.TransportError{Op: "read", Err: err}
		}

		p, err := s.decoder.Decode(messageType, data)
		if err != nil {
			return err
		}
		if p == nil {
			// partial compressed frame
			continue
		}
		if err := s.handle(ctx, p); err != nil {
			return err
		}
	}
}

func (s *Session) readFrame(conn *websocket.Conn) (int, []byte, error) {
	messageType, r, err := conn.NextReader()
	if err != nil {
		return 0, nil, err
	}

	scratch := buffer.Get()
	defer buffer.Put(scratch)

	var data []byte
	for {
		n, err := r.Read(scratch)
		if n > 0 {
			data = append(data, scratch[:n]...)
		}
		if err == io.EOF {
			return messageType, data, nil
		}
		if err != nil {
			return 0, nil, err
		}
	}
}

func (s *Session) handle(ctx context.Context, p *protocol.Payload) error {
	switch p.Op {
	case protocol.OpcodeHello:
		return s.handleHello(ctx, p)

	case protocol.OpcodeHeartbeat:
		// The server can demand an immediate beat at any time.
		s.queueHeartbeat()

	case protocol.OpcodeHeartbeatACK:
		select {
		case s.acks <- time.Now():
		default:
		}

	case protocol.OpcodeReconnect:
		logger.InfoWithTrace(ctx, "server requested reconnect",
			zap.Int64("sequence", atomic.LoadInt64(&s.lastSeq)))
		return ErrReconnectRequested

	case protocol.OpcodeInvalidSession:
		return s.handleInvalidSession(ctx, p)

	case protocol.OpcodeDispatch:
		return s.handleDispatch(ctx, p)

	default:
		logger.DebugWithTrace(ctx, "ignoring payload",
			zap.Stringer("opcode", p.Op))
	}
	return nil
}

func (s *Session) handleHello(ctx context.Context, p *protocol.Payload) error {
	var hello protocol.Hello
	if err := json.Unmarshal(p.Data, &hello); err != nil {
		return &protocol.DecodeError{Err: fmt.Errorf("hello payload: %w", err)}
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	if interval <= 0 {
		return &protocol.DecodeError{Err: fmt.Errorf("hello payload: bad heartbeat interval %d", hello.HeartbeatInterval)}
	}

	if !s.heartbeatStarted {
		s.heartbeatStarted = true
		s.wg.Add(1)
		go s.heartbeatLoop(ctx, interval)
	}

	if s.resuming {
		s.setStatus(StatusResuming)
		return s.queuePayload(protocol.OpcodeResume, protocol.Resume{
			Token:     s.id.Token,
			SessionID: s.sessionID,
			Sequence:  atomic.LoadInt64(&s.lastSeq),
		})
	}
	s.setStatus(StatusIdentifying)
	return s.queueIdentify()
}

func (s *Session) handleInvalidSession(ctx context.Context, p *protocol.Payload) error {
	var resumable bool
	_ = json.Unmarshal(p.Data, &resumable)

	if resumable {
		logger.WarnWithTrace(ctx, "session invalidated, resumable",
			zap.String("session_id", s.sessionID))
		return ErrSessionInvalidated
	}

	// The session is gone for good. Identify fresh on this connection
	// after the randomized delay the server expects.
	if s.Status() == StatusResuming {
		metrics.SessionResumes.WithLabelValues("invalidated").Inc()
	}
	logger.WarnWithTrace(ctx, "session invalidated, identifying fresh",
		zap.String("session_id", s.sessionID))

	s.sessionID = ""
	s.resumeURL = ""
	s.resuming = false
	atomic.StoreInt64(&s.lastSeq, 0)

	if err := retry.Sleep(ctx, s.identifyDelay()); err != nil {
		return &protocol.TransportError{Op: "identify wait", Err: err}
	}
	s.setStatus(StatusIdentifying)
	return s.queueIdentify()
}

func (s *Session) handleDispatch(ctx context.Context, p *protocol.Payload) error {
	metrics.EventsReceived.WithLabelValues(p.Type).Inc()

	var gap bool
	if p.Sequence > 0 {
		last := atomic.LoadInt64(&s.lastSeq)
		switch {
		case p.Sequence <= last:
			// Replayed or reordered behind what we already saw.
			metrics.EventsDroppedStale.Inc()
			logger.DebugWithTrace(ctx, "dropping stale dispatch",
				zap.String("event_type", p.Type),
				zap.Int64("sequence", p.Sequence),
				zap.Int64("last_sequence", last))
			return nil
		case last > 0 && p.Sequence > last+1:
			gap = true
		}
		atomic.StoreInt64(&s.lastSeq, p.Sequence)
	}

	switch p.Type {
	case protocol.EventTypeReady:
		var ready protocol.Ready
		if err := json.Unmarshal(p.Data, &ready); err != nil {
			return &protocol.DecodeError{Err: fmt.Errorf("ready payload: %w", err)}
		}
		s.sessionID = ready.SessionID
		s.resumeURL = ready.ResumeGatewayURL
		s.setStatus(StatusReady)
		logger.InfoWithTrace(ctx, "session ready",
			zap.String("session_id", ready.SessionID),
			zap.Int("gateway_version", ready.Version))

	case protocol.EventTypeResumed:
		s.setStatus(StatusReady)
		metrics.SessionResumes.WithLabelValues("success").Inc()
		logger.InfoWithTrace(ctx, "session resumed",
			zap.String("session_id", s.sessionID),
			zap.Int64("sequence", atomic.LoadInt64(&s.lastSeq)))
	}

	if err := s.opts.Sink.Emit(ctx, p); err != nil {
		logger.WarnWithTrace(ctx, "sink emit failed", zap.Error(err))
	}

	if gap {
		// Events were lost on the wire. A resume re-syncs the stream
		// server-side instead of skipping them silently.
		logger.WarnWithTrace(ctx, "dispatch sequence gap, forcing resume",
			zap.Int64("sequence", p.Sequence))
		return errSequenceGap
	}
	return nil
}

func (s *Session) heartbeatLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	// First beat lands at a random point in the first interval so
	// reconnecting shards don't align their heartbeats.
	timer := time.NewTimer(time.Duration(rand.Float64() * float64(interval)))
	defer timer.Stop()

	var (
		missed   int
		awaiting bool
		sentAt   time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return

		case at := <-s.acks:
			if awaiting {
				metrics.HeartbeatLatency.Observe(at.Sub(sentAt).Seconds())
				awaiting = false
				missed = 0
			}

		case <-timer.C:
			if awaiting {
				missed++
				if missed >= 2 {
					metrics.HeartbeatTimeouts.Inc()
					s.fail(ErrHeartbeatTimeout)
					return
				}
			}
			s.queueHeartbeat()
			sentAt = time.Now()
			awaiting = true
			timer.Reset(interval)
		}
	}
}

func (s *Session) queueHeartbeat() {
	// d is null until the first dispatch establishes a sequence
	var d any
	if seq := atomic.LoadInt64(&s.lastSeq); seq > 0 {
		d = seq
	}
	if err := s.queuePayload(protocol.OpcodeHeartbeat, d); err != nil {
		s.fail(err)
	}
}

func (s *Session) queueIdentify() error {
	identify := protocol.Identify{
		Token: s.id.Token,
		Properties: protocol.IdentifyProperties{
			OS:      s.id.OS,
			Browser: s.id.Browser,
			Device:  s.id.Device,
		},
		Intents: s.id.Intents,
	}
	if s.id.ShardCount > 0 {
		identify.Shard = &[2]int{s.id.ShardID, s.id.ShardCount}
	}
	return s.queuePayload(protocol.OpcodeIdentify, identify)
}

func (s *Session) queuePayload(op protocol.Opcode, d any) error {
	p, err := protocol.Marshal(op, d)
	if err != nil {
		return fmt.Errorf("marshal %v: %w", op, err)
	}
	data, err := protocol.Encode(p)
	if err != nil {
		return fmt.Errorf("encode %v: %w", op, err)
	}
	select {
	case s.priority <- frame{op: op, data: data}:
		return nil
	default:
		// The writer is wedged; the connection is as good as dead.
		return &protocol.TransportError{Op: "queue", Err: errors.New("priority lane full")}
	}
}

func (s *Session) writeLoop(ctx context.Context, conn *websocket.Conn) {
	defer s.wg.Done()
	for {
		// Heartbeats and handshake frames bypass queued commands.
		select {
		case fr := <-s.priority:
			if !s.writeFrame(conn, fr) {
				return
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case fr := <-s.priority:
			if !s.writeFrame(conn, fr) {
				return
			}
		case fr := <-s.commands:
			if err := s.pacer.Wait(ctx); err != nil {
				return
			}
			if !s.writeFrame(conn, fr) {
				return
			}
		}
	}
}

func (s *Session) writeFrame(conn *websocket.Conn, fr frame) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, fr.data); err != nil {
		s.fail(&protocol.TransportError{Op: "write", Err: err})
		return false
	}
	metrics.CommandsSent.WithLabelValues(fr.op.String()).Inc()
	return true
}

// fail records the first exit cause and tears the transport down so
// every loop unblocks.
func (s *Session) fail(err error) {
	if err == nil {
		return
	}
	s.failOnce.Do(func() {
		s.exitErr = err
		if conn := s.getConn(); conn != nil {
			_ = conn.Close()
		}
	})
}

func (s *Session) setStatus(st Status) {
	old := Status(atomic.SwapInt32(&s.status, int32(st)))
	if old == st {
		return
	}
	metrics.ObserveSessionState(int(st))
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(st)
	}
}

func (s *Session) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

func (s *Session) getConn() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}
