package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyhall/discord-gateway/internal/config"
	"github.com/skyhall/discord-gateway/internal/logger"
	"github.com/skyhall/discord-gateway/internal/metrics"
	"github.com/skyhall/discord-gateway/internal/protocol"
	"github.com/skyhall/discord-gateway/internal/rest"
	"github.com/skyhall/discord-gateway/internal/retry"
	"github.com/skyhall/discord-gateway/internal/session"
	"github.com/skyhall/discord-gateway/internal/sink"
)

var (
	// ErrAlreadyRunning is returned by Start while a supervision loop is active.
	ErrAlreadyRunning = errors.New("container already running")

	// ErrStopped is returned by Start after Stop has released the sinks.
	ErrStopped = errors.New("container stopped")

	// ErrNoSession is returned by Send when no connection is being supervised.
	ErrNoSession = errors.New("no active session")
)

// Container supervises a single gateway session: REST bootstrap,
// resume-or-identify decisions between attempts, reconnect backoff,
// and the consecutive-failure cutoff. One session is live at a time;
// each connection attempt gets a fresh Session value.
type Container struct {
	cfg        *config.Config
	restClient *rest.Client
	instanceID string

	// events is the in-process consumer side; emit is what sessions
	// write into (a tee when Redis publishing is enabled)
	events *sink.ChannelSink
	emit   sink.EventSink

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
	current *session.Session

	state    int32
	failures int32
	statusCh chan session.Status
}

// New wires the container's collaborators. When Redis publishing is
// enabled the Redis connection is verified here so a bad address fails
// fast instead of surfacing as silent publish drops.
func New(cfg *config.Config) (*Container, error) {
	events := sink.NewChannelSink(cfg.Sink.BufferSize)
	var emit sink.EventSink = events

	if cfg.Sink.RedisEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		redisSink, err := sink.NewRedisSink(ctx, cfg.Redis, cfg.Sink.BufferSize)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		emit = sink.NewTeeSink(events, redisSink)
	}

	return &Container{
		cfg:        cfg,
		restClient: rest.NewClient(cfg.Rest, cfg.Discord.Token),
		instanceID: uuid.NewString(),
		events:     events,
		emit:       emit,
		state:      int32(session.StatusDisconnected),
		statusCh:   make(chan session.Status, 32),
	}, nil
}

// Start bootstraps the gateway URL over REST and launches the
// supervision loop. It returns once the loop is running; connection
// progress is observable through State and Statuses. Calling Start
// again after the container entered Failed begins a new supervision
// round with a cleared failure budget.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	bootstrap, err := c.bootstrap(ctx)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}

	supCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	atomic.StoreInt32(&c.failures, 0)

	logger.L.Info("gateway container starting",
		zap.String("instance_id", c.instanceID),
		zap.String("gateway_url", bootstrap.URL),
		zap.Int("recommended_shards", bootstrap.Shards),
		zap.Int("sessions_remaining", bootstrap.SessionStartLimit.Remaining),
	)

	go c.supervise(supCtx, done, bootstrap.URL)
	return nil
}

// bootstrap fetches the gateway URL, retrying transient REST failures.
// A drained session start limit refuses startup outright; identifying
// anyway would burn the last session starts and trip the remote ban.
func (c *Container) bootstrap(ctx context.Context) (*rest.GatewayBot, error) {
	var bootstrap *rest.GatewayBot
	err := retry.Do(ctx, retry.RetryConfig{MaxRetries: 3, RetryDelay: time.Second}, func() error {
		var err error
		bootstrap, err = c.restClient.GetGatewayBot(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("gateway bootstrap failed: %w", err)
	}

	if bootstrap.SessionStartLimit.Remaining <= 0 {
		return nil, fmt.Errorf("session start limit exhausted, resets in %s",
			time.Duration(bootstrap.SessionStartLimit.ResetAfter)*time.Millisecond)
	}
	return bootstrap, nil
}

func (c *Container) supervise(ctx context.Context, done chan struct{}, bootstrapURL string) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(done)
	}()

	backoff := retry.Backoff{
		Base: c.cfg.Gateway.BackoffBase,
		Cap:  c.cfg.Gateway.BackoffCap,
	}
	var resume *session.ResumeState

	for {
		s := session.New(c.cfg, session.Options{
			URL:      c.gatewayURL(bootstrapURL, resume),
			Resume:   resume,
			Sink:     c.emit,
			OnStatus: c.observe,
		})
		c.setCurrent(s)
		err := s.Run(ctx)
		c.setCurrent(nil)

		if err == nil {
			// requested stop or cancelled parent
			return
		}

		if session.Fatal(err) {
			logger.L.Error("gateway refused the session, not retrying",
				zap.String("instance_id", c.instanceID),
				zap.Error(err),
			)
			c.setState(session.StatusFailed)
			return
		}

		// A run that reached Ready cleared the counter, so this
		// failure starts a fresh streak.
		if atomic.LoadInt32(&c.failures) == 0 {
			backoff.Reset()
		}
		n := int(atomic.AddInt32(&c.failures, 1))
		metrics.ReconnectFailures.Inc()

		if n >= c.cfg.Gateway.MaxReconnects {
			logger.L.Error("giving up after consecutive connection failures",
				zap.String("instance_id", c.instanceID),
				zap.Int("failures", n),
				zap.Error(err),
			)
			c.setState(session.StatusFailed)
			return
		}

		if session.Resumable(err) {
			resume = s.ResumeState()
		} else {
			resume = nil
		}

		delay := backoff.Next()
		logger.L.Warn("gateway connection lost, reconnecting",
			zap.String("instance_id", c.instanceID),
			zap.Int("failures", n),
			zap.Duration("backoff", delay),
			zap.Bool("resume", resume != nil),
			zap.Error(err),
		)
		if retry.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// gatewayURL resolves the dial target for the next attempt. A resume
// prefers the resume gateway URL the READY dispatch advertised.
func (c *Container) gatewayURL(bootstrapURL string, resume *session.ResumeState) string {
	base := bootstrapURL
	if resume != nil && resume.GatewayURL != "" {
		base = resume.GatewayURL
	}
	return rest.GatewayURL(base, c.cfg.Gateway.Compress)
}

// observe mirrors session status onto the container and feeds the
// status channel. Runs on session goroutines; must stay non-blocking.
func (c *Container) observe(st session.Status) {
	if st == session.StatusReady {
		atomic.StoreInt32(&c.failures, 0)
	}
	c.setState(st)
}

func (c *Container) setState(st session.Status) {
	old := session.Status(atomic.SwapInt32(&c.state, int32(st)))
	if old == st {
		return
	}
	metrics.ObserveSessionState(int(st))
	select {
	case c.statusCh <- st:
	default:
	}
}

// Stop shuts the container down for good: the live session closes with
// a normal-closure frame, the supervision loop ends, and the sinks are
// released. ctx bounds the grace period; when it expires the transport
// is torn down hard. A stopped container cannot be started again.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel := c.cancel
	done := c.done
	current := c.current
	c.mu.Unlock()

	logger.L.Info("stopping gateway container",
		zap.String("instance_id", c.instanceID),
	)

	if current != nil {
		current.Stop(ctx)
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			// The loop has not drained, so a session may still emit.
			// Leave the sinks open rather than racing their producers.
			return ctx.Err()
		}
	}
	return c.emit.Close()
}

// State returns the supervised session's lifecycle state, or Failed
// once the container has given up.
func (c *Container) State() session.Status {
	return session.Status(atomic.LoadInt32(&c.state))
}

// Statuses exposes state transitions for a process-level observer.
// Transitions overflow silently when the observer lags; State always
// holds the current value.
func (c *Container) Statuses() <-chan session.Status {
	return c.statusCh
}

// Events is the consumer side of the in-process sink: every dispatch
// of the supervised session, in receipt order.
func (c *Container) Events() <-chan *protocol.Payload {
	return c.events.Events()
}

// Send forwards a command to the live session.
func (c *Container) Send(cmd session.Command) error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	return s.Send(cmd)
}

// Rest exposes the container's REST client for the bot's outward
// calls, sharing its rate-limit state with the bootstrap path.
func (c *Container) Rest() *rest.Client {
	return c.restClient
}

// InstanceID identifies this container in logs and downstream events.
func (c *Container) InstanceID() string {
	return c.instanceID
}

func (c *Container) setCurrent(s *session.Session) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
}
