package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/skyhall/discord-gateway/internal/circuitbreaker"
	"github.com/skyhall/discord-gateway/internal/config"
	"github.com/skyhall/discord-gateway/internal/logger"
	"github.com/skyhall/discord-gateway/internal/metrics"
	"github.com/skyhall/discord-gateway/internal/ratelimit"
	"github.com/skyhall/discord-gateway/internal/retry"
	"github.com/skyhall/discord-gateway/internal/tracing"
)

// APIVersion is the REST and gateway protocol version this client speaks.
const APIVersion = "10"

const userAgent = "DiscordBot (https://github.com/skyhall/discord-gateway, 1.0)"

// Client is the authenticated REST boundary. Every request passes the
// rate limiter and the circuit breaker before touching the network.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *ratelimit.Limiter
	breaker    *circuitbreaker.Breaker
}

// NewClient builds a client from the rest section of the configuration.
func NewClient(cfg config.RestConfig, token string) *Client {
	transport := &http.Transport{
		MaxIdleConns:    100,
		MaxConnsPerHost: 10,
		IdleConnTimeout: 90 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   token,
		limiter: ratelimit.NewLimiter(cfg.GlobalRate),
		breaker: circuitbreaker.NewBreaker(int64(cfg.BreakerThreshold), cfg.BreakerCooldown),
	}
}

// GatewayBot is the response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// SessionStartLimit is the identify budget for the current window.
// Remaining counts down per Identify and refills after ResetAfter ms.
type SessionStartLimit struct {
	Total          int   `json:"total"`
	Remaining      int   `json:"remaining"`
	ResetAfter     int64 `json:"reset_after"`
	MaxConcurrency int   `json:"max_concurrency"`
}

// GetGatewayBot fetches the websocket URL and the session start budget
// for the configured token.
func (c *Client) GetGatewayBot(ctx context.Context) (*GatewayBot, error) {
	var out GatewayBot
	if err := c.Do(ctx, http.MethodGet, "/gateway/bot", "/gateway/bot", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GatewayURL appends the protocol version, the payload encoding and the
// optional transport compression mode to a url from GetGatewayBot.
func GatewayURL(base string, compress bool) string {
	u := base + "/?v=" + APIVersion + "&encoding=json"
	if compress {
		u += "&compress=zlib-stream"
	}
	return u
}

// Message is the subset of a message object the gateway cares about.
type Message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    *User  `json:"author,omitempty"`
}

// User identifies a message author.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot"`
}

type createMessageRequest struct {
	Content string `json:"content"`
}

// CreateMessage posts content to a channel. The channel id is the
// route's major parameter, so each channel rides its own bucket.
func (c *Client) CreateMessage(ctx context.Context, channelID, content string) (*Message, error) {
	var out Message
	path := "/channels/" + channelID + "/messages"
	err := c.Do(ctx, http.MethodPost, path, "/channels/{channel}/messages", createMessageRequest{Content: content}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// TriggerTypingIndicator starts the typing indicator in a channel. The
// response carries no body.
func (c *Client) TriggerTypingIndicator(ctx context.Context, channelID string) error {
	return c.Do(ctx, http.MethodPost, "/channels/"+channelID+"/typing", "/channels/{channel}/typing", nil, nil)
}

// Do runs one authenticated request. path is the concrete request path
// with parameters substituted and doubles as the rate limit bucket key,
// so routes split by their major parameter. route is the parameter-free
// template used for metrics and logs. A 429 suspends the offending
// bucket (or the global limiter), sleeps the advertised retry delay and
// retries exactly once; a second 429 surfaces ErrRateLimited.
func (c *Client) Do(ctx context.Context, method, path, route string, body, out any) error {
	ctx, span := tracing.StartSpan(ctx, "rest.request")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.route", route),
	)

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
	}

	respBody, err := c.attempt(ctx, method, path, route, payload)
	var rle *rateLimitError
	if errors.As(err, &rle) {
		logger.L.Warn("rate limited, retrying once",
			zap.String("route", route),
			zap.Duration("retry_after", rle.retryAfter),
			zap.Bool("global", rle.global))
		if serr := retry.Sleep(ctx, rle.retryAfter); serr != nil {
			err = mapCtxErr(serr, method, route)
		} else {
			respBody, err = c.attempt(ctx, method, path, route, payload)
			if errors.As(err, &rle) {
				err = fmt.Errorf("%s %s: %w", method, route, ErrRateLimited)
			}
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return err
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding %s response: %w", route, err)
		}
	}
	return nil
}

func (c *Client) attempt(ctx context.Context, method, path, route string, payload []byte) ([]byte, error) {
	if !c.breaker.Allow() {
		metrics.BreakerState.Set(float64(c.breaker.State()))
		return nil, fmt.Errorf("%s %s: %w", method, route, ErrUnavailable)
	}

	lease, err := c.limiter.Acquire(ctx, method+" "+path)
	if err != nil {
		return nil, mapCtxErr(err, method, route)
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		c.limiter.Release(lease, nil)
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.limiter.Release(lease, nil)
		c.recordFailure()
		metrics.RestRequests.WithLabelValues(route, "error").Inc()
		var uerr *url.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &uerr) && uerr.Timeout()) {
			return nil, fmt.Errorf("%s %s: %w", method, route, ErrTimeout)
		}
		return nil, fmt.Errorf("%s %s: %w", method, route, err)
	}

	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	c.limiter.Release(lease, resp.Header)

	metrics.RestRequests.WithLabelValues(route, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.RestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())

	if readErr != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%s %s: reading response: %w", method, route, readErr)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		c.recordSuccess()
		return respBody, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		// Flow control, not a backend fault. The breaker stays out of it.
		metrics.RateLimited.Inc()
		d := ratelimit.RetryAfter(resp.Header, respBody)
		global := ratelimit.IsGlobal(resp.Header, respBody)
		if global {
			c.limiter.SuspendGlobal(d)
		} else {
			c.limiter.SuspendBucket(lease, d)
		}
		return nil, &rateLimitError{retryAfter: d, global: global}

	case resp.StatusCode >= 500:
		c.recordFailure()
		return nil, apiError(resp.StatusCode, respBody)

	default:
		// A 4xx is an answered request. The backend is healthy.
		c.recordSuccess()
		return nil, apiError(resp.StatusCode, respBody)
	}
}

func (c *Client) recordSuccess() {
	c.breaker.RecordSuccess()
	metrics.BreakerState.Set(float64(c.breaker.State()))
}

func (c *Client) recordFailure() {
	c.breaker.RecordFailure()
	metrics.BreakerState.Set(float64(c.breaker.State()))
}

func apiError(status int, body []byte) error {
	e := &APIError{Status: status}
	_ = json.Unmarshal(body, e)
	return e
}

func mapCtxErr(err error, method, route string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", method, route, ErrTimeout)
	}
	return fmt.Errorf("%s %s: %w", method, route, err)
}
