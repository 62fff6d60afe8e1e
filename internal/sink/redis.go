package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/skyhall/discord-gateway/internal/config"
	"github.com/skyhall/discord-gateway/internal/logger"
	"github.com/skyhall/discord-gateway/internal/metrics"
	"github.com/skyhall/discord-gateway/internal/protocol"
)

const publishTimeout = 5 * time.Second

// RedisSink publishes Dispatch payloads to Redis pub/sub for
// out-of-process consumers, one channel per event type
// (<prefix>events:<type>). Publishing runs on a dedicated goroutine
// behind a bounded queue, so a slow or down Redis costs the session a
// dropped payload, never a stall.
type RedisSink struct {
	rdb    *redis.Client
	prefix string
	queue  chan *protocol.Payload
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRedisSink connects and verifies the connection with a ping.
func NewRedisSink(ctx context.Context, cfg config.RedisConfig, buffer int) (*RedisSink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := &RedisSink{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
		queue:  make(chan *protocol.Payload, buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

// Emit queues the payload for publishing. A full queue drops it.
func (s *RedisSink) Emit(ctx context.Context, p *protocol.Payload) error {
	select {
	case s.queue <- p:
	default:
		metrics.SinkDrops.WithLabelValues("redis").Inc()
		logger.L.Warn("redis publish queue full, dropping payload",
			zap.String("event_type", p.Type),
			zap.Int64("sequence", p.Sequence))
	}
	return nil
}

func (s *RedisSink) run() {
	defer s.wg.Done()
	for p := range s.queue {
		s.publish(p)
	}
}

func (s *RedisSink) publish(p *protocol.Payload) {
	data, err := json.Marshal(p)
	if err != nil {
		metrics.SinkDrops.WithLabelValues("redis").Inc()
		logger.L.Error("marshal payload for redis", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	channel := s.prefix + "events:" + p.Type
	if err := s.rdb.Publish(ctx, channel, data).Err(); err != nil {
		metrics.SinkDrops.WithLabelValues("redis").Inc()
		logger.L.Warn("redis publish failed",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// Close drains the queue, then closes the connection.
func (s *RedisSink) Close() error {
	s.once.Do(func() { close(s.queue) })
	s.wg.Wait()
	return s.rdb.Close()
}
