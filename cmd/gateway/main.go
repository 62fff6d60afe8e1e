package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/skyhall/discord-gateway/internal/config"
	"github.com/skyhall/discord-gateway/internal/dispatch"
	"github.com/skyhall/discord-gateway/internal/gateway"
	"github.com/skyhall/discord-gateway/internal/logger"
	"github.com/skyhall/discord-gateway/internal/protocol"
	"github.com/skyhall/discord-gateway/internal/rest"
	"github.com/skyhall/discord-gateway/internal/session"
	"github.com/skyhall/discord-gateway/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "Configuration file path")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger (environment variable overrides the file value)
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	if err := logger.Init(logLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize tracing (optional, if an OTLP endpoint is provided)
	otlpEndpoint := os.Getenv("OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = cfg.Tracing.Endpoint
	}
	if otlpEndpoint != "" {
		if err := tracing.Init("discord-gateway", version, otlpEndpoint); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized", zap.String("endpoint", otlpEndpoint))
		}
	}

	// Create the gateway container
	container, err := gateway.New(cfg)
	if err != nil {
		logger.L.Fatal("Failed to create gateway container", zap.Error(err))
	}

	// Route dispatch events through the worker pool
	mux := dispatch.NewMux(cfg.Sink.Workers, cfg.Sink.QueueSize)
	registerHandlers(mux, container.Rest())
	muxDone := make(chan struct{})
	go func() {
		mux.Consume(container.Events())
		close(muxDone)
	}()

	// Start the supervised session
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := container.Start(ctx); err != nil {
		logger.L.Fatal("Failed to start gateway container", zap.Error(err))
	}

	// Metrics and health listener
	opsServer := startOpsServer(cfg.Metrics.ListenAddr, container)

	logger.L.Info("Discord gateway started",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("instance_id", container.InstanceID()),
	)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.L.Info("Received stop signal, starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer shutdownCancel()

	// Container first: it closes the session and the sinks, which ends
	// the mux consumer, then the mux drains its queue.
	if err := container.Stop(shutdownCtx); err != nil {
		logger.L.Error("Error during container shutdown", zap.Error(err))
	}
	select {
	case <-muxDone:
		if err := mux.Close(); err != nil {
			logger.L.Error("Error during dispatch shutdown", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		// The event channel never closed, so the consumer may still
		// post; closing the queue under it is not safe.
		logger.L.Warn("Dispatch consumer still running at shutdown deadline")
	}
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during ops server shutdown", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	logger.L.Info("Discord gateway closed")
}

// registerHandlers wires the bot's event handling. The ping responder
// doubles as an end-to-end check that commands and REST calls work.
func registerHandlers(mux *dispatch.Mux, restClient *rest.Client) {
	mux.Handle("MESSAGE_CREATE", func(ctx context.Context, p *protocol.Payload) {
		var msg rest.Message
		if err := json.Unmarshal(p.Data, &msg); err != nil {
			logger.L.Warn("malformed message dispatch", zap.Error(err))
			return
		}
		if msg.Author != nil && msg.Author.Bot {
			return
		}
		if strings.TrimSpace(msg.Content) != "!ping" {
			return
		}
		if _, err := restClient.CreateMessage(ctx, msg.ChannelID, "pong"); err != nil {
			logger.L.Warn("failed to answer ping",
				zap.String("channel_id", msg.ChannelID),
				zap.Error(err),
			)
		}
	})

	mux.HandleDefault(func(ctx context.Context, p *protocol.Payload) {
		logger.DebugWithTrace(ctx, "dispatch event",
			zap.String("event_type", p.Type),
			zap.Int64("sequence", p.Sequence),
		)
	})
}

// startOpsServer serves Prometheus metrics and health probes.
// Readiness reflects the supervised session: ready only while the
// gateway connection is live.
func startOpsServer(addr string, container *gateway.Container) *http.Server {
	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", promhttp.Handler())
	opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	opsMux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if container.State() != session.StatusReady {
			http.Error(w, container.State().String(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: addr, Handler: opsMux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.L.Error("ops server error", zap.Error(err))
		}
	}()

	logger.L.Info("ops server started", zap.String("addr", addr))
	return srv
}
