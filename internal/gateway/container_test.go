package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyhall/discord-gateway/internal/config"
	"github.com/skyhall/discord-gateway/internal/protocol"
	"github.com/skyhall/discord-gateway/internal/session"
)

// scriptServer plays one scripted conversation per accepted gateway
// connection. Scripts run on handler goroutines and must report
// failures with t.Errorf.
type scriptServer struct {
	srv *httptest.Server

	mu      sync.Mutex
	served  int
	scripts []func(t *testing.T, conn *websocket.Conn)
}

func newScriptServer(t *testing.T, scripts ...func(t *testing.T, conn *websocket.Conn)) *scriptServer {
	t.Helper()
	s := &scriptServer{scripts: scripts}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		n := s.served
		s.served++
		s.mu.Unlock()
		if n >= len(s.scripts) {
			t.Errorf("unexpected connection %d, only %d scripted", n+1, len(s.scripts))
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
		s.scripts[n](t, conn)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *scriptServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *scriptServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

func newRestServer(t *testing.T, gatewayURL string, remaining int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gateway/bot" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"url":    gatewayURL,
			"shards": 1,
			"session_start_limit": map[string]any{
				"total":           1000,
				"remaining":       remaining,
				"reset_after":     86400000,
				"max_concurrency": 1,
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(restURL string) *config.Config {
	return &config.Config{
		Discord: config.DiscordConfig{
			Token:   "test-token",
			Intents: 1,
			OS:      "linux",
			Browser: "skyhall",
			Device:  "skyhall",
		},
		Gateway: config.GatewayConfig{
			CommandQueueSize: 8,
			MaxReconnects:    3,
			BackoffBase:      10 * time.Millisecond,
			BackoffCap:       40 * time.Millisecond,
			DialTimeout:      5 * time.Second,
			MaxMessageSize:   1 << 20,
			SendLimit:        120,
			SendWindow:       60 * time.Second,
		},
		Rest: config.RestConfig{
			BaseURL:          restURL,
			RequestTimeout:   5 * time.Second,
			GlobalRate:       50,
			BreakerThreshold: 5,
			BreakerCooldown:  time.Second,
		},
		Sink: config.SinkConfig{BufferSize: 64, Workers: 1, QueueSize: 16},
	}
}

func send(t *testing.T, conn *websocket.Conn, p *protocol.Payload) {
	t.Helper()
	data, err := json.Marshal(p)
	if err != nil {
		t.Errorf("marshal server payload: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("write server payload: %v", err)
	}
}

func sendHello(t *testing.T, conn *websocket.Conn, intervalMs int64) {
	t.Helper()
	data, _ := json.Marshal(protocol.Hello{HeartbeatInterval: intervalMs})
	send(t, conn, &protocol.Payload{Op: protocol.OpcodeHello, Data: data})
}

func sendDispatch(t *testing.T, conn *websocket.Conn, eventType string, seq int64, d any) {
	t.Helper()
	data, err := json.Marshal(d)
	if err != nil {
		t.Errorf("marshal dispatch data: %v", err)
		return
	}
	send(t, conn, &protocol.Payload{
		Op:       protocol.OpcodeDispatch,
		Data:     data,
		Sequence: seq,
		Type:     eventType,
	})
}

func expectOp(t *testing.T, conn *websocket.Conn, want protocol.Opcode) *protocol.Payload {
	t.Helper()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read client frame: %v", err)
			return nil
		}
		var p protocol.Payload
		if err := json.Unmarshal(data, &p); err != nil {
			t.Errorf("decode client frame: %v", err)
			return nil
		}
		if p.Op == protocol.OpcodeHeartbeat && want != protocol.OpcodeHeartbeat {
			send(t, conn, &protocol.Payload{Op: protocol.OpcodeHeartbeatACK})
			continue
		}
		if p.Op != want {
			t.Errorf("client sent opcode %v, want %v", p.Op, want)
			return nil
		}
		return &p
	}
}

func closeConn(t *testing.T, conn *websocket.Conn, code int, reason string) {
	t.Helper()
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Errorf("write close frame: %v", err)
	}
}

func drain(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// holdOpen services heartbeats until the peer goes away
func holdOpen(t *testing.T, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var p protocol.Payload
		if json.Unmarshal(data, &p) == nil && p.Op == protocol.OpcodeHeartbeat {
			send(t, conn, &protocol.Payload{Op: protocol.OpcodeHeartbeatACK})
		}
	}
}

func awaitStatus(t *testing.T, c *Container, want session.Status) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-c.Statuses():
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("container never reached status %v (currently %v)", want, c.State())
		}
	}
}

func TestContainer_StartToReadyAndGracefulStop(t *testing.T) {
	gotPresence := make(chan struct{})
	gw := newScriptServer(t, func(t *testing.T, conn *websocket.Conn) {
		sendHello(t, conn, 60000)
		if expectOp(t, conn, protocol.OpcodeIdentify) == nil {
			return
		}
		sendDispatch(t, conn, protocol.EventTypeReady, 1, protocol.Ready{SessionID: "sess-1"})
		sendDispatch(t, conn, "MESSAGE_CREATE", 2, map[string]string{"content": "hi"})

		if expectOp(t, conn, protocol.OpcodePresenceUpdate) == nil {
			return
		}
		close(gotPresence)
		holdOpen(t, conn)
	})
	restSrv := newRestServer(t, gw.wsURL(), 100)

	c, err := New(testConfig(restSrv.URL))
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start = %v, want ErrAlreadyRunning", err)
	}

	awaitStatus(t, c, session.StatusReady)

	if err := c.Send(session.UpdatePresence(protocol.PresenceUpdate{Status: "online"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-gotPresence:
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the presence update")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := c.State(); got != session.StatusDisconnected {
		t.Fatalf("state after stop = %v, want %v", got, session.StatusDisconnected)
	}

	// both dispatches arrived in order, and the sink closed with the container
	var seqs []int64
	for p := range c.Events() {
		seqs = append(seqs, p.Sequence)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("event sequences = %v, want [1 2]", seqs)
	}

	if err := c.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("start after stop = %v, want ErrStopped", err)
	}
}

func TestContainer_FailsAfterMaxReconnectsThenRestarts(t *testing.T) {
	kill := func(t *testing.T, conn *websocket.Conn) {
		// slam the transport shut before the handshake
		_ = conn.Close()
	}
	gw := newScriptServer(t, kill, kill, kill, func(t *testing.T, conn *websocket.Conn) {
		sendHello(t, conn, 60000)
		if expectOp(t, conn, protocol.OpcodeIdentify) == nil {
			return
		}
		sendDispatch(t, conn, protocol.EventTypeReady, 1, protocol.Ready{SessionID: "sess-1"})
		holdOpen(t, conn)
	})
	restSrv := newRestServer(t, gw.wsURL(), 100)

	c, err := New(testConfig(restSrv.URL))
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	awaitStatus(t, c, session.StatusFailed)
	if got := gw.connections(); got != 3 {
		t.Fatalf("connection attempts = %d, want 3", got)
	}

	// terminal: no further attempts happen on their own
	time.Sleep(150 * time.Millisecond)
	if got := gw.connections(); got != 3 {
		t.Fatalf("connection attempts after Failed = %d, want 3", got)
	}
	if err := c.Send(session.UpdatePresence(protocol.PresenceUpdate{Status: "online"})); !errors.Is(err, ErrNoSession) {
		t.Fatalf("send while failed = %v, want ErrNoSession", err)
	}

	// an explicit Start leaves Failed and supervises again
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	awaitStatus(t, c, session.StatusReady)
	if got := gw.connections(); got != 4 {
		t.Fatalf("connection attempts after restart = %d, want 4", got)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = c.Stop(stopCtx)
}

func TestContainer_ResumesAfterResumableExit(t *testing.T) {
	gw := newScriptServer(t,
		func(t *testing.T, conn *websocket.Conn) {
			sendHello(t, conn, 60000)
			if expectOp(t, conn, protocol.OpcodeIdentify) == nil {
				return
			}
			sendDispatch(t, conn, protocol.EventTypeReady, 1, protocol.Ready{SessionID: "sess-1"})
			sendDispatch(t, conn, "MESSAGE_CREATE", 2, map[string]string{"content": "hi"})
			closeConn(t, conn, 4000, "rebalance")
			drain(conn)
		},
		func(t *testing.T, conn *websocket.Conn) {
			sendHello(t, conn, 60000)
			p := expectOp(t, conn, protocol.OpcodeResume)
			if p == nil {
				return
			}
			var resume protocol.Resume
			if err := json.Unmarshal(p.Data, &resume); err != nil {
				t.Errorf("decode resume: %v", err)
				return
			}
			if resume.SessionID != "sess-1" {
				t.Errorf("resume session id = %q, want sess-1", resume.SessionID)
			}
			if resume.Sequence != 2 {
				t.Errorf("resume sequence = %d, want 2", resume.Sequence)
			}
			sendDispatch(t, conn, protocol.EventTypeResumed, 3, struct{}{})
			holdOpen(t, conn)
		},
	)
	restSrv := newRestServer(t, gw.wsURL(), 100)

	c, err := New(testConfig(restSrv.URL))
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	awaitStatus(t, c, session.StatusReady)
	awaitStatus(t, c, session.StatusResuming)
	awaitStatus(t, c, session.StatusReady)
	if got := gw.connections(); got != 2 {
		t.Fatalf("connection attempts = %d, want 2", got)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var count int
	for range c.Events() {
		count++
	}
	if count != 3 {
		t.Fatalf("events delivered = %d, want 3", count)
	}
}

func TestContainer_FreshIdentifyAfterDecodeFailure(t *testing.T) {
	gw := newScriptServer(t,
		func(t *testing.T, conn *websocket.Conn) {
			sendHello(t, conn, 60000)
			if expectOp(t, conn, protocol.OpcodeIdentify) == nil {
				return
			}
			sendDispatch(t, conn, protocol.EventTypeReady, 1, protocol.Ready{SessionID: "sess-1"})
			// malformed frame poisons the connection
			if err := conn.WriteMessage(websocket.TextMessage, []byte("{broken")); err != nil {
				t.Errorf("write malformed frame: %v", err)
			}
			drain(conn)
		},
		func(t *testing.T, conn *websocket.Conn) {
			sendHello(t, conn, 60000)
			// resume state must have been discarded
			if expectOp(t, conn, protocol.OpcodeIdentify) == nil {
				return
			}
			sendDispatch(t, conn, protocol.EventTypeReady, 1, protocol.Ready{SessionID: "sess-2"})
			holdOpen(t, conn)
		},
	)
	restSrv := newRestServer(t, gw.wsURL(), 100)

	c, err := New(testConfig(restSrv.URL))
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	awaitStatus(t, c, session.StatusReady)
	awaitStatus(t, c, session.StatusReady)
	if got := gw.connections(); got != 2 {
		t.Fatalf("connection attempts = %d, want 2", got)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = c.Stop(stopCtx)
}

func TestContainer_FatalCloseGivesUpImmediately(t *testing.T) {
	gw := newScriptServer(t, func(t *testing.T, conn *websocket.Conn) {
		sendHello(t, conn, 60000)
		if expectOp(t, conn, protocol.OpcodeIdentify) == nil {
			return
		}
		closeConn(t, conn, 4004, "Authentication failed.")
		drain(conn)
	})
	restSrv := newRestServer(t, gw.wsURL(), 100)

	c, err := New(testConfig(restSrv.URL))
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	awaitStatus(t, c, session.StatusFailed)
	time.Sleep(150 * time.Millisecond)
	if got := gw.connections(); got != 1 {
		t.Fatalf("connection attempts = %d, want 1 (no retry on fatal close)", got)
	}
}

func TestContainer_RefusesExhaustedSessionLimit(t *testing.T) {
	gw := newScriptServer(t)
	restSrv := newRestServer(t, gw.wsURL(), 0)

	c, err := New(testConfig(restSrv.URL))
	if err != nil {
		t.Fatalf("new container: %v", err)
	}
	err = c.Start(context.Background())
	if err == nil {
		t.Fatal("start should refuse an exhausted session start limit")
	}
	if !strings.Contains(err.Error(), "session start limit") {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := gw.connections(); got != 0 {
		t.Fatalf("connection attempts = %d, want 0", got)
	}

	// a refused start leaves the container startable
	if err := c.Start(context.Background()); errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("start after refusal = %v, container should not be running", err)
	}
}
