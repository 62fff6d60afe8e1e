package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"

	"github.com/skyhall/discord-gateway/internal/protocol"
)

var (
	addr         = flag.String("addr", ":8099", "Listen address")
	heartbeatMs  = flag.Int64("heartbeat", 41250, "Heartbeat interval in milliseconds")
	eventRate    = flag.Float64("rate", 1.0, "Dispatch events per second per session")
	dropAfter    = flag.Duration("drop-after", 0, "Close each connection with 4000 after this long (0 = never)")
	invalidEvery = flag.Int("invalid-every", 0, "Reject every Nth identify with op 9 (0 = never)")
	verbose      = flag.Bool("verbose", false, "Log every client frame")
)

var (
	upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	connSeq    int64
	sessionSeq int64
	eventCount int64

	// session id -> last sequence, for resume checks
	sessionsMu sync.Mutex
	sessions   = map[string]int64{}
)

func main() {
	flag.Parse()

	fmt.Printf("=== Fake Discord Gateway ===\n")
	fmt.Printf("Listen: %s\n", *addr)
	fmt.Printf("Heartbeat interval: %dms\n", *heartbeatMs)
	fmt.Printf("Dispatch rate: %.2f events/s\n", *eventRate)
	if *dropAfter > 0 {
		fmt.Printf("Dropping connections after: %v\n", *dropAfter)
	}
	if *invalidEvery > 0 {
		fmt.Printf("Invalidating every %dth identify\n", *invalidEvery)
	}
	fmt.Printf("\nPoint the bot at rest.base_url=http://localhost%s\n\n", *addr)

	mux := http.NewServeMux()
	mux.HandleFunc("/gateway/bot", handleGatewayBot)
	mux.HandleFunc("/", handleSocket)

	go reportLoop()

	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

func handleGatewayBot(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "401: Unauthorized", "code": 0}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"url":    "ws://" + r.Host,
		"shards": 1,
		"session_start_limit": map[string]any{
			"total":           1000,
			"remaining":       999,
			"reset_after":     0,
			"max_concurrency": 1,
		},
	})
}

func handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	compress := r.URL.Query().Get("compress") == "zlib-stream"
	c := &clientConn{
		id:       atomic.AddInt64(&connSeq, 1),
		conn:     conn,
		compress: compress,
		stopped:  make(chan struct{}),
	}
	log.Printf("conn %d: connected (encoding=%s compress=%v)",
		c.id, r.URL.Query().Get("encoding"), compress)
	c.run()
	log.Printf("conn %d: closed", c.id)
}

// clientConn is one gateway connection. The read loop owns the
// session handshake; the event ticker runs beside it once a session
// is live.
type clientConn struct {
	id       int64
	conn     *websocket.Conn
	compress bool

	writeMu sync.Mutex
	zbuf    bytes.Buffer
	zw      *zlib.Writer

	seq       int64
	sessionID string

	tickerOnce sync.Once
	stopOnce   sync.Once
	stopped    chan struct{}
}

func (c *clientConn) run() {
	defer c.stop()

	c.send(&protocol.Payload{
		Op:   protocol.OpcodeHello,
		Data: mustMarshal(protocol.Hello{HeartbeatInterval: *heartbeatMs}),
	})

	if *dropAfter > 0 {
		timer := time.AfterFunc(*dropAfter, func() {
			log.Printf("conn %d: dropping with close 4000", c.id)
			msg := websocket.FormatCloseMessage(4000, "scheduled drop")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		})
		defer timer.Stop()
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var p protocol.Payload
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("conn %d: malformed client frame: %v", c.id, err)
			continue
		}
		if *verbose {
			log.Printf("conn %d: <- op %v", c.id, p.Op)
		}

		switch p.Op {
		case protocol.OpcodeHeartbeat:
			c.send(&protocol.Payload{Op: protocol.OpcodeHeartbeatACK})

		case protocol.OpcodeIdentify:
			c.handleIdentify()

		case protocol.OpcodeResume:
			c.handleResume(p.Data)

		case protocol.OpcodePresenceUpdate, protocol.OpcodeVoiceStateUpdate, protocol.OpcodeRequestGuildMembers:
			log.Printf("conn %d: command op %v accepted", c.id, p.Op)

		default:
			log.Printf("conn %d: ignoring op %v", c.id, p.Op)
		}
	}
}

func (c *clientConn) handleIdentify() {
	n := atomic.AddInt64(&sessionSeq, 1)
	if *invalidEvery > 0 && n%int64(*invalidEvery) == 0 {
		log.Printf("conn %d: invalidating identify %d", c.id, n)
		c.send(&protocol.Payload{Op: protocol.OpcodeInvalidSession, Data: json.RawMessage("false")})
		return
	}

	c.sessionID = fmt.Sprintf("fake-%d", n)
	c.send(&protocol.Payload{
		Op:       protocol.OpcodeDispatch,
		Type:     protocol.EventTypeReady,
		Sequence: c.bumpSeq(),
		Data: mustMarshal(protocol.Ready{
			Version:   10,
			SessionID: c.sessionID,
		}),
	})
	log.Printf("conn %d: session %s ready", c.id, c.sessionID)
	c.startEvents()
}

func (c *clientConn) handleResume(data json.RawMessage) {
	var resume protocol.Resume
	if err := json.Unmarshal(data, &resume); err != nil {
		c.send(&protocol.Payload{Op: protocol.OpcodeInvalidSession, Data: json.RawMessage("false")})
		return
	}

	sessionsMu.Lock()
	last, ok := sessions[resume.SessionID]
	sessionsMu.Unlock()
	if !ok {
		log.Printf("conn %d: unknown session %q, invalidating", c.id, resume.SessionID)
		c.send(&protocol.Payload{Op: protocol.OpcodeInvalidSession, Data: json.RawMessage("false")})
		return
	}

	c.sessionID = resume.SessionID
	atomic.StoreInt64(&c.seq, last)
	log.Printf("conn %d: session %s resuming from %d (server at %d)",
		c.id, resume.SessionID, resume.Sequence, last)

	c.send(&protocol.Payload{
		Op:       protocol.OpcodeDispatch,
		Type:     protocol.EventTypeResumed,
		Sequence: c.bumpSeq(),
		Data:     json.RawMessage("{}"),
	})
	c.startEvents()
}

// startEvents begins the periodic dispatch stream, once per connection
func (c *clientConn) startEvents() {
	if *eventRate <= 0 {
		return
	}
	c.tickerOnce.Do(func() {
		go func() {
			interval := time.Duration(float64(time.Second) / *eventRate)
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-c.stopped:
					return
				case <-ticker.C:
					seq := c.bumpSeq()
					n := atomic.AddInt64(&eventCount, 1)
					c.send(&protocol.Payload{
						Op:       protocol.OpcodeDispatch,
						Type:     "MESSAGE_CREATE",
						Sequence: seq,
						Data: mustMarshal(map[string]any{
							"id":         fmt.Sprintf("%d", n),
							"channel_id": "100000000000000001",
							"content":    fmt.Sprintf("fake event %d", n),
							"author": map[string]any{
								"id":       "200000000000000001",
								"username": "fakegateway",
								"bot":      false,
							},
						}),
					})
				}
			}
		}()
	})
}

func (c *clientConn) bumpSeq() int64 {
	seq := atomic.AddInt64(&c.seq, 1)
	if c.sessionID != "" {
		sessionsMu.Lock()
		sessions[c.sessionID] = seq
		sessionsMu.Unlock()
	}
	return seq
}

func (c *clientConn) stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
}

// send writes one payload, as plain JSON text or as a slice of the
// connection's shared zlib stream when the client asked for
// zlib-stream transport compression.
func (c *clientConn) send(p *protocol.Payload) {
	data, err := json.Marshal(p)
	if err != nil {
		log.Printf("conn %d: marshal: %v", c.id, err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.compress {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.stop()
		}
		return
	}

	// One zlib stream spans the connection; each payload ends on a
	// sync flush so the client can find frame boundaries.
	if c.zw == nil {
		c.zw = zlib.NewWriter(&c.zbuf)
	}
	c.zbuf.Reset()
	if _, err := c.zw.Write(data); err != nil {
		log.Printf("conn %d: compress: %v", c.id, err)
		return
	}
	if err := c.zw.Flush(); err != nil {
		log.Printf("conn %d: flush: %v", c.id, err)
		return
	}
	frame := make([]byte, c.zbuf.Len())
	copy(frame, c.zbuf.Bytes())
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		c.stop()
	}
}

func reportLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		fmt.Printf("[stats] connections: %d | sessions: %d | events: %d\n",
			atomic.LoadInt64(&connSeq),
			atomic.LoadInt64(&sessionSeq),
			atomic.LoadInt64(&eventCount))
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
