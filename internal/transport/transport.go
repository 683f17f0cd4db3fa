// Package transport implements the self-healing WebSocket connection to the
// Turbo relay. It owns exactly one logical connection at a time, redialing
// with exponential backoff after unexpected closes, and delivers inbound
// frames and lifecycle notifications to a single subscriber via callbacks.
// It never interprets payloads: framing and typing belong to the protocol
// package, and anything unparseable is still handed upward as raw bytes.
package transport

import (
	"context"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/turbochat/client-go/internal/metrics"
)

// State describes the connection lifecycle as observed by callers. The
// transport owns the state exclusively; subscribers only read it.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Callbacks is the subscriber interface. All callbacks are invoked from the
// transport's internal goroutines, one at a time; handlers should not block
// for extended periods. Any field may be nil.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func()
	OnError   func(err error)
}

// Config holds dial and backoff tuning parameters.
type Config struct {
	URL            string
	InitialBackoff time.Duration // backoff floor, reset to on successful open
	MaxBackoff     time.Duration // backoff cap
	BackoffFactor  float64       // multiplicative growth per consecutive failure
	Jitter         time.Duration // random addition in [0, Jitter) per retry
	PingInterval   time.Duration // keepalive ping cadence; 0 disables
	DialTimeout    time.Duration
}

// DefaultConfig returns the standard reconnection policy: 500ms floor,
// x1.8 growth, 30s cap, up to 200ms of jitter.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  1.8,
		Jitter:         200 * time.Millisecond,
		PingInterval:   30 * time.Second,
		DialTimeout:    10 * time.Second,
	}
}

// Transport is a duplex, message-oriented connection with automatic
// reconnection. Construction connects immediately; Close is terminal.
type Transport struct {
	config Config
	cb     Callbacks

	// writeMu serializes socket writes: gobwas emits header and payload as
	// separate writes, so concurrent writers would interleave mid-frame.
	writeMu sync.Mutex

	mu         sync.Mutex
	conn       net.Conn
	state      State
	backoff    time.Duration
	closed     bool // set by Close before the socket goes down; suppresses redial
	retry      *time.Timer
	generation int // invalidates stale read loops after a redial

	// dial is swapped out by tests to avoid real listeners.
	dial func(ctx context.Context, url string) (net.Conn, error)
}

// Dial creates the transport and immediately begins establishing the
// connection in the background. The returned handle is usable right away;
// sends before the connection opens are dropped per the best-effort policy.
func Dial(config Config, cb Callbacks) *Transport {
	t := &Transport{
		config:  config,
		cb:      cb,
		state:   StateConnecting,
		backoff: config.InitialBackoff,
		dial: func(ctx context.Context, url string) (net.Conn, error) {
			conn, _, _, err := ws.Dial(ctx, url)
			return conn, err
		},
	}
	go t.connect()
	return t
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Send writes one text frame to the relay. It is best-effort and
// fire-and-forget: if the connection is not currently open the frame is
// silently dropped — no queue, no retry. Callers needing delivery
// guarantees layer them above this (optimistic append plus application
// level acknowledgement).
func (t *Transport) Send(data []byte) {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()

	if !open || conn == nil {
		metrics.SendsDropped.Inc()
		return
	}
	t.writeMu.Lock()
	err := wsutil.WriteClientMessage(conn, ws.OpText, data)
	t.writeMu.Unlock()
	if err != nil {
		log.Printf("transport: write failed: %v", err)
		metrics.SendsDropped.Inc()
		return
	}
	metrics.FramesTotal.WithLabelValues("sent").Inc()
}

// Close tears the connection down for good. The no-reconnect flag is set
// before the socket is closed so that the close notification from the read
// loop can never race a redial back to life. Safe to call multiple times.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.state = StateClosed
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// connect performs one dial attempt and, on success, starts the read loop.
func (t *Transport) connect() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.state = StateConnecting
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.config.DialTimeout)
	conn, err := t.dial(ctx, t.config.URL)
	cancel()
	if err != nil {
		t.mu.Lock()
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		log.Printf("transport: dial %s failed: %v", t.config.URL, err)
		if t.cb.OnError != nil {
			t.cb.OnError(err)
		}
		t.scheduleReconnect()
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.state = StateOpen
	t.backoff = t.config.InitialBackoff
	t.generation++
	gen := t.generation
	t.mu.Unlock()

	metrics.ConnectionState.Set(1)
	if t.cb.OnOpen != nil {
		t.cb.OnOpen()
	}

	if t.config.PingInterval > 0 {
		go t.pingLoop(conn, gen)
	}
	t.readLoop(conn, gen)
}

// readLoop reads frames until the connection drops, then decides whether the
// drop was caller-initiated or should trigger a redial.
func (t *Transport) readLoop(conn net.Conn, gen int) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			t.mu.Lock()
			stale := gen != t.generation
			closed := t.closed
			if !stale && !closed {
				// A redial follows, so the drop is a connecting phase, not a
				// terminal close; only Close moves the state to closed.
				t.state = StateConnecting
				t.conn = nil
			}
			t.mu.Unlock()

			if stale {
				return
			}
			metrics.ConnectionState.Set(0)
			if t.cb.OnClose != nil {
				t.cb.OnClose()
			}
			if !closed {
				t.scheduleReconnect()
			}
			return
		}

		metrics.FramesTotal.WithLabelValues("received").Inc()
		if t.cb.OnMessage != nil {
			t.cb.OnMessage(data)
		}
	}
}

// pingLoop sends WebSocket protocol-level ping frames (opcode 0x9) while the
// connection is open so that idle NAT mappings and proxies keep the path
// alive. The relay answers at the protocol level; no application frame is
// produced.
func (t *Transport) pingLoop(conn net.Conn, gen int) {
	ticker := time.NewTicker(t.config.PingInterval)
	defer ticker.Stop()

	for range ticker.C {
		t.mu.Lock()
		live := gen == t.generation && !t.closed && t.state == StateOpen
		t.mu.Unlock()
		if !live {
			return
		}
		t.writeMu.Lock()
		err := wsutil.WriteClientMessage(conn, ws.OpPing, nil)
		t.writeMu.Unlock()
		if err != nil {
			log.Printf("transport: keepalive ping failed: %v", err)
			return
		}
	}
}

// scheduleReconnect arms a single retry timer for the current backoff plus
// jitter, then grows the backoff for the next consecutive failure. Timers
// are replaced, never accumulated.
func (t *Transport) scheduleReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	delay := t.backoff
	if t.config.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(t.config.Jitter)))
	}
	t.backoff = nextBackoff(t.backoff, t.config.BackoffFactor, t.config.MaxBackoff)

	metrics.Reconnects.Inc()
	if t.retry != nil {
		t.retry.Stop()
	}
	t.retry = time.AfterFunc(delay, t.connect)
}

// nextBackoff grows the delay multiplicatively up to the cap.
func nextBackoff(cur time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(cur) * factor)
	if next > max {
		return max
	}
	return next
}
