package transport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// In-process relay for exercising the real dial path
// ---------------------------------------------------------------------------

// testRelay is a minimal WebSocket accept loop. Every upgraded connection is
// published on the accepted channel so tests can count dials.
type testRelay struct {
	ln       net.Listener
	accepted chan net.Conn

	mu    sync.Mutex
	conns []net.Conn
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	r := &testRelay{ln: ln, accepted: make(chan net.Conn, 16)}
	go r.acceptLoop()
	t.Cleanup(r.stop)
	return r
}

func (r *testRelay) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		if _, err := ws.Upgrade(conn); err != nil {
			conn.Close()
			continue
		}
		r.mu.Lock()
		r.conns = append(r.conns, conn)
		r.mu.Unlock()
		r.accepted <- conn
	}
}

func (r *testRelay) url() string {
	return "ws://" + r.ln.Addr().String()
}

// dropAll closes every accepted connection, simulating an abrupt relay
// failure.
func (r *testRelay) dropAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		c.Close()
	}
	r.conns = nil
}

func (r *testRelay) stop() {
	r.ln.Close()
	r.dropAll()
}

func testConfig(url string) Config {
	return Config{
		URL:            url,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		BackoffFactor:  1.8,
		Jitter:         5 * time.Millisecond,
		DialTimeout:    2 * time.Second,
	}
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// ---------------------------------------------------------------------------
// Test: backoff schedule is non-decreasing and capped
// ---------------------------------------------------------------------------

func TestNextBackoff(t *testing.T) {
	cur := 500 * time.Millisecond
	max := 30 * time.Second
	prev := cur
	for i := 0; i < 20; i++ {
		cur = nextBackoff(cur, 1.8, max)
		if cur < prev {
			t.Fatalf("backoff decreased: %s -> %s", prev, cur)
		}
		if cur > max {
			t.Fatalf("backoff exceeded cap: %s", cur)
		}
		prev = cur
	}
	if cur != max {
		t.Errorf("expected backoff to saturate at %s, got %s", max, cur)
	}
}

// ---------------------------------------------------------------------------
// Test: open, send, receive
// ---------------------------------------------------------------------------

func TestTransport_SendReceive(t *testing.T) {
	relay := newTestRelay(t)

	opened := make(chan struct{}, 1)
	received := make(chan []byte, 1)
	tr := Dial(testConfig(relay.url()), Callbacks{
		OnOpen:    func() { opened <- struct{}{} },
		OnMessage: func(data []byte) { received <- data },
	})
	defer tr.Close()

	waitFor(t, opened, "open")
	if got := tr.State(); got != StateOpen {
		t.Fatalf("expected state %q, got %q", StateOpen, got)
	}

	serverConn := <-relay.accepted
	tr.Send([]byte(`{"type":"typing","author":"a"}`))
	data, err := wsutil.ReadClientText(serverConn)
	if err != nil {
		t.Fatalf("relay read: %v", err)
	}
	if string(data) != `{"type":"typing","author":"a"}` {
		t.Errorf("relay received %q", data)
	}

	if err := wsutil.WriteServerMessage(serverConn, ws.OpText, []byte(`{"type":"presence","count":3}`)); err != nil {
		t.Fatalf("relay write: %v", err)
	}
	select {
	case msg := <-received:
		if string(msg) != `{"type":"presence","count":3}` {
			t.Errorf("client received %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}
}

// ---------------------------------------------------------------------------
// Test: unexpected close triggers a redial and resets the backoff
// ---------------------------------------------------------------------------

func TestTransport_ReconnectsAfterDrop(t *testing.T) {
	relay := newTestRelay(t)

	opened := make(chan struct{}, 4)
	closed := make(chan struct{}, 4)
	tr := Dial(testConfig(relay.url()), Callbacks{
		OnOpen:  func() { opened <- struct{}{} },
		OnClose: func() { closed <- struct{}{} },
	})
	defer tr.Close()

	waitFor(t, opened, "first open")
	<-relay.accepted

	relay.dropAll()
	waitFor(t, closed, "close notification")
	waitFor(t, opened, "reconnect")
	<-relay.accepted

	tr.mu.Lock()
	backoff := tr.backoff
	tr.mu.Unlock()
	if backoff != tr.config.InitialBackoff {
		t.Errorf("expected backoff reset to %s after successful open, got %s",
			tr.config.InitialBackoff, backoff)
	}
}

// ---------------------------------------------------------------------------
// Test: concurrent senders and the keepalive pinger never interleave frames
// ---------------------------------------------------------------------------

func TestTransport_ConcurrentWritesStayFramed(t *testing.T) {
	relay := newTestRelay(t)

	cfg := testConfig(relay.url())
	cfg.PingInterval = time.Millisecond

	opened := make(chan struct{}, 1)
	tr := Dial(cfg, Callbacks{
		OnOpen: func() { opened <- struct{}{} },
	})
	defer tr.Close()

	waitFor(t, opened, "open")
	serverConn := <-relay.accepted

	const senders = 8
	const perSender = 500

	// The relay parses the stream frame by frame; a single interleaved
	// write surfaces as a framing error (typically an unmasked header).
	frames := make(chan struct{}, senders*perSender)
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, err := wsutil.ReadClientText(serverConn); err != nil {
				readErr <- err
				return
			}
			frames <- struct{}{}
		}
	}()

	payload := []byte(`{"type":"typing","author":"a"}`)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				tr.Send(payload)
			}
		}()
	}
	wg.Wait()

	for n := 0; n < senders*perSender; n++ {
		select {
		case <-frames:
		case err := <-readErr:
			t.Fatalf("relay read failed after %d intact frames: %v", n, err)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d of %d frames", n, senders*perSender)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: the backoff wait between attempts reads as connecting, not closed
// ---------------------------------------------------------------------------

func TestTransport_StateConnectingDuringBackoff(t *testing.T) {
	relay := newTestRelay(t)

	cfg := testConfig(relay.url())
	cfg.InitialBackoff = 500 * time.Millisecond
	cfg.Jitter = 0

	opened := make(chan struct{}, 2)
	closed := make(chan struct{}, 2)
	tr := Dial(cfg, Callbacks{
		OnOpen:  func() { opened <- struct{}{} },
		OnClose: func() { closed <- struct{}{} },
	})
	defer tr.Close()

	waitFor(t, opened, "open")
	<-relay.accepted

	relay.dropAll()
	waitFor(t, closed, "close notification")

	// Well inside the backoff window: a redial is pending, so the state is
	// a connecting phase rather than a terminal close.
	time.Sleep(50 * time.Millisecond)
	if got := tr.State(); got != StateConnecting {
		t.Fatalf("expected state %q while a redial is pending, got %q", StateConnecting, got)
	}
}

// ---------------------------------------------------------------------------
// Test: explicit Close suppresses reconnection, even against a racing drop
// ---------------------------------------------------------------------------

func TestTransport_CloseIsTerminal(t *testing.T) {
	relay := newTestRelay(t)

	opened := make(chan struct{}, 4)
	tr := Dial(testConfig(relay.url()), Callbacks{
		OnOpen: func() { opened <- struct{}{} },
	})

	waitFor(t, opened, "open")
	<-relay.accepted

	tr.Close()
	tr.Close() // idempotent
	relay.dropAll()

	// Give any erroneous retry several backoff periods to show up.
	select {
	case <-relay.accepted:
		t.Fatal("transport reconnected after explicit Close")
	case <-time.After(300 * time.Millisecond):
	}
	if got := tr.State(); got != StateClosed {
		t.Errorf("expected state %q, got %q", StateClosed, got)
	}
}

// ---------------------------------------------------------------------------
// Test: send while disconnected is silently dropped
// ---------------------------------------------------------------------------

func TestTransport_SendWhileDisconnected(t *testing.T) {
	// Reserve an address with no listener behind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	url := "ws://" + ln.Addr().String()
	ln.Close()

	errs := make(chan struct{}, 4)
	tr := Dial(testConfig(url), Callbacks{
		OnError: func(error) { errs <- struct{}{} },
	})
	defer tr.Close()

	// Must not panic, block, or queue.
	tr.Send([]byte(`{"type":"typing","author":"a"}`))

	waitFor(t, errs, "dial error")
	if got := tr.State(); got == StateOpen {
		t.Fatal("transport cannot be open with no listener")
	}
}
