// Command loadgen drives a relay with many concurrent simulated chat
// clients. Each client connects, sends messages into the general channel at
// a fixed interval, and measures echo latency: the time from sending a
// message until the relay's broadcast of that same message id arrives back.
//
//	loadgen -ws ws://localhost:8080/ws -clients 200 -duration 1m
//
// When -server is set, each client registers and logs in through the REST
// API first so the relay sees authenticated sessions; otherwise clients
// attach anonymously.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/turbochat/client-go/internal/api"
	"github.com/turbochat/client-go/internal/chat"
	"github.com/turbochat/client-go/internal/protocol"
	"github.com/turbochat/client-go/internal/session"
)

func main() {
	wsURL := flag.String("ws", "ws://localhost:8080/ws", "relay WebSocket URL")
	server := flag.String("server", "", "backend base URL for per-client login, empty for anonymous")
	clients := flag.Int("clients", 100, "number of simulated clients")
	rampUp := flag.Duration("ramp", 10*time.Second, "ramp-up duration for connection creation")
	duration := flag.Duration("duration", 30*time.Second, "how long each client sends after ramp-up")
	msgInterval := flag.Duration("msg-interval", 2*time.Second, "interval between messages per client")
	flag.Parse()

	if *clients < 1 {
		fmt.Println("loadgen: -clients must be at least 1")
		os.Exit(2)
	}

	fmt.Printf("Load test: %d clients to %s (ramp=%s, duration=%s, interval=%s)\n",
		*clients, *wsURL, *rampUp, *duration, *msgInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	col := newCollector()

	// -----------------------------------------------------------------------
	// Phase 1 — connect all clients
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect ---")

	interval := rampInterval(*rampUp, *clients)

	workers := make([]*worker, 0, *clients)
	var mu sync.Mutex
	var wg sync.WaitGroup

	rampTicker := time.NewTicker(interval)
	launched := 0
	for launched < *clients {
		select {
		case <-ctx.Done():
			launched = *clients
		case <-rampTicker.C:
			launched++
			id := launched
			wg.Add(1)
			go func() {
				defer wg.Done()
				w, err := startWorker(ctx, id, *wsURL, *server, col)
				if err != nil {
					col.addError()
					return
				}
				mu.Lock()
				workers = append(workers, w)
				mu.Unlock()
			}()
		}
	}
	rampTicker.Stop()
	wg.Wait()

	mu.Lock()
	connected := len(workers)
	mu.Unlock()
	fmt.Printf("Phase 1 complete: %d/%d clients connected\n", connected, *clients)

	if connected == 0 || ctx.Err() != nil {
		closeAll(workers)
		col.report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 — send at a steady rate
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2: Sending for %s ---\n", *duration)

	sendCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	// Progress report every 5 seconds.
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-sendCtx.Done():
				return
			case <-ticker.C:
				sent, recv, errs := col.counts()
				fmt.Printf("  [send] sent: %d  echoed: %d  errors: %d\n", sent, recv, errs)
			}
		}
	}()

	var sendWg sync.WaitGroup
	for _, w := range workers {
		sendWg.Add(1)
		go func(w *worker) {
			defer sendWg.Done()
			w.sendLoop(sendCtx, *msgInterval)
		}(w)
	}
	sendWg.Wait()
	<-progressDone

	// Drain window so in-flight echoes still count.
	time.Sleep(2 * time.Second)

	closeAll(workers)
	col.report()
}

// worker is one simulated client. It tracks its own in-flight message ids so
// the echo broadcast can be matched back to the send time.
type worker struct {
	seq    int
	client *chat.Client
	col    *collector

	mu      sync.Mutex
	pending map[string]time.Time
}

// startWorker connects one client and waits for the connection to open.
func startWorker(ctx context.Context, seq int, wsURL, server string, col *collector) (*worker, error) {
	sess := &session.Session{DisplayName: fmt.Sprintf("loadgen-%d", seq)}
	if server != "" {
		email := fmt.Sprintf("loadgen-%d@load.test", seq)
		backend := api.New(server)
		// Registration fails harmlessly when the account already exists
		// from a previous run.
		_ = backend.Register(ctx, email, "loadgen-password")
		s, err := backend.Login(ctx, email, "loadgen-password")
		if err != nil {
			return nil, fmt.Errorf("login %s: %w", email, err)
		}
		sess = s
	}

	w := &worker{seq: seq, col: col, pending: make(map[string]time.Time)}
	opened := make(chan struct{}, 1)

	start := time.Now()
	w.client = chat.New(chat.Config{
		WSURL: wsURL,
		OnEvent: func(ev any) {
			msg, ok := ev.(protocol.MessageEvent)
			if !ok {
				return
			}
			w.mu.Lock()
			sentAt, mine := w.pending[msg.ID]
			if mine {
				delete(w.pending, msg.ID)
			}
			w.mu.Unlock()
			if mine {
				col.addEcho(time.Since(sentAt))
			}
		},
		OnConnection: func(up bool) {
			if up {
				select {
				case opened <- struct{}{}:
				default:
				}
			}
		},
	}, sess)

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	select {
	case <-opened:
		col.addConnect(time.Since(start))
		return w, nil
	case <-connCtx.Done():
		w.client.Close()
		return nil, connCtx.Err()
	}
}

// sendLoop sends one message per tick until the context expires.
func (w *worker) sendLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n++
			text := fmt.Sprintf("loadgen %d message %d", w.seq, n)
			ev, err := w.client.SendMessage("", text)
			if err != nil {
				w.col.addError()
				continue
			}
			w.mu.Lock()
			w.pending[ev.ID] = time.Now()
			w.mu.Unlock()
			w.col.addSent()
		}
	}
}

// rampInterval spreads the connection attempts across the ramp window. A
// non-positive client count or a window too small to split still yields a
// usable tick.
func rampInterval(ramp time.Duration, clients int) time.Duration {
	if clients < 1 {
		return time.Millisecond
	}
	interval := ramp / time.Duration(clients)
	if interval <= 0 {
		interval = time.Millisecond
	}
	return interval
}

func closeAll(workers []*worker) {
	for _, w := range workers {
		w.client.Close()
	}
}
