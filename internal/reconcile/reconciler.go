// Package reconcile owns the authoritative conversation state for one chat
// session: the ordered, de-duplicated message sequence plus the derived
// ephemeral state (who is typing, how many peers are present). Inbound
// events from the transport and optimistic local echoes both merge through
// here; the presentation layer only ever reads snapshots.
package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/turbochat/client-go/internal/metrics"
	"github.com/turbochat/client-go/internal/protocol"
)

// DefaultTypingTTL is how long an author stays in the typing set after the
// most recent typing signal.
const DefaultTypingTTL = 3 * time.Second

// Config tunes a Reconciler. The zero value is usable.
type Config struct {
	// TypingTTL overrides DefaultTypingTTL; tests shrink it.
	TypingTTL time.Duration

	// OnChange, when set, is invoked after every merge that altered state.
	// It runs synchronously on the merging goroutine and must not call
	// back into the Reconciler's write operations.
	OnChange func()
}

// Reconciler merges events into ordered conversation state. Every public
// method is safe for concurrent use; internally a single mutex makes each
// merge atomic with respect to the others, so handlers observe the same
// run-to-completion semantics whether events arrive from the read loop, a
// timer, or a user action.
//
// The per-message state machine is absent -> present, with no transition
// back: the protocol has no delete or edit, so a merged id stays merged for
// the lifetime of the session.
type Reconciler struct {
	mu       sync.Mutex
	order    []string // insertion order of message ids
	byID     map[string]*protocol.MessageEvent
	typing   map[string]*time.Timer
	presence int

	typingTTL time.Duration
	onChange  func()
	closed    bool
}

// New creates an empty Reconciler.
func New(config Config) *Reconciler {
	ttl := config.TypingTTL
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &Reconciler{
		byID:      make(map[string]*protocol.MessageEvent),
		typing:    make(map[string]*time.Timer),
		typingTTL: ttl,
		onChange:  config.OnChange,
	}
}

// Seed replaces the message sequence with the given history, preserving the
// given order. Used once at startup with the result of the history fetch;
// duplicated ids within the history keep their first occurrence.
func (r *Reconciler) Seed(events []protocol.MessageEvent) {
	r.mu.Lock()
	r.order = r.order[:0]
	r.byID = make(map[string]*protocol.MessageEvent, len(events))
	for i := range events {
		ev := events[i]
		ev.Normalize()
		if _, dup := r.byID[ev.ID]; dup {
			continue
		}
		r.order = append(r.order, ev.ID)
		r.byID[ev.ID] = &ev
	}
	r.mu.Unlock()
	r.notify()
}

// AppendOptimistic inserts a locally originated message before any server
// confirmation. The insert is idempotent on id, so a verbatim relay echo of
// the same event later merges as a no-op.
func (r *Reconciler) AppendOptimistic(ev protocol.MessageEvent) {
	r.insertMessage(ev)
}

// Apply merges one decoded inbound event. Unknown event values (including
// protocol.Unrecognized) leave all state untouched. Merges are pure with
// respect to every entry other than the one addressed.
func (r *Reconciler) Apply(event any) {
	switch ev := event.(type) {
	case protocol.MessageEvent:
		r.insertMessage(ev)
		metrics.EventsMerged.WithLabelValues("message").Inc()
	case protocol.ReactionEvent:
		r.applyReaction(ev)
		metrics.EventsMerged.WithLabelValues("reaction").Inc()
	case protocol.TypingEvent:
		r.refreshTyping(ev.Author)
		metrics.EventsMerged.WithLabelValues("typing").Inc()
	case protocol.PresenceEvent:
		r.setPresence(ev.Count)
		metrics.EventsMerged.WithLabelValues("presence").Inc()
	case protocol.AuthOKEvent:
		// Handshake acknowledgement; no state change.
	case protocol.Unrecognized:
		metrics.UnrecognizedFrames.Inc()
	}
}

// insertMessage performs the idempotent insert: first write for an id wins,
// later arrivals with the same id are no-ops.
func (r *Reconciler) insertMessage(ev protocol.MessageEvent) {
	ev.Normalize()

	r.mu.Lock()
	if _, exists := r.byID[ev.ID]; exists {
		r.mu.Unlock()
		return
	}
	r.order = append(r.order, ev.ID)
	r.byID[ev.ID] = &ev
	r.mu.Unlock()
	r.notify()
}

// applyReaction adds the reactor under the emoji for the addressed message.
// Reactions for unknown ids are dropped: there is no buffering for
// out-of-order arrival. Repeated reactions from the same user for the same
// emoji do not duplicate (set union, not list append).
func (r *Reconciler) applyReaction(ev protocol.ReactionEvent) {
	r.mu.Lock()
	msg, ok := r.byID[ev.ID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string][]string)
	}
	for _, u := range msg.Reactions[ev.Emoji] {
		if u == ev.User {
			r.mu.Unlock()
			return
		}
	}
	msg.Reactions[ev.Emoji] = append(msg.Reactions[ev.Emoji], ev.User)
	r.mu.Unlock()
	r.notify()
}

// refreshTyping inserts or refreshes the author in the typing set and arms
// removal exactly typingTTL from now, superseding any earlier pending
// removal for the same author. Timers are replaced, never accumulated, so a
// high-churn typer holds at most one pending timer.
func (r *Reconciler) refreshTyping(author string) {
	if author == "" {
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if prev, ok := r.typing[author]; ok {
		prev.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(r.typingTTL, func() {
		r.mu.Lock()
		// A refresh may have replaced this timer after it fired but before
		// this callback ran; only the current timer may remove the entry.
		if r.typing[author] == timer {
			delete(r.typing, author)
			r.mu.Unlock()
			r.notify()
			return
		}
		r.mu.Unlock()
	})
	r.typing[author] = timer
	r.mu.Unlock()
	r.notify()
}

// setPresence replaces the presence count wholesale. Last write wins.
func (r *Reconciler) setPresence(count int) {
	r.mu.Lock()
	r.presence = count
	r.mu.Unlock()
	r.notify()
}

// Events returns a copy of the visible message sequence in insertion order.
// Reaction maps are deep-copied so callers can hold snapshots across merges.
func (r *Reconciler) Events() []protocol.MessageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.MessageEvent, 0, len(r.order))
	for _, id := range r.order {
		msg := *r.byID[id]
		if msg.Reactions != nil {
			reactions := make(map[string][]string, len(msg.Reactions))
			for emoji, users := range msg.Reactions {
				reactions[emoji] = append([]string(nil), users...)
			}
			msg.Reactions = reactions
		}
		out = append(out, msg)
	}
	return out
}

// Get returns the message with the given id, if present.
func (r *Reconciler) Get(id string) (protocol.MessageEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	if !ok {
		return protocol.MessageEvent{}, false
	}
	return *msg, true
}

// Len returns the number of messages in the sequence.
func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// TypingUsers returns the authors currently in the typing set, sorted for
// stable display.
func (r *Reconciler) TypingUsers() []string {
	r.mu.Lock()
	users := make([]string, 0, len(r.typing))
	for author := range r.typing {
		users = append(users, author)
	}
	r.mu.Unlock()
	sort.Strings(users)
	return users
}

// PresenceCount returns the last presence count received.
func (r *Reconciler) PresenceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presence
}

// Close stops all pending typing timers. The Reconciler remains readable;
// further typing signals are ignored.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for author, timer := range r.typing {
		timer.Stop()
		delete(r.typing, author)
	}
}

func (r *Reconciler) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
