// Package chat assembles the full client: session context, transport, codec,
// and reconciler wired into one handle the presentation layer drives. User
// actions become optimistic local events plus best-effort frames to the
// relay; inbound frames are decoded, merged, and surfaced through typed
// callbacks.
package chat

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/turbochat/client-go/internal/protocol"
	"github.com/turbochat/client-go/internal/reconcile"
	"github.com/turbochat/client-go/internal/session"
	"github.com/turbochat/client-go/internal/transport"
)

// Config wires a Client. WSURL is required unless a full Transport config
// is given.
type Config struct {
	WSURL string

	// Transport overrides the default reconnection policy when its URL is
	// set; otherwise transport.DefaultConfig(WSURL) applies.
	Transport transport.Config

	// TypingTTL overrides the reconciler's typing expiry; tests shrink it.
	TypingTTL time.Duration

	// OnEvent receives every decoded inbound event after it has been
	// merged. This is the typed hook the presentation layer attaches to;
	// there is no ambient broadcast mechanism.
	OnEvent func(event any)

	// OnChange fires after any merge that altered conversation state.
	OnChange func()

	// OnConnection reports connectivity transitions, the only surface any
	// transport failure reaches.
	OnConnection func(connected bool)
}

// Client is one user's live chat session. Create with New, tear down with
// Close; both the transport handle and the reconciled state belong to
// exactly one Client.
type Client struct {
	sess *session.Session
	cfg  Config

	rec *reconcile.Reconciler
	tr  *transport.Transport
}

// New builds the client and immediately begins connecting. The auth frame
// is sent on every successful open, including re-opens after a reconnect,
// so a healed connection is always re-authenticated.
func New(config Config, sess *session.Session) *Client {
	c := &Client{
		sess: sess,
		cfg:  config,
		rec: reconcile.New(reconcile.Config{
			TypingTTL: config.TypingTTL,
			OnChange:  config.OnChange,
		}),
	}

	tcfg := config.Transport
	if tcfg.URL == "" {
		tcfg = transport.DefaultConfig(config.WSURL)
	}
	c.tr = transport.Dial(tcfg, transport.Callbacks{
		OnOpen:    c.handleOpen,
		OnMessage: c.handleFrame,
		OnClose: func() {
			if config.OnConnection != nil {
				config.OnConnection(false)
			}
		},
		OnError: func(err error) {
			log.Printf("chat: transport error: %v", err)
		},
	})
	return c
}

func (c *Client) handleOpen() {
	c.sendFrame(protocol.TypeAuth, protocol.AuthEvent{Token: c.sess.Token})
	if c.cfg.OnConnection != nil {
		c.cfg.OnConnection(true)
	}
}

func (c *Client) handleFrame(data []byte) {
	ev := protocol.Decode(data)
	c.rec.Apply(ev)
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

// Seed loads the history fetch result as the initial message sequence.
// Call once, before live traffic is expected to matter.
func (c *Client) Seed(events []protocol.MessageEvent) {
	c.rec.Seed(events)
}

// SendMessage validates, optimistically appends, and sends one message.
// to is empty for the general channel, else the recipient identifier. The
// returned event carries the client-assigned id; the relay echoes that id
// verbatim on broadcast, so the echo merges as a no-op and the message is
// visible exactly once.
func (c *Client) SendMessage(to, text string, images ...protocol.Attachment) (protocol.MessageEvent, error) {
	if err := ValidateMessage(text, len(images) > 0); err != nil {
		return protocol.MessageEvent{}, err
	}

	ev := protocol.MessageEvent{
		ID:        uuid.NewString(),
		Author:    protocol.Author{DisplayName: c.sess.Identity()},
		Text:      text,
		Ts:        time.Now().UnixMilli(),
		To:        to,
		Images:    images,
		Reactions: make(map[string][]string),
	}
	c.rec.AppendOptimistic(ev)
	c.sendFrame(protocol.TypeMessage, ev)
	return ev, nil
}

// React sends one reaction triple for an existing message. The local state
// is not touched here: the relay broadcasts reactions to every client
// including the sender, and the echo applies it.
func (c *Client) React(id, emoji string) {
	c.sendFrame(protocol.TypeReaction, protocol.ReactionEvent{
		ID:    id,
		Emoji: emoji,
		User:  c.sess.Identity(),
	})
}

// SendTyping announces that the local user is composing. Best effort, like
// every send.
func (c *Client) SendTyping() {
	c.sendFrame(protocol.TypeTyping, protocol.TypingEvent{Author: c.sess.Identity()})
}

// Events returns the full reconciled sequence in insertion order.
func (c *Client) Events() []protocol.MessageEvent {
	return c.rec.Events()
}

// Conversation projects the sequence into the DM conversation with target.
func (c *Client) Conversation(target string) []protocol.MessageEvent {
	return reconcile.SelectConversation(c.rec.Events(), c.sess.Identity(), target)
}

// Typing returns the authors currently typing.
func (c *Client) Typing() []string {
	return c.rec.TypingUsers()
}

// Presence returns the relay's last reported connection count.
func (c *Client) Presence() int {
	return c.rec.PresenceCount()
}

// Connected reports whether the relay connection is currently open.
func (c *Client) Connected() bool {
	return c.tr.State() == transport.StateOpen
}

// Close tears down the transport (terminal, no reconnection) and stops all
// ephemeral-state timers. Safe to call multiple times.
func (c *Client) Close() {
	c.tr.Close()
	c.rec.Close()
}

func (c *Client) sendFrame(frameType string, payload any) {
	data, err := protocol.Encode(frameType, payload)
	if err != nil {
		log.Printf("chat: encode %s frame: %v", frameType, err)
		return
	}
	c.tr.Send(data)
}
