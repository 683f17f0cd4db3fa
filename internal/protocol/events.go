// Package protocol defines the JSON frame types exchanged with the Turbo
// relay over the WebSocket transport. All frames are JSON objects following a
// consistent envelope format with a type discriminator. Decoding is
// tolerant by design: frames that fail to parse, or that carry an unknown
// type tag, decode to Unrecognized instead of returning an error, so a
// misbehaving peer can never take the connection down.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Frame type constants
// ---------------------------------------------------------------------------

// Frame types exchanged with the relay. auth is client -> server only,
// auth_ok and presence are server -> client only; the rest are bidirectional.
const (
	TypeAuth     = "auth"
	TypeAuthOK   = "auth_ok"
	TypeMessage  = "message"
	TypeReaction = "reaction"
	TypeTyping   = "typing"
	TypePresence = "presence"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Author — string-or-object coercion
// ---------------------------------------------------------------------------

// Author identifies the sender of a message. The relay emits it either as a
// plain string (older clients send their own identifier directly) or as an
// object with email / display_name / avatar_url fields attached by the
// backend from the users table. Both forms must decode to the same struct.
type Author struct {
	DisplayName string
	Email       string
	AvatarURL   string
}

// UnmarshalJSON accepts both wire forms. For the object form the display
// name prefers display_name, falls back to email, and finally to the
// stringified object so that a weird payload still renders as something.
func (a *Author) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		a.DisplayName = s
		a.Email = ""
		a.AvatarURL = ""
		return nil
	}

	var obj struct {
		DisplayName string `json:"display_name"`
		Email       string `json:"email"`
		AvatarURL   string `json:"avatar_url"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		a.DisplayName = strings.TrimSpace(string(data))
		return nil
	}

	a.Email = obj.Email
	a.AvatarURL = obj.AvatarURL
	switch {
	case obj.DisplayName != "":
		a.DisplayName = obj.DisplayName
	case obj.Email != "":
		a.DisplayName = obj.Email
	default:
		trimmed := strings.TrimSpace(string(data))
		if trimmed != "null" && trimmed != "{}" {
			a.DisplayName = trimmed
		}
	}
	return nil
}

// MarshalJSON emits the plain-string form when only a display name is known
// (the form this client sends for its own messages) and the object form when
// backend-attached metadata is present.
func (a Author) MarshalJSON() ([]byte, error) {
	if a.Email == "" && a.AvatarURL == "" {
		return json.Marshal(a.DisplayName)
	}
	obj := struct {
		DisplayName string `json:"display_name,omitempty"`
		Email       string `json:"email,omitempty"`
		AvatarURL   string `json:"avatar_url,omitempty"`
	}{a.DisplayName, a.Email, a.AvatarURL}
	return json.Marshal(obj)
}

// ID returns the identifier used for ownership and conversation filtering.
// Email is the stable identity when present; the display name is the only
// identity the plain-string wire form carries.
func (a Author) ID() string {
	if a.Email != "" {
		return a.Email
	}
	return a.DisplayName
}

// Is reports whether this author matches the given user identifier under
// either identity field. An empty identifier never matches.
func (a Author) Is(id string) bool {
	return id != "" && (a.Email == id || a.DisplayName == id)
}

// ---------------------------------------------------------------------------
// Event structs
// ---------------------------------------------------------------------------

// Attachment describes one uploaded file embedded in a message frame. The
// descriptor is produced by the upload API and carried verbatim; Encrypted
// marks payloads that were sealed client-side before upload.
type Attachment struct {
	URL       string `json:"url"`
	Filename  string `json:"filename,omitempty"`
	Filesize  int64  `json:"filesize,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// MessageEvent is one chat message, broadcast or direct. ID is the dedup
// key: it is globally unique within a session and stable across
// re-delivery. To is empty for the general channel, else the recipient's
// identifier.
type MessageEvent struct {
	ID        string
	Author    Author
	Text      string
	Ts        int64 // milliseconds since epoch; ordering/display only
	To        string
	Images    []Attachment
	Reactions map[string][]string // emoji -> reactor identifiers
}

// UnmarshalJSON handles the wire quirks that plain struct tags cannot: the
// backend sends database ids as JSON numbers, and "to"/"recipient" are
// synonyms with first-non-null-wins semantics.
func (m *MessageEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        json.RawMessage     `json:"id"`
		Author    Author              `json:"author"`
		Text      string              `json:"text"`
		Ts        int64               `json:"ts"`
		To        *string             `json:"to"`
		Recipient *string             `json:"recipient"`
		Images    []Attachment        `json:"images"`
		Reactions map[string][]string `json:"reactions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.ID = coerceID(raw.ID)
	m.Author = raw.Author
	m.Text = raw.Text
	m.Ts = raw.Ts
	switch {
	case raw.To != nil:
		m.To = *raw.To
	case raw.Recipient != nil:
		m.To = *raw.Recipient
	default:
		m.To = ""
	}
	m.Images = raw.Images
	m.Reactions = raw.Reactions
	return nil
}

// MarshalJSON emits the outbound wire form. The type discriminator is
// injected by Encode, not here.
func (m MessageEvent) MarshalJSON() ([]byte, error) {
	wire := struct {
		ID        string              `json:"id"`
		Author    Author              `json:"author"`
		Text      string              `json:"text"`
		Ts        int64               `json:"ts"`
		To        string              `json:"to,omitempty"`
		Images    []Attachment        `json:"images,omitempty"`
		Reactions map[string][]string `json:"reactions,omitempty"`
	}{m.ID, m.Author, m.Text, m.Ts, m.To, m.Images, m.Reactions}
	return json.Marshal(wire)
}

// Normalize fills server-optional fields with local defaults: a fresh id
// for messages delivered without one, the decode-time timestamp, an "anon"
// author, and an empty reaction map. Called on every decoded or
// history-loaded message before it reaches the reconciler.
func (m *MessageEvent) Normalize() {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Ts == 0 {
		m.Ts = time.Now().UnixMilli()
	}
	if m.Author.DisplayName == "" && m.Author.Email == "" {
		m.Author.DisplayName = "anon"
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
}

// ReactionEvent attaches one reactor to one emoji on an existing message.
type ReactionEvent struct {
	ID    string `json:"id"`
	Emoji string `json:"emoji"`
	User  string `json:"user"`
}

// UnmarshalJSON coerces numeric message ids the same way MessageEvent does,
// so reactions always address messages under the same key form.
func (r *ReactionEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    json.RawMessage `json:"id"`
		Emoji string          `json:"emoji"`
		User  string          `json:"user"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.ID = coerceID(raw.ID)
	r.Emoji = raw.Emoji
	r.User = raw.User
	return nil
}

// TypingEvent signals that an author is composing. Receipt arms a 3 second
// expiry in the reconciler; there is no explicit "stopped typing" frame.
type TypingEvent struct {
	Author string `json:"author"`
}

// PresenceEvent carries the relay's current connection count. Last write
// wins; there is no merge logic.
type PresenceEvent struct {
	Count int `json:"count"`
}

// AuthEvent is the handshake frame sent once after every successful open,
// including re-opens after a reconnect.
type AuthEvent struct {
	Token string `json:"token"`
}

// AuthOKEvent acknowledges the auth handshake. The optional user payload is
// backend metadata the client does not interpret.
type AuthOKEvent struct {
	User json.RawMessage `json:"user,omitempty"`
}

// Unrecognized wraps a frame the codec could not type: unknown tag, missing
// tag, or unparseable JSON. Downstream consumers ignore it without touching
// any state.
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

// ---------------------------------------------------------------------------
// Decode / Encode
// ---------------------------------------------------------------------------

// Decode parses one inbound frame into its typed event. It never returns an
// error: anything that cannot be decoded into a known frame type comes back
// as Unrecognized, deferring the drop decision to the caller.
func Decode(data []byte) any {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Unrecognized{Raw: append(json.RawMessage(nil), data...)}
	}

	switch env.Type {
	case TypeMessage:
		var m MessageEvent
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return Unrecognized{Type: env.Type, Raw: env.Raw}
		}
		m.Normalize()
		return m
	case TypeReaction:
		var r ReactionEvent
		if err := json.Unmarshal(env.Raw, &r); err != nil {
			return Unrecognized{Type: env.Type, Raw: env.Raw}
		}
		return r
	case TypeTyping:
		var t TypingEvent
		if err := json.Unmarshal(env.Raw, &t); err != nil {
			return Unrecognized{Type: env.Type, Raw: env.Raw}
		}
		return t
	case TypePresence:
		var p PresenceEvent
		if err := json.Unmarshal(env.Raw, &p); err != nil {
			return Unrecognized{Type: env.Type, Raw: env.Raw}
		}
		return p
	case TypeAuth:
		var a AuthEvent
		if err := json.Unmarshal(env.Raw, &a); err != nil {
			return Unrecognized{Type: env.Type, Raw: env.Raw}
		}
		return a
	case TypeAuthOK:
		var a AuthOKEvent
		if err := json.Unmarshal(env.Raw, &a); err != nil {
			return Unrecognized{Type: env.Type, Raw: env.Raw}
		}
		return a
	default:
		return Unrecognized{Type: env.Type, Raw: env.Raw}
	}
}

// Encode creates a JSON-encoded frame for the given payload. The frameType
// is injected into the payload under the "type" key. The payload should be
// one of the event structs; this function marshals it to JSON, injects the
// type field, and returns the final bytes.
func Encode(frameType string, payload any) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the
	// "type" field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = frameType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal frame: %w", err)
	}
	return out, nil
}

// coerceID renders a wire id as a string regardless of whether the peer sent
// it as a JSON string or a number (the backend's database ids are numbers).
func coerceID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
