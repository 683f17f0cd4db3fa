// Package api is the HTTP client for the Turbo backend's REST sidecar: the
// one-shot history fetch that bootstraps conversation state, the auth
// endpoints that produce the session context, and the upload/profile/friends
// endpoints whose outputs are embedded verbatim into outbound frames. The
// realtime path never goes through here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/turbochat/client-go/internal/protocol"
	"github.com/turbochat/client-go/internal/session"
)

// Client talks to the backend REST API. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// New creates a Client for the given base URL (e.g. "http://localhost:8080").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// SetToken installs the bearer token used for authenticated endpoints.
// Login calls this automatically.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Friend is one entry from the friends listing.
type Friend struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// Profile is a user's profile record.
type Profile struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Bio         string `json:"bio"`
}

// Register creates a new account. Registration does not log the user in.
func (c *Client) Register(ctx context.Context, email, password string) error {
	body := map[string]string{"email": email, "password": password}
	var out map[string]any
	if err := c.post(ctx, "/api/register", body, &out); err != nil {
		return fmt.Errorf("api: register: %w", err)
	}
	return nil
}

// Login authenticates and returns the session context for this login. The
// token is also installed on the Client for subsequent authenticated calls.
func (c *Client) Login(ctx context.Context, email, password string) (*session.Session, error) {
	body := map[string]string{"email": email, "password": password}
	var out struct {
		Token string `json:"token"`
		User  struct {
			ID    int64  `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := c.post(ctx, "/api/login", body, &out); err != nil {
		return nil, fmt.Errorf("api: login: %w", err)
	}
	c.token = out.Token

	sess := &session.Session{
		UserID: out.User.ID,
		Email:  out.User.Email,
		Token:  out.Token,
	}

	// Best effort enrichment: a missing profile should not fail the login.
	if p, err := c.Profile(ctx, out.User.Email); err == nil {
		sess.DisplayName = p.DisplayName
		sess.AvatarURL = p.AvatarURL
	}
	return sess, nil
}

// History fetches the most recent messages, oldest first, mapped into the
// same event shape the codec produces so the reconciler can be seeded
// directly.
func (c *Client) History(ctx context.Context, limit int) ([]protocol.MessageEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []json.RawMessage
	path := "/api/messages?limit=" + strconv.Itoa(limit)
	if err := c.get(ctx, path, &rows); err != nil {
		return nil, fmt.Errorf("api: history: %w", err)
	}

	events := make([]protocol.MessageEvent, 0, len(rows))
	for _, row := range rows {
		var ev protocol.MessageEvent
		if err := json.Unmarshal(row, &ev); err != nil {
			// One malformed row does not poison the bootstrap.
			continue
		}
		ev.Normalize()
		events = append(events, ev)
	}
	return events, nil
}

// Friends returns the friend listing for the sidebar.
func (c *Client) Friends(ctx context.Context) ([]Friend, error) {
	var out []Friend
	if err := c.get(ctx, "/api/friends", &out); err != nil {
		return nil, fmt.Errorf("api: friends: %w", err)
	}
	return out, nil
}

// Profile fetches a profile by email, or the current user's when email is
// empty (requires a token in that case).
func (c *Client) Profile(ctx context.Context, email string) (Profile, error) {
	path := "/api/profile"
	if email != "" {
		path += "?email=" + url.QueryEscape(email)
	}
	var out Profile
	if err := c.get(ctx, path, &out); err != nil {
		return Profile{}, fmt.Errorf("api: profile: %w", err)
	}
	return out, nil
}

// UpdateProfile updates the current user's display name, avatar, and bio.
func (c *Client) UpdateProfile(ctx context.Context, p Profile) error {
	body := map[string]string{
		"display_name": p.DisplayName,
		"avatar_url":   p.AvatarURL,
		"bio":          p.Bio,
	}
	var out map[string]any
	if err := c.post(ctx, "/api/profile", body, &out); err != nil {
		return fmt.Errorf("api: update profile: %w", err)
	}
	return nil
}

// Upload stores one file and returns the attachment descriptor to embed in
// an outbound message frame.
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (protocol.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return protocol.Attachment{}, fmt.Errorf("api: upload: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return protocol.Attachment{}, fmt.Errorf("api: upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return protocol.Attachment{}, fmt.Errorf("api: upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &buf)
	if err != nil {
		return protocol.Attachment{}, fmt.Errorf("api: upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req)

	var out protocol.Attachment
	if err := c.do(req, &out); err != nil {
		return protocol.Attachment{}, fmt.Errorf("api: upload: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Request plumbing
// ---------------------------------------------------------------------------

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(req, out)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
