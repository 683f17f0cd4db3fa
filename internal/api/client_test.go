package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: login installs the token and builds the session context
// ---------------------------------------------------------------------------

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Fatalf("bad login body: %v", err)
			}
			if body["email"] != "alice@example.com" || body["password"] != "secret" {
				t.Errorf("unexpected credentials: %v", body)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"token": "tok-123",
				"user":  map[string]any{"id": 7, "email": "alice@example.com"},
			})
		case "/api/profile":
			json.NewEncoder(w).Encode(map[string]any{
				"id": 7, "email": "alice@example.com", "display_name": "Alice",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL)
	sess, err := c.Login(context.Background(), "alice@example.com", "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Token != "tok-123" || sess.UserID != 7 || sess.Email != "alice@example.com" {
		t.Errorf("session: %+v", sess)
	}
	if sess.DisplayName != "Alice" {
		t.Errorf("expected profile enrichment, got %q", sess.DisplayName)
	}
	if sess.Identity() != "alice@example.com" {
		t.Errorf("identity: %q", sess.Identity())
	}
}

func TestLogin_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := New(srv.URL).Login(context.Background(), "a@b", "wrong"); err == nil {
		t.Fatal("expected an error for 401")
	}
}

// ---------------------------------------------------------------------------
// Test: history rows map into codec-shaped events
// ---------------------------------------------------------------------------

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/messages" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("limit"); got != "100" {
			t.Errorf("expected limit=100, got %q", got)
		}
		// The backend's shape: numeric ids, author objects, "to" key.
		w.Write([]byte(`[
			{"id":41,"text":"older","ts":1700000000000,"author":{"email":"bob@example.com","display_name":"Bob"},"images":[]},
			{"id":42,"text":"newer","ts":1700000001000,"to":"alice@example.com","author":{"email":"bob@example.com"},"images":[{"url":"http://x/p.png","filename":"p.png","filesize":10}]},
			"not an object"
		]`))
	}))
	defer srv.Close()

	events, err := New(srv.URL).History(context.Background(), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events (malformed row skipped), got %d", len(events))
	}
	if events[0].ID != "41" || events[0].Author.DisplayName != "Bob" {
		t.Errorf("first event: %+v", events[0])
	}
	if events[1].To != "alice@example.com" {
		t.Errorf("expected DM recipient, got %q", events[1].To)
	}
	if len(events[1].Images) != 1 || events[1].Images[0].Filesize != 10 {
		t.Errorf("images: %+v", events[1].Images)
	}
	if events[0].Reactions == nil {
		t.Error("expected normalized empty reactions map")
	}
}

// ---------------------------------------------------------------------------
// Test: upload posts multipart and returns the attachment descriptor
// ---------------------------------------------------------------------------

func TestUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/upload" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer token, got %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer file.Close()
		if header.Filename != "cat.png" {
			t.Errorf("filename: %q", header.Filename)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"url": "http://files/cat.png", "filename": "cat.png", "filesize": 9,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.SetToken("tok")
	att, err := c.Upload(context.Background(), "cat.png", strings.NewReader("png bytes"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if att.URL != "http://files/cat.png" || att.Filesize != 9 {
		t.Errorf("attachment: %+v", att)
	}
}

// ---------------------------------------------------------------------------
// Test: friends listing
// ---------------------------------------------------------------------------

func TestFriends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":1,"email":"bob@example.com","display_name":"Bob"},{"id":2,"email":"carol@example.com"}]`))
	}))
	defer srv.Close()

	friends, err := New(srv.URL).Friends(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(friends) != 2 || friends[0].DisplayName != "Bob" || friends[1].Email != "carol@example.com" {
		t.Errorf("friends: %+v", friends)
	}
}
