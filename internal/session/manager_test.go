package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	"github.com/Alpizar28/TecBot-api/internal/model"
	"github.com/Alpizar28/TecBot-api/internal/portal"
	"github.com/Alpizar28/TecBot-api/internal/retry"
)

// portalHarness fakes the campus portal's session endpoints.
type portalHarness struct {
	srv *httptest.Server

	mu        sync.Mutex
	logins    int
	loginFail bool
	// validTokens are cookie values the probe accepts.
	validTokens map[string]bool
}

func newPortalHarness(t *testing.T) *portalHarness {
	h := &portalHarness{validTokens: map[string]bool{"fresh": true}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/me", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, ck := range r.Cookies() {
			if ck.Name == "session" && h.validTokens[ck.Value] {
				w.WriteHeader(http.StatusOK)
				return
			}
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	mux.HandleFunc("POST /api/session", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.logins++
		fail := h.loginFail
		h.mu.Unlock()
		if fail {
			http.Error(w, "portal down", http.StatusInternalServerError)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "fresh", Path: "/"})
		w.WriteHeader(http.StatusOK)
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *portalHarness) loginCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logins
}

func newTestManager(t *testing.T, h *portalHarness) (*Manager, string) {
	svc, err := portal.NewService(portal.Config{BaseURL: h.srv.URL}, logx.Nop())
	if err != nil {
		t.Fatalf("portal.NewService: %v", err)
	}
	dir := t.TempDir()
	m, err := NewManager(Config{Dir: dir}, svc, logx.Nop())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, dir
}

func testExec() *retry.Executor {
	return retry.NewExecutor(retry.Config{Attempts: 2, Base: time.Millisecond}, nil, logx.Nop())
}

func TestMalformedSessionFileIsQuarantined(t *testing.T) {
	h := newPortalHarness(t)
	m, dir := newTestManager(t, h)

	path := filepath.Join(dir, "alice.json")
	original := []byte(`{"not":"an array"}`)
	if err := os.WriteFile(path, original, 0o600); err != nil {
		t.Fatal(err)
	}

	client, cookies, err := m.Client(context.Background(), "alice", "pw", testExec())
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if client == nil || len(cookies) != 1 || cookies[0].Value != "fresh" {
		t.Fatalf("expected a fresh login session, got %v", cookies)
	}

	matches, _ := filepath.Glob(path + ".corrupt.*")
	if len(matches) != 1 {
		t.Fatalf("expected exactly one quarantined file, got %v", matches)
	}
	b, err := os.ReadFile(matches[0])
	if err != nil || string(b) != string(original) {
		t.Fatalf("quarantine must keep the original bytes, got %q (%v)", b, err)
	}

	// The new session was persisted in place of the bad file.
	b, err = os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected a fresh session file: %v", err)
	}
	var persisted []model.Cookie
	if err := json.Unmarshal(b, &persisted); err != nil {
		t.Fatalf("persisted session unreadable: %v", err)
	}
	if len(persisted) != 1 || persisted[0].Value != "fresh" || persisted[0].Path != "/" {
		t.Fatalf("unexpected persisted cookies: %+v", persisted)
	}
}

func TestTokenlessSessionFileIsQuarantined(t *testing.T) {
	// Structurally valid JSON that carries no usable token is as bad as
	// garbage bytes: rename it aside and log in fresh.
	for name, body := range map[string]string{
		"empty array":  `[]`,
		"junk objects": `[{"domain":"portal"},{"name":"session"}]`,
	} {
		h := newPortalHarness(t)
		m, dir := newTestManager(t, h)

		path := filepath.Join(dir, "erin.json")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}

		_, live, err := m.Client(context.Background(), "erin", "pw", testExec())
		if err != nil {
			t.Fatalf("%s: Client: %v", name, err)
		}
		if len(live) != 1 || live[0].Value != "fresh" {
			t.Fatalf("%s: expected a fresh login session, got %+v", name, live)
		}
		if matches, _ := filepath.Glob(path + ".corrupt.*"); len(matches) != 1 {
			t.Fatalf("%s: expected the file quarantined, got %v", name, matches)
		}
	}
}

func TestExpiredCookieSkippedValidOneUsed(t *testing.T) {
	h := newPortalHarness(t)
	h.validTokens["cached"] = true
	m, dir := newTestManager(t, h)

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)
	cookies := []model.Cookie{
		{Name: "session", Value: "stale", Expires: &past},
		{Name: "session", Value: "cached", Path: "/", Expires: &future},
	}
	b, _ := json.Marshal(cookies)
	if err := os.WriteFile(filepath.Join(dir, "bob.json"), b, 0o600); err != nil {
		t.Fatal(err)
	}

	_, live, err := m.Client(context.Background(), "bob", "pw", testExec())
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if h.loginCount() != 0 {
		t.Fatalf("valid cached session must not trigger login, got %d logins", h.loginCount())
	}
	if len(live) != 1 || live[0].Value != "cached" {
		t.Fatalf("expired token must be dropped, got %+v", live)
	}
}

func TestProbeFailureFallsThroughToLogin(t *testing.T) {
	h := newPortalHarness(t)
	m, dir := newTestManager(t, h)

	future := time.Now().Add(time.Hour)
	b, _ := json.Marshal([]model.Cookie{{Name: "session", Value: "revoked", Path: "/", Expires: &future}})
	path := filepath.Join(dir, "carol.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}

	_, live, err := m.Client(context.Background(), "carol", "pw", testExec())
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if h.loginCount() != 1 {
		t.Fatalf("expected one login after the rejected probe, got %d", h.loginCount())
	}
	if len(live) != 1 || live[0].Value != "fresh" {
		t.Fatalf("expected the fresh session, got %+v", live)
	}

	// Structurally valid files are never quarantined, only replaced.
	if matches, _ := filepath.Glob(path + ".corrupt.*"); len(matches) != 0 {
		t.Fatalf("unexpected quarantine: %v", matches)
	}
}

func TestLoginExhaustionIsAuthFailure(t *testing.T) {
	h := newPortalHarness(t)
	h.loginFail = true
	m, dir := newTestManager(t, h)

	_, _, err := m.Client(context.Background(), "dave", "pw", testExec())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if h.loginCount() != 2 {
		t.Fatalf("login is bounded to 2 attempts, got %d", h.loginCount())
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 0 {
		t.Fatalf("nothing must be persisted on auth failure, got %v", entries)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"Alice":           "alice",
		"user@tec.ac.cr":  "user_tec.ac.cr",
		"  spaced  ":      "spaced",
		"":                "user",
		"ok-name_1.alias": "ok-name_1.alias",
	}
	for in, want := range cases {
		if got := sanitizeName(in); got != want {
			t.Fatalf("sanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
