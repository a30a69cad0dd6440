// Package session caches portal credentials per user as JSON cookie files and
// revives them across restarts. A cached session is only trusted after a
// liveness probe; anything unreadable on disk is quarantined, never deleted.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	"github.com/Alpizar28/TecBot-api/internal/model"
	"github.com/Alpizar28/TecBot-api/internal/portal"
	"github.com/Alpizar28/TecBot-api/internal/retry"
)

// ErrAuthFailed means login could not be verified within the attempt budget.
// Callers treat it as a hard per-user error.
var ErrAuthFailed = errors.New("session: portal authentication failed")

const (
	loginAttempts = 2
	loginPause    = 500 * time.Millisecond
)

type Config struct {
	// Dir is where per-user cookie files live. Created on demand.
	Dir string
}

type Manager struct {
	dir string
	svc *portal.Service
	log logx.Logger
}

func NewManager(cfg Config, svc *portal.Service, log logx.Logger) (*Manager, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("session dir is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{dir: dir, svc: svc, log: log}, nil
}

// Client returns an authenticated portal client for the user, preferring the
// cached session and falling back to a fresh login. The returned cookies are
// the live credential set (for download flows that need raw cookies).
func (m *Manager) Client(ctx context.Context, username, password string, exec *retry.Executor) (*portal.Client, []model.Cookie, error) {
	path := m.filePath(username)

	stored, err := m.load(path)
	if err != nil {
		m.quarantine(path, err)
		stored = nil
	}

	now := time.Now()
	live := make([]model.Cookie, 0, len(stored))
	for _, ck := range stored {
		if ck.Expired(now) {
			continue
		}
		live = append(live, ck)
	}

	if len(live) > 0 {
		client := m.newClient(live, exec)
		probeErr := client.Probe(ctx)
		if probeErr == nil {
			return client, live, nil
		}
		m.log.Info("cached session rejected; logging in",
			logx.String("user", username), logx.Err(probeErr))
	}

	var lastErr error
	for attempt := 1; attempt <= loginAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(loginPause):
			}
		}

		client := m.newClient(nil, exec)
		cookies, err := client.Login(ctx, username, password)
		if err == nil {
			err = client.Probe(ctx)
		}
		if err != nil {
			lastErr = err
			m.log.Warn("portal login attempt failed",
				logx.String("user", username),
				logx.Int("attempt", attempt),
				logx.Err(err))
			continue
		}

		if err := m.persist(path, cookies); err != nil {
			// A session that works but cannot be cached is still a session.
			m.log.Warn("session persist failed",
				logx.String("user", username), logx.Err(err))
		}
		return client, cookies, nil
	}

	if lastErr != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrAuthFailed, lastErr)
	}
	return nil, nil, ErrAuthFailed
}

// newClient builds a portal client whose jar is preloaded with cookies.
func (m *Manager) newClient(cookies []model.Cookie, exec *retry.Executor) *portal.Client {
	jar, _ := cookiejar.New(nil)
	if len(cookies) > 0 {
		jar.SetCookies(m.svc.BaseURL(), toHTTPCookies(cookies))
	}
	return m.svc.NewClient(jar, exec)
}

func (m *Manager) filePath(username string) string {
	return filepath.Join(m.dir, sanitizeName(username)+".json")
}

// load reads a cookie file. A missing file yields (nil, nil); anything
// unreadable or malformed yields an error for the caller to quarantine. A file
// must hold at least one well-formed token; an empty array or one made of
// junk objects is as useless as garbage bytes.
func (m *Manager) load(path string) ([]model.Cookie, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty session file")
	}
	var cookies []model.Cookie
	if err := json.Unmarshal(b, &cookies); err != nil {
		return nil, err
	}
	wellFormed := cookies[:0]
	for _, ck := range cookies {
		if ck.Name == "" || ck.Value == "" {
			continue
		}
		wellFormed = append(wellFormed, ck)
	}
	if len(wellFormed) == 0 {
		return nil, errors.New("session file holds no well-formed tokens")
	}
	return wellFormed, nil
}

// quarantine renames a bad session file to <file>.corrupt.<unix-ms> so the
// original bytes survive for inspection. It is never reparsed or deleted.
func (m *Manager) quarantine(path string, cause error) {
	dest := path + ".corrupt." + strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := os.Rename(path, dest); err != nil {
		m.log.Warn("session quarantine failed",
			logx.String("path", path), logx.Err(err))
		return
	}
	m.log.Warn("session file quarantined",
		logx.String("path", path),
		logx.String("quarantined_as", dest),
		logx.Err(cause))
}

// persist writes the full cookie set atomically (temp file + rename).
func (m *Manager) persist(path string, cookies []model.Cookie) error {
	b, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func toHTTPCookies(cookies []model.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		hc := &http.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Secure:   ck.Secure,
			HttpOnly: ck.HTTPOnly,
		}
		if ck.Expires != nil {
			hc.Expires = *ck.Expires
		}
		out = append(out, hc)
	}
	return out
}

// sanitizeName maps a username to a safe file stem.
func sanitizeName(username string) string {
	s := strings.TrimSpace(strings.ToLower(username))
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	if sb.Len() == 0 {
		return "user"
	}
	return sb.String()
}
