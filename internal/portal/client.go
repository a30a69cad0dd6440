// Package portal talks to the campus portal's JSON API on behalf of one
// authenticated user. It only fetches already-normalized notifications; it
// never parses portal markup.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	"github.com/Alpizar28/TecBot-api/internal/model"
	"github.com/Alpizar28/TecBot-api/internal/retry"
)

type Config struct {
	BaseURL string
	Timeout time.Duration // 0 means default (30s)
}

// Service holds the parsed portal endpoint and builds per-user clients.
type Service struct {
	base    *url.URL
	timeout time.Duration
	log     logx.Logger
}

func NewService(cfg Config, log logx.Logger) (*Service, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("portal base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, errors.New("portal base url must be absolute")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{base: base, timeout: timeout, log: log}, nil
}

// BaseURL returns the parsed portal endpoint (for cookie scoping).
func (s *Service) BaseURL() *url.URL { return s.base }

// NewClient binds a cookie jar and a retry executor into an authenticated
// client. The jar carries the session; the executor scopes call metrics to
// the caller's flow.
func (s *Service) NewClient(jar http.CookieJar, exec *retry.Executor) *Client {
	return &Client{
		base: s.base,
		hc:   &http.Client{Jar: jar, Timeout: s.timeout},
		exec: exec,
		log:  s.log,
	}
}

// Client is one authenticated portal session.
type Client struct {
	base *url.URL
	hc   *http.Client
	exec *retry.Executor
	log  logx.Logger
}

// HTTPClient exposes the session-carrying client for download flows.
func (c *Client) HTTPClient() *http.Client { return c.hc }

// Login authenticates with the portal and returns the full credential cookie
// set from the response (domain, path, expiry and flags included) so the
// caller can persist it. A single attempt; the session manager owns the
// bounded login retry.
func (c *Client) Login(ctx context.Context, username, password string) ([]model.Cookie, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/session"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, retry.NewHTTPError(resp.StatusCode, readErrBody(resp.Body))
	}

	cookies := make([]model.Cookie, 0, len(resp.Cookies()))
	for _, hc := range resp.Cookies() {
		ck := model.Cookie{
			Name:     hc.Name,
			Value:    hc.Value,
			Domain:   hc.Domain,
			Path:     hc.Path,
			Secure:   hc.Secure,
			HTTPOnly: hc.HttpOnly,
		}
		if !hc.Expires.IsZero() {
			exp := hc.Expires
			ck.Expires = &exp
		}
		cookies = append(cookies, ck)
	}
	return cookies, nil
}

// Probe confirms the session is still live with a lightweight authenticated
// GET. An expired or bogus session surfaces as a terminal 401/403.
func (c *Client) Probe(ctx context.Context) error {
	return c.exec.Do(ctx, "portal.probe", func(ctx context.Context) error {
		return c.get(ctx, "/api/me", nil)
	})
}

// FetchNotifications returns the user's pending notifications, already
// normalized by the portal API.
func (c *Client) FetchNotifications(ctx context.Context) ([]model.Notification, error) {
	return retry.Value(ctx, c.exec, "portal.notifications", func(ctx context.Context) ([]model.Notification, error) {
		var out []model.Notification
		if err := c.get(ctx, "/api/notifications", &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// Acknowledge deletes a fully-processed notification on the portal side so it
// is not served again. A 404 means someone beat us to it and counts as done.
func (c *Client) Acknowledge(ctx context.Context, portalID string) error {
	if strings.TrimSpace(portalID) == "" {
		return nil
	}
	return c.exec.Do(ctx, "portal.ack", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("/api/notifications/"+url.PathEscape(portalID)), nil)
		if err != nil {
			return err
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return retry.NewHTTPError(resp.StatusCode, readErrBody(resp.Body))
		}
		return nil
	})
}

// get issues an authenticated GET and optionally decodes a JSON body into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return retry.NewHTTPError(resp.StatusCode, readErrBody(resp.Body))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String()
}

// readErrBody captures a short prefix of an error response for diagnostics.
func readErrBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
