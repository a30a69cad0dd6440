// Package vault archives portal files into the user's cloud folder through
// the file-vault HTTP API. The whole package is optional: a nil *Client makes
// the dispatch guard fall back to link-only document messages.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	"github.com/Alpizar28/TecBot-api/internal/model"
	"github.com/Alpizar28/TecBot-api/internal/retry"
)

type Config struct {
	BaseURL      string
	Token        string
	RootFolderID string
	Timeout      time.Duration // 0 means default (60s; uploads are slow)
}

type Client struct {
	base   *url.URL
	token  string
	rootID string
	hc     *http.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("vault base url is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:   base,
		token:  strings.TrimSpace(cfg.Token),
		rootID: strings.TrimSpace(cfg.RootFolderID),
		hc:     &http.Client{Timeout: timeout},
		log:    log,
	}, nil
}

// RootFolderID is the configured fallback parent for users without one.
func (c *Client) RootFolderID() string { return c.rootID }

type folderInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// EnsureFolder finds a child folder by name under parentID, creating it when
// absent. Both legs run through the caller's retry executor.
func (c *Client) EnsureFolder(ctx context.Context, exec *retry.Executor, name, parentID string) (string, error) {
	id, err := retry.Value(ctx, exec, "vault.folder_lookup", func(ctx context.Context) (string, error) {
		return c.findFolder(ctx, name, parentID)
	})
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	return retry.Value(ctx, exec, "vault.folder_create", func(ctx context.Context) (string, error) {
		return c.createFolder(ctx, name, parentID)
	})
}

func (c *Client) findFolder(ctx context.Context, name, parentID string) (string, error) {
	q := url.Values{"parent_id": {parentID}}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/folders?"+q.Encode(), nil, "")
	if err != nil {
		return "", err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", retry.NewHTTPError(resp.StatusCode, readErrBody(resp.Body))
	}
	var folders []folderInfo
	if err := json.NewDecoder(resp.Body).Decode(&folders); err != nil {
		return "", err
	}
	for _, f := range folders {
		if strings.EqualFold(f.Name, name) {
			return f.ID, nil
		}
	}
	return "", nil
}

func (c *Client) createFolder(ctx context.Context, name, parentID string) (string, error) {
	body, err := json.Marshal(map[string]string{"name": name, "parent_id": parentID})
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/folders", bytes.NewReader(body), "application/json")
	if err != nil {
		return "", err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", retry.NewHTTPError(resp.StatusCode, readErrBody(resp.Body))
	}
	var out folderInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("vault: folder create returned no id")
	}
	return out.ID, nil
}

// DownloadAndUpload pulls one file from the portal with the user's session
// cookies and pushes it into the vault folder. The two legs are retried
// independently so a flaky upload does not re-download the file.
func (c *Client) DownloadAndUpload(ctx context.Context, exec *retry.Executor, downloadURL, fileName, folderID string, cookies []model.Cookie) (string, error) {
	data, err := retry.Value(ctx, exec, "portal.file_download", func(ctx context.Context) ([]byte, error) {
		return c.download(ctx, downloadURL, cookies)
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", fileName, err)
	}

	fileID, err := retry.Value(ctx, exec, "vault.file_upload", func(ctx context.Context) (string, error) {
		return c.upload(ctx, data, fileName, folderID)
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", fileName, err)
	}
	return fileID, nil
}

func (c *Client) download(ctx context.Context, downloadURL string, cookies []model.Cookie) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, ck := range cookies {
		if ck.Expired(now) {
			continue
		}
		req.AddCookie(&http.Cookie{Name: ck.Name, Value: ck.Value})
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, retry.NewHTTPError(resp.StatusCode, readErrBody(resp.Body))
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) upload(ctx context.Context, data []byte, fileName, folderID string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("folder_id", folderID); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/files", &buf, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", retry.NewHTTPError(resp.StatusCode, readErrBody(resp.Body))
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("vault: upload returned no id")
	}
	return out.ID, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	u := *c.base
	if i := strings.IndexByte(path, '?'); i >= 0 {
		u.Path = strings.TrimRight(u.Path, "/") + path[:i]
		u.RawQuery = path[i+1:]
	} else {
		u.Path = strings.TrimRight(u.Path, "/") + path
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func readErrBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(b))
}
