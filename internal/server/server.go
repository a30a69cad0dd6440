// Package server is the relay's small ops surface: a health probe, a manual
// cycle trigger, and an internal dispatch endpoint for one-off deliveries.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	"github.com/Alpizar28/TecBot-api/internal/dispatch"
	"github.com/Alpizar28/TecBot-api/internal/model"
	"github.com/Alpizar28/TecBot-api/internal/storage"
)

type Config struct {
	Addr         string // default "127.0.0.1:3002"
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// UserLookup resolves a user for the internal dispatch endpoint.
type UserLookup interface {
	UserByID(ctx context.Context, id string) (model.User, error)
}

// DispatchFunc delivers one notification outside a cycle. The app wires it to
// the dispatch guard with a request-scoped retry executor.
type DispatchFunc func(ctx context.Context, user model.User, n model.Notification, cookies []model.Cookie) dispatch.Result

// CycleStatus reports whether a cycle is in flight (for /health).
type CycleStatus interface {
	Running() bool
}

type Service struct {
	cfg       Config
	log       logx.Logger
	users     UserLookup
	dispatch  DispatchFunc
	trigger   func()
	status    CycleStatus
	srv       *http.Server
	startedAt time.Time
}

func New(cfg Config, users UserLookup, dispatchFn DispatchFunc, trigger func(), status CycleStatus, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:3002"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		users:    users,
		dispatch: dispatchFn,
		trigger:  trigger,
		status:   status,
	}
}

// Handler builds the route table. Exposed for tests.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/run-now", s.handleRunNow)
	mux.HandleFunc("POST /api/internal-dispatch", s.handleInternalDispatch)
	return mux
}

func (s *Service) Start() error {
	s.startedAt = time.Now()
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.log.Info("ops server listening", logx.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server stopped", logx.Err(err))
		}
	}()
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	running := false
	if s.status != nil {
		running = s.status.Running()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"uptime_s":      int64(time.Since(s.startedAt).Seconds()),
		"cycle_running": running,
	})
}

func (s *Service) handleRunNow(w http.ResponseWriter, r *http.Request) {
	if s.trigger != nil {
		s.trigger()
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "triggered"})
}

type internalDispatchRequest struct {
	UserID       string             `json:"user_id"`
	Notification model.Notification `json:"notification"`
	Cookies      []model.Cookie     `json:"cookies,omitempty"`
}

func (s *Service) handleInternalDispatch(w http.ResponseWriter, r *http.Request) {
	var req internalDispatchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "bad_request", "error": err.Error()})
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Notification.ExternalID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "bad_request", "error": "user_id and notification.external_id are required"})
		return
	}

	user, err := s.users.UserByID(r.Context(), req.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "unknown_user"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
		return
	}

	res := s.dispatch(r.Context(), user, req.Notification, req.Cookies)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"processed": res.Processed,
		"reason":    res.Reason,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
