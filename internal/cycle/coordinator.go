// Package cycle runs the periodic pass over all active users: open a portal
// session, fetch notifications, dispatch each one, and acknowledge what was
// fully processed. One user's failure never touches another user's work.
package cycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"

	"github.com/Alpizar28/TecBot-api/internal/dispatch"
	"github.com/Alpizar28/TecBot-api/internal/eventbus"
	"github.com/Alpizar28/TecBot-api/internal/messenger"
	"github.com/Alpizar28/TecBot-api/internal/model"
	"github.com/Alpizar28/TecBot-api/internal/retry"
)

type Config struct {
	// Concurrency caps in-flight per-user tasks. <=0 means 3.
	Concurrency int
	// PartialPercent triggers an alert when partial/dispatched*100 meets it.
	PartialPercent int
	// FailedUsers triggers an alert when at least this many users failed.
	FailedUsers int
	// AlertChatID receives alert messages. 0 disables delivery.
	AlertChatID int64
	// Retry is the per-flow executor policy.
	Retry retry.Config
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.PartialPercent <= 0 {
		c.PartialPercent = 20
	}
	if c.FailedUsers <= 0 {
		c.FailedUsers = 1
	}
	return c
}

// Stats accumulates one cycle's outcome.
type Stats struct {
	CycleID     string
	Users       int
	UsersFailed int
	Dispatched  int
	Processed   int
	Partial     int
	Duration    time.Duration
}

// Flow is one user's authenticated fetch round.
type Flow interface {
	FetchNotifications(ctx context.Context) ([]model.Notification, error)
	Acknowledge(ctx context.Context, portalID string) error
	Cookies() []model.Cookie
}

// FlowOpener authenticates a user and yields their flow. The session layer
// implements it; a failed login surfaces here as one failed user.
type FlowOpener interface {
	Open(ctx context.Context, user model.User, exec *retry.Executor) (Flow, error)
}

// UserSource lists the accounts a cycle works on.
type UserSource interface {
	ActiveUsers(ctx context.Context) ([]model.User, error)
}

// Dispatcher settles one notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, user model.User, n model.Notification, exec *retry.Executor, cookies []model.Cookie) dispatch.Result
}

// Alerter delivers rendered alert messages.
type Alerter interface {
	SendMessage(ctx context.Context, chatID int64, html messenger.H) error
}

type Coordinator struct {
	users  UserSource
	opener FlowOpener
	disp   Dispatcher
	alert  Alerter
	bus    eventbus.Bus
	log    logx.Logger

	mu  sync.RWMutex
	cfg Config

	running atomic.Bool
}

func New(cfg Config, users UserSource, opener FlowOpener, disp Dispatcher, alert Alerter, bus eventbus.Bus, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		users:  users,
		opener: opener,
		disp:   disp,
		alert:  alert,
		bus:    bus,
		log:    log,
		cfg:    cfg.withDefaults(),
	}
}

// UpdateConfig applies reloadable knobs. The next cycle picks them up.
func (c *Coordinator) UpdateConfig(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Coordinator) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Running reports whether a cycle is currently in flight.
func (c *Coordinator) Running() bool { return c.running.Load() }

// Run performs one full cycle. Only one cycle runs at a time process-wide; an
// overlapping call is skipped (logged, ran=false, not an error). A started
// cycle always runs its per-user tasks to completion.
func (c *Coordinator) Run(ctx context.Context) (Stats, bool) {
	if !c.running.CompareAndSwap(false, true) {
		c.log.Info("cycle already running; skipping this trigger")
		return Stats{}, false
	}
	defer c.running.Store(false)

	cfg := c.config()
	stats := Stats{CycleID: uuid.NewString()}
	log := c.log.With(logx.String("cycle_id", stats.CycleID))
	startedAt := time.Now()
	log.Info("cycle started", logx.Int("concurrency", cfg.Concurrency))

	users, err := c.users.ActiveUsers(ctx)
	if err != nil {
		log.Error("cycle aborted: loading active users failed", logx.Err(err))
		stats.Duration = time.Since(startedAt)
		return stats, true
	}
	stats.Users = len(users)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = make(chan struct{}, cfg.Concurrency)
	)
	for _, u := range users {
		sem <- struct{}{}
		wg.Add(1)
		go func(u model.User) {
			defer func() {
				<-sem
				wg.Done()
			}()
			c.runUser(ctx, cfg, log, u, &stats, &mu)
		}(u)
	}
	wg.Wait()

	stats.Duration = time.Since(startedAt)
	log.Info("cycle finished",
		logx.Int("users", stats.Users),
		logx.Int("users_failed", stats.UsersFailed),
		logx.Int("dispatched", stats.Dispatched),
		logx.Int("processed", stats.Processed),
		logx.Int("partial", stats.Partial),
		logx.Duration("took", stats.Duration))

	c.deliverAlerts(ctx, cfg, log, stats)

	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeCycleFinished, Data: stats})
	}
	return stats, true
}

func (c *Coordinator) runUser(ctx context.Context, cfg Config, log logx.Logger, u model.User, stats *Stats, mu *sync.Mutex) {
	ulog := log.With(logx.String("user", u.ID))
	metrics := retry.NewMetrics()
	exec := retry.NewExecutor(cfg.Retry, metrics, ulog)
	defer metrics.LogSummary(ulog, "user_fetch")

	flow, err := c.opener.Open(ctx, u, exec)
	if err != nil {
		ulog.Error("user session failed", logx.Err(err))
		mu.Lock()
		stats.UsersFailed++
		mu.Unlock()
		return
	}

	batch, err := flow.FetchNotifications(ctx)
	if err != nil {
		ulog.Error("notification fetch failed", logx.Err(err))
		mu.Lock()
		stats.UsersFailed++
		mu.Unlock()
		return
	}

	var dispatched, processed, partial int
	for _, n := range batch {
		res := c.disp.Dispatch(ctx, u, n, exec, flow.Cookies())
		dispatched++
		if !res.Processed {
			partial++
			continue
		}
		processed++
		if n.PortalID != "" {
			// Fully processed: drop it portal-side so it is not served again.
			if err := flow.Acknowledge(ctx, n.PortalID); err != nil {
				ulog.Warn("acknowledge failed",
					logx.String("external_id", n.ExternalID),
					logx.String("portal_id", n.PortalID),
					logx.Err(err))
			}
		}
	}

	mu.Lock()
	stats.Dispatched += dispatched
	stats.Processed += processed
	stats.Partial += partial
	mu.Unlock()
}

func (c *Coordinator) deliverAlerts(ctx context.Context, cfg Config, log logx.Logger, stats Stats) {
	msgs := alertMessages(stats, cfg.PartialPercent, cfg.FailedUsers)
	if len(msgs) == 0 {
		return
	}
	for _, m := range msgs {
		log.Warn("cycle anomaly", logx.String("alert", m))
	}
	if cfg.AlertChatID == 0 || c.alert == nil {
		return
	}
	for _, m := range msgs {
		body := messenger.JoinH("\n", messenger.B("⚠️ Relay alert"), messenger.Esc(m))
		if err := c.alert.SendMessage(ctx, cfg.AlertChatID, body); err != nil {
			// Best effort only; an unreachable alert chat must not escalate.
			log.Warn("alert delivery failed", logx.Err(err))
		}
	}
}

// alertMessages evaluates the anomaly thresholds against one cycle's stats.
func alertMessages(stats Stats, partialPercent, failedUsers int) []string {
	var msgs []string
	if stats.Dispatched > 0 {
		pct := stats.Partial * 100 / stats.Dispatched
		if pct >= partialPercent {
			msgs = append(msgs, fmt.Sprintf(
				"partial rate %d%% (%d/%d dispatched) reached the %d%% threshold",
				pct, stats.Partial, stats.Dispatched, partialPercent))
		}
	}
	if failedUsers > 0 && stats.UsersFailed >= failedUsers {
		msgs = append(msgs, fmt.Sprintf(
			"%d of %d users failed this cycle (threshold %d)",
			stats.UsersFailed, stats.Users, failedUsers))
	}
	return msgs
}
