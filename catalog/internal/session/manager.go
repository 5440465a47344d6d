// Package session owns the authenticated connection to the catalog site.
//
// A Manager hands out Handles; each Handle has its own cookie state and is
// closed on every exit path (use Manager.Do). Every request is paced by a
// shared minimum delay, transient failures are retried with exponential
// backoff and jitter, and an expired login is renewed once before the
// failure is escalated as an AuthError.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/brickvault/catalog/event"
	"github.com/hazyhaar/brickvault/catalog/internal/store"
)

// Config configures a Manager.
type Config struct {
	BaseURL      string
	Delay        time.Duration // minimum gap between requests
	FetchTimeout time.Duration // per attempt
	Retry        Policy
	Credentials  Credentials
	Clock        Clock
	Events       event.Sink
	Logger       *slog.Logger
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://www.brickeconomy.com"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	c.Retry = c.Retry.withDefaults()
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Events == nil {
		c.Events = event.Discard
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager creates Handles over one Driver.
type Manager struct {
	cfg    Config
	driver Driver
	pace   *pacer
}

// NewManager creates a Manager. The driver is closed by Manager.Close.
func NewManager(cfg Config, d Driver) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg, driver: d, pace: newPacer(cfg.Delay, cfg.Clock)}
}

// PageURL returns the catalog URL of code.
func (m *Manager) PageURL(code string, kind store.Kind) string {
	segment := "set"
	if kind == store.KindSubComponent {
		segment = "minifig"
	}
	return m.cfg.BaseURL + "/" + segment + "/" + strings.ToLower(code)
}

// Acquire opens a new Handle. The caller must Close it.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	conn, err := m.driver.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: open: %w", err)
	}
	return &Handle{m: m, conn: conn}, nil
}

// Do acquires a Handle, runs fn and releases the Handle, also when fn
// returns an error or panics.
func (m *Manager) Do(ctx context.Context, fn func(*Handle) error) error {
	h, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer h.Close()
	return fn(h)
}

// Close shuts the driver down.
func (m *Manager) Close() error {
	return m.driver.Close()
}

// Handle is a scoped session. It is not safe for concurrent use.
type Handle struct {
	m        *Manager
	conn     Conn
	loggedIn bool
	closeMu  sync.Mutex
	closed   bool
}

// Close releases the session. It is idempotent.
func (h *Handle) Close() error {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.conn.Close()
}

func (h *Handle) isClosed() bool {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	return h.closed
}

// Fetch returns the page of code. Not-found pages fail fast with
// ErrNotFound; transient failures are retried up to the policy bound and
// then returned as *FetchFailedError, other failures at once; authentication failures that survive
// one re-login are returned as *AuthError.
func (h *Handle) Fetch(ctx context.Context, code string, kind store.Kind) (*Page, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}
	if err := h.ensureLogin(ctx); err != nil {
		return nil, err
	}

	cfg := &h.m.cfg
	url := h.m.PageURL(code, kind)
	log := cfg.Logger.With("code", code, "kind", kind)
	relogged := false

	for attempt := 1; ; attempt++ {
		h.emit(event.Event{Kind: event.FetchAttempt, Code: code, Entity: string(kind), Attempt: attempt})
		page, err := h.get(ctx, url)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		switch {
		case errors.Is(err, ErrNotFound):
			h.emit(event.Event{Kind: event.NotFound, Code: code, Entity: string(kind)})
			return nil, fmt.Errorf("session: %s %s: %w", kind, code, err)

		case errors.Is(err, ErrAuthExpired):
			if relogged || cfg.Credentials.Empty() {
				return nil, &AuthError{Op: "fetch " + code, Err: err}
			}
			log.Info("session: login expired, renewing")
			relogged = true
			h.loggedIn = false
			if err := h.ensureLogin(ctx); err != nil {
				return nil, err
			}
			attempt--

		case !errors.Is(err, ErrTransient):
			h.emit(event.Event{Kind: event.FetchFailed, Code: code, Entity: string(kind), Attempt: attempt, Err: err})
			return nil, &FetchFailedError{Code: code, Kind: kind, Attempts: attempt, Err: err}

		default:
			if attempt >= cfg.Retry.MaxAttempts {
				h.emit(event.Event{Kind: event.FetchFailed, Code: code, Entity: string(kind), Attempt: attempt, Err: err})
				return nil, &FetchFailedError{Code: code, Kind: kind, Attempts: attempt, Err: err}
			}
			d := cfg.Retry.Delay(attempt)
			log.Debug("session: retrying", "attempt", attempt, "delay", d, "error", err)
			h.emit(event.Event{Kind: event.FetchRetry, Code: code, Entity: string(kind), Attempt: attempt, Elapsed: d, Err: err})
			if err := cfg.Clock.Sleep(ctx, d); err != nil {
				return nil, err
			}
		}
	}
}

// get performs one paced, time-bounded request.
func (h *Handle) get(ctx context.Context, url string) (*Page, error) {
	if err := h.m.pace.wait(ctx); err != nil {
		return nil, err
	}
	actx, cancel := context.WithTimeout(ctx, h.m.cfg.FetchTimeout)
	defer cancel()
	page, err := h.conn.Get(actx, url)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, Transient(err)
	}
	return page, err
}

// ensureLogin logs in lazily before the first fetch. Transient failures
// are retried like fetches; exhaustion or rejection is an AuthError.
func (h *Handle) ensureLogin(ctx context.Context) error {
	cfg := &h.m.cfg
	if h.loggedIn || cfg.Credentials.Empty() {
		return nil
	}
	for attempt := 1; ; attempt++ {
		err := h.login(ctx)
		if err == nil {
			h.loggedIn = true
			h.emit(event.Event{Kind: event.Login, Attempt: attempt})
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.emit(event.Event{Kind: event.LoginFailed, Attempt: attempt, Err: err})
		if errors.Is(err, ErrAuthRejected) || attempt >= cfg.Retry.MaxAttempts {
			return &AuthError{Op: "login", Err: err}
		}
		if err := cfg.Clock.Sleep(ctx, cfg.Retry.Delay(attempt)); err != nil {
			return err
		}
	}
}

func (h *Handle) login(ctx context.Context) error {
	if err := h.m.pace.wait(ctx); err != nil {
		return err
	}
	actx, cancel := context.WithTimeout(ctx, h.m.cfg.FetchTimeout)
	defer cancel()
	return h.conn.Login(actx, h.m.cfg.Credentials)
}

func (h *Handle) emit(e event.Event) {
	e.Time = h.m.cfg.Clock.Now()
	h.m.cfg.Events.Emit(e)
}
