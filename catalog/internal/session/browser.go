package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserConfig configures the headless Chrome driver.
type BrowserConfig struct {
	BaseURL string

	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty launches a local Chrome.
	RemoteURL string

	// Headful shows the launched browser window, for debugging logins.
	Headful bool

	// ResourceBlocking lists resource types to drop (images, fonts, media,
	// stylesheets). Item pages only need the document.
	ResourceBlocking []string

	// LoadTimeout bounds WaitLoad after navigation. Default: 15s.
	LoadTimeout time.Duration

	Logger *slog.Logger
}

func (c *BrowserConfig) defaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// BrowserDriver drives Chrome via Rod. Chrome starts on the first Open and
// every Conn gets its own incognito context.
type BrowserDriver struct {
	cfg     BrowserConfig
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewBrowserDriver returns a driver for cfg.
func NewBrowserDriver(cfg BrowserConfig) *BrowserDriver {
	cfg.defaults()
	return &BrowserDriver{cfg: cfg}
}

// Open returns an isolated incognito session.
func (d *BrowserDriver) Open(ctx context.Context) (Conn, error) {
	b, err := d.ensure()
	if err != nil {
		return nil, err
	}
	inc, err := b.Incognito()
	if err != nil {
		return nil, fmt.Errorf("browser: incognito: %w", err)
	}
	page, err := stealth.Page(inc)
	if err != nil {
		inc.Close()
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}
	if len(d.cfg.ResourceBlocking) > 0 {
		if err := applyResourceBlocking(page, d.cfg.ResourceBlocking); err != nil {
			d.cfg.Logger.Warn("browser: resource blocking failed", "error", err)
		}
	}
	return &browserConn{cfg: &d.cfg, browser: inc, page: page}, nil
}

// Close shuts Chrome down.
func (d *BrowserDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	if d.browser != nil {
		d.browser.Close()
		d.browser = nil
	}
	if d.lnch != nil {
		d.lnch.Cleanup()
		d.lnch = nil
	}
	return nil
}

func (d *BrowserDriver) ensure() (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("browser: driver is closed")
	}
	if d.browser != nil {
		return d.browser, nil
	}

	log := d.cfg.Logger
	wsURL := d.cfg.RemoteURL
	if wsURL != "" {
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(!d.cfg.Headful).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		d.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	d.browser = b
	return b, nil
}

type browserConn struct {
	cfg     *BrowserConfig
	browser *rod.Browser
	page    *rod.Page
}

func (c *browserConn) abs(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.cfg.BaseURL + path
}

func (c *browserConn) navigate(ctx context.Context, url string) (*Page, error) {
	p := c.page.Context(ctx)

	evCtx, stopEvents := context.WithCancel(ctx)
	defer stopEvents()
	var status int
	wait := c.page.Context(evCtx).EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type == proto.NetworkResourceTypeDocument {
			status = e.Response.Status
			return true
		}
		return false
	})

	if err := p.Navigate(url); err != nil {
		return nil, Transient(fmt.Errorf("navigate %s: %w", url, err))
	}
	loadCtx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	defer cancel()
	if err := c.page.Context(loadCtx).WaitLoad(); err != nil {
		c.cfg.Logger.Warn("browser: wait load timeout", "url", url, "error", err)
	}
	waitOrGiveUp(ctx, time.Second, wait)
	stopEvents()

	html, err := p.HTML()
	if err != nil {
		return nil, Transient(fmt.Errorf("read DOM: %w", err))
	}
	info, err := p.Info()
	if err != nil {
		return nil, Transient(fmt.Errorf("page info: %w", err))
	}
	return &Page{URL: url, FinalURL: info.URL, Status: status, Title: info.Title, Body: []byte(html)}, nil
}

// waitOrGiveUp runs the event waiter for at most d. The status stays 0
// when the document response was never observed.
func waitOrGiveUp(ctx context.Context, d time.Duration, wait func()) {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
	case <-ctx.Done():
	}
}

func (c *browserConn) Get(ctx context.Context, url string) (*Page, error) {
	url = c.abs(url)
	page, err := c.navigate(ctx, url)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if err := classify(page, "/login"); err != nil {
		return page, fmt.Errorf("GET %s: %w", url, err)
	}
	return page, nil
}

// Login opens the site's login modal, submits the credentials and waits for
// the logout link to appear.
func (c *browserConn) Login(ctx context.Context, creds Credentials) error {
	if _, err := c.Get(ctx, "/"); err != nil {
		return err
	}
	p := c.page.Context(ctx)

	open, err := p.Element(`#MenuLogin a`)
	if err != nil {
		return Transient(fmt.Errorf("login menu: %w", err))
	}
	if err := open.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return Transient(fmt.Errorf("open login: %w", err))
	}
	for sel, value := range map[string]string{
		"#LoginModalUsername": creds.Username,
		"#LoginModalPassword": creds.Password,
	} {
		el, err := p.Element(sel)
		if err != nil {
			return Transient(fmt.Errorf("login field %s: %w", sel, err))
		}
		if err := el.Input(value); err != nil {
			return Transient(fmt.Errorf("fill %s: %w", sel, err))
		}
	}
	submit, err := p.Element(`#LoginModalLogin`)
	if err != nil {
		return Transient(fmt.Errorf("login button: %w", err))
	}
	if err := submit.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return Transient(fmt.Errorf("submit login: %w", err))
	}

	verifyCtx, cancel := context.WithTimeout(ctx, c.cfg.LoadTimeout)
	defer cancel()
	if _, err := c.page.Context(verifyCtx).Element(`a[href*="logout"], a[href*="Logout"]`); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("login: no session after submit: %w", ErrAuthRejected)
	}
	return nil
}

func (c *browserConn) Close() error {
	if c.page != nil {
		c.page.Close()
	}
	return c.browser.Close()
}
