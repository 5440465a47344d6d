package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	"github.com/hazyhaar/brickvault/horosafe"
)

// HTTPConfig configures the plain HTTP driver.
type HTTPConfig struct {
	BaseURL   string
	LoginPath string // default "/login"
	UserAgent string
	MaxBody   int64 // default horosafe.MaxResponseBody

	// Transport overrides the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

func (c *HTTPConfig) defaults() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.LoginPath == "" {
		c.LoginPath = "/login"
	}
	if c.UserAgent == "" {
		c.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	}
	if c.MaxBody <= 0 {
		c.MaxBody = horosafe.MaxResponseBody
	}
}

// HTTPDriver fetches pages with resty. Each Conn owns a cookie jar.
type HTTPDriver struct {
	cfg HTTPConfig
}

// NewHTTPDriver returns a driver for cfg.
func NewHTTPDriver(cfg HTTPConfig) *HTTPDriver {
	cfg.defaults()
	return &HTTPDriver{cfg: cfg}
}

// Open creates a fresh client with an empty cookie jar.
func (d *HTTPDriver) Open(context.Context) (Conn, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client := resty.New().
		SetBaseURL(d.cfg.BaseURL).
		SetCookieJar(jar).
		SetHeader("User-Agent", d.cfg.UserAgent).
		SetHeader("Accept", "text/html,application/xhtml+xml").
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetTimeout(0).
		SetDoNotParseResponse(true)
	if d.cfg.Transport != nil {
		client.SetTransport(d.cfg.Transport)
	}
	return &httpConn{cfg: &d.cfg, client: client}, nil
}

// Close is a no-op; connections hold no shared resources.
func (d *HTTPDriver) Close() error { return nil }

type httpConn struct {
	cfg    *HTTPConfig
	client *resty.Client
}

func (c *httpConn) Get(ctx context.Context, url string) (*Page, error) {
	res, err := c.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, c.transportErr(ctx, err)
	}
	page, err := c.read(url, res)
	if err != nil {
		return nil, err
	}
	if err := classify(page, c.cfg.LoginPath); err != nil {
		return page, fmt.Errorf("GET %s: status %d: %w", url, page.Status, err)
	}
	return page, nil
}

// Login submits the login form with every hidden field the site rendered
// and verifies the result by looking for a logout link.
func (c *httpConn) Login(ctx context.Context, creds Credentials) error {
	form, err := c.Get(ctx, c.cfg.LoginPath)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("login page: %w", ErrAuthRejected)
		}
		return err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(form.Body))
	if err != nil {
		return Transient(err)
	}

	fields := map[string]string{}
	doc.Find(`form input[type="hidden"]`).Each(func(_ int, in *goquery.Selection) {
		if name, ok := in.Attr("name"); ok {
			fields[name] = in.AttrOr("value", "")
		}
	})
	fields["username"] = creds.Username
	fields["password"] = creds.Password

	res, err := c.client.R().SetContext(ctx).SetFormData(fields).Post(c.cfg.LoginPath)
	if err != nil {
		return c.transportErr(ctx, err)
	}
	page, err := c.read(c.cfg.LoginPath, res)
	if err != nil {
		return err
	}
	switch {
	case page.Status == 429 || page.Status >= 500:
		return Transient(fmt.Errorf("login: status %d", page.Status))
	case page.Status >= 400:
		return fmt.Errorf("login: status %d: %w", page.Status, ErrAuthRejected)
	}
	if !loggedIn(page.Body) {
		return fmt.Errorf("login: no session after submit: %w", ErrAuthRejected)
	}
	return nil
}

func (c *httpConn) Close() error {
	c.client.GetClient().CloseIdleConnections()
	return nil
}

func (c *httpConn) read(url string, res *resty.Response) (*Page, error) {
	raw := res.RawBody()
	defer raw.Close()
	body, err := horosafe.LimitedReadAll(raw, c.cfg.MaxBody)
	if err != nil {
		if errors.Is(err, horosafe.ErrTooLarge) {
			return nil, fmt.Errorf("GET %s: %w", url, err)
		}
		return nil, Transient(err)
	}
	page := &Page{URL: url, FinalURL: url, Status: res.StatusCode(), Body: body}
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		page.FinalURL = res.RawResponse.Request.URL.String()
	}
	if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
		page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	return page, nil
}

func (c *httpConn) transportErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return Transient(err)
}

func loggedIn(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	return doc.Find(`a[href*="logout"], a[href*="Logout"]`).Length() > 0
}

