package session

import (
	"context"
	"regexp"
	"strings"
)

// Credentials authenticate against the catalog site. An empty Username
// means anonymous browsing of public pages.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no login should be attempted.
func (c Credentials) Empty() bool { return c.Username == "" }

// Page is one fetched document.
type Page struct {
	URL      string
	FinalURL string
	Status   int // 0 when the driver cannot observe it
	Title    string
	Body     []byte
}

// Driver opens isolated connections to the site. A Conn's cookies and
// storage are never shared with another Conn.
type Driver interface {
	Open(ctx context.Context) (Conn, error)
	Close() error
}

// Conn is one logical session. Errors must wrap one of ErrTransient,
// ErrNotFound, ErrAuthExpired or ErrAuthRejected.
type Conn interface {
	Get(ctx context.Context, url string) (*Page, error)
	Login(ctx context.Context, creds Credentials) error
	Close() error
}

var errorTitle = regexp.MustCompile(`(?i)(^\s*404\b|error 404|not found)`)

// classify maps the observable result of a navigation to a sentinel. It is
// shared by the drivers so both read the site the same way.
func classify(p *Page, loginPath string) error {
	switch {
	case p.Status == 404 || p.Status == 410:
		return ErrNotFound
	case p.Status == 401 || p.Status == 403:
		return ErrAuthExpired
	case p.Status == 408 || p.Status == 429 || p.Status >= 500:
		return ErrTransient
	case p.Status >= 400:
		return ErrNotFound
	}
	if loginPath != "" && strings.Contains(p.FinalURL, loginPath) && !strings.Contains(p.URL, loginPath) {
		return ErrAuthExpired
	}
	if errorTitle.MatchString(p.Title) {
		return ErrNotFound
	}
	return nil
}
