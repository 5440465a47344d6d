// Package images downloads item pictures next to the catalog database.
// Files are laid out as <dir>/<kind>/<code>.<ext>.
package images

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/hazyhaar/brickvault/catalog/internal/store"
	"github.com/hazyhaar/brickvault/horosafe"
)

// ErrNotImage is returned when the server answers with a non-image type.
var ErrNotImage = errors.New("images: response is not an image")

// Config configures a Store.
type Config struct {
	Dir     string
	MaxSize int64 // default 8 MiB

	// AllowPrivate skips the SSRF check, for loopback test servers.
	AllowPrivate bool

	Transport http.RoundTripper
}

// Store writes downloaded images under Dir.
type Store struct {
	cfg    Config
	client *resty.Client
}

// New returns a Store rooted at cfg.Dir.
func New(cfg Config) *Store {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 8 << 20
	}
	client := resty.New().
		SetHeader("Accept", "image/*").
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetDoNotParseResponse(true)
	if cfg.Transport != nil {
		client.SetTransport(cfg.Transport)
	}
	return &Store{cfg: cfg, client: client}
}

// Fetch downloads url for item code and returns the path it was written to.
// An existing file is replaced atomically.
func (s *Store) Fetch(ctx context.Context, kind store.Kind, code, url string) (string, error) {
	if !s.cfg.AllowPrivate {
		if err := horosafe.ValidateURL(url); err != nil {
			return "", fmt.Errorf("images: %s: %w", code, err)
		}
	}
	if err := horosafe.ValidateIdentifier(code); err != nil {
		return "", fmt.Errorf("images: %w", err)
	}

	res, err := s.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", fmt.Errorf("images: get %s: %w", url, err)
	}
	body := res.RawBody()
	defer body.Close()
	if res.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("images: get %s: status %d", url, res.StatusCode())
	}
	data, err := horosafe.LimitedReadAll(body, s.cfg.MaxSize)
	if err != nil {
		return "", fmt.Errorf("images: read %s: %w", url, err)
	}

	ext, err := extension(res.Header().Get("Content-Type"), url, data)
	if err != nil {
		return "", fmt.Errorf("images: %s: %w", code, err)
	}
	dst, err := horosafe.SafePath(s.cfg.Dir, filepath.Join(string(kind), strings.ToLower(code)+ext))
	if err != nil {
		return "", err
	}
	if err := writeAtomic(dst, data); err != nil {
		return "", fmt.Errorf("images: write %s: %w", dst, err)
	}
	return dst, nil
}

var knownExt = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// extension picks the file extension from the declared type, then the
// sniffed content. The URL suffix is only a tiebreaker for generic types.
func extension(contentType, url string, data []byte) (string, error) {
	mt, _, _ := mime.ParseMediaType(contentType)
	if ext, ok := knownExt[mt]; ok {
		return ext, nil
	}
	sniffed := http.DetectContentType(data)
	if ext, ok := knownExt[sniffed]; ok {
		return ext, nil
	}
	if mt == "application/octet-stream" || mt == "" {
		switch ext := strings.ToLower(path.Ext(strings.SplitN(url, "?", 2)[0])); ext {
		case ".jpg", ".jpeg":
			return ".jpg", nil
		case ".png", ".gif", ".webp":
			return ext, nil
		}
	}
	return "", fmt.Errorf("%w (%s)", ErrNotImage, sniffed)
}

func writeAtomic(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".img-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
