// Package backup takes consistent point-in-time copies of the catalog
// database before every write and rotates them.
//
// Snapshots are produced with VACUUM INTO, gzipped when larger than
// CompressOver, and optionally mirrored to S3. The local snapshot is the
// guarantee: if it cannot be written the caller must not write either.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/hazyhaar/brickvault/catalog/event"
	"github.com/hazyhaar/brickvault/idgen"
)

const (
	namePrefix = "brickvault-"
	dbExt      = ".db"
	gzExt      = ".db.gz"
)

// Mirror copies finished snapshots somewhere off the host.
type Mirror interface {
	Upload(ctx context.Context, name, path string) error
	Remove(ctx context.Context, name string) error
}

// Config configures a Manager.
type Config struct {
	Dir string

	// Keep is the number of snapshots retained. 0 keeps all.
	Keep int

	// MaxAge prunes snapshots older than this. 0 disables age pruning.
	// The newest snapshot is never pruned.
	MaxAge time.Duration

	// CompressOver gzips snapshots larger than this many bytes. Negative
	// disables compression.
	CompressOver int64

	Mirror Mirror
	Now    func() time.Time
	Events event.Sink
	Logger *slog.Logger
}

// Backup describes one snapshot on disk.
type Backup struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Time       time.Time `json:"time"`
	Size       int64     `json:"size"`
	Compressed bool      `json:"compressed"`
}

// Manager creates and rotates snapshots of one database.
type Manager struct {
	db  *sql.DB
	cfg Config
	mu  sync.Mutex
}

// New returns a Manager writing into cfg.Dir, creating it if needed.
func New(db *sql.DB, cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("backup: dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: mkdir: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Events == nil {
		cfg.Events = event.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{db: db, cfg: cfg}, nil
}

// Snapshot creates a backup and prunes old ones. It satisfies the store's
// pre-write hook.
func (m *Manager) Snapshot(ctx context.Context) error {
	if _, err := m.Create(ctx); err != nil {
		return err
	}
	if _, err := m.Prune(ctx); err != nil {
		m.cfg.Logger.Warn("backup: prune failed", "error", err)
	}
	return nil
}

// Create writes a new snapshot and returns it.
func (m *Manager) Create(ctx context.Context) (Backup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.cfg.Now()
	at := start.UTC().Truncate(time.Millisecond)
	path := m.pathFor(at, dbExt)
	for exists(path) || exists(path+".gz") {
		at = at.Add(time.Millisecond)
		path = m.pathFor(at, dbExt)
	}

	if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`VACUUM INTO '%s'`, escapeSQLString(path))); err != nil {
		os.Remove(path)
		return Backup{}, fmt.Errorf("backup: vacuum into: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return Backup{}, fmt.Errorf("backup: stat: %w", err)
	}

	b := Backup{Name: filepath.Base(path), Path: path, Time: at, Size: info.Size()}
	if m.cfg.CompressOver >= 0 && info.Size() > m.cfg.CompressOver {
		gz, size, err := compress(path)
		if err != nil {
			return Backup{}, fmt.Errorf("backup: compress: %w", err)
		}
		b = Backup{Name: filepath.Base(gz), Path: gz, Time: at, Size: size, Compressed: true}
	}

	if m.cfg.Mirror != nil {
		if err := m.cfg.Mirror.Upload(ctx, b.Name, b.Path); err != nil {
			m.cfg.Logger.Warn("backup: mirror upload failed", "name", b.Name, "error", err)
		}
	}

	m.cfg.Logger.Info("backup: created", "name", b.Name, "bytes", b.Size, "compressed", b.Compressed)
	m.cfg.Events.Emit(event.Event{
		Kind: event.BackupCreated, Time: m.cfg.Now(), Detail: b.Name,
		Count: int(b.Size), Elapsed: m.cfg.Now().Sub(start),
	})
	return b, nil
}

// List returns every snapshot in Dir, newest first.
func (m *Manager) List() ([]Backup, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("backup: list: %w", err)
	}
	var out []Backup
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, namePrefix) {
			continue
		}
		compressed := strings.HasSuffix(name, gzExt)
		if !compressed && !strings.HasSuffix(name, dbExt) {
			continue
		}
		at, err := idgen.ParseStamp(name)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Backup{
			Name: name, Path: filepath.Join(m.cfg.Dir, name),
			Time: at, Size: info.Size(), Compressed: compressed,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Time.Equal(out[j].Time) {
			return out[i].Time.After(out[j].Time)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// Prune removes snapshots beyond Keep or older than MaxAge and returns
// the removed ones.
func (m *Manager) Prune(ctx context.Context) ([]Backup, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	now := m.cfg.Now()
	var removed []Backup
	var errs []error
	for i, b := range all {
		if i == 0 {
			continue
		}
		tooMany := m.cfg.Keep > 0 && i >= m.cfg.Keep
		tooOld := m.cfg.MaxAge > 0 && now.Sub(b.Time) > m.cfg.MaxAge
		if !tooMany && !tooOld {
			continue
		}
		if err := os.Remove(b.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		if m.cfg.Mirror != nil {
			if err := m.cfg.Mirror.Remove(ctx, b.Name); err != nil {
				m.cfg.Logger.Warn("backup: mirror remove failed", "name", b.Name, "error", err)
			}
		}
		removed = append(removed, b)
	}
	if len(removed) > 0 {
		m.cfg.Logger.Info("backup: pruned", "count", len(removed))
		m.cfg.Events.Emit(event.Event{Kind: event.BackupPruned, Time: now, Count: len(removed)})
	}
	return removed, errors.Join(errs...)
}

// Restore decompresses (if needed) snapshot name into dst. dst must not
// be the live database of a running process.
func (m *Manager) Restore(name, dst string) error {
	src := filepath.Join(m.cfg.Dir, filepath.Base(name))
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("backup: open %s: %w", name, err)
	}
	defer in.Close()

	var r io.Reader = in
	if strings.HasSuffix(src, ".gz") {
		zr, err := gzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("backup: gunzip %s: %w", name, err)
		}
		defer zr.Close()
		r = zr
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("backup: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("backup: restore %s: %w", name, err)
	}
	return out.Close()
}

func (m *Manager) pathFor(at time.Time, ext string) string {
	return filepath.Join(m.cfg.Dir, namePrefix+idgen.Stamp(at)+ext)
}

// compress gzips path into path+".gz" and removes the original.
func compress(path string) (string, int64, error) {
	dst := path + ".gz"
	in, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}
	zw, err := gzip.NewWriterLevel(out, gzip.BestSpeed)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return "", 0, err
	}
	zw.Name = filepath.Base(path)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(dst)
		return "", 0, err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return "", 0, err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return "", 0, err
	}
	in.Close()
	if err := os.Remove(path); err != nil {
		return "", 0, err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return "", 0, err
	}
	return dst, info.Size(), nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
