// Package catalog runs the scraping pipeline: fetch item pages through a
// rate-limited session, parse and normalize them, and persist each batch
// atomically behind a pre-write backup. It also builds set/sub-component
// associations and projects them into a presence matrix.
//
//	cfg, _ := catalog.LoadConfig("brickvault.yaml")
//	svc, err := catalog.New(ctx, cfg)
//	defer svc.Close()
//	res, err := svc.RunBatch(ctx, catalog.KindSet, []string{"75192-1"})
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/brickvault/catalog/event"
	"github.com/hazyhaar/brickvault/catalog/internal/backup"
	"github.com/hazyhaar/brickvault/catalog/internal/images"
	"github.com/hazyhaar/brickvault/catalog/internal/matrix"
	"github.com/hazyhaar/brickvault/catalog/internal/normalize"
	"github.com/hazyhaar/brickvault/catalog/internal/session"
	"github.com/hazyhaar/brickvault/catalog/internal/store"
	"github.com/hazyhaar/brickvault/dbopen"
	"github.com/hazyhaar/brickvault/idgen"
)

// Service owns the database, the backups and the session manager.
type Service struct {
	cfg      Config
	db       *sql.DB
	store    *store.Store
	backups  *backup.Manager
	sessions *session.Manager
	norm     *normalize.Normalizer
	images   *images.Store
	events   event.Sink
	log      *slog.Logger
	clock    session.Clock
	newID    idgen.Generator
	themes   map[string]bool
}

type options struct {
	driver  session.Driver
	clock   session.Clock
	events  event.Sink
	logger  *slog.Logger
	mirror  backup.Mirror
	newID   idgen.Generator
	imgOpts func(*images.Config)
	rand    func() float64
}

// Option customises New.
type Option func(*options)

// WithDriver replaces the driver selected by Session.Driver.
func WithDriver(d session.Driver) Option { return func(o *options) { o.driver = d } }

// WithClock sets the clock used for pacing, backoff and timestamps.
func WithClock(c session.Clock) Option { return func(o *options) { o.clock = c } }

// WithEvents sets the pipeline event sink.
func WithEvents(s event.Sink) Option { return func(o *options) { o.events = s } }

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithMirror overrides the S3 mirror built from Backup.S3.
func WithMirror(m backup.Mirror) Option { return func(o *options) { o.mirror = m } }

// WithIDGenerator sets the run ID generator.
func WithIDGenerator(g idgen.Generator) Option { return func(o *options) { o.newID = g } }

// WithJitterSource sets the random source of retry jitter.
func WithJitterSource(r func() float64) Option { return func(o *options) { o.rand = r } }

// withImageConfig lets tests reach loopback image servers.
func withImageConfig(f func(*images.Config)) Option { return func(o *options) { o.imgOpts = f } }

// New opens (and migrates) the database and wires the pipeline.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Service, error) {
	c := *cfg
	c.defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: session.SystemClock{}, events: event.Discard, logger: slog.Default(), newID: idgen.Default}
	for _, fn := range opts {
		fn(&o)
	}

	db, err := dbopen.Open(c.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(db, o.logger); err != nil {
		db.Close()
		return nil, err
	}

	mirror := o.mirror
	if mirror == nil && c.Backup.S3.Bucket != "" {
		s3cfg := c.Backup.S3
		m, err := backup.NewS3Mirror(ctx, backup.S3Config{
			Bucket: s3cfg.Bucket, Region: s3cfg.Region, Endpoint: s3cfg.Endpoint,
			Prefix: s3cfg.Prefix, PathStyle: s3cfg.PathStyle,
			AccessKeyID: s3cfg.AccessKeyID, SecretAccessKey: s3cfg.SecretAccessKey,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		mirror = m
	}
	backups, err := backup.New(db, backup.Config{
		Dir: c.Backup.Dir, Keep: c.Backup.Keep, MaxAge: c.Backup.MaxAge,
		CompressOver: c.Backup.CompressOver, Mirror: mirror,
		Now: o.clock.Now, Events: o.events, Logger: o.logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	driver := o.driver
	if driver == nil {
		driver = newDriver(&c, o.logger)
	}
	sess := session.NewManager(session.Config{
		BaseURL:      c.Session.BaseURL,
		Delay:        c.Session.Delay,
		FetchTimeout: c.Session.FetchTimeout,
		Retry: session.Policy{
			MaxAttempts: c.Session.Retry.MaxAttempts,
			BaseDelay:   c.Session.Retry.BaseDelay,
			MaxDelay:    c.Session.Retry.MaxDelay,
			Jitter:      c.Session.Retry.Jitter,
			Rand:        o.rand,
		},
		Credentials: session.Credentials{Username: c.Session.Username, Password: c.Session.Password},
		Clock:       o.clock,
		Events:      o.events,
		Logger:      o.logger,
	}, driver)

	svc := &Service{
		cfg:      c,
		db:       db,
		store:    store.NewStore(db, store.WithSnapshotter(backups), store.WithClock(o.clock.Now)),
		backups:  backups,
		sessions: sess,
		norm:     normalize.New(normalize.WithClock(o.clock.Now)),
		events:   o.events,
		log:      o.logger,
		clock:    o.clock,
		newID:    o.newID,
	}
	if len(c.Themes) > 0 {
		svc.themes = make(map[string]bool, len(c.Themes))
		for _, t := range c.Themes {
			svc.themes[t] = true
		}
	}
	if c.Images.Enabled {
		icfg := images.Config{Dir: c.Images.Dir, MaxSize: c.Images.MaxBytes}
		if o.imgOpts != nil {
			o.imgOpts(&icfg)
		}
		svc.images = images.New(icfg)
	}
	return svc, nil
}

func newDriver(c *Config, log *slog.Logger) session.Driver {
	if c.Session.Driver == "browser" {
		return session.NewBrowserDriver(session.BrowserConfig{
			BaseURL:          c.Session.BaseURL,
			RemoteURL:        c.Session.Browser.RemoteURL,
			Headful:          c.Session.Browser.Headful,
			ResourceBlocking: c.Session.Browser.ResourceBlocking,
			Logger:           log,
		})
	}
	return session.NewHTTPDriver(session.HTTPConfig{
		BaseURL:   c.Session.BaseURL,
		LoginPath: c.Session.LoginPath,
		UserAgent: c.Session.UserAgent,
	})
}

// Close shuts the session driver and the database.
func (s *Service) Close() error {
	err := s.sessions.Close()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// Config returns a copy of the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// DBPath returns the path of the store file.
func (s *Service) DBPath() string { return s.cfg.DBPath }

// Get returns the item with code, or ErrNotFound.
func (s *Service) Get(ctx context.Context, code string) (*Item, error) {
	c, err := normalize.Code(code)
	if err != nil {
		return nil, fmt.Errorf("catalog: get %q: %w", code, ErrNotFound)
	}
	return s.store.Get(ctx, c)
}

// Query lists items matching f. Quarantined items and placeholders are
// excluded unless f asks for them.
func (s *Service) Query(ctx context.Context, f Filter) ([]*Item, error) {
	return s.store.Query(ctx, f)
}

// Project returns the presence matrix of sets (rows) and sub-components
// (columns). An empty theme covers every set.
func (s *Service) Project(ctx context.Context, theme string, includeQuarantined bool) (*Matrix, error) {
	pairs, err := s.store.MatrixPairs(ctx, theme, includeQuarantined)
	if err != nil {
		return nil, err
	}
	return matrix.Project(pairs), nil
}

// Associations lists the associations of setCode, or all when empty.
func (s *Service) Associations(ctx context.Context, setCode string) ([]Association, error) {
	if setCode != "" {
		c, err := normalize.Code(setCode)
		if err != nil {
			return nil, err
		}
		setCode = c
	}
	return s.store.Associations(ctx, setCode)
}

// Stats summarises the store.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.store.Stats(ctx)
}

// Runs lists recent batch summaries, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]*Run, error) {
	return s.store.ListRuns(ctx, limit)
}

// Delete removes an item and its associations, after a backup.
func (s *Service) Delete(ctx context.Context, code string) error {
	c, err := normalize.Code(code)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, c); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return asPersistence("delete "+c, err)
	}
	return nil
}

// Optimize runs ANALYZE and VACUUM.
func (s *Service) Optimize(ctx context.Context) error {
	return s.store.Optimize(ctx)
}

// Backup takes a snapshot now and applies retention.
func (s *Service) Backup(ctx context.Context) (Backup, error) {
	b, err := s.backups.Create(ctx)
	if err != nil {
		return Backup{}, err
	}
	if _, err := s.backups.Prune(ctx); err != nil {
		s.log.Warn("catalog: prune backups", "error", err)
	}
	return b, nil
}

// Backups lists snapshots, newest first.
func (s *Service) Backups() ([]Backup, error) {
	return s.backups.List()
}

// RestoreBackup writes snapshot name to dst as a plain database file.
func (s *Service) RestoreBackup(name, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("catalog: restore: %s already exists", dst)
	}
	return s.backups.Restore(name, dst)
}

func (s *Service) now() time.Time { return s.clock.Now() }

func (s *Service) emit(e event.Event) {
	e.Time = s.now()
	s.events.Emit(e)
}
