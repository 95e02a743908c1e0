package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sitemigrate/internal/activerun"
	"sitemigrate/internal/checkpoint"
	"sitemigrate/internal/config"
	"sitemigrate/internal/convert"
	"sitemigrate/internal/finalizer"
	"sitemigrate/internal/lock"
	"sitemigrate/internal/metrics"
	"sitemigrate/internal/phase"
	"sitemigrate/internal/progress"
	"sitemigrate/internal/runlog"
	"sitemigrate/internal/source"
	"sitemigrate/internal/storage"
	"sitemigrate/internal/store"
	"sitemigrate/internal/transport"
	"sitemigrate/internal/worker"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Source is the export API of the site being migrated
type Source interface {
	Analyze(ctx context.Context) (*source.Analysis, error)
	PostRefs(ctx context.Context, categories []string) ([]source.PostRef, error)
	MediaIDs(ctx context.Context) ([]int64, error)
	Post(ctx context.Context, id int64) (*source.Post, error)
	Media(ctx context.Context, id int64) (*source.Media, error)
	Categories(ctx context.Context) ([]source.Category, error)
	FieldGroups(ctx context.Context) ([]source.FieldGroup, error)
	Styles(ctx context.Context) (json.RawMessage, error)
}

// Target is the receiving site
type Target interface {
	SetItemsTotal(n int)
	Validate(ctx context.Context, target, credential string) (*transport.ValidateResponse, error)
	SendMedia(ctx context.Context, target, credential string, media transport.MediaPayload) error
	SendPost(ctx context.Context, target, credential string, doc *convert.Document) error
	SendCategories(ctx context.Context, target, credential string, cats []source.Category, mappings map[string]string) ([]string, error)
	SendFieldGroups(ctx context.Context, target, credential string, groups []source.FieldGroup) ([]string, error)
	SendStyles(ctx context.Context, target, credential string, styles json.RawMessage) ([]string, error)
}

// Objects is the bucket media originals are read from
type Objects interface {
	phase.ObjectFetcher
	Verify(ctx context.Context) error
}

// Unscheduler drops pending background events of a run
type Unscheduler interface {
	Unschedule(ctx context.Context, migrationID string) error
}

// Deps are the collaborators of a Migrator. Objects, Converter and Metrics
// are optional.
type Deps struct {
	Store     store.Store
	Source    Source
	Target    Target
	Objects   Objects
	Converter convert.Converter
	Metrics   *metrics.Collector
	Logger    *zap.Logger
	Now       func() time.Time
}

// Migrator represents the main migration application
type Migrator struct {
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	store       store.Store
	source      Source
	target      Target
	objects     Objects
	runs        *activerun.Store
	checkpoints *checkpoint.Repository
	tracker     *progress.Tracker
	log         *runlog.Log
	history     *finalizer.Runs
	finalizer   *finalizer.Finalizer
	locks       *lock.Manager
	metrics     *metrics.Collector
	registry    phase.Registry
	dispatcher  *worker.Dispatcher
	scheduler   Unscheduler
}

// New creates a new migrator instance from configuration
func New(cfg *config.Config, logger *zap.Logger) (*Migrator, error) {
	st, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open document store: %w", err)
	}

	src, err := source.NewClient(source.Config{
		BaseURL:   cfg.Source.URL,
		APIKey:    cfg.Source.APIKey,
		RateLimit: cfg.Source.RateLimit,
		Timeout:   time.Duration(cfg.Source.TimeoutSeconds) * time.Second,
	}, nil)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create source client: %w", err)
	}

	dst := transport.NewClient(transport.Config{
		Timeout:        time.Duration(cfg.Target.TimeoutSeconds) * time.Second,
		RateLimit:      cfg.Target.RateLimit,
		Retries:        cfg.Target.Retries,
		RetryBackoffMs: cfg.Target.RetryBackoffMs,
	}, nil, logger)

	deps := Deps{
		Store:     st,
		Source:    src,
		Target:    dst,
		Converter: convert.Passthrough{},
		Metrics:   metrics.New(),
		Logger:    logger,
	}

	if cfg.Media.Endpoint != "" {
		client, err := storage.NewMinIOClient(storage.Config{
			Endpoint:  cfg.Media.Endpoint,
			AccessKey: cfg.Media.AccessKey,
			SecretKey: cfg.Media.SecretKey,
			Secure:    cfg.Media.Secure,
			Bucket:    cfg.Media.Bucket,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create media storage client: %w", err)
		}
		deps.Objects = &storage.Bucket{
			Client:  client,
			Name:    cfg.Media.Bucket,
			MaxSize: cfg.Media.MaxSizeMB << 20,
		}
	}

	return NewWithDeps(cfg, deps)
}

// OpenStore opens the configured document store
func OpenStore(cfg config.StoreConfig) (store.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		return store.NewSQLiteStore(cfg.Path)
	case "redis":
		return store.NewRedisStore(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.Prefix), nil
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// NewWithDeps wires a migrator around explicit collaborators
func NewWithDeps(cfg *config.Config, deps Deps) (*Migrator, error) {
	if deps.Store == nil || deps.Source == nil || deps.Target == nil {
		return nil, fmt.Errorf("store, source and target are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	converter := deps.Converter
	if converter == nil {
		converter = convert.Passthrough{}
	}

	runs := activerun.NewStore(deps.Store)
	tracker := progress.NewTracker(deps.Store, runs, logger,
		progress.WithStaleTTL(cfg.Migration.StaleTTL()),
		progress.WithClock(now))
	log := runlog.New(deps.Store, logger)
	log.SetClock(now)
	history := finalizer.NewRuns(deps.Store, cfg.Migration.HistoryRetention())
	history.SetClock(now)
	fin := finalizer.New(history, log, tracker, runs, logger)
	fin.SetClock(now)
	if deps.Metrics != nil {
		fin.SetObserver(deps.Metrics)
	}
	locks := lock.NewManager(deps.Store, logger,
		lock.WithTTL(cfg.Migration.LockTTL()),
		lock.WithClock(now))
	checkpoints := checkpoint.NewRepository(deps.Store)

	var objects phase.ObjectFetcher
	if deps.Objects != nil {
		objects = deps.Objects
	}
	registry, err := phase.NewRegistry(
		phase.NewMediaHandler(phase.Settings{
			BatchSize:  cfg.Migration.MediaBatchSize,
			MaxRetries: cfg.Migration.MediaMaxRetries,
		}, deps.Source, deps.Target, objects),
		phase.NewPostsHandler(phase.Settings{
			BatchSize:  cfg.Migration.PostsBatchSize,
			MaxRetries: cfg.Migration.PostsMaxRetries,
		}, deps.Source, converter, deps.Target),
	)
	if err != nil {
		return nil, err
	}

	executor := worker.NewExecutor(worker.ExecutorConfig{
		Checkpoints: checkpoints,
		Tracker:     tracker,
		Finalizer:   fin,
		Registry:    registry,
		Log:         log,
		Totals:      deps.Target,
		Metrics:     deps.Metrics,
		Logger:      logger,
	})
	dispatcher := worker.NewDispatcher(locks, checkpoints, registry, executor, tracker, deps.Metrics, logger)

	return &Migrator{
		cfg:         cfg,
		logger:      logger,
		now:         now,
		store:       deps.Store,
		source:      deps.Source,
		target:      deps.Target,
		objects:     deps.Objects,
		runs:        runs,
		checkpoints: checkpoints,
		tracker:     tracker,
		log:         log,
		history:     history,
		finalizer:   fin,
		locks:       locks,
		metrics:     deps.Metrics,
		registry:    registry,
		dispatcher:  dispatcher,
	}, nil
}

// SetScheduler lets Cancel drop pending background events
func (m *Migrator) SetScheduler(s Unscheduler) { m.scheduler = s }

func (m *Migrator) Config() *config.Config              { return m.cfg }
func (m *Migrator) Store() store.Store                  { return m.store }
func (m *Migrator) ActiveRuns() *activerun.Store        { return m.runs }
func (m *Migrator) Checkpoints() *checkpoint.Repository { return m.checkpoints }
func (m *Migrator) Tracker() *progress.Tracker          { return m.tracker }
func (m *Migrator) Log() *runlog.Log                    { return m.log }
func (m *Migrator) Locks() *lock.Manager                { return m.locks }
func (m *Migrator) Metrics() *metrics.Collector         { return m.metrics }
func (m *Migrator) Dispatcher() *worker.Dispatcher      { return m.dispatcher }

func (m *Migrator) Runs(ctx context.Context, limit int) ([]finalizer.Record, error) {
	return m.history.List(ctx, limit)
}

// Run returns the record of a finished run, or nil
func (m *Migrator) Run(ctx context.Context, migrationID string) (*finalizer.Record, error) {
	return m.history.Get(ctx, migrationID)
}

// ProcessBatch runs one batch of the active run
func (m *Migrator) ProcessBatch(ctx context.Context, run *activerun.Run, batch worker.BatchOptions) (*worker.Result, error) {
	if batch.BatchSize <= 0 {
		batch.BatchSize = run.BatchSize
	}
	return m.dispatcher.ProcessBatch(ctx, run.ID, batch, run.Target, run.Credential, run.Options)
}

// Close cleans up resources
func (m *Migrator) Close() error {
	m.locks.ReleaseAll(context.Background())
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}
