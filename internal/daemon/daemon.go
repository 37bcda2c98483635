// Package daemon wires the engine together: store, policy, skills, memory,
// provider, transports, hygiene schedule and the metrics endpoint.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/okabe/himari/internal/config"
	"github.com/okabe/himari/internal/logger"
	"github.com/okabe/himari/internal/observability"
	"github.com/okabe/himari/internal/tracing"
	"github.com/okabe/himari/pkg/acl"
	"github.com/okabe/himari/pkg/agent"
	"github.com/okabe/himari/pkg/channels"
	"github.com/okabe/himari/pkg/coretools"
	"github.com/okabe/himari/pkg/memory"
	"github.com/okabe/himari/pkg/session"
	"github.com/okabe/himari/pkg/skills"
	"github.com/okabe/himari/pkg/store"
	"github.com/okabe/himari/pkg/workspace"
)

const minHygieneInterval = 60 * time.Second

// Daemon owns the engine's lifecycle.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	store      *store.Store
	aclManager *acl.Manager
	guard      *acl.Guard
	lanes      *session.Manager
	catalog    *skills.Catalog
	memory     *memory.Manager
	hygiene    *memory.Hygiene
	broker     *agent.ConfirmationBroker
	workspaces *workspace.Manager
	transports *channels.Registry
	engine     *Engine

	scheduler  *cron.Cron
	metricsSrv *http.Server

	mu             sync.Mutex
	running        bool
	startTime      time.Time
	tracingEnabled bool
}

// Options carries the external collaborators a deployment may plug in.
type Options struct {
	// Searcher backs the web_search tool; nil disables it.
	Searcher coretools.Searcher
	// Transports to register; when empty a log transport is used.
	Transports []channels.Transport
	// Ranker reorders skill candidates; nil keeps selection heuristic.
	Ranker skills.Ranker
}

// New builds a daemon from configuration, initializing modules in
// dependency order.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{config: cfg, logger: log}

	if err := tracing.InitOpenTelemetry("himari-daemon"); err != nil {
		log.Warn().Err(err).Msg("failed to initialize tracing, continuing without it")
	} else {
		d.tracingEnabled = true
	}

	st, err := store.Open(store.Config{
		DBPath:     cfg.DatabasePath,
		QueueDepth: cfg.Queue.Depth,
		Logger:     log.GetZerolog(),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.store = st
	log.Info().Str("path", cfg.DatabasePath).Msg("store opened")

	d.aclManager = acl.NewManager(acl.Config{
		FilePath:  cfg.ACL.FilePath,
		ReloadTTL: cfg.ACL.ReloadTTL(),
	})
	d.aclManager.Initialize()
	d.guard = acl.NewGuard(d.aclManager, cfg.ACL.Enforced)
	log.Info().Bool("enforced", cfg.ACL.Enforced).Str("path", cfg.ACL.FilePath).Msg("policy engine initialized")

	d.workspaces, err = workspace.NewManager(workspace.Config{
		Root:           cfg.WorkspaceDir,
		SeparateByChat: true,
		Logger:         log.GetZerolog(),
	})
	if err != nil {
		d.closePartial()
		return nil, fmt.Errorf("workspace manager: %w", err)
	}

	d.catalog, err = skills.NewCatalog(cfg.SkillsDir, log.GetZerolog())
	if err != nil {
		d.closePartial()
		return nil, fmt.Errorf("skill catalog: %w", err)
	}
	log.Info().Str("dir", cfg.SkillsDir).Int("skills", len(d.catalog.Docs())).Msg("skill catalog loaded")

	d.memory = memory.NewManager(st, memory.Config{
		Enabled:          cfg.Memory.Enabled,
		RecallLimit:      cfg.Memory.RecallLimit,
		MinRelevance:     cfg.Memory.MinRelevance,
		MaxContextChars:  cfg.Memory.MaxContextChars,
		SaveSummaryChars: cfg.Memory.SaveSummaryChars,
	}, nil, log.GetZerolog())
	d.hygiene = memory.NewHygiene(st, memory.HygieneConfig{
		MemoryRetentionDays:  cfg.Memory.RetentionDays,
		SessionRetentionDays: cfg.Hygiene.SessionRetentionDays,
	}, log.GetZerolog())

	provider, err := agent.NewProvider(cfg.Provider)
	if err != nil {
		d.closePartial()
		return nil, fmt.Errorf("llm provider: %w", err)
	}

	d.broker = agent.NewConfirmationBroker()
	d.lanes = session.NewManager(st, log.GetZerolog())

	d.transports = channels.NewRegistry(log.GetZerolog())
	if len(opts.Transports) == 0 {
		opts.Transports = []channels.Transport{channels.NewLogTransport(log.GetZerolog())}
	}
	for _, t := range opts.Transports {
		if err := d.transports.Register(t); err != nil {
			d.closePartial()
			return nil, fmt.Errorf("register transport: %w", err)
		}
	}

	d.engine = &Engine{
		cfg:        cfg,
		store:      st,
		guard:      d.guard,
		lanes:      d.lanes,
		catalog:    d.catalog,
		selector:   &skills.Selector{CandidateLimit: cfg.Agent.SkillCandidateLimit, MaxActiveSkills: cfg.Agent.MaxActiveSkills, Ranker: opts.Ranker},
		memory:     d.memory,
		broker:     d.broker,
		provider:   provider,
		workspaces: d.workspaces,
		searcher:   opts.Searcher,
		transports: d.transports,
		logger:     log.GetZerolog(),
	}

	return d, nil
}

// Engine returns the command surface for transports and the CLI.
func (d *Daemon) Engine() *Engine {
	return d.engine
}

// Start brings up the hygiene schedule and the metrics endpoint.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon already running")
	}

	if d.config.Hygiene.Enabled {
		d.startHygiene(ctx)
	}
	if d.config.Metrics.Enabled {
		d.startMetrics()
	}

	d.running = true
	d.startTime = time.Now()
	d.logger.Info().Msg("daemon started")
	return nil
}

// Run starts the daemon and blocks until the context ends or a termination
// signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

// Stop tears the daemon down in reverse order of startup.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return nil
	}
	d.running = false

	if d.scheduler != nil {
		scheduleCtx := d.scheduler.Stop()
		<-scheduleCtx.Done()
		d.scheduler = nil
	}
	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsSrv.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn().Err(err).Msg("metrics server shutdown failed")
		}
		cancel()
		d.metricsSrv = nil
	}
	if err := d.catalog.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("skill catalog stop failed")
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("store close failed")
	}
	if d.tracingEnabled {
		if err := tracing.ShutdownOpenTelemetry(context.Background()); err != nil {
			d.logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
		d.tracingEnabled = false
	}

	d.logger.Info().Dur("uptime", time.Since(d.startTime)).Msg("daemon stopped")
	return nil
}

// startHygiene runs retention once at startup, then on the configured
// cadence.
func (d *Daemon) startHygiene(ctx context.Context) {
	interval := d.config.Hygiene.Interval()
	if interval < minHygieneInterval {
		interval = minHygieneInterval
	}

	go d.hygiene.RunOnce(ctx)

	d.scheduler = cron.New()
	_, err := d.scheduler.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		d.hygiene.RunOnce(context.Background())
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to schedule hygiene")
		d.scheduler = nil
		return
	}
	d.scheduler.Start()
	d.logger.Info().Dur("interval", interval).Msg("hygiene schedule started")
}

func (d *Daemon) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := d.store.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	d.metricsSrv = &http.Server{Addr: d.config.Metrics.ListenAddr, Handler: mux}
	go func() {
		d.logger.Info().Str("addr", d.config.Metrics.ListenAddr).Msg("metrics endpoint listening")
		if err := d.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func (d *Daemon) closePartial() {
	if d.catalog != nil {
		_ = d.catalog.Stop()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}
