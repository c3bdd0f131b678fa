package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"conductor/internal/adapter"
	"conductor/internal/config"
	"conductor/internal/eventbus"
	"conductor/internal/orchestrator"
	"conductor/internal/quota"
	"conductor/internal/router"
	"conductor/internal/storage"
	"conductor/internal/validator"
	logx "conductor/pkg/logx"
)

// Options control how New assembles the app. Everything is optional.
type Options struct {
	ConfigPath string
	// Config skips loading ConfigPath when set.
	Config *config.Config

	// Flag overrides.
	LogLevel    string
	StatePath   string
	MetricsFile string

	// Log replaces the logging service built from config.
	Log logx.Logger
	// Adapters replaces the adapters built from the platforms section.
	Adapters adapter.Set
	Now      func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

// App owns every long-lived component of one conductor process.
type App struct {
	cfg  *config.Config
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store     storage.Store
	storeCfg  storage.Config
	quotaOpts quota.Options

	quota     *quota.Tracker
	adapters  adapter.Set
	validator *validator.Validator
	router    *router.Router
	orch      *orchestrator.Orchestrator
	registry  *prometheus.Registry

	metricsFile string

	stopEvents context.CancelFunc
	eventsDone chan struct{}
}

// New loads config and wires storage, quota, adapters, validator, router and
// orchestrator together. Close releases what New opened.
func New(ctx context.Context, opt Options) (a *App, err error) {
	cfg := opt.Config
	if cfg == nil {
		cfgm := config.NewConfigManager(opt.ConfigPath)
		if cfg, err = cfgm.Load(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	} else if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if _, err := logx.ParseLevel(opt.LogLevel); err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}

	a = &App{cfg: cfg, log: opt.Log, bus: eventbus.New()}
	if a.log.IsZero() {
		a.logs, a.log = logx.New(mapLogConfig(cfg.Logging, opt.LogLevel))
	}
	log := a.log
	a.log = a.log.With(logx.String("comp", "app"))
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	// Storage (optional)
	sc, enabled, err := mapStorageConfig(cfg.Storage, opt.StatePath)
	if err != nil {
		return a, err
	}
	if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return a, fmt.Errorf("open storage: %w", err)
		}
		a.store, a.storeCfg = st, sc
		a.log.Debug("storage enabled", logx.String("driver", string(sc.Driver)), logx.String("path", sc.Path))
	}

	keys, platformKeys, err := mapQuotaKeys(cfg.Quota)
	if err != nil {
		return a, err
	}
	a.quotaOpts = quota.Options{
		Keys:         keys,
		PlatformKeys: platformKeys,
		Thresholds:   cfg.Quota.Thresholds,
		Now:          opt.Now,
		Log:          log,
	}
	qo := a.quotaOpts
	qo.Store = a.store
	qo.OnAlert = func(al quota.Alert) { eventbus.Emit(a.bus, eventbus.QuotaAlert, al) }
	qo.OnReset = func(key string, next time.Time) {
		eventbus.Emit(a.bus, eventbus.QuotaReset, QuotaResetEvent{Key: key, Next: next})
	}
	if a.quota, err = quota.New(ctx, qo); err != nil {
		return a, fmt.Errorf("quota: %w", err)
	}

	a.adapters = opt.Adapters
	var vopts []validator.Option
	if a.adapters == nil {
		if a.adapters, vopts, err = buildAdapters(cfg.Platforms, log); err != nil {
			return a, err
		}
	} else {
		// injected adapters carry their own readiness
		for p := range a.adapters {
			vopts = append(vopts, validator.WithRequirements(p, nil))
		}
	}
	vopts = append(vopts, validator.WithLogger(log))
	if opt.Now != nil {
		vopts = append(vopts, validator.WithClock(opt.Now))
	}
	a.validator = validator.New(a.adapters, vopts...)

	a.router = router.New(router.Options{
		Validator: a.validator,
		Tiers:     mapTiers(keys, platformKeys, cfg.Platforms),
		Log:       log,
	})

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(newQuotaCollector(a.quota))
	metrics := orchestrator.MustNewMetrics(a.registry)

	oc, err := mapOrchestratorConfig(cfg.Orchestrator)
	if err != nil {
		return a, err
	}
	a.orch, err = orchestrator.New(orchestrator.Options{
		Config:    oc,
		Adapters:  a.adapters,
		Router:    a.router,
		Quota:     a.quota,
		Validator: a.validator,
		Bus:       a.bus,
		Metrics:   metrics,
		Log:       log,
		Sleep:     opt.Sleep,
		Now:       opt.Now,
	})
	if err != nil {
		return a, err
	}

	a.metricsFile = strings.TrimSpace(cfg.Metrics.Textfile)
	if s := strings.TrimSpace(opt.MetricsFile); s != "" {
		a.metricsFile = s
	}

	a.startEventLog()
	a.log.Debug("app ready",
		logx.Strs("available", platformNames(a.validator)),
		logx.Int("tiers", len(a.router.Tiers())),
	)
	return a, nil
}

// QuotaResetEvent is the payload of quota.reset events.
type QuotaResetEvent struct {
	Key  string    `json:"key"`
	Next time.Time `json:"next"`
}

func (a *App) Config() *config.Config                   { return a.cfg }
func (a *App) Log() logx.Logger                         { return a.log }
func (a *App) Bus() eventbus.Bus                        { return a.bus }
func (a *App) Quota() *quota.Tracker                    { return a.quota }
func (a *App) Adapters() adapter.Set                    { return a.adapters }
func (a *App) Validator() *validator.Validator          { return a.validator }
func (a *App) Router() *router.Router                   { return a.router }
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }
func (a *App) Registry() *prometheus.Registry           { return a.registry }

// startEventLog mirrors bus traffic into the log: quota alerts at warn,
// everything else at trace.
func (a *App) startEventLog() {
	ctx, cancel := context.WithCancel(context.Background())
	events, unsub := a.bus.Subscribe(128)
	a.stopEvents = cancel
	a.eventsDone = make(chan struct{})
	go func() {
		defer close(a.eventsDone)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				switch e.Type {
				case eventbus.QuotaAlert:
					if al, ok := e.Data.(quota.Alert); ok {
						a.log.Warn("quota alert", logx.String("key", al.Key), logx.String("msg", al.Message))
					}
				default:
					a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	}()
}

// Close flushes the quota ledger and releases storage and log sinks. Each
// step is bounded so one slow component can't stall the rest.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		c, cancel := context.WithTimeout(ctx, limit)
		defer cancel()
		start := time.Now()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		a.log.Trace("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	if a.stopEvents != nil {
		step("events", time.Second, func(c context.Context) error {
			a.stopEvents()
			select {
			case <-a.eventsDone:
				return nil
			case <-c.Done():
				return c.Err()
			}
		})
		if n := a.bus.Dropped(); n > 0 {
			a.log.Debug("event log fell behind", logx.Int("dropped", int(n)))
		}
	}
	if a.quota != nil {
		step("quota", 2*time.Second, a.quota.Flush)
	}
	if a.store != nil {
		step("storage", time.Second, func(context.Context) error { return a.store.Close() })
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
	return errors.Join(errs...)
}

func platformNames(v *validator.Validator) []string {
	ps := v.AvailablePlatforms()
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	return out
}
