package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"modkit/internal/config"
	"modkit/internal/eventbus"
	"modkit/internal/messaging"
	"modkit/internal/module"
	"modkit/internal/runtime/supervisor"
	"modkit/internal/storage"
	logx "modkit/pkg/logx"
)

// Kernel is one execution context's bus + loader pair. Contexts share the
// store and the messaging router, nothing else.
type Kernel struct {
	Context string
	Bus     *eventbus.Bus
	Loader  *module.Loader
}

// App wires config, logging, storage, the inter-context router, and one
// kernel per configured execution context.
type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	router *messaging.Router

	order   []string
	kernels map[string]*Kernel
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(toLogxConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	st, err := openStore(cfg.Storage, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	router := messaging.NewRouter(log.With(logx.String("comp", "router")))

	contexts := cfg.Contexts
	if len(contexts) == 0 {
		contexts = []string{module.ContextBackground, module.ContextContent, module.ContextPopup}
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   st,
		router:  router,
		kernels: map[string]*Kernel{},
	}

	for _, name := range contexts {
		if name == "" || a.kernels[name] != nil {
			continue
		}
		klog := log.With(logx.String("context", name))
		bus := eventbus.New(klog)
		loader := module.NewLoader(bus, st, router, klog)
		applyModuleTable(loader, cfg)

		k := &Kernel{Context: name, Bus: bus, Loader: loader}
		a.order = append(a.order, name)
		a.kernels[name] = k

		// Incoming inter-context messages surface on the kernel's bus as
		// "message:<type>" events; the first non-nil subscriber result
		// becomes the response.
		router.Handle(name, func(ctx context.Context, msg messaging.Message) (*messaging.Response, error) {
			return deliverMessage(ctx, k.Bus, msg)
		})
	}
	if len(a.order) == 0 {
		_ = logSvc.Close()
		return nil, fmt.Errorf("config: no usable contexts")
	}

	// Mirror warn+ records onto the first context's bus (background when
	// configured, by convention first in the closed set).
	primary := a.kernels[a.order[0]].Bus
	logSvc.SetBusPublisher(func(event string, data map[string]any) {
		primary.Emit(context.Background(), event, data)
	})

	return a, nil
}

// Register adds a module candidate to every kernel; the per-context
// permission table decides where it actually loads.
func (a *App) Register(name string, f module.Factory) {
	for _, ctxName := range a.order {
		a.kernels[ctxName].Loader.Register(name, f)
	}
}

// Kernel returns the kernel for an execution context, or nil.
func (a *App) Kernel(contextName string) *Kernel { return a.kernels[contextName] }

// Contexts returns the configured execution contexts in creation order.
func (a *App) Contexts() []string { return append([]string(nil), a.order...) }

// Start loads modules in every context and begins config watching.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	for _, name := range a.order {
		k := a.kernels[name]
		k.Loader.SetContext(name)
		k.Loader.AutoLoad(ctx)
	}

	a.sup.Go("config.watch", a.cfgm.Watch)

	updates := a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.onConfigUpdate(cfg)
			}
		}
	})

	// Best-effort: no-op outside systemd.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("host started", logx.Int("contexts", len(a.order)))
	return nil
}

func (a *App) onConfigUpdate(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(toLogxConfig(cfg.Logging))

	// Permission/settings changes apply to future loads only; there is no
	// in-kernel teardown path for already-loaded modules.
	for _, name := range a.order {
		applyModuleTable(a.kernels[name].Loader, cfg)
	}
	a.log.Info("config reloaded", logx.Int("modules", len(cfg.Modules)))
}

// Stop tears down modules, storage, and host loops. Bounded by ctx.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	for _, name := range a.order {
		a.kernels[name].Loader.CleanupAll()
	}

	var err error
	if a.sup != nil {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = a.sup.Stop(sctx)
		cancel()
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	_ = a.logs.Close()
	return err
}

func applyModuleTable(l *module.Loader, cfg *config.Config) {
	for name, raw := range cfg.Modules {
		l.Configure(name, module.InContexts(raw.Contexts...), raw.Settings)
	}
}

func deliverMessage(ctx context.Context, bus *eventbus.Bus, msg messaging.Message) (*messaging.Response, error) {
	p := make(eventbus.Payload, len(msg.Data)+3)
	for k, v := range msg.Data {
		p[k] = v
	}
	p["id"] = msg.ID
	p["source"] = msg.Source
	p["context"] = msg.Context

	results := bus.Emit(ctx, "message:"+msg.Type, p)
	for _, res := range results {
		if res == nil {
			continue
		}
		if data, ok := res.(map[string]any); ok {
			return &messaging.Response{Data: data}, nil
		}
		return &messaging.Response{Data: map[string]any{"result": res}}, nil
	}
	return nil, nil
}

func toLogxConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
		Bus: logx.BusConfig{
			Enabled:    c.Bus.Enabled,
			MinLevel:   c.Bus.MinLevel,
			RatePerSec: c.Bus.RatePerSec,
		},
	}
}

func openStore(sc *config.StorageConfig, log logx.Logger) (storage.Store, error) {
	if sc == nil {
		return nil, nil
	}
	var busy time.Duration
	if sc.BusyTimeout != "" {
		d, err := time.ParseDuration(sc.BusyTimeout)
		if err != nil {
			return nil, fmt.Errorf("storage.busy_timeout: %w", err)
		}
		busy = d
	}
	return storage.Open(storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: busy,
	}, log)
}
