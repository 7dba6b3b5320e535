package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/coopco/stampbot/internal/bus"
	"github.com/coopco/stampbot/internal/channels"
	"github.com/coopco/stampbot/internal/config"
	"github.com/coopco/stampbot/internal/idempotency"
	"github.com/coopco/stampbot/internal/stats"
	"github.com/coopco/stampbot/internal/transform"
	"github.com/coopco/stampbot/internal/watermark"
)

// App wires the bus, the platform channels, the engine and the stats
// services together.
type App struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	channels  *channels.Manager
	engine    *transform.Engine
	collector *stats.Collector
	reporter  *stats.Reporter
}

func NewApp(cfg *config.Config) (*App, error) {
	msgBus := bus.NewMessageBus(cfg.Bus.BufferSize)

	mgr := channels.NewManager(msgBus)
	tgCfg, err := json.Marshal(cfg.Telegram)
	if err != nil {
		return nil, fmt.Errorf("failed to encode telegram config: %w", err)
	}
	if err := mgr.AddChannel("telegram", tgCfg); err != nil {
		return nil, err
	}

	tracker, err := idempotency.New(cfg.Transform.MaxTracked)
	if err != nil {
		return nil, err
	}

	engine := transform.NewEngine(transform.EngineConfig{
		Bus:     msgBus,
		Client:  mgr,
		Tracker: tracker,
		Renderer: watermark.NewRenderer(watermark.Config{
			FontPath:    cfg.Watermark.FontPath,
			JPEGQuality: cfg.Watermark.JPEGQuality,
			MaxPixels:   cfg.Watermark.MaxPixels,
		}),
		Markers:      cfg.Transform.Markers(),
		ReplaceDelay: cfg.Transform.ReplaceDelay(),
		Retry:        cfg.Retry.Policy(),
	})

	collector := stats.NewCollector(tracker)
	collector.Attach(msgBus)

	app := &App{
		cfg:       cfg,
		bus:       msgBus,
		channels:  mgr,
		engine:    engine,
		collector: collector,
	}
	if cfg.Stats.Schedule != "" {
		app.reporter, err = stats.NewReporter(cfg.Stats.Schedule, collector)
		if err != nil {
			return nil, err
		}
	}
	return app, nil
}

// Run blocks until ctx is cancelled or a service fails, then stops the
// channels and waits for in-flight handlers.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := a.channels.StartAll(gctx); err != nil {
		return err
	}
	if a.reporter != nil {
		a.reporter.Start()
	}

	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	g.Go(func() error {
		a.bus.DispatchOutcomes(gctx)
		return nil
	})
	if a.cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return stats.Serve(gctx, a.cfg.Metrics.Listen, stats.NewMux(a.collector))
		})
	}

	err := g.Wait()

	if stopErr := a.channels.StopAll(); stopErr != nil {
		slog.Warn("stampbot: failed to stop channels", "err", stopErr)
	}
	a.engine.Wait()
	if a.reporter != nil {
		a.reporter.Stop()
	}

	if err != nil && !isShutdown(err) {
		return err
	}
	return nil
}
