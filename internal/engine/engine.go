// Package engine assembles the protection components and exposes the
// high-level enable/disable lifecycle.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Isonimus/content-security-toolkit/internal/api"
	"github.com/Isonimus/content-security-toolkit/internal/bus"
	"github.com/Isonimus/content-security-toolkit/internal/config"
	"github.com/Isonimus/content-security-toolkit/internal/content"
	"github.com/Isonimus/content-security-toolkit/internal/logging"
	"github.com/Isonimus/content-security-toolkit/internal/metrics"
	"github.com/Isonimus/content-security-toolkit/internal/overlay"
	"github.com/Isonimus/content-security-toolkit/internal/scheduler"
	"github.com/Isonimus/content-security-toolkit/internal/strategy"
	"github.com/Isonimus/content-security-toolkit/internal/surface"
	"github.com/Isonimus/content-security-toolkit/pkg/protection"
)

// Probes supplies the detection signals for each feature. A nil probe
// disables that feature's detector regardless of configuration.
type Probes struct {
	DevTools   strategy.Probe
	Extension  strategy.Probe
	Screenshot strategy.Probe
	FrameEmbed strategy.Probe
}

// Engine is the main coordinator of all protection components
type Engine struct {
	config     *config.Config
	surface    surface.Surface
	probes     Probes
	bus        *bus.Bus
	overlays   *overlay.Coordinator
	contents   *content.Coordinator
	sched      *scheduler.Registry
	strategies *strategy.Set
	api        *api.API

	mu        sync.Mutex
	handlers  []*strategy.Handler
	protected bool

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// CreateEngine creates a new Engine instance with all components
// initialized from the config
func CreateEngine(cfg *config.Config, surf surface.Surface, probes Probes) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if surf == nil {
		return nil, fmt.Errorf("engine requires a surface")
	}

	b := bus.New(bus.Config{HistorySize: cfg.Bus.HistorySize})
	b.SetDebugMode(cfg.Bus.Debug)

	overlays := overlay.New(surf)
	overlays.SetMediator(b)

	contents := content.New(surf, content.Config{DefaultTarget: cfg.Content.DefaultTarget})
	contents.SetMediator(b)

	sched := scheduler.New(scheduler.Config{
		Resolution: time.Duration(cfg.Scheduler.ResolutionMs) * time.Millisecond,
	})

	e := &Engine{
		config:     cfg,
		surface:    surf,
		probes:     probes,
		bus:        b,
		overlays:   overlays,
		contents:   contents,
		sched:      sched,
		strategies: strategy.NewSet(),
		logger:     logging.Component("engine"),
		metrics:    metrics.GetMetrics(),
	}

	if cfg.Server.Enabled {
		e.api = api.New(api.Config{
			Addr:         cfg.Server.Addr,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		}, b, overlays, contents, e.strategies)
	}

	return e, nil
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Overlays returns the overlay coordinator.
func (e *Engine) Overlays() *overlay.Coordinator { return e.overlays }

// Contents returns the content coordinator.
func (e *Engine) Contents() *content.Coordinator { return e.contents }

// Scheduler returns the shared task scheduler.
func (e *Engine) Scheduler() *scheduler.Registry { return e.sched }

// Protected reports whether protection is currently enabled.
func (e *Engine) Protected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.protected
}

// Protect applies every enabled strategy and attaches the detection
// handlers. Calling it while already protected is a no-op.
func (e *Engine) Protect() error {
	e.mu.Lock()
	if e.protected {
		e.mu.Unlock()
		return nil
	}
	e.protected = true
	e.mu.Unlock()

	if err := e.applyStrategies(e.config.Features); err != nil {
		e.mu.Lock()
		e.protected = false
		e.mu.Unlock()
		return err
	}

	e.logger.Info().Strs("strategies", e.strategies.Names()).Msg("Protection enabled")
	e.bus.Publish(protection.Event{
		Type:   protection.EventProtectionEnabled,
		Source: "engine",
		Data:   protection.LifecyclePayload{Strategies: e.strategies.Names()},
	})
	return nil
}

// Unprotect removes every strategy, detaches handlers, and restores
// overlays and content. Calling it while not protected is a no-op.
func (e *Engine) Unprotect() error {
	e.mu.Lock()
	if !e.protected {
		e.mu.Unlock()
		return nil
	}
	e.protected = false
	handlers := e.handlers
	e.handlers = nil
	e.mu.Unlock()

	// Strategies first so detectors publish their clearing samples
	// while the handlers still listen
	err := e.strategies.RemoveAll()

	for _, h := range handlers {
		h.Detach()
	}

	e.overlays.Clear()
	e.contents.Clear()
	e.metrics.StrategiesActive.Set(0)

	e.logger.Info().Msg("Protection disabled")
	e.bus.Publish(protection.Event{
		Type:   protection.EventProtectionDisabled,
		Source: "engine",
		Data:   protection.LifecyclePayload{},
	})
	return err
}

// Update replaces the feature configuration. When protection is
// enabled the strategies are rebuilt in place; detection handlers keep
// their state through the swap.
func (e *Engine) Update(features config.FeaturesConfig) error {
	e.mu.Lock()
	e.config.Features = features
	active := e.protected
	handlers := e.handlers
	e.handlers = nil
	e.mu.Unlock()

	if active {
		if err := e.strategies.RemoveAll(); err != nil {
			e.logger.Error().Err(err).Msg("Error removing strategies during update")
		}
		for _, h := range handlers {
			h.Detach()
		}
		if err := e.applyStrategies(features); err != nil {
			return err
		}
	}

	e.logger.Info().Strs("strategies", e.strategies.Names()).Msg("Protection options updated")
	e.bus.Publish(protection.Event{
		Type:   protection.EventProtectionUpdated,
		Source: "engine",
		Data:   protection.LifecyclePayload{Strategies: e.strategies.Names()},
	})
	return nil
}

// applyStrategies builds and applies the strategy instances for a
// feature configuration.
func (e *Engine) applyStrategies(features config.FeaturesConfig) error {
	var handlers []*strategy.Handler

	if features.Keyboard.Enabled {
		kb := strategy.NewKeyboard(e.surface, e.bus, strategy.KeyboardOptions{
			BlockedChords: features.Keyboard.BlockedChords,
		})
		if err := e.strategies.Apply(kb); err != nil {
			return err
		}
	}

	if features.ContextMenu.Enabled {
		if err := e.strategies.Apply(strategy.NewContextMenu(e.surface, e.bus)); err != nil {
			return err
		}
	}

	if features.Print.Enabled {
		if err := e.strategies.Apply(strategy.NewPrint(e.surface, e.bus)); err != nil {
			return err
		}
	}

	if features.Selection.Enabled {
		if err := e.strategies.Apply(strategy.NewSelection(e.surface, e.bus)); err != nil {
			return err
		}
	}

	if features.Watermark.Enabled {
		wm := strategy.NewWatermark(e.surface, strategy.WatermarkOptions{
			Text:    features.Watermark.Text,
			Opacity: features.Watermark.Opacity,
			Angle:   features.Watermark.Angle,
		})
		if err := e.strategies.Apply(wm); err != nil {
			return err
		}
	}

	detections := []struct {
		feature strategy.Feature
		cfg     config.DetectionConfig
		probe   strategy.Probe
	}{
		{strategy.FeatureDevTools, features.DevTools, e.probes.DevTools},
		{strategy.FeatureFrameEmbed, features.FrameEmbed, e.probes.FrameEmbed},
		{strategy.FeatureExtension, features.Extension, e.probes.Extension},
		{strategy.FeatureScreenshot, features.Screenshot, e.probes.Screenshot},
	}

	for _, d := range detections {
		if !d.cfg.Enabled || d.probe == nil {
			continue
		}

		h := strategy.NewHandler(d.feature, e.bus, e.sched, strategy.HandlerOptions{
			Overlay: protection.OverlayOptions{
				Title:              d.cfg.Overlay.Title,
				Message:            d.cfg.Overlay.Message,
				Background:         d.cfg.Overlay.Background,
				TextColor:          d.cfg.Overlay.TextColor,
				Duration:           time.Duration(d.cfg.Overlay.DurationMs) * time.Millisecond,
				DisableAutoRestore: d.cfg.Overlay.DisableAutoRestore,
			},
			HideContent: d.cfg.HideContent,
			Placeholder: protection.PlaceholderOptions{
				Title:   d.cfg.Overlay.Title,
				Message: d.cfg.Overlay.Message,
			},
			RestoreInterval: time.Duration(d.cfg.RestoreIntervalMs) * time.Millisecond,
		})
		h.Attach()
		handlers = append(handlers, h)

		det := strategy.NewDetector(d.feature, d.probe, e.bus, e.sched, strategy.DetectorOptions{
			Interval: time.Duration(d.cfg.IntervalMs) * time.Millisecond,
		})
		if err := e.strategies.Apply(det); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.handlers = append(e.handlers, handlers...)
	e.mu.Unlock()

	e.metrics.StrategiesActive.Set(float64(e.strategies.Len()))
	return nil
}

// Start runs the long-lived components and blocks until the context is
// canceled or one of them fails.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Msg("Starting protection engine")

	if err := e.Protect(); err != nil {
		return fmt.Errorf("error enabling protection: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.sched.Start(ctx)
	})

	if e.api != nil {
		g.Go(func() error {
			return e.api.Start(ctx)
		})
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Protection engine shut down successfully")
	return nil
}

// Shutdown stops the engine
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down protection engine")

	// Shut down API server first to stop accepting new connections
	if e.api != nil {
		if err := e.api.Shutdown(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down API")
		}
	}

	if err := e.Unprotect(); err != nil {
		e.logger.Error().Err(err).Msg("Error disabling protection during shutdown")
	}

	e.overlays.Detach()
	e.contents.Detach()

	return nil
}
