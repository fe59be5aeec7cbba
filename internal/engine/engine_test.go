package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Isonimus/content-security-toolkit/internal/config"
	"github.com/Isonimus/content-security-toolkit/internal/strategy"
	"github.com/Isonimus/content-security-toolkit/internal/surface"
	"github.com/Isonimus/content-security-toolkit/pkg/protection"
)

// toggleProbe is a probe flipped by the test.
type toggleProbe struct {
	name     string
	detected atomic.Bool
}

func (p *toggleProbe) Name() string { return p.name }

func (p *toggleProbe) Sample() (bool, string) {
	if p.detected.Load() {
		return true, "simulated"
	}
	return false, ""
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Enabled = false
	cfg.Scheduler.ResolutionMs = 5
	cfg.Features.DevTools.IntervalMs = 10
	cfg.Features.Screenshot.IntervalMs = 10
	cfg.Features.Screenshot.Overlay.DurationMs = 0
	cfg.Features.Extension.IntervalMs = 10
	cfg.Features.Extension.RestoreIntervalMs = 10
	cfg.Features.FrameEmbed.IntervalMs = 10
	return cfg
}

type testEngine struct {
	eng        *Engine
	surf       *surface.Memory
	devtools   *toggleProbe
	screenshot *toggleProbe
}

func startTestEngine(t *testing.T) *testEngine {
	t.Helper()

	surf := surface.NewMemory()
	devtools := &toggleProbe{name: "devtools"}
	screenshot := &toggleProbe{name: "screenshot"}

	eng, err := CreateEngine(testConfig(), surf, Probes{
		DevTools:   devtools,
		Screenshot: screenshot,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Start(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		assert.NoError(t, eng.Shutdown(shutdownCtx))
	})

	return &testEngine{eng: eng, surf: surf, devtools: devtools, screenshot: screenshot}
}

func activeOwner(te *testEngine) string {
	id, ok := te.eng.Overlays().ActiveID()
	if !ok {
		return ""
	}
	for _, s := range te.eng.Overlays().States() {
		if s.ID == id {
			return s.Owner
		}
	}
	return ""
}

func TestCreateEngineRequiresSurface(t *testing.T) {
	_, err := CreateEngine(config.DefaultConfig(), nil, Probes{})
	assert.Error(t, err)
}

func TestStartEnablesProtection(t *testing.T) {
	te := startTestEngine(t)

	require.Eventually(t, func() bool {
		return te.eng.Protected()
	}, 2*time.Second, 10*time.Millisecond)

	// Interaction strategies are live on the surface
	assert.True(t, te.surf.HasCSS("csk-selection-block"))
	assert.True(t, te.surf.HasCSS("csk-print-block"))

	rule, _ := surface.ParseKeyRule("ctrl+shift+i")
	assert.True(t, te.surf.SimulateKeyPress(rule))
	assert.True(t, te.surf.SimulateContextMenu())
}

func TestDetectionShowsOverlayAndHidesContent(t *testing.T) {
	te := startTestEngine(t)

	el, ok := te.surf.Element(surface.DefaultTarget)
	require.True(t, ok)
	el.SetHTML("<p>secret</p>")

	te.devtools.detected.Store(true)

	require.Eventually(t, func() bool {
		return activeOwner(te) == "devtools"
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, te.surf.InputBlocked())
	assert.NotEqual(t, "<p>secret</p>", el.HTML())

	te.devtools.detected.Store(false)

	require.Eventually(t, func() bool {
		_, ok := te.eng.Overlays().ActiveID()
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "<p>secret</p>", el.HTML())
	assert.False(t, te.surf.InputBlocked())
}

func TestHigherPriorityDetectionPreempts(t *testing.T) {
	te := startTestEngine(t)

	te.screenshot.detected.Store(true)
	require.Eventually(t, func() bool {
		return activeOwner(te) == "screenshot"
	}, 2*time.Second, 10*time.Millisecond)

	te.devtools.detected.Store(true)
	require.Eventually(t, func() bool {
		return activeOwner(te) == "devtools"
	}, 2*time.Second, 10*time.Millisecond)

	// Screenshot waits in the queue behind the devtools overlay
	states := te.eng.Overlays().States()
	require.Len(t, states, 2)
	assert.Equal(t, "screenshot", states[1].Owner)

	te.devtools.detected.Store(false)
	require.Eventually(t, func() bool {
		return activeOwner(te) == "screenshot"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBlockedKeyPublishesEvent(t *testing.T) {
	te := startTestEngine(t)

	require.Eventually(t, func() bool {
		return te.eng.Protected()
	}, 2*time.Second, 10*time.Millisecond)

	rule, _ := surface.ParseKeyRule("f12")
	require.True(t, te.surf.SimulateKeyPress(rule))

	found := false
	for _, e := range te.eng.Bus().History() {
		if e.Type == protection.EventKeyboardBlocked {
			found = true
		}
	}
	assert.True(t, found)
}

func TestUnprotectTearsDown(t *testing.T) {
	te := startTestEngine(t)

	te.devtools.detected.Store(true)
	require.Eventually(t, func() bool {
		return activeOwner(te) == "devtools"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, te.eng.Unprotect())
	assert.False(t, te.eng.Protected())

	_, ok := te.eng.Overlays().ActiveID()
	assert.False(t, ok)
	assert.Empty(t, te.surf.Overlays())
	assert.False(t, te.surf.HasCSS("csk-selection-block"))
	assert.False(t, te.surf.SimulateContextMenu())

	// Lifecycle events were published
	var types []protection.EventType
	for _, e := range te.eng.Bus().History() {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, protection.EventProtectionEnabled)
	assert.Contains(t, types, protection.EventProtectionDisabled)
}

func TestProtectIsIdempotent(t *testing.T) {
	te := startTestEngine(t)

	require.Eventually(t, func() bool {
		return te.eng.Protected()
	}, 2*time.Second, 10*time.Millisecond)

	count := 0
	for _, e := range te.eng.Bus().History() {
		if e.Type == protection.EventProtectionEnabled {
			count++
		}
	}

	require.NoError(t, te.eng.Protect())

	after := 0
	for _, e := range te.eng.Bus().History() {
		if e.Type == protection.EventProtectionEnabled {
			after++
		}
	}
	assert.Equal(t, count, after, "re-protecting must not re-publish")
}

func TestUpdateRebuildsStrategies(t *testing.T) {
	te := startTestEngine(t)

	require.Eventually(t, func() bool {
		return te.eng.Protected()
	}, 2*time.Second, 10*time.Millisecond)
	require.False(t, te.surf.HasCSS("csk-watermark"))

	features := testConfig().Features
	features.Watermark.Enabled = true
	features.Watermark.Text = "CONFIDENTIAL"
	features.Selection.Enabled = false

	require.NoError(t, te.eng.Update(features))

	assert.True(t, te.surf.HasCSS("csk-watermark"))
	assert.False(t, te.surf.HasCSS("csk-selection-block"))

	var types []protection.EventType
	for _, e := range te.eng.Bus().History() {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, protection.EventProtectionUpdated)
}

func TestExtensionRestoreRepublishes(t *testing.T) {
	surf := surface.NewMemory()
	extension := &toggleProbe{name: "extension"}

	cfg := testConfig()
	eng, err := CreateEngine(cfg, surf, Probes{Extension: extension})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go eng.Start(ctx)
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		eng.Shutdown(shutdownCtx)
	})

	extension.detected.Store(true)

	// The periodic restore check keeps publishing overlay.restored
	// while the condition holds
	require.Eventually(t, func() bool {
		count := 0
		for _, e := range eng.Bus().History() {
			if e.Type == protection.EventOverlayRestored {
				count++
			}
		}
		return count >= 2
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := eng.Overlays().ActiveID()
	assert.True(t, ok)
}

func TestDisabledFeatureHasNoStrategy(t *testing.T) {
	surf := surface.NewMemory()
	cfg := testConfig()
	cfg.Features.Keyboard.Enabled = false
	cfg.Features.DevTools.Enabled = false

	eng, err := CreateEngine(cfg, surf, Probes{DevTools: &toggleProbe{name: "devtools"}})
	require.NoError(t, err)
	require.NoError(t, eng.Protect())
	defer eng.Unprotect()

	names := make(map[string]bool)
	for _, n := range eng.strategies.Names() {
		names[n] = true
	}
	assert.False(t, names["keyboard"])
	assert.False(t, names["devtools"])
	assert.True(t, names["contextmenu"])
}

func TestNilProbeDisablesDetector(t *testing.T) {
	surf := surface.NewMemory()
	eng, err := CreateEngine(testConfig(), surf, Probes{})
	require.NoError(t, err)
	require.NoError(t, eng.Protect())
	defer eng.Unprotect()

	for _, n := range eng.strategies.Names() {
		assert.NotContains(t, []string{"devtools", "extension", "screenshot", "frameembed"}, n)
	}
	assert.Equal(t, 0, eng.sched.TaskCount())
}

var _ strategy.Probe = (*toggleProbe)(nil)
