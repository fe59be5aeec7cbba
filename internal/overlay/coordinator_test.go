package overlay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Isonimus/content-security-toolkit/internal/bus"
	"github.com/Isonimus/content-security-toolkit/internal/surface"
	"github.com/Isonimus/content-security-toolkit/pkg/protection"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *surface.Memory) {
	t.Helper()
	surf := surface.NewMemory()
	return New(surf), surf
}

func TestRegisterShowsFirstOverlay(t *testing.T) {
	c, surf := newTestCoordinator(t)

	id := c.Register("devtools", "warning", protection.OverlayOptions{Title: "Warning"}, protection.PriorityDevTools)
	require.NotEmpty(t, id)

	active, ok := c.ActiveID()
	require.True(t, ok)
	assert.Equal(t, id, active)

	assert.Len(t, surf.Overlays(), 1)
	assert.True(t, surf.InputBlocked())
	assert.True(t, surf.ScrollLocked())
}

func TestHigherPriorityPreempts(t *testing.T) {
	c, surf := newTestCoordinator(t)

	screenshot := c.Register("screenshot", "warning", protection.OverlayOptions{}, protection.PriorityScreenshot)
	devtools := c.Register("devtools", "warning", protection.OverlayOptions{}, protection.PriorityDevTools)

	active, ok := c.ActiveID()
	require.True(t, ok)
	assert.Equal(t, devtools, active)

	// Only the active overlay is rendered
	assert.Len(t, surf.Overlays(), 1)

	states := c.States()
	require.Len(t, states, 2)
	assert.Equal(t, devtools, states[0].ID)
	assert.True(t, states[0].Visible)
	assert.Equal(t, screenshot, states[1].ID)
	assert.False(t, states[1].Visible)
}

func TestLowerPriorityQueues(t *testing.T) {
	c, _ := newTestCoordinator(t)

	devtools := c.Register("devtools", "warning", protection.OverlayOptions{}, protection.PriorityDevTools)
	c.Register("screenshot", "warning", protection.OverlayOptions{}, protection.PriorityScreenshot)

	active, ok := c.ActiveID()
	require.True(t, ok)
	assert.Equal(t, devtools, active, "lower priority must not preempt")
}

func TestEqualPriorityDoesNotPreempt(t *testing.T) {
	c, _ := newTestCoordinator(t)

	first := c.Register("extension", "warning", protection.OverlayOptions{}, protection.PriorityExtension)
	c.Register("other", "warning", protection.OverlayOptions{}, protection.PriorityExtension)

	active, _ := c.ActiveID()
	assert.Equal(t, first, active)
}

func TestRemoveActivePromotesNextInQueue(t *testing.T) {
	c, surf := newTestCoordinator(t)

	screenshot := c.Register("screenshot", "warning", protection.OverlayOptions{}, protection.PriorityScreenshot)
	devtools := c.Register("devtools", "warning", protection.OverlayOptions{}, protection.PriorityDevTools)

	require.True(t, c.RemoveByID(devtools))

	active, ok := c.ActiveID()
	require.True(t, ok)
	assert.Equal(t, screenshot, active)
	assert.Len(t, surf.Overlays(), 1)
}

func TestRemoveLastOverlayReleasesGuards(t *testing.T) {
	c, surf := newTestCoordinator(t)

	id := c.Register("devtools", "warning", protection.OverlayOptions{}, protection.PriorityDevTools)
	require.True(t, c.RemoveByID(id))

	_, ok := c.ActiveID()
	assert.False(t, ok)
	assert.Empty(t, surf.Overlays())
	assert.False(t, surf.InputBlocked())
	assert.False(t, surf.ScrollLocked())
}

func TestRemoveUnknownID(t *testing.T) {
	c, _ := newTestCoordinator(t)
	assert.False(t, c.RemoveByID("missing"))
}

func TestRegisterSameOwnerKindReplaces(t *testing.T) {
	c, surf := newTestCoordinator(t)

	c.Register("devtools", "warning", protection.OverlayOptions{Title: "old"}, protection.PriorityDevTools)
	c.Register("devtools", "warning", protection.OverlayOptions{Title: "new"}, protection.PriorityDevTools)

	states := c.States()
	require.Len(t, states, 1)

	overlays := surf.Overlays()
	require.Len(t, overlays, 1)
	for _, o := range overlays {
		assert.Equal(t, "new", o.Title)
	}
}

func TestRemoveByOwner(t *testing.T) {
	c, _ := newTestCoordinator(t)

	c.Register("devtools", "warning", protection.OverlayOptions{}, protection.PriorityDevTools)
	c.Register("devtools", "banner", protection.OverlayOptions{}, protection.PriorityDevTools)
	c.Register("screenshot", "warning", protection.OverlayOptions{}, protection.PriorityScreenshot)

	assert.Equal(t, 2, c.RemoveByOwner("devtools"))

	states := c.States()
	require.Len(t, states, 1)
	assert.Equal(t, "screenshot", states[0].Owner)
}

func TestExpiryRemovesOverlay(t *testing.T) {
	c, surf := newTestCoordinator(t)

	c.Register("screenshot", "warning", protection.OverlayOptions{
		Duration: 30 * time.Millisecond,
	}, protection.PriorityScreenshot)

	require.Eventually(t, func() bool {
		_, ok := c.ActiveID()
		return !ok
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, surf.Overlays())
	assert.False(t, surf.InputBlocked())
}

func TestExpiryPromotesQueuedOverlay(t *testing.T) {
	c, _ := newTestCoordinator(t)

	devtools := c.Register("devtools", "warning", protection.OverlayOptions{
		Duration: 30 * time.Millisecond,
	}, protection.PriorityDevTools)
	screenshot := c.Register("screenshot", "warning", protection.OverlayOptions{}, protection.PriorityScreenshot)

	active, _ := c.ActiveID()
	require.Equal(t, devtools, active)

	require.Eventually(t, func() bool {
		active, ok := c.ActiveID()
		return ok && active == screenshot
	}, time.Second, 5*time.Millisecond)
}

func TestExternalRemovalRestoresActiveOverlay(t *testing.T) {
	c, surf := newTestCoordinator(t)

	id := c.Register("devtools", "warning", protection.OverlayOptions{}, protection.PriorityDevTools)

	overlays := surf.Overlays()
	require.Len(t, overlays, 1)
	var node surface.NodeID
	for n := range overlays {
		node = n
	}

	require.True(t, surf.SimulateNodeRemoval(node))

	// The overlay is re-shown on a fresh node
	active, ok := c.ActiveID()
	require.True(t, ok)
	assert.Equal(t, id, active)

	restored := surf.Overlays()
	require.Len(t, restored, 1)
	for n := range restored {
		assert.NotEqual(t, node, n)
	}
}

func TestIntentionalRemovalDoesNotResurrect(t *testing.T) {
	c, surf := newTestCoordinator(t)

	id := c.Register("devtools", "warning", protection.OverlayOptions{}, protection.PriorityDevTools)
	require.True(t, c.RemoveByID(id))

	_, ok := c.ActiveID()
	assert.False(t, ok)
	assert.Empty(t, surf.Overlays())
	assert.Empty(t, c.States())
}

func TestDisableAutoRestoreSkipsWatcher(t *testing.T) {
	c, surf := newTestCoordinator(t)

	c.Register("extension", "warning", protection.OverlayOptions{
		DisableAutoRestore: true,
	}, protection.PriorityExtension)

	overlays := surf.Overlays()
	require.Len(t, overlays, 1)
	var node surface.NodeID
	for n := range overlays {
		node = n
	}

	require.True(t, surf.SimulateNodeRemoval(node))

	// No watcher was armed, so nothing is re-rendered
	assert.Empty(t, surf.Overlays())
}

func TestCheckAndRestoreByOwner(t *testing.T) {
	c, surf := newTestCoordinator(t)

	id := c.Register("extension", "warning", protection.OverlayOptions{}, protection.PriorityExtension)

	// Force the overlay off the surface without unregistering it,
	// modeling state drift the restore check exists to repair
	c.mu.Lock()
	c.hideLocked(c.overlays[id])
	c.mu.Unlock()
	require.Empty(t, surf.Overlays())

	assert.Equal(t, 1, c.CheckAndRestoreByOwner("extension"))

	active, ok := c.ActiveID()
	require.True(t, ok)
	assert.Equal(t, id, active)
	assert.Len(t, surf.Overlays(), 1)
}

func TestCheckAndRestoreHonorsDisableFlag(t *testing.T) {
	c, _ := newTestCoordinator(t)

	id := c.Register("extension", "warning", protection.OverlayOptions{
		DisableAutoRestore: true,
	}, protection.PriorityExtension)

	c.mu.Lock()
	c.hideLocked(c.overlays[id])
	c.mu.Unlock()

	assert.Equal(t, 0, c.CheckAndRestoreByOwner("extension"))
	_, ok := c.ActiveID()
	assert.False(t, ok)
}

func TestCheckAndRestoreNeverPreempts(t *testing.T) {
	c, _ := newTestCoordinator(t)

	devtools := c.Register("devtools", "warning", protection.OverlayOptions{}, protection.PriorityDevTools)
	extID := c.Register("extension", "warning", protection.OverlayOptions{}, protection.PriorityExtension)

	// The extension overlay is already queued; the restore check must
	// leave the higher-priority active overlay alone
	assert.Equal(t, 0, c.CheckAndRestoreByOwner("extension"))

	active, _ := c.ActiveID()
	assert.Equal(t, devtools, active)

	states := c.States()
	require.Len(t, states, 2)
	assert.Equal(t, extID, states[1].ID)
}

func TestClear(t *testing.T) {
	c, surf := newTestCoordinator(t)

	c.Register("devtools", "warning", protection.OverlayOptions{}, protection.PriorityDevTools)
	c.Register("screenshot", "warning", protection.OverlayOptions{}, protection.PriorityScreenshot)

	c.Clear()

	assert.Empty(t, c.States())
	assert.Empty(t, surf.Overlays())
	assert.False(t, surf.InputBlocked())
}

func TestMediatorDrivesCoordinator(t *testing.T) {
	c, _ := newTestCoordinator(t)
	b := bus.New()
	c.SetMediator(b)

	b.Publish(protection.Event{
		Type:   protection.EventOverlayShown,
		Source: "devtools",
		Data: protection.OverlayPayload{
			Owner:       "devtools",
			OverlayType: "warning",
			Priority:    protection.PriorityDevTools,
		},
	})

	_, ok := c.ActiveID()
	require.True(t, ok)

	b.Publish(protection.Event{
		Type:   protection.EventOverlayRemoved,
		Source: "devtools",
		Data:   protection.OverlayPayload{Owner: "devtools"},
	})

	_, ok = c.ActiveID()
	assert.False(t, ok)
}

func TestMediatorIgnoresWrongPayload(t *testing.T) {
	c, _ := newTestCoordinator(t)
	b := bus.New()
	c.SetMediator(b)

	// A detection payload on an overlay event is a programming error;
	// the coordinator reports it without changing state
	b.Publish(protection.Event{
		Type:   protection.EventOverlayShown,
		Source: "broken",
		Data:   protection.DetectionPayload{Detected: true},
	})

	_, ok := c.ActiveID()
	assert.False(t, ok)
	assert.Empty(t, c.States())
}

func TestDetachStopsMediation(t *testing.T) {
	c, _ := newTestCoordinator(t)
	b := bus.New()
	c.SetMediator(b)
	c.Detach()

	b.Publish(protection.Event{
		Type:   protection.EventOverlayShown,
		Source: "devtools",
		Data:   protection.OverlayPayload{Owner: "devtools", Priority: protection.PriorityDevTools},
	})

	_, ok := c.ActiveID()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriptionCount())
}
