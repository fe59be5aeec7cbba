// Package overlay coordinates visual blocking banners. At most one
// overlay is visible at a time; the rest wait in a priority queue.
package overlay

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Isonimus/content-security-toolkit/internal/bus"
	"github.com/Isonimus/content-security-toolkit/internal/logging"
	"github.com/Isonimus/content-security-toolkit/internal/metrics"
	"github.com/Isonimus/content-security-toolkit/internal/surface"
	"github.com/Isonimus/content-security-toolkit/pkg/protection"
)

// busContext tags the coordinator's own subscriptions for teardown.
const busContext = "overlay-coordinator"

type stored struct {
	id        string
	owner     string
	kind      string
	options   protection.OverlayOptions
	priority  int
	node      surface.NodeID
	cancelWatch func()
	expiry    *time.Timer
	visible   bool
	createdAt int64
}

// State is a read-only view of a stored overlay for inspection.
type State struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Kind      string `json:"kind"`
	Priority  int    `json:"priority"`
	Visible   bool   `json:"visible"`
	CreatedAt int64  `json:"created_at"`
}

// Coordinator owns the overlay registry and the single visible slot.
type Coordinator struct {
	mu      sync.Mutex
	surface surface.Surface
	bus     *bus.Bus

	overlays map[string]*stored
	active   *stored
	waiting  []*stored // sorted descending by priority, stable

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates an overlay coordinator for a surface.
func New(surf surface.Surface) *Coordinator {
	return &Coordinator{
		surface:  surf,
		overlays: make(map[string]*stored),
		logger:   logging.Component("overlay"),
		metrics:  metrics.GetMetrics(),
	}
}

// SetMediator wires the coordinator to the bus, subscribing it to the
// overlay event family.
func (c *Coordinator) SetMediator(b *bus.Bus) {
	c.mu.Lock()
	c.bus = b
	c.mu.Unlock()

	b.Subscribe(protection.EventOverlayShown, c.onShown, bus.WithContext(busContext))
	b.Subscribe(protection.EventOverlayRemoved, c.onRemoved, bus.WithContext(busContext))
	b.Subscribe(protection.EventOverlayRestored, c.onRestored, bus.WithContext(busContext))
}

// Detach removes the coordinator's bus subscriptions.
func (c *Coordinator) Detach() {
	c.mu.Lock()
	b := c.bus
	c.mu.Unlock()

	if b != nil {
		b.UnsubscribeByContext(busContext)
	}
}

func (c *Coordinator) onShown(e protection.Event) error {
	data, ok := protection.OverlayData(e)
	if !ok {
		return fmt.Errorf("overlay.shown carried %T instead of an overlay payload", e.Data)
	}
	c.Register(data.Owner, data.OverlayType, data.Options, data.Priority)
	return nil
}

func (c *Coordinator) onRemoved(e protection.Event) error {
	data, ok := protection.OverlayData(e)
	if !ok {
		return fmt.Errorf("overlay.removed carried %T instead of an overlay payload", e.Data)
	}
	c.RemoveByOwner(data.Owner)
	return nil
}

func (c *Coordinator) onRestored(e protection.Event) error {
	data, ok := protection.OverlayData(e)
	if !ok {
		return fmt.Errorf("overlay.restored carried %T instead of an overlay payload", e.Data)
	}
	c.CheckAndRestoreByOwner(data.Owner)
	return nil
}

// Register stores an overlay request and returns its id. A request for
// an (owner, kind) pair that already exists silently replaces it. The
// overlay is shown immediately when no overlay is active, preempts the
// active overlay when strictly higher priority, and queues otherwise.
func (c *Coordinator) Register(owner, kind string, options protection.OverlayOptions, priority int) string {
	if !c.available() {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Idempotent replace, not duplicate
	for _, s := range c.overlays {
		if s.owner == owner && s.kind == kind {
			c.removeLocked(s)
			break
		}
	}

	s := &stored{
		id:        fmt.Sprintf("%s-%s-%d", owner, kind, protection.NowMillis()),
		owner:     owner,
		kind:      kind,
		options:   options,
		priority:  priority,
		createdAt: protection.NowMillis(),
	}
	c.overlays[s.id] = s
	c.metrics.OverlaysRegisteredTotal.Inc()

	switch {
	case c.active == nil:
		c.showLocked(s)

	case priority > c.active.priority:
		// Preempted overlay moves to the front of the waiting queue
		preempted := c.active
		c.hideLocked(preempted)
		c.waiting = append([]*stored{preempted}, c.waiting...)
		c.showLocked(s)
		c.metrics.OverlayPreemptionsTotal.Inc()
		c.logger.Debug().
			Str("overlay_id", s.id).
			Str("preempted", preempted.id).
			Msg("Overlay preempted active slot")

	default:
		c.enqueueLocked(s)
	}

	c.updateGauges()
	return s.id
}

// RemoveByID removes an overlay and promotes the next waiting one.
func (c *Coordinator) RemoveByID(id string) bool {
	if !c.available() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.overlays[id]
	if !ok {
		return false
	}

	c.removeLocked(s)
	c.updateGauges()
	return true
}

// RemoveByOwner removes every overlay registered by an owner and
// returns the removed count.
func (c *Coordinator) RemoveByOwner(owner string) int {
	if !c.available() {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, s := range c.overlays {
		if s.owner == owner {
			c.removeLocked(s)
			removed++
		}
	}

	c.updateGauges()
	return removed
}

// CheckAndRestoreByOwner re-promotes any non-visible overlay for the
// owner whose auto-restore is not explicitly disabled. A restored
// overlay takes the active slot when free, otherwise it re-queues; it
// never forcibly preempts a higher-priority active overlay.
func (c *Coordinator) CheckAndRestoreByOwner(owner string) int {
	if !c.available() {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	restored := 0
	for _, s := range c.overlays {
		if s.owner != owner || s.visible || s.options.DisableAutoRestore {
			continue
		}
		if c.active == nil {
			c.dequeueLocked(s)
			c.showLocked(s)
		} else if !c.queuedLocked(s) {
			c.enqueueLocked(s)
		} else {
			continue
		}
		restored++
		c.metrics.OverlayRestoresTotal.Inc()
	}

	c.updateGauges()
	return restored
}

// Clear removes every overlay. Used on engine teardown.
func (c *Coordinator) Clear() {
	if !c.available() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.overlays {
		c.removeLocked(s)
	}
	c.updateGauges()
}

// ActiveID returns the id of the visible overlay, if any.
func (c *Coordinator) ActiveID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return "", false
	}
	return c.active.id, true
}

// States returns a snapshot of every stored overlay, active first,
// then the waiting queue in priority order.
func (c *Coordinator) States() []State {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]State, 0, len(c.overlays))
	if c.active != nil {
		out = append(out, c.stateLocked(c.active))
	}
	for _, s := range c.waiting {
		out = append(out, c.stateLocked(s))
	}
	return out
}

func (c *Coordinator) stateLocked(s *stored) State {
	return State{
		ID:        s.id,
		Owner:     s.owner,
		Kind:      s.kind,
		Priority:  s.priority,
		Visible:   s.visible,
		CreatedAt: s.createdAt,
	}
}

func (c *Coordinator) available() bool {
	return c.surface != nil && c.surface.Available()
}

// showLocked makes an overlay the active one: renders it, arms the
// removal watcher and the expiry timer, and engages the page guards.
func (c *Coordinator) showLocked(s *stored) {
	node, err := c.surface.ShowOverlay(surface.Overlay{
		ID:         s.id,
		Owner:      s.owner,
		Kind:       s.kind,
		Title:      s.options.Title,
		Message:    s.options.Message,
		Background: s.options.Background,
		TextColor:  s.options.TextColor,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("overlay_id", s.id).Msg("Failed to render overlay")
		return
	}

	s.node = node
	s.visible = true
	c.active = s

	c.surface.SetInputBlocked(true)
	c.surface.SetScrollLocked(true)

	if !s.options.DisableAutoRestore {
		id := s.id
		cancel, err := c.surface.WatchRemoval(node, func() {
			c.onExternalRemoval(id)
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("overlay_id", s.id).Msg("Failed to watch overlay removal")
		} else {
			s.cancelWatch = cancel
		}
	}

	if s.options.Duration > 0 {
		id := s.id
		s.expiry = time.AfterFunc(s.options.Duration, func() {
			c.RemoveByID(id)
		})
	}
}

// hideLocked takes an overlay off the surface. The removal watcher is
// canceled before the node is detached: detaching triggers synchronous
// removal callbacks, and a live watcher would recreate the overlay we
// are deliberately hiding.
func (c *Coordinator) hideLocked(s *stored) {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}

	if s.cancelWatch != nil {
		s.cancelWatch()
		s.cancelWatch = nil
	}

	if s.node != "" {
		if err := c.surface.RemoveOverlay(s.node); err != nil {
			// Already detached counts as removed
			c.logger.Debug().Err(err).Str("overlay_id", s.id).Msg("Overlay node already gone")
		}
		s.node = ""
	}

	if c.active == s {
		c.active = nil
		c.surface.SetInputBlocked(false)
		c.surface.SetScrollLocked(false)
	}
	s.visible = false
}

// removeLocked deletes an overlay entirely and fills a freed active
// slot from the waiting queue.
func (c *Coordinator) removeLocked(s *stored) {
	wasActive := c.active == s
	c.hideLocked(s)
	c.dequeueLocked(s)
	delete(c.overlays, s.id)

	if wasActive {
		c.promoteLocked()
	}
}

// promoteLocked shows the head of the waiting queue, if any.
func (c *Coordinator) promoteLocked() {
	if len(c.waiting) == 0 {
		return
	}
	next := c.waiting[0]
	c.waiting = c.waiting[1:]
	c.showLocked(next)
}

// enqueueLocked inserts into the waiting queue keeping descending
// priority order, after existing entries of equal priority.
func (c *Coordinator) enqueueLocked(s *stored) {
	pos := len(c.waiting)
	for i, w := range c.waiting {
		if s.priority > w.priority {
			pos = i
			break
		}
	}
	c.waiting = append(c.waiting, nil)
	copy(c.waiting[pos+1:], c.waiting[pos:])
	c.waiting[pos] = s
}

func (c *Coordinator) dequeueLocked(s *stored) {
	for i, w := range c.waiting {
		if w == s {
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) queuedLocked(s *stored) bool {
	for _, w := range c.waiting {
		if w == s {
			return true
		}
	}
	return false
}

// onExternalRemoval reacts to an overlay node detached by a third
// party. The overlay re-shows immediately when it held the active slot
// and re-queues otherwise. Intentional removals never reach here: the
// watcher is canceled first.
func (c *Coordinator) onExternalRemoval(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.overlays[id]
	if !ok {
		return
	}

	c.logger.Info().Str("overlay_id", id).Msg("Overlay removed externally, restoring")
	c.metrics.OverlayRestoresTotal.Inc()

	s.node = ""
	s.cancelWatch = nil
	wasActive := c.active == s
	if wasActive {
		c.active = nil
	}
	s.visible = false

	if wasActive {
		c.showLocked(s)
	} else if !c.queuedLocked(s) {
		c.enqueueLocked(s)
	}

	c.updateGauges()
}

func (c *Coordinator) updateGauges() {
	if c.active != nil {
		c.metrics.OverlaysActive.Set(1)
	} else {
		c.metrics.OverlaysActive.Set(0)
	}
	c.metrics.OverlaysQueued.Set(float64(len(c.waiting)))
}
