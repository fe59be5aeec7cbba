// Package content coordinates "hide original content, show placeholder"
// requests. It mirrors the overlay coordinator's single-active-slot
// priority queue, but swaps element HTML instead of rendering nodes.
package content

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Isonimus/content-security-toolkit/internal/bus"
	"github.com/Isonimus/content-security-toolkit/internal/logging"
	"github.com/Isonimus/content-security-toolkit/internal/metrics"
	"github.com/Isonimus/content-security-toolkit/internal/surface"
	"github.com/Isonimus/content-security-toolkit/pkg/protection"
)

const busContext = "content-coordinator"

// HiddenFunc is invoked after content is hidden.
type HiddenFunc func(reason string, el surface.Element)

// RestoredFunc is invoked after content is restored, e.g. so a host
// framework can re-mount into the element.
type RestoredFunc func(el surface.Element)

type state struct {
	id       string
	owner    string
	reason   string
	options  protection.PlaceholderOptions
	priority int
	target   string
	hiddenAt int64
	active   bool
}

// State is a read-only view of a stored content state.
type State struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	Reason   string `json:"reason"`
	Priority int    `json:"priority"`
	Target   string `json:"target"`
	Active   bool   `json:"active"`
	HiddenAt int64  `json:"hidden_at"`
}

// Config contains content coordinator configuration
type Config struct {
	// DefaultTarget is the selector used when a request names none
	DefaultTarget string
}

// DefaultConfig returns a default content coordinator configuration
func DefaultConfig() Config {
	return Config{
		DefaultTarget: surface.DefaultTarget,
	}
}

// Coordinator owns the content-state registry. Per target element, at
// most one state is applied; the original HTML is captured on the
// first hide only and restored verbatim when the last state goes away.
type Coordinator struct {
	config  Config
	mu      sync.Mutex
	surface surface.Surface
	bus     *bus.Bus

	states   map[string]*state
	active   *state
	waiting  []*state
	original map[string]string // target selector -> captured HTML

	onHidden   HiddenFunc
	onRestored RestoredFunc

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New creates a content coordinator for a surface.
func New(surf surface.Surface, config ...Config) *Coordinator {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}
	if cfg.DefaultTarget == "" {
		cfg.DefaultTarget = DefaultConfig().DefaultTarget
	}

	return &Coordinator{
		config:   cfg,
		surface:  surf,
		states:   make(map[string]*state),
		original: make(map[string]string),
		logger:   logging.Component("content"),
		metrics:  metrics.GetMetrics(),
	}
}

// SetMediator wires the coordinator to the bus.
func (c *Coordinator) SetMediator(b *bus.Bus) {
	c.mu.Lock()
	c.bus = b
	c.mu.Unlock()

	b.Subscribe(protection.EventContentHidden, c.onHiddenEvent, bus.WithContext(busContext))
	b.Subscribe(protection.EventContentRestored, c.onRestoredEvent, bus.WithContext(busContext))
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

// SetCallbacks installs the optional hide/restore callbacks.
func (c *Coordinator) SetCallbacks(onHidden HiddenFunc, onRestored RestoredFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onHidden = onHidden
	c.onRestored = onRestored
}

func (c *Coordinator) onHiddenEvent(e protection.Event) error {
	data, ok := protection.ContentData(e)
	if !ok {
		return fmt.Errorf("content.hidden carried %T instead of a content payload", e.Data)
	}
	c.Register(data.Owner, data.Reason, data.Options, data.Priority)
	return nil
}

func (c *Coordinator) onRestoredEvent(e protection.Event) error {
	data, ok := protection.ContentData(e)
	if !ok {
		return fmt.Errorf("content.restored carried %T instead of a content payload", e.Data)
	}
	c.RemoveByOwner(data.Owner)
	return nil
}

// Register stores a content-state request and returns its id. Same
// (owner, reason) replaces; the request takes the active slot when
// free, preempts a strictly lower-priority active state, and queues
// otherwise.
func (c *Coordinator) Register(owner, reason string, options protection.PlaceholderOptions, priority int) string {
	if !c.available() {
		return ""
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.states {
		if s.owner == owner && s.reason == reason {
			c.removeLocked(s)
			break
		}
	}

	target := options.Target
	if target == "" {
		target = c.config.DefaultTarget
	}

	s := &state{
		id:       fmt.Sprintf("%s-%s-%d", owner, reason, protection.NowMillis()),
		owner:    owner,
		reason:   reason,
		options:  options,
		priority: priority,
		target:   target,
	}
	c.states[s.id] = s

	switch {
	case c.active == nil:
		c.applyLocked(s)

	case priority > c.active.priority:
		preempted := c.active
		preempted.active = false
		c.active = nil
		c.waiting = append([]*state{preempted}, c.waiting...)
		c.applyLocked(s)

	default:
		c.enqueueLocked(s)
	}

	c.metrics.ContentStatesActive.Set(float64(len(c.states)))
	return s.id
}

// RemoveByID removes a content state. Removing the active state
// restores the original content unless a queued state takes over.
func (c *Coordinator) RemoveByID(id string) bool {
	if !c.available() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.states[id]
	if !ok {
		return false
	}
	c.removeLocked(s)
	c.metrics.ContentStatesActive.Set(float64(len(c.states)))
	return true
}

// RemoveByOwner removes every content state registered by an owner.
func (c *Coordinator) RemoveByOwner(owner string) int {
	if !c.available() {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, s := range c.states {
		if s.owner == owner {
			c.removeLocked(s)
			removed++
		}
	}
	c.metrics.ContentStatesActive.Set(float64(len(c.states)))
	return removed
}

// Clear removes every content state, restoring all targets.
func (c *Coordinator) Clear() {
	if !c.available() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.states {
		c.removeLocked(s)
	}
	c.metrics.ContentStatesActive.Set(0)
}

// ActiveID returns the id of the applied state, if any.
func (c *Coordinator) ActiveID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return "", false
	}
	return c.active.id, true
}

// States returns a snapshot of the registry, active first.
func (c *Coordinator) States() []State {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]State, 0, len(c.states))
	if c.active != nil {
		out = append(out, viewOf(c.active))
	}
	for _, s := range c.waiting {
		out = append(out, viewOf(s))
	}
	return out
}

func viewOf(s *state) State {
	return State{
		ID:       s.id,
		Owner:    s.owner,
		Reason:   s.reason,
		Priority: s.priority,
		Target:   s.target,
		Active:   s.active,
		HiddenAt: s.hiddenAt,
	}
}

func (c *Coordinator) available() bool {
	return c.surface != nil && c.surface.Available()
}

// applyLocked hides the target's content behind a placeholder. The
// original HTML is captured only if no capture exists for the target,
// so nested hides cannot lose the true original.
func (c *Coordinator) applyLocked(s *state) {
	el, ok := c.surface.Element(s.target)
	if !ok {
		c.logger.Warn().Str("target", s.target).Msg("Content target not found")
		return
	}

	if _, captured := c.original[s.target]; !captured {
		c.original[s.target] = el.HTML()
	}

	el.SetHTML(renderPlaceholder(s.options))
	s.active = true
	s.hiddenAt = protection.NowMillis()
	c.active = s
	c.metrics.ContentHidesTotal.Inc()

	if c.onHidden != nil {
		c.invokeHidden(s.reason, el)
	}
}

// restoreLocked puts the captured original back verbatim and clears
// the capture for the target.
func (c *Coordinator) restoreLocked(target string) {
	el, ok := c.surface.Element(target)
	if !ok {
		return
	}

	original, captured := c.original[target]
	if !captured {
		return
	}

	el.SetHTML(original)
	delete(c.original, target)
	c.metrics.ContentRestoresTotal.Inc()

	if c.onRestored != nil {
		c.invokeRestored(el)
	}
}

// removeLocked deletes a state. An active state hands the slot to the
// head of the waiting queue; with the queue empty the original content
// comes back.
func (c *Coordinator) removeLocked(s *state) {
	wasActive := c.active == s
	c.dequeueLocked(s)
	delete(c.states, s.id)

	if !wasActive {
		return
	}

	s.active = false
	c.active = nil

	if len(c.waiting) > 0 {
		next := c.waiting[0]
		c.waiting = c.waiting[1:]
		// A successor on another element releases this one's capture
		if next.target != s.target && !c.hasStateForLocked(s.target) {
			c.restoreLocked(s.target)
		}
		c.applyLocked(next)
		return
	}

	c.restoreLocked(s.target)
}

func (c *Coordinator) hasStateForLocked(target string) bool {
	for _, s := range c.states {
		if s.target == target {
			return true
		}
	}
	return false
}

func (c *Coordinator) enqueueLocked(s *state) {
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

func (c *Coordinator) dequeueLocked(s *state) {
	for i, w := range c.waiting {
		if w == s {
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			return
		}
	}
}

// invokeHidden runs the hide callback, containing panics.
func (c *Coordinator) invokeHidden(reason string, el surface.Element) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Recovered panic in content-hidden callback")
		}
	}()
	c.onHidden(reason, el)
}

// invokeRestored runs the restore callback, containing panics.
func (c *Coordinator) invokeRestored(el surface.Element) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Recovered panic in content-restored callback")
		}
	}()
	c.onRestored(el)
}

// renderPlaceholder builds the placeholder markup for a hide request.
func renderPlaceholder(o protection.PlaceholderOptions) string {
	title := o.Title
	if title == "" {
		title = "Content protected"
	}
	bg := o.Background
	if bg == "" {
		bg = "#1a1a2e"
	}
	fg := o.TextColor
	if fg == "" {
		fg = "#eeeeee"
	}
	return fmt.Sprintf(
		`<div class="csk-placeholder" style="background:%s;color:%s"><h2>%s</h2><p>%s</p></div>`,
		bg, fg, title, o.Message,
	)
}
