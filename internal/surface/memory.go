package surface

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Isonimus/content-security-toolkit/internal/logging"
)

// Memory is an in-memory Surface. It models the parts of a page the
// engine cares about: overlay nodes, content elements, stylesheets and
// interaction state. Simulate* methods stand in for user and
// third-party activity. Removal watchers fire synchronously, matching
// mutation-observer behavior, and fire for every removal so that the
// cancel-before-remove discipline in the coordinators is exercised.
type Memory struct {
	mu         sync.Mutex
	overlays   map[NodeID]Overlay
	watchers   map[NodeID]func()
	elements   map[string]*memElement
	css        map[string]string
	keyRules   map[string][]KeyRule
	blocked    map[int]BlockedFunc
	blockedSeq int
	nodeSeq    int

	inputBlocked  bool
	scrollLocked  bool
	menuSuppress  bool

	logger zerolog.Logger
}

// NewMemory creates an in-memory surface with a single content element
// registered under DefaultTarget.
func NewMemory() *Memory {
	m := &Memory{
		overlays: make(map[NodeID]Overlay),
		watchers: make(map[NodeID]func()),
		elements: make(map[string]*memElement),
		css:      make(map[string]string),
		keyRules: make(map[string][]KeyRule),
		blocked:  make(map[int]BlockedFunc),
		logger:   logging.Component("surface"),
	}
	m.AddElement(DefaultTarget, "")
	return m
}

// DefaultTarget is the selector of the content element present on a
// fresh memory surface.
const DefaultTarget = "#content"

type memElement struct {
	mu   sync.Mutex
	html string
}

func (e *memElement) HTML() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.html
}

func (e *memElement) SetHTML(html string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.html = html
}

// AddElement registers a content element under a selector.
func (m *Memory) AddElement(selector, html string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.elements[selector] = &memElement{html: html}
}

// Available always reports true for a memory surface.
func (m *Memory) Available() bool {
	return true
}

// ShowOverlay renders an overlay node.
func (m *Memory) ShowOverlay(o Overlay) (NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nodeSeq++
	id := NodeID(fmt.Sprintf("node-%d", m.nodeSeq))
	m.overlays[id] = o
	return id, nil
}

// RemoveOverlay detaches an overlay node. Any registered watcher fires
// synchronously, exactly like a mutation callback would.
func (m *Memory) RemoveOverlay(id NodeID) error {
	m.mu.Lock()
	if _, ok := m.overlays[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("overlay node not found: %s", id)
	}
	delete(m.overlays, id)
	watcher := m.watchers[id]
	delete(m.watchers, id)
	m.mu.Unlock()

	if watcher != nil {
		watcher()
	}
	return nil
}

// WatchRemoval registers a removal watcher for a node.
func (m *Memory) WatchRemoval(id NodeID, fn func()) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.overlays[id]; !ok {
		return nil, fmt.Errorf("overlay node not found: %s", id)
	}
	m.watchers[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}, nil
}

// Element resolves a content element by selector.
func (m *Memory) Element(selector string) (Element, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.elements[selector]
	return el, ok
}

// InjectCSS installs a stylesheet.
func (m *Memory) InjectCSS(id, css string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.css[id] = css
	return nil
}

// RemoveCSS uninstalls a stylesheet.
func (m *Memory) RemoveCSS(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.css[id]; !ok {
		return fmt.Errorf("stylesheet not found: %s", id)
	}
	delete(m.css, id)
	return nil
}

// SetInputBlocked toggles the page-wide interaction blocker.
func (m *Memory) SetInputBlocked(blocked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputBlocked = blocked
}

// SetScrollLocked toggles the scroll lock.
func (m *Memory) SetScrollLocked(locked bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scrollLocked = locked
}

// SetContextMenuSuppressed toggles context-menu suppression.
func (m *Memory) SetContextMenuSuppressed(suppressed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.menuSuppress = suppressed
}

// SetKeyRules installs the key chords blocked on behalf of an owner.
func (m *Memory) SetKeyRules(owner string, rules []KeyRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyRules[owner] = rules
}

// ClearKeyRules removes an owner's key rules.
func (m *Memory) ClearKeyRules(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keyRules, owner)
}

// OnBlocked registers a listener for blocked interactions.
func (m *Memory) OnBlocked(fn BlockedFunc) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blockedSeq++
	id := m.blockedSeq
	m.blocked[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.blocked, id)
	}
}

// notifyBlocked fans a blocked interaction out to listeners without
// holding the surface lock.
func (m *Memory) notifyBlocked(kind, detail string) {
	m.mu.Lock()
	fns := make([]BlockedFunc, 0, len(m.blocked))
	for _, fn := range m.blocked {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(kind, detail)
	}
}

// SimulateKeyPress models a key chord. It returns whether the chord was
// blocked by an installed rule.
func (m *Memory) SimulateKeyPress(rule KeyRule) bool {
	m.mu.Lock()
	matched := false
	for _, rules := range m.keyRules {
		for _, r := range rules {
			if keyRuleEqual(r, rule) {
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}
	m.mu.Unlock()

	if matched {
		m.notifyBlocked("key", FormatKeyRule(rule))
	}
	return matched
}

// SimulateContextMenu models a right-click. It returns whether the
// menu was suppressed.
func (m *Memory) SimulateContextMenu() bool {
	m.mu.Lock()
	suppressed := m.menuSuppress
	m.mu.Unlock()

	if suppressed {
		m.notifyBlocked("contextmenu", "")
	}
	return suppressed
}

// SimulateNodeRemoval models a third party detaching an overlay node,
// firing the removal watcher synchronously.
func (m *Memory) SimulateNodeRemoval(id NodeID) bool {
	m.mu.Lock()
	if _, ok := m.overlays[id]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.overlays, id)
	watcher := m.watchers[id]
	delete(m.watchers, id)
	m.mu.Unlock()

	if watcher != nil {
		watcher()
	}
	return true
}

// Overlays returns the currently rendered overlay nodes.
func (m *Memory) Overlays() map[NodeID]Overlay {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[NodeID]Overlay, len(m.overlays))
	for id, o := range m.overlays {
		out[id] = o
	}
	return out
}

// CSS returns the installed stylesheet ids.
func (m *Memory) CSS() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.css))
	for id := range m.css {
		out = append(out, id)
	}
	return out
}

// HasCSS reports whether a stylesheet with the given id is installed.
func (m *Memory) HasCSS(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.css[id]
	return ok
}

// InputBlocked reports the page-wide blocker state.
func (m *Memory) InputBlocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputBlocked
}

// ScrollLocked reports the scroll lock state.
func (m *Memory) ScrollLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scrollLocked
}

func keyRuleEqual(a, b KeyRule) bool {
	return strings.EqualFold(a.Key, b.Key) &&
		a.Ctrl == b.Ctrl && a.Shift == b.Shift && a.Alt == b.Alt && a.Meta == b.Meta
}

// FormatKeyRule renders a key rule as a human-readable chord.
func FormatKeyRule(r KeyRule) string {
	var parts []string
	if r.Ctrl {
		parts = append(parts, "ctrl")
	}
	if r.Shift {
		parts = append(parts, "shift")
	}
	if r.Alt {
		parts = append(parts, "alt")
	}
	if r.Meta {
		parts = append(parts, "meta")
	}
	parts = append(parts, strings.ToLower(r.Key))
	return strings.Join(parts, "+")
}

// ParseKeyRule parses a chord like "ctrl+shift+i" into a KeyRule. The
// last segment is the key; the rest are modifiers.
func ParseKeyRule(chord string) (KeyRule, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(chord)), "+")
	if len(parts) == 0 || parts[len(parts)-1] == "" {
		return KeyRule{}, fmt.Errorf("invalid key chord: %q", chord)
	}

	var rule KeyRule
	for _, p := range parts[:len(parts)-1] {
		switch p {
		case "ctrl", "control":
			rule.Ctrl = true
		case "shift":
			rule.Shift = true
		case "alt":
			rule.Alt = true
		case "meta", "cmd":
			rule.Meta = true
		default:
			return KeyRule{}, fmt.Errorf("unknown modifier %q in chord %q", p, chord)
		}
	}
	rule.Key = parts[len(parts)-1]
	return rule, nil
}
