// Package surface abstracts the rendering target the protection engine
// manipulates. In a browser this is the DOM; here it is an interface
// narrow enough to cover exactly what the coordinators and strategies
// need, with an in-memory implementation for tests and simulation.
package surface

// NodeID identifies a node created on the surface.
type NodeID string

// Overlay describes a blocking banner to render.
type Overlay struct {
	ID         string
	Owner      string
	Kind       string
	Title      string
	Message    string
	Background string
	TextColor  string
}

// Element is a mutable content region on the surface.
type Element interface {
	HTML() string
	SetHTML(html string)
}

// KeyRule matches a key chord that should be blocked.
type KeyRule struct {
	Key   string
	Ctrl  bool
	Shift bool
	Alt   bool
	Meta  bool
}

// BlockedFunc is notified when the surface blocks a user interaction.
// Kind is one of "key", "contextmenu" or "selection"; detail carries
// the chord or action description.
type BlockedFunc func(kind, detail string)

// Surface is the rendering boundary. Implementations must invoke
// removal watchers synchronously on any node removal, including
// removals requested through RemoveOverlay; callers that remove a node
// intentionally cancel the watcher first.
type Surface interface {
	// Available reports whether the surface can be manipulated at all.
	// When false every engine operation degrades to a no-op.
	Available() bool

	// ShowOverlay renders an overlay and returns its node id.
	ShowOverlay(o Overlay) (NodeID, error)

	// RemoveOverlay detaches an overlay node.
	RemoveOverlay(id NodeID) error

	// WatchRemoval registers a callback fired when the node leaves the
	// surface. The returned cancel must be called before an intentional
	// removal.
	WatchRemoval(id NodeID, fn func()) (cancel func(), err error)

	// Element resolves a content element by selector.
	Element(selector string) (Element, bool)

	// InjectCSS installs a stylesheet under the given id, replacing any
	// previous sheet with the same id.
	InjectCSS(id, css string) error

	// RemoveCSS uninstalls a stylesheet.
	RemoveCSS(id string) error

	// SetInputBlocked toggles the page-wide interaction blocker.
	SetInputBlocked(blocked bool)

	// SetScrollLocked toggles the scroll lock.
	SetScrollLocked(locked bool)

	// SetContextMenuSuppressed toggles context-menu suppression.
	SetContextMenuSuppressed(suppressed bool)

	// SetKeyRules installs the key chords blocked on behalf of an owner.
	SetKeyRules(owner string, rules []KeyRule)

	// ClearKeyRules removes an owner's key rules.
	ClearKeyRules(owner string)

	// OnBlocked registers a listener for blocked interactions.
	OnBlocked(fn BlockedFunc) (cancel func())
}
