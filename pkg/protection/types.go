package protection

import (
	"time"
)

// EventType identifies one kind of protection event. The set is closed:
// every event carries a payload whose shape is fixed by its type.
type EventType string

const (
	// Lifecycle events
	EventProtectionEnabled  EventType = "protection.enabled"
	EventProtectionDisabled EventType = "protection.disabled"
	EventProtectionUpdated  EventType = "protection.updated"

	// Interaction events, published when a blocking strategy intercepts
	// a user action on the surface
	EventKeyboardBlocked    EventType = "keyboard.blocked"
	EventContextMenuBlocked EventType = "contextmenu.blocked"
	EventPrintBlocked       EventType = "print.blocked"
	EventSelectionBlocked   EventType = "selection.blocked"

	// Detection events, published by detection strategies on every
	// probe sample while a condition holds and on the clearing sample
	EventDevToolsDetection   EventType = "devtools.detection"
	EventExtensionDetection  EventType = "extension.detection"
	EventScreenshotDetection EventType = "screenshot.detection"
	EventFrameEmbedDetection EventType = "frameembed.detection"

	// Overlay coordination events
	EventOverlayShown    EventType = "overlay.shown"
	EventOverlayRemoved  EventType = "overlay.removed"
	EventOverlayRestored EventType = "overlay.restored"

	// Content coordination events
	EventContentHidden   EventType = "content.hidden"
	EventContentRestored EventType = "content.restored"

	// System events
	EventSystemError EventType = "system.error"
)

// AllEventTypes returns every event type the bus can carry.
func AllEventTypes() []EventType {
	return []EventType{
		EventProtectionEnabled,
		EventProtectionDisabled,
		EventProtectionUpdated,
		EventKeyboardBlocked,
		EventContextMenuBlocked,
		EventPrintBlocked,
		EventSelectionBlocked,
		EventDevToolsDetection,
		EventExtensionDetection,
		EventScreenshotDetection,
		EventFrameEmbedDetection,
		EventOverlayShown,
		EventOverlayRemoved,
		EventOverlayRestored,
		EventContentHidden,
		EventContentRestored,
		EventSystemError,
	}
}

// Static per-feature priorities. They rank simultaneous warnings for the
// single visible overlay slot and are not user-configurable.
const (
	PriorityDevTools   = 10
	PriorityFrameEmbed = 9
	PriorityExtension  = 8
	PriorityScreenshot = 5
)

// Event is an immutable record published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Source    string    `json:"source"`
	Timestamp int64     `json:"timestamp"` // epoch milliseconds, backfilled when zero
	Data      Payload   `json:"data,omitempty"`
}

// Payload is the closed union of event payload shapes. Handlers match on
// the concrete type at their boundary instead of runtime guards.
type Payload interface {
	isPayload()
}

// DetectionPayload accompanies the *.detection event types.
type DetectionPayload struct {
	Detected bool   `json:"detected"`
	Detail   string `json:"detail,omitempty"`
}

// InteractionPayload accompanies the *.blocked event types.
type InteractionPayload struct {
	Action string `json:"action"`
	Key    string `json:"key,omitempty"`
}

// OverlayPayload accompanies overlay.shown, overlay.removed and
// overlay.restored. Removal and restore only consult Owner.
type OverlayPayload struct {
	Owner       string         `json:"owner"`
	OverlayType string         `json:"overlay_type,omitempty"`
	Priority    int            `json:"priority,omitempty"`
	Options     OverlayOptions `json:"options,omitempty"`
}

// ContentPayload accompanies content.hidden and content.restored.
type ContentPayload struct {
	Owner    string             `json:"owner"`
	Reason   string             `json:"reason,omitempty"`
	Priority int                `json:"priority,omitempty"`
	Options  PlaceholderOptions `json:"options,omitempty"`
}

// LifecyclePayload accompanies the protection.* event types.
type LifecyclePayload struct {
	Strategies []string `json:"strategies,omitempty"`
}

// ErrorPayload accompanies system.error.
type ErrorPayload struct {
	Message string `json:"message"`
}

func (DetectionPayload) isPayload()   {}
func (InteractionPayload) isPayload() {}
func (OverlayPayload) isPayload()     {}
func (ContentPayload) isPayload()     {}
func (LifecyclePayload) isPayload()   {}
func (ErrorPayload) isPayload()       {}

// DetectionData extracts a detection payload from an event.
func DetectionData(e Event) (DetectionPayload, bool) {
	d, ok := e.Data.(DetectionPayload)
	return d, ok
}

// InteractionData extracts an interaction payload from an event.
func InteractionData(e Event) (InteractionPayload, bool) {
	d, ok := e.Data.(InteractionPayload)
	return d, ok
}

// OverlayData extracts an overlay payload from an event.
func OverlayData(e Event) (OverlayPayload, bool) {
	d, ok := e.Data.(OverlayPayload)
	return d, ok
}

// ContentData extracts a content payload from an event.
func ContentData(e Event) (ContentPayload, bool) {
	d, ok := e.Data.(ContentPayload)
	return d, ok
}

// OverlayOptions configures a single overlay request.
type OverlayOptions struct {
	Title      string `json:"title,omitempty"`
	Message    string `json:"message,omitempty"`
	Background string `json:"background,omitempty"`
	TextColor  string `json:"text_color,omitempty"`

	// Duration greater than zero removes the overlay after it elapses
	Duration time.Duration `json:"duration,omitempty"`

	// DisableAutoRestore opts the overlay out of the removal watcher
	DisableAutoRestore bool `json:"disable_auto_restore,omitempty"`
}

// PlaceholderOptions configures a content-hide request.
type PlaceholderOptions struct {
	Title      string `json:"title,omitempty"`
	Message    string `json:"message,omitempty"`
	Background string `json:"background,omitempty"`
	TextColor  string `json:"text_color,omitempty"`

	// Target selects the element whose content is swapped. Empty means
	// the coordinator's configured default target.
	Target string `json:"target,omitempty"`
}

// NowMillis returns the current time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
