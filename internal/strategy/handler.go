package strategy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Isonimus/content-security-toolkit/internal/bus"
	"github.com/Isonimus/content-security-toolkit/internal/logging"
	"github.com/Isonimus/content-security-toolkit/internal/scheduler"
	"github.com/Isonimus/content-security-toolkit/pkg/protection"
)

// HandlerOptions configures a detection handler's reaction.
type HandlerOptions struct {
	// Overlay shown on detection
	Overlay protection.OverlayOptions

	// HideContent additionally swaps the target content for a
	// placeholder while the condition holds
	HideContent bool

	// Placeholder used when HideContent is set
	Placeholder protection.PlaceholderOptions

	// RestoreInterval re-publishes overlay.restored on the scheduler
	// while detected, countering third-party interference. Zero
	// disables the restore check.
	RestoreInterval time.Duration
}

// Handler translates one feature's detection events into overlay and
// content coordination. It subscribes to exactly one detection event
// type and transitions only on state change, so repeated "condition
// still true" samples publish exactly one shown/hidden pair.
type Handler struct {
	feature Feature
	opts    HandlerOptions
	bus     *bus.Bus
	sched   *scheduler.Registry

	subID    string
	mu       sync.Mutex
	detected bool

	logger zerolog.Logger
}

// NewHandler creates a detection handler for a feature.
func NewHandler(feature Feature, b *bus.Bus, sched *scheduler.Registry, opts HandlerOptions) *Handler {
	return &Handler{
		feature: feature,
		opts:    opts,
		bus:     b,
		sched:   sched,
		logger:  logging.Component("handler-" + feature.Name),
	}
}

// Context returns the bus context tag for this handler's subscription.
func (h *Handler) Context() string {
	return "handler:" + h.feature.Name
}

// Attach subscribes the handler to its detection event type.
func (h *Handler) Attach() {
	h.subID = h.bus.Subscribe(h.feature.EventType, h.onEvent, bus.WithContext(h.Context()))
}

// Detach unsubscribes the handler and releases anything it holds.
func (h *Handler) Detach() {
	if h.subID != "" {
		h.bus.Unsubscribe(h.subID)
		h.subID = ""
	}

	h.mu.Lock()
	wasDetected := h.detected
	h.detected = false
	h.mu.Unlock()

	if wasDetected {
		h.release()
	}
}

// onEvent reacts to a detection sample, transitioning only on change.
func (h *Handler) onEvent(e protection.Event) error {
	data, ok := protection.DetectionData(e)
	if !ok {
		h.logger.Warn().
			Str("event_type", string(e.Type)).
			Msg("Ignoring detection event with unexpected payload")
		return nil
	}

	h.mu.Lock()
	transition := data.Detected != h.detected
	h.detected = data.Detected
	h.mu.Unlock()

	if !transition {
		return nil
	}

	if data.Detected {
		h.engage(data.Detail)
	} else {
		h.release()
	}
	return nil
}

// engage publishes the overlay and content requests for a fresh
// detection.
func (h *Handler) engage(detail string) {
	h.bus.Publish(protection.Event{
		Type:   protection.EventOverlayShown,
		Source: h.feature.Name,
		Data: protection.OverlayPayload{
			Owner:       h.feature.Name,
			OverlayType: "warning",
			Priority:    h.feature.Priority,
			Options:     h.opts.Overlay,
		},
	})

	if h.opts.HideContent {
		h.bus.Publish(protection.Event{
			Type:   protection.EventContentHidden,
			Source: h.feature.Name,
			Data: protection.ContentPayload{
				Owner:    h.feature.Name,
				Reason:   detail,
				Priority: h.feature.Priority,
				Options:  h.opts.Placeholder,
			},
		})
	}

	if h.opts.RestoreInterval > 0 && h.sched != nil {
		h.sched.Register("restore-"+h.feature.Name, h.opts.RestoreInterval, func() {
			h.bus.Publish(protection.Event{
				Type:   protection.EventOverlayRestored,
				Source: h.feature.Name,
				Data:   protection.OverlayPayload{Owner: h.feature.Name},
			})
		})
	}
}

// release withdraws the overlay and content requests after clearing.
func (h *Handler) release() {
	if h.opts.RestoreInterval > 0 && h.sched != nil {
		h.sched.Unregister("restore-" + h.feature.Name)
	}

	h.bus.Publish(protection.Event{
		Type:   protection.EventOverlayRemoved,
		Source: h.feature.Name,
		Data:   protection.OverlayPayload{Owner: h.feature.Name},
	})

	if h.opts.HideContent {
		h.bus.Publish(protection.Event{
			Type:   protection.EventContentRestored,
			Source: h.feature.Name,
			Data:   protection.ContentPayload{Owner: h.feature.Name},
		})
	}
}
