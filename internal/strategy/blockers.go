package strategy

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Isonimus/content-security-toolkit/internal/bus"
	"github.com/Isonimus/content-security-toolkit/internal/logging"
	"github.com/Isonimus/content-security-toolkit/internal/metrics"
	"github.com/Isonimus/content-security-toolkit/internal/surface"
	"github.com/Isonimus/content-security-toolkit/pkg/protection"
)

// DefaultBlockedChords are the key chords the keyboard strategy blocks
// when none are configured.
var DefaultBlockedChords = []string{
	"ctrl+c", "ctrl+x", "ctrl+s", "ctrl+p", "ctrl+u", "ctrl+a",
	"ctrl+shift+i", "ctrl+shift+j", "ctrl+shift+c",
	"f12", "printscreen",
}

// KeyboardOptions configures the keyboard blocking strategy.
type KeyboardOptions struct {
	BlockedChords []string
}

// Keyboard blocks configured key chords on the surface and publishes
// keyboard.blocked events for intercepted presses.
type Keyboard struct {
	surf    surface.Surface
	bus     *bus.Bus
	opts    KeyboardOptions
	cancel  func()
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewKeyboard creates the keyboard blocking strategy.
func NewKeyboard(surf surface.Surface, b *bus.Bus, opts KeyboardOptions) *Keyboard {
	return &Keyboard{
		surf:    surf,
		bus:     b,
		opts:    opts,
		logger:  logging.Component("strategy-keyboard"),
		metrics: metrics.GetMetrics(),
	}
}

func (k *Keyboard) Name() string { return "keyboard" }

func (k *Keyboard) Apply() error {
	chords := k.opts.BlockedChords
	if len(chords) == 0 {
		chords = DefaultBlockedChords
	}

	rules := make([]surface.KeyRule, 0, len(chords))
	for _, chord := range chords {
		rule, err := surface.ParseKeyRule(chord)
		if err != nil {
			return fmt.Errorf("keyboard strategy: %w", err)
		}
		rules = append(rules, rule)
	}

	k.surf.SetKeyRules(k.Name(), rules)
	k.cancel = k.surf.OnBlocked(func(kind, detail string) {
		if kind != "key" {
			return
		}
		k.metrics.InteractionsBlocked.WithLabelValues("key").Inc()
		k.bus.Publish(protection.Event{
			Type:   protection.EventKeyboardBlocked,
			Source: k.Name(),
			Data:   protection.InteractionPayload{Action: "keydown", Key: detail},
		})
	})
	return nil
}

func (k *Keyboard) Remove() error {
	k.surf.ClearKeyRules(k.Name())
	if k.cancel != nil {
		k.cancel()
		k.cancel = nil
	}
	return nil
}

// ContextMenu suppresses the surface context menu.
type ContextMenu struct {
	surf    surface.Surface
	bus     *bus.Bus
	cancel  func()
	metrics *metrics.Metrics
}

// NewContextMenu creates the context-menu suppression strategy.
func NewContextMenu(surf surface.Surface, b *bus.Bus) *ContextMenu {
	return &ContextMenu{surf: surf, bus: b, metrics: metrics.GetMetrics()}
}

func (c *ContextMenu) Name() string { return "contextmenu" }

func (c *ContextMenu) Apply() error {
	c.surf.SetContextMenuSuppressed(true)
	c.cancel = c.surf.OnBlocked(func(kind, detail string) {
		if kind != "contextmenu" {
			return
		}
		c.metrics.InteractionsBlocked.WithLabelValues("contextmenu").Inc()
		c.bus.Publish(protection.Event{
			Type:   protection.EventContextMenuBlocked,
			Source: c.Name(),
			Data:   protection.InteractionPayload{Action: "contextmenu"},
		})
	})
	return nil
}

func (c *ContextMenu) Remove() error {
	c.surf.SetContextMenuSuppressed(false)
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	return nil
}

// Print blocks printing: print styles hide the page and the print
// shortcut is intercepted.
type Print struct {
	surf    surface.Surface
	bus     *bus.Bus
	cancel  func()
	metrics *metrics.Metrics
}

// NewPrint creates the print blocking strategy.
func NewPrint(surf surface.Surface, b *bus.Bus) *Print {
	return &Print{surf: surf, bus: b, metrics: metrics.GetMetrics()}
}

func (p *Print) Name() string { return "print" }

const printCSSID = "csk-print-block"

func (p *Print) Apply() error {
	css := `@media print { body { display: none !important; } }`
	if err := p.surf.InjectCSS(printCSSID, css); err != nil {
		return fmt.Errorf("print strategy: %w", err)
	}

	p.surf.SetKeyRules(p.Name(), []surface.KeyRule{{Key: "p", Ctrl: true}, {Key: "p", Meta: true}})
	p.cancel = p.surf.OnBlocked(func(kind, detail string) {
		if kind != "key" || !strings.HasSuffix(detail, "+p") {
			return
		}
		p.metrics.InteractionsBlocked.WithLabelValues("print").Inc()
		p.bus.Publish(protection.Event{
			Type:   protection.EventPrintBlocked,
			Source: p.Name(),
			Data:   protection.InteractionPayload{Action: "print", Key: detail},
		})
	})
	return nil
}

func (p *Print) Remove() error {
	// Already-removed styles count as removed
	_ = p.surf.RemoveCSS(printCSSID)
	p.surf.ClearKeyRules(p.Name())
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	return nil
}

// Selection disables text selection via injected styles.
type Selection struct {
	surf surface.Surface
	bus  *bus.Bus
}

// NewSelection creates the selection blocking strategy.
func NewSelection(surf surface.Surface, b *bus.Bus) *Selection {
	return &Selection{surf: surf, bus: b}
}

func (s *Selection) Name() string { return "selection" }

const selectionCSSID = "csk-selection-block"

func (s *Selection) Apply() error {
	css := `* { user-select: none !important; -webkit-user-select: none !important; }`
	if err := s.surf.InjectCSS(selectionCSSID, css); err != nil {
		return fmt.Errorf("selection strategy: %w", err)
	}
	return nil
}

func (s *Selection) Remove() error {
	_ = s.surf.RemoveCSS(selectionCSSID)
	return nil
}

// WatermarkOptions configures the watermark strategy.
type WatermarkOptions struct {
	Text    string
	Opacity float64
	Angle   int
}

// Watermark tiles a semi-transparent text layer over the page.
type Watermark struct {
	surf surface.Surface
	opts WatermarkOptions
}

// NewWatermark creates the watermark strategy.
func NewWatermark(surf surface.Surface, opts WatermarkOptions) *Watermark {
	return &Watermark{surf: surf, opts: opts}
}

func (w *Watermark) Name() string { return "watermark" }

const watermarkCSSID = "csk-watermark"

func (w *Watermark) Apply() error {
	text := w.opts.Text
	if text == "" {
		text = "PROTECTED"
	}
	opacity := w.opts.Opacity
	if opacity <= 0 || opacity > 1 {
		opacity = 0.15
	}
	angle := w.opts.Angle
	if angle == 0 {
		angle = -30
	}

	css := fmt.Sprintf(
		`body::after { content: "%s"; position: fixed; inset: 0; display: flex; `+
			`align-items: center; justify-content: center; font-size: 4rem; `+
			`opacity: %.2f; transform: rotate(%ddeg); pointer-events: none; z-index: 9999; }`,
		text, opacity, angle,
	)
	if err := w.surf.InjectCSS(watermarkCSSID, css); err != nil {
		return fmt.Errorf("watermark strategy: %w", err)
	}
	return nil
}

func (w *Watermark) Remove() error {
	_ = w.surf.RemoveCSS(watermarkCSSID)
	return nil
}
