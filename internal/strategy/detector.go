package strategy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Isonimus/content-security-toolkit/internal/bus"
	"github.com/Isonimus/content-security-toolkit/internal/logging"
	"github.com/Isonimus/content-security-toolkit/internal/metrics"
	"github.com/Isonimus/content-security-toolkit/internal/scheduler"
	"github.com/Isonimus/content-security-toolkit/pkg/protection"
)

// Probe samples one browser-visible signal. The heuristics live behind
// this seam; the engine only consumes their verdicts.
type Probe interface {
	Name() string
	Sample() (detected bool, detail string)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc struct {
	ProbeName string
	Fn        func() (bool, string)
}

func (p ProbeFunc) Name() string { return p.ProbeName }

func (p ProbeFunc) Sample() (bool, string) { return p.Fn() }

// Feature describes one detection feature: its name, the event type its
// samples publish under, and the fixed priority its handler uses.
type Feature struct {
	Name      string
	EventType protection.EventType
	Priority  int
}

// Detection features. Priorities are the static per-feature ranking.
var (
	FeatureDevTools = Feature{
		Name:      "devtools",
		EventType: protection.EventDevToolsDetection,
		Priority:  protection.PriorityDevTools,
	}
	FeatureFrameEmbed = Feature{
		Name:      "frameembed",
		EventType: protection.EventFrameEmbedDetection,
		Priority:  protection.PriorityFrameEmbed,
	}
	FeatureExtension = Feature{
		Name:      "extension",
		EventType: protection.EventExtensionDetection,
		Priority:  protection.PriorityExtension,
	}
	FeatureScreenshot = Feature{
		Name:      "screenshot",
		EventType: protection.EventScreenshotDetection,
		Priority:  protection.PriorityScreenshot,
	}
)

// DetectorOptions configures a detection strategy.
type DetectorOptions struct {
	// Interval between probe samples
	Interval time.Duration
}

// Detector polls a probe on the shared scheduler and publishes
// detection events. While the condition holds, every sample re-asserts
// it; the clearing transition publishes once.
type Detector struct {
	feature  Feature
	probe    Probe
	interval time.Duration
	bus      *bus.Bus
	sched    *scheduler.Registry

	mu       sync.Mutex
	detected bool

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewDetector creates a detection strategy for a feature.
func NewDetector(feature Feature, probe Probe, b *bus.Bus, sched *scheduler.Registry, opts DetectorOptions) *Detector {
	interval := opts.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &Detector{
		feature:  feature,
		probe:    probe,
		interval: interval,
		bus:      b,
		sched:    sched,
		logger:   logging.Component("detector-" + feature.Name),
		metrics:  metrics.GetMetrics(),
	}
}

func (d *Detector) Name() string { return d.feature.Name }

func (d *Detector) Apply() error {
	d.sched.Register("detect-"+d.feature.Name, d.interval, d.check)
	return nil
}

func (d *Detector) Remove() error {
	d.sched.Unregister("detect-" + d.feature.Name)

	// Publish a clearing sample so downstream handlers release their
	// overlays and content states
	d.mu.Lock()
	wasDetected := d.detected
	d.detected = false
	d.mu.Unlock()

	if wasDetected {
		d.publish(false, "")
	}
	return nil
}

// check samples the probe once.
func (d *Detector) check() {
	detected, detail := d.probe.Sample()

	d.mu.Lock()
	transition := detected != d.detected
	d.detected = detected
	d.mu.Unlock()

	if detected {
		if transition {
			d.metrics.DetectionsTotal.WithLabelValues(d.feature.Name).Inc()
			d.logger.Info().Str("detail", detail).Msg("Condition detected")
		}
		// Re-assert on every sample; handlers deduplicate
		d.publish(true, detail)
		return
	}

	if transition {
		d.logger.Info().Msg("Condition cleared")
		d.publish(false, detail)
	}
}

func (d *Detector) publish(detected bool, detail string) {
	d.bus.Publish(protection.Event{
		Type:   d.feature.EventType,
		Source: d.feature.Name,
		Data:   protection.DetectionPayload{Detected: detected, Detail: detail},
	})
}
