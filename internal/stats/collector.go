// Package stats counts handled events for the /metrics endpoint and the
// periodic summary log.
package stats

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coopco/stampbot/internal/bus"
)

// Sizer reports how many message refs are being tracked.
type Sizer interface {
	Len() int
}

// Summary is a point-in-time view of the counters.
type Summary struct {
	Handled  int
	Edited   int
	Replaced int
	Failed   int
	ByReason map[string]int
	Tracked  int
}

// Collector records every published outcome. It owns a private registry so
// several collectors can coexist in one process.
type Collector struct {
	registry *prometheus.Registry
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	tracker  Sizer

	mu       sync.Mutex
	handled  int
	edited   int
	replaced int
	failed   int
	byReason map[string]int
}

// NewCollector creates a Collector. tracker may be nil.
func NewCollector(tracker Sizer) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stampbot_outcomes_total",
				Help: "Total number of handled message events (count)",
			},
			[]string{"category", "action", "reason"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stampbot_handle_duration_ms",
				Help:    "Time spent handling one message event in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			[]string{"category"},
		),
		tracker:  tracker,
		byReason: make(map[string]int),
	}
	c.registry.MustRegister(c.outcomes, c.duration)
	if tracker != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "stampbot_tracked_messages",
				Help: "Number of message refs remembered by the idempotency tracker (count)",
			},
			func() float64 { return float64(tracker.Len()) },
		))
	}
	return c
}

// Attach subscribes the collector to the bus's outcome stream.
func (c *Collector) Attach(msgBus *bus.MessageBus) {
	msgBus.Subscribe(c.Observe)
}

// Observe records one outcome.
func (c *Collector) Observe(o bus.Outcome) {
	c.outcomes.WithLabelValues(o.Category, o.Action, o.Reason).Inc()
	c.duration.WithLabelValues(o.Category).Observe(float64(o.Duration.Microseconds()) / 1000)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handled++
	c.byReason[o.Reason]++
	switch o.Action {
	case "edited":
		c.edited++
	case "replaced":
		c.replaced++
	}
	if o.Err != nil {
		c.failed++
	}
}

// Snapshot returns the current counters.
func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	s := Summary{
		Handled:  c.handled,
		Edited:   c.edited,
		Replaced: c.replaced,
		Failed:   c.failed,
		ByReason: make(map[string]int, len(c.byReason)),
	}
	for k, v := range c.byReason {
		s.ByReason[k] = v
	}
	c.mu.Unlock()

	if c.tracker != nil {
		s.Tracked = c.tracker.Len()
	}
	return s
}

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
