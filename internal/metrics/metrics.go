// Package metrics exposes gateway telemetry to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmackelprang/RotaryPhone/internal/callmgr"
)

const namespace = "rotaryphone"

// LineSample is the point-in-time view of one line read at scrape time.
type LineSample struct {
	LineID             string
	State              string
	SIPListening       bool
	BluetoothConnected bool
	BridgeActive       bool
	PacketsIn          int64
	PacketsOut         int64
	PacketsLost        uint64
	DroppedFrames      int64
}

// Source provides line samples on every scrape.
type Source interface {
	LineSamples() []LineSample
}

var states = []string{
	callmgr.StateIdle.String(),
	callmgr.StateDialing.String(),
	callmgr.StateRinging.String(),
	callmgr.StateInCall.String(),
}

// Recorder counts call manager activity and serves the registry.
type Recorder struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	commands    *prometheus.CounterVec
}

// New creates a Recorder with its own registry, including Go runtime and
// process collectors.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Call state transitions per line.",
		}, []string{"line", "from", "to"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Outbound commands issued by the call manager, by result.",
		}, []string{"line", "command", "result"}),
	}
	r.registry.MustRegister(
		r.transitions,
		r.commands,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveTransition implements callmgr.Observer.
func (r *Recorder) ObserveTransition(lineID string, from, to callmgr.State) {
	r.transitions.WithLabelValues(lineID, from.String(), to.String()).Inc()
}

// ObserveCommand implements callmgr.Observer.
func (r *Recorder) ObserveCommand(lineID, command string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.commands.WithLabelValues(lineID, command, result).Inc()
}

// Watch registers a collector reading line samples from src.
func (r *Recorder) Watch(src Source) error {
	return r.registry.Register(newLineCollector(src))
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

type lineCollector struct {
	src          Source
	state        *prometheus.Desc
	sipListening *prometheus.Desc
	btConnected  *prometheus.Desc
	bridgeActive *prometheus.Desc
	packets      *prometheus.Desc
	lost         *prometheus.Desc
	dropped      *prometheus.Desc
}

func newLineCollector(src Source) *lineCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, append([]string{"line"}, labels...), nil)
	}
	return &lineCollector{
		src:          src,
		state:        desc("line_state", "1 for the current call state of the line.", "state"),
		sipListening: desc("sip_listening", "Whether the SIP transport is bound."),
		btConnected:  desc("bluetooth_connected", "Whether a phone is attached over HFP."),
		bridgeActive: desc("bridge_active", "Whether an audio bridge session is running."),
		packets:      desc("bridge_session_packets", "RTP packets of the current bridge session.", "direction"),
		lost:         desc("bridge_session_packets_lost", "RTP packets missing in the current session."),
		dropped:      desc("bridge_session_dropped_frames", "Playback frames dropped on overflow in the current session."),
	}
}

func (c *lineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.state
	ch <- c.sipListening
	ch <- c.btConnected
	ch <- c.bridgeActive
	ch <- c.packets
	ch <- c.lost
	ch <- c.dropped
}

func (c *lineCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.src.LineSamples() {
		for _, st := range states {
			ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, boolValue(st == s.State), s.LineID, st)
		}
		ch <- prometheus.MustNewConstMetric(c.sipListening, prometheus.GaugeValue, boolValue(s.SIPListening), s.LineID)
		ch <- prometheus.MustNewConstMetric(c.btConnected, prometheus.GaugeValue, boolValue(s.BluetoothConnected), s.LineID)
		ch <- prometheus.MustNewConstMetric(c.bridgeActive, prometheus.GaugeValue, boolValue(s.BridgeActive), s.LineID)
		ch <- prometheus.MustNewConstMetric(c.packets, prometheus.GaugeValue, float64(s.PacketsIn), s.LineID, "in")
		ch <- prometheus.MustNewConstMetric(c.packets, prometheus.GaugeValue, float64(s.PacketsOut), s.LineID, "out")
		ch <- prometheus.MustNewConstMetric(c.lost, prometheus.GaugeValue, float64(s.PacketsLost), s.LineID)
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.GaugeValue, float64(s.DroppedFrames), s.LineID)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
