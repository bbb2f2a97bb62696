package server

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the Prometheus metrics of the simulator server.
type Metrics struct {
	gatherer prometheus.Gatherer

	Connections prometheus.Counter
	Commands    *prometheus.CounterVec
	Frames      *prometheus.CounterVec
}

// NewMetrics registers the simulator metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	connections, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phonesim_connections_total",
		Help: "Total number of accepted client connections.",
	}), "phonesim_connections_total")
	if err != nil {
		return nil, err
	}

	commands := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phonesim_commands_total",
		Help: "Total number of handled AT commands, labeled by the handler that took them.",
	}, []string{"handler"})
	commands, err = registerCounterVec(reg, commands, "phonesim_commands_total")
	if err != nil {
		return nil, err
	}

	frames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phonesim_mux_frames_total",
		Help: "Total number of scanned multiplexing frames, labeled by scan outcome.",
	}, []string{"outcome"})
	frames, err = registerCounterVec(reg, frames, "phonesim_mux_frames_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		gatherer:    gatherer,
		Connections: connections,
		Commands:    commands,
		Frames:      frames,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (m *Metrics) Handler() http.Handler {
	gatherer := m.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// observer adapts the metrics to the connection observer interface.
type observer struct {
	metrics *Metrics
}

func (o observer) HandledCommand(handler string) {
	o.metrics.Commands.WithLabelValues(handler).Inc()
}

func (o observer) ScannedFrame(outcome string) {
	o.metrics.Frames.WithLabelValues(outcome).Inc()
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
