// Package metrics exports the relay state as Prometheus gauges.
package metrics

import (
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dokzlo13/shellyd/internal/eventbus"
	"github.com/dokzlo13/shellyd/internal/meter"
)

// Collector holds the driver's metrics on a private registry.
// Unknown channels are exported as NaN.
type Collector struct {
	registry *prometheus.Registry

	enabled       prometheus.Gauge
	relayOn       prometheus.Gauge
	activePower   prometheus.Gauge
	phasePower    *prometheus.GaugeVec
	energy        prometheus.Gauge
	commFailed    prometheus.Gauge
	voltage       prometheus.Gauge
	current       prometheus.Gauge
	temperature   prometheus.Gauge
	lastUpdate    prometheus.Gauge
	commandsTotal *prometheus.CounterVec
	labels        prometheus.Labels
}

// New creates a collector; every series carries a device label.
func New(deviceID string) *Collector {
	labels := prometheus.Labels{"device": deviceID}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: labels})
	}

	c := &Collector{
		registry:    prometheus.NewRegistry(),
		labels:      labels,
		enabled:     gauge("shelly_driver_enabled", "1 if the driver is enabled"),
		relayOn:     gauge("shelly_relay_on", "Relay state as last read from the device (1 on, 0 off)"),
		activePower: gauge("shelly_active_power_watts", "Active power in watts"),
		phasePower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "shelly_active_power_phase_watts",
			Help:        "Active power per grid phase in watts",
			ConstLabels: labels,
		}, []string{"phase"}),
		energy:      gauge("shelly_active_production_energy", "Running energy total in minute-resolution units"),
		commFailed:  gauge("shelly_communication_failed", "1 if the last exchange with the device failed"),
		voltage:     gauge("shelly_voltage_volts", "Supply voltage"),
		current:     gauge("shelly_current_amperes", "Load current"),
		temperature: gauge("shelly_temperature_celsius", "Device temperature"),
		lastUpdate:  gauge("shelly_last_update_timestamp_seconds", "Unix time of the last published reading"),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "shelly_commands_total",
			Help:        "Relay commands by result",
			ConstLabels: labels,
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		c.enabled, c.relayOn, c.activePower, c.phasePower, c.energy, c.commFailed,
		c.voltage, c.current, c.temperature, c.lastUpdate, c.commandsTotal,
	)

	for _, result := range []string{eventbus.CommandSent, eventbus.CommandFailed, eventbus.CommandSkipped} {
		c.commandsTotal.WithLabelValues(result)
	}

	c.Observe(meter.Snapshot{})
	return c
}

// Subscribe wires the collector to the event bus and exports its drop count.
func (c *Collector) Subscribe(bus *eventbus.Bus) {
	c.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "shelly_eventbus_dropped_total",
		Help:        "Events dropped because the sink queue was full",
		ConstLabels: c.labels,
	}, func() float64 { return float64(bus.Dropped()) }))

	bus.Subscribe(eventbus.EventTypeSnapshot, func(e eventbus.Event) { c.Observe(e.Snapshot) })
	bus.Subscribe(eventbus.EventTypeCommand, func(e eventbus.Event) { c.CountCommand(e.Command.Result) })
}

// Observe updates every gauge from snap.
func (c *Collector) Observe(snap meter.Snapshot) {
	c.enabled.Set(boolFloat(snap.Enabled))
	c.relayOn.Set(valueFloat(snap.Relay, boolFloat))
	c.activePower.Set(valueFloat(snap.ActivePower, intFloat))
	for _, p := range meter.Phases {
		c.phasePower.WithLabelValues(string(p)).Set(valueFloat(snap.PhasePower(p), intFloat))
	}
	c.energy.Set(valueFloat(snap.Energy, intFloat))
	c.commFailed.Set(boolFloat(snap.CommunicationFailed))
	c.voltage.Set(valueFloat(snap.Voltage, identity))
	c.current.Set(valueFloat(snap.Current, identity))
	c.temperature.Set(valueFloat(snap.Temperature, identity))
	if !snap.UpdatedAt.IsZero() {
		c.lastUpdate.Set(float64(snap.UpdatedAt.Unix()))
	}
}

// CountCommand increments the command counter for result.
func (c *Collector) CountCommand(result string) {
	c.commandsTotal.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func valueFloat[T any](v meter.Value[T], conv func(T) float64) float64 {
	x, ok := v.Get()
	if !ok {
		return math.NaN()
	}
	return conv(x)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func intFloat(i int64) float64 { return float64(i) }

func identity(f float64) float64 { return f }
