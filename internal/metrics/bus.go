package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PulsesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockergw_pulses_total",
		Help: "Total relay pulses by result (success, timeout, crc, exception, bus, quarantined, cancelled)",
	}, []string{"result"})

	PulseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lockergw_pulse_duration_seconds",
		Help:    "Wall-clock duration of relay pulses per slave",
		Buckets: []float64{0.2, 0.4, 0.6, 0.8, 1.0, 1.5, 2.0, 3.0},
	}, []string{"slave"})

	BusFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lockergw_bus_failures_total",
		Help: "Modbus transport failures by kind",
	}, []string{"kind"})

	SlaveQuarantined = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lockergw_slave_quarantined",
		Help: "1 while a relay card is quarantined after consecutive failures",
	}, []string{"slave"})

	BusConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lockergw_bus_connected",
		Help: "1 while the serial bus has not latched CONNECTION_LOST",
	})
)

// RecordPulse records one pulse outcome and its duration.
func RecordPulse(slave byte, result string, seconds float64) {
	PulsesTotal.WithLabelValues(result).Inc()
	PulseDuration.WithLabelValues(strconv.Itoa(int(slave))).Observe(seconds)
}

// IncBusFailure records a transport failure of the given kind.
func IncBusFailure(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	BusFailuresTotal.WithLabelValues(kind).Inc()
}

// SetSlaveQuarantined flips the quarantine gauge for a slave.
func SetSlaveQuarantined(slave byte, quarantined bool) {
	v := 0.0
	if quarantined {
		v = 1.0
	}
	SlaveQuarantined.WithLabelValues(strconv.Itoa(int(slave))).Set(v)
}

// SetBusConnected flips the bus connectivity gauge.
func SetBusConnected(connected bool) {
	if connected {
		BusConnected.Set(1)
	} else {
		BusConnected.Set(0)
	}
}
