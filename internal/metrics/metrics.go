// Package metrics holds the Prometheus collectors for the hub server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	DevicesOnline    prometheus.Gauge
	CommandsSent     prometheus.Counter
	AcksTotal        *prometheus.CounterVec
	HeartbeatsTotal  prometheus.Counter
	EnrollmentsTotal *prometheus.CounterVec
	ConnectionsTotal *prometheus.CounterVec
}

// New builds and registers the hub collectors against reg. Pass a fresh
// registry in tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DevicesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "commandhub_devices_online",
			Help: "Number of devices with a live connection.",
		}),
		CommandsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commandhub_commands_sent_total",
			Help: "Total number of commands pushed to devices.",
		}),
		AcksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandhub_acks_total",
			Help: "Total number of command acknowledgements, by status.",
		}, []string{"status"}),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "commandhub_heartbeats_total",
			Help: "Total number of heartbeats received.",
		}),
		EnrollmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandhub_enrollments_total",
			Help: "Total number of enrollment attempts, by result.",
		}, []string{"result"}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "commandhub_connections_total",
			Help: "Total number of device connection attempts, by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.DevicesOnline,
		m.CommandsSent,
		m.AcksTotal,
		m.HeartbeatsTotal,
		m.EnrollmentsTotal,
		m.ConnectionsTotal,
	)
	return m
}
