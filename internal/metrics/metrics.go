// Package metrics 定义 Prometheus 指标并采集主机资源。
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netpresence_scans_total",
			Help: "Total number of completed refresh passes",
		},
	)

	RefreshDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netpresence_refresh_dropped_total",
			Help: "Refresh requests ignored because a scan was already running",
		},
	)

	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netpresence_scan_duration_seconds",
			Help:    "Duration of a single network scan",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"network"},
	)

	Devices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netpresence_devices",
			Help: "Devices found by the latest scan per network and state",
		},
		[]string{"network", "state"},
	)

	MonitorUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netpresence_monitor_up",
			Help: "Whether the monitored host answered the last ping",
		},
		[]string{"monitor"},
	)

	MonitorRTT = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "netpresence_monitor_rtt_seconds",
			Help: "Round trip time of the last successful monitor ping",
		},
		[]string{"monitor"},
	)

	HostCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netpresence_host_cpu_percent",
			Help: "CPU usage of the host running the service",
		},
	)

	HostMem = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netpresence_host_mem_percent",
			Help: "Memory usage of the host running the service",
		},
	)
)

func init() {
	prometheus.MustRegister(ScansTotal)
	prometheus.MustRegister(RefreshDropped)
	prometheus.MustRegister(ScanDuration)
	prometheus.MustRegister(Devices)

	prometheus.MustRegister(MonitorUp)
	prometheus.MustRegister(MonitorRTT)

	prometheus.MustRegister(HostCPU)
	prometheus.MustRegister(HostMem)
}
