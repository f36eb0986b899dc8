package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.MetricsRecorder.
type PrometheusCollector struct {
	liveWorkers  prometheus.Gauge
	workerDeaths prometheus.Counter
	rooms        prometheus.Gauge
	peers        prometheus.Gauge
	mediaObjects *prometheus.GaugeVec

	signalRequests *prometheus.CounterVec
	signalDuration *prometheus.HistogramVec
	busEvents      *prometheus.CounterVec
}

// NewPrometheusCollector registers every series on reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		liveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confab_workers_live",
			Help: "Number of live media workers",
		}),

		workerDeaths: factory.NewCounter(prometheus.CounterOpts{
			Name: "confab_worker_deaths_total",
			Help: "Media workers that died unexpectedly",
		}),

		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confab_rooms_active",
			Help: "Rooms currently open on this instance",
		}),

		peers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "confab_peers_connected",
			Help: "Peers currently in a room on this instance",
		}),

		mediaObjects: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "confab_media_objects",
			Help: "Open transports, producers and consumers by kind",
		}, []string{"kind"}),

		signalRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "confab_signal_requests_total",
			Help: "Signaling requests by method and result",
		}, []string{"method", "result"}),

		signalDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "confab_signal_request_duration_seconds",
			Help:    "Time spent handling a signaling request",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method"}),

		busEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "confab_bus_events_total",
			Help: "Bus events received by type and result",
		}, []string{"type", "result"}),
	}
}

func (p *PrometheusCollector) SetLiveWorkers(n int) {
	p.liveWorkers.Set(float64(n))
}

func (p *PrometheusCollector) IncWorkerDeaths() {
	p.workerDeaths.Inc()
}

func (p *PrometheusCollector) SetRooms(n int) {
	p.rooms.Set(float64(n))
}

func (p *PrometheusCollector) AddPeers(delta int) {
	p.peers.Add(float64(delta))
}

func (p *PrometheusCollector) AddMediaObjects(kind string, delta int) {
	p.mediaObjects.WithLabelValues(kind).Add(float64(delta))
}

func (p *PrometheusCollector) ObserveSignalRequest(method, result string, duration time.Duration) {
	p.signalRequests.WithLabelValues(method, result).Inc()
	p.signalDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (p *PrometheusCollector) IncBusEvents(eventType, result string) {
	p.busEvents.WithLabelValues(eventType, result).Inc()
}
