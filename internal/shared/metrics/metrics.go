package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	SamplesAccepted  prometheus.Counter
	SamplesThrottled prometheus.Counter
	SamplesRejected  prometheus.Counter

	BroadcastsDelivered prometheus.Counter
	BroadcastsCoalesced prometheus.Counter
	BroadcastsDropped   prometheus.Counter

	StaleDemotions prometheus.Counter
	ETAComputed    prometheus.Counter
	StoreErrors    prometheus.Counter
	StreamRestarts prometheus.Counter

	DriverSockets    prometheus.Gauge
	PassengerSockets prometheus.Gauge
	Subscriptions    prometheus.Gauge
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		SamplesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_samples_accepted_total",
			Help: "GPS samples accepted past the throttle and persisted.",
		}),
		SamplesThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_samples_throttled_total",
			Help: "GPS samples suppressed by the location throttle.",
		}),
		SamplesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_samples_rejected_total",
			Help: "GPS samples rejected by validation or assignment gating.",
		}),
		BroadcastsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_broadcasts_delivered_total",
			Help: "Events enqueued to subscriber sockets.",
		}),
		BroadcastsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_broadcasts_coalesced_total",
			Help: "Position updates replaced by a newer one while queued.",
		}),
		BroadcastsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_broadcasts_dropped_total",
			Help: "Events dropped because a socket queue overflowed.",
		}),
		StaleDemotions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_stale_demotions_total",
			Help: "Buses demoted to offline by the staleness worker.",
		}),
		ETAComputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_eta_computed_total",
			Help: "ETA updates computed and broadcast.",
		}),
		StoreErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_store_errors_total",
			Help: "Bus state store operations that returned an error.",
		}),
		StreamRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_stream_restarts_total",
			Help: "Change stream reader reconnects.",
		}),
		DriverSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_driver_sockets",
			Help: "Connected, authenticated driver sockets.",
		}),
		PassengerSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_passenger_sockets",
			Help: "Connected passenger sockets.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_subscriptions",
			Help: "Live bus/route subscription entries.",
		}),
	}

	reg.MustRegister(
		c.SamplesAccepted, c.SamplesThrottled, c.SamplesRejected,
		c.BroadcastsDelivered, c.BroadcastsCoalesced, c.BroadcastsDropped,
		c.StaleDemotions, c.ETAComputed, c.StoreErrors, c.StreamRestarts,
		c.DriverSockets, c.PassengerSockets, c.Subscriptions,
	)

	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	return srv
}
