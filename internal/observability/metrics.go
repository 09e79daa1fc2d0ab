// README: Prometheus collectors for dispatch, lifecycle, pricing and HTTP traffic.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rideflow"

var (
	DispatchRounds   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_rounds_total", Help: "Dispatch rounds executed"})
	OffersSent       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_offers_total", Help: "Ride offers pushed to drivers"})
	RadiusExpansions = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_radius_expansions_total", Help: "Search radius expansions"})
	RequestsExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_requests_expired_total", Help: "Ride requests expired without a driver"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Lifecycle transitions by operation and result"},
		[]string{"operation", "result"},
	)

	FareQuotes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fare_quotes_total", Help: "Fare quotes by vehicle class"},
		[]string{"vehicle_class"},
	)
	WeatherLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "weather_lookups_total", Help: "Weather multiplier lookups by source"},
		[]string{"source"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// TransitionResult labels an outcome for the Transitions counter.
func TransitionResult(err error) string {
	if err != nil {
		return "rejected"
	}
	return "ok"
}
