// Package metrics exposes Prometheus collectors for a facetrace run.
package metrics

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values shared by the counters.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeEscalated = "escalated"
	OutcomeChallenge = "challenge"
)

// Recorder owns a private registry so repeated runs in one process, and
// parallel tests, never collide on collector registration. A nil *Recorder
// is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	fetchTotal         *prometheus.CounterVec
	browserLaunchTotal *prometheus.CounterVec
	candidatesTotal    *prometheus.CounterVec
	downloadDuration   prometheus.Histogram
	rateLimitDelay     *prometheus.HistogramVec
}

// New builds a Recorder with all collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		fetchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facetrace_fetch_total",
				Help: "Content fetch attempts, labeled by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		),
		browserLaunchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facetrace_browser_launch_total",
				Help: "Browser launch attempts, labeled by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		),
		candidatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facetrace_candidates_total",
				Help: "Search results processed by the ranker, labeled by outcome.",
			},
			[]string{"outcome"},
		),
		downloadDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "facetrace_download_duration_seconds",
				Help:    "Histogram of thumbnail and query image download latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
		rateLimitDelay: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facetrace_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		),
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler returns an http.Handler serving this recorder's metrics.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// WriteTextfile dumps the registry in the node_exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// ObserveFetch counts a content fetch attempt for tier.
func (r *Recorder) ObserveFetch(tier, outcome string) {
	if r == nil {
		return
	}
	r.fetchTotal.WithLabelValues(tier, outcome).Inc()
}

// ObserveBrowserLaunch counts a browser launch attempt for tier.
func (r *Recorder) ObserveBrowserLaunch(tier, outcome string) {
	if r == nil {
		return
	}
	r.browserLaunchTotal.WithLabelValues(tier, outcome).Inc()
}

// ObserveCandidate counts one ranked or skipped search result.
func (r *Recorder) ObserveCandidate(outcome string) {
	if r == nil {
		return
	}
	r.candidatesTotal.WithLabelValues(outcome).Inc()
}

// ObserveDownload records a download latency.
func (r *Recorder) ObserveDownload(duration time.Duration) {
	if r == nil {
		return
	}
	r.downloadDuration.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func (r *Recorder) ObserveRateLimitDelay(rawURL string, duration time.Duration) {
	if r == nil {
		return
	}
	r.rateLimitDelay.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
