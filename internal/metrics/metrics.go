package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cookscan",
			Name:      "pages_processed_total",
			Help:      "Total pages processed by result (recipe, skipped, failed)",
		},
		[]string{"result"},
	)

	recipesExtracted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cookscan",
			Name:      "recipes_extracted_total",
			Help:      "Total recipes extracted by review status (pending, needs_review)",
		},
		[]string{"status"},
	)

	duplicatesRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cookscan",
			Name:      "duplicates_removed_total",
			Help:      "Total extracted candidates dropped as duplicates",
		},
	)

	providerReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cookscan",
			Name:      "provider_requests_total",
			Help:      "Total vision provider requests by provider, model and result",
		},
		[]string{"provider", "model", "result"},
	)

	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cookscan",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of vision provider requests by provider and model",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cookscan",
			Name:      "jobs_finished_total",
			Help:      "Extraction jobs reaching a terminal state (completed, failed, cancelled)",
		},
		[]string{"status"},
	)

	imagegenTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cookscan",
			Name:      "imagegen_tasks_total",
			Help:      "Image generation tasks by result (success, retry, dlq, skipped)",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cookscan",
			Name:      "imagegen_queue_depth",
			Help:      "Image generation queue depth gauges for stream, delayed and dlq",
		},
		[]string{"type"},
	)

	breakerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cookscan",
			Name:      "breaker_events_total",
			Help:      "Cooldown breaker events by target and action",
		},
		[]string{"target", "action"},
	)
)

// Init registers collectors.
func Init() {
	prometheus.MustRegister(pagesProcessed, recipesExtracted, duplicatesRemoved,
		providerReqs, providerLatency, jobsFinished, imagegenTasks, queueDepth, breakerEvents)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func IncPageProcessed(result string)   { pagesProcessed.WithLabelValues(result).Inc() }
func IncRecipeExtracted(status string) { recipesExtracted.WithLabelValues(status).Inc() }
func IncDuplicateRemoved()             { duplicatesRemoved.Inc() }

func ObserveProvider(provider, model, result string, dur time.Duration) {
	providerReqs.WithLabelValues(provider, model, result).Inc()
	providerLatency.WithLabelValues(provider, model).Observe(dur.Seconds())
}

func JobFinished(status string) { jobsFinished.WithLabelValues(status).Inc() }

func IncImageGen(result string) { imagegenTasks.WithLabelValues(result).Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }

func BreakerOpened(target string) { breakerEvents.WithLabelValues(target, "opened").Inc() }
func BreakerClosed(target string) { breakerEvents.WithLabelValues(target, "closed").Inc() }
