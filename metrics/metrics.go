package metrics

import (
	"github.com/highlight-pipeline/orchestrator/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClientMetrics is reused for every outbound client the orchestrator owns
// (blob gateway, model gateway sub-clients).
type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// PipelineMetrics tracks the stage DAG's execution across all jobs.
type PipelineMetrics struct {
	JobCount         *prometheus.CounterVec
	JobDuration      *prometheus.SummaryVec
	StageDuration    *prometheus.HistogramVec
	StageRetries     *prometheus.CounterVec
	StageFailures    *prometheus.CounterVec
	ClipsCompiled    prometheus.Counter
	ClipsFailed      prometheus.Counter
	ProgressDropped  *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
}

type OrchestratorMetrics struct {
	Version *prometheus.CounterVec

	JobsInFlight         prometheus.Gauge
	HTTPRequestsInFlight prometheus.Gauge
	LiveSubscribers      prometheus.Gauge
	RateLimitRejections  *prometheus.CounterVec

	BlobClient          ClientMetrics
	ModelGatewayHTTP    ClientMetrics
	ModelGatewayClient  *prometheus.HistogramVec
	ModelGatewayRetries *prometheus.CounterVec
	ModelGatewayErrors  *prometheus.CounterVec

	Pipeline PipelineMetrics
}

var jobLabels = []string{"processing_mode", "resolution", "stage"}

func NewMetrics() *OrchestratorMetrics {
	m := &OrchestratorMetrics{
		Version: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "version",
			Help: "Current Git SHA / Tag that's running. Incremented once on app startup.",
		}, []string{"app", "version"}),

		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "Number of jobs currently running through the pipeline",
		}),
		HTTPRequestsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being served",
		}),
		LiveSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "live_subscribers",
			Help: "Number of open live-progress websocket connections",
		}),
		RateLimitRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_rejections",
			Help: "Number of requests rejected by the admission/quota middleware",
		}, []string{"endpoint_class"}),

		BlobClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "blob_client_retry_count",
				Help: "The number of retried blob store requests",
			}, []string{"host", "operation", "bucket"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "blob_client_failure_count",
				Help: "The total number of failed blob store requests",
			}, []string{"host", "operation", "bucket"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "blob_client_request_duration_seconds",
				Help:    "Time taken to complete blob store requests",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			}, []string{"host", "operation", "bucket"}),
		},

		ModelGatewayHTTP: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "model_gateway_http_retry_count",
				Help: "The number of retried Model Gateway HTTP requests",
			}, []string{"host"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "model_gateway_http_failure_count",
				Help: "The total number of failed Model Gateway HTTP requests",
			}, []string{"host", "status_code"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "model_gateway_http_request_duration_seconds",
				Help:    "Time taken to complete a Model Gateway HTTP request",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"host"}),
		},

		ModelGatewayClient: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "model_gateway_call_duration_seconds",
			Help:    "Time taken for a Model Gateway call to return",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"capability", "operation", "success"}),
		ModelGatewayRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "model_gateway_retries",
			Help: "Number of retried Model Gateway calls",
		}, []string{"capability", "operation"}),
		ModelGatewayErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "model_gateway_errors",
			Help: "Number of Model Gateway calls that failed after retries",
		}, []string{"capability", "operation", "kind"}),

		Pipeline: PipelineMetrics{
			JobCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pipeline_job_count",
				Help: "Number of jobs that entered the stage DAG, by terminal outcome",
			}, []string{"outcome", "processing_mode"}),
			JobDuration: promauto.NewSummaryVec(prometheus.SummaryOpts{
				Name: "pipeline_job_duration_seconds",
				Help: "Wall-clock time from queued to terminal state",
			}, []string{"outcome", "processing_mode"}),
			StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "pipeline_stage_duration_seconds",
				Help:    "Time taken by a single stage invocation",
				Buckets: []float64{.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
			}, jobLabels),
			StageRetries: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pipeline_stage_retries",
				Help: "Number of stage retry attempts",
			}, []string{"stage"}),
			StageFailures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "pipeline_stage_failures",
				Help: "Number of stage invocations that ended in failure, by class",
			}, []string{"stage", "class"}),
			ClipsCompiled: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pipeline_clips_compiled",
				Help: "Number of individual clips successfully compiled",
			}),
			ClipsFailed: promauto.NewCounter(prometheus.CounterOpts{
				Name: "pipeline_clips_failed",
				Help: "Number of individual clips that failed compilation and were skipped",
			}),
			ProgressDropped: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "progress_frames_dropped",
				Help: "Number of ordinary progress frames dropped due to a full subscriber buffer",
			}, []string{"stage"}),
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "job_queue_depth",
				Help: "Number of jobs queued but not yet dispatched to the DAG executor",
			}),
		},
	}

	m.Version.WithLabelValues("highlight-orchestrator", config.Version).Inc()

	return m
}

var Metrics = NewMetrics()
