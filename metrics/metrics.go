package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

type IngestAPIMetrics struct {
	UploadRequestCount       prometheus.Counter
	UploadRequestDurationSec *prometheus.SummaryVec
	PipelineDurationSec      *prometheus.SummaryVec
	TranscodeDurationSec     *prometheus.SummaryVec

	ActiveTranscodes prometheus.Gauge
	QueuedTranscodes prometheus.Gauge

	BlobUploadFailureCount *prometheus.CounterVec
	CatalogWriteCount      *prometheus.CounterVec
	EpisodesGeneratedCount prometheus.Counter

	TranscriptionClient ClientMetrics
	LLMClient           ClientMetrics
}

func NewMetrics() *IngestAPIMetrics {
	m := &IngestAPIMetrics{
		// /api/channels/upload-video request metrics
		UploadRequestCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "upload_video_request_count",
			Help: "The total number of requests to /api/channels/upload-video",
		}),
		UploadRequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "upload_video_request_duration_seconds",
			Help: "The latency of the requests made to /api/channels/upload-video in seconds broken up by success and status code",
		}, []string{"success", "status_code"}),
		PipelineDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "upload_pipeline_duration_seconds",
			Help: "The time the ingest pipeline takes to run, broken up by phase and success",
		}, []string{"phase", "success"}),
		TranscodeDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "transcode_duration_seconds",
			Help: "Time taken by a single ffmpeg transcode invocation, broken up by rendition",
		}, []string{"rendition"}),

		ActiveTranscodes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "active_transcodes",
			Help: "The number of ffmpeg transcodes currently holding an admission slot",
		}),
		QueuedTranscodes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "queued_transcodes",
			Help: "The number of uploads waiting in the processing queue",
		}),

		BlobUploadFailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blob_upload_failure_count",
			Help: "The total number of failed blob store uploads, by object kind",
		}, []string{"kind"}),
		CatalogWriteCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_write_count",
			Help: "The total number of catalog registrations, by result",
		}, []string{"result"}),
		EpisodesGeneratedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "episodes_generated_count",
			Help: "The total number of episodes cut by the post-pass",
		}),

		// Clients metrics

		TranscriptionClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "transcription_client_retry_count",
				Help: "The number of retries of a successful request to the transcription service",
			}, []string{"host"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "transcription_client_failure_count",
				Help: "The total number of failed transcription requests",
			}, []string{"host", "status_code"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "transcription_client_request_duration",
				Help:    "Time taken by transcription requests",
				Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			}, []string{"host"}),
		},

		LLMClient: ClientMetrics{
			RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "llm_client_retry_count",
				Help: "The number of retries of a successful request to the LLM service",
			}, []string{"host"}),
			FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "llm_client_failure_count",
				Help: "The total number of failed LLM requests",
			}, []string{"host", "status_code"}),
			RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "llm_client_request_duration",
				Help:    "Time taken by LLM requests",
				Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			}, []string{"host"}),
		},
	}

	return m
}

var Metrics = NewMetrics()
