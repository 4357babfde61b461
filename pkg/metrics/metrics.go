package metrics

import (
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-workerdeploy/pkg/errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "workerdeploy"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Recorder collects orchestration metrics for one run
type Recorder interface {
	ObserveOperation(operation, application, result string, duration time.Duration)
	SetWorkerInstances(application string, count int)
	ObserveSupervisorCommand(verb, result string)
	WriteTextfile(path string) error
}

type prometheusRecorder struct {
	registry          *prometheus.Registry
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	workerInstances   *prometheus.GaugeVec
	supervisorCalls   *prometheus.CounterVec
	lastRun           prometheus.Gauge
}

// NewPrometheusRecorder creates a recorder backed by its own registry
func NewPrometheusRecorder() Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &prometheusRecorder{
		registry: registry,
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Orchestration operations by application and result",
			},
			[]string{"operation", "application", "result"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of orchestration operations",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"operation", "application"},
		),
		workerInstances: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_instances",
				Help:      "Worker instances in the deployed supervisor group",
			},
			[]string{"application"},
		),
		supervisorCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "supervisor_commands_total",
				Help:      "Supervisor commands by verb and result",
			},
			[]string{"verb", "result"},
		),
		lastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the metrics were last written",
			},
		),
	}
}

func (r *prometheusRecorder) ObserveOperation(operation, application, result string, duration time.Duration) {
	r.operations.WithLabelValues(operation, application, result).Inc()
	r.operationDuration.WithLabelValues(operation, application).Observe(duration.Seconds())
}

func (r *prometheusRecorder) SetWorkerInstances(application string, count int) {
	r.workerInstances.WithLabelValues(application).Set(float64(count))
}

func (r *prometheusRecorder) ObserveSupervisorCommand(verb, result string) {
	r.supervisorCalls.WithLabelValues(verb, result).Inc()
}

// WriteTextfile writes all metrics in the node_exporter textfile collector format
func (r *prometheusRecorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.NewIOError("failed to create metrics directory", err).WithContext("path", path)
	}
	r.lastRun.SetToCurrentTime()
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return errors.NewIOError("failed to write metrics textfile", err).WithContext("path", path)
	}
	return nil
}

type nullRecorder struct{}

// NewNullRecorder returns a Recorder that discards everything
func NewNullRecorder() Recorder {
	return nullRecorder{}
}

func (nullRecorder) ObserveOperation(operation, application, result string, duration time.Duration) {}
func (nullRecorder) SetWorkerInstances(application string, count int)                               {}
func (nullRecorder) ObserveSupervisorCommand(verb, result string)                                   {}
func (nullRecorder) WriteTextfile(path string) error                                                { return nil }
