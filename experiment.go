package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Experiment manages one run's on-disk artifacts under
// exptDir/exptName/runName/: an append-only train_log.txt mirroring stdout,
// a metrics.csv of per-interval measurements, and the checkpoints.
type Experiment struct {
	dir     string
	runName string

	logFile *os.File
	csvFile *os.File
}

// NewExperiment creates (or reopens) the run directory and its log files.
// Reopening appends, so a resumed run continues the same log.
func NewExperiment(exptDir, exptName, runName string) (*Experiment, error) {
	dir := filepath.Join(exptDir, exptName, runName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("experiment: failed to create %s: %w", dir, err)
	}

	logFile, err := os.OpenFile(filepath.Join(dir, "train_log.txt"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("experiment: failed to open log: %w", err)
	}

	csvPath := filepath.Join(dir, "metrics.csv")
	info, statErr := os.Stat(csvPath)
	csvFile, err := os.OpenFile(csvPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("experiment: failed to open metrics: %w", err)
	}
	if statErr != nil || info.Size() == 0 {
		fmt.Fprintln(csvFile, "step,split,loss,accuracy,lr")
	}

	return &Experiment{dir: dir, runName: runName, logFile: logFile, csvFile: csvFile}, nil
}

// Dir returns the run directory.
func (e *Experiment) Dir() string { return e.dir }

// RunName returns the run's name.
func (e *Experiment) RunName() string { return e.runName }

// Logf writes a timestamped line to stdout and the run log.
func (e *Experiment) Logf(format string, args ...interface{}) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))
	fmt.Println(line)
	fmt.Fprintln(e.logFile, line)
}

// LogArgs echoes the run's command line into the log, so every log file
// starts with the exact configuration that produced it.
func (e *Experiment) LogArgs(args []string) {
	e.Logf("run %s: %s", e.runName, strings.Join(args, " "))
}

// LogMetrics appends one measurement row to metrics.csv.
func (e *Experiment) LogMetrics(step int, split string, loss, accuracy, lr float64) {
	fmt.Fprintf(e.csvFile, "%d,%s,%.6f,%.6f,%.8f\n", step, split, loss, accuracy, lr)
}

// CheckpointPath returns the checkpoint file name for a global step.
func (e *Experiment) CheckpointPath(step int) string {
	return filepath.Join(e.dir, fmt.Sprintf("model_%06d.bin", step))
}

// Close flushes and closes the run's files.
func (e *Experiment) Close() error {
	lerr := e.logFile.Close()
	cerr := e.csvFile.Close()
	if lerr != nil {
		return fmt.Errorf("experiment: failed to close log: %w", lerr)
	}
	if cerr != nil {
		return fmt.Errorf("experiment: failed to close metrics: %w", cerr)
	}
	return nil
}

// TrainMetrics exports the live training signal as Prometheus gauges, for
// runs long enough to be worth watching from the outside.
type TrainMetrics struct {
	trainLoss prometheus.Gauge
	trainAcc  prometheus.Gauge
	valLoss   prometheus.Gauge
	valAcc    prometheus.Gauge
	steps     prometheus.Counter
}

// NewTrainMetrics registers the training metrics on a registry.
func NewTrainMetrics(reg prometheus.Registerer) *TrainMetrics {
	factory := promauto.With(reg)
	return &TrainMetrics{
		trainLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "govqa_train_loss",
			Help: "Cross-entropy loss of the most recent training batch.",
		}),
		trainAcc: factory.NewGauge(prometheus.GaugeOpts{
			Name: "govqa_train_accuracy",
			Help: "Accuracy of the most recent training batch.",
		}),
		valLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "govqa_val_loss",
			Help: "Cross-entropy loss of the most recent validation pass.",
		}),
		valAcc: factory.NewGauge(prometheus.GaugeOpts{
			Name: "govqa_val_accuracy",
			Help: "Accuracy of the most recent validation pass.",
		}),
		steps: factory.NewCounter(prometheus.CounterOpts{
			Name: "govqa_steps_total",
			Help: "Total optimization steps taken.",
		}),
	}
}

// ObserveTrainStep records one training step's loss and accuracy.
func (m *TrainMetrics) ObserveTrainStep(loss, accuracy float64) {
	m.trainLoss.Set(loss)
	m.trainAcc.Set(accuracy)
	m.steps.Inc()
}

// ObserveValidation records a validation pass.
func (m *TrainMetrics) ObserveValidation(loss, accuracy float64) {
	m.valLoss.Set(loss)
	m.valAcc.Set(accuracy)
}

// ServeMetrics exposes a Prometheus endpoint at addr/metrics in the
// background. Errors are reported on the returned channel; a training run
// does not stop because its metrics endpoint failed.
func ServeMetrics(addr string, reg *prometheus.Registry) <-chan error {
	errs := make(chan error, 1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	go func() {
		errs <- http.ListenAndServe(addr, mux)
	}()

	return errs
}
