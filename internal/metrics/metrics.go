package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// States is the full set of controller states; ObserveExecutorState zeroes
// the ones that are not current.
var States = []string{"idle", "installing", "launching", "running", "gracefully-stopping", "forcibly-stopping"}

var (
	once          sync.Once
	executorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "execd",
			Subsystem: "executor",
			Name:      "state",
			Help:      "Executor state gauge (1 for current state).",
		},
		[]string{"name", "state"},
	)
	executorLaunches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execd",
			Subsystem: "executor",
			Name:      "launches_total",
			Help:      "Number of successful launches of the executor.",
		},
		[]string{"name"},
	)
	executorUnexpectedExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execd",
			Subsystem: "executor",
			Name:      "unexpected_exits_total",
			Help:      "Number of times the executor exited without a stop request.",
		},
		[]string{"name"},
	)
	reapFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execd",
			Subsystem: "executor",
			Name:      "reap_failures_total",
			Help:      "Stale instances that could not be terminated.",
		},
		[]string{"name"},
	)
	invalidFiles = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "execd",
			Subsystem: "executor",
			Name:      "invalid_files",
			Help:      "Non-conforming files found by the last integrity check.",
		},
		[]string{"name"},
	)
	downloadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "execd",
			Subsystem: "artifact",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes downloaded for executor archives.",
		},
	)
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(executorState, executorLaunches, executorUnexpectedExits, reapFailures, invalidFiles, downloadedBytes)
	})
}

// ObserveExecutorState sets the gauge for the executor's current state to 1
// and every other state to 0.
func ObserveExecutorState(name, state string) {
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		executorState.WithLabelValues(name, s).Set(v)
	}
}

func IncLaunches(name string)        { executorLaunches.WithLabelValues(name).Inc() }
func IncUnexpectedExits(name string) { executorUnexpectedExits.WithLabelValues(name).Inc() }
func IncReapFailures(name string)    { reapFailures.WithLabelValues(name).Inc() }

func SetInvalidFiles(name string, n int) { invalidFiles.WithLabelValues(name).Set(float64(n)) }

func AddDownloadedBytes(n int) { downloadedBytes.Add(float64(n)) }
