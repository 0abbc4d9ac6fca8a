package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

func executorGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "execd", Subsystem: "executor", Name: name, Help: help},
		[]string{"name"},
	)
}

var (
	procCPU     = executorGauge("cpu_percent", "CPU percent of the running executor")
	procRSS     = executorGauge("memory_rss_bytes", "Resident memory of the running executor")
	procThreads = executorGauge("threads", "OS threads of the running executor")
	procFDs     = executorGauge("open_fds", "Open file descriptors of the running executor (unix)")
)

func init() {
	prometheus.MustRegister(procCPU, procRSS, procThreads, procFDs)
}

// sampler records one executor process. Read errors skip the gauge for
// that tick.
type sampler struct {
	name string
	p    *process.Process
}

func (s sampler) sample(ctx context.Context) {
	if cpu, err := s.p.CPUPercentWithContext(ctx); err == nil {
		procCPU.WithLabelValues(s.name).Set(cpu)
	}
	if mi, err := s.p.MemoryInfoWithContext(ctx); err == nil && mi != nil {
		procRSS.WithLabelValues(s.name).Set(float64(mi.RSS))
	}
	if n, err := s.p.NumThreadsWithContext(ctx); err == nil {
		procThreads.WithLabelValues(s.name).Set(float64(n))
	}
	if n, err := s.p.NumFDsWithContext(ctx); err == nil {
		procFDs.WithLabelValues(s.name).Set(float64(n))
	}
}

func (s sampler) clear() {
	for _, g := range []*prometheus.GaugeVec{procCPU, procRSS, procThreads, procFDs} {
		g.DeleteLabelValues(s.name)
	}
}

// SampleProcessMetrics samples pid every interval until ctx is done, then
// drops the executor's series so a stopped executor exports nothing.
func SampleProcessMetrics(ctx context.Context, name string, pid int, interval time.Duration) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return
	}
	s := sampler{name: name, p: p}
	defer s.clear()
	if interval <= 0 {
		interval = time.Second
	}
	// CPU percent is relative to the previous call.
	_, _ = p.CPUPercentWithContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}
