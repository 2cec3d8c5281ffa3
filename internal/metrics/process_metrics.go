package metrics

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// SelfCollector reports the daemon's own CPU, memory, thread and file
// descriptor usage. Values are sampled on every scrape.
type SelfCollector struct {
	proc *process.Process

	cpuPercent *prometheus.Desc
	memoryRSS  *prometheus.Desc
	numThreads *prometheus.Desc
	numFDs     *prometheus.Desc
}

// NewSelfCollector builds a collector for the current process.
func NewSelfCollector() (*SelfCollector, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &SelfCollector{
		proc:       p,
		cpuPercent: prometheus.NewDesc("rolewatch_self_cpu_percent", "CPU usage percentage of the rolewatch daemon.", nil, nil),
		memoryRSS:  prometheus.NewDesc("rolewatch_self_memory_rss_bytes", "Resident memory of the rolewatch daemon.", nil, nil),
		numThreads: prometheus.NewDesc("rolewatch_self_threads", "OS threads of the rolewatch daemon.", nil, nil),
		numFDs:     prometheus.NewDesc("rolewatch_self_fds", "Open file descriptors of the rolewatch daemon (Unix only).", nil, nil),
	}, nil
}

func (c *SelfCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cpuPercent
	ch <- c.memoryRSS
	ch <- c.numThreads
	ch <- c.numFDs
}

func (c *SelfCollector) Collect(ch chan<- prometheus.Metric) {
	if v, err := c.proc.CPUPercent(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cpuPercent, prometheus.GaugeValue, v)
	}
	if mi, err := c.proc.MemoryInfo(); err == nil && mi != nil {
		ch <- prometheus.MustNewConstMetric(c.memoryRSS, prometheus.GaugeValue, float64(mi.RSS))
	}
	if n, err := c.proc.NumThreads(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.numThreads, prometheus.GaugeValue, float64(n))
	}
	if n, err := c.proc.NumFDs(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.numFDs, prometheus.GaugeValue, float64(n))
	}
}

// RegisterSelf registers a SelfCollector with r. AlreadyRegistered is not an error.
func RegisterSelf(r prometheus.Registerer) error {
	c, err := NewSelfCollector()
	if err != nil {
		return err
	}
	if err := r.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}
