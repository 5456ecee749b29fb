package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const AVG_COUNT uint8 = 30

const metricsNamespace = "anima"
const metricsSubsystem = "resources"

// ResourceMetrics exports resource system activity as prometheus collectors.
// All methods are no-ops on a nil receiver so metrics stay optional.
type ResourceMetrics struct {
	LoadsStarted  *prometheus.CounterVec
	LoadsFinished *prometheus.CounterVec
	Evictions     *prometheus.CounterVec
	QueueLength   prometheus.Gauge
	InFlight      *prometheus.GaugeVec
	MemoryUsage   *prometheus.GaugeVec
	TickTime      prometheus.Gauge

	mu             sync.Mutex
	tickAVGCounter uint8
	tickTimes      [AVG_COUNT]float64
	tickAverageMS  float64
}

func NewResourceMetrics(reg prometheus.Registerer) (*ResourceMetrics, error) {
	m := &ResourceMetrics{
		LoadsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "loads_started_total",
			Help:      "Number of data-load tasks dispatched, by resource type.",
		}, []string{"type"}),
		LoadsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "loads_finished_total",
			Help:      "Number of completed load pipelines, by resource type and result.",
		}, []string{"type", "result"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "evictions_total",
			Help:      "Number of resources destroyed by the unused-resource sweep.",
		}, []string{"type"}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "loading_queue_length",
			Help:      "Entries waiting in the loading queue.",
		}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tasks_in_flight",
			Help:      "Load tasks currently running, by pool.",
		}, []string{"pool"}),
		MemoryUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "memory_bytes",
			Help:      "Memory reported by loaded resources, by type and kind (cpu, gpu).",
		}, []string{"type", "kind"}),
		TickTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tick_average_ms",
			Help:      "Rolling average duration of the resource system tick.",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.LoadsStarted, m.LoadsFinished, m.Evictions, m.QueueLength, m.InFlight, m.MemoryUsage, m.TickTime,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering resource metrics: %w", err)
		}
	}
	return m, nil
}

func (m *ResourceMetrics) LoadStarted(typeName string) {
	if m == nil {
		return
	}
	m.LoadsStarted.WithLabelValues(typeName).Inc()
}

func (m *ResourceMetrics) LoadFinished(typeName string, missing bool) {
	if m == nil {
		return
	}
	result := "loaded"
	if missing {
		result = "missing"
	}
	m.LoadsFinished.WithLabelValues(typeName, result).Inc()
}

func (m *ResourceMetrics) Evicted(typeName string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(typeName).Inc()
}

func (m *ResourceMetrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

func (m *ResourceMetrics) SetInFlight(pool string, n int) {
	if m == nil {
		return
	}
	m.InFlight.WithLabelValues(pool).Set(float64(n))
}

func (m *ResourceMetrics) SetMemoryUsage(typeName string, cpu, gpu uint64) {
	if m == nil {
		return
	}
	m.MemoryUsage.WithLabelValues(typeName, "cpu").Set(float64(cpu))
	m.MemoryUsage.WithLabelValues(typeName, "gpu").Set(float64(gpu))
}

// TickUpdate feeds one tick duration into the rolling average.
func (m *ResourceMetrics) TickUpdate(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tickTimes[m.tickAVGCounter] = float64(elapsed) / float64(time.Millisecond)
	if m.tickAVGCounter == AVG_COUNT-1 {
		sum := 0.0
		for i := uint8(0); i < AVG_COUNT; i++ {
			sum += m.tickTimes[i]
		}
		m.tickAverageMS = sum / float64(AVG_COUNT)
		m.TickTime.Set(m.tickAverageMS)
	}
	m.tickAVGCounter++
	m.tickAVGCounter %= AVG_COUNT
}

func (m *ResourceMetrics) TickAverage() float64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickAverageMS
}
