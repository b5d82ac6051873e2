package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes Prometheus instrumentation for queue execution. All
// methods are nil-safe so callers can run without metrics wired up.
type Collector struct {
	queuesActive prometheus.Gauge
	tasksActive  prometheus.Gauge
	dispatches   *prometheus.CounterVec
	failures     *prometheus.CounterVec
	retries      prometheus.Counter
	taskDuration *prometheus.HistogramVec
}

// MustNewCollector builds a Collector and registers it with reg. Registration
// errors other than AlreadyRegisteredError panic, mirroring promauto. When a
// collector is already registered the existing instance is reused, so a
// shared registry can back several Collector values.
func MustNewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	queuesActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentq",
		Subsystem: "scheduler",
		Name:      "queues_active",
		Help:      "Number of queues currently being executed.",
	})
	tasksActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentq",
		Subsystem: "scheduler",
		Name:      "tasks_active",
		Help:      "Number of task invocations currently in flight.",
	})
	dispatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentq",
		Subsystem: "scheduler",
		Name:      "task_dispatches_total",
		Help:      "Total task dispatches, including retry attempts.",
	}, []string{"agent"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentq",
		Subsystem: "scheduler",
		Name:      "task_failures_total",
		Help:      "Total task attempts that ended in an error, by error type.",
	}, []string{"type"})
	retries := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentq",
		Subsystem: "scheduler",
		Name:      "task_retries_total",
		Help:      "Number of task attempts that were scheduled for retry.",
	})
	taskDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentq",
		Subsystem: "scheduler",
		Name:      "task_duration_seconds",
		Help:      "Wall-clock duration of task invocations by outcome.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"outcome"})

	collectors := []prometheus.Collector{queuesActive, tasksActive, dispatches, failures, retries, taskDuration}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch collector {
			case queuesActive:
				queuesActive = already.ExistingCollector.(prometheus.Gauge)
			case tasksActive:
				tasksActive = already.ExistingCollector.(prometheus.Gauge)
			case dispatches:
				dispatches = already.ExistingCollector.(*prometheus.CounterVec)
			case failures:
				failures = already.ExistingCollector.(*prometheus.CounterVec)
			case retries:
				retries = already.ExistingCollector.(prometheus.Counter)
			case taskDuration:
				taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
			}
		}
	}

	return &Collector{
		queuesActive: queuesActive,
		tasksActive:  tasksActive,
		dispatches:   dispatches,
		failures:     failures,
		retries:      retries,
		taskDuration: taskDuration,
	}
}

// QueueStarted marks one more queue as executing.
func (c *Collector) QueueStarted() {
	if c == nil || c.queuesActive == nil {
		return
	}
	c.queuesActive.Inc()
}

// QueueFinished marks a queue execution as done, whatever the outcome.
func (c *Collector) QueueFinished() {
	if c == nil || c.queuesActive == nil {
		return
	}
	c.queuesActive.Dec()
}

// TaskDispatched records a task invocation being handed to an agent.
func (c *Collector) TaskDispatched(agentID string) {
	if c == nil || c.dispatches == nil {
		return
	}
	c.dispatches.WithLabelValues(agentID).Inc()
	c.tasksActive.Inc()
}

// TaskCompleted records a successful invocation and its duration.
func (c *Collector) TaskCompleted(duration time.Duration) {
	if c == nil || c.taskDuration == nil {
		return
	}
	c.tasksActive.Dec()
	c.taskDuration.WithLabelValues("completed").Observe(duration.Seconds())
}

// TaskFailed records a failed invocation with the error type as label.
func (c *Collector) TaskFailed(errType string, duration time.Duration) {
	if c == nil || c.failures == nil {
		return
	}
	c.tasksActive.Dec()
	c.failures.WithLabelValues(errType).Inc()
	c.taskDuration.WithLabelValues("failed").Observe(duration.Seconds())
}

// TaskRetried records an attempt that was rescheduled after a retryable error.
func (c *Collector) TaskRetried() {
	if c == nil || c.retries == nil {
		return
	}
	c.retries.Inc()
}
