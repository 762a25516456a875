package telemetry

import (
	"runtime"
	"time"
)

// BuildMonitor records task, step and reload metrics. It satisfies the task
// registry's observer interface.
type BuildMonitor struct {
	collector *Collector
	startTime time.Time
}

// NewBuildMonitor creates a monitor writing to collector.
func NewBuildMonitor(collector *Collector) *BuildMonitor {
	return &BuildMonitor{collector: collector, startTime: time.Now()}
}

// Collector returns the underlying collector.
func (bm *BuildMonitor) Collector() *Collector { return bm.collector }

// TaskStarted counts the start of a named task.
func (bm *BuildMonitor) TaskStarted(name string) {
	bm.collector.Counter("assetflow_task_started_total", 1, map[string]string{"task": name})
}

// TaskFinished records the duration and outcome of a named task.
func (bm *BuildMonitor) TaskFinished(name string, elapsed time.Duration, err error) {
	labels := map[string]string{"task": name}
	bm.collector.Timer("assetflow_task_duration", elapsed, labels)
	if err != nil {
		bm.collector.Counter("assetflow_task_failed_total", 1, labels)
	} else {
		bm.collector.Counter("assetflow_task_succeeded_total", 1, labels)
	}
}

// RecordStep records the files and bytes a pipeline step produced.
func (bm *BuildMonitor) RecordStep(step string, files int, bytes int64) {
	labels := map[string]string{"step": step}
	bm.collector.Counter("assetflow_step_files_total", float64(files), labels)
	bm.collector.Counter("assetflow_step_bytes_total", float64(bytes), labels)
}

// RecordReload counts live-reload broadcasts.
func (bm *BuildMonitor) RecordReload(kind string, clients int) {
	labels := map[string]string{"kind": kind}
	bm.collector.Counter("assetflow_reload_total", 1, labels)
	bm.collector.Gauge("assetflow_reload_clients", float64(clients), nil)
}

// SampleRuntime records memory, goroutine and uptime gauges.
func (bm *BuildMonitor) SampleRuntime() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	bm.collector.Gauge("assetflow_memory_heap_bytes", float64(m.HeapAlloc), nil)
	bm.collector.Gauge("assetflow_gc_total", float64(m.NumGC), nil)
	bm.collector.Gauge("assetflow_goroutines", float64(runtime.NumGoroutine()), nil)
	bm.collector.Gauge("assetflow_uptime_seconds", time.Since(bm.startTime).Seconds(), nil)
}

// TimerScope measures one duration into a collector.
type TimerScope struct {
	startTime time.Time
	name      string
	labels    map[string]string
	collector *Collector
}

// NewTimerScope starts a timer.
func NewTimerScope(c *Collector, name string, labels map[string]string) *TimerScope {
	return &TimerScope{startTime: time.Now(), name: name, labels: labels, collector: c}
}

// End completes the timer and records the duration
func (ts *TimerScope) End() time.Duration {
	d := time.Since(ts.startTime)
	ts.collector.Timer(ts.name, d, ts.labels)
	return d
}
