package ports

import "time"

// MetricsCollector records coordinator metrics
type MetricsCollector interface {
	RecordSessionSubmitted()
	RecordSessionCompleted(status string, duration time.Duration)
	RecordDispatch()
	RecordDispatchFailure()
	RecordQueueWait(duration time.Duration)
	RecordDroppedEvent(topic, reason string)
	SetQueueDepth(depth int)
	SetWorkerCounts(idle, busy int)
	RecordWorkerEvicted()
}

// NopMetrics discards all measurements
type NopMetrics struct{}

func (NopMetrics) RecordSessionSubmitted()                      {}
func (NopMetrics) RecordSessionCompleted(string, time.Duration) {}
func (NopMetrics) RecordDispatch()                              {}
func (NopMetrics) RecordDispatchFailure()                       {}
func (NopMetrics) RecordQueueWait(time.Duration)                {}
func (NopMetrics) RecordDroppedEvent(string, string)            {}
func (NopMetrics) SetQueueDepth(int)                            {}
func (NopMetrics) SetWorkerCounts(int, int)                     {}
func (NopMetrics) RecordWorkerEvicted()                         {}
