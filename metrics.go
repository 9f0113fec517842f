package rdma

import "sync/atomic"

// Metrics is an interface for tracking connection statistics.
// The connection runtime calls Increment* and collectors read via Get*.
type Metrics interface {
	IncrementPostedWorkRequests()
	IncrementCompletions()
	IncrementCompletionErrors()
	IncrementAgentRequests()
	IncrementAgentResponses()
	IncrementBytesWritten(n int64)
	IncrementBytesRead(n int64)

	GetPostedWorkRequestCount() int64
	GetCompletionCount() int64
	GetCompletionErrorCount() int64
	GetAgentRequestCount() int64
	GetAgentResponseCount() int64
	GetBytesWritten() int64
	GetBytesRead() int64
}

// DefaultMetrics implements the Metrics interface with atomic counters.
type DefaultMetrics struct {
	postedWorkRequests int64
	completions        int64
	completionErrors   int64
	agentRequests      int64
	agentResponses     int64
	bytesWritten       int64
	bytesRead          int64
}

// NewDefaultMetrics creates a new DefaultMetrics instance.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementPostedWorkRequests() { atomic.AddInt64(&m.postedWorkRequests, 1) }
func (m *DefaultMetrics) IncrementCompletions()        { atomic.AddInt64(&m.completions, 1) }
func (m *DefaultMetrics) IncrementCompletionErrors()   { atomic.AddInt64(&m.completionErrors, 1) }
func (m *DefaultMetrics) IncrementAgentRequests()      { atomic.AddInt64(&m.agentRequests, 1) }
func (m *DefaultMetrics) IncrementAgentResponses()     { atomic.AddInt64(&m.agentResponses, 1) }
func (m *DefaultMetrics) IncrementBytesWritten(n int64) { atomic.AddInt64(&m.bytesWritten, n) }
func (m *DefaultMetrics) IncrementBytesRead(n int64)    { atomic.AddInt64(&m.bytesRead, n) }

func (m *DefaultMetrics) GetPostedWorkRequestCount() int64 {
	return atomic.LoadInt64(&m.postedWorkRequests)
}
func (m *DefaultMetrics) GetCompletionCount() int64 {
	return atomic.LoadInt64(&m.completions)
}
func (m *DefaultMetrics) GetCompletionErrorCount() int64 {
	return atomic.LoadInt64(&m.completionErrors)
}
func (m *DefaultMetrics) GetAgentRequestCount() int64 {
	return atomic.LoadInt64(&m.agentRequests)
}
func (m *DefaultMetrics) GetAgentResponseCount() int64 {
	return atomic.LoadInt64(&m.agentResponses)
}
func (m *DefaultMetrics) GetBytesWritten() int64 { return atomic.LoadInt64(&m.bytesWritten) }
func (m *DefaultMetrics) GetBytesRead() int64    { return atomic.LoadInt64(&m.bytesRead) }
