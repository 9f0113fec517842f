package rdma

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements the Metrics interface on top of a Prometheus
// registry, mirroring each counter into an atomic so Get* stays cheap.
type PrometheusMetrics struct {
	DefaultMetrics

	postedWorkRequests prometheus.Counter
	completions        prometheus.Counter
	completionErrors   prometheus.Counter
	agentRequests      prometheus.Counter
	agentResponses     prometheus.Counter
	bytesWritten       prometheus.Counter
	bytesRead          prometheus.Counter
}

// NewPrometheusMetrics registers the connection counters with reg and returns
// a Metrics implementation feeding them. Pass prometheus.DefaultRegisterer to
// use the process-wide registry.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		postedWorkRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdma_posted_work_requests_total",
			Help: "Work requests posted to the queue pair.",
		}),
		completions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdma_completions_total",
			Help: "Work completions drained from the completion queue.",
		}),
		completionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdma_completion_errors_total",
			Help: "Work completions with a non-success status.",
		}),
		agentRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdma_agent_requests_total",
			Help: "Control agent requests received from the peer.",
		}),
		agentResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdma_agent_responses_total",
			Help: "Control agent responses received from the peer.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdma_bytes_written_total",
			Help: "Bytes moved by SEND and RDMA WRITE operations.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rdma_bytes_read_total",
			Help: "Bytes moved by RECV and RDMA READ operations.",
		}),
	}
	for _, c := range []prometheus.Counter{
		m.postedWorkRequests, m.completions, m.completionErrors,
		m.agentRequests, m.agentResponses, m.bytesWritten, m.bytesRead,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *PrometheusMetrics) IncrementPostedWorkRequests() {
	m.DefaultMetrics.IncrementPostedWorkRequests()
	m.postedWorkRequests.Inc()
}

func (m *PrometheusMetrics) IncrementCompletions() {
	m.DefaultMetrics.IncrementCompletions()
	m.completions.Inc()
}

func (m *PrometheusMetrics) IncrementCompletionErrors() {
	m.DefaultMetrics.IncrementCompletionErrors()
	m.completionErrors.Inc()
}

func (m *PrometheusMetrics) IncrementAgentRequests() {
	m.DefaultMetrics.IncrementAgentRequests()
	m.agentRequests.Inc()
}

func (m *PrometheusMetrics) IncrementAgentResponses() {
	m.DefaultMetrics.IncrementAgentResponses()
	m.agentResponses.Inc()
}

func (m *PrometheusMetrics) IncrementBytesWritten(n int64) {
	m.DefaultMetrics.IncrementBytesWritten(n)
	m.bytesWritten.Add(float64(n))
}

func (m *PrometheusMetrics) IncrementBytesRead(n int64) {
	m.DefaultMetrics.IncrementBytesRead(n)
	m.bytesRead.Add(float64(n))
}
