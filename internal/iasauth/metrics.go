package iasauth

import "sync"

const (
	metricLoginSuccess    = "auth.login.success"
	metricLoginFailure    = "auth.login.failure"
	metricLogoutSuccess   = "auth.logout.success"
	metricRefreshSuccess  = "token.refresh.success"
	metricRefreshFailure  = "token.refresh.failure"
	metricTokenExpired    = "token.expired"
	metricSessionRejected = "session.rejected"
	metricSessionRenewed  = "session.renewed"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type nopMetrics struct{}

func (nopMetrics) Increment(string) {}

func metricsOrNop(recorder MetricsRecorder) MetricsRecorder {
	if recorder == nil {
		return nopMetrics{}
	}
	return recorder
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}
