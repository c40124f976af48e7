package lifecycle

import (
	"sync"
	"time"
)

// TaskMonitor tracks one scheduled task's health and failures.
type TaskMonitor struct {
	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	staleAfter        time.Duration
}

// NewTaskMonitor creates a monitor that considers the task unhealthy
// when it has not succeeded within staleAfter.
func NewTaskMonitor(staleAfter time.Duration) *TaskMonitor {
	return &TaskMonitor{staleAfter: staleAfter}
}

// RecordSuccess records a successful run.
func (m *TaskMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.lastSuccess = now
	m.lastAttempt = now
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordFailure records a failed run.
func (m *TaskMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = time.Now()
	m.consecutiveErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy is false when the task never succeeded, hasn't succeeded
// recently, or is failing repeatedly.
func (m *TaskMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastSuccess.IsZero() {
		return false
	}
	if m.staleAfter > 0 && time.Since(m.lastSuccess) > m.staleAfter {
		return false
	}
	return m.consecutiveErrors <= 3
}

// ConsecutiveErrors returns the current failure streak.
func (m *TaskMonitor) ConsecutiveErrors() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.consecutiveErrors
}

// TaskStatus is the health-check view of a task.
type TaskStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status snapshots the monitor for health reporting.
func (m *TaskMonitor) Status() TaskStatus {
	healthy := m.IsHealthy()
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := TaskStatus{
		Healthy:           healthy,
		ConsecutiveErrors: m.consecutiveErrors,
		LastError:         m.lastError,
	}
	if !m.lastSuccess.IsZero() {
		st.LastSuccess = m.lastSuccess.Format(time.RFC3339)
	}
	if !m.lastAttempt.IsZero() {
		st.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}
	return st
}
