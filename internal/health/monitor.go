// Package health provides reconnect scheduling and traffic counters for the
// bridge.
package health

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Status is a snapshot of the monitor's counters.
type Status struct {
	UptimeSeconds    int64     `json:"uptime_seconds"`
	LastMessage      time.Time `json:"last_message"`
	ReconnectCount   int       `json:"reconnect_count"`
	MessagesReceived int64     `json:"messages_received"`
	MessagesSent     int64     `json:"messages_sent"`
}

// Monitor schedules session reconnects and counts relayed messages. Reconnects
// use a constant delay: dropping the connection to the group network is
// expected to be transient and retried indefinitely at the same interval.
type Monitor struct {
	log     *slog.Logger
	backoff *backoff.ConstantBackOff

	startTime        time.Time
	lastMessage      time.Time
	reconnectCount   int
	messagesReceived atomic.Int64
	messagesSent     atomic.Int64

	mu      sync.Mutex
	pending *time.Timer
}

// NewMonitor creates a monitor with the given fixed reconnect delay.
func NewMonitor(reconnectDelay time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		log:       logger.With("component", "health"),
		backoff:   backoff.NewConstantBackOff(reconnectDelay),
		startTime: time.Now(),
	}
}

// ScheduleReconnect arms the reconnect timer. A pending attempt is replaced,
// never stacked, so repeated disconnect events cannot queue duplicate
// reconnects.
func (m *Monitor) ScheduleReconnect(callback func()) {
	delay := m.backoff.NextBackOff()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != nil {
		m.pending.Stop()
	}
	m.log.Info("scheduling reconnect", "delay", delay)
	m.pending = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.pending = nil
		m.reconnectCount++
		m.mu.Unlock()
		callback()
	})
}

// CancelReconnect clears any pending reconnect attempt. Called on explicit
// reset so teardown and the timer cannot race.
func (m *Monitor) CancelReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		m.pending.Stop()
		m.pending = nil
		m.log.Info("pending reconnect cancelled")
	}
}

// RecordMessageReceived counts an inbound message.
func (m *Monitor) RecordMessageReceived() {
	m.messagesReceived.Add(1)
	m.mu.Lock()
	m.lastMessage = time.Now()
	m.mu.Unlock()
}

// RecordMessageSent counts an outbound message.
func (m *Monitor) RecordMessageSent() {
	m.messagesSent.Add(1)
}

// GetStatus returns the current counters.
func (m *Monitor) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		LastMessage:      m.lastMessage,
		ReconnectCount:   m.reconnectCount,
		MessagesReceived: m.messagesReceived.Load(),
		MessagesSent:     m.messagesSent.Load(),
	}
}
