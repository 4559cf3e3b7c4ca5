// Package alert pushes operator notifications for events that need a human:
// deadlettered commands, blocked accounts, risk switches flipping. Delivery
// is fire-and-forget with retries; the durable record stays in the outbox.
package alert

import (
	"context"
	"sync"
	"time"

	"oms/internal/core"
	"oms/pkg/retry"
)

// Level grades a notification.
type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one notification.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers a notification to one destination.
type Channel interface {
	Send(ctx context.Context, p Payload) error
	Name() string
}

// Manager fans one notification out to every configured channel.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
}

// NewManager creates an empty manager.
func NewManager(logger core.ILogger) *Manager {
	return &Manager{logger: logger.WithField("component", "alert_manager")}
}

// AddChannel registers a delivery channel.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// ChannelCount returns the number of registered channels.
func (m *Manager) ChannelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.channels)
}

// Alert sends asynchronously so delivery never blocks the pipeline. Webhook
// hiccups are retried with backoff; a final failure is only logged.
func (m *Manager) Alert(ctx context.Context, title, message string, level Level, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			err := retry.Do(sendCtx, retry.DefaultPolicy, func(error) bool { return true }, func() error {
				return c.Send(sendCtx, payload)
			})
			if err != nil {
				m.logger.Error("Failed to deliver alert", "channel", c.Name(),
					"title", title, "error", err)
			}
		}(ch)
	}
}
