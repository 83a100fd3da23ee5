package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries     = 3
	defaultRetryDelay     = 1 * time.Second
	defaultAttemptTimeout = 30 * time.Second
)

// RetryPolicy bounds automatic reconnection after an unexpected close. The
// delay grows linearly: Delay, 2×Delay, 3×Delay, and so on.
type RetryPolicy struct {
	// MaxRetries is the maximum number of reconnect attempts before giving up.
	// Negative values disable reconnection. Defaults to 3 if zero.
	MaxRetries int

	// Delay is the base delay multiplied by the attempt number. Defaults to
	// 1s if zero.
	Delay time.Duration

	// AttemptTimeout bounds one reconnect attempt, dial included. Defaults
	// to 30s if zero.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns three attempts at 1s, 2s and 3s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: defaultMaxRetries, Delay: defaultRetryDelay, AttemptTimeout: defaultAttemptTimeout}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = defaultMaxRetries
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Delay <= 0 {
		p.Delay = defaultRetryDelay
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = defaultAttemptTimeout
	}
	return p
}

// Next returns the delay before the given 1-based attempt, or false when the
// attempt would exceed MaxRetries.
func (p RetryPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxRetries {
		return 0, false
	}
	return p.Delay * time.Duration(attempt), true
}

// scheduleReconnect arms the timer for the attempt following retryCount, or
// gives up and resolves to DISCONNECTED when the policy is exhausted. gen
// identifies the lost session; any Connect or Disconnect in between bumps the
// generation and makes this a no-op.
func (m *Manager) scheduleReconnect(gen uint64, personaID string, retryCount int) {
	attempt := retryCount + 1
	delay, ok := m.cfg.Retry.Next(attempt)
	if !ok {
		m.mu.Lock()
		current := m.gen == gen
		if current {
			m.state = StateDisconnected
			m.retryCount = 0
		}
		m.mu.Unlock()
		if !current {
			return
		}
		slog.Error("session: reconnection failed after max retries",
			"persona", personaID,
			"attempt", retryCount,
			"max_retries", m.cfg.Retry.MaxRetries,
		)
		m.listener.OnStatusUpdate(fmt.Sprintf("connection lost after %d attempts", retryCount))
		return
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.state = StateReconnecting
	m.retryCount = attempt
	m.retryTimer = time.AfterFunc(delay, func() { m.reconnect(gen, personaID, attempt) })
	m.mu.Unlock()

	m.metrics.ReconnectAttempts.Add(context.Background(), 1)
	slog.Info("session: reconnect scheduled",
		"persona", personaID,
		"attempt", attempt,
		"max_retries", m.cfg.Retry.MaxRetries,
		"delay", delay,
	)
	m.listener.OnStatusUpdate(fmt.Sprintf("reconnecting… (attempt %d/%d)", attempt, m.cfg.Retry.MaxRetries))
}

// reconnect runs one scheduled attempt. Disconnect cancels the attempt's
// context, which aborts a dial that has not completed yet.
func (m *Manager) reconnect(gen uint64, personaID string, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Retry.AttemptTimeout)
	defer cancel()

	m.mu.Lock()
	if m.gen != gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.attemptCancel = cancel
	m.state = StateConnecting
	m.mu.Unlock()

	slog.Info("session: attempting reconnection", "persona", personaID, "attempt", attempt, "max_retries", m.cfg.Retry.MaxRetries)

	err := m.open(ctx, gen, personaID, attempt)

	m.mu.Lock()
	if m.gen == gen {
		m.attemptCancel = nil
	}
	m.mu.Unlock()
	switch {
	case err == nil:
		slog.Info("session: reconnection successful", "persona", personaID, "attempt", attempt)
	case IsFatal(err):
		m.settleFailed(gen, err)
	case m.stillCurrent(gen, StateConnecting):
		m.mu.Lock()
		if m.gen == gen {
			m.state = StateReconnecting
		}
		m.mu.Unlock()
		m.scheduleReconnect(gen, personaID, attempt)
	}
}
