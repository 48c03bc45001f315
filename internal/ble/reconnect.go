package ble

import (
	"log/slog"
	"time"

	"github.com/chaz8081/medbox-link/internal/event"
)

// ReconnectPolicy decides what happens when a ready link drops.
type ReconnectPolicy struct {
	Auto        bool          // reconnect without user action
	MaxAttempts int           // give up after this many failed attempts
	MaxBackoff  time.Duration // cap for the exponential delay
}

// maxBackoffShift keeps 1<<attempt seconds inside time.Duration.
const maxBackoffShift = 30

// backoffDelay returns the reconnection delay for attempt n (0-based),
// doubling from one second and capped at max.
func backoffDelay(attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxBackoffShift {
		attempt = maxBackoffShift
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

// scheduleReconnect arms the next reconnect attempt or gives up once the
// budget is spent. Runs on the session loop.
func (s *Session) scheduleReconnect() {
	policy := s.opts.Reconnect
	if s.attempts >= policy.MaxAttempts {
		addr := s.address()
		slog.Error("[BLE] reconnect failed", "address", addr, "attempts", s.attempts)
		s.status("Reconnect failed after %d attempts", s.attempts)
		s.events.Publish(event.ReconnectFailed{Address: addr, Attempts: s.attempts})
		s.teardown(true)
		return
	}

	delay := backoffDelay(s.attempts, policy.MaxBackoff)
	s.attempts++
	s.gen++
	gen := s.gen
	slog.Info("[BLE] reconnect backoff", "attempt", s.attempts, "delay", delay)
	s.armTimer(delay, func() { s.reconnectNow(gen) })
}

// retryReconnect abandons the current reconnect attempt, whatever stage it
// reached, and counts it against the budget.
func (s *Session) retryReconnect() {
	s.stopTimer()
	s.cancel()
	if s.conn != nil {
		if err := s.conn.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect", "error", err)
		}
		s.conn = nil
	}
	s.cmdChar = nil
	s.setState(StateReconnecting)
	s.scheduleReconnect()
}

func (s *Session) reconnectNow(gen uint64) {
	if gen != s.gen || s.cur != StateReconnecting || s.device == nil {
		return
	}
	s.timer = nil
	slog.Info("[BLE] reconnecting", "address", s.device.Address, "attempt", s.attempts)
	s.connect(gen, s.device.Address)
}
