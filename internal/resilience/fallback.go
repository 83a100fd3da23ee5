package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] failed or
// had an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all members failed")

// FallbackConfig configures the circuit breaker created for each member of a
// [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary value and ordered fallbacks of the same type,
// each guarded by its own [CircuitBreaker]. Members are tried in order and
// members with an open breaker are skipped.
//
// Register every fallback before the group is shared; [FallbackGroup.Do] and
// [Do] are then safe for concurrent use.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first member.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a member tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cb := fg.cfg.CircuitBreaker
	cb.Name = name
	fg.members = append(fg.members, member[T]{name: name, value: value, breaker: NewCircuitBreaker(cb)})
}

// Names returns the member names in trial order.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, len(fg.members))
	for i, m := range fg.members {
		out[i] = m.name
	}
	return out
}

// Primary returns the first member.
func (fg *FallbackGroup[T]) Primary() T {
	return fg.members[0].value
}

// Do calls fn with each member in order until one succeeds.
func (fg *FallbackGroup[T]) Do(fn func(T) error) error {
	_, err := Do(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// Do calls fn with each member of fg in order until one succeeds and returns
// its result. The error after exhausting the group wraps both
// [ErrAllFailed] and the last member's error, so callers can still classify
// it with errors.Is.
func Do[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.members {
		m := &fg.members[i]
		result, err := Call(m.breaker, func() (R, error) { return fn(m.value) })
		if err == nil {
			if i > 0 {
				slog.Info("resilience: served by fallback", "member", m.name)
			}
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping member, circuit open", "member", m.name)
			continue
		}
		slog.Warn("resilience: member failed, trying next", "member", m.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
