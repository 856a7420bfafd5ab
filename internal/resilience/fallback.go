package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed means no entry of a [FallbackGroup] succeeded.
var ErrAllFailed = errors.New("all fallbacks failed")

// FallbackConfig configures the breaker created for each entry of a
// [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable values, each behind its
// own [CircuitBreaker]. Add every entry before sharing the group.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		names[i] = e.name
	}
	return names
}

// Execute is [ExecuteWithResult] for calls without a result.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult calls fn with each entry in turn, through that entry's
// breaker, and returns the first success. When none succeeds the error wraps
// [ErrAllFailed] and every entry's failure, each prefixed with its name.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	errs := []error{ErrAllFailed}
	for i, e := range fg.entries {
		var out R
		err := e.breaker.Execute(func() (err error) {
			out, err = fn(e.value)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				slog.Info("using fallback", "entry", e.name, "skipped", i)
			}
			return out, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("fallback entry skipped", "entry", e.name, "reason", "circuit open")
		default:
			slog.Warn("fallback entry failed", "entry", e.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	var zero R
	return zero, errors.Join(errs...)
}
