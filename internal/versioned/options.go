package versioned

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/savepoint/internal/clock"
	"github.com/dshills/savepoint/internal/history"
	"github.com/dshills/savepoint/internal/metrics"
	"github.com/dshills/savepoint/internal/notify"
)

// DefaultDebounce is the quiet period before an edit burst is saved.
const DefaultDebounce = 3 * time.Second

type options[T any] struct {
	maxHistory int
	equal      func(a, b T) bool
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *metrics.Metrics
	debounce   time.Duration
	versions   []Version[T]
	ctx        context.Context
	eventQueue int
}

func defaultOptions[T any]() options[T] {
	return options[T]{
		maxHistory: history.DefaultMaxHistory,
		equal:      history.DeepEqual[T],
		clock:      clock.Real(),
		debounce:   DefaultDebounce,
		ctx:        context.Background(),
	}
}

func (o *options[T]) historyOptions() []history.Option[T] {
	return []history.Option[T]{
		history.WithMaxHistory[T](o.maxHistory),
		history.WithEqual(o.equal),
		history.WithClock[T](o.clock),
	}
}

func (o *options[T]) notifier() *notify.Notifier[Event[T]] {
	if o.eventQueue > 0 {
		return notify.New(notify.WithAsync[Event[T]](o.eventQueue))
	}
	return notify.New[Event[T]]()
}

// Option configures a Manager or Persistent.
type Option[T any] func(*options[T])

// WithMaxHistory bounds the undo history. Non-positive values are ignored.
func WithMaxHistory[T any](n int) Option[T] {
	return func(o *options[T]) {
		if n > 0 {
			o.maxHistory = n
		}
	}
}

// WithEqual sets the comparison used to suppress no-op edits and to decide
// whether the present matches the last persisted value.
func WithEqual[T any](eq func(a, b T) bool) Option[T] {
	return func(o *options[T]) {
		if eq != nil {
			o.equal = eq
		}
	}
}

// WithClock sets the time source for timestamps and the debounce timer.
func WithClock[T any](c clock.Clock) Option[T] {
	return func(o *options[T]) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger[T any](l *zap.Logger) Option[T] {
	return func(o *options[T]) {
		o.logger = l
	}
}

// WithMetrics records operations into m.
func WithMetrics[T any](m *metrics.Metrics) Option[T] {
	return func(o *options[T]) {
		o.metrics = m
	}
}

// WithDebounce sets the save debounce delay. Negative values are ignored.
// Ignored by Manager.
func WithDebounce[T any](d time.Duration) Option[T] {
	return func(o *options[T]) {
		if d >= 0 {
			o.debounce = d
		}
	}
}

// WithVersions seeds the cached version list. Ignored by Manager.
func WithVersions[T any](versions []Version[T]) Option[T] {
	return func(o *options[T]) {
		o.versions = append([]Version[T](nil), versions...)
	}
}

// WithContext sets the parent context of debounced saves. Close cancels it
// after in-flight work finishes. Ignored by Manager.
func WithContext[T any](ctx context.Context) Option[T] {
	return func(o *options[T]) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// WithAsyncEvents delivers events to subscribers from a separate goroutine
// through a queue of n events, so slow subscribers do not hold up edits or
// saves. Close delivers queued events before returning. Non-positive
// values keep synchronous delivery.
func WithAsyncEvents[T any](n int) Option[T] {
	return func(o *options[T]) {
		o.eventQueue = n
	}
}
