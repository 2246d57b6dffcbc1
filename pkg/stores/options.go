package stores

import (
	"time"

	"github.com/rs/zerolog"
)

// Option configures a store.
type Option func(*options)

type options struct {
	logger zerolog.Logger
	now    func() time.Time
}

func newOptions(opts []Option) options {
	o := options{
		logger: zerolog.Nop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the logger used by the store.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger.With().Str("component", "stores").Logger()
	}
}

// WithClock overrides the clock used for row timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
