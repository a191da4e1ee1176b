package cart

import (
	"time"

	"github.com/cenkalti/backoff/v5"

	"gomarketplace/pkg/logger"
	"gomarketplace/pkg/metrics"
)

// Option configures a Store.
type Option func(*options)

type options struct {
	key        string
	log        *logger.Logger
	metrics    *metrics.CartMetrics
	attempts   uint
	newBackOff func() backoff.BackOff
}

func defaultOptions() options {
	return options{
		key:      DefaultKey,
		log:      logger.NewNop(),
		attempts: 5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

// WithKey sets the storage key the snapshot is written under.
func WithKey(key string) Option {
	return func(o *options) {
		if key != "" {
			o.key = key
		}
	}
}

func WithLogger(log *logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

func WithMetrics(m *metrics.CartMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRetryAttempts bounds how many times one snapshot write is tried.
func WithRetryAttempts(n uint) Option {
	return func(o *options) {
		if n > 0 {
			o.attempts = n
		}
	}
}

// WithBackOff replaces the delay policy between write attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(o *options) {
		if fn != nil {
			o.newBackOff = fn
		}
	}
}
