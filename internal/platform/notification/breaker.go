package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

type BreakerConfig struct {
	Name string
	// MaxFailures consecutive delivery errors open the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before letting one
	// trial delivery through.
	OpenTimeout time.Duration
	Logger      zerolog.Logger
}

// BreakerChannel fails fast while the wrapped channel keeps failing, so a
// dead relay does not add its timeout to every booking request.
type BreakerChannel struct {
	inner Channel
	cb    *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerChannel(inner Channel, cfg BreakerConfig) *BreakerChannel {
	if cfg.Name == "" {
		cfg.Name = "notification"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	logger := cfg.Logger

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("notification breaker state changed")
		},
	})
	return &BreakerChannel{inner: inner, cb: cb}
}

// Deliver returns gobreaker.ErrOpenState without calling the wrapped
// channel while the breaker is open.
func (b *BreakerChannel) Deliver(ctx context.Context, n *Notice) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.inner.Deliver(ctx, n)
	})
	return err
}

func (b *BreakerChannel) State() gobreaker.State {
	return b.cb.State()
}
