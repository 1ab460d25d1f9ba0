package signal

import (
	"context"
	"time"

	"sanctuary/rtc/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReconnectBackoff = 500 * time.Millisecond
	MaxReconnectBackoff     = 10 * time.Second

	connectTimeout = 10 * time.Second
)

// Reconnect calls t.Connect until it succeeds or ctx ends. The delay between
// attempts starts near first and grows up to MaxReconnectBackoff.
func Reconnect(ctx context.Context, t domain.Transport, first time.Duration) error {
	if first <= 0 {
		first = DefaultReconnectBackoff
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = first
	b.Multiplier = 2
	b.MaxInterval = MaxReconnectBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	connect := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		return t.Connect(actx)
	}
	notify := func(err error, next time.Duration) {
		log.Warn().Str("module", "signal").Int("attempt", attempt).Dur("retry_in", next).Err(err).Msg("resubscribe failed")
	}
	return backoff.RetryNotify(connect, backoff.WithContext(b, ctx), notify)
}
