package roster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Policy bounds retries of a roster write.
type Policy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

var DefaultPolicy = Policy{Attempts: 3, Backoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}

// terminal errors are answers, not failures, and are never retried.
func terminal(err error) bool {
	return errors.Is(err, domain.ErrSessionFull) ||
		errors.Is(err, domain.ErrSessionNotFound) ||
		errors.Is(err, domain.ErrSessionNotActive) ||
		errors.Is(err, domain.ErrNotJoined) ||
		errors.Is(err, ErrInvalidSession) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Retry runs fn until it succeeds, fails terminally, or p.Attempts runs out.
// Exhausted retries return an error wrapping domain.ErrRosterWrite and the
// last failure.
func Retry(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Backoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.MaxElapsedTime = 0

	attempt := 0
	write := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && terminal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		metrics.RosterWriteRetriesTotal.WithLabelValues(op).Inc()
		log.Warn().Str("module", "roster").Str("op", op).Int("attempt", attempt).Dur("retry_in", next).Err(err).Msg("roster write failed")
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	err := backoff.RetryNotify(write, policy, notify)
	if err == nil || terminal(err) {
		return err
	}
	log.Warn().Str("module", "roster").Str("op", op).Int("attempt", attempt).Err(err).Msg("roster write failed")
	metrics.RosterWriteFailuresTotal.WithLabelValues(op).Inc()
	return fmt.Errorf("%w: %s: %w", domain.ErrRosterWrite, op, err)
}
