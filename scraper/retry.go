package scraper

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
)

// RetryPolicy describes how long to wait between attempts, in multiples of Unit.
type RetryPolicy struct {
	Name            string
	Unit            time.Duration
	InitialWait     float64
	MaxWait         float64
	MaxAttempts     int // 0 means no ceiling
	StatusFactor    float64
	TransportFactor float64
	RetryMalformed  bool // false hands undecodable payloads back to the caller
}

// BoundedPolicy is the live-crawl policy: 1 unit, doubling after a bad status and growing
// by half after a transport failure, capped at RetryMaxWait, MaxAttempts tries.
func BoundedPolicy(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		Name:            "bounded",
		Unit:            cfg.RetryUnit,
		InitialWait:     1,
		MaxWait:         cfg.RetryMaxWait,
		MaxAttempts:     cfg.MaxAttempts,
		StatusFactor:    2,
		TransportFactor: 1.5,
		RetryMalformed:  true,
	}
}

// UnboundedPolicy is the sweep policy: gentle growth, capped at SweepMaxWait, never gives up on
// status or transport failures. An undecodable payload is handed back so the sweep can queue it
// for the next round.
func UnboundedPolicy(cfg *config.Config) RetryPolicy {
	return RetryPolicy{
		Name:            "unbounded",
		Unit:            cfg.RetryUnit,
		InitialWait:     1,
		MaxWait:         cfg.SweepMaxWait,
		MaxAttempts:     0,
		StatusFactor:    1.2,
		TransportFactor: 1.1,
	}
}

// Bounded reports whether the policy has an attempt ceiling.
func (p RetryPolicy) Bounded() bool {
	return p.MaxAttempts > 0
}

// Next returns the wait that follows current after a failure of the given kind.
func (p RetryPolicy) Next(current float64, err error) float64 {
	factor := p.TransportFactor
	if isStatusFailure(err) {
		factor = p.StatusFactor
	}
	next := current * factor
	if p.MaxWait > 0 && next > p.MaxWait {
		next = p.MaxWait
	}
	return next
}

// Duration converts a wait expressed in units to a time.Duration.
func (p RetryPolicy) Duration(units float64) time.Duration {
	unit := p.Unit
	if unit <= 0 {
		unit = time.Second
	}
	d := float64(unit) * units
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func isStatusFailure(err error) bool {
	var rateLimited ErrRateLimited
	var server ErrServer
	var status ErrUnexpectedStatus
	var malformed ErrMalformedPayload
	return errors.As(err, &rateLimited) ||
		errors.As(err, &server) ||
		errors.As(err, &status) ||
		errors.As(err, &malformed)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
