package transport

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines how often and how patiently a slave is dialled.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig returns sensible retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    2,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// delay calculates exponential backoff delay with jitter
func (rc RetryConfig) delay(attempt int) time.Duration {
	d := float64(rc.InitialDelay) * math.Pow(rc.BackoffFactor, float64(attempt))

	// Apply jitter (±25%)
	jitter := d * 0.25 * (2*rand.Float64() - 1)
	d += jitter

	if d > float64(rc.MaxDelay) {
		d = float64(rc.MaxDelay)
	}
	return time.Duration(d)
}

// Dialer opens connections to slaves.
type Dialer struct {
	Timeout time.Duration
	Retry   RetryConfig
	TLS     *TLSOptions // nil dials plain TCP
}

// Dial connects to addr, retrying with backoff until the retries are
// spent or ctx is done.
func (d *Dialer) Dial(ctx context.Context, addr string) (*Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	var lastErr error
	for attempt := 0; attempt <= d.Retry.MaxRetries; attempt++ {
		c, err := nd.DialContext(ctx, "tcp", addr)
		if err == nil {
			if d.TLS != nil {
				c, err = d.TLS.client(ctx, c, addr)
			}
			if err == nil {
				return NewConn(c), nil
			}
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < d.Retry.MaxRetries {
			wait := d.Retry.delay(attempt)
			log.Debug().
				Err(err).
				Str("addr", addr).
				Int("attempt", attempt+1).
				Int("max_retries", d.Retry.MaxRetries).
				Dur("delay", wait).
				Msg("dial failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return nil, fmt.Errorf("dial %s: %w", addr, lastErr)
}
