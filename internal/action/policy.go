package action

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kuitang/connect-e2e/internal/errs"
)

// Backoff selects how the delay between attempts grows.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// ErrInvalidPolicy is returned before any attempt runs when a policy cannot
// be executed.
var ErrInvalidPolicy = errs.New(errs.InvalidArgument, "invalid action policy")

// ParseBackoff parses a backoff name, case-insensitively.
func ParseBackoff(s string) (Backoff, error) {
	switch b := Backoff(strings.ToLower(strings.TrimSpace(s))); b {
	case BackoffFixed, BackoffExponential:
		return b, nil
	default:
		return "", fmt.Errorf("%w: unknown backoff %q", ErrInvalidPolicy, s)
	}
}

// Policy is the retry budget for one action. It is a value; copies never
// share state.
type Policy struct {
	MaxAttempts int
	Timeout     time.Duration // per attempt
	BaseDelay   time.Duration
	Backoff     Backoff
}

// DefaultPolicy is used when no per-kind policy is configured.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Timeout:     5 * time.Second,
	BaseDelay:   time.Second,
	Backoff:     BackoffExponential,
}

// Option overrides one field of a Policy.
type Option func(*Policy)

// Attempts sets MaxAttempts.
func Attempts(n int) Option {
	return func(p *Policy) { p.MaxAttempts = n }
}

// Timeout sets the per-attempt timeout.
func Timeout(d time.Duration) Option {
	return func(p *Policy) { p.Timeout = d }
}

// Delay sets the base delay between attempts.
func Delay(d time.Duration) Option {
	return func(p *Policy) { p.BaseDelay = d }
}

// WithBackoff sets the backoff strategy.
func WithBackoff(b Backoff) Option {
	return func(p *Policy) { p.Backoff = b }
}

// With returns a copy of p with opts applied in order.
func (p Policy) With(opts ...Option) Policy {
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	return p
}

// Validate reports why p cannot run, wrapping ErrInvalidPolicy.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidPolicy, p.MaxAttempts)
	case p.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidPolicy, p.Timeout)
	case p.BaseDelay < 0:
		return fmt.Errorf("%w: base delay must not be negative, got %s", ErrInvalidPolicy, p.BaseDelay)
	case p.Backoff != BackoffFixed && p.Backoff != BackoffExponential:
		return fmt.Errorf("%w: unknown backoff %q", ErrInvalidPolicy, p.Backoff)
	}
	return nil
}

// DelayBefore returns the wait before attempt next (next >= 2). With
// exponential backoff the wait after failed attempt i is BaseDelay*2^(i-1).
func (p Policy) DelayBefore(next int) time.Duration {
	failed := next - 1
	if failed < 1 {
		return 0
	}
	if p.Backoff != BackoffExponential {
		return p.BaseDelay
	}
	shift := failed - 1
	// Saturate instead of overflowing for absurd attempt counts.
	if p.BaseDelay > time.Duration(math.MaxInt64>>shift) {
		return time.Duration(math.MaxInt64)
	}
	return p.BaseDelay << shift
}
