package eip

import "time"

// ReconnectPolicy controls automatic recovery from Faulted.
//
// Multiplier > 1 gives exponential backoff capped at MaxDelay; otherwise the
// delay stays at InitialDelay. MaxRetries of 0 retries forever.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	Disabled     bool
}

// DefaultReconnectPolicy retries forever, doubling from 1s up to 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

func (p ReconnectPolicy) first() time.Duration {
	if p.InitialDelay <= 0 {
		return time.Second
	}
	return p.InitialDelay
}

func (p ReconnectPolicy) next(d time.Duration) time.Duration {
	if p.Multiplier <= 1 {
		return d
	}
	n := time.Duration(float64(d) * p.Multiplier)
	if p.MaxDelay > 0 && n > p.MaxDelay {
		n = p.MaxDelay
	}
	return n
}

// Backoff returns the delay after d: the initial delay when d is zero, the
// next step of the policy otherwise.
func (p ReconnectPolicy) Backoff(d time.Duration) time.Duration {
	if d <= 0 {
		return p.first()
	}
	return p.next(d)
}

// exhausted reports whether attempt (1-based) is past the retry budget.
func (p ReconnectPolicy) exhausted(attempt int) bool {
	return p.MaxRetries > 0 && attempt > p.MaxRetries
}
