package subscription

import "time"

// Backoff is a bounded exponential resubscribe policy.
type Backoff struct {
	Base     time.Duration
	Factor   float64
	Max      time.Duration
	Attempts int
}

// DefaultBackoff: 250ms, 500ms, 1s, 2s, 4s.
var DefaultBackoff = Backoff{
	Base:     250 * time.Millisecond,
	Factor:   2,
	Max:      5 * time.Second,
	Attempts: 5,
}

// Delay returns the wait before attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
		if b.Max > 0 && time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}
