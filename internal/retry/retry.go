// Package retry computes the reconnection delay schedule for tunnels.
//
// The Policy is a pure value: NextDelay and ShouldRetry read no clock and
// roll no dice, so the schedule they produce is fully deterministic and
// trivial to property-test.
package retry

import (
	"time"

	"github.com/sshchannelshub/ssh-channels-hub/internal/model"
)

// Policy wraps a model.ReconnectPolicy with the next_delay/should_retry
// operations from spec §4.1.
type Policy struct {
	cfg model.ReconnectPolicy
}

// New returns a Policy for the given configuration.
func New(cfg model.ReconnectPolicy) Policy {
	return Policy{cfg: cfg}
}

// NextDelay returns the delay to wait before attempt k (k starts at 1).
//
// If Exponential, the delay is min(InitialDelay*2^(k-1), MaxDelay). If not,
// it is the constant InitialDelay. Never negative.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := p.cfg.InitialDelay
	if initial < 0 {
		initial = 0
	}
	if !p.cfg.Exponential {
		return initial
	}

	max := p.cfg.MaxDelay
	if max < initial {
		max = initial
	}

	delay := initial
	for i := 1; i < attempt && delay < max; i++ {
		next := delay * 2
		if next < delay { // overflow guard
			delay = max
			break
		}
		delay = next
	}
	if delay > max {
		delay = max
	}
	return delay
}

// ShouldRetry reports whether attempt k is still allowed by MaxAttempts.
// MaxAttempts == 0 means unbounded retries.
func (p Policy) ShouldRetry(attempt int) bool {
	if p.cfg.MaxAttempts <= 0 {
		return true
	}
	return attempt <= p.cfg.MaxAttempts
}
