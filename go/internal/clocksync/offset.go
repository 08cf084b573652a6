package clocksync

import (
	"time"

	"github.com/google/uuid"
)

// Sample is one completed probe.
type Sample struct {
	Peer   uuid.UUID
	Offset time.Duration
	RTT    time.Duration
	At     time.Time
}

// Compute derives round trip and offset from one probe, assuming the reply
// spent half the round trip in flight. Offset is peer clock minus local clock.
func Compute(sent, peerTime, received time.Time) (rtt, offset time.Duration) {
	rtt = received.Sub(sent)
	offset = peerTime.Sub(sent.Add(rtt / 2))
	return rtt, offset
}

// Estimate is the smoothed view of one peer's clock.
type Estimate struct {
	Peer      uuid.UUID     `json:"peer"`
	Offset    time.Duration `json:"offset"`
	RTT       time.Duration `json:"rtt"`
	Samples   int           `json:"samples"`
	Failures  int           `json:"failures"`
	Degraded  bool          `json:"degraded"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// apply folds s into the estimate with an exponential moving average.
// The first sample initializes the estimate.
func (e *Estimate) apply(s Sample, alpha float64) {
	if e.Samples == 0 {
		e.Offset = s.Offset
		e.RTT = s.RTT
	} else {
		e.Offset = ema(e.Offset, s.Offset, alpha)
		e.RTT = ema(e.RTT, s.RTT, alpha)
	}
	e.Samples++
	e.Failures = 0
	e.Degraded = false
	e.UpdatedAt = s.At
}

// fail records a lost or discarded probe and reports whether the peer just became degraded.
func (e *Estimate) fail(threshold int) bool {
	e.Failures++
	if !e.Degraded && e.Failures >= threshold {
		e.Degraded = true
		return true
	}
	return false
}

func ema(prev, next time.Duration, alpha float64) time.Duration {
	return time.Duration((1-alpha)*float64(prev) + alpha*float64(next))
}
