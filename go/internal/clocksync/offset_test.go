package clocksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeSymmetricDelay(t *testing.T) {
	base := time.Unix(1700000000, 0)
	skew := 5 * time.Second
	oneWay := 10 * time.Millisecond

	sent := base
	peerTime := base.Add(oneWay).Add(skew)
	received := base.Add(2 * oneWay)

	rtt, offset := Compute(sent, peerTime, received)
	assert.Equal(t, 2*oneWay, rtt)
	assert.Equal(t, skew, offset)
}

func TestComputeAsymmetricDelayErrorIsHalfTheDifference(t *testing.T) {
	base := time.Unix(1700000000, 0)
	skew := -750 * time.Millisecond
	out, back := 10*time.Millisecond, 30*time.Millisecond

	rtt, offset := Compute(base, base.Add(out).Add(skew), base.Add(out+back))
	assert.Equal(t, out+back, rtt)
	assert.Equal(t, skew+(out-back)/2, offset)
}

func TestEstimateEMA(t *testing.T) {
	var e Estimate
	e.apply(Sample{Offset: 100 * time.Millisecond, RTT: 8 * time.Millisecond}, 0.25)
	assert.Equal(t, 100*time.Millisecond, e.Offset, "first sample initializes")
	assert.Equal(t, 8*time.Millisecond, e.RTT)

	e.apply(Sample{Offset: 200 * time.Millisecond, RTT: 4 * time.Millisecond}, 0.25)
	assert.Equal(t, 125*time.Millisecond, e.Offset)
	assert.Equal(t, 7*time.Millisecond, e.RTT)
	assert.Equal(t, 2, e.Samples)
}

func TestEstimateDegradedOnce(t *testing.T) {
	var e Estimate
	assert.False(t, e.fail(3))
	assert.False(t, e.fail(3))
	assert.True(t, e.fail(3))
	assert.False(t, e.fail(3))
	assert.True(t, e.Degraded)

	e.apply(Sample{Offset: time.Millisecond}, 0.25)
	assert.False(t, e.Degraded)
	assert.Zero(t, e.Failures)
}
