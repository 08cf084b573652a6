package main

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/models"
)

const defaultSampleInterval = 250 * time.Millisecond

// simulator stands in for a trainer and heart rate strap. Power wanders
// around a target, speed follows from power, and position integrates speed.
type simulator struct {
	clock    clockwork.Clock
	interval time.Duration
	rng      *rand.Rand

	power    float64
	position float64
}

func newSimulator(clock clockwork.Clock, interval time.Duration) *simulator {
	return &simulator{
		clock:    clock,
		interval: interval,
		rng:      rand.New(rand.NewPCG(uint64(clock.Now().UnixNano()), 0x1a2b)),
		power:    200,
	}
}

func (s *simulator) Next(ctx context.Context) (models.Metrics, error) {
	select {
	case <-ctx.Done():
		return models.Metrics{}, ctx.Err()
	case <-s.clock.After(s.interval):
	}

	s.power += s.rng.NormFloat64() * 8
	s.power = math.Max(80, math.Min(450, s.power))
	s.position += speed(s.power) * s.interval.Seconds()

	return models.Metrics{
		Power:     uint32(s.power),
		Cadence:   uint32(75 + s.power/20 + s.rng.Float64()*4),
		HeartRate: uint32(95 + s.power/4),
		Position:  s.position,
		SentAt:    s.clock.Now(),
	}, nil
}

// speed is a flat road approximation in meters per second, with aero drag
// dominating: P = k * v^3.
func speed(watts float64) float64 {
	const k = 0.28
	return math.Cbrt(watts / k)
}
