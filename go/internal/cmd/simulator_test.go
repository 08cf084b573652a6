package main

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lanride/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatorAdvancesPosition(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sim := newSimulator(clock, time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var last models.Metrics
	for i := 0; i < 5; i++ {
		got := make(chan models.Metrics, 1)
		go func() {
			m, err := sim.Next(ctx)
			if err == nil {
				got <- m
			}
		}()
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)

		select {
		case m := <-got:
			assert.Greater(t, m.Position, last.Position)
			assert.GreaterOrEqual(t, m.Power, uint32(80))
			assert.LessOrEqual(t, m.Power, uint32(450))
			last = m
		case <-ctx.Done():
			t.Fatal("no sample")
		}
	}
}

func TestSimulatorStopsOnCancel(t *testing.T) {
	sim := newSimulator(clockwork.NewFakeClock(), time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sim.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSpeedFromPower(t *testing.T) {
	assert.InDelta(t, 8.9, speed(200), 0.1)
	assert.Greater(t, speed(300), speed(200))
}
