package mailbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoRunsInLoopOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mb := New(8)
	go mb.Run(ctx)

	var seen []int
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, mb.Do(ctx, func() { seen = append(seen, i) }))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen)
}

func TestCallReturnsValueAndError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mb := New(1)
	go mb.Run(ctx)

	v, err := Call(ctx, mb, func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	boom := errors.New("boom")
	_, err = Call(ctx, mb, func() (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
}

func TestDoAfterStopReturnsErrClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mb := New(1)
	go mb.Run(ctx)
	cancel()
	<-mb.Done()

	err := mb.Do(context.Background(), func() {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, mb.Post(func() {}))
}

func TestPostDoesNotBlockWhenFull(t *testing.T) {
	mb := New(1)
	assert.True(t, mb.Post(func() {}))
	assert.False(t, mb.Post(func() {}))
}

func TestDoHonoursContext(t *testing.T) {
	mb := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Nobody drains the queue: the first Do fills it, the second times out.
	require.True(t, mb.Post(func() {}))
	err := mb.Do(ctx, func() {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
