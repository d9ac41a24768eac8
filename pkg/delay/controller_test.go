package delay_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/delay"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newController(t *testing.T, d, minimum time.Duration) *delay.Controller {
	t.Helper()
	c, err := delay.NewController(delay.Config{Delay: d, MinimumDuration: minimum}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestController_FastOperationIsNeverShown(t *testing.T) {
	// Arrange
	c := newController(t, 100*time.Millisecond, 100*time.Millisecond)
	exceeded := c.Exceeded()
	defer exceeded.Close()

	// Act
	c.Start()
	assert.Equal(t, delay.Delaying, c.State())
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	require.NoError(t, c.Stop(context.Background()))

	// Assert
	assert.Less(t, time.Since(start), 50*time.Millisecond, "stopping from delaying must not wait")
	assert.Equal(t, delay.Stopped, c.State())
	select {
	case v := <-exceeded.C():
		t.Fatalf("unexpected exceeded notification %v", v)
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, delay.Stopped, c.State(), "cancelled delay must not fire later")
}

func TestController_MinimumDuration(t *testing.T) {
	c := newController(t, 50*time.Millisecond, 100*time.Millisecond)
	exceeded := c.Exceeded()
	defer exceeded.Close()

	c.Start()
	select {
	case v := <-exceeded.C():
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("delay never exceeded")
	}
	shownAt := time.Now()
	assert.Equal(t, delay.Running, c.State())
	assert.True(t, c.Running())

	require.NoError(t, c.Stop(context.Background()))

	assert.GreaterOrEqual(t, time.Since(shownAt), 90*time.Millisecond)
	assert.Equal(t, delay.Stopped, c.State())
	assert.False(t, <-exceeded.C())
}

func TestController_ZeroDelayRunsImmediately(t *testing.T) {
	c := newController(t, 0, 0)

	c.Start()

	assert.Equal(t, delay.Running, c.State())
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, delay.Stopped, c.State())
}

func TestController_StartWhileStoppingReturnsToRunning(t *testing.T) {
	c := newController(t, 0, 200*time.Millisecond)
	c.Start()

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()
	require.Eventually(t, func() bool { return c.State() == delay.Stopping }, time.Second, time.Millisecond)

	c.Start()

	assert.Equal(t, delay.Running, c.State())
	require.NoError(t, <-stopped, "pending stop waiters are released")
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, delay.Running, c.State(), "the superseded stop must not fire")
}

func TestController_ResetInvalidatesScheduledTransition(t *testing.T) {
	c := newController(t, 60*time.Millisecond, 0)
	c.Start()
	time.Sleep(40 * time.Millisecond)

	c.Reset()
	time.Sleep(40 * time.Millisecond)

	// 80ms after the first start, but only 40ms after the reset.
	assert.Equal(t, delay.Delaying, c.State())
	require.Eventually(t, func() bool { return c.State() == delay.Running }, time.Second, time.Millisecond)
}

func TestController_TryStoppingSynchronously(t *testing.T) {
	c := newController(t, time.Hour, time.Hour)
	assert.True(t, c.TryStoppingSynchronously())

	c.Start()
	assert.True(t, c.TryStoppingSynchronously())
	assert.Equal(t, delay.Stopped, c.State())

	running := newController(t, 0, time.Hour)
	running.Start()
	assert.False(t, running.TryStoppingSynchronously())
	assert.Equal(t, delay.Running, running.State())
}

func TestController_StopHonoursContext(t *testing.T) {
	c := newController(t, 0, time.Hour)
	c.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Stop(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, delay.Stopping, c.State())
}

func TestNewController_RejectsNegativeDurations(t *testing.T) {
	_, err := delay.NewController(delay.Config{Delay: -time.Second}, zerolog.Nop())
	assert.Error(t, err)
}
