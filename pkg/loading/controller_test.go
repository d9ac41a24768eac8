package loading_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/illmade-knight/go-querycache/pkg/delay"
	"github.com/illmade-knight/go-querycache/pkg/loading"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type items []string

func isEmpty(v items) bool { return len(v) == 0 }

type stamped struct {
	state loading.State[items]
	at    time.Duration
}

// recorder collects every state emitted until the controller is closed.
type recorder struct {
	start time.Time
	done  chan []stamped
}

func record(c *loading.Controller[items]) *recorder {
	r := &recorder{start: time.Now(), done: make(chan []stamped, 1)}
	sub := c.States()
	go func() {
		var got []stamped
		for s := range sub.C() {
			got = append(got, stamped{state: s, at: time.Since(r.start)})
		}
		r.done <- got
	}()
	return r
}

func (r *recorder) states(t *testing.T, c *loading.Controller[items]) []stamped {
	t.Helper()
	c.Close()
	select {
	case got := <-r.done:
		return got
	case <-time.After(time.Second):
		t.Fatal("state stream never closed")
		return nil
	}
}

func onlyStates(in []stamped) []loading.State[items] {
	out := make([]loading.State[items], len(in))
	for i, s := range in {
		out[i] = s.state
	}
	return out
}

func newController(t *testing.T, cfg loading.Config[items]) *loading.Controller[items] {
	t.Helper()
	cfg.IsEmpty = isEmpty
	c, err := loading.NewController(cfg, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func assertStates(t *testing.T, want []loading.State[items], got []stamped) {
	t.Helper()
	if diff := cmp.Diff(want, onlyStates(got), cmpopts.EquateErrors()); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
}

var timing = delay.Config{Delay: 100 * time.Millisecond, MinimumDuration: 100 * time.Millisecond}

func TestController_FastFetchNeverUnhides(t *testing.T) {
	// Arrange
	ctx := context.Background()
	c := newController(t, loading.Config[items]{Delay: timing})
	rec := record(c)

	// Act
	c.WillFetch()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Value: items{"a"}}))

	// Assert
	assertStates(t, []loading.State[items]{
		{Phase: loading.Loading, Hidden: true},
		{Phase: loading.Loaded, Data: items{"a"}},
	}, rec.states(t, c))
}

func TestController_SlowFetchShowsForMinimumDuration(t *testing.T) {
	ctx := context.Background()
	c := newController(t, loading.Config[items]{Delay: timing})
	rec := record(c)

	c.WillFetch()
	time.Sleep(150 * time.Millisecond)
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Value: items{"a"}}))

	got := rec.states(t, c)
	assertStates(t, []loading.State[items]{
		{Phase: loading.Loading, Hidden: true},
		{Phase: loading.Loading, Hidden: false},
		{Phase: loading.Loaded, Data: items{"a"}},
	}, got)
	require.Len(t, got, 3)
	assert.GreaterOrEqual(t, got[1].at, 100*time.Millisecond, "shown before the delay elapsed")
	assert.GreaterOrEqual(t, got[2].at, 190*time.Millisecond, "hidden before the minimum duration elapsed")
}

func TestController_EmptyResult(t *testing.T) {
	c := newController(t, loading.Config[items]{})
	rec := record(c)

	c.WillFetch()
	require.NoError(t, c.Receive(context.Background(), loading.Result[items]{Value: items{}}))

	assertStates(t, []loading.State[items]{
		{Phase: loading.Loading},
		{Phase: loading.Empty},
	}, rec.states(t, c))
}

func TestController_SameErrorRetryProducesDistinctStates(t *testing.T) {
	ctx := context.Background()
	c := newController(t, loading.Config[items]{})
	rec := record(c)
	boom := errors.New("boom")

	c.WillFetch()
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Err: boom}))
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Err: boom}))
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Value: items{"a"}}))
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Err: boom}))
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Err: boom}))

	assertStates(t, []loading.State[items]{
		{Phase: loading.Loading},
		{Phase: loading.Empty, Err: boom},
		{Phase: loading.Empty},
		{Phase: loading.Empty, Err: boom},
		{Phase: loading.Loaded, Data: items{"a"}},
		{Phase: loading.Loaded, Data: items{"a"}, Err: boom},
		{Phase: loading.Loaded, Data: items{"a"}},
		{Phase: loading.Loaded, Data: items{"a"}, Err: boom},
	}, rec.states(t, c))
}

func TestController_LoadedErrorsBecomeEmpty(t *testing.T) {
	ctx := context.Background()
	c := newController(t, loading.Config[items]{LoadedErrorsBecomeEmpty: true})
	rec := record(c)
	boom := errors.New("boom")

	require.NoError(t, c.Receive(ctx, loading.Result[items]{Value: items{"a"}}))
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Err: boom}))

	assertStates(t, []loading.State[items]{
		{Phase: loading.Loading},
		{Phase: loading.Loaded, Data: items{"a"}},
		{Phase: loading.Empty, Err: boom},
	}, rec.states(t, c))
}

func TestController_RefreshKeepsDataVisible(t *testing.T) {
	ctx := context.Background()
	c := newController(t, loading.Config[items]{})
	rec := record(c)

	require.NoError(t, c.Receive(ctx, loading.Result[items]{Value: items{"a"}}))
	c.WillFetch()
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Value: items{"b"}}))

	assertStates(t, []loading.State[items]{
		{Phase: loading.Loading},
		{Phase: loading.Loaded, Data: items{"a"}},
		{Phase: loading.Loaded, Data: items{"a"}, Updating: true},
		{Phase: loading.Loaded, Data: items{"b"}},
	}, rec.states(t, c))
}

func TestController_CachedResultDoesNotEndFetch(t *testing.T) {
	// Arrange
	ctx := context.Background()
	c := newController(t, loading.Config[items]{})
	rec := record(c)

	// Act
	c.WillFetch()
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Value: items{"cached"}, Cached: true}))
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Value: items{"cached"}, Cached: true}))
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Value: items{}, Cached: true}))
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Value: items{"fresh"}}))
	require.NoError(t, c.Receive(ctx, loading.Result[items]{Value: items{"again"}, Cached: true}))

	// Assert
	assertStates(t, []loading.State[items]{
		{Phase: loading.Loading},
		{Phase: loading.Loaded, Data: items{"cached"}, Updating: true},
		{Phase: loading.Loaded, Data: items{"fresh"}},
		{Phase: loading.Loaded, Data: items{"again"}},
	}, rec.states(t, c))
}

func TestController_Reset(t *testing.T) {
	ctx := context.Background()
	cancelled := 0
	c := newController(t, loading.Config[items]{
		Delay:  delay.Config{Delay: time.Hour},
		Cancel: func() { cancelled++ },
	})
	rec := record(c)

	require.NoError(t, c.Receive(ctx, loading.Result[items]{Value: items{"a"}}))
	c.Reset()

	assert.Equal(t, 1, cancelled)
	assert.Equal(t, loading.State[items]{Phase: loading.Loading, Hidden: true}, c.State())
	assertStates(t, []loading.State[items]{
		{Phase: loading.Loading, Hidden: true},
		{Phase: loading.Loaded, Data: items{"a"}},
		{Phase: loading.Loading, Hidden: true},
	}, rec.states(t, c))
}

func TestController_Run(t *testing.T) {
	c := newController(t, loading.Config[items]{})
	results := make(chan loading.Result[items], 1)
	results <- loading.Result[items]{Value: items{"a"}}
	close(results)

	require.NoError(t, c.Run(context.Background(), results))

	assert.Equal(t, loading.Loaded, c.State().Phase)
	c.Close()
}

func TestNewController_RequiresEmptinessPredicate(t *testing.T) {
	_, err := loading.NewController(loading.Config[items]{}, zerolog.Nop())
	assert.Error(t, err)
}
