package strategy_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entryState int

const (
	noEntry entryState = iota
	freshEntry
	staleEntry
)

func (e entryState) String() string {
	return [...]string{"no entry", "fresh entry", "stale entry"}[e]
}

func TestDecide_Table(t *testing.T) {
	const maxAge = time.Minute

	// expected[strategy][entry][paramsChanged]
	testCases := []struct {
		strategy strategy.Strategy
		expected [3][2]bool
	}{
		{strategy.Always(), [3][2]bool{{true, true}, {true, true}, {true, true}}},
		{strategy.Never(), [3][2]bool{{false, false}, {false, false}, {false, false}}},
		{strategy.IfNotStored(), [3][2]bool{{true, true}, {false, true}, {false, true}}},
		{strategy.IfOlderThan(maxAge), [3][2]bool{{true, true}, {false, true}, {true, true}}},
	}

	for _, tc := range testCases {
		for entry := noEntry; entry <= staleEntry; entry++ {
			for _, changed := range []bool{false, true} {
				name := fmt.Sprintf("%s/%s/params_changed=%t", tc.strategy, entry, changed)
				t.Run(name, func(t *testing.T) {
					in := strategy.Input{
						Strategy:      tc.strategy,
						Stored:        entry != noEntry,
						ParamsChanged: changed,
					}
					switch entry {
					case freshEntry:
						in.Age = maxAge / 2
					case staleEntry:
						in.Age = maxAge * 2
					}

					d := strategy.Decide(in)

					idx := 0
					if changed {
						idx = 1
					}
					assert.Equal(t, tc.expected[entry][idx], d.Fetch)
				})
			}
		}
	}
}

func TestDecide_ContinuationAlwaysFetches(t *testing.T) {
	for _, s := range []strategy.Strategy{strategy.Never(), strategy.IfNotStored(), strategy.IfOlderThan(time.Hour)} {
		d := strategy.Decide(strategy.Input{Strategy: s, Stored: true, Continuation: true})
		assert.True(t, d.Fetch, s.String())
	}
}

func TestDecide_CancelStale(t *testing.T) {
	// A fresh cache hit with a different fetch still running cancels it.
	d := strategy.Decide(strategy.Input{
		Strategy:        strategy.IfNotStored(),
		Stored:          true,
		InFlightDiffers: true,
	})
	assert.False(t, d.Fetch)
	assert.True(t, d.CancelStale)

	// When we fetch anyway, the query engine supersedes the old fetch itself.
	d = strategy.Decide(strategy.Input{Strategy: strategy.Always(), InFlightDiffers: true})
	assert.True(t, d.Fetch)
	assert.False(t, d.CancelStale)
}

func TestParse(t *testing.T) {
	s, err := strategy.Parse("if_older_than", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, strategy.IfOlderThan(5*time.Second), s)

	s, err = strategy.Parse("never", 0)
	require.NoError(t, err)
	assert.Equal(t, strategy.Never(), s)

	_, err = strategy.Parse("if_older_than", 0)
	assert.Error(t, err)
	_, err = strategy.Parse("sometimes", 0)
	assert.Error(t, err)
}
