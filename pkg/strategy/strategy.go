// Package strategy decides whether a cached value is fresh enough to skip a
// fetch.
package strategy

import (
	"fmt"
	"time"
)

// Kind enumerates the refresh policies.
type Kind int

const (
	// KindAlways fetches on every request.
	KindAlways Kind = iota
	// KindNever never fetches; only cached values are served.
	KindNever
	// KindIfNotStored fetches when nothing is cached or the parameters changed.
	KindIfNotStored
	// KindIfOlderThan fetches when nothing is cached, the entry is older than
	// MaxAge, or the parameters changed.
	KindIfOlderThan
)

// Strategy is a refresh policy. Build one with Always, Never, IfNotStored or
// IfOlderThan.
type Strategy struct {
	Kind   Kind
	MaxAge time.Duration
}

// Always returns a strategy that always fetches.
func Always() Strategy { return Strategy{Kind: KindAlways} }

// Never returns a strategy that never fetches.
func Never() Strategy { return Strategy{Kind: KindNever} }

// IfNotStored returns a strategy that fetches when nothing usable is cached.
func IfNotStored() Strategy { return Strategy{Kind: KindIfNotStored} }

// IfOlderThan returns a strategy that fetches when the cached entry is older
// than maxAge.
func IfOlderThan(maxAge time.Duration) Strategy {
	return Strategy{Kind: KindIfOlderThan, MaxAge: maxAge}
}

// Parse builds a strategy from its configuration name. maxAge is only used by
// "if_older_than".
func Parse(name string, maxAge time.Duration) (Strategy, error) {
	switch name {
	case "always":
		return Always(), nil
	case "never":
		return Never(), nil
	case "if_not_stored":
		return IfNotStored(), nil
	case "if_older_than":
		if maxAge <= 0 {
			return Strategy{}, fmt.Errorf("if_older_than requires a positive max age")
		}
		return IfOlderThan(maxAge), nil
	default:
		return Strategy{}, fmt.Errorf("unknown strategy %q", name)
	}
}

func (s Strategy) String() string {
	switch s.Kind {
	case KindAlways:
		return "always"
	case KindNever:
		return "never"
	case KindIfNotStored:
		return "if_not_stored"
	case KindIfOlderThan:
		return fmt.Sprintf("if_older_than(%s)", s.MaxAge)
	default:
		return fmt.Sprintf("strategy(%d)", int(s.Kind))
	}
}

// Input is everything a refresh decision depends on.
type Input struct {
	Strategy Strategy
	// Stored reports whether the cache holds an entry for the requested key.
	Stored bool
	// Age is the entry's age. Ignored when Stored is false.
	Age time.Duration
	// ParamsChanged reports whether the parameters differ from the last
	// successful fetch for the identifier.
	ParamsChanged bool
	// Continuation marks a paging continuation, which always fetches.
	Continuation bool
	// InFlightDiffers reports whether a fetch for the identifier is running
	// with parameters other than the requested ones.
	InFlightDiffers bool
}

// Decision is the outcome of Decide.
type Decision struct {
	Fetch bool
	// CancelStale is set when the fetch is skipped but a fetch with other
	// parameters is still running and must be cancelled.
	CancelStale bool
}

// Decide applies the strategy to in. It has no side effects.
func Decide(in Input) Decision {
	fetch := shouldFetch(in)
	return Decision{
		Fetch:       fetch,
		CancelStale: !fetch && in.InFlightDiffers,
	}
}

func shouldFetch(in Input) bool {
	if in.Continuation {
		return true
	}
	switch in.Strategy.Kind {
	case KindAlways:
		return true
	case KindNever:
		return false
	case KindIfNotStored:
		return !in.Stored || in.ParamsChanged
	case KindIfOlderThan:
		return !in.Stored || in.ParamsChanged || in.Age > in.Strategy.MaxAge
	default:
		return true
	}
}
