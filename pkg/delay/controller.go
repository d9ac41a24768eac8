// Package delay decides when a long-running operation should become visible.
// Operations that finish within the delay are never shown; once shown, an
// operation stays visible for at least the minimum duration.
package delay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-querycache/pkg/stream"
	"github.com/rs/zerolog"
)

// State is the phase of the controller.
type State int

const (
	Stopped State = iota
	Delaying
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Delaying:
		return "delaying"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// exceeded reports whether the operation is visible in state s.
func (s State) exceeded() bool {
	return s == Running || s == Stopping
}

// Config configures a Controller.
type Config struct {
	// Delay is how long an operation runs before it is shown.
	Delay time.Duration
	// MinimumDuration is the shortest time a shown operation stays shown.
	MinimumDuration time.Duration
}

// Controller is the indefinite-delay state machine. It is safe for concurrent
// use.
type Controller struct {
	cfg    Config
	now    func() time.Time
	logger zerolog.Logger

	mu         sync.Mutex
	state      State
	runningAt  time.Time
	startToken uint64
	stopToken  uint64
	timer      *time.Timer
	stopDone   chan struct{}
	exceeded   *stream.Broadcaster[bool]
}

// NewController creates a stopped Controller.
func NewController(cfg Config, logger zerolog.Logger) (*Controller, error) {
	if cfg.Delay < 0 || cfg.MinimumDuration < 0 {
		return nil, fmt.Errorf("delay and minimum duration cannot be negative")
	}
	return &Controller{
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With().Str("component", "DelayController").Logger(),
		exceeded: stream.NewBroadcaster[bool](),
	}, nil
}

// Config returns the controller's configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Running reports whether the operation is currently visible, which is the
// case while running or stopping.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.exceeded()
}

// Exceeded subscribes to visibility changes. A value is delivered only when
// the controller crosses between {stopped, delaying} and {running, stopping}.
func (c *Controller) Exceeded() *stream.Subscription[bool] {
	return c.exceeded.Subscribe()
}

// Start begins an operation. From stopped it enters delaying, or running when
// the delay is zero. A stopping controller returns to running. Delaying and
// running controllers are unaffected.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Stopped:
		c.beginLocked()
	case Stopping:
		c.stopToken++
		c.stopTimerLocked()
		c.releaseStopWaitersLocked()
		c.setLocked(Running)
	}
}

// Reset abandons any pending transition and starts a fresh cycle, as Start
// would from stopped.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopToken++
	c.stopTimerLocked()
	c.releaseStopWaitersLocked()
	c.beginLocked()
}

// Stop ends the operation. A delaying controller stops at once. A running one
// enters stopping and stops once MinimumDuration has passed since it started
// running; Stop waits for that. If ctx ends first Stop returns ctx.Err() and
// the controller still stops on schedule.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Stopped:
		c.mu.Unlock()
		return nil
	case Delaying:
		c.startToken++
		c.stopTimerLocked()
		c.setLocked(Stopped)
		c.mu.Unlock()
		return nil
	case Running:
		c.stopToken++
		token := c.stopToken
		c.stopDone = make(chan struct{})
		c.setLocked(Stopping)
		remaining := c.cfg.MinimumDuration - c.now().Sub(c.runningAt)
		if remaining <= 0 {
			c.finishStopLocked()
			c.mu.Unlock()
			return nil
		}
		c.logger.Debug().Dur("remaining", remaining).Msg("Holding visible state for minimum duration.")
		c.timer = time.AfterFunc(remaining, func() { c.finishStop(token) })
	}
	done := c.stopDone
	c.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryStoppingSynchronously stops the controller if that needs no waiting, which
// is only the case from stopped or delaying. It reports whether the controller
// is now stopped.
func (c *Controller) TryStoppingSynchronously() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Stopped:
		return true
	case Delaying:
		c.startToken++
		c.stopTimerLocked()
		c.setLocked(Stopped)
		return true
	default:
		return false
	}
}

// Close stops every timer and closes the exceeded stream.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startToken++
	c.stopToken++
	c.stopTimerLocked()
	c.releaseStopWaitersLocked()
	c.exceeded.Close()
}

func (c *Controller) beginLocked() {
	c.startToken++
	if c.cfg.Delay <= 0 {
		c.runningAt = c.now()
		c.setLocked(Running)
		return
	}
	c.setLocked(Delaying)
	token := c.startToken
	c.stopTimerLocked()
	c.timer = time.AfterFunc(c.cfg.Delay, func() { c.delayElapsed(token) })
}

func (c *Controller) delayElapsed(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Delaying || c.startToken != token {
		return
	}
	c.runningAt = c.now()
	c.setLocked(Running)
}

func (c *Controller) finishStop(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Stopping || c.stopToken != token {
		return
	}
	c.finishStopLocked()
}

func (c *Controller) finishStopLocked() {
	c.setLocked(Stopped)
	c.releaseStopWaitersLocked()
}

func (c *Controller) releaseStopWaitersLocked() {
	if c.stopDone != nil {
		close(c.stopDone)
		c.stopDone = nil
	}
}

func (c *Controller) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) setLocked(next State) {
	prev := c.state
	c.state = next
	if prev.exceeded() != next.exceeded() {
		c.exceeded.Publish(next.exceeded())
	}
	c.logger.Debug().Stringer("from", prev).Stringer("to", next).Msg("Delay state changed.")
}
