// Package poll drives the pipeline on a timer: each tick runs the release
// check and, when there is work, starts a single background drain loop.
package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/superfly/catalogsync"
	"github.com/superfly/catalogsync/safeguards"
)

const (
	// DefaultInterval is the time between polls.
	DefaultInterval = 2 * time.Minute
	// DefaultRetryDelay is the pause after a failed drain before retrying.
	DefaultRetryDelay = 60 * time.Second
)

// Checker records newly advertised releases.
type Checker interface {
	CheckAndRecord(ctx context.Context) (bool, error)
}

// Drainer processes not-ready releases one at a time.
type Drainer interface {
	DrainOne(ctx context.Context) (bool, error)
	Pending(ctx context.Context) (bool, error)
}

// Dependencies holds the collaborators of the coordinator.
type Dependencies struct {
	Checker Checker
	Drainer Drainer
	Logger  logrus.FieldLogger

	// Interval between ticks (default 2m).
	Interval time.Duration
	// RetryDelay after a drain error (default 60s).
	RetryDelay time.Duration
}

// Coordinator is Idle until a tick finds work, then Draining until the
// drain loop reports nothing pending. At most one drain loop runs at a time.
type Coordinator struct {
	checker    Checker
	drainer    Drainer
	logger     logrus.FieldLogger
	interval   time.Duration
	retryDelay time.Duration

	flight safeguards.SingleFlight

	mu     sync.Mutex
	closed bool
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a coordinator. Checker and Drainer are required.
func New(deps Dependencies) (*Coordinator, error) {
	if deps.Checker == nil {
		return nil, errors.New("poll: checker is required")
	}
	if deps.Drainer == nil {
		return nil, errors.New("poll: drainer is required")
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.RetryDelay <= 0 {
		deps.RetryDelay = DefaultRetryDelay
	}

	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		checker:    deps.Checker,
		drainer:    deps.Drainer,
		logger:     deps.Logger.WithField("component", "poll"),
		interval:   deps.Interval,
		retryDelay: deps.RetryDelay,
		base:       base,
		cancel:     cancel,
	}, nil
}

// Run ticks immediately and then every interval until ctx is done. Ticks
// that fall due while a tick is still running are dropped. On return any
// drain loop has been cancelled and has exited.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.Close()

	c.logger.WithFields(logrus.Fields{
		"interval":    c.interval.String(),
		"retry_delay": c.retryDelay.String(),
	}).Info("poll coordinator started")

	c.Tick(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("poll coordinator stopping")
			return nil
		case <-ticker.C:
			c.Tick(ctx)
			// ticks that fell due during a long Tick are dropped
			ticker.Reset(c.interval)
		}
	}
}

// Tick runs one poll: the release check, then a drain if a release was
// created or one is pending. A failed check ends the tick.
func (c *Coordinator) Tick(ctx context.Context) {
	created, err := c.checker.CheckAndRecord(ctx)
	if err != nil {
		if catalogsync.IsValidation(err) {
			c.logger.WithError(err).Error("origin advertised an invalid release")
			return
		}
		c.logger.WithError(err).Error("release check failed")
		return
	}

	if !created {
		if c.flight.Active() {
			c.logger.Debug("drain already active")
			return
		}
		pending, err := c.drainer.Pending(ctx)
		if err != nil {
			c.logger.WithError(err).Error("failed to query pending releases")
			return
		}
		if !pending {
			c.logger.Debug("nothing to drain")
			return
		}
	}

	c.startDrain()
}

// Draining reports whether a drain loop is running.
func (c *Coordinator) Draining() bool {
	return c.flight.Active()
}

// Close cancels any running drain loop and waits for it. Ticks after Close
// never start a drain.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) startDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if !c.flight.TryAcquire() {
		c.logger.Debug("drain already active")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.flight.Release()
		c.drainLoop(c.base)
	}()
}

// drainLoop calls DrainOne until nothing is pending. Errors are logged and
// retried after retryDelay until ctx is cancelled.
func (c *Coordinator) drainLoop(ctx context.Context) {
	start := time.Now()
	drained := 0
	c.logger.Info("drain started")

	op := func() error {
		for {
			var processed bool
			err := safeguards.RecoverableOperation(c.logger, "drain-one", func() error {
				var err error
				processed, err = c.drainer.DrainOne(ctx)
				return err
			})
			if err != nil {
				if ctx.Err() != nil {
					return backoff.Permanent(ctx.Err())
				}
				return err
			}
			if !processed {
				return nil
			}
			drained++
		}
	}

	notify := func(err error, wait time.Duration) {
		log := c.logger.WithError(err).WithField("retry_in", wait.String())
		if catalogsync.IsValidation(err) {
			log.Error("release content invalid; retrying after backoff")
			return
		}
		log.Error("drain failed; backing off")
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(c.retryDelay), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		c.logger.WithError(err).WithField("releases", drained).Info("drain cancelled")
		return
	}

	c.logger.WithFields(logrus.Fields{
		"releases":    drained,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("drain finished, nothing pending")
}
