// Package safeguards provides concurrency control and recovery mechanisms
// for the sync pipeline: a bounded operation guard for concurrent
// downloads, a single-flight guard for the drain role, and a keyed mutex
// for per-content critical sections.
package safeguards

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// OperationGuard bounds the number of operations running at once.
type OperationGuard struct {
	mu              sync.Mutex
	semaphore       chan struct{}
	maxConcurrent   int
	activeOps       int
	peakOps         int
	logger          logrus.FieldLogger
	healthCheckFunc func(context.Context) error
	onChange        func(active int)
}

// GuardConfig configures the operation guard.
type GuardConfig struct {
	// MaxConcurrent is the maximum number of concurrent operations (default: 1)
	MaxConcurrent int
	// Logger for logging operations
	Logger logrus.FieldLogger
	// HealthCheckFunc is called after a slot is acquired and before the
	// operation proceeds; an error releases the slot.
	HealthCheckFunc func(context.Context) error
	// OnChange, if set, observes the active count after every change.
	OnChange func(active int)
}

// NewOperationGuard creates a new operation guard.
func NewOperationGuard(cfg GuardConfig) *OperationGuard {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &OperationGuard{
		semaphore:       make(chan struct{}, cfg.MaxConcurrent),
		maxConcurrent:   cfg.MaxConcurrent,
		logger:          cfg.Logger.WithField("component", "operation-guard"),
		healthCheckFunc: cfg.HealthCheckFunc,
		onChange:        cfg.OnChange,
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (g *OperationGuard) Acquire(ctx context.Context, opName string) error {
	// A cancelled context never takes a slot, even if one is free.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled while waiting for operation slot: %w", err)
	}

	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for operation slot: %w", ctx.Err())
	}

	g.mu.Lock()
	g.activeOps++
	activeOps := g.activeOps
	if activeOps > g.peakOps {
		g.peakOps = activeOps
	}
	// under the lock so observers see counts in order
	if g.onChange != nil {
		g.onChange(activeOps)
	}
	g.mu.Unlock()

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": activeOps,
	}).Debug("acquired operation slot")

	if g.healthCheckFunc != nil {
		if err := g.healthCheckFunc(ctx); err != nil {
			g.Release(opName)
			return fmt.Errorf("health check failed before operation %s: %w", opName, err)
		}
	}

	return nil
}

// Release releases an operation slot.
func (g *OperationGuard) Release(opName string) {
	g.mu.Lock()
	g.activeOps--
	activeOps := g.activeOps
	if g.onChange != nil {
		g.onChange(activeOps)
	}
	g.mu.Unlock()

	<-g.semaphore

	g.logger.WithFields(logrus.Fields{
		"operation":  opName,
		"active_ops": activeOps,
	}).Debug("released operation slot")
}

// ActiveOperations returns the number of active operations.
func (g *OperationGuard) ActiveOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeOps
}

// PeakOperations returns the highest number of simultaneously active
// operations observed since the guard was created.
func (g *OperationGuard) PeakOperations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peakOps
}

// Capacity returns the configured concurrency limit.
func (g *OperationGuard) Capacity() int {
	return g.maxConcurrent
}

// RecoverableOperation wraps a function with panic recovery.
func RecoverableOperation(logger logrus.FieldLogger, opName string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.WithFields(logrus.Fields{
				"operation": opName,
				"panic":     r,
				"stack":     string(stack),
			}).Error("recovered from panic in operation")
			err = fmt.Errorf("panic in operation %s: %v", opName, r)
		}
	}()
	return fn()
}

// SingleFlight is an acquire-or-skip guard: at most one holder at a time,
// and callers that lose the race do not wait.
type SingleFlight struct {
	mu     sync.Mutex
	active bool
}

// TryAcquire takes the guard if it is free and reports whether it did.
func (s *SingleFlight) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return false
	}
	s.active = true
	return true
}

// Release frees the guard. Releasing a free guard is a no-op.
func (s *SingleFlight) Release() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Active reports whether the guard is held.
func (s *SingleFlight) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// KeyedMutex serializes callers that share a key. Entries are removed when
// the last holder or waiter leaves, so the map does not grow with the
// number of distinct keys ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for key and returns the matching unlock func.
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// Len returns the number of keys currently held or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
