package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/superfly/catalogsync"
	"github.com/superfly/catalogsync/catalogtest"
	"github.com/superfly/catalogsync/check"
	"github.com/superfly/catalogsync/download"
	"github.com/superfly/catalogsync/extraction"
	"github.com/superfly/catalogsync/inmem"
)

type fakeChecker struct {
	mu      sync.Mutex
	calls   int
	created []bool
	err     error
}

func (f *fakeChecker) CheckAndRecord(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if len(f.created) == 0 {
		return false, nil
	}
	c := f.created[0]
	f.created = f.created[1:]
	return c, nil
}

func (f *fakeChecker) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeDrainer reports pending releases from a counter. DrainOne consumes
// one per call unless failures are queued; block, if set, stalls each call.
type fakeDrainer struct {
	mu       sync.Mutex
	pending  int
	failures int
	failErr  error
	block    chan struct{}

	calls    atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeDrainer) DrainOne(ctx context.Context) (bool, error) {
	f.calls.Add(1)
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		if f.failErr != nil {
			return true, f.failErr
		}
		return true, catalogtest.ErrInjected
	}
	if f.pending == 0 {
		return false, nil
	}
	f.pending--
	return true, nil
}

func (f *fakeDrainer) Pending(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending > 0, nil
}

func (f *fakeDrainer) remaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newCoordinator(t *testing.T, c Checker, d Drainer, interval, retry time.Duration) *Coordinator {
	t.Helper()
	co, err := New(Dependencies{Checker: c, Drainer: d, Logger: quietLogger(), Interval: interval, RetryDelay: retry})
	require.NoError(t, err)
	t.Cleanup(co.Close)
	return co
}

func TestTick_NewReleaseStartsDrain(t *testing.T) {
	checker := &fakeChecker{created: []bool{true}}
	drainer := &fakeDrainer{pending: 3}
	co := newCoordinator(t, checker, drainer, time.Hour, time.Millisecond)

	co.Tick(context.Background())

	require.Eventually(t, func() bool { return !co.Draining() && drainer.remaining() == 0 }, time.Second, 5*time.Millisecond)
	// three releases then the final "nothing pending" call
	require.Equal(t, int32(4), drainer.calls.Load())
}

func TestTick_PendingReleaseStartsDrain(t *testing.T) {
	drainer := &fakeDrainer{pending: 1}
	co := newCoordinator(t, &fakeChecker{}, drainer, time.Hour, time.Millisecond)

	co.Tick(context.Background())

	require.Eventually(t, func() bool { return drainer.remaining() == 0 && !co.Draining() }, time.Second, 5*time.Millisecond)
}

func TestTick_NothingToDo(t *testing.T) {
	drainer := &fakeDrainer{}
	co := newCoordinator(t, &fakeChecker{}, drainer, time.Hour, time.Millisecond)

	co.Tick(context.Background())
	co.Close()

	require.False(t, co.Draining())
	require.Zero(t, drainer.calls.Load())
}

func TestTick_CheckFailureEndsTick(t *testing.T) {
	checker := &fakeChecker{err: &catalogsync.OriginError{Op: "release-labels", Err: catalogtest.ErrInjected}}
	drainer := &fakeDrainer{pending: 1}
	co := newCoordinator(t, checker, drainer, time.Hour, time.Millisecond)

	co.Tick(context.Background())
	co.Close()

	require.Zero(t, drainer.calls.Load())
	require.Equal(t, 1, drainer.remaining())
}

func TestTick_SingleFlight(t *testing.T) {
	drainer := &fakeDrainer{pending: 2, block: make(chan struct{})}
	checker := &fakeChecker{created: []bool{true, true, true}}
	co := newCoordinator(t, checker, drainer, time.Hour, time.Millisecond)

	co.Tick(context.Background())
	require.Eventually(t, func() bool { return drainer.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.True(t, co.Draining())

	co.Tick(context.Background())
	co.Tick(context.Background())
	require.Equal(t, int32(1), drainer.calls.Load(), "second drain loop must not start")

	close(drainer.block)
	require.Eventually(t, func() bool { return !co.Draining() }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), drainer.peak.Load())
	require.Equal(t, 0, drainer.remaining())
}

func TestDrainLoop_BacksOffAndRetries(t *testing.T) {
	drainer := &fakeDrainer{pending: 1, failures: 2}
	co := newCoordinator(t, &fakeChecker{created: []bool{true}}, drainer, time.Hour, 20*time.Millisecond)

	start := time.Now()
	co.Tick(context.Background())
	require.Eventually(t, func() bool { return !co.Draining() && drainer.remaining() == 0 }, 2*time.Second, 5*time.Millisecond)

	// two failures, one success, one empty call
	require.Equal(t, int32(4), drainer.calls.Load())
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "each failure waits for the retry delay")
}

func TestClose_CancelsDrain(t *testing.T) {
	drainer := &fakeDrainer{pending: 1, block: make(chan struct{})}
	co := newCoordinator(t, &fakeChecker{created: []bool{true}}, drainer, time.Hour, time.Hour)

	co.Tick(context.Background())
	require.Eventually(t, co.Draining, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		co.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the drain loop")
	}
	require.False(t, co.Draining())

	// No new drains after Close.
	co.Tick(context.Background())
	require.False(t, co.Draining())
}

func TestRun_TicksImmediatelyAndStops(t *testing.T) {
	checker := &fakeChecker{}
	co := newCoordinator(t, checker, &fakeDrainer{}, 10*time.Millisecond, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- co.Run(ctx) }()

	require.Eventually(t, func() bool { return checker.Calls() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_FirstTickIsImmediate(t *testing.T) {
	checker := &fakeChecker{}
	co := newCoordinator(t, checker, &fakeDrainer{}, time.Hour, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go co.Run(ctx)

	require.Eventually(t, func() bool { return checker.Calls() == 1 }, time.Second, time.Millisecond)
}

// slowChecker takes longer than the poll interval on every call and
// records when each call started and returned.
type slowChecker struct {
	delay time.Duration

	mu     sync.Mutex
	starts []time.Time
	ends   []time.Time
}

func (s *slowChecker) CheckAndRecord(ctx context.Context) (bool, error) {
	s.mu.Lock()
	s.starts = append(s.starts, time.Now())
	s.mu.Unlock()

	time.Sleep(s.delay)

	s.mu.Lock()
	s.ends = append(s.ends, time.Now())
	s.mu.Unlock()
	return false, nil
}

func (s *slowChecker) times() ([]time.Time, []time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.starts...), append([]time.Time(nil), s.ends...)
}

func TestRun_SlowCheckDoesNotBurst(t *testing.T) {
	const interval = 20 * time.Millisecond
	checker := &slowChecker{delay: 3 * interval}
	co := newCoordinator(t, checker, &fakeDrainer{}, interval, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- co.Run(ctx) }()

	require.Eventually(t, func() bool {
		starts, _ := checker.times()
		return len(starts) >= 4
	}, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errCh)

	starts, ends := checker.times()
	// the first tick is immediate; later ones wait a full interval after
	// the previous check returned instead of firing back to back
	for i := 2; i < len(starts); i++ {
		gap := starts[i].Sub(ends[i-1])
		require.GreaterOrEqual(t, gap, interval/2, "tick %d followed tick %d after %s", i, i-1, gap)
	}
}

func hookedCoordinator(t *testing.T, c Checker, d Drainer, retry time.Duration) (*Coordinator, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	co, err := New(Dependencies{Checker: c, Drainer: d, Logger: logger, Interval: time.Hour, RetryDelay: retry})
	require.NoError(t, err)
	t.Cleanup(co.Close)
	return co, hook
}

func hasMessage(hook *logtest.Hook, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}

func TestTick_InvalidReleaseLogged(t *testing.T) {
	checker := &fakeChecker{err: fmt.Errorf("client label: %w", catalogsync.ErrInvalidLabel)}
	co, hook := hookedCoordinator(t, checker, &fakeDrainer{}, time.Millisecond)

	co.Tick(context.Background())

	require.True(t, hasMessage(hook, "origin advertised an invalid release"))
	require.False(t, hasMessage(hook, "release check failed"))
}

func TestDrainLoop_InvalidContentLogged(t *testing.T) {
	drainer := &fakeDrainer{
		pending:  1,
		failures: 1,
		failErr:  &download.SyncError{Failed: 1, Err: &extraction.ArchiveError{Entry: "a", Err: catalogtest.ErrInjected}},
	}
	co, hook := hookedCoordinator(t, &fakeChecker{created: []bool{true}}, drainer, time.Millisecond)

	co.Tick(context.Background())
	require.Eventually(t, func() bool { return !co.Draining() && drainer.remaining() == 0 }, 2*time.Second, 5*time.Millisecond)

	require.True(t, hasMessage(hook, "release content invalid; retrying after backoff"))
	require.False(t, hasMessage(hook, "drain failed; backing off"))
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Dependencies{Drainer: &fakeDrainer{}})
	require.Error(t, err)
	_, err = New(Dependencies{Checker: &fakeChecker{}})
	require.Error(t, err)
}

func TestCoordinator_EndToEnd(t *testing.T) {
	ctx := context.Background()
	catalog, err := inmem.New()
	require.NoError(t, err)
	origin := catalogtest.NewOrigin()
	store := catalogtest.NewStore()
	notifier := &catalogtest.Notifier{}
	logger := quietLogger()

	checker, err := check.New(check.Dependencies{Catalog: catalog, Origin: origin, Notifier: notifier, Logger: logger})
	require.NoError(t, err)
	syncer, err := download.New(download.Dependencies{Catalog: catalog, Origin: origin, Store: store, Notifier: notifier, Logger: logger})
	require.NoError(t, err)

	labels := catalogsync.Labels{Client: "1.1.0", Content: "1.1.0"}
	stamp := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	origin.Publish(labels,
		catalogtest.File{Name: "a.ab", Data: catalogtest.Zip(t, stamp, catalogtest.ZipEntry{Name: "a", Body: "alpha"})},
		catalogtest.File{Name: "b.ab", Data: catalogtest.Zip(t, stamp, catalogtest.ZipEntry{Name: "b", Body: "beta"})},
	)
	origin.FailFetch(errors.New("connection reset"))

	co := newCoordinator(t, checker, syncer, time.Hour, 10*time.Millisecond)
	co.Tick(ctx)

	require.Eventually(t, func() bool { return origin.TotalFetches() > 0 }, time.Second, time.Millisecond)
	r, err := catalog.LatestRelease(ctx)
	require.NoError(t, err)
	require.NotNil(t, r)
	require.False(t, r.Ready)

	// The drain loop retries on its own once the origin recovers.
	origin.FailFetch(nil)
	require.Eventually(t, func() bool {
		r, err := catalog.ReleaseByID(ctx, r.ID)
		return err == nil && r.Ready
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !co.Draining() }, time.Second, time.Millisecond)
	require.Equal(t, []catalogsync.Labels{labels}, notifier.Completions())
	require.Equal(t, 2, store.TotalWrites())
}
