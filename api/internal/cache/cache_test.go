package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"threat-bot/api/internal/fingerprint"
	"threat-bot/api/internal/threat"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func sumOf(s string) fingerprint.Sum { return fingerprint.Of([]byte(s)) }

func fixed(res threat.Result, calls *atomic.Int32) ComputeFunc {
	return func(context.Context) (threat.Result, error) {
		calls.Add(1)
		return res, nil
	}
}

func TestSingleFlightSameFingerprint(t *testing.T) {
	c := New(Options{MaxSize: 10, TTL: time.Minute})
	want := threat.Result{Dangerous: true, Description: "dangerous: weapon visible"}

	var calls atomic.Int32
	slow := func(context.Context) (threat.Result, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return want, nil
	}

	const callers = 8
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		got   = make([]threat.Result, callers)
		errs  = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i], errs[i] = c.GetOrCompute(context.Background(), sumOf("B"), slow)
		}(i)
	}
	close(start)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("compute called %d times, want 1", n)
	}
	for i := range got {
		if errs[i] != nil {
			t.Errorf("caller %d: unexpected error %v", i, errs[i])
		}
		if got[i] != want {
			t.Errorf("caller %d: got %+v, want %+v", i, got[i], want)
		}
	}
}

func TestDistinctFingerprintsDoNotBlock(t *testing.T) {
	c := New(Options{MaxSize: 10, TTL: time.Minute})

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.GetOrCompute(context.Background(), sumOf("A"), func(context.Context) (threat.Result, error) {
			close(started)
			<-release
			return threat.Result{}, nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var calls atomic.Int32
	if _, err := c.GetOrCompute(ctx, sumOf("B"), fixed(threat.Result{}, &calls)); err != nil {
		t.Fatalf("B blocked behind A: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("B compute calls = %d", calls.Load())
	}

	close(release)
	<-done
}

func TestHitDoesNotRecompute(t *testing.T) {
	c := New(Options{MaxSize: 10, TTL: time.Minute})
	var calls atomic.Int32
	want := threat.Result{}

	for i := 0; i < 3; i++ {
		got, err := c.GetOrCompute(context.Background(), sumOf("A"), fixed(want, &calls))
		if err != nil || got != want {
			t.Fatalf("round %d: got %+v, %v", i, got, err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("compute called %d times, want 1", calls.Load())
	}
}

func TestTTLBoundary(t *testing.T) {
	clock := newFakeClock()
	const ttl = 10 * time.Minute
	c := New(Options{MaxSize: 10, TTL: ttl, Now: clock.Now})

	var calls atomic.Int32
	res := threat.Result{Dangerous: true, Description: "dangerous"}
	t0 := clock.Now()

	if _, err := c.GetOrCompute(context.Background(), sumOf("A"), fixed(res, &calls)); err != nil {
		t.Fatal(err)
	}

	clock.Set(t0.Add(ttl - time.Nanosecond))
	if _, err := c.GetOrCompute(context.Background(), sumOf("A"), fixed(res, &calls)); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected hit just before ttl, compute calls = %d", calls.Load())
	}

	clock.Set(t0.Add(ttl + time.Nanosecond))
	if _, err := c.GetOrCompute(context.Background(), sumOf("A"), fixed(res, &calls)); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected miss just after ttl, compute calls = %d", calls.Load())
	}
}

func TestCapacityEvictsOldestInserted(t *testing.T) {
	c := New(Options{MaxSize: 3, TTL: time.Hour})
	ctx := context.Background()
	var calls atomic.Int32
	ok := threat.Result{}

	for _, k := range []string{"a", "b", "c"} {
		if _, err := c.GetOrCompute(ctx, sumOf(k), fixed(ok, &calls)); err != nil {
			t.Fatal(err)
		}
	}
	// Reading "a" must not protect it: order is by insertion.
	if _, err := c.GetOrCompute(ctx, sumOf("a"), fixed(ok, &calls)); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}

	if _, err := c.GetOrCompute(ctx, sumOf("d"), fixed(ok, &calls)); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}

	// b, c, d survive.
	for _, k := range []string{"b", "c", "d"} {
		before := calls.Load()
		_, _ = c.GetOrCompute(ctx, sumOf(k), fixed(ok, &calls))
		if calls.Load() != before {
			t.Errorf("%q was evicted", k)
		}
	}
	before := calls.Load()
	_, _ = c.GetOrCompute(ctx, sumOf("a"), fixed(ok, &calls))
	if calls.Load() != before+1 {
		t.Error("oldest entry a should have been evicted")
	}
}

func TestManyInsertsKeepNewest(t *testing.T) {
	const limit = 5
	c := New(Options{MaxSize: limit, TTL: time.Hour})
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 20; i++ {
		_, _ = c.GetOrCompute(ctx, sumOf(fmt.Sprint(i)), fixed(threat.Result{}, &calls))
	}
	if c.Len() != limit {
		t.Fatalf("Len = %d, want %d", c.Len(), limit)
	}
	for i := 20 - limit; i < 20; i++ {
		before := calls.Load()
		_, _ = c.GetOrCompute(ctx, sumOf(fmt.Sprint(i)), fixed(threat.Result{}, &calls))
		if calls.Load() != before {
			t.Errorf("entry %d missing", i)
		}
	}
}

func TestFailureSharedWithAllWaiters(t *testing.T) {
	c := New(Options{MaxSize: 10, TTL: time.Minute, NegativeTTL: time.Minute})
	upstream := fmt.Errorf("%w: status 503", threat.ErrUpstream)

	var calls atomic.Int32
	failing := func(context.Context) (threat.Result, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return threat.Result{Dangerous: true, Description: "should never leak"}, upstream
	}

	const callers = 5
	var wg sync.WaitGroup
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.GetOrCompute(context.Background(), sumOf("X"), failing)
			if res != (threat.Result{}) {
				t.Errorf("fabricated result %+v", res)
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	for err := range results {
		if !errors.Is(err, threat.ErrUpstream) {
			t.Errorf("err = %v, want ErrUpstream", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("compute called %d times, want 1", calls.Load())
	}

	// Cached failure is replayed without calling upstream again.
	_, err := c.GetOrCompute(context.Background(), sumOf("X"), failing)
	if !errors.Is(err, threat.ErrUpstream) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("failure was not cached, calls = %d", calls.Load())
	}
}

func TestFailureNotCachedWhenNegativeTTLZero(t *testing.T) {
	c := New(Options{MaxSize: 10, TTL: time.Minute})
	var calls atomic.Int32
	failing := func(context.Context) (threat.Result, error) {
		calls.Add(1)
		return threat.Result{}, threat.ErrUpstream
	}

	for i := 0; i < 2; i++ {
		if _, err := c.GetOrCompute(context.Background(), sumOf("X"), failing); !errors.Is(err, threat.ErrUpstream) {
			t.Fatalf("err = %v", err)
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
	if c.Len() != 0 {
		t.Fatalf("Len = %d, want 0", c.Len())
	}
}

func TestNegativeTTLExpires(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{MaxSize: 10, TTL: time.Hour, NegativeTTL: time.Minute, Now: clock.Now})
	var calls atomic.Int32
	failing := func(context.Context) (threat.Result, error) {
		calls.Add(1)
		return threat.Result{}, threat.ErrUpstream
	}
	t0 := clock.Now()

	_, _ = c.GetOrCompute(context.Background(), sumOf("X"), failing)
	clock.Set(t0.Add(30 * time.Second))
	_, _ = c.GetOrCompute(context.Background(), sumOf("X"), failing)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
	clock.Set(t0.Add(2 * time.Minute))
	_, _ = c.GetOrCompute(context.Background(), sumOf("X"), failing)
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, want 2", calls.Load())
	}
}

func TestLeaderCancelDoesNotFailFollowers(t *testing.T) {
	c := New(Options{MaxSize: 10, TTL: time.Minute})
	want := threat.Result{Dangerous: true, Description: "dangerous: fire"}

	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	compute := func(ctx context.Context) (threat.Result, error) {
		calls.Add(1)
		close(started)
		select {
		case <-release:
			return want, nil
		case <-ctx.Done():
			return threat.Result{}, ctx.Err()
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(leaderCtx, sumOf("L"), compute)
		leaderErr <- err
	}()
	<-started

	followerRes := make(chan threat.Result, 1)
	go func() {
		res, _ := c.GetOrCompute(context.Background(), sumOf("L"), compute)
		followerRes <- res
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("leader err = %v, want context.Canceled", err)
	}

	close(release)
	select {
	case got := <-followerRes:
		if got != want {
			t.Fatalf("follower got %+v, want %+v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatal("follower never released")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestComputeTimeout(t *testing.T) {
	c := New(Options{MaxSize: 10, TTL: time.Minute, ComputeTimeout: 20 * time.Millisecond})
	_, err := c.GetOrCompute(context.Background(), sumOf("T"), func(ctx context.Context) (threat.Result, error) {
		<-ctx.Done()
		return threat.Result{}, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestPurge(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{MaxSize: 10, TTL: time.Minute, Now: clock.Now})
	var calls atomic.Int32
	t0 := clock.Now()

	_, _ = c.GetOrCompute(context.Background(), sumOf("old"), fixed(threat.Result{}, &calls))
	clock.Set(t0.Add(45 * time.Second))
	_, _ = c.GetOrCompute(context.Background(), sumOf("new"), fixed(threat.Result{}, &calls))

	clock.Set(t0.Add(90 * time.Second))
	if n := c.Purge(); n != 1 {
		t.Fatalf("Purge = %d, want 1", n)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestServeStopsAndEmpties(t *testing.T) {
	c := New(Options{MaxSize: 10, TTL: time.Minute, CleanupInterval: 5 * time.Millisecond})
	var calls atomic.Int32
	_, _ = c.GetOrCompute(context.Background(), sumOf("a"), fixed(threat.Result{}, &calls))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
	if c.Len() != 0 {
		t.Fatalf("Len after shutdown = %d", c.Len())
	}
}

func TestPanicBecomesSharedUpstreamError(t *testing.T) {
	c := New(Options{MaxSize: 10, TTL: time.Minute, NegativeTTL: time.Minute})
	sum := sumOf("panics")

	var calls atomic.Int32
	release := make(chan struct{})
	boom := func(context.Context) (threat.Result, error) {
		calls.Add(1)
		<-release
		var m map[string]int
		m["nil map"]++
		return threat.Result{}, nil
	}

	const callers = 5
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrCompute(context.Background(), sum, boom)
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, threat.ErrUpstream) {
			t.Fatalf("err = %v, want ErrUpstream", err)
		}
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("fn ran %d times, want 1", n)
	}

	// cached as a failure like any other upstream error
	_, err := c.GetOrCompute(context.Background(), sum, boom)
	if !errors.Is(err, threat.ErrUpstream) || calls.Load() != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls.Load())
	}
}

func TestUncachedFailureReachesCallersThatMissedEarlier(t *testing.T) {
	c := New(Options{MaxSize: 10, TTL: time.Minute, NegativeTTL: 0})
	sum := sumOf("flaky")
	upstream := fmt.Errorf("%w: 503", threat.ErrUpstream)

	// a caller misses while the leader is still working...
	_, seen, ok := c.lookup(sum)
	if ok {
		t.Fatal("unexpected hit")
	}
	// ...the leader fails and its flight is forgotten...
	if _, err := c.GetOrCompute(context.Background(), sum, func(context.Context) (threat.Result, error) {
		return threat.Result{}, upstream
	}); !errors.Is(err, upstream) {
		t.Fatalf("leader err = %v", err)
	}

	// ...before the caller reaches the group: it gets the same failure.
	var calls atomic.Int32
	_, err := c.join(context.Background(), sum, seen, fixed(threat.Result{}, &calls))
	if !errors.Is(err, upstream) {
		t.Fatalf("late caller err = %v, want the leader's failure", err)
	}
	if calls.Load() != 0 {
		t.Fatal("late caller started a second upstream call")
	}

	// a fresh request elects a new leader
	if _, err := c.GetOrCompute(context.Background(), sum, fixed(threat.Result{}, &calls)); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("fresh request calls = %d, want 1", calls.Load())
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestSettledFailureForgottenAfterGrace(t *testing.T) {
	clock := newFakeClock()
	c := New(Options{MaxSize: 10, TTL: time.Minute, Now: clock.Now})
	sum := sumOf("flaky")

	_, seen, _ := c.lookup(sum)
	_, _ = c.GetOrCompute(context.Background(), sum, func(context.Context) (threat.Result, error) {
		return threat.Result{}, threat.ErrUpstream
	})

	clock.Set(clock.Now().Add(settleGrace))
	var calls atomic.Int32
	if _, err := c.join(context.Background(), sum, seen, fixed(threat.Result{}, &calls)); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	_, seen, _ = c.lookup(sumOf("other"))
	_, _ = c.GetOrCompute(context.Background(), sumOf("other"), func(context.Context) (threat.Result, error) {
		return threat.Result{}, threat.ErrUpstream
	})
	clock.Set(clock.Now().Add(settleGrace))
	c.Purge()
	if _, ok := c.settledSince(sumOf("other"), seen); ok {
		t.Fatal("purge kept a stale failure")
	}
}
