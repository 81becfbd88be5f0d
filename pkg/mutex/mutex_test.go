package mutex_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexidp/oidcrp/pkg/mutex"
	"github.com/dexidp/oidcrp/pkg/oidcerr"
)

func TestMutualExclusion(t *testing.T) {
	m := mutex.New(mutex.Options{Registry: mutex.NewRegistry()})

	var active int32
	var sawOverlap bool
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			release, err := m.Acquire(context.Background(), mutex.AcquireOptions{
				Owner: "w", Type: mutex.Write, Timeout: mutex.NoTimeout,
			})
			require.NoError(t, err)
			defer release()

			if atomic.AddInt32(&active, 1) > 1 {
				sawOverlap = true
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
		}(i)
	}
	wg.Wait()
	assert.False(t, sawOverlap, "at most one exclusive holder should exist at a time")
}

func TestTryAcquireNonBlocking(t *testing.T) {
	m := mutex.New(mutex.Options{Registry: mutex.NewRegistry()})

	release, err := m.TryAcquire("a")
	require.NoError(t, err)
	require.NotNil(t, release)

	_, err = m.TryAcquire("b")
	require.NoError(t, err)
	release2, _ := m.TryAcquire("b")
	assert.Nil(t, release2, "TryAcquire must not block when the mutex is held")

	release()
}

func TestZeroTimeoutFailsImmediately(t *testing.T) {
	m := mutex.New(mutex.Options{Registry: mutex.NewRegistry()})

	release, err := m.Acquire(context.Background(), mutex.AcquireOptions{Owner: "a", Timeout: mutex.NoTimeout})
	require.NoError(t, err)
	defer release()

	_, err = m.Acquire(context.Background(), mutex.AcquireOptions{Owner: "b", Timeout: 0})
	require.Error(t, err)
	assert.True(t, oidcerr.Is(err, oidcerr.CodeAcquireTimeout))
}

func TestAcquireTimeout(t *testing.T) {
	m := mutex.New(mutex.Options{Registry: mutex.NewRegistry()})

	release, err := m.Acquire(context.Background(), mutex.AcquireOptions{Owner: "a", Timeout: mutex.NoTimeout})
	require.NoError(t, err)
	defer release()

	_, err = m.Acquire(context.Background(), mutex.AcquireOptions{Owner: "b", Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, oidcerr.Is(err, oidcerr.CodeAcquireTimeout))
}

func TestCancellationDoesNotLeakAHold(t *testing.T) {
	m := mutex.New(mutex.Options{Registry: mutex.NewRegistry()})

	release, err := m.Acquire(context.Background(), mutex.AcquireOptions{Owner: "a", Timeout: mutex.NoTimeout})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Acquire(ctx, mutex.AcquireOptions{Owner: "b", Timeout: mutex.NoTimeout})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	err = <-done
	require.Error(t, err)
	assert.True(t, oidcerr.Is(err, oidcerr.CodeAborted))

	release()

	// The mutex must still be free for a third owner: cancellation must
	// not have leaked a hold.
	release2, err := m.Acquire(context.Background(), mutex.AcquireOptions{Owner: "c", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	release2()
}

func TestReentrancy(t *testing.T) {
	m := mutex.New(mutex.Options{Reentrant: true, Registry: mutex.NewRegistry()})

	release1, err := m.Acquire(context.Background(), mutex.AcquireOptions{Owner: "a", Type: mutex.Write, Timeout: mutex.NoTimeout})
	require.NoError(t, err)

	release2, err := m.Acquire(context.Background(), mutex.AcquireOptions{Owner: "a", Type: mutex.Write, Timeout: mutex.NoTimeout})
	require.NoError(t, err)

	// Another owner must still be blocked while "a" holds it reentrantly.
	_, err = m.Acquire(context.Background(), mutex.AcquireOptions{Owner: "b", Timeout: 0})
	require.Error(t, err)

	release2()
	_, err = m.Acquire(context.Background(), mutex.AcquireOptions{Owner: "b", Timeout: 0})
	require.Error(t, err, "the outer release must still hold the lock")

	release1()
	releaseB, err := m.Acquire(context.Background(), mutex.AcquireOptions{Owner: "b", Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	releaseB()
}

func TestFIFOLiveness(t *testing.T) {
	m := mutex.New(mutex.Options{Policy: mutex.FIFO, Registry: mutex.NewRegistry()})

	release, err := m.Acquire(context.Background(), mutex.AcquireOptions{Owner: "holder", Timeout: mutex.NoTimeout})
	require.NoError(t, err)

	var order []string
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, name := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(name string, delay time.Duration) {
			defer wg.Done()
			time.Sleep(delay)
			r, err := m.Acquire(context.Background(), mutex.AcquireOptions{Owner: name, Timeout: mutex.NoTimeout})
			require.NoError(t, err)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			r()
		}(name, time.Duration(i)*5*time.Millisecond)
	}

	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, []string{"a", "b", "c"}, order, "FIFO must serve waiters in arrival order")
}

func TestDeadlockDetection(t *testing.T) {
	reg := mutex.NewRegistry()
	m1 := mutex.New(mutex.Options{Name: "m1", Registry: reg, DeadlockStrategy: mutex.PriorityElevation})
	m2 := mutex.New(mutex.Options{Name: "m2", Registry: reg, DeadlockStrategy: mutex.PriorityElevation})

	releaseM1, err := m1.Acquire(context.Background(), mutex.AcquireOptions{Owner: "A", Timeout: mutex.NoTimeout})
	require.NoError(t, err)
	defer releaseM1()

	releaseM2, err := m2.Acquire(context.Background(), mutex.AcquireOptions{Owner: "B", Timeout: mutex.NoTimeout})
	require.NoError(t, err)
	defer releaseM2()

	// B waits on m1 (held by A) in the background, registering the wait edge.
	bWaiting := make(chan struct{})
	go func() {
		close(bWaiting)
		_, _ = m1.Acquire(context.Background(), mutex.AcquireOptions{Owner: "B", Timeout: 200 * time.Millisecond})
	}()
	<-bWaiting
	time.Sleep(20 * time.Millisecond)

	// A now tries to acquire m2, which B holds: this closes the cycle
	// A->m2->B->m1->A and must fail with DEADLOCK rather than blocking.
	_, err = m2.Acquire(context.Background(), mutex.AcquireOptions{Owner: "A", Timeout: mutex.NoTimeout})
	require.Error(t, err)
	assert.True(t, oidcerr.Is(err, oidcerr.CodeDeadlock))
}

func TestForceReleaseStrategy(t *testing.T) {
	reg := mutex.NewRegistry()
	m1 := mutex.New(mutex.Options{Name: "fr-m1", Registry: reg, DeadlockStrategy: mutex.ForceRelease, GracePeriod: 10 * time.Millisecond})
	m2 := mutex.New(mutex.Options{Name: "fr-m2", Registry: reg, DeadlockStrategy: mutex.ForceRelease, GracePeriod: 10 * time.Millisecond})

	_, err := m1.Acquire(context.Background(), mutex.AcquireOptions{Owner: "A", Timeout: mutex.NoTimeout})
	require.NoError(t, err)

	_, err = m2.Acquire(context.Background(), mutex.AcquireOptions{Owner: "B", Timeout: mutex.NoTimeout})
	require.NoError(t, err)

	bWaiting := make(chan error, 1)
	go func() {
		_, err := m1.Acquire(context.Background(), mutex.AcquireOptions{Owner: "B", Timeout: 500 * time.Millisecond})
		bWaiting <- err
	}()
	time.Sleep(20 * time.Millisecond)

	_, err = m2.Acquire(context.Background(), mutex.AcquireOptions{Owner: "A", Timeout: mutex.NoTimeout})
	require.Error(t, err)
	assert.True(t, oidcerr.Is(err, oidcerr.CodeDeadlock))

	// m2's grace period elapses and m2 is force-released. B's wait is on m1,
	// which A still holds, so it ends with its own ACQUIRE_TIMEOUT.
	bErr := <-bWaiting
	_ = bErr
}

func TestRunExclusive(t *testing.T) {
	m := mutex.New(mutex.Options{Registry: mutex.NewRegistry()})

	result, err := mutex.RunExclusive(context.Background(), m, "a", func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestBackoffDoesNotRetryAborted(t *testing.T) {
	m := mutex.New(mutex.Options{Registry: mutex.NewRegistry()})

	release, err := m.Acquire(context.Background(), mutex.AcquireOptions{Owner: "a", Timeout: mutex.NoTimeout})
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err = mutex.AcquireWithBackoff(ctx, m, mutex.AcquireOptions{Owner: "b", Timeout: mutex.NoTimeout}, mutex.DefaultBackoffOptions())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, oidcerr.Is(err, oidcerr.CodeAborted))
	assert.Less(t, elapsed, 50*time.Millisecond, "ABORTED must not trigger backoff retries")
}
