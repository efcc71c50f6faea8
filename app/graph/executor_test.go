package graph

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tutorgraph/app/failure"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testState struct {
	Log   []string `json:"log"`
	Input string   `json:"input"`
	Left  *string  `json:"left"`
	Right *string  `json:"right"`
	Route []NodeID `json:"route"`
	Turns int      `json:"turns"`
}

type testUpdate struct {
	Log   []string
	Input string
	Left  *string
	Right *string
	Route []NodeID
	Turns int
}

func reduceTest(s testState, u testUpdate) testState {
	return testState{
		Log:   Append(s.Log, u.Log),
		Input: KeepNonEmpty(s.Input, u.Input),
		Left:  Replace(s.Left, u.Left),
		Right: Replace(s.Right, u.Right),
		Route: Overwrite(s.Route, u.Route),
		Turns: Sum(s.Turns, u.Turns),
	}
}

func logNode(name string) Node[testState, testUpdate] {
	return NodeFunc[testState, testUpdate](func(context.Context, testState) (testUpdate, error) {
		return testUpdate{Log: []string{name}}, nil
	})
}

func begin(input string) StartFunc[testState, testUpdate] {
	return func(Checkpoint[testState]) (testUpdate, bool, error) {
		return testUpdate{Input: input, Turns: 1}, false, nil
	}
}

func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	var mu sync.Mutex
	return func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return ctx.Err()
	}
}

func linearGraph(t *testing.T, a, b Node[testState, testUpdate]) *Graph[testState, testUpdate] {
	t.Helper()

	g, err := NewBuilder("linear", reduceTest).
		AddNode("a", a).
		AddNode("b", b).
		AddEdge("a", "b").
		AddEdge("b", End).
		SetEntry("a").
		OnRoute(func(d Decision) testUpdate { return testUpdate{Route: d.Route()} }).
		Compile()
	require.NoError(t, err)

	return g
}

func TestRunCheckpointsEveryStep(t *testing.T) {
	store := NewMemoryCheckpointer[testState]()
	exec := NewExecutor(linearGraph(t, logNode("a"), logNode("b")), store, Options{})

	res, err := exec.Run(context.Background(), "t1", begin("hello"))
	require.NoError(t, err)

	assert.Equal(t, StatusTerminal, res.Status)
	assert.Equal(t, int64(3), res.Step)
	assert.Equal(t, []string{"a", "b"}, res.State.Log)
	assert.Equal(t, []NodeID{End}, res.State.Route)

	history, err := store.History(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, []NodeID{"a"}, history[2].Next)
	assert.Equal(t, []NodeID{"b"}, history[1].Next)
	assert.Equal(t, []NodeID{"a"}, history[1].Ran)
	assert.Equal(t, StatusTerminal, history[0].Status)
	assert.Empty(t, history[0].Next)
}

func TestRunRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	flaky := NodeFunc[testState, testUpdate](func(context.Context, testState) (testUpdate, error) {
		if calls.Add(1) == 1 {
			return testUpdate{}, failure.New(failure.KindUnavailable, "flaky", errors.New("503"))
		}
		return testUpdate{Log: []string{"a"}}, nil
	})

	var delays []time.Duration
	exec := NewExecutor(linearGraph(t, flaky, logNode("b")), NewMemoryCheckpointer[testState](), Options{
		Retry: RetryPolicy{MaxAttempts: 2, Initial: 100 * time.Millisecond, Multiplier: 2},
	})
	exec.sleep = noSleep(&delays)

	res, err := exec.Run(context.Background(), "t1", begin("x"))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond}, delays)
	assert.Equal(t, []string{"a", "b"}, res.State.Log)
}

func TestRunDoesNotRetryPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	broken := NodeFunc[testState, testUpdate](func(context.Context, testState) (testUpdate, error) {
		calls.Add(1)
		return testUpdate{}, failure.New(failure.KindSchemaViolation, "broken", errors.New("bad"))
	})

	exec := NewExecutor(linearGraph(t, broken, logNode("b")), NewMemoryCheckpointer[testState](), Options{
		Retry: RetryPolicy{MaxAttempts: 3},
	})

	_, err := exec.Run(context.Background(), "t1", begin("x"))
	require.ErrorIs(t, err, failure.ErrSchemaViolation)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFailedStepKeepsLastCheckpointAndResumes(t *testing.T) {
	var (
		down   atomic.Bool
		aCalls atomic.Int32
	)
	down.Store(true)

	a := NodeFunc[testState, testUpdate](func(context.Context, testState) (testUpdate, error) {
		aCalls.Add(1)
		return testUpdate{Log: []string{"a"}}, nil
	})
	b := NodeFunc[testState, testUpdate](func(context.Context, testState) (testUpdate, error) {
		if down.Load() {
			return testUpdate{}, failure.New(failure.KindTimeout, "b", context.DeadlineExceeded)
		}
		return testUpdate{Log: []string{"b"}}, nil
	})

	store := NewMemoryCheckpointer[testState]()
	var delays []time.Duration
	exec := NewExecutor(linearGraph(t, a, b), store, Options{
		Retry: RetryPolicy{MaxAttempts: 2, Initial: time.Millisecond},
	})
	exec.sleep = noSleep(&delays)

	res, err := exec.Run(context.Background(), "t1", begin("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrTimeout)

	var nodeErr *NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, NodeID("b"), nodeErr.Node)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, int64(2), res.Step)
	assert.Equal(t, []string{"a"}, res.State.Log)
	assert.Len(t, delays, 1)

	latest, err := store.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Step)
	assert.Equal(t, []NodeID{"b"}, latest.Next)
	assert.True(t, latest.Pending())

	down.Store(false)

	res, err = exec.Resume(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, StatusTerminal, res.Status)
	assert.Equal(t, []string{"a", "b"}, res.State.Log)
	assert.Equal(t, int32(1), aCalls.Load())

	_, err = exec.Resume(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestResumedRunMatchesUninterrupted(t *testing.T) {
	uninterrupted := NewExecutor(linearGraph(t, logNode("a"), logNode("b")), NewMemoryCheckpointer[testState](), Options{})
	want, err := uninterrupted.Run(context.Background(), "t1", begin("x"))
	require.NoError(t, err)

	store := &flakyStore{MemoryCheckpointer: NewMemoryCheckpointer[testState](), failAt: 3}
	exec := NewExecutor(linearGraph(t, logNode("a"), logNode("b")), store, Options{})

	_, err = exec.Run(context.Background(), "t1", begin("x"))
	require.ErrorIs(t, err, failure.ErrPersistence)

	got, err := exec.Resume(context.Background(), "t1")
	require.NoError(t, err)

	if diff := cmp.Diff(want.State, got.State); diff != "" {
		t.Errorf("resumed state mismatch (-want +got):\n%s", diff)
	}
}

func TestFanOutJoinsInTargetOrder(t *testing.T) {
	slow := NodeFunc[testState, testUpdate](func(ctx context.Context, _ testState) (testUpdate, error) {
		select {
		case <-time.After(20 * time.Millisecond):
		case <-ctx.Done():
			return testUpdate{}, ctx.Err()
		}
		v := "left"
		return testUpdate{Log: []string{"left"}, Left: &v}, nil
	})
	fast := NodeFunc[testState, testUpdate](func(context.Context, testState) (testUpdate, error) {
		v := "right"
		return testUpdate{Log: []string{"right"}, Right: &v}, nil
	})

	g, err := NewBuilder("fan", reduceTest).
		AddNode("hub", NodeFunc[testState, testUpdate](func(context.Context, testState) (testUpdate, error) {
			return testUpdate{}, nil
		})).
		AddNode("left", slow).
		AddNode("right", fast).
		AddEdge("left", "hub").
		AddEdge("right", "hub").
		AddConditionalEdges("hub", func(s testState) Decision {
			if s.Left == nil && s.Right == nil {
				return To("left", "right")
			}
			return Terminal()
		}).
		SetEntry("hub").
		Compile()
	require.NoError(t, err)

	exec := NewExecutor(g, NewMemoryCheckpointer[testState](), Options{})

	res, err := exec.Run(context.Background(), "t1", begin("x"))
	require.NoError(t, err)

	assert.Equal(t, []string{"left", "right"}, res.State.Log)
	require.NotNil(t, res.State.Left)
	require.NotNil(t, res.State.Right)
	assert.Equal(t, int64(4), res.Step)
}

func TestFanOutMergeIsOrderIndependent(t *testing.T) {
	left, right := "left", "right"
	start := testState{Input: "x"}

	lu := testUpdate{Left: &left}
	ru := testUpdate{Right: &right}

	ab := reduceTest(reduceTest(start, lu), ru)
	ba := reduceTest(reduceTest(start, ru), lu)

	assert.Empty(t, cmp.Diff(ab, ba))
}

func TestFallbackDegradesFailure(t *testing.T) {
	broken := NodeFunc[testState, testUpdate](func(context.Context, testState) (testUpdate, error) {
		return testUpdate{}, failure.New(failure.KindNoResults, "search", nil)
	})

	g, err := NewBuilder("fallback", reduceTest).
		AddNode("a", broken, NoRetry()).
		AddNode("b", logNode("b")).
		AddEdge("a", "b").
		AddEdge("b", End).
		SetFallback("a", func(_ testState, err error) (testUpdate, bool) {
			return testUpdate{Log: []string{"a:" + string(failure.KindOf(err))}}, true
		}).
		SetEntry("a").
		Compile()
	require.NoError(t, err)

	res, err := NewExecutor(g, NewMemoryCheckpointer[testState](), Options{}).Run(context.Background(), "t1", begin("x"))
	require.NoError(t, err)

	assert.Equal(t, []string{"a:no_results", "b"}, res.State.Log)
}

func TestPersistenceFailureIsFatal(t *testing.T) {
	store := &flakyStore{MemoryCheckpointer: NewMemoryCheckpointer[testState](), failAt: 2}
	exec := NewExecutor(linearGraph(t, logNode("a"), logNode("b")), store, Options{})

	res, err := exec.Run(context.Background(), "t1", begin("x"))
	require.ErrorIs(t, err, failure.ErrPersistence)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, int64(1), res.Step)
	assert.Empty(t, res.State.Log)
}

func TestBeginFailureLeavesThreadUntouched(t *testing.T) {
	store := &flakyStore{MemoryCheckpointer: NewMemoryCheckpointer[testState](), failAt: 1}
	exec := NewExecutor(linearGraph(t, logNode("a"), logNode("b")), store, Options{})

	_, err := exec.Run(context.Background(), "t1", begin("x"))
	require.ErrorIs(t, err, failure.ErrPersistence)

	latest, err := store.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusInit, latest.Status)
}

func TestStepLimit(t *testing.T) {
	g, err := NewBuilder("loop", reduceTest).
		AddNode("a", logNode("a")).
		AddEdge("a", "a").
		SetEntry("a").
		Compile()
	require.NoError(t, err)

	_, err = NewExecutor(g, NewMemoryCheckpointer[testState](), Options{MaxSteps: 3}).Run(context.Background(), "t1", begin("x"))
	assert.ErrorIs(t, err, ErrStepLimit)
}

func TestCancelledRunWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	a := NodeFunc[testState, testUpdate](func(context.Context, testState) (testUpdate, error) {
		cancel()
		return testUpdate{Log: []string{"a"}}, nil
	})

	store := NewMemoryCheckpointer[testState]()
	_, err := NewExecutor(linearGraph(t, a, logNode("b")), store, Options{}).Run(ctx, "t1", begin("x"))
	require.ErrorIs(t, err, context.Canceled)

	latest, err := store.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Step)
}

func TestPanickingNodeFails(t *testing.T) {
	boom := NodeFunc[testState, testUpdate](func(context.Context, testState) (testUpdate, error) {
		panic("boom")
	})

	_, err := NewExecutor(linearGraph(t, boom, logNode("b")), NewMemoryCheckpointer[testState](), Options{}).
		Run(context.Background(), "t1", begin("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestInvokeRunsWithoutStore(t *testing.T) {
	exec := NewExecutor(linearGraph(t, logNode("a"), logNode("b")), nil, Options{})

	state, err := exec.Invoke(context.Background(), testState{Input: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, state.Log)

	_, err = exec.Run(context.Background(), "t1", begin("x"))
	assert.Error(t, err)
}

func TestConcurrentRunsOnThreadAreSerialized(t *testing.T) {
	store := NewMemoryCheckpointer[testState]()
	exec := NewExecutor(linearGraph(t, logNode("a"), logNode("b")), store, Options{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := exec.Run(context.Background(), "t1", begin("x"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	latest, err := store.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(24), latest.Step)
	assert.Equal(t, 8, latest.State.Turns)
	assert.Len(t, latest.State.Log, 16)
}

func TestCompileValidates(t *testing.T) {
	_, err := NewBuilder("bad", reduceTest).
		AddNode("a", logNode("a")).
		AddNode("a", logNode("a")).
		AddNode("b", logNode("b")).
		AddEdge("a", "missing").
		SetEntry("nowhere").
		Compile()

	require.ErrorIs(t, err, ErrInvalidGraph)
	assert.Contains(t, err.Error(), "added twice")
	assert.Contains(t, err.Error(), "entry node")
	assert.Contains(t, err.Error(), "node b has no outgoing edge")
	assert.Contains(t, err.Error(), "edge to unknown node missing")
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Initial: 100 * time.Millisecond, Max: 300 * time.Millisecond, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 300*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Duration(0), RetryPolicy{}.Delay(1))
}

type flakyStore struct {
	*MemoryCheckpointer[testState]
	failAt int64
	failed bool
}

func (f *flakyStore) Put(ctx context.Context, cp Checkpoint[testState]) error {
	if cp.Step == f.failAt && !f.failed {
		f.failed = true
		return errors.New("disk unplugged")
	}

	return f.MemoryCheckpointer.Put(ctx, cp)
}
