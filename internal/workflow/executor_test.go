package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteDiamondPassesOutputs(t *testing.T) {
	t.Parallel()
	d := NewDAG()
	require.NoError(t, d.AddStep("a", func(_ context.Context, sc StepContext) (any, error) {
		return sc.Values["seed"].(int) * 2, nil
	}, StepOptions{}))
	require.NoError(t, d.AddStep("b", func(_ context.Context, sc StepContext) (any, error) {
		return sc.Output("a").(int) + 1, nil
	}, StepOptions{DependsOn: []string{"a"}}))
	require.NoError(t, d.AddStep("c", func(_ context.Context, sc StepContext) (any, error) {
		return sc.Output("a").(int) + 2, nil
	}, StepOptions{DependsOn: []string{"a"}}))
	require.NoError(t, d.AddStep("d", func(_ context.Context, sc StepContext) (any, error) {
		return sc.Output("b").(int) + sc.Output("c").(int), nil
	}, StepOptions{DependsOn: []string{"b", "c"}}))

	ex := NewExecutor(4, time.Minute)
	res, err := ex.Execute(context.Background(), d, map[string]any{"seed": 5})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.Completed)
	assert.Zero(t, res.Failed)
	assert.Zero(t, res.Skipped)
	assert.Equal(t, 23, res.Steps["d"].Output) // (10+1) + (10+2)
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, StatusCompleted, res.Steps[id].Status, id)
		assert.Zero(t, res.Steps[id].RetriesUsed, id)
	}
}

func TestExecuteRetryThenSucceed(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	d := NewDAG()
	require.NoError(t, d.AddStep("flaky", func(_ context.Context, _ StepContext) (any, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, StepOptions{MaxRetries: 3, BackoffBase: time.Millisecond}))

	ex := NewExecutor(1, time.Minute)
	res, err := ex.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	step := res.Steps["flaky"]
	assert.Equal(t, StatusCompleted, step.Status)
	assert.Equal(t, "ok", step.Output)
	assert.Equal(t, 2, step.RetriesUsed)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecuteRetriesExhausted(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	d := NewDAG()
	require.NoError(t, d.AddStep("broken", func(_ context.Context, _ StepContext) (any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}, StepOptions{MaxRetries: 2, BackoffBase: time.Millisecond}))

	ex := NewExecutor(1, time.Minute)
	res, err := ex.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	step := res.Steps["broken"]
	assert.Equal(t, StatusFailed, step.Status)
	assert.Equal(t, "boom", step.Err)
	assert.Equal(t, 2, step.RetriesUsed)
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecuteFailurePropagation(t *testing.T) {
	t.Parallel()
	var downstream atomic.Int32
	d := NewDAG()
	require.NoError(t, d.AddStep("a", func(_ context.Context, _ StepContext) (any, error) {
		return nil, errors.New("a failed")
	}, StepOptions{}))
	require.NoError(t, d.AddStep("b", func(_ context.Context, _ StepContext) (any, error) {
		downstream.Add(1)
		return nil, nil
	}, StepOptions{DependsOn: []string{"a"}}))
	require.NoError(t, d.AddStep("c", func(_ context.Context, _ StepContext) (any, error) {
		downstream.Add(1)
		return nil, nil
	}, StepOptions{DependsOn: []string{"b"}}))

	ex := NewExecutor(2, time.Minute)
	res, err := ex.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, "Dependency failed", res.Steps["b"].Err)
	assert.Equal(t, "Dependency failed", res.Steps["c"].Err)
	assert.Zero(t, downstream.Load(), "skipped steps must not run")
}

func TestExecutePanicBecomesStepFailure(t *testing.T) {
	t.Parallel()
	d := NewDAG()
	require.NoError(t, d.AddStep("fetch", func(_ context.Context, _ StepContext) (any, error) {
		return nil, errors.New("fetch failed")
	}, StepOptions{BackoffBase: time.Millisecond}))
	require.NoError(t, d.AddStep("left", noop, StepOptions{DependsOn: []string{"fetch"}}))
	require.NoError(t, d.AddStep("right", noop, StepOptions{DependsOn: []string{"fetch"}}))
	// Fan-in behind the skipped children still runs (skips do not
	// propagate) and trips a nil type assertion on the missing output.
	require.NoError(t, d.AddStep("merge", func(_ context.Context, sc StepContext) (any, error) {
		return sc.Output("fetch").(string), nil
	}, StepOptions{DependsOn: []string{"left", "right"}, BackoffBase: time.Millisecond}))

	ex := NewExecutor(2, time.Minute)
	res, err := ex.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StatusSkipped, res.Steps["left"].Status)
	assert.Equal(t, StatusSkipped, res.Steps["right"].Status)
	assert.Equal(t, StatusFailed, res.Steps["merge"].Status)
	assert.Contains(t, res.Steps["merge"].Err, "step panicked")
}

func TestExecuteSkippedDependencyDoesNotPropagate(t *testing.T) {
	t.Parallel()
	d := NewDAG()
	require.NoError(t, d.AddStep("gated", func(_ context.Context, _ StepContext) (any, error) {
		return nil, nil
	}, StepOptions{Condition: func(_ StepContext) (bool, error) { return false, nil }}))
	require.NoError(t, d.AddStep("after", func(_ context.Context, _ StepContext) (any, error) {
		return "ran", nil
	}, StepOptions{DependsOn: []string{"gated"}}))

	ex := NewExecutor(2, time.Minute)
	res, err := ex.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StatusSkipped, res.Steps["gated"].Status)
	assert.Equal(t, StatusCompleted, res.Steps["after"].Status)
	assert.Equal(t, "ran", res.Steps["after"].Output)
}

func TestExecuteConditionError(t *testing.T) {
	t.Parallel()
	d := NewDAG()
	require.NoError(t, d.AddStep("cond", func(_ context.Context, _ StepContext) (any, error) {
		return nil, nil
	}, StepOptions{Condition: func(_ StepContext) (bool, error) {
		return false, errors.New("bad lookup")
	}}))

	ex := NewExecutor(1, time.Minute)
	res, err := ex.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Steps["cond"].Status)
	assert.Equal(t, "Condition evaluation failed: bad lookup", res.Steps["cond"].Err)
}

func TestExecuteAttemptTimeout(t *testing.T) {
	t.Parallel()
	d := NewDAG()
	require.NoError(t, d.AddStep("slow", func(ctx context.Context, _ StepContext) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "late", nil
		}
	}, StepOptions{Timeout: 50 * time.Millisecond}))

	ex := NewExecutor(1, time.Minute)
	res, err := ex.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	step := res.Steps["slow"]
	assert.Equal(t, StatusFailed, step.Status)
	assert.Equal(t, "Step timed out after 0.05s", step.Err)
}

func TestExecuteConcurrencyCap(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	running, peak := 0, 0
	body := func(_ context.Context, _ StepContext) (any, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	}
	d := NewDAG()
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5"} {
		require.NoError(t, d.AddStep(id, body, StepOptions{}))
	}

	ex := NewExecutor(2, time.Minute)
	res, err := ex.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.LessOrEqual(t, peak, 2)
}

func TestExecuteRateLimitedSteps(t *testing.T) {
	t.Parallel()
	d := NewDAG()
	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, d.AddStep(id, func(_ context.Context, _ StepContext) (any, error) {
			return nil, nil
		}, StepOptions{ResourceTag: "api"}))
	}

	ex := NewExecutor(3, time.Minute)
	ex.RegisterLimiter("api", NewTokenBucket(10, 1))

	start := time.Now()
	res, err := ex.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	// burst of 1 at 10/s means the second and third calls wait ~100ms each
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestExecuteInvalidDAG(t *testing.T) {
	t.Parallel()
	ex := NewExecutor(1, time.Minute)
	_, err := ex.Execute(context.Background(), NewDAG(), nil)
	require.ErrorIs(t, err, ErrInvalidDAG)
}

func TestExecuteCancelledBetweenLayers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDAG()
	require.NoError(t, d.AddStep("first", func(_ context.Context, _ StepContext) (any, error) {
		cancel()
		return nil, nil
	}, StepOptions{}))
	var ran atomic.Bool
	require.NoError(t, d.AddStep("second", func(_ context.Context, _ StepContext) (any, error) {
		ran.Store(true)
		return nil, nil
	}, StepOptions{DependsOn: []string{"first"}}))

	ex := NewExecutor(1, time.Minute)
	res, err := ex.Execute(ctx, d, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Steps["first"].Status)
	assert.False(t, ran.Load(), "no layer may start after cancellation")
	_, started := res.Steps["second"]
	assert.False(t, started)
}
