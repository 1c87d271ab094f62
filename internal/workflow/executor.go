package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"
)

// StepStatus is the lifecycle state of one step execution.
type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusRunning   StepStatus = "running"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
	StatusSkipped   StepStatus = "skipped"
)

// StepResult is the outcome of a single step.
type StepResult struct {
	StepID      string
	Status      StepStatus
	Output      any
	Err         string
	Duration    time.Duration
	RetriesUsed int
}

// Result aggregates a full workflow execution.
type Result struct {
	Success       bool
	Steps         map[string]StepResult
	TotalDuration time.Duration
	Completed     int
	Failed        int
	Skipped       int
}

// Executor runs a DAG with bounded concurrency, per-tag rate limiting,
// per-attempt timeouts, and retry with exponential backoff and jitter.
type Executor struct {
	sem            chan struct{}
	limiters       map[string]*TokenBucket
	defaultTimeout time.Duration
}

// NewExecutor returns an executor allowing at most maxConcurrency steps
// to run simultaneously; defaultTimeout bounds attempts of steps without
// their own timeout.
func NewExecutor(maxConcurrency int, defaultTimeout time.Duration) *Executor {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 300 * time.Second
	}
	return &Executor{
		sem:            make(chan struct{}, maxConcurrency),
		limiters:       make(map[string]*TokenBucket),
		defaultTimeout: defaultTimeout,
	}
}

// RegisterLimiter attaches a token bucket to a resource tag. Steps
// carrying the tag acquire a token before each invocation.
func (e *Executor) RegisterLimiter(tag string, tb *TokenBucket) {
	e.limiters[tag] = tb
}

// Execute validates the DAG, then runs its layers in order: every
// eligible step of a layer is launched concurrently, and the next layer
// starts only after all of them reached a terminal status. A step whose
// dependency failed is recorded as skipped without invoking its function;
// a skipped dependency does not propagate. External cancellation is
// best-effort: the current layer drains and no further layer starts.
func (e *Executor) Execute(ctx context.Context, dag *DAG, values map[string]any) (Result, error) {
	if errs := dag.Validate(); len(errs) > 0 {
		return Result{}, invalidDAGError(errs)
	}
	layers, err := dag.Layers()
	if err != nil {
		return Result{}, err
	}
	if values == nil {
		values = map[string]any{}
	}

	t0 := time.Now()
	var mu sync.Mutex
	results := make(map[string]StepResult, len(dag.Steps()))
	outputs := make(map[string]any)

	for _, layer := range layers {
		if ctx.Err() != nil {
			break
		}
		var wg sync.WaitGroup
		for _, stepID := range layer {
			step := dag.Steps()[stepID]

			mu.Lock()
			depFailed := false
			for _, dep := range step.DependsOn {
				if results[dep].Status == StatusFailed {
					depFailed = true
					break
				}
			}
			if depFailed {
				results[stepID] = StepResult{StepID: stepID, Status: StatusSkipped, Err: "Dependency failed"}
				mu.Unlock()
				continue
			}
			mu.Unlock()

			wg.Add(1)
			go func(step *Step) {
				defer wg.Done()
				res := e.runStep(ctx, step, values, outputs, &mu)
				mu.Lock()
				results[step.ID] = res
				if res.Status == StatusCompleted {
					outputs[step.ID] = res.Output
				}
				mu.Unlock()
			}(step)
		}
		wg.Wait()
	}

	out := Result{
		Steps:         results,
		TotalDuration: time.Since(t0),
	}
	for _, r := range results {
		switch r.Status {
		case StatusCompleted:
			out.Completed++
		case StatusFailed:
			out.Failed++
		case StatusSkipped:
			out.Skipped++
		}
	}
	out.Success = out.Failed == 0
	return out, nil
}

// runStep executes one step: condition, concurrency permit, rate-limit
// token, then the retry loop with per-attempt timeouts.
func (e *Executor) runStep(ctx context.Context, step *Step, values map[string]any, outputs map[string]any, mu *sync.Mutex) StepResult {
	t0 := time.Now()

	if step.Condition != nil {
		ok, err := step.Condition(e.snapshot(values, outputs, mu))
		if err != nil {
			return StepResult{StepID: step.ID, Status: StatusFailed, Err: fmt.Sprintf("Condition evaluation failed: %v", err)}
		}
		if !ok {
			slog.Info("step skipped by condition", slog.String("step", step.ID))
			return StepResult{StepID: step.ID, Status: StatusSkipped}
		}
	}

	// Concurrency permit
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return StepResult{StepID: step.ID, Status: StatusFailed, Err: ctx.Err().Error(), Duration: time.Since(t0)}
	}
	defer func() { <-e.sem }()

	// Rate limiting by resource tag
	if step.ResourceTag != "" {
		if tb, ok := e.limiters[step.ResourceTag]; ok {
			if err := tb.Acquire(ctx); err != nil {
				return StepResult{StepID: step.ID, Status: StatusFailed, Err: err.Error(), Duration: time.Since(t0)}
			}
		}
	}

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	lastErr := ""
	for attempt := 0; attempt <= step.MaxRetries; attempt++ {
		output, err := e.runAttempt(ctx, step, timeout, e.snapshot(values, outputs, mu))
		if err == nil {
			slog.Info("step completed",
				slog.String("step", step.ID),
				slog.Duration("duration", time.Since(t0)),
				slog.Int("retries", attempt))
			return StepResult{
				StepID:      step.ID,
				Status:      StatusCompleted,
				Output:      output,
				Duration:    time.Since(t0),
				RetriesUsed: attempt,
			}
		}
		lastErr = err.Error()
		slog.Warn("step attempt failed",
			slog.String("step", step.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr))

		if attempt < step.MaxRetries {
			base := time.Duration(float64(step.BackoffBase) * math.Pow(2, float64(attempt)))
			jitter := time.Duration(rand.Float64() * float64(base) * 0.5)
			delay := base + jitter
			slog.Info("step retrying",
				slog.String("step", step.ID),
				slog.Duration("delay", delay))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return StepResult{
					StepID:      step.ID,
					Status:      StatusFailed,
					Err:         lastErr,
					Duration:    time.Since(t0),
					RetriesUsed: attempt,
				}
			case <-timer.C:
			}
		}
	}

	slog.Error("step failed",
		slog.String("step", step.ID),
		slog.Int("attempts", step.MaxRetries+1),
		slog.String("error", lastErr))
	return StepResult{
		StepID:      step.ID,
		Status:      StatusFailed,
		Err:         lastErr,
		Duration:    time.Since(t0),
		RetriesUsed: step.MaxRetries,
	}
}

// runAttempt invokes the step function once under a wall-clock deadline.
// A timed-out attempt counts as a failure eligible for retry, and a
// panicking step function becomes a step error instead of killing the
// process.
func (e *Executor) runAttempt(ctx context.Context, step *Step, timeout time.Duration, sc StepContext) (any, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		output any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, fmt.Errorf("step panicked: %v", r)}
			}
		}()
		out, err := step.Fn(attemptCtx, sc)
		done <- outcome{out, err}
	}()

	select {
	case o := <-done:
		return o.output, o.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("Step timed out after %gs", timeout.Seconds())
	}
}

// snapshot builds the merged step context with a copy of the current
// outputs, so step functions never see concurrent map writes.
func (e *Executor) snapshot(values map[string]any, outputs map[string]any, mu *sync.Mutex) StepContext {
	mu.Lock()
	defer mu.Unlock()
	copied := make(map[string]any, len(outputs))
	for k, v := range outputs {
		copied[k] = v
	}
	return StepContext{Values: values, Outputs: copied}
}
