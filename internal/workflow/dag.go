// Package workflow provides a general-purpose DAG runner with layered
// parallel execution, bounded concurrency, token-bucket rate limiting,
// retries with exponential backoff and jitter, per-step timeouts,
// conditional skipping, and failure propagation to dependents.
//
// Example pipeline:
//
//	extract -> save_parquet -> create_review
//	   |                          ^
//	   +-> save_json -------------+
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDuplicateStep is returned when a step id is added twice.
	ErrDuplicateStep = errors.New("duplicate step")
	// ErrInvalidDAG is returned when execution is attempted on a
	// structurally invalid graph.
	ErrInvalidDAG = errors.New("invalid DAG")
)

// StepContext is the merged context a step function receives: the
// caller-supplied values plus the outputs of every completed dependency.
type StepContext struct {
	Values  map[string]any
	Outputs map[string]any
}

// Output returns the output of a prior step, or nil when absent.
func (sc StepContext) Output(stepID string) any { return sc.Outputs[stepID] }

// StepFunc is the work a step performs. A returned error drives the retry
// state machine.
type StepFunc func(ctx context.Context, sc StepContext) (any, error)

// Condition gates a step at runtime. Returning false skips the step;
// returning an error fails it without invoking its function.
type Condition func(sc StepContext) (bool, error)

// Step is a single node in the DAG.
type Step struct {
	ID          string
	Fn          StepFunc
	DependsOn   []string
	MaxRetries  int
	BackoffBase time.Duration
	Condition   Condition
	ResourceTag string
	Timeout     time.Duration
}

// StepOptions configures a step added via AddStep.
type StepOptions struct {
	DependsOn   []string
	MaxRetries  int
	BackoffBase time.Duration // defaults to 1s
	Condition   Condition
	ResourceTag string
	Timeout     time.Duration // 0 means the executor default
}

// DAG is a directed acyclic graph of processing steps. It validates its
// own structure (missing dependencies, cycles) and computes the layered
// execution order.
type DAG struct {
	steps     map[string]*Step
	adjacency map[string][]string // parent -> children
}

// NewDAG returns an empty graph.
func NewDAG() *DAG {
	return &DAG{steps: make(map[string]*Step), adjacency: make(map[string][]string)}
}

// AddStep inserts a step. Adding an id twice returns ErrDuplicateStep.
func (d *DAG) AddStep(id string, fn StepFunc, opts StepOptions) error {
	if _, ok := d.steps[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, id)
	}
	backoff := opts.BackoffBase
	if backoff <= 0 {
		backoff = time.Second
	}
	d.steps[id] = &Step{
		ID:          id,
		Fn:          fn,
		DependsOn:   opts.DependsOn,
		MaxRetries:  opts.MaxRetries,
		BackoffBase: backoff,
		Condition:   opts.Condition,
		ResourceTag: opts.ResourceTag,
		Timeout:     opts.Timeout,
	}
	for _, dep := range opts.DependsOn {
		d.adjacency[dep] = append(d.adjacency[dep], id)
	}
	if _, ok := d.adjacency[id]; !ok {
		d.adjacency[id] = nil
	}
	return nil
}

// Steps returns the step map keyed by id.
func (d *DAG) Steps() map[string]*Step { return d.steps }

// Validate checks the graph structure and returns a list of error
// messages (empty means valid): at least one step, no edges to unknown
// steps, no cycles (Kahn's algorithm).
func (d *DAG) Validate() []string {
	var errs []string
	if len(d.steps) == 0 {
		return []string{"DAG has no steps"}
	}
	for id, step := range d.steps {
		for _, dep := range step.DependsOn {
			if _, ok := d.steps[dep]; !ok {
				errs = append(errs, fmt.Sprintf("step %q depends on %q which does not exist", id, dep))
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}

	inDegree := d.inDegrees()
	queue := make([]string, 0, len(d.steps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range d.adjacency[node] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if visited != len(d.steps) {
		errs = append(errs, fmt.Sprintf("DAG contains a cycle (visited %d/%d nodes)", visited, len(d.steps)))
	}
	return errs
}

// Layers groups steps into parallelizable execution layers: layer 0 holds
// every zero-in-degree step, layer k+1 the steps released by layer k.
// Order within a layer is unspecified.
func (d *DAG) Layers() ([][]string, error) {
	if errs := d.Validate(); len(errs) > 0 {
		return nil, invalidDAGError(errs)
	}
	inDegree := d.inDegrees()
	var current []string
	for id, deg := range inDegree {
		if deg == 0 {
			current = append(current, id)
		}
	}
	var layers [][]string
	for len(current) > 0 {
		layers = append(layers, current)
		var next []string
		for _, node := range current {
			for _, child := range d.adjacency[node] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		current = next
	}
	return layers, nil
}

func (d *DAG) inDegrees() map[string]int {
	inDegree := make(map[string]int, len(d.steps))
	for id := range d.steps {
		inDegree[id] = 0
	}
	for _, step := range d.steps {
		for _, dep := range step.DependsOn {
			if _, ok := d.steps[dep]; ok {
				inDegree[step.ID]++
			}
		}
	}
	return inDegree
}

func invalidDAGError(errs []string) error {
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e
	}
	return fmt.Errorf("%w: %s", ErrInvalidDAG, msg)
}
