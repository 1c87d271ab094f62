package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(_ context.Context, _ StepContext) (any, error) { return nil, nil }

func TestDAGAddStepDuplicate(t *testing.T) {
	t.Parallel()
	d := NewDAG()
	require.NoError(t, d.AddStep("a", noop, StepOptions{}))
	err := d.AddStep("a", noop, StepOptions{})
	require.ErrorIs(t, err, ErrDuplicateStep)
}

func TestDAGValidate(t *testing.T) {
	t.Parallel()
	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		d := NewDAG()
		errs := d.Validate()
		require.Len(t, errs, 1)
		assert.Equal(t, "DAG has no steps", errs[0])
	})
	t.Run("unknown dependency", func(t *testing.T) {
		t.Parallel()
		d := NewDAG()
		require.NoError(t, d.AddStep("a", noop, StepOptions{DependsOn: []string{"ghost"}}))
		errs := d.Validate()
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], `"ghost"`)
	})
	t.Run("cycle", func(t *testing.T) {
		t.Parallel()
		d := NewDAG()
		require.NoError(t, d.AddStep("a", noop, StepOptions{DependsOn: []string{"b"}}))
		require.NoError(t, d.AddStep("b", noop, StepOptions{DependsOn: []string{"a"}}))
		errs := d.Validate()
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], "cycle")
	})
	t.Run("valid diamond", func(t *testing.T) {
		t.Parallel()
		d := diamond(t)
		assert.Empty(t, d.Validate())
	})
}

func TestDAGLayers(t *testing.T) {
	t.Parallel()
	d := diamond(t)
	layers, err := d.Layers()
	require.NoError(t, err)
	require.Len(t, layers, 3)
	assert.Equal(t, []string{"a"}, layers[0])
	assert.ElementsMatch(t, []string{"b", "c"}, layers[1])
	assert.Equal(t, []string{"d"}, layers[2])
}

func TestDAGLayersInvalid(t *testing.T) {
	t.Parallel()
	d := NewDAG()
	_, err := d.Layers()
	require.ErrorIs(t, err, ErrInvalidDAG)
}

func TestAddStepDefaultsBackoff(t *testing.T) {
	t.Parallel()
	d := NewDAG()
	require.NoError(t, d.AddStep("a", noop, StepOptions{}))
	assert.Equal(t, time.Second, d.Steps()["a"].BackoffBase)
}

// diamond builds a -> {b, c} -> d.
func diamond(t *testing.T) *DAG {
	t.Helper()
	d := NewDAG()
	require.NoError(t, d.AddStep("a", noop, StepOptions{}))
	require.NoError(t, d.AddStep("b", noop, StepOptions{DependsOn: []string{"a"}}))
	require.NoError(t, d.AddStep("c", noop, StepOptions{DependsOn: []string{"a"}}))
	require.NoError(t, d.AddStep("d", noop, StepOptions{DependsOn: []string{"b", "c"}}))
	return d
}
