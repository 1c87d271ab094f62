package usecase

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wamiri/docproc/internal/adapter/observability"
	"github.com/wamiri/docproc/internal/domain"
	"github.com/wamiri/docproc/internal/workflow"
)

type statusRecorder struct {
	status domain.DocumentStatus
	errMsg string
}

func (r *statusRecorder) Create(_ domain.Context, _ domain.Document) (string, error) {
	return "", nil
}
func (r *statusRecorder) Get(_ domain.Context, _ string) (domain.Document, error) {
	return domain.Document{}, nil
}
func (r *statusRecorder) List(_ domain.Context, _, _ int) ([]domain.Document, int64, error) {
	return nil, 0, nil
}
func (r *statusRecorder) SetStatus(_ domain.Context, _ string, status domain.DocumentStatus, errMsg string) error {
	r.status = status
	r.errMsg = errMsg
	return nil
}
func (r *statusRecorder) SetTaskID(_ domain.Context, _, _ string) error { return nil }

func TestFailTruncatesErrorMessage(t *testing.T) {
	t.Parallel()
	rec := &statusRecorder{}
	s := &ProcessService{
		docs:    rec,
		monitor: observability.NewMonitor(3600, nil),
	}

	long := strings.Repeat("x", 800)
	err := s.fail(context.Background(), "doc-1", time.Now(), long)
	require.NoError(t, err)
	assert.Equal(t, domain.DocFailed, rec.status)
	assert.Len(t, rec.errMsg, maxErrorChars)
}

func TestJoinStepErrors(t *testing.T) {
	t.Parallel()
	res := workflow.Result{Steps: map[string]workflow.StepResult{
		"extract":   {StepID: "extract", Status: workflow.StatusFailed, Err: "provider unavailable"},
		"save_json": {StepID: "save_json", Status: workflow.StatusSkipped, Err: "Dependency failed"},
	}}
	msg := joinStepErrors(res)
	assert.Contains(t, msg, "extract: provider unavailable")
	assert.NotContains(t, msg, "save_json", "skipped steps are not part of the failure message")
}

func TestJoinStepErrorsEmpty(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "workflow failed", joinStepErrors(workflow.Result{}))
}
