package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engineersedge/orchestrator/orchestration"
)

func TestBuiltinTemplates(t *testing.T) {
	c := New(nil)

	for _, name := range []string{
		TemplateResumeBuild, TemplateExpertResearch,
		TemplateConversationContext, TemplateSingleWorker,
	} {
		tpl, err := c.Get(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, tpl.Steps, name)
		assert.NotZero(t, tpl.EstimatedDuration, name)
	}

	_, err := c.Get("nope")
	assert.ErrorIs(t, err, orchestration.ErrUnknownWorkflow)
}

func TestWorkerTypes(t *testing.T) {
	types := New(nil).WorkerTypes()

	assert.Contains(t, types, "llm")
	assert.Contains(t, types, "resume")
	assert.Contains(t, types, "research")
	assert.NotContains(t, types, "", "single-worker placeholder must be filtered")
}

func TestValidateSteps(t *testing.T) {
	t.Run("empty graph", func(t *testing.T) {
		err := ValidateSteps(nil)
		assert.ErrorIs(t, err, orchestration.ErrInvalidWorkflow)
	})

	t.Run("unknown dependency", func(t *testing.T) {
		err := ValidateSteps([]orchestration.StepSpec{
			{StepNumber: 1, WorkerType: "a", DependsOn: []int{9}},
		})
		assert.ErrorIs(t, err, orchestration.ErrInvalidWorkflow)
	})

	t.Run("duplicate step number", func(t *testing.T) {
		err := ValidateSteps([]orchestration.StepSpec{
			{StepNumber: 1, WorkerType: "a"},
			{StepNumber: 1, WorkerType: "b"},
		})
		assert.ErrorIs(t, err, orchestration.ErrInvalidWorkflow)
	})

	t.Run("cycle", func(t *testing.T) {
		err := ValidateSteps([]orchestration.StepSpec{
			{StepNumber: 1, WorkerType: "a", DependsOn: []int{2}},
			{StepNumber: 2, WorkerType: "b", DependsOn: []int{1}},
		})
		assert.ErrorIs(t, err, orchestration.ErrInvalidWorkflow)
	})

	t.Run("valid diamond", func(t *testing.T) {
		err := ValidateSteps([]orchestration.StepSpec{
			{StepNumber: 1, WorkerType: "a"},
			{StepNumber: 2, WorkerType: "b", DependsOn: []int{1}},
			{StepNumber: 3, WorkerType: "c", DependsOn: []int{1}},
			{StepNumber: 4, WorkerType: "d", DependsOn: []int{2, 3}},
		})
		assert.NoError(t, err)
	})
}

func TestInstantiate(t *testing.T) {
	c := New(nil)
	now := time.Now()

	t.Run("single-worker resolves from payload", func(t *testing.T) {
		tpl, err := c.Get(TemplateSingleWorker)
		require.NoError(t, err)

		w, err := c.Instantiate(tpl, "req-1", orchestration.Payload{"workerType": "llm"}, now)
		require.NoError(t, err)
		assert.Equal(t, "llm", w.Steps[0].WorkerType)
		assert.Equal(t, orchestration.StepPending, w.State[1].Status)
		assert.Equal(t, "req-1", w.RequestID)
	})

	t.Run("single-worker without workerType", func(t *testing.T) {
		tpl, err := c.Get(TemplateSingleWorker)
		require.NoError(t, err)

		_, err = c.Instantiate(tpl, "req-1", orchestration.Payload{}, now)
		assert.ErrorIs(t, err, orchestration.ErrInvalidWorkflow)
	})

	t.Run("template steps are copied", func(t *testing.T) {
		tpl, err := c.Get(TemplateSingleWorker)
		require.NoError(t, err)

		_, err = c.Instantiate(tpl, "req-1", orchestration.Payload{"workerType": "x"}, now)
		require.NoError(t, err)
		assert.Empty(t, tpl.Steps[0].WorkerType, "instantiation must not mutate the template")
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := []byte(`
templates:
  - name: nightly-report
    result_field: report
    estimated_duration: 3m
    steps:
      - step_number: 1
        worker_type: metrics
      - step_number: 2
        worker_type: llm
        depends_on: [1]
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	c := New(nil)
	require.NoError(t, c.LoadFile(path))

	tpl, err := c.Get("nightly-report")
	require.NoError(t, err)
	require.Len(t, tpl.Steps, 2)
	assert.EqualValues(t, defaultTimeoutMs, tpl.Steps[0].TimeoutMs, "defaults applied")
	assert.Equal(t, defaultMaxAttempts, tpl.Steps[0].RetryPolicy.MaxAttempts)

	// Built-ins survive a merge.
	_, err = c.Get(TemplateResumeBuild)
	assert.NoError(t, err)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	content := []byte(`
templates:
  - name: broken
    steps:
      - step_number: 1
        worker_type: a
        depends_on: [7]
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	c := New(nil)
	err := c.LoadFile(path)
	assert.ErrorIs(t, err, orchestration.ErrInvalidWorkflow)

	_, err = c.Get("broken")
	assert.Error(t, err, "nothing from a rejected file takes effect")
}
