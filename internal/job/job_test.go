package job

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{Queued, Processing, true},
		{Queued, Failed, true},
		{Queued, Completed, false},
		{Queued, Cancelled, false},
		{Processing, Completed, true},
		{Processing, Failed, true},
		{Processing, Cancelled, true},
		{Processing, Queued, false},
		{Completed, Failed, false},
		{Failed, Processing, false},
		{Cancelled, Completed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}

	assert.ElementsMatch(t, []Status{Queued, Processing}, Sources(Failed))
	assert.Equal(t, []Status{Queued}, Sources(Processing))
	assert.Equal(t, []Status{Processing}, Sources(Cancelled))
}

func TestJob_Lifecycle(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	j := New("a", "inputs/a.xyz", nil)
	require.NoError(t, j.Validate())
	require.NoError(t, j.Start(now))
	assert.Equal(t, Processing, j.Status)
	require.NotNil(t, j.StartedAt)

	require.Error(t, j.Complete("", now), "completion without output")
	require.NoError(t, j.Complete("meshes/a.ply", now))
	assert.Equal(t, 100, j.Progress)
	require.NoError(t, j.Validate())

	err := j.Fail("late", now)
	assert.True(t, errors.Is(err, ErrTerminal))
	assert.Empty(t, j.Error)
}

func TestJob_CancelKeepsProgress(t *testing.T) {
	j := New("b", "in", nil)
	require.NoError(t, j.Start(time.Now()))
	j.Progress = 40
	require.NoError(t, j.Cancel(time.Now()))
	assert.Equal(t, 40, j.Progress)
	assert.Empty(t, j.Error)
	assert.Empty(t, j.OutputRef)
	require.NoError(t, j.Validate())
}

func TestJob_ValidateInvariants(t *testing.T) {
	base := New("c", "in", nil)
	tests := []struct {
		name   string
		mutate func(*Job)
	}{
		{"error while queued", func(j *Job) { j.Error = "boom" }},
		{"output while queued", func(j *Job) { j.OutputRef = "x" }},
		{"failed without error", func(j *Job) { j.Status = Failed }},
		{"completed without output", func(j *Job) { j.Status = Completed }},
		{"progress above range", func(j *Job) { j.Progress = 101 }},
		{"unknown status", func(j *Job) { j.Status = "paused" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := base
			tt.mutate(&j)
			assert.Error(t, j.Validate())
		})
	}
}
