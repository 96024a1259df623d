// Package storetest holds behaviour checks shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/scriptd/internal/execution"
	"github.com/loykin/scriptd/internal/store"
)

// Run exercises s, which must be empty with its schema in place.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	t.Run("ScriptCRUD", func(t *testing.T) { scriptCRUD(t, s) })
	t.Run("ScriptFilter", func(t *testing.T) { scriptFilter(t, s) })
	t.Run("Executions", func(t *testing.T) { executions(t, s) })
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func script(id, name string, tags []string, at time.Time) store.Script {
	return store.Script{
		ID:          id,
		Name:        name,
		Description: "about " + name,
		Content:     "echo " + name,
		Tags:        tags,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

func scriptCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()
	sc := script("crud-1", "crud", []string{"ops", " ops ", ""}, base)
	require.NoError(t, s.CreateScript(ctx, sc))

	got, err := s.GetScript(ctx, "crud-1")
	require.NoError(t, err)
	assert.Equal(t, "crud", got.Name)
	assert.Equal(t, []string{"ops"}, got.Tags)
	assert.True(t, got.CreatedAt.Equal(base))

	dup := script("crud-2", "crud", nil, base)
	assert.ErrorIs(t, s.CreateScript(ctx, dup), store.ErrConflict)
	assert.ErrorIs(t, s.CreateScript(ctx, script("crud-3", "  ", nil, base)), store.ErrInvalid)

	sc.Content = "echo changed"
	sc.Tags = nil
	sc.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, s.UpdateScript(ctx, sc))
	got, err = s.GetScript(ctx, "crud-1")
	require.NoError(t, err)
	assert.Equal(t, "echo changed", got.Content)
	assert.Empty(t, got.Tags)
	assert.True(t, got.UpdatedAt.Equal(base.Add(time.Minute)))

	missing := script("nope", "nope", nil, base)
	assert.ErrorIs(t, s.UpdateScript(ctx, missing), store.ErrNotFound)

	require.NoError(t, s.DeleteScript(ctx, "crud-1"))
	_, err = s.GetScript(ctx, "crud-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteScript(ctx, "crud-1"), store.ErrNotFound)
}

func scriptFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateScript(ctx, script("f-1", "backup-db", []string{"db", "nightly"}, base)))
	require.NoError(t, s.CreateScript(ctx, script("f-2", "rotate-logs", []string{"logs"}, base.Add(time.Second))))
	require.NoError(t, s.CreateScript(ctx, script("f-3", "Deploy", []string{"dbx"}, base.Add(2*time.Second))))

	all, err := s.ListScripts(ctx, store.ScriptFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "f-3", all[0].ID, "most recently updated first")
	assert.Equal(t, "f-1", all[2].ID)

	byTag, err := s.ListScripts(ctx, store.ScriptFilter{Tag: "db"})
	require.NoError(t, err)
	require.Len(t, byTag, 1, "tag match is exact")
	assert.Equal(t, "f-1", byTag[0].ID)

	bySearch, err := s.ListScripts(ctx, store.ScriptFilter{Search: "DEPLOY"})
	require.NoError(t, err)
	require.Len(t, bySearch, 1)
	assert.Equal(t, "f-3", bySearch[0].ID)

	byDesc, err := s.ListScripts(ctx, store.ScriptFilter{Search: "about rotate"})
	require.NoError(t, err)
	require.Len(t, byDesc, 1)

	n, err := s.CountScripts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// LIKE wildcards in filters match literally
	wild := script("f-4", "100%_done", []string{"abc", `a\c`}, base.Add(3*time.Second))
	require.NoError(t, s.CreateScript(ctx, wild))
	for _, tag := range []string{"a_c", "%", "_", `a\`} {
		got, err := s.ListScripts(ctx, store.ScriptFilter{Tag: tag})
		require.NoError(t, err)
		assert.Empty(t, got, "tag %q", tag)
	}
	got, err := s.ListScripts(ctx, store.ScriptFilter{Tag: `a\c`})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "f-4", got[0].ID)

	for search, want := range map[string]int{"%": 1, "0%_": 1, "_": 1, "p_l": 0, "x%y": 0} {
		got, err := s.ListScripts(ctx, store.ScriptFilter{Search: search})
		require.NoError(t, err)
		assert.Len(t, got, want, "search %q", search)
	}
}

func executions(t *testing.T, s store.Store) {
	ctx := context.Background()
	e1 := execution.New("x-1", "s-1", "first", base)
	e2 := execution.New("x-2", "s-1", "first", base.Add(time.Second))
	e3 := execution.New("x-3", "s-2", "second", base.Add(2*time.Second))
	for _, e := range []execution.Execution{e1, e2, e3} {
		require.NoError(t, s.CreateExecution(ctx, e))
	}
	assert.ErrorIs(t, s.CreateExecution(ctx, e1), store.ErrConflict)

	got, err := s.GetExecution(ctx, "x-1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusRunning, got.Status)
	assert.Nil(t, got.ExitCode)
	assert.Nil(t, got.CompletedAt)

	e1.Output = "hello\n"
	e1.Error = "warn\n"
	require.NoError(t, e1.Finish(execution.StatusCompleted, 0, base.Add(3*time.Second)))
	require.NoError(t, s.UpdateExecution(ctx, e1))
	require.NoError(t, e2.Finish(execution.StatusFailed, 2, base.Add(4*time.Second)))
	require.NoError(t, s.UpdateExecution(ctx, e2))

	got, err = s.GetExecution(ctx, "x-1")
	require.NoError(t, err)
	assert.Equal(t, execution.StatusCompleted, got.Status)
	assert.Equal(t, "hello\n", got.Output)
	assert.Equal(t, "warn\n", got.Error)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 3*time.Second, got.Duration())

	list, err := s.ListExecutions(ctx, store.ExecutionFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"x-3", "x-2", "x-1"}, ids(list))

	list, err = s.ListExecutions(ctx, store.ExecutionFilter{ScriptID: "s-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"x-2", "x-1"}, ids(list))

	list, err = s.ListExecutions(ctx, store.ExecutionFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"x-2"}, ids(list))

	n, err := s.CountExecutions(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = s.CountExecutions(ctx, "s-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	running, err := s.ListRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"x-3"}, ids(running))

	c, err := s.AggregateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Total: 3, Successful: 1, Failed: 1, Running: 1}, c)

	_, err = s.GetExecution(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.ErrorIs(t, s.UpdateExecution(ctx, execution.New("missing", "s", "n", base)), store.ErrNotFound)
}

func ids(list []execution.Execution) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.ID
	}
	return out
}
