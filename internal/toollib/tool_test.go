package toollib

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/runtime/internal/sandbox"
)

func newTestRegistry(t *testing.T) (*Registry, *sandbox.MemorySandbox) {
	t.Helper()
	r := NewRegistry()
	for _, tool := range []Tool{
		NewBashTool(),
		NewWriteFileTool(),
		NewReadFileTool(),
		NewLsDirTool(),
		NewRmFileTool(),
		NewEditFileTool(),
		NewUvAddTool(),
		NewExternalProbeTool(),
	} {
		require.NoError(t, r.Register(tool))
	}
	return r, sandbox.NewMemorySandbox()
}

func TestWriteThenReadFile(t *testing.T) {
	r, box := newTestRegistry(t)
	ctx := context.Background()

	out := r.Dispatch(ctx, box, "write_file", []byte(`{"path":"hello.txt","content":"hi"}`))
	require.False(t, out.IsError)

	out = r.Dispatch(ctx, box, "read_file", []byte(`{"path":"hello.txt"}`))
	require.False(t, out.IsError)
	assert.Equal(t, "hi", out.Content)
}

func TestEditFileRequiresUniqueMatch(t *testing.T) {
	r, box := newTestRegistry(t)
	ctx := context.Background()

	r.Dispatch(ctx, box, "write_file", []byte(`{"path":"a.txt","content":"foo foo"}`))
	out := r.Dispatch(ctx, box, "edit_file", []byte(`{"path":"a.txt","find":"foo","replace":"bar"}`))
	assert.True(t, out.IsError, "ambiguous match must fail")

	r.Dispatch(ctx, box, "write_file", []byte(`{"path":"b.txt","content":"unique"}`))
	out = r.Dispatch(ctx, box, "edit_file", []byte(`{"path":"b.txt","find":"unique","replace":"changed"}`))
	require.False(t, out.IsError)

	out = r.Dispatch(ctx, box, "read_file", []byte(`{"path":"b.txt"}`))
	assert.Equal(t, "changed", out.Content)
}

func TestEditFileNoMatch(t *testing.T) {
	r, box := newTestRegistry(t)
	ctx := context.Background()
	r.Dispatch(ctx, box, "write_file", []byte(`{"path":"c.txt","content":"hello"}`))
	out := r.Dispatch(ctx, box, "edit_file", []byte(`{"path":"c.txt","find":"missing","replace":"x"}`))
	assert.True(t, out.IsError)
}

func TestDispatchUnknownTool(t *testing.T) {
	r, box := newTestRegistry(t)
	out := r.Dispatch(context.Background(), box, "no_such_tool", []byte(`{}`))
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, "not found")
}

func TestDispatchSchemaMismatch(t *testing.T) {
	r, box := newTestRegistry(t)
	out := r.Dispatch(context.Background(), box, "write_file", []byte(`{"path":"x.txt"}`))
	assert.True(t, out.IsError, "missing required field content must fail schema validation")
}

func TestNeedsReplay(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.True(t, r.NeedsReplay("bash"))
	assert.True(t, r.NeedsReplay("write_file"))
	assert.False(t, r.NeedsReplay("read_file"))
	assert.False(t, r.NeedsReplay("ls_dir"))
	assert.False(t, r.NeedsReplay("external_probe"))
	assert.True(t, r.NeedsReplay("unregistered_tool"))
}

func TestValidatorShortCircuits(t *testing.T) {
	ctx := context.Background()
	box := sandbox.NewMemorySandbox()

	var secondRan bool
	v := NewValidator(
		Check{Name: "lint", Run: func(ctx context.Context, box sandbox.Sandbox) (bool, string, error) {
			return false, "syntax error", nil
		}},
		Check{Name: "test", Run: func(ctx context.Context, box sandbox.Sandbox) (bool, string, error) {
			secondRan = true
			return true, "", nil
		}},
	)

	ok, reason, err := v.Run(ctx, box)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, "lint")
	assert.False(t, secondRan, "validator must short-circuit on first failure")
}

func TestDoneToolGatesOnValidator(t *testing.T) {
	ctx := context.Background()
	box := sandbox.NewMemorySandbox()

	passing := NewValidator(Check{Name: "ok", Run: func(ctx context.Context, box sandbox.Sandbox) (bool, string, error) {
		return true, "", nil
	}})
	tool := NewDoneTool(passing)
	out, err := tool.Call(ctx, box, []byte(`{"summary":"did the thing"}`))
	require.NoError(t, err)
	assert.False(t, out.IsError)
	assert.Equal(t, "success", out.Content)

	failing := NewValidator(Check{Name: "lint", Run: func(ctx context.Context, box sandbox.Sandbox) (bool, string, error) {
		return false, "bad syntax", nil
	}})
	tool = NewDoneTool(failing)
	out, err = tool.Call(ctx, box, []byte(`{"summary":"did the thing"}`))
	require.NoError(t, err)
	assert.True(t, out.IsError)
}
