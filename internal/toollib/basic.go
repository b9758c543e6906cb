package toollib

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentloom/runtime/internal/sandbox"
)

// bashTool runs an arbitrary shell command in the sandbox (§4.3).
type bashTool struct{}

func NewBashTool() Tool { return bashTool{} }

func (bashTool) Name() string { return "bash" }
func (bashTool) Definition() json.RawMessage {
	return schema(map[string]interface{}{
		"command": strProp("Shell command to run in the sandbox workdir"),
	}, "command")
}
func (bashTool) NeedsReplay() bool { return true }

func (bashTool) Call(ctx context.Context, box sandbox.Sandbox, args json.RawMessage) (Output, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Output{}, err
	}
	res, err := box.Exec(ctx, in.Command)
	if err != nil {
		return Output{}, err
	}
	body := res.Stdout
	if res.Stderr != "" {
		body += "\n" + res.Stderr
	}
	return Output{Content: body, IsError: res.ExitCode != 0}, nil
}

// writeFileTool overwrites a file with new content (§4.3).
type writeFileTool struct{}

func NewWriteFileTool() Tool { return writeFileTool{} }

func (writeFileTool) Name() string { return "write_file" }
func (writeFileTool) Definition() json.RawMessage {
	return schema(map[string]interface{}{
		"path":    strProp("File path, relative to the sandbox workdir"),
		"content": strProp("New file content"),
	}, "path", "content")
}
func (writeFileTool) NeedsReplay() bool { return true }

func (writeFileTool) Call(ctx context.Context, box sandbox.Sandbox, args json.RawMessage) (Output, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Output{}, err
	}
	if err := box.WriteFile(ctx, in.Path, []byte(in.Content)); err != nil {
		return Output{}, err
	}
	return Output{Content: fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path)}, nil
}

// readFileTool returns a file's contents unmodified (§4.3, pure read).
type readFileTool struct{}

func NewReadFileTool() Tool { return readFileTool{} }

func (readFileTool) Name() string { return "read_file" }
func (readFileTool) Definition() json.RawMessage {
	return schema(map[string]interface{}{
		"path": strProp("File path, relative to the sandbox workdir"),
	}, "path")
}
func (readFileTool) NeedsReplay() bool { return false }

func (readFileTool) Call(ctx context.Context, box sandbox.Sandbox, args json.RawMessage) (Output, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Output{}, err
	}
	data, err := box.ReadFile(ctx, in.Path)
	if err != nil {
		return Output{Content: err.Error(), IsError: true}, nil
	}
	return Output{Content: string(data)}, nil
}

// lsDirTool lists a directory's entries (§4.3, pure read).
type lsDirTool struct{}

func NewLsDirTool() Tool { return lsDirTool{} }

func (lsDirTool) Name() string { return "ls_dir" }
func (lsDirTool) Definition() json.RawMessage {
	return schema(map[string]interface{}{
		"path": strProp("Directory path, relative to the sandbox workdir"),
	}, "path")
}
func (lsDirTool) NeedsReplay() bool { return false }

func (lsDirTool) Call(ctx context.Context, box sandbox.Sandbox, args json.RawMessage) (Output, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Output{}, err
	}
	names, err := box.ListDirectory(ctx, in.Path)
	if err != nil {
		return Output{Content: err.Error(), IsError: true}, nil
	}
	return Output{Content: strings.Join(names, "\n")}, nil
}

// rmFileTool deletes a file (§4.3).
type rmFileTool struct{}

func NewRmFileTool() Tool { return rmFileTool{} }

func (rmFileTool) Name() string { return "rm_file" }
func (rmFileTool) Definition() json.RawMessage {
	return schema(map[string]interface{}{
		"path": strProp("File path, relative to the sandbox workdir"),
	}, "path")
}
func (rmFileTool) NeedsReplay() bool { return true }

func (rmFileTool) Call(ctx context.Context, box sandbox.Sandbox, args json.RawMessage) (Output, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Output{}, err
	}
	if err := box.DeleteFile(ctx, in.Path); err != nil {
		return Output{Content: err.Error(), IsError: true}, nil
	}
	return Output{Content: fmt.Sprintf("removed %s", in.Path)}, nil
}

// editFileTool performs a single find/replace, failing unless find matches
// the file's content exactly once (§4.3).
type editFileTool struct{}

func NewEditFileTool() Tool { return editFileTool{} }

func (editFileTool) Name() string { return "edit_file" }
func (editFileTool) Definition() json.RawMessage {
	return schema(map[string]interface{}{
		"path":    strProp("File path, relative to the sandbox workdir"),
		"find":    strProp("Exact text to locate, must occur exactly once"),
		"replace": strProp("Replacement text"),
	}, "path", "find", "replace")
}
func (editFileTool) NeedsReplay() bool { return true }

func (editFileTool) Call(ctx context.Context, box sandbox.Sandbox, args json.RawMessage) (Output, error) {
	var in struct {
		Path    string `json:"path"`
		Find    string `json:"find"`
		Replace string `json:"replace"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Output{}, err
	}
	data, err := box.ReadFile(ctx, in.Path)
	if err != nil {
		return Output{Content: err.Error(), IsError: true}, nil
	}
	content := string(data)
	count := strings.Count(content, in.Find)
	if count == 0 {
		return Output{Content: fmt.Sprintf("find string not found in %s", in.Path), IsError: true}, nil
	}
	if count > 1 {
		return Output{Content: fmt.Sprintf("find string occurs %d times in %s, must be unique", count, in.Path), IsError: true}, nil
	}
	updated := strings.Replace(content, in.Find, in.Replace, 1)
	if err := box.WriteFile(ctx, in.Path, []byte(updated)); err != nil {
		return Output{}, err
	}
	return Output{Content: fmt.Sprintf("edited %s", in.Path)}, nil
}

// uvAddTool adds a Python dependency via uv (§4.3).
type uvAddTool struct{}

func NewUvAddTool() Tool { return uvAddTool{} }

func (uvAddTool) Name() string { return "uv_add" }
func (uvAddTool) Definition() json.RawMessage {
	return schema(map[string]interface{}{
		"package": strProp("Package spec to add, e.g. \"requests>=2\""),
	}, "package")
}
func (uvAddTool) NeedsReplay() bool { return true }

func (uvAddTool) Call(ctx context.Context, box sandbox.Sandbox, args json.RawMessage) (Output, error) {
	var in struct {
		Package string `json:"package"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Output{}, err
	}
	res, err := box.Exec(ctx, "uv add "+shellQuoteArg(in.Package))
	if err != nil {
		return Output{}, err
	}
	body := res.Stdout
	if res.Stderr != "" {
		body += "\n" + res.Stderr
	}
	return Output{Content: body, IsError: res.ExitCode != 0}, nil
}

func shellQuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// externalProbeTool stands in for read-only calls against an external API
// (the databricks_* family named in the spec). It sets NeedsReplay false:
// replaying history must never re-issue a network request (§4.8, §8
// Replay correctness).
type externalProbeTool struct{}

func NewExternalProbeTool() Tool { return externalProbeTool{} }

func (externalProbeTool) Name() string { return "external_probe" }
func (externalProbeTool) Definition() json.RawMessage {
	return schema(map[string]interface{}{
		"query": strProp("Read-only query against an external system"),
	}, "query")
}
func (externalProbeTool) NeedsReplay() bool { return false }

func (externalProbeTool) Call(ctx context.Context, box sandbox.Sandbox, args json.RawMessage) (Output, error) {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Output{}, err
	}
	return Output{Content: fmt.Sprintf("external_probe is unconfigured; query %q not executed", in.Query), IsError: true}, nil
}
