// Package sandbox implements the ephemeral per-task container (C2): a
// Sandbox offers exec/read/write/ls/rm/fork/export to tools, and a
// SandboxHandle registry owns one Sandbox per aggregate id on behalf of the
// Tool Handler and Finish Handler (§3 Ownership, §4.2).
package sandbox

import (
	"context"
)

// ExecResult is the outcome of running a command inside the sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Sandbox is the contract every tool mutates through (§4.2). Implementations
// must make fork() produce an independent copy-on-write branch, and
// export_directory atomic per file.
type Sandbox interface {
	Exec(ctx context.Context, cmd string) (ExecResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListDirectory(ctx context.Context, path string) ([]string, error)
	DeleteFile(ctx context.Context, path string) error
	SetWorkdir(ctx context.Context, path string) error
	ExportDirectory(ctx context.Context, containerPath, hostPath string) error

	// Fork produces an independent, cheap copy-on-write branch: mutations
	// on the returned Sandbox never affect the receiver.
	Fork(ctx context.Context) (Sandbox, error)

	// Close releases the underlying container/resources.
	Close(ctx context.Context) error

	// Boxed enables dynamic dispatch over concrete Sandbox implementations
	// (§4.2 "boxed()"); it is the identity function for interface values,
	// kept to mirror the spec's contract name for callers that received a
	// concrete type from a constructor.
	Boxed() Sandbox
}
