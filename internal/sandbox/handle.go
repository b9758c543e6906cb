package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/agentloom/runtime/internal/telemetry"
)

// Handle owns one Sandbox per aggregate id on behalf of the Tool Handler
// and Finish Handler (§3 Ownership). Operations acquire a per-id lock so
// concurrent batches across aggregates never contend (§5 Shared resources).
type Handle struct {
	mu              sync.Mutex
	locks           map[string]*sync.Mutex
	boxes           map[string]Sandbox
	factory         func(ctx context.Context, image string) (Sandbox, error)
	templateFactory func(ctx context.Context, dockerfile string) (Sandbox, error)
	tracer          *telemetry.Tracer
	metrics         *telemetry.Metrics
}

// SetTelemetry wires optional tracing/metrics around sandbox lifecycle
// operations.
func (h *Handle) SetTelemetry(tracer *telemetry.Tracer, metrics *telemetry.Metrics) {
	h.tracer = tracer
	h.metrics = metrics
}

// NewHandle creates a registry that creates sandboxes via factory (normally
// sandbox.NewDockerSandbox wrapped to take just an image name). Sandboxes
// seeded from a template directory via CreateFromDirectory use
// templateFactory instead, keyed by the Dockerfile build context; passing
// nil there defaults to building a DockerSandbox from that directory, but
// tests may substitute one that returns an in-memory sandbox.
func NewHandle(factory func(ctx context.Context, image string) (Sandbox, error), templateFactory func(ctx context.Context, dockerfile string) (Sandbox, error)) *Handle {
	if templateFactory == nil {
		templateFactory = func(ctx context.Context, dockerfile string) (Sandbox, error) {
			return NewDockerSandbox(ctx, DockerConfig{Dockerfile: dockerfile})
		}
	}
	return &Handle{
		locks:           make(map[string]*sync.Mutex),
		boxes:           make(map[string]Sandbox),
		factory:         factory,
		templateFactory: templateFactory,
	}
}

func (h *Handle) lockFor(id string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locks[id]
	if !ok {
		l = &sync.Mutex{}
		h.locks[id] = l
	}
	return l
}

// Get returns the extant sandbox for id, if any.
func (h *Handle) Get(id string) (Sandbox, bool) {
	l := h.lockFor(id)
	l.Lock()
	defer l.Unlock()
	s, ok := h.boxes[id]
	return s, ok
}

// GetOrCreate returns the extant sandbox for id, or creates one from image.
func (h *Handle) GetOrCreate(ctx context.Context, id, image string) (Sandbox, error) {
	l := h.lockFor(id)
	l.Lock()
	defer l.Unlock()
	if s, ok := h.boxes[id]; ok {
		return s, nil
	}

	start := time.Now()
	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.TraceSandboxOp(ctx, "create", id)
		defer span.End()
	}
	s, err := h.factory(ctx, image)
	h.recordOp("create", start, err)
	if err != nil {
		return nil, fmt.Errorf("sandbox handle: create for %s: %w", id, err)
	}
	h.boxes[id] = s
	return s, nil
}

// CreateFromDirectory seeds a sandbox for id from a template host directory
// and Dockerfile, replacing any sandbox already registered for id (§4.2).
func (h *Handle) CreateFromDirectory(ctx context.Context, id, templateDir, dockerfile string) (Sandbox, error) {
	l := h.lockFor(id)
	l.Lock()
	defer l.Unlock()

	start := time.Now()
	if h.tracer != nil {
		var span trace.Span
		ctx, span = h.tracer.TraceSandboxOp(ctx, "seed", id)
		defer span.End()
	}

	s, err := h.templateFactory(ctx, dockerfile)
	if err != nil {
		h.recordOp("seed", start, err)
		return nil, fmt.Errorf("sandbox handle: create from template: %w", err)
	}
	if err := seedFromDirectory(ctx, s, templateDir); err != nil {
		_ = s.Close(ctx)
		h.recordOp("seed", start, err)
		return nil, err
	}
	h.boxes[id] = s
	h.recordOp("seed", start, nil)
	return s, nil
}

func (h *Handle) recordOp(op string, start time.Time, err error) {
	if h.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	h.metrics.RecordSandboxOp(op, outcome, time.Since(start).Seconds())
}

func seedFromDirectory(ctx context.Context, s Sandbox, templateDir string) error {
	return filepath.Walk(templateDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(templateDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return s.WriteFile(ctx, rel, data)
	})
}

// TemplateHash returns a deterministic fingerprint of a template directory's
// contents, used in the Response::Seeded event (§4.6).
func TemplateHash(templateDir string) (string, error) {
	h := sha256.New()
	err := filepath.Walk(templateDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(templateDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		h.Write([]byte(rel))
		h.Write(data)
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Remove closes and forgets the sandbox for id, if any.
func (h *Handle) Remove(ctx context.Context, id string) error {
	l := h.lockFor(id)
	l.Lock()
	defer l.Unlock()
	s, ok := h.boxes[id]
	if !ok {
		return nil
	}
	delete(h.boxes, id)
	return s.Close(ctx)
}
