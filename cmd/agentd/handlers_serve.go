package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentloom/runtime/internal/aggregate"
	"github.com/agentloom/runtime/internal/config"
	"github.com/agentloom/runtime/internal/eventstore"
	"github.com/agentloom/runtime/internal/finishhandler"
	"github.com/agentloom/runtime/internal/llmhandler"
	"github.com/agentloom/runtime/internal/llmprovider"
	"github.com/agentloom/runtime/internal/planner"
	"github.com/agentloom/runtime/internal/runtime"
	"github.com/agentloom/runtime/internal/sandbox"
	"github.com/agentloom/runtime/internal/telemetry"
	"github.com/agentloom/runtime/internal/toolhandler"
	"github.com/agentloom/runtime/internal/toollib"
	"github.com/agentloom/runtime/internal/worker"
)

// runServe loads RuntimeConfig, wires every component, and runs the daemon
// until ctx is cancelled (SIGINT/SIGTERM), mirroring the teacher's
// serve/graceful-shutdown shape.
func runServe(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("agentd: load config: %w", err)
	}

	store, err := newEventStore(cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("agentd: event store: %w", err)
	}
	defer store.Close()

	provider, err := newProvider(cfg.Model)
	if err != nil {
		return fmt.Errorf("agentd: llm provider: %w", err)
	}

	tracer, shutdownTracer := telemetry.NewTracer(telemetry.TraceConfig{ServiceName: "agentd"})
	defer shutdownTracer(context.Background())
	metrics := telemetry.NewMetrics()

	tools := toollib.NewRegistry()
	for _, t := range []toollib.Tool{
		toollib.NewBashTool(),
		toollib.NewWriteFileTool(),
		toollib.NewReadFileTool(),
		toollib.NewLsDirTool(),
		toollib.NewRmFileTool(),
		toollib.NewEditFileTool(),
		toollib.NewUvAddTool(),
		toollib.NewExternalProbeTool(),
	} {
		if err := tools.Register(t); err != nil {
			return fmt.Errorf("agentd: register tool %s: %w", t.Name(), err)
		}
	}
	validator := toollib.NewValidator(toollib.ExecCheck("tests", "true"))
	if err := tools.Register(toollib.NewDoneTool(validator)); err != nil {
		return fmt.Errorf("agentd: register done tool: %w", err)
	}
	toolDefs := toolDefinitions(tools)

	dockerFactory := func(ctx context.Context, image string) (sandbox.Sandbox, error) {
		return sandbox.NewDockerSandbox(ctx, sandbox.DockerConfig{
			Image:   image,
			Host:    cfg.Sandbox.Host,
			Network: cfg.Sandbox.Network,
			Logger:  logger,
		})
	}
	dockerTemplateFactory := func(ctx context.Context, dockerfile string) (sandbox.Sandbox, error) {
		return sandbox.NewDockerSandbox(ctx, sandbox.DockerConfig{
			Dockerfile: dockerfile,
			Host:       cfg.Sandbox.Host,
			Network:    cfg.Sandbox.Network,
			Logger:     logger,
		})
	}
	boxes := sandbox.NewHandle(dockerFactory, dockerTemplateFactory)
	boxes.SetTelemetry(tracer, metrics)

	workerFactory := func(id string) aggregate.State {
		state := aggregate.NewState("", cfg.Model.DefaultModel)
		state.Temperature = cfg.Model.Temperature
		state.MaxTokens = cfg.Model.MaxTokens
		state.Tools = toolDefs
		return state
	}

	// "worker" hosts single-task sessions driven directly by cmd/agentctl
	// run. "task" hosts the same worker agent type but is addressed only by
	// the planner, one aggregate per dispatched task.
	workerRT := runtime.New(store, "worker", aggregate.New(worker.Extension{}, logger), workerFactory, nil, logger)
	taskRT := runtime.New(store, "task", aggregate.New(worker.Extension{}, logger), workerFactory, nil, logger)

	plannerFactory := func(id string) aggregate.State { return aggregate.NewState("", "") }
	plannerRT := runtime.New(store, "planner", aggregate.New(planner.Extension{}, logger), plannerFactory, nil, logger)

	for _, rt := range []*runtime.Runtime{workerRT, taskRT, plannerRT} {
		rt.SetTelemetry(tracer, metrics)
	}

	llmCfg := llmhandler.Config{
		Model:       cfg.Model.DefaultModel,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
	}
	toolCfg := toolhandler.Config{Image: cfg.Sandbox.Image, Dockerfile: cfg.Sandbox.Dockerfile}
	finishCfg := finishhandler.Config{Dockerfile: cfg.Sandbox.Dockerfile, ExportRoot: "artifacts"}

	registerTaskLoop(workerRT, store, "worker", boxes, tools, provider, llmCfg, toolCfg, finishCfg, tracer, metrics, logger)
	registerTaskLoop(taskRT, store, "task", boxes, tools, provider, llmCfg, toolCfg, finishCfg, tracer, metrics, logger)

	var parser planner.Parser = planner.LineSplitterParser{}
	if cfg.Planner.Model != "" {
		parser = planner.LLMParser{Provider: provider, Model: cfg.Planner.Model}
	}
	plannerHandler := planner.New("planner", parser, plannerRT, taskRT,
		planner.Config{PlannerID: "planner", ChildTerminalEventTypes: cfg.Planner.ChildTerminalEventTypes}, nil, logger)
	plannerRT.Register(plannerHandler)
	taskRT.Register(plannerHandler)

	runtimes := []*runtime.Runtime{workerRT, taskRT, plannerRT}
	errCh := make(chan error, len(runtimes))
	for _, rt := range runtimes {
		rt := rt
		go func() {
			if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- err
				return
			}
			errCh <- nil
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("agentd: shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("agentd: runtime stopped: %w", err)
		}
	}
	return nil
}

// registerTaskLoop attaches the LLM/Tool/Finish/worker handlers that drive
// a single worker-typed runtime's task loop end to end.
func registerTaskLoop(rt *runtime.Runtime, store eventstore.EventStore, streamID string, boxes *sandbox.Handle, tools *toollib.Registry, provider llmprovider.Provider, llmCfg llmhandler.Config, toolCfg toolhandler.Config, finishCfg finishhandler.Config, tracer *telemetry.Tracer, metrics *telemetry.Metrics, logger *slog.Logger) {
	llm := llmhandler.New(streamID+"-llm", rt, store, streamID, provider, llmCfg, logger)
	llm.SetTelemetry(tracer, metrics)
	rt.Register(llm)

	th := toolhandler.New(streamID+"-tools", rt, store, streamID, boxes, tools, toolCfg, logger)
	th.SetTelemetry(tracer, metrics)
	rt.Register(th)

	fh := finishhandler.New(streamID+"-finish", rt, store, streamID, boxes, tools, finishCfg, logger)
	rt.Register(fh)

	wh := worker.New(streamID+"-worker", rt, store, streamID, worker.DoneTool, logger)
	rt.Register(wh)
}

func toolDefinitions(tools *toollib.Registry) []aggregate.ToolDefinition {
	var defs []aggregate.ToolDefinition
	for _, name := range tools.Names() {
		t, ok := tools.Get(name)
		if !ok {
			continue
		}
		defs = append(defs, aggregate.ToolDefinition{Name: t.Name(), Definition: t.Definition()})
	}
	return defs
}

func newEventStore(cfg config.StoreConfig, logger *slog.Logger) (eventstore.EventStore, error) {
	switch cfg.Driver {
	case "postgres":
		pgCfg := eventstore.DefaultPostgresConfig(cfg.DSN)
		pgCfg.Logger = logger
		if cfg.MaxOpenConns > 0 {
			pgCfg.MaxOpenConns = cfg.MaxOpenConns
		}
		if cfg.MaxIdleConns > 0 {
			pgCfg.MaxIdleConns = cfg.MaxIdleConns
		}
		if cfg.ConnMaxLifetime > 0 {
			pgCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
		}
		if cfg.ConnectTimeout > 0 {
			pgCfg.ConnectTimeout = cfg.ConnectTimeout
		}
		return eventstore.NewPostgresStore(pgCfg)
	default:
		return eventstore.NewSQLiteStore(eventstore.SQLiteConfig{
			Path:       cfg.Path,
			DriverName: cfg.DriverName,
			Logger:     logger,
		})
	}
}

func newProvider(cfg config.ModelConfig) (llmprovider.Provider, error) {
	switch cfg.Provider {
	case "openai":
		return llmprovider.NewOpenAIProvider(llmprovider.OpenAIConfig{
			APIKey:       os.Getenv("OPENAI_API_KEY"),
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			MaxRetries:   cfg.MaxRetries,
		})
	case "bedrock":
		return llmprovider.NewBedrockProvider(context.Background(), llmprovider.BedrockConfig{
			Region:       cfg.Region,
			DefaultModel: cfg.DefaultModel,
			MaxRetries:   cfg.MaxRetries,
		})
	default:
		return llmprovider.NewAnthropicProvider(llmprovider.AnthropicConfig{
			APIKey:       os.Getenv("ANTHROPIC_API_KEY"),
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.DefaultModel,
			MaxRetries:   cfg.MaxRetries,
		})
	}
}
