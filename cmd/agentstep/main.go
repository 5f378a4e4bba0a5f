// Package main provides the CLI entry point for agentstep: a single-agent
// runtime driven by the Agent Step Loop and its Context-Pruning Governor.
//
// # Basic Usage
//
// Run a prompt against the default root template:
//
//	agentstep run --config agentstep.yaml "summarize README.md"
//
// # Environment Variables
//
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY / GOOGLE_API_KEY: provider credentials
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fenwick-arc/agentstep/internal/agent"
	"github.com/fenwick-arc/agentstep/internal/agent/core"
	"github.com/fenwick-arc/agentstep/internal/agent/dispatch"
	"github.com/fenwick-arc/agentstep/internal/agent/fabric"
	"github.com/fenwick-arc/agentstep/internal/agent/spawn"
	"github.com/fenwick-arc/agentstep/internal/agent/tape"
	"github.com/fenwick-arc/agentstep/internal/jobs"
	"github.com/fenwick-arc/agentstep/internal/tools/files"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agentstep",
		Short:        "agentstep - Agent Step Loop runtime with a context-pruning governor",
		Version:      fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildRunCmd(), buildToolsCmd())
	return rootCmd
}

// buildRunCmd creates "run", the command that drives one root
// AgentInstance to completion on a single prompt.
func buildRunCmd() *cobra.Command {
	var (
		configPath string
		templateID string
		credits    int64
		maxSteps   int
		tracePath  string
		recordPath string
		replayPath string
	)
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run a single agent turn to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if credits > 0 {
				cfg.Governor.Credits = credits
			}
			if maxSteps > 0 {
				cfg.Governor.MaxAgentSteps = maxSteps
			}
			if tracePath != "" {
				cfg.Governor.TracePath = tracePath
			}
			if recordPath != "" {
				cfg.Tape.RecordPath = recordPath
			}
			if replayPath != "" {
				cfg.Tape.ReplayPath = replayPath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			session := core.NewSessionState(uuid.NewString(), cfg.Governor.MaxAgentSteps, cfg.Governor.Credits)

			env, err := newEngine(ctx, cfg, session)
			if err != nil {
				return fmt.Errorf("build engine: %w", err)
			}
			defer env.Close()

			tmpl := env.templates.byID[templateID]
			if tmpl == nil {
				tmpl = defaultRootTemplate(cfg, env.dispatcher)
			}

			root := core.NewAgentInstance(session.RootInstanceID, tmpl, cfg.Governor.MaxAgentSteps)
			root.SystemPrompt = tmpl.SystemPrompt
			root.ToolDefinitions = env.dispatcher.ResolveToolDefinitions(tmpl.AllowedTools)
			root.AppendMessage(&core.Message{Role: core.RoleUser, Parts: []core.ContentPart{core.TextPart(args[0])}})
			session.Register(root)

			out, err := env.loop.RunToCompletion(env.cancel.Context(), root)
			if err != nil {
				return fmt.Errorf("run failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "agentstep.yaml", "Path to YAML configuration file")
	cmd.Flags().StringVar(&templateID, "template", "root", "Root agent template id")
	cmd.Flags().Int64Var(&credits, "credits", 0, "Override the governor credit ledger size")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 0, "Override the root instance's step budget")
	cmd.Flags().StringVar(&tracePath, "trace", "", "Write a JSONL event trace to this path")
	cmd.Flags().StringVar(&recordPath, "record", "", "Record the LLM conversation to this tape file")
	cmd.Flags().StringVar(&replayPath, "replay", "", "Replay the LLM conversation from this tape file instead of calling a live model")
	return cmd
}

// buildToolsCmd creates "tools list", a diagnostic command that prints
// every built-in tool's name without running an agent.
func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tools", Short: "Inspect the registered tool set"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the closed built-in tool set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := defaultConfig()
			dispatcher := newBuiltinDispatcher(cfg)
			out := cmd.OutOrStdout()
			for _, name := range builtinToolNames {
				if _, ok := dispatcher.Lookup(name); ok {
					fmt.Fprintf(out, "  - %s\n", name)
				}
			}
			return nil
		},
	})
	return cmd
}

var builtinToolNames = []string{
	"read_files", "write_file", "str_replace", "code_search",
	"spawn_agents", "spawn_agents_async", "subagent_status", "subagent_cancel",
	"think_deeply", agent.EndTurnTool, "set_messages",
}

// engine bundles the collaborators one process needs to run the Agent Step
// Loop: the dispatcher with builtins registered, the subagent scheduler,
// the step loop itself, and the template registry run picks its root
// template from.
type engine struct {
	dispatcher *dispatch.Dispatcher
	spawner    *spawn.Manager
	loop       *agent.StepLoop
	templates  *templateRegistry
	cancel     *fabric.Signal
	trace      *agent.TracePlugin
	recorder   *tape.Recorder
	tapePath   string
}

// Close flushes the trace file and/or writes the recorded tape, if either
// was opened.
func (e *engine) Close() error {
	if e.trace != nil {
		if err := e.trace.Close(); err != nil {
			return err
		}
	}
	if e.recorder == nil {
		return nil
	}
	data, err := e.recorder.Tape().Marshal()
	if err != nil {
		return fmt.Errorf("marshal tape: %w", err)
	}
	if err := os.WriteFile(e.tapePath, data, 0o644); err != nil {
		return fmt.Errorf("write tape %s: %w", e.tapePath, err)
	}
	return nil
}

func newEngine(ctx context.Context, cfg *Config, session *core.SessionState) (*engine, error) {
	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}

	var recorder *tape.Recorder
	switch {
	case cfg.Tape.ReplayPath != "":
		data, err := os.ReadFile(cfg.Tape.ReplayPath)
		if err != nil {
			return nil, fmt.Errorf("read tape %s: %w", cfg.Tape.ReplayPath, err)
		}
		recordedTape, err := tape.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("parse tape %s: %w", cfg.Tape.ReplayPath, err)
		}
		provider = tape.NewReplayer(recordedTape)
	case cfg.Tape.RecordPath != "":
		recorder = tape.NewRecorder(provider)
		provider = recorder
	}

	templates, err := loadTemplates(cfg.Templates)
	if err != nil {
		return nil, err
	}

	inbox := agent.NewAsyncInbox()

	// The step loop is spawn.Manager's Runner, but spawn.Manager must exist
	// before the step loop can be constructed (NewStepLoop takes the
	// spawner by value). lazyRunner breaks the cycle: it forwards to
	// whichever *agent.StepLoop is assigned to its field, which happens
	// immediately below, before any spawn_agents call can reach it.
	runner := &lazyRunner{}
	spawner := spawn.NewManager(session, templates, runner, 5)

	dispatcher := newBuiltinDispatcherWithDeps(cfg, spawner, inbox)

	cancel := fabric.NewSignal(ctx)
	ledger := fabric.NewCreditLedger(cfg.Governor.Credits)

	stepCfg := agent.NewStepLoopConfig(agent.StepLoopConfig{
		MaxContextLength: cfg.Governor.MaxContextTokens,
		MaxMessageTokens: cfg.Governor.MaxMessageTokens,
		ProjectRoot:      cfg.Workspace.Path,
	})
	loop := agent.NewStepLoop(stepCfg, provider, dispatcher, spawner, ledger, cancel)
	loop.SetAsyncInbox(inbox)
	loop.SetResultGuard(agent.ToolResultGuard{
		Enabled:         cfg.Governor.ResultGuard.Enabled,
		MaxChars:        cfg.Governor.ResultGuard.MaxChars,
		Denylist:        cfg.Governor.ResultGuard.Denylist,
		RedactPatterns:  cfg.Governor.ResultGuard.RedactPatterns,
		SanitizeSecrets: cfg.Governor.ResultGuard.SanitizeSecrets,
	})
	runner.loop = loop

	var trace *agent.TracePlugin
	if cfg.Governor.TracePath != "" {
		trace, err = agent.NewTracePluginFile(cfg.Governor.TracePath, session.RootInstanceID)
		if err != nil {
			return nil, fmt.Errorf("open trace file: %w", err)
		}
		registry := agent.NewPluginRegistry()
		registry.Use(trace)
		loop.SetEvents(agent.NewEventEmitterWithPlugins(session.RootInstanceID, registry))
	}

	return &engine{
		dispatcher: dispatcher, spawner: spawner, loop: loop, templates: templates, cancel: cancel,
		trace: trace, recorder: recorder, tapePath: cfg.Tape.RecordPath,
	}, nil
}

// newBuiltinDispatcher registers the closed built-in tool set without a
// live spawn scheduler, for commands (like "tools list") that only need to
// inspect what is registered.
func newBuiltinDispatcher(cfg *Config) *dispatch.Dispatcher {
	return newBuiltinDispatcherWithDeps(cfg, nil, nil)
}

func newBuiltinDispatcherWithDeps(cfg *Config, spawner *spawn.Manager, inbox *agent.AsyncInbox) *dispatch.Dispatcher {
	dispatcher := dispatch.New(cfg.Workspace.Path)
	agent.RegisterBuiltins(dispatcher, agent.BuiltinDeps{
		Files: files.Config{
			Workspace:    cfg.Workspace.Path,
			MaxReadBytes: 200000,
		},
		Spawner:    spawner,
		AsyncInbox: inbox,
		JobStore:   buildJobStore(cfg),
	})
	return dispatcher
}

// buildJobStore returns the Cockroach-backed store when jobs.dsn is set in
// the config, logging a warning and falling back to the in-memory store if
// the connection can't be established, so a misconfigured DSN degrades a
// run instead of failing it outright.
func buildJobStore(cfg *Config) jobs.Store {
	if cfg.Jobs.DSN == "" {
		return jobs.NewMemoryStore()
	}
	store, err := jobs.NewCockroachStoreFromDSN(cfg.Jobs.DSN, nil)
	if err != nil {
		slog.Warn("falling back to in-memory job store", "error", err)
		return jobs.NewMemoryStore()
	}
	return store
}

// lazyRunner defers to a *agent.StepLoop assigned after construction,
// resolving the StepLoop/spawn.Manager constructor cycle: NewStepLoop
// needs the spawner, NewManager needs a Runner.
type lazyRunner struct{ loop *agent.StepLoop }

func (r *lazyRunner) RunToCompletion(ctx context.Context, inst *core.AgentInstance) (string, error) {
	return r.loop.RunToCompletion(ctx, inst)
}

func defaultRootTemplate(cfg *Config, d *dispatch.Dispatcher) *core.AgentTemplate {
	allowed := map[string]bool{}
	for _, name := range builtinToolNames {
		allowed[name] = true
	}
	model := cfg.LLM.Providers[cfg.LLM.DefaultProvider].DefaultModel
	return &core.AgentTemplate{
		ID:           "root",
		DisplayName:  "Root agent",
		Model:        model,
		Provider:     cfg.LLM.DefaultProvider,
		SystemPrompt: "You are a careful software engineering assistant operating on a local workspace.",
		AllowedTools: allowed,
		Trusted:      true,
	}
}
