// Package agent hosts the Agent Step Loop: the engine that advances one
// AgentInstance a step at a time by streaming from an LLM provider,
// extracting tool calls via the stream parser, dispatching them, and
// running the context pruner between steps. The phase shape is stream →
// dispatch → continue, looping until end_turn, with the governor's
// termination and pruning rules rather than a plain
// no-tool-calls-means-done heuristic.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fenwick-arc/agentstep/internal/agent/core"
	"github.com/fenwick-arc/agentstep/internal/agent/dispatch"
	"github.com/fenwick-arc/agentstep/internal/agent/fabric"
	"github.com/fenwick-arc/agentstep/internal/agent/prune"
	"github.com/fenwick-arc/agentstep/internal/agent/spawn"
	"github.com/fenwick-arc/agentstep/internal/agent/stream"
	"github.com/fenwick-arc/agentstep/internal/tools/policy"
	"github.com/fenwick-arc/agentstep/pkg/models"
	"log/slog"
)

// EndTurnTool is the built-in tool whose explicit call always ends a step.
const EndTurnTool = "end_turn"

// Credit costs charged against the session-level CreditLedger as usage
// occurs. The billing interface itself (spec §6) is an external
// collaborator; these are the core's fixed unit costs for the two kinds of
// usage it meters directly.
const (
	modelCallCreditCost = 1
	toolCallCreditCost  = 1
)

// DefaultNonProgressTools is set L from spec §4.1: a step composed
// entirely of calls/results from this set ends the turn even without an
// explicit end_turn call.
var DefaultNonProgressTools = map[string]bool{
	"think_deeply": true,
}

// StepOutcome is the result of one runStep call.
type StepOutcome string

const (
	OutcomeEndedTurn         StepOutcome = "EndedTurn"
	OutcomeContinueNextStep  StepOutcome = "ContinueNextStep"
	OutcomeFailedWithError   StepOutcome = "FailedWithError"
	OutcomeCancelled         StepOutcome = "Cancelled"
)

// ModelError wraps a provider-side stream failure, preserved verbatim.
type ModelError struct{ Cause error }

func (e *ModelError) Error() string { return "model error: " + e.Cause.Error() }
func (e *ModelError) Unwrap() error { return e.Cause }

// StepBudgetExhaustedError is terminal: the instance ran out of steps.
type StepBudgetExhaustedError struct{ InstanceID string }

func (e *StepBudgetExhaustedError) Error() string {
	return "step budget exhausted for instance " + e.InstanceID
}

// CreditsExhaustedError is terminal.
type CreditsExhaustedError struct{}

func (e *CreditsExhaustedError) Error() string { return "credits exhausted" }

// StepLoopConfig configures a StepLoop, following the same
// Default*/merge-with-override-wins shape as RuntimeOptions.
type StepLoopConfig struct {
	MaxContextLength int
	MaxMessageTokens int
	NonProgressTools map[string]bool
	ProjectRoot      string
	Logger           *slog.Logger

	// Runtime carries the per-call timeout, retry, and concurrency knobs
	// the dispatcher and tool handlers read.
	Runtime RuntimeOptions
}

// DefaultStepLoopConfig returns baseline configuration.
func DefaultStepLoopConfig() StepLoopConfig {
	return StepLoopConfig{
		MaxContextLength: 200000,
		MaxMessageTokens: 150000,
		NonProgressTools: DefaultNonProgressTools,
		Logger:           slog.Default(),
		Runtime:          DefaultRuntimeOptions(),
	}
}

// NewStepLoopConfig applies override on top of DefaultStepLoopConfig,
// override-field-wins-if-nonzero, mirroring mergeRuntimeOptions.
func NewStepLoopConfig(override StepLoopConfig) StepLoopConfig {
	merged := DefaultStepLoopConfig()
	if override.MaxContextLength > 0 {
		merged.MaxContextLength = override.MaxContextLength
	}
	if override.MaxMessageTokens > 0 {
		merged.MaxMessageTokens = override.MaxMessageTokens
	}
	if override.NonProgressTools != nil {
		merged.NonProgressTools = override.NonProgressTools
	}
	if override.ProjectRoot != "" {
		merged.ProjectRoot = override.ProjectRoot
	}
	if override.Logger != nil {
		merged.Logger = override.Logger
	}
	merged.Runtime = mergeRuntimeOptions(merged.Runtime, override.Runtime)
	return merged
}

// StepLoop drives AgentInstances. One StepLoop is shared by a whole
// session tree; each AgentInstance's step is still owned exclusively by
// the single logical task running it (spec §5).
type StepLoop struct {
	cfg        StepLoopConfig
	provider   LLMProvider
	dispatcher *dispatch.Dispatcher
	spawner    *spawn.Manager
	credits    *fabric.CreditLedger
	cancel     *fabric.Signal
	asyncInbox *AsyncInbox

	// approvals gates dangerous tool calls before dispatch. Nil disables
	// the check entirely (every call is dispatched).
	approvals *ApprovalChecker

	// events reports run/iteration/model/tool progress. Nil disables
	// reporting entirely; RunStep and RunToCompletion stay correct either
	// way since every emit call is nil-checked.
	events *EventEmitter

	// resultGuard redacts and truncates tool output before it is appended
	// to an instance's message history. Zero value is inactive.
	resultGuard ToolResultGuard
	// resolver expands tool groups/aliases when resultGuard evaluates its
	// denylist against a dispatched call.
	resolver *policy.Resolver
}

// NewStepLoop wires a step loop from its collaborators.
func NewStepLoop(cfg StepLoopConfig, provider LLMProvider, dispatcher *dispatch.Dispatcher, spawner *spawn.Manager, credits *fabric.CreditLedger, cancel *fabric.Signal) *StepLoop {
	if cfg.NonProgressTools == nil {
		cfg.NonProgressTools = DefaultNonProgressTools
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StepLoop{
		cfg: cfg, provider: provider, dispatcher: dispatcher, spawner: spawner, credits: credits, cancel: cancel,
		approvals:   cfg.Runtime.ApprovalChecker,
		resultGuard: cfg.Runtime.ToolResultGuard,
		resolver:    policy.NewResolver(),
	}
}

// SetApprovals attaches an approval gate; RunStep checks every tool call
// against it before dispatch.
func (l *StepLoop) SetApprovals(checker *ApprovalChecker) { l.approvals = checker }

// SetAsyncInbox attaches the inbox RunStep drains for completed
// asynchronous subagent spawns. Nil (the default) disables draining.
func (l *StepLoop) SetAsyncInbox(inbox *AsyncInbox) { l.asyncInbox = inbox }

// SetEvents attaches an event emitter; RunStep and RunToCompletion report
// run/iteration/model/tool progress through it.
func (l *StepLoop) SetEvents(events *EventEmitter) { l.events = events }

// SetResultGuard replaces the redaction/truncation policy applied to
// successful tool results before they are appended to an instance's
// message history.
func (l *StepLoop) SetResultGuard(guard ToolResultGuard) { l.resultGuard = guard }

// RunStep advances instance exactly one step. Input constraint:
// instance.StepsRemaining > 0 and the session is not cancelled.
func (l *StepLoop) RunStep(ctx context.Context, inst *core.AgentInstance) (StepOutcome, error) {
	if l.cancel != nil && l.cancel.Cancelled() {
		return OutcomeCancelled, nil
	}
	if inst.StepsRemaining <= 0 {
		return OutcomeFailedWithError, &StepBudgetExhaustedError{InstanceID: inst.ID}
	}
	if l.credits != nil && l.credits.Exhausted() {
		return OutcomeFailedWithError, &CreditsExhaustedError{}
	}

	unlock := inst.Lock()
	defer unlock()

	if l.events != nil {
		l.events.IterStarted(ctx)
		defer l.events.IterFinished(ctx)
	}

	if l.asyncInbox != nil {
		for _, res := range l.asyncInbox.Drain(inst.ID) {
			inst.AppendMessage(&core.Message{
				Role:       core.RoleTool,
				ToolCallID: res.CallID,
				ToolName:   "spawn_agents_async",
				Parts:      []core.ContentPart{core.JSONPart(json.RawMessage(asyncResultToolContent(res)))},
			})
		}
	}

	inst.Status = core.StatusStreaming

	budget := prune.Budget{
		MaxContextLength:   l.cfg.MaxContextLength,
		SystemPromptTokens: core.CountTokensString(inst.SystemPrompt),
		ToolDefTokens:      toolDefTokens(inst.ToolDefinitions),
		MaxMessageTokens:   l.cfg.MaxMessageTokens,
	}
	inst.SetMessages(prune.Prune(inst.MessageHistory, budget))
	inst.ContextTokenCount = core.CountHistoryTokens(inst.MessageHistory)

	instructions := &core.Message{
		Role:  core.RoleUser,
		Parts: []core.ContentPart{core.TextPart(buildInstructionsPrompt(inst))},
	}
	instructions.AddTag(core.TagInstructionsPrompt)
	inst.AppendMessage(instructions)

	req := buildCompletionRequest(inst)

	chunks, err := l.provider.Complete(ctx, req)
	if err != nil {
		inst.Status = core.StatusFailed
		return OutcomeFailedWithError, &ModelError{Cause: err}
	}
	if l.credits != nil {
		if ok, _ := l.credits.Spend(modelCallCreditCost); !ok {
			inst.Status = core.StatusFailed
			return OutcomeFailedWithError, &CreditsExhaustedError{}
		}
	}

	parser := stream.NewParser()
	for _, def := range inst.ToolDefinitions {
		parser.DeclareTool(def.Name, def.EndsAgentStep)
	}

	assistantMsg := &core.Message{Role: core.RoleAssistant}
	var calls []core.ToolCallRequest
	var streamText string
	var inputTokens, outputTokens int

	for chunk := range chunks {
		if l.cancel != nil && l.cancel.Cancelled() {
			inst.Status = core.StatusCancelled
			return OutcomeCancelled, nil
		}
		if chunk.Error != nil {
			inst.Status = core.StatusFailed
			return OutcomeFailedWithError, &ModelError{Cause: chunk.Error}
		}
		inputTokens += chunk.InputTokens
		outputTokens += chunk.OutputTokens
		if chunk.Text != "" {
			streamText += chunk.Text
			if l.events != nil {
				l.events.ModelDelta(ctx, chunk.Text)
			}
			for _, ev := range parser.Feed(chunk.Text) {
				if ev.Kind == stream.EventToolCall {
					calls = append(calls, ev.Call)
				}
			}
		}
		if chunk.ToolCall != nil {
			call := parser.EmitNative(chunk.ToolCall.ID, chunk.ToolCall.Name, chunk.ToolCall.Input, false)
			calls = append(calls, call)
		}
	}
	parser.Flush()
	if l.events != nil {
		l.events.ModelCompleted(ctx, l.provider.Name(), req.Model, inputTokens, outputTokens)
	}

	if streamText != "" {
		assistantMsg.Parts = append(assistantMsg.Parts, core.TextPart(streamText))
	}

	inst.Status = core.StatusDispatch

	resultNames := make(map[string]bool)
	callNames := make(map[string]bool)

	for _, call := range calls {
		callNames[call.ToolName] = true
		toolCallPart := core.ToolCallPart(call.ID, call.ToolName, call.Input, call.EndsAgentStep)
		assistantMsg.Parts = append(assistantMsg.Parts, toolCallPart)
	}
	if !assistantMsg.IsEmpty() {
		inst.AppendMessage(assistantMsg)
	}

	for _, call := range calls {
		if l.cancel != nil && l.cancel.Cancelled() {
			result := dispatch.Result{IsError: true, ErrorKind: "Cancelled"}
			inst.AppendMessage(toolResultMessage(call, result))
			inst.Status = core.StatusCancelled
			return OutcomeCancelled, nil
		}

		if l.approvals != nil {
			decision, reason := l.approvals.Check(ctx, instanceAgentID(inst), models.ToolCall{ID: call.ID, Name: call.ToolName, Input: call.Input})
			if decision != ApprovalAllowed {
				resultNames[call.ToolName] = true
				inst.AppendMessage(toolResultMessage(call, errorToolResult("ApprovalRequired", fmt.Errorf("%s: %s", decision, reason))))
				continue
			}
		}

		if l.credits != nil {
			if ok, _ := l.credits.Spend(toolCallCreditCost); !ok {
				resultNames[call.ToolName] = true
				inst.AppendMessage(toolResultMessage(call, errorToolResult("CreditsExhausted", &CreditsExhaustedError{})))
				inst.Status = core.StatusFailed
				return OutcomeFailedWithError, &CreditsExhaustedError{}
			}
		}

		if l.events != nil {
			l.events.ToolStarted(ctx, call.ID, call.ToolName, call.Input)
		}
		toolStart := time.Now()
		result, dispErr := l.dispatcher.Dispatch(core.WithInstance(ctx, inst), call, "")
		if dispErr != nil {
			switch dispErr.(type) {
			case *dispatch.UnknownToolError:
				result = errorToolResult("UnknownTool", dispErr)
			default:
				result = errorToolResult("ToolHandlerError", dispErr)
			}
		}
		if l.resultGuard.active() && !result.IsError {
			guarded := l.resultGuard.Apply(call.ToolName, models.ToolResult{ToolCallID: call.ID, Content: string(result.Content)}, l.resolver)
			if guarded.Content != string(result.Content) {
				if encoded, err := json.Marshal(guarded.Content); err == nil {
					result.Content = encoded
				}
			}
		}
		if l.events != nil {
			l.events.ToolFinished(ctx, call.ID, call.ToolName, !result.IsError, result.Content, time.Since(toolStart))
		}
		resultNames[call.ToolName] = true
		inst.AppendMessage(toolResultMessage(call, result))
	}

	if endsTurn(calls, callNames, resultNames, l.cfg.NonProgressTools) {
		inst.Status = core.StatusEnded
		return OutcomeEndedTurn, nil
	}

	hasMore := inst.StepsRemaining > 0
	if hasMore {
		inst.StepsRemaining--
		hasMore = inst.StepsRemaining > 0
	}
	if !hasMore {
		inst.Status = core.StatusFailed
		return OutcomeFailedWithError, &StepBudgetExhaustedError{InstanceID: inst.ID}
	}

	return OutcomeContinueNextStep, nil
}

// RunToCompletion loops RunStep until the instance reaches a terminal
// outcome, returning its final text output. It implements spawn.Runner so
// the Subagent Scheduler can drive a freshly created child to termination.
func (l *StepLoop) RunToCompletion(ctx context.Context, inst *core.AgentInstance) (string, error) {
	if l.events != nil {
		l.events.RunStarted(ctx)
	}
	for {
		outcome, err := l.RunStep(ctx, inst)
		switch outcome {
		case OutcomeEndedTurn:
			if l.events != nil {
				l.events.RunFinished(ctx, nil)
			}
			return lastAssistantText(inst.MessageHistory), nil
		case OutcomeContinueNextStep:
			continue
		case OutcomeCancelled:
			if l.events != nil {
				l.events.RunCancelled(ctx)
			}
			return "", context.Canceled
		default:
			if l.events != nil {
				l.events.RunError(ctx, err, false)
			}
			return "", err
		}
	}
}

// endsTurn implements spec §4.1's termination rule: explicit end_turn call,
// or every element of C and R lies in the non-progress set L (vacuously
// true when there were no calls at all).
func endsTurn(calls []core.ToolCallRequest, callNames, resultNames map[string]bool, nonProgress map[string]bool) bool {
	for _, c := range calls {
		if c.ToolName == EndTurnTool {
			return true
		}
	}
	if len(calls) == 0 {
		return true
	}
	for name := range callNames {
		if !nonProgress[name] {
			return false
		}
	}
	for name := range resultNames {
		if !nonProgress[name] {
			return false
		}
	}
	return true
}

func toolResultMessage(call core.ToolCallRequest, result dispatch.Result) *core.Message {
	content := result.Content
	if content == nil {
		content = json.RawMessage(`{}`)
	}
	part := core.JSONPart(json.RawMessage(content))
	if result.IsError {
		part = core.JSONPart(map[string]any{"error": string(content), "kind": result.ErrorKind})
	}
	return &core.Message{
		Role:       core.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.ToolName,
		Parts:      []core.ContentPart{part},
	}
}

// instanceAgentID gives the approval checker a policy key: the template id
// if one is attached, else the raw instance id for an untemplated instance.
func instanceAgentID(inst *core.AgentInstance) string {
	if inst.Template != nil && inst.Template.ID != "" {
		return inst.Template.ID
	}
	return inst.ID
}

func errorToolResult(kind string, err error) dispatch.Result {
	msg, _ := json.Marshal(map[string]string{"error": err.Error()})
	return dispatch.Result{Content: msg, IsError: true, ErrorKind: kind}
}

func toolDefTokens(defs []core.ToolDefinition) int {
	total := 0
	for _, d := range defs {
		total += core.CountTokensString(d.Name) + core.CountTokensString(d.Description)
		total += core.CountTokensString(string(d.Schema))
	}
	return total
}

func lastAssistantText(history []*core.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != core.RoleAssistant {
			continue
		}
		for _, p := range history[i].Parts {
			if p.Kind == core.PartText {
				return p.Text
			}
		}
	}
	return ""
}

// buildInstructionsPrompt renders the per-step instructions block: the
// spawnable-subagent description and any custom tool instructions, per
// spec §4.1 step 2.
func buildInstructionsPrompt(inst *core.AgentInstance) string {
	out := "Follow the system prompt. Respond with text or tool calls as needed."
	if inst.Template == nil {
		return out
	}
	for _, child := range inst.Template.SpawnableAgents {
		line := fmt.Sprintf("\n- spawnable agent %s", child.String())
		out += line
	}
	return out
}

func buildCompletionRequest(inst *core.AgentInstance) *CompletionRequest {
	req := &CompletionRequest{
		System: inst.SystemPrompt,
	}
	if inst.Template != nil {
		req.Model = inst.Template.Model
		if inst.Template.Reasoning.Enabled {
			req.EnableThinking = true
			req.ThinkingBudgetTokens = inst.Template.Reasoning.MaxTokens
		}
	}
	for _, def := range inst.ToolDefinitions {
		req.Tools = append(req.Tools, toolDefinitionAdapter{def})
	}
	for _, m := range inst.MessageHistory {
		req.Messages = append(req.Messages, toCompletionMessage(m))
	}
	return req
}

// toolDefinitionAdapter makes a core.ToolDefinition satisfy the provider
// package's Tool interface, so the closed tool set the template resolved
// (core.ToolDefinition) is what actually reaches the model's function-
// calling request rather than only governing the stream parser and
// dispatcher sides of the loop.
type toolDefinitionAdapter struct{ def core.ToolDefinition }

func (a toolDefinitionAdapter) Name() string        { return a.def.Name }
func (a toolDefinitionAdapter) Description() string { return a.def.Description }

func (a toolDefinitionAdapter) Schema() json.RawMessage {
	if a.def.Schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(a.def.Schema)
}

func (a toolDefinitionAdapter) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return nil, fmt.Errorf("toolDefinitionAdapter is a description-only adapter; dispatch executes %s", a.def.Name)
}

func toCompletionMessage(m *core.Message) CompletionMessage {
	cm := CompletionMessage{Role: string(m.Role)}
	for _, p := range m.Parts {
		switch p.Kind {
		case core.PartText:
			cm.Content += p.Text
		case core.PartJSON:
			b, _ := json.Marshal(p.JSON)
			cm.Content += string(b)
		}
	}
	return cm
}
