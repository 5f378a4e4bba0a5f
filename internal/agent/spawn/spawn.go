// Package spawn implements the Subagent Scheduler: permission-checked
// creation of child AgentInstances, in both synchronous (parent suspends)
// and asynchronous (placeholder + later completion) modes. The manager
// keeps a registry map, an atomic active-count cap and a best-effort
// announcer callback, and matches spawn permissions by
// name/publisher/version.
package spawn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fenwick-arc/agentstep/internal/agent/core"
	"github.com/google/uuid"
)

// DefaultMaxAgentSteps is the step budget a spawned child inherits when the
// spawn call and its template both leave it unspecified.
const DefaultMaxAgentSteps = 20

// TemplateResolver resolves a matched AgentID to its template.
type TemplateResolver interface {
	Resolve(id core.AgentID) (*core.AgentTemplate, bool)
}

// Runner executes an instance's step loop to termination and returns its
// final output (the loop package implements this).
type Runner interface {
	RunToCompletion(ctx context.Context, inst *core.AgentInstance) (output string, err error)
}

// Request is the parsed input of a spawn_agents tool call.
type Request struct {
	AgentType             string
	Prompt                string
	Params                []byte
	IncludeMessageHistory bool
	StepsOverride         int // 0 means "use template/global default"
}

// SpawnNotPermittedError reports a child id with no matching allowed entry.
type SpawnNotPermittedError struct{ ChildType string }

func (e *SpawnNotPermittedError) Error() string {
	return "spawn not permitted for agent_type: " + e.ChildType
}

// TemplateNotFoundError reports a matched-but-unresolvable template id.
type TemplateNotFoundError struct{ ID core.AgentID }

func (e *TemplateNotFoundError) Error() string {
	return "template not found: " + e.ID.String()
}

// AsyncResult is the completion event posted for an asynchronous spawn.
type AsyncResult struct {
	CallID string
	Output string
	Err    error
}

// Manager creates and tracks child instances spawned from a parent.
type Manager struct {
	mu        sync.Mutex
	resolver  TemplateResolver
	runner    Runner
	session   *core.SessionState
	announcer func(childID string)

	activeCount int64
	maxActive   int64
	cancels     map[string]context.CancelFunc
}

// NewManager constructs a scheduler bound to one session's registry.
func NewManager(session *core.SessionState, resolver TemplateResolver, runner Runner, maxActive int64) *Manager {
	if maxActive <= 0 {
		maxActive = 5
	}
	return &Manager{session: session, resolver: resolver, runner: runner, maxActive: maxActive}
}

// SetAnnouncer registers a best-effort callback fired whenever a child is
// created, before it runs.
func (m *Manager) SetAnnouncer(fn func(childID string)) { m.announcer = fn }

// match resolves req.AgentType against the parent template's spawnable set
// and returns the child template, or a SpawnNotPermittedError /
// TemplateNotFoundError.
func (m *Manager) match(parent *core.AgentTemplate, agentType string) (*core.AgentTemplate, error) {
	child := core.ParseAgentID(agentType)
	matched, ok := core.ResolveSpawnable(parent.SpawnableAgents, child)
	if !ok {
		return nil, &SpawnNotPermittedError{ChildType: agentType}
	}
	tmpl, ok := m.resolver.Resolve(matched)
	if !ok {
		return nil, &TemplateNotFoundError{ID: matched}
	}
	return tmpl, nil
}

func (m *Manager) newChildInstance(parent *core.AgentInstance, tmpl *core.AgentTemplate, req Request) *core.AgentInstance {
	steps := req.StepsOverride
	if steps <= 0 {
		steps = tmpl.MaxAgentSteps
	}
	if steps <= 0 {
		steps = DefaultMaxAgentSteps
	}

	child := core.NewAgentInstance(uuid.NewString(), tmpl, steps)
	child.ParentID = parent.ID
	child.SystemPrompt = tmpl.SystemPrompt
	if tmpl.InheritParentSystemPrompt && parent.SystemPrompt != "" {
		child.SystemPrompt = parent.SystemPrompt + "\n\n" + tmpl.SystemPrompt
	}

	if req.IncludeMessageHistory {
		child.MessageHistory = stripSystemRole(parent.MessageHistory)
	}

	initial := &core.Message{Role: core.RoleUser, Parts: []core.ContentPart{core.TextPart(req.Prompt)}}
	child.AppendMessage(initial)

	parent.Subagents = append(parent.Subagents, child.ID)
	m.session.Register(child)
	return child
}

// stripSystemRole returns a copy of history with every system-role message
// removed (spec §4.4, testable property 7). The core data model has no
// system role of its own — the teacher template's resolved SystemPrompt is
// injected as a prompt field, not a history entry — so in this model
// "system-role entries" are history messages tagged INSTRUCTIONS_PROMPT,
// which is the only role-agnostic carrier of system-authored content.
func stripSystemRole(history []*core.Message) []*core.Message {
	out := make([]*core.Message, 0, len(history))
	for _, m := range history {
		if m.HasTag(core.TagInstructionsPrompt) {
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}

// SpawnSync runs the child to completion and returns its output directly;
// the caller (loop) is responsible for suspending the parent step while
// this blocks.
func (m *Manager) SpawnSync(ctx context.Context, parentInst *core.AgentInstance, req Request) (string, error) {
	tmpl, err := m.match(parentInst.Template, req.AgentType)
	if err != nil {
		return "", err
	}
	if !m.acquire() {
		return "", fmt.Errorf("subagent concurrency limit reached")
	}
	defer m.release()

	child := m.newChildInstance(parentInst, tmpl, req)
	if m.announcer != nil {
		m.announcer(child.ID)
	}
	return m.runner.RunToCompletion(ctx, child)
}

// SpawnAsync starts the child in the background against a detached
// context (so parent cancellation is handled explicitly via CancelAsync,
// not by the parent's ctx dying), and returns immediately. The result
// arrives later on the returned channel.
func (m *Manager) SpawnAsync(ctx context.Context, parentInst *core.AgentInstance, callID string, req Request) (<-chan AsyncResult, error) {
	tmpl, err := m.match(parentInst.Template, req.AgentType)
	if err != nil {
		return nil, err
	}
	if !m.acquire() {
		return nil, fmt.Errorf("subagent concurrency limit reached")
	}

	child := m.newChildInstance(parentInst, tmpl, req)
	if m.announcer != nil {
		m.announcer(child.ID)
	}

	out := make(chan AsyncResult, 1)
	runCtx, cancel := context.WithCancel(context.Background())
	m.track(child.ID, cancel)

	go func() {
		defer m.release()
		defer m.untrack(child.ID)
		output, runErr := m.runner.RunToCompletion(runCtx, child)
		out <- AsyncResult{CallID: callID, Output: output, Err: runErr}
		close(out)
	}()

	return out, nil
}

func (m *Manager) acquire() bool {
	for {
		cur := atomic.LoadInt64(&m.activeCount)
		if cur >= m.maxActive {
			return false
		}
		if atomic.CompareAndSwapInt64(&m.activeCount, cur, cur+1) {
			return true
		}
	}
}

func (m *Manager) release() { atomic.AddInt64(&m.activeCount, -1) }

// track records the cancel func for a running async child so a parent
// cancellation can propagate to descendants (spec §4.4: "Cancellation of
// the parent must also cancel any still-running async children").
func (m *Manager) track(id string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancels == nil {
		m.cancels = make(map[string]context.CancelFunc)
	}
	m.cancels[id] = cancel
}

func (m *Manager) untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancels, id)
}

// CancelAll cancels every still-running async child tracked by this
// manager.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.cancels {
		cancel()
	}
}
