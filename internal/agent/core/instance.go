package core

import "sync"

// ToolDefinition is the resolved descriptor of one tool, used both for
// prompt documentation and budget accounting.
type ToolDefinition struct {
	Name          string
	Description   string
	Schema        []byte // JSON Schema, nil if unvalidated
	ExampleInputs []byte // rendered in prompt documentation, optional
	EndsAgentStep bool
	TimeoutSeconds int
	MaxOutputBytes int
}

// InstanceStatus is the lifecycle state of an AgentInstance.
type InstanceStatus string

const (
	StatusIdle      InstanceStatus = "idle"
	StatusStreaming InstanceStatus = "streaming"
	StatusDispatch  InstanceStatus = "tool_dispatch"
	StatusEnded     InstanceStatus = "ended"
	StatusFailed    InstanceStatus = "failed"
	StatusCancelled InstanceStatus = "cancelled"
)

// AgentInstance is a live agent: the mutable runtime state that accumulates
// as its step loop runs. Per spec §3, the instance is mutated exclusively
// by its own loop task; sibling instances never reach into one another's
// state directly, only through the session-level registry.
type AgentInstance struct {
	mu sync.Mutex

	ID       string
	Template *AgentTemplate

	MessageHistory []*Message

	SystemPrompt     string
	ToolDefinitions  []ToolDefinition
	ContextTokenCount int

	StepsRemaining int
	Status         InstanceStatus

	// Subagents is the ordered list of child instance ids, owned by this
	// instance. Children hold only the parent id (ParentID) — no
	// parent<->child pointer cycle, per the Design Notes.
	Subagents []string
	ParentID  string
}

// NewAgentInstance creates an Idle instance ready to run.
func NewAgentInstance(id string, tmpl *AgentTemplate, stepsRemaining int) *AgentInstance {
	return &AgentInstance{
		ID:             id,
		Template:       tmpl,
		StepsRemaining: stepsRemaining,
		Status:         StatusIdle,
	}
}

// Lock acquires exclusive mutation rights. Call Unlock via the returned
// func, typically with defer.
func (a *AgentInstance) Lock() func() {
	a.mu.Lock()
	return a.mu.Unlock
}

// AppendMessage appends one message to the live history. History is
// append-only to the instance; only the pruner rewrites it wholesale.
func (a *AgentInstance) AppendMessage(m *Message) {
	a.MessageHistory = append(a.MessageHistory, m)
}

// SetMessages replaces the entire history. This is the pruner's sole write
// path (spec §4.5: "a single 'set_messages' effect").
func (a *AgentInstance) SetMessages(messages []*Message) {
	a.MessageHistory = messages
}

// SessionState is the top-level container for a run: a root instance plus
// process-wide run metadata.
type SessionState struct {
	mu sync.RWMutex

	RootInstanceID string
	Instances      map[string]*AgentInstance

	APIKeyIdentity string
	ProjectRoot    string
	Cwd            string

	// KnowledgeFiles is the auto-discovered or explicitly supplied
	// knowledge-file set (spec §8 S7).
	KnowledgeFiles []string

	// Credits is the session-level counter decremented by tool/model
	// usage. Mutated under compare-and-update discipline (fabric package).
	Credits int64

	MaxAgentSteps int
}

// NewSessionState creates an empty session with the given root id.
func NewSessionState(rootID string, maxAgentSteps int, credits int64) *SessionState {
	return &SessionState{
		RootInstanceID: rootID,
		Instances:      make(map[string]*AgentInstance),
		MaxAgentSteps:  maxAgentSteps,
		Credits:        credits,
	}
}

// Register adds an instance to the session-level registry (the "arena")
// referenced by id, avoiding parent<->child pointer cycles.
func (s *SessionState) Register(inst *AgentInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Instances[inst.ID] = inst
}

// Get resolves an instance id through the session-level registry.
func (s *SessionState) Get(id string) (*AgentInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.Instances[id]
	return inst, ok
}

// Root resolves the session's root instance.
func (s *SessionState) Root() (*AgentInstance, bool) {
	return s.Get(s.RootInstanceID)
}
