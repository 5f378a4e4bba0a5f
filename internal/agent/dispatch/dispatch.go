// Package dispatch executes validated tool calls and returns structured
// results, routing across the three tool categories spec §4.3 defines as a
// closed set: built-in, client-invokable, and custom.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fenwick-arc/agentstep/internal/agent/core"
)

// Category is the closed set of tool kinds the dispatcher routes between.
type Category string

const (
	CategoryBuiltIn Category = "builtin"
	CategoryClient  Category = "client"
	CategoryCustom  Category = "custom"
)

// Result is the structured outcome of one tool invocation. It is always
// returned as data, never as a Go error from Handler.Execute — handler
// failures are carried in IsError/ErrorKind so the loop can route them to a
// tool-result message.
type Result struct {
	Content        json.RawMessage
	IsError        bool
	ErrorKind      string
	Truncated      bool
	OriginalSize   int
}

// ClientTransport sends a sanitized call to the external client and awaits
// its structured response (spec §6 client transport).
type ClientTransport interface {
	Dispatch(ctx context.Context, callID, toolName string, sanitizedInput json.RawMessage) (Result, error)
}

// Handler executes one tool category's in-process call.
type Handler interface {
	Execute(ctx context.Context, callID string, input json.RawMessage) (Result, error)
}

// Definition is the resolved configuration for one registered tool (spec
// §4.3's "Recognized configuration options on a tool definition").
type Definition struct {
	Name           string
	Category       Category
	Description    string
	Schema         Schema          // nil disables validation
	RawSchema      json.RawMessage // the JSON Schema source, for prompt documentation
	ExampleInputs  json.RawMessage
	EndsAgentStep  bool
	TimeoutSeconds int
	MaxOutputBytes int

	Handler   Handler         // builtin/custom
	Transport ClientTransport // client
}

// ResolveToolDefinitions converts every definition in allowed into the
// core.ToolDefinition shape a template-bound AgentInstance carries, for
// prompt documentation and for the LLM's function-calling request (spec
// §4.1/§4.3). Order is not guaranteed; callers that need a stable
// presentation order should sort the result.
func (d *Dispatcher) ResolveToolDefinitions(allowed map[string]bool) []core.ToolDefinition {
	var out []core.ToolDefinition
	for name := range allowed {
		def, ok := d.tools[name]
		if !ok {
			continue
		}
		out = append(out, core.ToolDefinition{
			Name:           def.Name,
			Description:    def.Description,
			Schema:         def.RawSchema,
			ExampleInputs:  def.ExampleInputs,
			EndsAgentStep:  def.EndsAgentStep,
			TimeoutSeconds: def.TimeoutSeconds,
			MaxOutputBytes: def.MaxOutputBytes,
		})
	}
	return out
}

// Schema validates a tool's input.
type Schema interface {
	Validate(input json.RawMessage) error
}

// Dispatcher routes tool calls to their registered definition.
type Dispatcher struct {
	tools       map[string]*Definition
	projectRoot string
}

// New creates a Dispatcher confined to projectRoot for cwd-bearing tools.
func New(projectRoot string) *Dispatcher {
	return &Dispatcher{tools: make(map[string]*Definition), projectRoot: projectRoot}
}

// Register adds or replaces a tool definition.
func (d *Dispatcher) Register(def *Definition) {
	d.tools[def.Name] = def
}

// Lookup returns the registered definition for name, if any.
func (d *Dispatcher) Lookup(name string) (*Definition, bool) {
	def, ok := d.tools[name]
	return def, ok
}

// sanitizeStep returns the copy of a call's raw input that is shown to a
// handler or forwarded to the client, free of the end-of-step marker, per
// spec's "Sanitized input" glossary entry and testable property 8. The
// marker never exists as a JSON field injected by this package (the Stream
// Parser tracks it out-of-band on ToolCallRequest), so sanitization here is
// a defensive no-op pass-through of the original raw bytes — it exists so
// every dispatch path funnels through one explicit "this is the sanitized
// copy" call site.
func sanitizeStep(input json.RawMessage) json.RawMessage {
	return input
}

// Dispatch executes one call according to its category and returns a
// structured Result. It never returns a Go error for tool-level failure —
// only for programmer errors (unknown tool name, which the loop treats as
// UnknownTool).
func (d *Dispatcher) Dispatch(ctx context.Context, call core.ToolCallRequest, cwd string) (Result, error) {
	if call.Unknown {
		return Result{}, &UnknownToolError{Name: call.ToolName}
	}

	def, ok := d.tools[call.ToolName]
	if !ok {
		return Result{}, &UnknownToolError{Name: call.ToolName}
	}

	if def.Schema != nil {
		if err := def.Schema.Validate(call.Input); err != nil {
			return errorResult("ToolValidationError", err), nil
		}
	}

	if cwd != "" {
		if err := confineToRoot(d.projectRoot, cwd); err != nil {
			return errorResult("CwdOutsideProject", err), nil
		}
	}

	timeout := time.Duration(def.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sanitized := sanitizeStep(call.Input)

	var (
		res Result
		err error
	)
	switch def.Category {
	case CategoryClient:
		if def.Transport == nil {
			return errorResult("ToolHandlerError", fmt.Errorf("no client transport registered for %s", call.ToolName)), nil
		}
		res, err = def.Transport.Dispatch(callCtx, call.ID, call.ToolName, sanitized)
		if err != nil {
			if callCtx.Err() != nil {
				return errorResult("ClientToolTimeout", err), nil
			}
			return errorResult("ToolHandlerError", err), nil
		}
	default: // CategoryBuiltIn, CategoryCustom
		if def.Handler == nil {
			return errorResult("ToolHandlerError", fmt.Errorf("no handler registered for %s", call.ToolName)), nil
		}
		res, err = runHandler(callCtx, def.Handler, call.ID, sanitized)
		if err != nil {
			return errorResult("ToolHandlerError", err), nil
		}
	}

	return applyOutputCap(res, def.MaxOutputBytes), nil
}

// runHandler executes a handler, converting a panic into a structured
// ToolHandlerError instead of crashing the instance's goroutine.
func runHandler(ctx context.Context, h Handler, callID string, input json.RawMessage) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool handler panic: %v", r)
		}
	}()
	return h.Execute(ctx, callID, input)
}

func errorResult(kind string, err error) Result {
	msg, _ := json.Marshal(map[string]string{"error": err.Error()})
	return Result{Content: msg, IsError: true, ErrorKind: kind}
}

// applyOutputCap truncates a result's content to maxBytes, attaching a
// truncation note, per spec §4.3: "Result values larger than a configured
// byte threshold are accepted verbatim here; the Pruner collapses them
// later" — the dispatcher's own cap (maxOutputBytes) is a separate,
// caller-visible limit from the pruner's later Pass 1 collapse.
func applyOutputCap(res Result, maxBytes int) Result {
	if maxBytes <= 0 || len(res.Content) <= maxBytes {
		return res
	}
	res.Truncated = true
	res.OriginalSize = len(res.Content)
	res.Content = res.Content[:maxBytes]
	return res
}

// confineToRoot requires cwd to resolve inside root.
func confineToRoot(root, cwd string) error {
	if root == "" {
		return nil
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	absCwd, err := filepath.Abs(cwd)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(absRoot, absCwd)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &CwdOutsideProjectError{Root: absRoot, Cwd: absCwd}
	}
	return nil
}

// CwdOutsideProjectError reports a working directory outside the project
// root.
type CwdOutsideProjectError struct {
	Root string
	Cwd  string
}

func (e *CwdOutsideProjectError) Error() string {
	return fmt.Sprintf("cwd %q is outside project root %q", e.Cwd, e.Root)
}

// UnknownToolError reports a tool name not present in the template's
// declared set.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return "unknown tool: " + e.Name
}
