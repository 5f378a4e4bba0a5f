// Package stream incrementally extracts text chunks and tool calls from a
// raw provider token stream. Tool-call emission is tag-driven: a provider
// either emits native tool-call tokens (handled by the caller via Emit*
// calls keyed by a provider event) or an inline textual open/close-tag
// convention (handled internally by Parser.Feed), mirroring the event-loop
// shape of internal/agent/providers/anthropic.go's processStream.
package stream

import (
	"encoding/json"
	"strings"

	"github.com/fenwick-arc/agentstep/internal/agent/core"
	"github.com/google/uuid"
)

// EventKind discriminates the two event types the parser emits.
type EventKind string

const (
	EventText     EventKind = "text"
	EventToolCall EventKind = "toolCall"
)

// Event is one unit of parsed stream output.
type Event struct {
	Kind EventKind
	Text string
	Call core.ToolCallRequest
}

const (
	openTag  = "<tool_call>"
	closeTag = "</tool_call>"
)

// Parser holds the minimal buffer needed to recognize a partial tag across
// Feed calls, plus the table of tools declared on the current template
// (used to mark UnknownTool and to know which calls end the step).
type Parser struct {
	declared map[string]declaredTool
	buf      strings.Builder
	inTag    bool
}

type declaredTool struct {
	endsStep bool
}

// NewParser creates a parser for one step with no tools declared; the active
// template's tool names and endsAgentStep bits are added with DeclareTool.
func NewParser() *Parser {
	return &Parser{declared: make(map[string]declaredTool)}
}

// DeclareTool registers a tool name the parser should recognize as known,
// along with its endsAgentStep bit. Input validation is the dispatcher's
// job, not the parser's.
func (p *Parser) DeclareTool(name string, endsStep bool) {
	p.declared[name] = declaredTool{endsStep: endsStep}
}

// Feed appends one chunk of raw provider text and returns every complete
// event it completes. Text outside tags is emitted as EventText segments;
// text inside <tool_call>...</tool_call> is buffered until the closing tag,
// then parsed as a JSON object {id?, name, input, endsAgentStep?}.
//
// A pattern beginning with '-' is never treated as tag syntax — only an
// exact, case-sensitive openTag/closeTag match opens or closes a block.
func (p *Parser) Feed(chunk string) []Event {
	var events []Event
	rest := chunk
	for {
		if !p.inTag {
			idx := strings.Index(rest, openTag)
			if idx < 0 {
				if rest != "" {
					events = append(events, Event{Kind: EventText, Text: rest})
				}
				return events
			}
			if idx > 0 {
				events = append(events, Event{Kind: EventText, Text: rest[:idx]})
			}
			p.inTag = true
			p.buf.Reset()
			rest = rest[idx+len(openTag):]
			continue
		}

		idx := strings.Index(rest, closeTag)
		if idx < 0 {
			p.buf.WriteString(rest)
			return events
		}
		p.buf.WriteString(rest[:idx])
		rest = rest[idx+len(closeTag):]
		p.inTag = false

		if call, ok := p.parseCall(p.buf.String()); ok {
			events = append(events, Event{Kind: EventToolCall, Call: call})
		}
		p.buf.Reset()
	}
}

// Flush processes every complete event still buffered and discards any
// partial tag, per spec §4.2: "On stream close, a flush pass processes
// every complete event still in the buffer (not just one); partial tags
// are discarded." Since Parser.Feed only ever buffers one in-flight tag at
// a time, Flush's job is simply to drop it.
func (p *Parser) Flush() []Event {
	p.inTag = false
	p.buf.Reset()
	return nil
}

type rawCall struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Input         json.RawMessage `json:"input"`
	EndsAgentStep bool            `json:"endsAgentStep"`
}

func (p *Parser) parseCall(body string) (core.ToolCallRequest, bool) {
	body = strings.TrimSpace(body)
	if body == "" {
		return core.ToolCallRequest{}, false
	}

	var raw rawCall
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return core.ToolCallRequest{}, false
	}
	return p.buildCall(raw.ID, raw.Name, raw.Input, raw.EndsAgentStep), true
}

// EmitNative builds a ToolCallRequest from a native provider tool-call
// event (id, name, input already parsed by the provider's own SDK), rather
// than a textual tag. Providers using native tool-call tokens call this
// directly instead of routing bytes through Feed.
func (p *Parser) EmitNative(id, name string, input json.RawMessage, endsAgentStep bool) core.ToolCallRequest {
	return p.buildCall(id, name, input, endsAgentStep)
}

func (p *Parser) buildCall(id, name string, input json.RawMessage, endsAgentStep bool) core.ToolCallRequest {
	if id == "" {
		id = uuid.NewString()
	}

	decl, known := p.declared[name]

	req := core.ToolCallRequest{
		ID:       id,
		ToolName: name,
		Input:    input,
		Unknown:  !known,
	}

	// For tools not marked "ends step", the parser must not inject an
	// end-of-step marker into the tool's input — endsAgentStep is tracked
	// out-of-band on the request, never folded into Input.
	if known {
		req.EndsAgentStep = decl.endsStep
	} else {
		req.EndsAgentStep = endsAgentStep
	}

	return req
}
