// Package core holds the data model for the agent step loop: messages with
// heterogeneous content parts, agent templates, and live agent instances.
package core

import "encoding/json"

// Role is the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Tag marks a message with a well-known purpose the pruner and loop inspect
// by identity rather than by content sniffing.
type Tag string

const (
	TagInstructionsPrompt Tag = "INSTRUCTIONS_PROMPT"
	TagSubagentSpawn      Tag = "SUBAGENT_SPAWN"
)

// PartKind discriminates the sum type a ContentPart holds.
type PartKind string

const (
	PartText     PartKind = "text"
	PartImage    PartKind = "image"
	PartMedia    PartKind = "media"
	PartToolCall PartKind = "tool-call"
	PartJSON     PartKind = "json"
)

// ContentPart is one element of a Message's ordered content. Exactly one of
// the kind-specific fields is populated, selected by Kind.
type ContentPart struct {
	Kind PartKind `json:"kind"`

	// PartText
	Text string `json:"text,omitempty"`

	// PartImage / PartMedia: a reference handle, never base64 in memory.
	// MediaRef is an opaque handle (file path, blob store key, or URL);
	// callers resolve it to bytes only at the transport boundary.
	MediaRef  string `json:"mediaRef,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// PartToolCall
	ToolCallID    string          `json:"toolCallId,omitempty"`
	ToolName      string          `json:"toolName,omitempty"`
	ToolInput     json.RawMessage `json:"toolInput,omitempty"`
	EndsAgentStep bool            `json:"endsAgentStep,omitempty"`

	// PartJSON
	JSON any `json:"json,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart { return ContentPart{Kind: PartText, Text: text} }

// ImagePart builds an image content part.
func ImagePart(ref, mediaType string) ContentPart {
	return ContentPart{Kind: PartImage, MediaRef: ref, MediaType: mediaType}
}

// MediaPart builds a binary media content part.
func MediaPart(ref, mediaType string) ContentPart {
	return ContentPart{Kind: PartMedia, MediaRef: ref, MediaType: mediaType}
}

// ToolCallPart builds a tool-call content part.
func ToolCallPart(id, name string, input json.RawMessage, endsStep bool) ContentPart {
	return ContentPart{
		Kind:          PartToolCall,
		ToolCallID:    id,
		ToolName:      name,
		ToolInput:     input,
		EndsAgentStep: endsStep,
	}
}

// JSONPart builds a structured-value content part.
func JSONPart(v any) ContentPart { return ContentPart{Kind: PartJSON, JSON: v} }

// Message is a single entry in an AgentInstance's history.
type Message struct {
	Role Role          `json:"role"`
	Tags map[Tag]bool  `json:"tags,omitempty"`
	Parts []ContentPart `json:"parts"`

	// ToolCallID and ToolName are set only on role=tool messages and must
	// match the paired tool-call part's id/name (the pair invariant).
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
}

// HasTag reports whether the message carries the given tag.
func (m *Message) HasTag(t Tag) bool {
	if m == nil || m.Tags == nil {
		return false
	}
	return m.Tags[t]
}

// AddTag marks the message with a tag.
func (m *Message) AddTag(t Tag) {
	if m.Tags == nil {
		m.Tags = make(map[Tag]bool)
	}
	m.Tags[t] = true
}

// ToolCallParts returns every tool-call content part in the message, in order.
func (m *Message) ToolCallParts() []ContentPart {
	var out []ContentPart
	for _, p := range m.Parts {
		if p.Kind == PartToolCall {
			out = append(out, p)
		}
	}
	return out
}

// IsEmpty reports whether the message has no content parts left.
func (m *Message) IsEmpty() bool {
	return len(m.Parts) == 0
}

// Clone returns a deep-enough copy safe for independent mutation: the Parts
// slice and Tags map are copied, but part contents are value types or opaque
// handles so a shallow copy of each part is sufficient.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Parts != nil {
		clone.Parts = make([]ContentPart, len(m.Parts))
		copy(clone.Parts, m.Parts)
	}
	if m.Tags != nil {
		clone.Tags = make(map[Tag]bool, len(m.Tags))
		for k, v := range m.Tags {
			clone.Tags[k] = v
		}
	}
	return &clone
}

// ToolCallRequest is a single call emitted by the Stream Parser.
type ToolCallRequest struct {
	ID            string
	ToolName      string
	Input         json.RawMessage
	EndsAgentStep bool
	// Unknown marks a call for a tool name not declared on the template;
	// the dispatcher fails these with UnknownTool.
	Unknown bool
}

// FollowupSuggestion surfaces a tool's proposed next prompt. It carries no
// correctness weight; it is part of the message model only.
type FollowupSuggestion struct {
	Label  string `json:"label,omitempty"`
	Prompt string `json:"prompt"`
}
