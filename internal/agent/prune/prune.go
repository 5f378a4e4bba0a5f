// Package prune implements the Context Pruner: a deterministic, multi-pass
// rewriter that keeps an agent's message history within budget while
// preserving the tool-call/tool-result pair invariant.
package prune

import (
	"encoding/json"

	"github.com/fenwick-arc/agentstep/internal/agent/core"
)

// Constants preserved for behavioral parity (spec §9 open question: tunable
// but must keep these exact values).
const (
	largeToolResultCharThreshold = 1000
	pass2WindowMessages          = 30
	pass3TargetRatio             = 0.25
	maxPlaceholders              = 2
)

var importantTools = map[string]bool{
	"read_files":            true,
	"write_todos":           true,
	"write_file":            true,
	"str_replace":           true,
	"propose_write_file":    true,
	"propose_str_replace":   true,
}

const placeholderText = "<system>Previous message(s) omitted due to length</system>"

// Budget bundles the inputs CountTokens-based passes need.
type Budget struct {
	MaxContextLength  int
	SystemPromptTokens int
	ToolDefTokens      int
	MaxMessageTokens   int // early-exit threshold for Pass 0
}

// Effective returns maxContextLength - systemPromptTokens - toolDefTokens.
func (b Budget) Effective() int {
	eff := b.MaxContextLength - b.SystemPromptTokens - b.ToolDefTokens
	if eff < 0 {
		return 0
	}
	return eff
}

// Prune runs the five ordered passes over messages and returns the
// rewritten sequence. It never adds information — only a deterministic
// rewrite of what was passed in.
func Prune(messages []*core.Message, budget Budget) []*core.Message {
	next := cloneAll(messages)

	next, contextTokens := pass0StructuralCleanup(next, budget)
	if contextTokens < budget.MaxMessageTokens {
		return next
	}

	next = pass05DedupeInstructions(next)
	next = pass1TruncateLargeToolResults(next)
	next = pass2DropOldNonImportantPairs(next)
	next = pass3TrimTowardTarget(next, budget)
	next = pass4HeadTrim(next, budget)
	next = finalValidate(next)

	return next
}

func cloneAll(messages []*core.Message) []*core.Message {
	out := make([]*core.Message, len(messages))
	for i, m := range messages {
		out[i] = m.Clone()
	}
	return out
}

// pass0StructuralCleanup deletes the most-recent INSTRUCTIONS_PROMPT and
// the most-recent SUBAGENT_SPAWN tagged message, then reports the
// resulting token total for the early-exit check.
func pass0StructuralCleanup(messages []*core.Message, budget Budget) ([]*core.Message, int) {
	messages = deleteMostRecentTagged(messages, core.TagInstructionsPrompt)
	messages = deleteMostRecentTagged(messages, core.TagSubagentSpawn)
	return messages, core.CountHistoryTokens(messages)
}

func deleteMostRecentTagged(messages []*core.Message, tag core.Tag) []*core.Message {
	idx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].HasTag(tag) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return messages
	}
	out := make([]*core.Message, 0, len(messages)-1)
	out = append(out, messages[:idx]...)
	out = append(out, messages[idx+1:]...)
	return out
}

// pass05DedupeInstructions keeps only the most recent remaining
// INSTRUCTIONS_PROMPT message.
func pass05DedupeInstructions(messages []*core.Message) []*core.Message {
	lastIdx := -1
	for i, m := range messages {
		if m.HasTag(core.TagInstructionsPrompt) {
			lastIdx = i
		}
	}
	if lastIdx < 0 {
		return messages
	}
	out := make([]*core.Message, 0, len(messages))
	for i, m := range messages {
		if m.HasTag(core.TagInstructionsPrompt) && i != lastIdx {
			continue
		}
		out = append(out, m)
	}
	return out
}

type omittedMarker struct {
	Message      string `json:"message"`
	OriginalSize int    `json:"originalSize"`
}

// pass1TruncateLargeToolResults replaces the content of any tool-role
// message whose serialized content exceeds 1000 chars with a marker
// object, preserving pair structure.
func pass1TruncateLargeToolResults(messages []*core.Message) []*core.Message {
	for _, m := range messages {
		if m.Role != core.RoleTool {
			continue
		}
		serialized := serializeParts(m.Parts)
		if len(serialized) <= largeToolResultCharThreshold {
			continue
		}
		marker := omittedMarker{Message: "[LARGE_TOOL_RESULT_OMITTED]", OriginalSize: len(serialized)}
		m.Parts = []core.ContentPart{core.JSONPart(marker)}
	}
	return messages
}

func serializeParts(parts []core.ContentPart) string {
	b, _ := json.Marshal(parts)
	return string(b)
}

// pairIndexSets returns, for every tool-call part and its matching
// tool-role message, the set of message indices involved plus a lookup
// from toolCallId to {callIdx, resultIdx, toolName}.
type pairLocation struct {
	callIdx   int
	resultIdx int
	toolName  string
}

func locatePairs(messages []*core.Message) map[string]*pairLocation {
	locs := make(map[string]*pairLocation)
	for i, m := range messages {
		for _, p := range m.Parts {
			if p.Kind != core.PartToolCall {
				continue
			}
			locs[p.ToolCallID] = &pairLocation{callIdx: i, resultIdx: -1, toolName: p.ToolName}
		}
	}
	for i, m := range messages {
		if m.Role != core.RoleTool {
			continue
		}
		if loc, ok := locs[m.ToolCallID]; ok {
			loc.resultIdx = i
		}
	}
	return locs
}

// pass2DropOldNonImportantPairs removes every tool-call/tool-result pair
// where both endpoints fall outside the last-30-message window and the
// tool name is not in the important set.
func pass2DropOldNonImportantPairs(messages []*core.Message) []*core.Message {
	n := len(messages)
	windowStart := n - pass2WindowMessages
	if windowStart < 0 {
		windowStart = 0
	}

	locs := locatePairs(messages)
	removed := make(map[int]bool)
	for _, loc := range locs {
		if loc.resultIdx < 0 {
			continue
		}
		bothOutside := loc.callIdx < windowStart && loc.resultIdx < windowStart
		if bothOutside && !importantTools[loc.toolName] {
			removed[loc.callIdx] = true
			removed[loc.resultIdx] = true
		}
	}
	return removeIndices(messages, removed)
}

func removeIndices(messages []*core.Message, removed map[int]bool) []*core.Message {
	if len(removed) == 0 {
		return messages
	}
	out := make([]*core.Message, 0, len(messages)-len(removed))
	for i, m := range messages {
		if removed[i] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// pass3TrimTowardTarget removes oldest non-user, non-paired messages until
// the accumulated removed-token count reaches (current - target), then
// prepends one placeholder if anything was removed.
func pass3TrimTowardTarget(messages []*core.Message, budget Budget) []*core.Message {
	target := int(pass3TargetRatio * float64(budget.Effective()))
	current := core.CountHistoryTokens(messages)
	if current <= target {
		return messages
	}

	locs := locatePairs(messages)
	paired := make(map[int]bool, len(locs)*2)
	for _, loc := range locs {
		paired[loc.callIdx] = true
		if loc.resultIdx >= 0 {
			paired[loc.resultIdx] = true
		}
	}

	needRemoved := current - target
	removedTokens := 0
	removed := make(map[int]bool)
	for i, m := range messages {
		if removedTokens >= needRemoved {
			break
		}
		if m.Role == core.RoleUser || paired[i] {
			continue
		}
		removed[i] = true
		removedTokens += core.CountMessageTokens(m)
	}

	if len(removed) == 0 {
		return messages
	}
	out := removeIndices(messages, removed)
	return prependPlaceholder(out)
}

// pass4HeadTrim removes messages from the front, regardless of role, until
// under target, then prepends the same placeholder.
func pass4HeadTrim(messages []*core.Message, budget Budget) []*core.Message {
	target := int(pass3TargetRatio * float64(budget.Effective()))
	if core.CountHistoryTokens(messages) <= target {
		return messages
	}

	out := messages
	removedAny := false
	for len(out) > 0 && core.CountHistoryTokens(out) > target {
		out = out[1:]
		removedAny = true
	}
	if !removedAny {
		return messages
	}
	return prependPlaceholder(out)
}

// prependPlaceholder adds the omission placeholder unless doing so would
// exceed the max-placeholder bound or create two consecutive placeholders.
func prependPlaceholder(messages []*core.Message) []*core.Message {
	if countPlaceholders(messages) >= maxPlaceholders {
		return messages
	}
	if len(messages) > 0 && isPlaceholder(messages[0]) {
		return messages
	}
	ph := &core.Message{Role: core.RoleUser, Parts: []core.ContentPart{core.TextPart(placeholderText)}}
	out := make([]*core.Message, 0, len(messages)+1)
	out = append(out, ph)
	out = append(out, messages...)
	return out
}

func isPlaceholder(m *core.Message) bool {
	if m == nil || len(m.Parts) != 1 {
		return false
	}
	return m.Parts[0].Kind == core.PartText && m.Parts[0].Text == placeholderText
}

func countPlaceholders(messages []*core.Message) int {
	n := 0
	for _, m := range messages {
		if isPlaceholder(m) {
			n++
		}
	}
	return n
}

// finalValidate removes orphaned tool-role messages (no matching call
// still present) and orphaned tool-call parts (no matching result still
// present); if stripping all tool-call parts empties an assistant
// message's content, that message is dropped entirely.
func finalValidate(messages []*core.Message) []*core.Message {
	callIDs := make(map[string]bool)
	resultIDs := make(map[string]bool)
	for _, m := range messages {
		for _, p := range m.Parts {
			if p.Kind == core.PartToolCall {
				callIDs[p.ToolCallID] = true
			}
		}
		if m.Role == core.RoleTool {
			resultIDs[m.ToolCallID] = true
		}
	}

	out := make([]*core.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == core.RoleTool {
			if !callIDs[m.ToolCallID] {
				continue // orphaned tool-result
			}
			out = append(out, m)
			continue
		}

		if hasToolCallParts(m) {
			kept := make([]core.ContentPart, 0, len(m.Parts))
			for _, p := range m.Parts {
				if p.Kind == core.PartToolCall && !resultIDs[p.ToolCallID] {
					continue // orphaned tool-call part
				}
				kept = append(kept, p)
			}
			m.Parts = kept
			if m.Role == core.RoleAssistant && len(m.Parts) == 0 {
				continue // dropping now-empty assistant message
			}
		}
		out = append(out, m)
	}
	return out
}

func hasToolCallParts(m *core.Message) bool {
	for _, p := range m.Parts {
		if p.Kind == core.PartToolCall {
			return true
		}
	}
	return false
}
