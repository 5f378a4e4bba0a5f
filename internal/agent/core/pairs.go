package core

// ValidatePairs checks the pair invariant: every tool-call part has exactly
// one matching tool-role message with the same toolCallId, and vice versa,
// and the tool-role message's ToolName equals the paired call's ToolName.
// It returns the first violation found, or nil if the history is sound.
func ValidatePairs(messages []*Message) error {
	calls := make(map[string]string) // toolCallId -> toolName
	for _, msg := range messages {
		for _, p := range msg.Parts {
			if p.Kind != PartToolCall {
				continue
			}
			if _, dup := calls[p.ToolCallID]; dup {
				return &PairError{ToolCallID: p.ToolCallID, Reason: "duplicate tool-call id"}
			}
			calls[p.ToolCallID] = p.ToolName
		}
	}

	results := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role != RoleTool {
			continue
		}
		name, ok := calls[msg.ToolCallID]
		if !ok {
			return &PairError{ToolCallID: msg.ToolCallID, Reason: "orphaned tool-result: no matching call"}
		}
		if name != msg.ToolName {
			return &PairError{ToolCallID: msg.ToolCallID, Reason: "tool name mismatch between call and result"}
		}
		if results[msg.ToolCallID] {
			return &PairError{ToolCallID: msg.ToolCallID, Reason: "duplicate tool-result"}
		}
		results[msg.ToolCallID] = true
	}

	for id := range calls {
		if !results[id] {
			return &PairError{ToolCallID: id, Reason: "orphaned tool-call: no matching result"}
		}
	}
	return nil
}

// PairError reports a pair-invariant violation.
type PairError struct {
	ToolCallID string
	Reason     string
}

func (e *PairError) Error() string {
	return "pair invariant violated for " + e.ToolCallID + ": " + e.Reason
}
