package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fenwick-arc/agentstep/internal/agent/dispatch"
)

// StrReplaceHandler implements the closed built-in set's string-replace
// tool: one or more find/replace edits applied to a single workspace file.
type StrReplaceHandler struct {
	resolver Resolver
}

// NewStrReplaceHandler creates a str_replace handler scoped to the workspace.
func NewStrReplaceHandler(cfg Config) *StrReplaceHandler {
	return &StrReplaceHandler{resolver: Resolver{Root: cfg.Workspace}}
}

// Execute implements dispatch.Handler.
func (h *StrReplaceHandler) Execute(ctx context.Context, callID string, input json.RawMessage) (dispatch.Result, error) {
	var params struct {
		Path  string `json:"path"`
		Edits []struct {
			OldText    string `json:"old_text"`
			NewText    string `json:"new_text"`
			ReplaceAll bool   `json:"replace_all"`
		} `json:"edits"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(params.Path) == "" {
		return toolError("path is required"), nil
	}
	if len(params.Edits) == 0 {
		return toolError("edits are required"), nil
	}

	resolved, err := h.resolver.Resolve(params.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return toolError(fmt.Sprintf("read file: %v", err)), nil
	}

	content := string(data)
	replacements := 0
	for _, edit := range params.Edits {
		if edit.OldText == "" {
			return toolError("old_text is required"), nil
		}
		if !strings.Contains(content, edit.OldText) {
			return toolError("old_text not found"), nil
		}
		if edit.ReplaceAll {
			count := strings.Count(content, edit.OldText)
			content = strings.ReplaceAll(content, edit.OldText, edit.NewText)
			replacements += count
		} else {
			content = strings.Replace(content, edit.OldText, edit.NewText, 1)
			replacements++
		}
	}

	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	payload, err := json.Marshal(map[string]any{
		"path":         params.Path,
		"replacements": replacements,
	})
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return dispatch.Result{Content: payload}, nil
}
