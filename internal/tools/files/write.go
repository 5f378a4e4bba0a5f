package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fenwick-arc/agentstep/internal/agent/dispatch"
)

// WriteFileHandler implements the closed built-in set's file-write tool.
type WriteFileHandler struct {
	resolver Resolver
}

// NewWriteFileHandler creates a write_file handler scoped to the workspace.
func NewWriteFileHandler(cfg Config) *WriteFileHandler {
	return &WriteFileHandler{resolver: Resolver{Root: cfg.Workspace}}
}

// Execute implements dispatch.Handler.
func (h *WriteFileHandler) Execute(ctx context.Context, callID string, input json.RawMessage) (dispatch.Result, error) {
	var params struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(params.Path) == "" {
		return toolError("path is required"), nil
	}

	resolved, err := h.resolver.Resolve(params.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return toolError(fmt.Sprintf("create directory: %v", err)), nil
	}

	flags := os.O_CREATE | os.O_WRONLY
	if params.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	file, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return toolError(fmt.Sprintf("open file: %v", err)), nil
	}
	defer file.Close()

	n, err := file.WriteString(params.Content)
	if err != nil {
		return toolError(fmt.Sprintf("write file: %v", err)), nil
	}

	payload, err := json.Marshal(map[string]any{
		"path":          params.Path,
		"bytes_written": n,
		"append":        params.Append,
	})
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return dispatch.Result{Content: payload}, nil
}
