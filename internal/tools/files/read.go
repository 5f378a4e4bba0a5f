package files

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fenwick-arc/agentstep/internal/agent/dispatch"
)

// Config controls filesystem tool defaults.
type Config struct {
	Workspace    string
	MaxReadBytes int
}

// ReadFilesHandler implements the closed built-in set's file-read tool
// (spec §4.3): reads one or more workspace-relative files in a single
// call, each bounded by offset/byte-limit, never escaping the workspace
// root.
type ReadFilesHandler struct {
	resolver   Resolver
	maxReadLen int
}

// NewReadFilesHandler creates a read_files handler scoped to the workspace.
func NewReadFilesHandler(cfg Config) *ReadFilesHandler {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = 200000
	}
	return &ReadFilesHandler{
		resolver:   Resolver{Root: cfg.Workspace},
		maxReadLen: limit,
	}
}

type readFileRequest struct {
	Path     string `json:"path"`
	Offset   int64  `json:"offset"`
	MaxBytes int    `json:"max_bytes"`
}

type readFileOutcome struct {
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
	Offset    int64  `json:"offset"`
	Bytes     int    `json:"bytes"`
	Truncated bool   `json:"truncated"`
	Error     string `json:"error,omitempty"`
}

// Execute implements dispatch.Handler.
func (h *ReadFilesHandler) Execute(ctx context.Context, callID string, input json.RawMessage) (dispatch.Result, error) {
	var params struct {
		Paths    []string `json:"paths"`
		Path     string   `json:"path"`
		Offset   int64    `json:"offset"`
		MaxBytes int      `json:"max_bytes"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}

	requests := make([]readFileRequest, 0, len(params.Paths)+1)
	for _, p := range params.Paths {
		requests = append(requests, readFileRequest{Path: p, Offset: params.Offset, MaxBytes: params.MaxBytes})
	}
	if params.Path != "" {
		requests = append(requests, readFileRequest{Path: params.Path, Offset: params.Offset, MaxBytes: params.MaxBytes})
	}
	if len(requests) == 0 {
		return toolError("path or paths is required"), nil
	}

	outcomes := make([]readFileOutcome, 0, len(requests))
	for _, req := range requests {
		outcomes = append(outcomes, h.readOne(req))
	}

	payload, err := json.Marshal(map[string]any{"files": outcomes})
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return dispatch.Result{Content: payload}, nil
}

func (h *ReadFilesHandler) readOne(req readFileRequest) readFileOutcome {
	if strings.TrimSpace(req.Path) == "" {
		return readFileOutcome{Error: "path is required"}
	}
	if req.Offset < 0 {
		return readFileOutcome{Path: req.Path, Error: "offset must be >= 0"}
	}

	resolved, err := h.resolver.Resolve(req.Path)
	if err != nil {
		return readFileOutcome{Path: req.Path, Error: err.Error()}
	}

	file, err := os.Open(resolved)
	if err != nil {
		return readFileOutcome{Path: req.Path, Error: fmt.Sprintf("open file: %v", err)}
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return readFileOutcome{Path: req.Path, Error: fmt.Sprintf("stat file: %v", err)}
	}

	if req.Offset > 0 {
		if _, err := file.Seek(req.Offset, io.SeekStart); err != nil {
			return readFileOutcome{Path: req.Path, Error: fmt.Sprintf("seek file: %v", err)}
		}
	}

	limit := h.maxReadLen
	if req.MaxBytes > 0 && req.MaxBytes < limit {
		limit = req.MaxBytes
	}

	remaining := int64(limit)
	if size := info.Size(); size > 0 {
		remaining = size - req.Offset
		if remaining < 0 {
			remaining = 0
		}
		if remaining > int64(limit) {
			remaining = int64(limit)
		}
	}

	buf, err := io.ReadAll(io.LimitReader(file, remaining))
	if err != nil {
		return readFileOutcome{Path: req.Path, Error: fmt.Sprintf("read file: %v", err)}
	}

	truncated := info.Size() > 0 && req.Offset+int64(len(buf)) < info.Size()

	return readFileOutcome{
		Path:      req.Path,
		Content:   string(buf),
		Offset:    req.Offset,
		Bytes:     len(buf),
		Truncated: truncated,
	}
}

func toolError(message string) dispatch.Result {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return dispatch.Result{Content: json.RawMessage(`{"error":"` + message + `"}`), IsError: true, ErrorKind: "ToolInputError"}
	}
	return dispatch.Result{Content: payload, IsError: true, ErrorKind: "ToolInputError"}
}
