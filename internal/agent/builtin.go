package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/fenwick-arc/agentstep/internal/agent/core"
	"github.com/fenwick-arc/agentstep/internal/agent/dispatch"
	"github.com/fenwick-arc/agentstep/internal/agent/spawn"
	"github.com/fenwick-arc/agentstep/internal/jobs"
	"github.com/fenwick-arc/agentstep/internal/tools/files"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// BuiltinDeps wires the concrete collaborators the closed built-in tool
// set (spec §4.3) needs: a workspace-scoped file config, the Subagent
// Scheduler, the async-completion inbox it posts to, and the job store
// backing subagent_status/subagent_cancel.
type BuiltinDeps struct {
	Files      files.Config
	Spawner    *spawn.Manager
	AsyncInbox *AsyncInbox
	JobStore   jobs.Store
}

// RegisterBuiltins registers the full closed built-in tool set against d.
// This is the one place in the module that wires every Built-in category
// handler spec §4.3 names: code search, file read, file write, string
// replace, spawn-agents (sync/async), subagent status/cancel, think_deeply,
// end_turn, and set_messages.
func RegisterBuiltins(d *dispatch.Dispatcher, deps BuiltinDeps) {
	d.Register(&dispatch.Definition{
		Name:        "read_files",
		Category:    dispatch.CategoryBuiltIn,
		Description: "Read one or more files from the workspace, by path or list of paths.",
		Handler:     files.NewReadFilesHandler(deps.Files),
		Schema:      mustSchema(readFilesSchema),
		RawSchema:   json.RawMessage(readFilesSchema),
	})
	d.Register(&dispatch.Definition{
		Name:        "write_file",
		Category:    dispatch.CategoryBuiltIn,
		Description: "Write (or append to) a single file in the workspace.",
		Handler:     files.NewWriteFileHandler(deps.Files),
		Schema:      mustSchema(writeFileSchema),
		RawSchema:   json.RawMessage(writeFileSchema),
	})
	d.Register(&dispatch.Definition{
		Name:        "str_replace",
		Category:    dispatch.CategoryBuiltIn,
		Description: "Apply one or more exact string replacements to a file.",
		Handler:     files.NewStrReplaceHandler(deps.Files),
		Schema:      mustSchema(strReplaceSchema),
		RawSchema:   json.RawMessage(strReplaceSchema),
	})
	d.Register(&dispatch.Definition{
		Name:        "code_search",
		Category:    dispatch.CategoryBuiltIn,
		Description: "Search workspace file contents for a regular expression.",
		Handler:     &codeSearchHandler{root: deps.Files.Workspace},
		Schema:      mustSchema(codeSearchSchema),
		RawSchema:   json.RawMessage(codeSearchSchema),
	})
	d.Register(&dispatch.Definition{
		Name:        "think_deeply",
		Category:    dispatch.CategoryBuiltIn,
		Description: "Reflect privately before acting; a step whose only tool calls are think_deeply ends the turn.",
		Handler:     reflectiveHandler{},
	})
	d.Register(&dispatch.Definition{
		Name:          EndTurnTool,
		Category:      dispatch.CategoryBuiltIn,
		Description:   "Explicitly end the current agent turn.",
		Handler:       reflectiveHandler{},
		EndsAgentStep: true,
	})
	d.Register(&dispatch.Definition{
		Name:        "set_messages",
		Category:    dispatch.CategoryBuiltIn,
		Description: "Propose a replacement message history (the deterministic pruner remains authoritative).",
		Handler:     setMessagesHandler{},
	})

	if deps.Spawner != nil {
		d.Register(&dispatch.Definition{
			Name:        "spawn_agents",
			Category:    dispatch.CategoryBuiltIn,
			Description: "Spawn a child agent and block until it finishes, returning its output.",
			Handler:     &spawnSyncHandler{spawner: deps.Spawner},
			Schema:      mustSchema(spawnAgentsSchema),
			RawSchema:   json.RawMessage(spawnAgentsSchema),
		})
		d.Register(&dispatch.Definition{
			Name:        "spawn_agents_async",
			Category:    dispatch.CategoryBuiltIn,
			Description: "Spawn a child agent in the background; its result arrives as a later tool message.",
			Handler:     &spawnAsyncHandler{spawner: deps.Spawner, inbox: deps.AsyncInbox},
			Schema:      mustSchema(spawnAgentsSchema),
			RawSchema:   json.RawMessage(spawnAgentsSchema),
		})
	}

	if deps.JobStore != nil {
		d.Register(&dispatch.Definition{
			Name:        "subagent_status",
			Category:    dispatch.CategoryBuiltIn,
			Description: "Look up a spawned job's status, or list recent jobs if no job_id is given.",
			Handler:     &jobStatusHandler{store: deps.JobStore},
		})
		d.Register(&dispatch.Definition{
			Name:        "subagent_cancel",
			Category:    dispatch.CategoryBuiltIn,
			Description: "Cancel a running spawned job by id.",
			Handler:     &jobCancelHandler{store: deps.JobStore},
		})
	}
}

// schemaAdapter makes a compiled santhosh-tekuri/jsonschema.Schema satisfy
// dispatch.Schema, which works in terms of json.RawMessage rather than a
// pre-decoded any.
type schemaAdapter struct{ compiled *jsonschema.Schema }

func (s schemaAdapter) Validate(input json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return s.compiled.Validate(decoded)
}

var schemaCompileOnce sync.Map

func mustSchema(raw string) dispatch.Schema {
	if cached, ok := schemaCompileOnce.Load(raw); ok {
		return cached.(dispatch.Schema)
	}
	compiled, err := jsonschema.CompileString("builtin.schema.json", raw)
	if err != nil {
		panic(fmt.Sprintf("builtin tool schema failed to compile: %v", err))
	}
	adapter := schemaAdapter{compiled: compiled}
	schemaCompileOnce.Store(raw, adapter)
	return adapter
}

const readFilesSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"paths": {"type": "array", "items": {"type": "string"}},
		"offset": {"type": "integer", "minimum": 0},
		"max_bytes": {"type": "integer", "minimum": 0}
	}
}`

const writeFileSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"content": {"type": "string"},
		"append": {"type": "boolean"}
	},
	"required": ["path", "content"]
}`

const strReplaceSchema = `{
	"type": "object",
	"properties": {
		"path": {"type": "string"},
		"edits": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"properties": {
					"old_text": {"type": "string"},
					"new_text": {"type": "string"},
					"replace_all": {"type": "boolean"}
				},
				"required": ["old_text", "new_text"]
			}
		}
	},
	"required": ["path", "edits"]
}`

const spawnAgentsSchema = `{
	"type": "object",
	"properties": {
		"agent_type": {"type": "string"},
		"prompt": {"type": "string"},
		"params": {"type": "object"},
		"include_message_history": {"type": "boolean"},
		"steps_override": {"type": "integer", "minimum": 0}
	},
	"required": ["agent_type", "prompt"]
}`

const codeSearchSchema = `{
	"type": "object",
	"properties": {
		"pattern": {"type": "string"},
		"path": {"type": "string"},
		"max_results": {"type": "integer", "minimum": 1}
	},
	"required": ["pattern"]
}`

// reflectiveHandler backs both end_turn and think_deeply: neither does
// real work, they exist so the model can name its turn-ending or
// reflection intent as an ordinary dispatched call.
type reflectiveHandler struct{}

func (reflectiveHandler) Execute(ctx context.Context, callID string, input json.RawMessage) (dispatch.Result, error) {
	return dispatch.Result{Content: json.RawMessage(`{"acknowledged":true}`)}, nil
}

// setMessagesHandler acknowledges the call with {"accepted":true}; it does
// not echo the replacement sequence back.
// The step loop's real history-rewrite path is the deterministic Context
// Pruner (internal/agent/prune, invoked directly by RunStep via
// inst.SetMessages) — this registration exists for the closed built-in
// set's completeness and for a future Pruner-subagent template that wants
// to call set_messages explicitly rather than rely on the deterministic
// passes.
type setMessagesHandler struct{}

func (setMessagesHandler) Execute(ctx context.Context, callID string, input json.RawMessage) (dispatch.Result, error) {
	return dispatch.Result{Content: json.RawMessage(`{"accepted":true}`)}, nil
}

type spawnSyncHandler struct{ spawner *spawn.Manager }

func (h *spawnSyncHandler) Execute(ctx context.Context, callID string, input json.RawMessage) (dispatch.Result, error) {
	inst, ok := core.InstanceFromContext(ctx)
	if !ok {
		return errResult("SpawnContextMissing", fmt.Errorf("no calling instance on context")), nil
	}
	req, err := decodeSpawnRequest(input)
	if err != nil {
		return errResult("ToolInputError", err), nil
	}

	output, err := h.spawner.SpawnSync(ctx, inst, req)
	if err != nil {
		return spawnErrorResult(err), nil
	}
	payload, _ := json.Marshal(map[string]string{"output": output})
	return dispatch.Result{Content: payload}, nil
}

type spawnAsyncHandler struct {
	spawner *spawn.Manager
	inbox   *AsyncInbox
}

func (h *spawnAsyncHandler) Execute(ctx context.Context, callID string, input json.RawMessage) (dispatch.Result, error) {
	inst, ok := core.InstanceFromContext(ctx)
	if !ok {
		return errResult("SpawnContextMissing", fmt.Errorf("no calling instance on context")), nil
	}
	req, err := decodeSpawnRequest(input)
	if err != nil {
		return errResult("ToolInputError", err), nil
	}

	ch, err := h.spawner.SpawnAsync(ctx, inst, callID, req)
	if err != nil {
		return spawnErrorResult(err), nil
	}
	if h.inbox != nil {
		h.inbox.Watch(inst.ID, ch)
	}

	payload, _ := json.Marshal(map[string]string{"status": "spawned", "call_id": callID})
	return dispatch.Result{Content: payload}, nil
}

func decodeSpawnRequest(input json.RawMessage) (spawn.Request, error) {
	var params struct {
		AgentType             string          `json:"agent_type"`
		Prompt                string          `json:"prompt"`
		Params                json.RawMessage `json:"params"`
		IncludeMessageHistory bool            `json:"include_message_history"`
		StepsOverride         int             `json:"steps_override"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return spawn.Request{}, fmt.Errorf("invalid parameters: %w", err)
	}
	if strings.TrimSpace(params.AgentType) == "" {
		return spawn.Request{}, fmt.Errorf("agent_type is required")
	}
	return spawn.Request{
		AgentType:             params.AgentType,
		Prompt:                params.Prompt,
		Params:                params.Params,
		IncludeMessageHistory: params.IncludeMessageHistory,
		StepsOverride:         params.StepsOverride,
	}, nil
}

func spawnErrorResult(err error) dispatch.Result {
	switch err.(type) {
	case *spawn.SpawnNotPermittedError:
		return errResult("SpawnNotPermitted", err)
	case *spawn.TemplateNotFoundError:
		return errResult("TemplateNotFound", err)
	default:
		return errResult("SpawnFailed", err)
	}
}

func errResult(kind string, err error) dispatch.Result {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return dispatch.Result{Content: payload, IsError: true, ErrorKind: kind}
}

type jobStatusHandler struct{ store jobs.Store }

func (h *jobStatusHandler) Execute(ctx context.Context, callID string, input json.RawMessage) (dispatch.Result, error) {
	var params struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return errResult("ToolInputError", err), nil
	}
	if params.JobID == "" {
		list, err := h.store.List(ctx, 20, 0)
		if err != nil {
			return errResult("JobStoreError", err), nil
		}
		payload, _ := json.Marshal(map[string]any{"jobs": list})
		return dispatch.Result{Content: payload}, nil
	}

	job, err := h.store.Get(ctx, params.JobID)
	if err != nil {
		return errResult("JobStoreError", err), nil
	}
	if job == nil {
		return errResult("JobNotFound", fmt.Errorf("job not found: %s", params.JobID)), nil
	}
	payload, _ := json.Marshal(job)
	return dispatch.Result{Content: payload}, nil
}

type jobCancelHandler struct{ store jobs.Store }

func (h *jobCancelHandler) Execute(ctx context.Context, callID string, input json.RawMessage) (dispatch.Result, error) {
	var params struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return errResult("ToolInputError", err), nil
	}
	if params.JobID == "" {
		return errResult("ToolInputError", fmt.Errorf("job_id is required")), nil
	}
	if err := h.store.Cancel(ctx, params.JobID); err != nil {
		return errResult("JobStoreError", err), nil
	}
	payload, _ := json.Marshal(map[string]string{"job_id": params.JobID, "status": "cancelled"})
	return dispatch.Result{Content: payload}, nil
}

// codeSearchHandler greps files under root for a regular expression,
// confined to the workspace the same way the file read/write/edit
// handlers confine their path argument via files.Resolver.
type codeSearchHandler struct{ root string }

type codeSearchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (h *codeSearchHandler) Execute(ctx context.Context, callID string, input json.RawMessage) (dispatch.Result, error) {
	var params struct {
		Pattern    string `json:"pattern"`
		Path       string `json:"path"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return errResult("ToolInputError", err), nil
	}
	if strings.TrimSpace(params.Pattern) == "" {
		return errResult("ToolInputError", fmt.Errorf("pattern is required")), nil
	}
	maxResults := params.MaxResults
	if maxResults <= 0 {
		maxResults = 100
	}

	re, err := regexp.Compile(params.Pattern)
	if err != nil {
		return errResult("ToolInputError", fmt.Errorf("invalid pattern: %w", err)), nil
	}

	resolver := files.Resolver{Root: h.root}
	searchRoot := h.root
	if params.Path != "" {
		resolved, err := resolver.Resolve(params.Path)
		if err != nil {
			return errResult("ToolInputError", err), nil
		}
		searchRoot = resolved
	}
	if searchRoot == "" {
		searchRoot = "."
	}

	var matches []codeSearchMatch
	walkErr := filepath.WalkDir(searchRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if len(matches) >= maxResults {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if len(matches) >= maxResults {
				break
			}
			if re.MatchString(line) {
				matches = append(matches, codeSearchMatch{Path: path, Line: i + 1, Text: line})
			}
		}
		return nil
	})
	if walkErr != nil {
		return errResult("CodeSearchError", walkErr), nil
	}

	payload, err := json.Marshal(map[string]any{"matches": matches})
	if err != nil {
		return errResult("CodeSearchError", err), nil
	}
	return dispatch.Result{Content: payload}, nil
}
