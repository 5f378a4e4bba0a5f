package main

import (
	"fmt"
	"os"

	"github.com/fenwick-arc/agentstep/internal/agent/core"
	"gopkg.in/yaml.v3"
)

// templateDoc is the on-disk shape of one agent template file, decoded
// into a core.AgentTemplate. Spawnable child ids and allowed tool names
// are plain strings in the file; decoding resolves them into the typed
// AgentID/map[string]bool forms the core package operates on.
type templateDoc struct {
	ID          string   `yaml:"id"`
	Publisher   string   `yaml:"publisher"`
	Version     string   `yaml:"version"`
	DisplayName string   `yaml:"display_name"`
	Model       string   `yaml:"model"`
	Provider    string   `yaml:"provider"`
	System      string   `yaml:"system_prompt"`
	StepPrompt  string   `yaml:"step_prompt"`
	AllowedTools []string `yaml:"allowed_tools"`
	Spawnable   []string `yaml:"spawnable_agents"`

	InheritParentSystemPrompt bool `yaml:"inherit_parent_system_prompt"`
	IncludeMessageHistory     bool `yaml:"include_message_history"`
	MaxAgentSteps             int  `yaml:"max_agent_steps"`
	Trusted                   bool `yaml:"trusted"`
}

func (d templateDoc) toTemplate() *core.AgentTemplate {
	allowed := make(map[string]bool, len(d.AllowedTools))
	for _, name := range d.AllowedTools {
		allowed[name] = true
	}
	spawnable := make([]core.AgentID, 0, len(d.Spawnable))
	for _, raw := range d.Spawnable {
		spawnable = append(spawnable, core.ParseAgentID(raw))
	}
	return &core.AgentTemplate{
		ID:                        d.ID,
		Publisher:                 d.Publisher,
		Version:                   d.Version,
		DisplayName:               d.DisplayName,
		Model:                     d.Model,
		Provider:                  d.Provider,
		SystemPrompt:              d.System,
		StepPrompt:                d.StepPrompt,
		AllowedTools:              allowed,
		SpawnableAgents:           spawnable,
		InheritParentSystemPrompt: d.InheritParentSystemPrompt,
		IncludeMessageHistory:     d.IncludeMessageHistory,
		MaxAgentSteps:             d.MaxAgentSteps,
		Trusted:                   d.Trusted,
	}
}

// templateRegistry is an in-memory spawn.TemplateResolver backed by
// templates loaded at startup from the config file's Templates list.
type templateRegistry struct {
	byID map[string]*core.AgentTemplate
}

func newTemplateRegistry() *templateRegistry {
	return &templateRegistry{byID: make(map[string]*core.AgentTemplate)}
}

func (r *templateRegistry) add(tmpl *core.AgentTemplate) {
	r.byID[tmpl.ID] = tmpl
}

// Resolve implements spawn.TemplateResolver: it looks a matched AgentID up
// by its Name, since the registry keys templates by their bare id rather
// than a fully qualified publisher/version form.
func (r *templateRegistry) Resolve(id core.AgentID) (*core.AgentTemplate, bool) {
	tmpl, ok := r.byID[id.Name]
	return tmpl, ok
}

func loadTemplates(files []TemplateFile) (*templateRegistry, error) {
	reg := newTemplateRegistry()
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", f.Path, err)
		}
		var doc templateDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", f.Path, err)
		}
		if doc.ID == "" {
			doc.ID = f.ID
		}
		reg.add(doc.toTemplate())
	}
	return reg, nil
}
