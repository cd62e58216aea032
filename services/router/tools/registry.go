// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianConverse/services/router/llm"
)

// Capability tags what a tool may do. Mutating actions get idempotency
// protection; read-only actions bypass it.
type Capability string

const (
	CapabilityReadOnly Capability = "read_only"
	CapabilityMutating Capability = "mutating"
)

// ParamDef declares one parameter of a tool schema.
type ParamDef struct {
	Name        string
	Type        string // "string", "number", "integer", "boolean", "array"
	Description string
	Required    bool
	Enum        []string
}

// Call is one invocation request resolved from a model tool call.
type Call struct {
	SessionID string
	TenantID  string
	Action    string
	Args      map[string]any
}

// HandlerFunc executes one tool call.
type HandlerFunc func(ctx context.Context, call Call) (*Result, error)

// Definition is one hand-declared registry entry. Schemas are written
// here, in code, not derived from reflection or model output.
type Definition struct {
	Name        string
	Description string
	Capability  Capability
	Params      []ParamDef
	Handler     HandlerFunc
}

// IsMutating reports whether the definition needs idempotency protection.
func (d Definition) IsMutating() bool { return d.Capability == CapabilityMutating }

// Registry is the static tool registry. All definitions are registered at
// startup; the registry is immutable afterwards, so reads need no lock.
type Registry struct {
	defs   map[string]Definition
	sealed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Duplicate names and nil handlers are
// startup errors, not runtime conditions.
func (r *Registry) Register(def Definition) error {
	if r.sealed {
		return fmt.Errorf("registry is sealed, cannot register %q", def.Name)
	}
	if def.Name == "" {
		return fmt.Errorf("tool definition requires a name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q requires a handler", def.Name)
	}
	if def.Capability != CapabilityReadOnly && def.Capability != CapabilityMutating {
		return fmt.Errorf("tool %q has invalid capability %q", def.Name, def.Capability)
	}
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Seal freezes the registry against further registration.
func (r *Registry) Seal() { r.sealed = true }

// Get returns the definition for name.
func (r *Registry) Get(name string) (Definition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateCoverage checks the registry against the action vocabulary:
// every vocabulary action must have a definition and every definition
// must be in the vocabulary. Run at startup; a mismatch is a deploy
// blocker, not something to limp past.
func (r *Registry) ValidateCoverage(vocabulary []string) error {
	inVocab := make(map[string]bool, len(vocabulary))
	for _, action := range vocabulary {
		inVocab[action] = true
		if _, ok := r.defs[action]; !ok {
			return fmt.Errorf("action %q is in the state machine vocabulary but has no tool definition", action)
		}
	}
	for name := range r.defs {
		if !inVocab[name] {
			return fmt.Errorf("tool %q is registered but absent from the state machine vocabulary", name)
		}
	}
	return nil
}

// Specs converts the named definitions into LLM tool specs. Unknown names
// are skipped; the caller passes the state machine's allowed-action list.
func (r *Registry) Specs(allowed []string) []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(allowed))
	for _, name := range allowed {
		def, ok := r.defs[name]
		if !ok {
			continue
		}
		specs = append(specs, llm.ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  schemaFor(def),
		})
	}
	return specs
}

// schemaFor renders a definition's params as a JSON-schema object.
func schemaFor(def Definition) map[string]any {
	properties := make(map[string]any, len(def.Params))
	var required []string
	for _, p := range def.Params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
