// Package toolexec holds the tool registry and the executor that runs tool
// handlers with schema-validated arguments, timeouts and output truncation.
package toolexec

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Handler executes one tool call and returns the text fed back to the model.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Parameter describes one tool argument.
type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Definition describes a callable tool. SideEffect marks tools that mutate
// state; those are candidates for confirmation gating.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	SideEffect  bool        `json:"side_effect"`
	Handler     Handler     `json:"-"`
}

// SchemaMap renders the parameters as a JSON Schema object, the shape LLM
// providers expect for function definitions.
func (d Definition) SchemaMap() map[string]interface{} {
	properties := make(map[string]interface{}, len(d.Parameters))
	var required []string
	for _, p := range d.Parameters {
		properties[p.Name] = map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Registry holds tool definitions and their compiled argument schemas.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
}

func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Definition),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register validates and adds a tool. Names are normalized to lower case;
// re-registering a name replaces the previous definition.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def.SchemaMap()))
	if err != nil {
		return fmt.Errorf("failed to compile schema for tool %s: %w", def.Name, err)
	}

	name := strings.ToLower(def.Name)
	def.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = &def
	r.schemas[name] = schema
	return nil
}

// Get returns a tool definition, or nil when unknown.
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[strings.ToLower(strings.TrimSpace(name))]
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the definitions for the allowed tool names, in sorted name
// order, for building provider function declarations.
func (r *Registry) Specs(allowed []string) []Definition {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		allowedSet[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Definition, 0, len(allowedSet))
	for name, def := range r.tools {
		if _, ok := allowedSet[name]; ok {
			specs = append(specs, *def)
		}
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// IsSideEffect reports whether the named tool mutates state. Unknown tools
// report false.
func (r *Registry) IsSideEffect(name string) bool {
	def := r.Get(name)
	return def != nil && def.SideEffect
}

func validateDefinition(def Definition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if strings.TrimSpace(def.Description) == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
	}
	return nil
}
