// Package agents declares the static agent configurations a session can run:
// the instructions sent to the model and the function tools it may call.
package agents

import (
	"fmt"
	"strings"
)

// Tool is a function tool declaration. Parameters is a JSON schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type Config struct {
	Name         string `json:"name"`
	Instructions string `json:"instructions"`
	Tools        []Tool `json:"tools"`
}

// ToolNames returns the declared tool names in declaration order.
func (c Config) ToolNames() []string {
	out := make([]string, 0, len(c.Tools))
	for _, tool := range c.Tools {
		out = append(out, tool.Name)
	}
	return out
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("agent name must not be empty")
	}
	seen := make(map[string]struct{}, len(c.Tools))
	for i, tool := range c.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			return fmt.Errorf("agent %q: tools[%d].name must not be empty", c.Name, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("agent %q: duplicate tool %q", c.Name, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Registry maps agent names to configurations.
type Registry map[string]Config

func (r Registry) Lookup(name string) (Config, bool) {
	cfg, ok := r[strings.TrimSpace(name)]
	return cfg, ok
}
