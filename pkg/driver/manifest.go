package driver

import "fmt"

// Type classifies a driver. The registry dispatches purely on
// capabilities; the type is contractual metadata for operators and UIs.
type Type string

const (
	TypeAgent Type = "agent" // LLM-backed reasoning drivers
	TypeTool  Type = "tool"  // single-purpose effectors (notify, search, ...)
	TypeIO    Type = "io"    // external system adapters (email, calendar, store)
	TypeUI    Type = "ui"    // user-facing session surfaces
)

// Resources declares a driver's runtime requirements. MaxConcurrent caps
// simultaneous HandleEvent calls (0 = unlimited); TimeoutSeconds bounds a
// single call when the registry's timeout guard is enabled.
type Resources struct {
	MemoryMB       int      `json:"memory_mb" yaml:"memory_mb"`
	TimeoutSeconds int      `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxConcurrent  int      `json:"max_concurrent" yaml:"max_concurrent"`
	RequiresGPU    bool     `json:"requires_gpu" yaml:"requires_gpu"`
	EnvVars        []string `json:"env_vars,omitempty" yaml:"env_vars,omitempty"`
}

// Manifest describes a driver to the registry. Capabilities are dotted
// event types, optionally ending in ".*" for prefix matching.
type Manifest struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Version      string         `json:"version" yaml:"version"`
	Author       string         `json:"author,omitempty" yaml:"author,omitempty"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	Type         Type           `json:"driver_type" yaml:"driver_type"`
	Capabilities []string       `json:"capabilities" yaml:"capabilities"`
	Resources    Resources      `json:"resource_requirements" yaml:"resource_requirements"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	ConfigSchema map[string]any `json:"config_schema,omitempty" yaml:"config_schema,omitempty"`
	Enabled      bool           `json:"enabled" yaml:"enabled"`
}

// Validate checks the manifest invariants.
func (m Manifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("driver manifest: id must not be empty")
	}
	if m.Name == "" {
		return fmt.Errorf("driver manifest %s: name must not be empty", m.ID)
	}
	if len(m.Capabilities) == 0 {
		return fmt.Errorf("driver manifest %s: capabilities must not be empty", m.ID)
	}
	for _, c := range m.Capabilities {
		if c == "" {
			return fmt.Errorf("driver manifest %s: empty capability", m.ID)
		}
	}
	switch m.Type {
	case TypeAgent, TypeTool, TypeIO, TypeUI:
	default:
		return fmt.Errorf("driver manifest %s: unknown driver type %q", m.ID, m.Type)
	}
	return nil
}
