// Package profile loads named executor profiles from a YAML file, each
// binding a Variant to a model, default MCP config path, and environment
// overrides. A TaskAttempt resolves its profile once at start() time and
// keeps using it for the life of the attempt, even if the file changes
// underneath it.
package profile

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/taskctl/taskctl/internal/executor"
)

// Profile is one named, resolved configuration for an Adapter.
type Profile struct {
	Name          string            `yaml:"name"`
	Variant       executor.Variant  `yaml:"variant"`
	Model         string            `yaml:"model,omitempty"`
	MCPConfigPath string            `yaml:"mcp_config_path,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	// AutoApprove puts the adapter in full-access mode: every
	// request_tool_approval call for a session resolved to this profile
	// gets a synthetic Approved decision without reaching the Approval
	// Broker's pending queue.
	AutoApprove bool `yaml:"auto_approve,omitempty"`
}

// file is the on-disk shape: a list of profiles under a top-level key.
type file struct {
	Profiles []Profile `yaml:"profiles"`
}

// Store holds the profiles loaded from one file, indexed by name.
type Store struct {
	profiles map[string]Profile
}

// DefaultPath returns "~/.config/taskctl/profiles.yaml", resolved against
// the current user's home directory.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("profile: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "taskctl", "profiles.yaml"), nil
}

// Load reads and parses a profiles file. A missing file yields an empty,
// valid Store rather than an error, so a fresh install need not pre-create it.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Store{profiles: map[string]Profile{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("profile: parse %s: %w", path, err)
	}

	s := &Store{profiles: make(map[string]Profile, len(f.Profiles))}
	for _, p := range f.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile: %s: entry missing name", path)
		}
		s.profiles[p.Name] = p
	}
	return s, nil
}

// Resolve looks up a profile by name. The returned Profile is a copy; the
// caller's use of it afterward cannot be affected by a subsequent Load.
func (s *Store) Resolve(name string) (Profile, error) {
	p, ok := s.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile: unknown profile %q", name)
	}
	return p, nil
}

// ApplyTo merges a Profile's defaults into a SpawnRequest wherever the
// request left a field blank, without overwriting anything the caller set
// explicitly.
func (p Profile) ApplyTo(req executor.SpawnRequest) executor.SpawnRequest {
	if req.Model == "" {
		req.Model = p.Model
	}
	if req.MCPConfigPath == "" {
		req.MCPConfigPath = p.MCPConfigPath
	}
	if len(p.Env) > 0 {
		merged := make(map[string]string, len(p.Env)+len(req.Env))
		for k, v := range p.Env {
			merged[k] = v
		}
		for k, v := range req.Env {
			merged[k] = v
		}
		req.Env = merged
	}
	return req
}
