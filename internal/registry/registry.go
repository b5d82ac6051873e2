// Package registry provides the directory of worker agents the scheduler can
// dispatch to, loaded from a YAML file.
package registry

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentq/agentq/internal/common/logger"
)

// Agent is one worker agent entry. The credentials file path never leaves
// the process; its content is forwarded to the agent as an opaque blob.
type Agent struct {
	ID               string `yaml:"id" json:"id"`
	Name             string `yaml:"name" json:"name"`
	Endpoint         string `yaml:"endpoint" json:"endpoint"`
	WorkingDirectory string `yaml:"working_directory" json:"workingDirectory,omitempty"`
	CredentialsFile  string `yaml:"credentials_file" json:"-"`
}

// registryFile is the agents.yaml document shape.
type registryFile struct {
	Agents []Agent `yaml:"agents"`
}

// Registry is a read-mostly directory of agents keyed by id.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string          // file order, for stable listings
	creds  map[string]string // agent id -> cached credentials blob
	logger *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	return &Registry{
		agents: make(map[string]Agent),
		creds:  make(map[string]string),
		logger: log,
	}
}

// Load builds a registry from the YAML file at path. A missing file yields
// an empty registry with a warning, so a bare deployment still serves; a
// malformed file is an error. Invalid entries are skipped with a warning.
func Load(path string, log *logger.Logger) (*Registry, error) {
	r := New(log)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("agent registry file not found, starting with empty registry",
				zap.String("path", path))
			return r, nil
		}
		return nil, fmt.Errorf("read agent registry %s: %w", path, err)
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agent registry %s: %w", path, err)
	}

	for i, agent := range file.Agents {
		if agent.ID == "" || agent.Endpoint == "" {
			log.Warn("skipping agent registry entry without id or endpoint",
				zap.Int("index", i), zap.String("id", agent.ID))
			continue
		}
		if _, dup := r.agents[agent.ID]; dup {
			log.Warn("skipping duplicate agent registry entry",
				zap.String("id", agent.ID))
			continue
		}
		if agent.Name == "" {
			agent.Name = agent.ID
		}
		r.agents[agent.ID] = agent
		r.order = append(r.order, agent.ID)
	}

	log.Info("agent registry loaded",
		zap.String("path", path), zap.Int("agents", len(r.order)))
	return r, nil
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	return agent, ok
}

// Exists reports whether an agent id is registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// List returns all agents in file order.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		agents = append(agents, r.agents[id])
	}
	return agents
}

// Add registers or replaces one agent. Used by tests and programmatic setup.
func (r *Registry) Add(agent Agent) error {
	if agent.ID == "" || agent.Endpoint == "" {
		return fmt.Errorf("agent requires id and endpoint")
	}
	if agent.Name == "" {
		agent.Name = agent.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.agents[agent.ID]; !known {
		r.order = append(r.order, agent.ID)
	}
	r.agents[agent.ID] = agent
	delete(r.creds, agent.ID)
	return nil
}

// Credentials returns the agent's credential blob, reading and caching the
// configured file on first use. Agents without a credentials file yield "".
func (r *Registry) Credentials(id string) (string, error) {
	r.mu.RLock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.RUnlock()
		return "", fmt.Errorf("agent %s not registered", id)
	}
	if cached, hit := r.creds[id]; hit {
		r.mu.RUnlock()
		return cached, nil
	}
	r.mu.RUnlock()

	if agent.CredentialsFile == "" {
		return "", nil
	}

	data, err := os.ReadFile(agent.CredentialsFile)
	if err != nil {
		return "", fmt.Errorf("read credentials for agent %s: %w", id, err)
	}
	blob := string(data)

	r.mu.Lock()
	r.creds[id] = blob
	r.mu.Unlock()
	return blob, nil
}
