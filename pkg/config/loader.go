package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Initialize loads, defaults, and validates the configuration document.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read the document from path
//  2. Expand environment variables
//  3. Parse (YAML or JSON)
//  4. Apply default values
//  5. Resolve project directories against projectsDir
//  6. Validate
func Initialize(_ context.Context, path string) (*Config, error) {
	log := slog.With("component", "config", "path", path)
	log.Info("Initializing configuration")

	cfg, err := load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg = withDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("Configuration initialized",
		"projects", len(cfg.Projects),
		"services", len(cfg.Health.Services),
		"autonomy", cfg.AI.AutonomyLevel,
		"ai_enabled", cfg.AI.Enabled)

	return cfg, nil
}

func load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, ErrConfigNotFound)
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidSyntax, err))
	}
	return &cfg, nil
}

// ProjectDir returns the absolute working directory for a project name.
func (c *Config) ProjectDir(name string) string {
	return filepath.Join(c.ProjectsDir, name)
}

// HasProject reports whether name is a configured project.
func (c *Config) HasProject(name string) bool {
	for _, p := range c.Projects {
		if p.Name == name {
			return true
		}
	}
	return false
}

// IsProtected reports whether name is on the protected-project list.
func (c *Config) IsProtected(name string) bool {
	for _, p := range c.AI.ProtectedProjects {
		if p == name {
			return true
		}
	}
	return false
}
