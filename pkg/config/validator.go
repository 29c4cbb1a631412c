package config

import (
	"fmt"
	"time"
)

var serviceTypes = map[string]bool{
	"http":    true,
	"tcp":     true,
	"process": true,
	"docker":  true,
}

// validate performs comprehensive validation, fail-fast at the first error.
func validate(cfg *Config) error {
	if err := validateProjects(cfg); err != nil {
		return fmt.Errorf("project validation failed: %w", err)
	}
	if err := validateAI(cfg); err != nil {
		return fmt.Errorf("ai validation failed: %w", err)
	}
	if err := validateServices(cfg); err != nil {
		return fmt.Errorf("service validation failed: %w", err)
	}
	if err := validateQuietHours(cfg); err != nil {
		return fmt.Errorf("quiet hours validation failed: %w", err)
	}
	return nil
}

func validateProjects(cfg *Config) error {
	if cfg.ProjectsDir == "" {
		return NewValidationError("config", "root", "projectsDir", ErrMissingRequiredField)
	}
	seen := make(map[string]bool)
	for _, p := range cfg.Projects {
		if p.Name == "" {
			return NewValidationError("project", "?", "name", ErrMissingRequiredField)
		}
		if seen[p.Name] {
			return NewValidationError("project", p.Name, "name", fmt.Errorf("%w: duplicate", ErrInvalidValue))
		}
		seen[p.Name] = true
	}
	// Protected projects must refer to declared projects.
	for _, name := range cfg.AI.ProtectedProjects {
		if !seen[name] {
			return NewValidationError("ai", "protectedProjects", name, ErrProjectNotFound)
		}
	}
	return nil
}

func validateAI(cfg *Config) error {
	switch cfg.AI.AutonomyLevel {
	case "observe", "cautious", "moderate", "full":
	default:
		return NewValidationError("ai", "autonomyLevel", cfg.AI.AutonomyLevel, ErrInvalidValue)
	}
	if cfg.AI.Enabled && cfg.AI.OracleCommand == "" {
		return NewValidationError("ai", "oracle", "oracleCommand", ErrMissingRequiredField)
	}
	if cfg.AI.MaxPromptLength < 1000 {
		return NewValidationError("ai", "prompt", "maxPromptLength",
			fmt.Errorf("%w: must be at least 1000", ErrInvalidValue))
	}
	return nil
}

func validateServices(cfg *Config) error {
	for _, svc := range cfg.Health.Services {
		if svc.Name == "" {
			return NewValidationError("service", "?", "name", ErrMissingRequiredField)
		}
		if !serviceTypes[svc.Type] {
			return NewValidationError("service", svc.Name, "type",
				fmt.Errorf("%w: %q", ErrInvalidValue, svc.Type))
		}
		switch svc.Type {
		case "http":
			if svc.URL == "" {
				return NewValidationError("service", svc.Name, "url", ErrMissingRequiredField)
			}
		case "tcp":
			if svc.Host == "" || svc.Port == 0 {
				return NewValidationError("service", svc.Name, "host/port", ErrMissingRequiredField)
			}
		case "process":
			if svc.Label == "" {
				return NewValidationError("service", svc.Name, "label", ErrMissingRequiredField)
			}
		case "docker":
			if len(svc.Containers) == 0 {
				return NewValidationError("service", svc.Name, "containers", ErrMissingRequiredField)
			}
		}
	}
	return nil
}

func validateQuietHours(cfg *Config) error {
	if cfg.QuietHours == nil {
		return nil
	}
	for _, field := range []struct{ name, value string }{
		{"start", cfg.QuietHours.Start},
		{"end", cfg.QuietHours.End},
	} {
		if _, err := time.Parse("15:04", field.value); err != nil {
			return NewValidationError("quietHours", field.name, field.value,
				fmt.Errorf("%w: want HH:MM", ErrInvalidValue))
		}
	}
	if cfg.QuietHours.Timezone != "" {
		if _, err := time.LoadLocation(cfg.QuietHours.Timezone); err != nil {
			return NewValidationError("quietHours", "timezone", cfg.QuietHours.Timezone, ErrInvalidValue)
		}
	}
	return nil
}
