package config

import (
	"log/slog"

	"dario.cat/mergo"
)

// mergeDefaults fills zero-valued fields of dst from base. UrgentBypassQuiet
// defaults to true, which mergo cannot express for a bool zero value, so it
// is handled before the merge by treating an absent notifications block as
// "use defaults wholesale".
func mergeDefaults(dst, base *Config) {
	if dst.AI.Notifications == (NotificationConfig{}) {
		dst.AI.Notifications = base.AI.Notifications
	}
	if err := mergo.Merge(dst, base); err != nil {
		// Merge only fails on type mismatch, which cannot happen for two
		// values of the same struct type. Log and continue with what we have.
		slog.Error("Failed to merge configuration defaults", "error", err)
	}
}
