package config

// Default values applied when the document omits a key. Keys the operator
// sets explicitly always win; the merge never overwrites a non-zero value.
const (
	DefaultMaxConcurrentSessions = 5
	DefaultPollIntervalMs        = 5000
	DefaultScanIntervalMs        = 60000
	DefaultIdleThresholdMinutes  = 30

	DefaultThinkIntervalMs  = 300000
	DefaultMaxPromptLength  = 8000
	DefaultAutonomyLevel    = "observe"
	DefaultSameProjectMs    = 600000
	DefaultSameActionMs     = 300000
	DefaultMinFreeMemoryMB  = 2048
	DefaultMaxConcThinks    = 1
	DefaultMaxSessionDurMs  = 2700000
	DefaultMaxErrorRetries  = 3
	DefaultStalenessDays    = 3
	DefaultDailyBudget      = 20
	DefaultBatchIntervalMs  = 14400000
	DefaultOracleCommand    = "oracle"

	DefaultConsecutiveFailsBeforeAlert = 3
	DefaultRestartMaxPerHour           = 2
	DefaultCorrelatedFailureThreshold  = 3
	DefaultServiceIntervalMs           = 60000
	DefaultServiceTimeoutMs            = 5000

	DefaultCollectionIntervalScans = 5

	DefaultStatePath  = ".orchd/state.json"
	DefaultDBPath     = ".orchd/orchd.db"
	DefaultListenAddr = "127.0.0.1:7733"
)

// withDefaults returns cfg with every omitted value filled in.
func withDefaults(cfg *Config) *Config {
	base := &Config{
		MaxConcurrentSessions: DefaultMaxConcurrentSessions,
		PollIntervalMs:        DefaultPollIntervalMs,
		ScanIntervalMs:        DefaultScanIntervalMs,
		IdleThresholdMinutes:  DefaultIdleThresholdMinutes,
		StatePath:             DefaultStatePath,
		DBPath:                DefaultDBPath,
		AI: AIConfig{
			OracleCommand:   DefaultOracleCommand,
			ThinkIntervalMs: DefaultThinkIntervalMs,
			MaxPromptLength: DefaultMaxPromptLength,
			AutonomyLevel:   DefaultAutonomyLevel,
			Cooldowns: CooldownConfig{
				SameProjectMs: DefaultSameProjectMs,
				SameActionMs:  DefaultSameActionMs,
			},
			ResourceLimits: ResourceLimits{
				MinFreeMemoryMB:     DefaultMinFreeMemoryMB,
				MaxConcurrentThinks: DefaultMaxConcThinks,
			},
			MaxSessionDurMs: DefaultMaxSessionDurMs,
			MaxErrorRetries: DefaultMaxErrorRetries,
			StalenessDays:   DefaultStalenessDays,
			Notifications: NotificationConfig{
				DailyBudget:       DefaultDailyBudget,
				BatchIntervalMs:   DefaultBatchIntervalMs,
				UrgentBypassQuiet: true,
			},
		},
		Health: HealthConfig{
			ConsecutiveFailsBeforeAlert: DefaultConsecutiveFailsBeforeAlert,
			RestartBudget:               RestartBudget{MaxPerHour: DefaultRestartMaxPerHour},
			CorrelatedFailureThreshold:  DefaultCorrelatedFailureThreshold,
		},
		Revenue: RevenueConfig{
			CollectionIntervalScans: DefaultCollectionIntervalScans,
		},
		Agent: AgentConfig{
			Command: "claude",
			Args:    []string{"--dangerously-skip-permissions"},
		},
		API: APIConfig{
			ListenAddr: DefaultListenAddr,
		},
	}
	mergeDefaults(cfg, base)

	// Per-service defaults can't come from the base struct because the
	// slice is operator-provided.
	for i := range cfg.Health.Services {
		if cfg.Health.Services[i].IntervalMs == 0 {
			cfg.Health.Services[i].IntervalMs = DefaultServiceIntervalMs
		}
		if cfg.Health.Services[i].TimeoutMs == 0 {
			cfg.Health.Services[i].TimeoutMs = DefaultServiceTimeoutMs
		}
	}
	return cfg
}
