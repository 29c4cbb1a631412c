// Package config loads, defaults, and validates the orchestrator's single
// configuration document. The file may be written as YAML or JSON; YAML 1.2
// is a superset of JSON so one parser covers both.
package config

// Config is the complete parsed configuration.
type Config struct {
	ProjectsDir           string          `yaml:"projectsDir"`
	Projects              []ProjectConfig `yaml:"projects"`
	MaxConcurrentSessions int             `yaml:"maxConcurrentSessions"`
	PollIntervalMs        int             `yaml:"pollIntervalMs"`
	ScanIntervalMs        int             `yaml:"scanIntervalMs"`
	IdleThresholdMinutes  int             `yaml:"idleThresholdMinutes"`
	QuietHours            *QuietHours     `yaml:"quietHours"`
	MorningDigest         *DigestConfig   `yaml:"morningDigest"`

	StatePath string `yaml:"statePath"`
	DBPath    string `yaml:"dbPath"`

	AI        AIConfig        `yaml:"ai"`
	Health    HealthConfig    `yaml:"health"`
	Revenue   RevenueConfig   `yaml:"revenue"`
	Trust     TrustConfig     `yaml:"trust"`
	Reminders RemindersConfig `yaml:"reminders"`

	Agent AgentConfig `yaml:"agent"`
	SMS   SMSConfig   `yaml:"sms"`
	Slack SlackConfig `yaml:"slack"`
	API   APIConfig   `yaml:"api"`
}

// ProjectConfig declares one supervised project. Name is a path relative
// to ProjectsDir and doubles as the project's identity.
type ProjectConfig struct {
	Name      string   `yaml:"name"`
	AgentArgs []string `yaml:"agentArgs,omitempty"`
}

// QuietHours suppresses non-urgent traffic between Start and End.
type QuietHours struct {
	Start    string `yaml:"start"`    // "22:00"
	End      string `yaml:"end"`      // "07:00"
	Timezone string `yaml:"timezone"` // IANA name; empty means local
}

// DigestConfig holds a cron expression for a scheduled digest.
type DigestConfig struct {
	Cron string `yaml:"cron"`
}

// AIConfig governs the decision engine: the oracle, autonomy, cooldowns,
// resource limits, and notification budgets.
type AIConfig struct {
	Enabled           bool                `yaml:"enabled"`
	OracleCommand     string              `yaml:"oracleCommand"`
	Model             string              `yaml:"model"`
	ThinkIntervalMs   int                 `yaml:"thinkIntervalMs"`
	MaxPromptLength   int                 `yaml:"maxPromptLength"`
	AutonomyLevel     string              `yaml:"autonomyLevel"`
	ProtectedProjects []string            `yaml:"protectedProjects"`
	Cooldowns         CooldownConfig      `yaml:"cooldowns"`
	ResourceLimits    ResourceLimits      `yaml:"resourceLimits"`
	MaxSessionDurMs   int                 `yaml:"maxSessionDurationMs"`
	MaxErrorRetries   int                 `yaml:"maxErrorRetries"`
	StalenessDays     int                 `yaml:"stalenessDays"`
	Notifications     NotificationConfig  `yaml:"notifications"`
}

// CooldownConfig bounds repeat actions.
type CooldownConfig struct {
	SameProjectMs int `yaml:"sameProjectMs"`
	SameActionMs  int `yaml:"sameActionMs"`
}

// ResourceLimits gates side-effectful execution.
type ResourceLimits struct {
	MinFreeMemoryMB     int `yaml:"minFreeMemoryMB"`
	MaxConcurrentThinks int `yaml:"maxConcurrentThinks"`
}

// NotificationConfig bounds SMS volume.
type NotificationConfig struct {
	DailyBudget      int  `yaml:"dailyBudget"`
	BatchIntervalMs  int  `yaml:"batchIntervalMs"`
	UrgentBypassQuiet bool `yaml:"urgentBypassQuiet"`
}

// HealthConfig declares the co-resident services to watch.
type HealthConfig struct {
	Enabled                     bool            `yaml:"enabled"`
	Services                    []ServiceConfig `yaml:"services"`
	ConsecutiveFailsBeforeAlert int             `yaml:"consecutiveFailsBeforeAlert"`
	RestartBudget               RestartBudget   `yaml:"restartBudget"`
	CorrelatedFailureThreshold  int             `yaml:"correlatedFailureThreshold"`
}

// ServiceConfig is one watched service. Type-specific fields are optional
// depending on Type.
type ServiceConfig struct {
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"` // http, tcp, process, docker
	URL        string   `yaml:"url,omitempty"`
	Host       string   `yaml:"host,omitempty"`
	Port       int      `yaml:"port,omitempty"`
	Label      string   `yaml:"label,omitempty"`      // launch-agent label
	Containers []string `yaml:"containers,omitempty"` // container names
	IntervalMs int      `yaml:"intervalMs"`
	TimeoutMs  int      `yaml:"timeoutMs"`
}

// RestartBudget is the sliding-window auto-restart cap.
type RestartBudget struct {
	MaxPerHour int `yaml:"maxPerHour"`
}

// RevenueConfig declares revenue sources to sample.
type RevenueConfig struct {
	Enabled                 bool                  `yaml:"enabled"`
	Sources                 []RevenueSourceConfig `yaml:"sources"`
	CollectionIntervalScans int                   `yaml:"collectionIntervalScans"`
}

// RevenueSourceConfig is one revenue source polled by shelling out to a
// reader command that prints an atomic integer value.
type RevenueSourceConfig struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// TrustConfig governs the promotion-check schedule.
type TrustConfig struct {
	Enabled            bool   `yaml:"enabled"`
	PromotionCheckCron string `yaml:"promotionCheckCron"`
}

// RemindersConfig toggles the reminder engine.
type RemindersConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AgentConfig describes how to launch the coding agent inside a session.
type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// SMSConfig locates the local chat database and send bridge.
type SMSConfig struct {
	ChatDBPath  string `yaml:"chatDbPath"`
	SendCommand string `yaml:"sendCommand"`
	Recipient   string `yaml:"recipient"`
}

// SlackConfig optionally mirrors tier-1/2 notifications to a channel.
// SMS stays the primary operator channel.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"tokenEnv,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// APIConfig controls the local read-only status API.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
}
