// orchd supervises coding-agent sessions across a fleet of local project
// directories: it watches project state, consults an oracle CLI for
// decisions, runs sessions in detached tmux windows, and reports to the
// operator over SMS.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opsloop/orchd/pkg/api"
	"github.com/opsloop/orchd/pkg/breaker"
	"github.com/opsloop/orchd/pkg/cleanup"
	"github.com/opsloop/orchd/pkg/command"
	"github.com/opsloop/orchd/pkg/config"
	"github.com/opsloop/orchd/pkg/database"
	"github.com/opsloop/orchd/pkg/decision"
	"github.com/opsloop/orchd/pkg/evaluator"
	"github.com/opsloop/orchd/pkg/health"
	"github.com/opsloop/orchd/pkg/masking"
	"github.com/opsloop/orchd/pkg/mcp"
	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/notify"
	"github.com/opsloop/orchd/pkg/oracle"
	"github.com/opsloop/orchd/pkg/projects"
	"github.com/opsloop/orchd/pkg/prompt"
	"github.com/opsloop/orchd/pkg/resource"
	"github.com/opsloop/orchd/pkg/services"
	"github.com/opsloop/orchd/pkg/session"
	"github.com/opsloop/orchd/pkg/sms"
	"github.com/opsloop/orchd/pkg/statefile"
	"github.com/opsloop/orchd/pkg/supervisor"
	"github.com/opsloop/orchd/pkg/tmux"
	"github.com/opsloop/orchd/pkg/vcs"
	"github.com/opsloop/orchd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("ORCHD_CONFIG", "orchd.yaml"),
		"Path to the configuration document")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	slog.Info("Starting orchd", "version", version.Full(), "config", *configPath)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Persistence: sqlite for the analytical record, JSON state file
	// for the hot working set.
	dbClient, err := database.NewClient(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()

	store, err := statefile.Open(cfg.StatePath)
	if err != nil {
		slog.Error("Failed to open state file", "path", cfg.StatePath, "error", err)
		os.Exit(1)
	}

	// 3. Domain services
	masker := masking.NewService()
	conversations := services.NewConversationService(dbClient.DB(), masker)
	evaluations := services.NewEvaluationService(dbClient.DB())
	trust := services.NewTrustService(dbClient.DB())
	revenue := services.NewRevenueService(dbClient.DB())
	reminders := services.NewReminderService(dbClient.DB())
	retention := cleanup.NewService(dbClient.DB())

	// 4. SMS channel. A denied chat database is fatal with remediation;
	// everything the daemon does flows back through this channel.
	reader, err := sms.OpenChatDB(cfg.SMS.ChatDBPath)
	if err != nil {
		if errors.Is(err, sms.ErrPermissionDenied) {
			slog.Error("Cannot read the chat database. Grant this process Full Disk Access "+
				"(System Settings > Privacy & Security) and restart.",
				"path", cfg.SMS.ChatDBPath)
		} else {
			slog.Error("Failed to open chat database", "path", cfg.SMS.ChatDBPath, "error", err)
		}
		os.Exit(1)
	}
	defer func() { _ = reader.Close() }()
	sender := sms.NewBridgeSender(cfg.SMS.SendCommand, cfg.SMS.Recipient)

	// 5. Notification routing
	var quiet notify.QuietWindow
	if cfg.QuietHours != nil {
		qh, err := notify.NewQuietHours(cfg.QuietHours.Start, cfg.QuietHours.End, cfg.QuietHours.Timezone)
		if err != nil {
			slog.Error("Invalid quiet hours configuration", "error", err)
			os.Exit(1)
		}
		quiet = qh
	}
	var mirror *notify.SlackMirror
	if cfg.Slack.Enabled {
		mirror = notify.NewSlackMirror(os.Getenv(cfg.Slack.TokenEnv), cfg.Slack.Channel)
	}
	notifier := notify.NewManager(sender, quiet, mirror, notify.Config{
		DailyBudget:       cfg.AI.Notifications.DailyBudget,
		BatchInterval:     time.Duration(cfg.AI.Notifications.BatchIntervalMs) * time.Millisecond,
		UrgentBypassQuiet: cfg.AI.Notifications.UrgentBypassQuiet,
	})

	// 6. Oracle gateway and circuit breakers
	breakers := breaker.NewRegistry(breaker.DefaultFailureThreshold, breaker.DefaultResetTime)
	gateway := oracle.NewGateway(cfg.AI.OracleCommand, cfg.AI.Model, breakers)

	// 7. Sessions, projects, execution
	git := vcs.NewGitProber()
	prober := mcp.NewProber(breakers)
	sessions := session.NewController(cfg, tmux.NewExecClient(), git,
		session.WithPreflight(prober.Preflight))
	registry := projects.NewRegistry(cfg, projects.NewMarkdownScanner(cfg.ProjectsDir))

	autonomy := func() models.AutonomyLevel {
		return store.AutonomyLevel(models.ParseAutonomyLevel(cfg.AI.AutonomyLevel))
	}
	sampler := resource.NewHostSampler()
	executor := decision.NewExecutor(cfg, registry, sessions, notifier, store,
		sampler, evaluations, trust, autonomy)
	monitor := health.NewMonitor(cfg.Health, notifier, store, autonomy)

	// 8. Prompt assembly from read-only views
	assembler := prompt.NewAssembler(prompt.Sources{
		Projects: registry.Snapshots,
		LiveSessions: func(ctx context.Context) []string {
			live, err := sessions.LiveSessions(ctx)
			if err != nil {
				return nil
			}
			return live
		},
		FreeMemoryMB: func(ctx context.Context) int {
			mb, err := sampler.FreeMemoryMB(ctx)
			if err != nil {
				return -1
			}
			return mb
		},
		Health: monitor.Results,
		Revenue: func(ctx context.Context) []models.RevenueSnapshot {
			snaps, err := revenue.Latest(ctx)
			if err != nil {
				return nil
			}
			return snaps
		},
		Trust: func(ctx context.Context) *models.TrustSummary {
			sum, err := trust.Summary(ctx, autonomy())
			if err != nil {
				return nil
			}
			return sum
		},
		Conversation: func(ctx context.Context, n int) []services.ConversationEntry {
			entries, err := conversations.Recent(ctx, n)
			if err != nil {
				return nil
			}
			return entries
		},
		Patterns: func(ctx context.Context) *services.PatternSummary {
			p, err := evaluations.Patterns(ctx)
			if err != nil {
				return nil
			}
			return p
		},
		RecentDecisions: prompt.DecisionsFromState(store),
		PendingReminders: func(ctx context.Context) []services.Reminder {
			pending, err := reminders.ListPending(ctx)
			if err != nil {
				return nil
			}
			return pending
		},
	}, cfg.AI.MaxPromptLength)

	// 9. Evaluator and supervisor
	eval := evaluator.NewEvaluator(cfg, sessions, git, gateway,
		evaluations, trust, store, notifier, autonomy)

	sup := supervisor.New(supervisor.Deps{
		Config:       cfg,
		State:        store,
		Registry:     registry,
		Sessions:     sessions,
		Executor:     executor,
		Evaluator:    eval,
		Health:       monitor,
		Notifier:     notifier,
		Oracle:       gateway,
		Assembler:    assembler,
		Reminders:    reminders,
		Revenue:      revenue,
		Trust:        trust,
		Conversation: conversations,
		Retention:    retention,
		Reader:       reader,
		Sender:       sender,
		Quiet:        quiet,
	})

	nl := command.NewNLHandler(gateway, assembler, conversations, reminders)
	router := command.NewRouter(cfg, registry, sessions, executor, reminders, sup, nl)
	sup.SetRouter(router)

	// 10. Local status API
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.API.Enabled {
		apiServer := api.NewServer(dbClient.DB(), store, registry, sessions,
			evaluations, breakers, notifier, sup)
		go func() {
			if err := apiServer.Run(runCtx, cfg.API.ListenAddr); err != nil {
				slog.Error("Status API stopped", "error", err)
			}
		}()
	}

	// 11. Run until signalled. Live agent sessions survive shutdown.
	if err := sup.Run(runCtx); err != nil {
		slog.Error("Supervisor failed", "error", err)
		os.Exit(1)
	}
	slog.Info("orchd stopped")
}
