// Package oracle is the gateway to the decision CLI. Every consultation
// runs the configured command as a short-lived subprocess with a hard
// deadline, bounded by a concurrency semaphore, and returns either typed
// failures or payloads recovered through a tolerant parse cascade.
package oracle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/opsloop/orchd/pkg/breaker"
)

const (
	// MaxConcurrentCalls bounds simultaneous oracle subprocesses. Waiters
	// queue on the semaphore and are released by context cancellation.
	MaxConcurrentCalls = 2

	// DefaultTimeout applies when the caller does not set one.
	DefaultTimeout = 2 * time.Minute

	// DecisionTimeout and EvaluationTimeout are the per-purpose deadlines
	// callers pass for think and scoring consultations.
	DecisionTimeout   = 30 * time.Second
	EvaluationTimeout = 60 * time.Second

	// promptArgLimit is the size above which the prompt travels on stdin
	// instead of the argument vector, staying clear of OS arg limits.
	promptArgLimit = 8000
)

// Model size aliases. The gateway passes these through to the CLI; the
// CLI owns the mapping to concrete model names.
const (
	ModelSmall   = "small"
	ModelDefault = "default"
	ModelLarge   = "large"
)

// Options shape a single consultation.
type Options struct {
	// MaxTurns caps agentic tool-use iterations. Zero means the CLI
	// default.
	MaxTurns int

	// Model selects a size alias; empty means the configured default.
	Model string

	// JSONSchema, when non-empty, is passed so the CLI constrains its
	// output. Use SchemaFor to derive one from a Go type.
	JSONSchema string

	// AllowedTools whitelists tool identifiers for this call. Tools of
	// the form mcp__<provider>__<name> are gated by the provider's
	// circuit breaker.
	AllowedTools []string

	// Timeout is the hard subprocess deadline.
	Timeout time.Duration
}

// Result carries the oracle's reply. Raw is always retained for audit,
// even when parsing failed.
type Result struct {
	Raw     string
	Payload []byte // extracted JSON, nil when parsing failed
}

// runner executes the oracle command. Swapped in tests.
type runner func(ctx context.Context, name string, args []string, stdin string) (stdout, stderr []byte, err error)

// Gateway serializes access to the oracle CLI.
type Gateway struct {
	command      string
	defaultModel string
	sem          *semaphore.Weighted
	breakers     *breaker.Registry
	run          runner
	log          *slog.Logger

	parseFailStreak atomic.Int64
}

// NewGateway creates a gateway for the given oracle command. The breaker
// registry may be shared with other subsystems that observe the same
// dependencies.
func NewGateway(command, defaultModel string, breakers *breaker.Registry) *Gateway {
	return &Gateway{
		command:      command,
		defaultModel: defaultModel,
		sem:          semaphore.NewWeighted(MaxConcurrentCalls),
		breakers:     breakers,
		run:          runCommand,
		log:          slog.With("component", "oracle"),
	}
}

// Query runs one consultation. Errors wrap exactly one of the package
// sentinels so callers can switch on errors.Is.
func (g *Gateway) Query(ctx context.Context, prompt string, opts Options) (*Result, error) {
	// Breaker check comes first: an open provider must not consume a
	// concurrency slot.
	if provider, open := g.openProvider(opts.AllowedTools); open {
		return nil, fmt.Errorf("%w: %s", ErrBreakerOpen, provider)
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for oracle slot: %w", err)
	}
	defer g.sem.Release(1)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args, stdin := g.buildArgs(prompt, opts)

	start := time.Now()
	stdout, stderr, err := g.run(callCtx, g.command, args, stdin)
	elapsed := time.Since(start)

	if err != nil {
		typed := classifyExecError(callCtx, err, stderr)
		g.recordProviders(opts.AllowedTools, false)
		g.log.Warn("Oracle call failed",
			"error", typed, "elapsed", elapsed.Round(time.Millisecond))
		return nil, typed
	}
	g.recordProviders(opts.AllowedTools, true)

	raw := strings.TrimSpace(string(stdout))
	payload, ok := ExtractJSON(raw)
	if !ok {
		streak := g.parseFailStreak.Add(1)
		g.log.Warn("Oracle output unparseable", "consecutive", streak,
			"preview", preview(raw, 120))
		return &Result{Raw: raw}, ErrParseFail
	}
	g.parseFailStreak.Store(0)

	g.log.Debug("Oracle call complete",
		"elapsed", elapsed.Round(time.Millisecond), "bytes", len(raw))
	return &Result{Raw: raw, Payload: payload}, nil
}

// QueryText runs a consultation whose reply is free-form text rather than
// JSON. The parse cascade is skipped.
func (g *Gateway) QueryText(ctx context.Context, prompt string, opts Options) (string, error) {
	opts.JSONSchema = ""
	if provider, open := g.openProvider(opts.AllowedTools); open {
		return "", fmt.Errorf("%w: %s", ErrBreakerOpen, provider)
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("waiting for oracle slot: %w", err)
	}
	defer g.sem.Release(1)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args, stdin := g.buildArgs(prompt, opts)
	stdout, stderr, err := g.run(callCtx, g.command, args, stdin)
	if err != nil {
		typed := classifyExecError(callCtx, err, stderr)
		g.recordProviders(opts.AllowedTools, false)
		return "", typed
	}
	g.recordProviders(opts.AllowedTools, true)
	return strings.TrimSpace(string(stdout)), nil
}

// ParseFailStreak returns the count of consecutive unparseable replies.
// The supervisor alerts when this reaches its threshold.
func (g *Gateway) ParseFailStreak() int64 {
	return g.parseFailStreak.Load()
}

func (g *Gateway) buildArgs(prompt string, opts Options) (args []string, stdin string) {
	args = []string{"-p"}
	if len(prompt) <= promptArgLimit {
		args = append(args, prompt)
	} else {
		stdin = prompt
	}
	if opts.JSONSchema != "" {
		args = append(args, "--output-format", "json")
	} else {
		args = append(args, "--output-format", "text")
	}
	if opts.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	model := opts.Model
	if model == "" {
		model = g.defaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if opts.JSONSchema != "" {
		args = append(args, "--json-schema", opts.JSONSchema)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(opts.AllowedTools, ","))
	} else {
		args = append(args, "--allowed-tools", "")
	}
	return args, stdin
}

// openProvider returns the first tool provider whose breaker is open.
func (g *Gateway) openProvider(tools []string) (string, bool) {
	if g.breakers == nil {
		return "", false
	}
	for _, p := range providersOf(tools) {
		if g.breakers.Get(p).IsOpen() {
			return p, true
		}
	}
	return "", false
}

func (g *Gateway) recordProviders(tools []string, success bool) {
	if g.breakers == nil {
		return
	}
	for _, p := range providersOf(tools) {
		if success {
			g.breakers.Get(p).RecordSuccess()
		} else {
			g.breakers.Get(p).RecordFailure()
		}
	}
}

// providersOf extracts breaker names from tool identifiers of the form
// mcp__<provider>__<tool>. Built-in tools carry no provider.
func providersOf(tools []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range tools {
		rest, ok := strings.CutPrefix(t, "mcp__")
		if !ok {
			continue
		}
		provider, _, _ := strings.Cut(rest, "__")
		if provider == "" {
			continue
		}
		if _, dup := seen[provider]; dup {
			continue
		}
		seen[provider] = struct{}{}
		out = append(out, provider)
	}
	return out
}

// classifyExecError maps a subprocess failure to a package sentinel.
func classifyExecError(ctx context.Context, err error, stderr []byte) error {
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w after deadline", ErrTimeout)
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: exit %d: %s",
			ErrRuntime, exitErr.ExitCode(), preview(strings.TrimSpace(string(stderr)), 200))
	}
	return fmt.Errorf("%w: %v", ErrRuntime, err)
}

func runCommand(ctx context.Context, name string, args []string, stdin string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
