package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/opsloop/orchd/pkg/breaker"
	"github.com/opsloop/orchd/pkg/version"
)

// probeTimeout bounds one server's connect-and-list round trip.
const probeTimeout = 10 * time.Second

// toolLister is the slice of an SDK client session the probe needs.
type toolLister interface {
	ListTools(ctx context.Context, params *mcpsdk.ListToolsParams) (*mcpsdk.ListToolsResult, error)
	Close() error
}

// dialer opens a session to one configured server. Swapped in tests.
type dialer func(ctx context.Context, cfg ServerConfig) (toolLister, error)

// ProbeResult is the outcome for one server.
type ProbeResult struct {
	Server      string
	ToolCount   int
	SkippedOpen bool
	Err         error
}

// Prober checks a project's tool servers before session launch. Each
// server feeds a named circuit breaker; a server whose breaker is open is
// skipped without spawning its process.
type Prober struct {
	breakers *breaker.Registry
	dial     dialer
	log      *slog.Logger
}

// NewProber creates a prober backed by the shared breaker registry.
func NewProber(breakers *breaker.Registry) *Prober {
	return &Prober{
		breakers: breakers,
		dial:     dialStdio,
		log:      slog.With("component", "mcp"),
	}
}

// Preflight is the session controller hook. A project without a config
// passes trivially; a malformed config blocks the launch. Individual
// server failures are recorded on their breakers but do not block, since
// the agent may not need every tool.
func (p *Prober) Preflight(ctx context.Context, project, dir string) error {
	results, err := p.ProbeAll(ctx, dir)
	if errors.Is(err, ErrNoConfig) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, r := range results {
		switch {
		case r.SkippedOpen:
			p.log.Warn("Tool server skipped, breaker open", "project", project, "server", r.Server)
		case r.Err != nil:
			p.log.Warn("Tool server probe failed", "project", project, "server", r.Server, "error", r.Err)
		default:
			p.log.Debug("Tool server healthy", "project", project, "server", r.Server, "tools", r.ToolCount)
		}
	}
	return nil
}

// ProbeAll loads the project's config and probes every declared server.
func (p *Prober) ProbeAll(ctx context.Context, dir string) ([]ProbeResult, error) {
	f, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}
	results := make([]ProbeResult, 0, len(f.Servers))
	for name, srv := range f.Servers {
		results = append(results, p.probe(ctx, name, srv))
	}
	return results, nil
}

func (p *Prober) probe(ctx context.Context, name string, cfg ServerConfig) ProbeResult {
	b := p.breakers.Get("mcp:" + name)
	if b.IsOpen() {
		return ProbeResult{Server: name, SkippedOpen: true}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	session, err := p.dial(ctx, cfg)
	if err != nil {
		b.RecordFailure()
		return ProbeResult{Server: name, Err: fmt.Errorf("connect failed: %w", err)}
	}
	defer func() { _ = session.Close() }()

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		b.RecordFailure()
		return ProbeResult{Server: name, Err: fmt.Errorf("list tools failed: %w", err)}
	}

	b.RecordSuccess()
	return ProbeResult{Server: name, ToolCount: len(tools.Tools)}
}

// dialStdio spawns the server process and completes the MCP handshake.
func dialStdio(ctx context.Context, cfg ServerConfig) (toolLister, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)
	return client.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)
}
