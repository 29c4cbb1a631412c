package health

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/opsloop/orchd/pkg/config"
	"github.com/opsloop/orchd/pkg/models"
)

// Service check types.
const (
	TypeHTTP    = "http"
	TypeTCP     = "tcp"
	TypeProcess = "process"
	TypeDocker  = "docker"
)

const defaultCheckTimeout = 5 * time.Second

// commandRunner shells out for process and container checks. Swapped in
// tests.
type commandRunner func(ctx context.Context, name string, args ...string) (string, error)

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// checkService runs the type-appropriate probe and returns up or down with
// an error description for the down case.
func (m *Monitor) checkService(ctx context.Context, svc config.ServiceConfig) (models.ServiceStatus, string) {
	timeout := time.Duration(svc.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch svc.Type {
	case TypeHTTP:
		return m.checkHTTP(ctx, svc)
	case TypeTCP:
		return checkTCP(ctx, svc)
	case TypeProcess:
		return m.checkProcess(ctx, svc)
	case TypeDocker:
		return m.checkDocker(ctx, svc)
	default:
		return models.StatusDown, fmt.Sprintf("unknown check type %q", svc.Type)
	}
}

// checkHTTP treats any HTTP response as UP, including 4xx and 5xx. A
// running service that returns 404 on / is still running. Only transport
// failures count as DOWN.
func (m *Monitor) checkHTTP(ctx context.Context, svc config.ServiceConfig) (models.ServiceStatus, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.URL, nil)
	if err != nil {
		return models.StatusDown, fmt.Sprintf("bad URL: %v", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return models.StatusDown, err.Error()
	}
	resp.Body.Close()
	return models.StatusUp, ""
}

func checkTCP(ctx context.Context, svc config.ServiceConfig) (models.ServiceStatus, string) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(svc.Host, fmt.Sprintf("%d", svc.Port)))
	if err != nil {
		return models.StatusDown, err.Error()
	}
	conn.Close()
	return models.StatusUp, ""
}

// checkProcess asks the launch agent for the service and looks for a PID
// line. DOWN iff no PID is listed.
func (m *Monitor) checkProcess(ctx context.Context, svc config.ServiceConfig) (models.ServiceStatus, string) {
	out, err := m.runCmd(ctx, "launchctl", "list", svc.Label)
	if err != nil {
		return models.StatusDown, fmt.Sprintf("launchctl list failed: %v", err)
	}
	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, `"PID"`) || strings.HasPrefix(trimmed, "PID") {
			return models.StatusUp, ""
		}
	}
	return models.StatusDown, "no PID in launchctl listing"
}

// checkDocker is DOWN iff any declared container is absent or not in an
// Up state.
func (m *Monitor) checkDocker(ctx context.Context, svc config.ServiceConfig) (models.ServiceStatus, string) {
	out, err := m.runCmd(ctx, "docker", "ps", "--format", "{{.Names}}\t{{.Status}}")
	if err != nil {
		return models.StatusDown, fmt.Sprintf("docker ps failed: %v", err)
	}

	statuses := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		name, status, ok := strings.Cut(line, "\t")
		if ok {
			statuses[strings.TrimSpace(name)] = strings.TrimSpace(status)
		}
	}

	for _, want := range svc.Containers {
		status, present := statuses[want]
		if !present {
			return models.StatusDown, fmt.Sprintf("container %s absent", want)
		}
		if !strings.HasPrefix(status, "Up") {
			return models.StatusDown, fmt.Sprintf("container %s status %q", want, status)
		}
	}
	return models.StatusUp, ""
}

// downContainers lists which declared containers are currently down, used
// to restart only the first one per budget slot.
func (m *Monitor) downContainers(ctx context.Context, svc config.ServiceConfig) []string {
	out, err := m.runCmd(ctx, "docker", "ps", "--format", "{{.Names}}\t{{.Status}}")
	if err != nil {
		return svc.Containers
	}
	statuses := make(map[string]string)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		name, status, ok := strings.Cut(line, "\t")
		if ok {
			statuses[strings.TrimSpace(name)] = strings.TrimSpace(status)
		}
	}
	var down []string
	for _, want := range svc.Containers {
		if status, present := statuses[want]; !present || !strings.HasPrefix(status, "Up") {
			down = append(down, want)
		}
	}
	return down
}
