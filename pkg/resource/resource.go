// Package resource samples host capacity for the just-in-time preconditions
// the decision executor re-checks before any side effect.
package resource

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Sampler reports free memory. Swapped in tests.
type Sampler interface {
	FreeMemoryMB(ctx context.Context) (int, error)
}

// HostSampler reads the platform's memory accounting: /proc/meminfo where
// it exists, vm_stat otherwise.
type HostSampler struct{}

// NewHostSampler returns a sampler for the local host.
func NewHostSampler() *HostSampler {
	return &HostSampler{}
}

// FreeMemoryMB returns available memory in megabytes.
func (HostSampler) FreeMemoryMB(ctx context.Context) (int, error) {
	if mb, err := readMeminfo("/proc/meminfo"); err == nil {
		return mb, nil
	}
	return readVMStat(ctx)
}

// readMeminfo parses the MemAvailable line.
func readMeminfo(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open meminfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "MemAvailable:" {
			kb, err := strconv.Atoi(fields[1])
			if err != nil {
				return 0, fmt.Errorf("failed to parse MemAvailable: %w", err)
			}
			return kb / 1024, nil
		}
	}
	return 0, fmt.Errorf("MemAvailable not found in %s", path)
}

// readVMStat sums free and inactive pages from vm_stat output.
func readVMStat(ctx context.Context) (int, error) {
	out, err := exec.CommandContext(ctx, "vm_stat").Output()
	if err != nil {
		return 0, fmt.Errorf("vm_stat failed: %w", err)
	}
	pageSize := 4096
	var pages int64
	for _, line := range strings.Split(string(out), "\n") {
		switch {
		case strings.HasPrefix(line, "Mach Virtual Memory Statistics"):
			if n := parseParenInt(line, "page size of "); n > 0 {
				pageSize = n
			}
		case strings.HasPrefix(line, "Pages free:"),
			strings.HasPrefix(line, "Pages inactive:"):
			pages += parseVMStatCount(line)
		}
	}
	return int(pages * int64(pageSize) / (1024 * 1024)), nil
}

func parseVMStatCount(line string) int64 {
	_, v, ok := strings.Cut(line, ":")
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(strings.Trim(strings.TrimSpace(v), "."), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseParenInt(line, marker string) int {
	i := strings.Index(line, marker)
	if i < 0 {
		return 0
	}
	rest := line[i+len(marker):]
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return n
}
