package projects

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opsloop/orchd/pkg/models"
)

// SidecarDirName is the per-project directory used for agent to
// supervisor signaling and session metadata.
const SidecarDirName = ".orchestrator"

// historyDirName holds archived signal files inside the sidecar.
const historyDirName = "history"

// SidecarDir returns the sidecar path for a project directory.
func SidecarDir(projectDir string) string {
	return filepath.Join(projectDir, SidecarDirName)
}

// EnsureSidecar creates the sidecar directory if absent.
func EnsureSidecar(projectDir string) error {
	if err := os.MkdirAll(SidecarDir(projectDir), 0o755); err != nil {
		return fmt.Errorf("failed to create sidecar dir: %w", err)
	}
	return nil
}

// WriteSidecarJSON atomically writes v to a named file in the sidecar.
func WriteSidecarJSON(projectDir, name string, v any) error {
	if err := EnsureSidecar(projectDir); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	path := filepath.Join(SidecarDir(projectDir), name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit %s: %w", name, err)
	}
	return nil
}

// ReadSidecarJSON reads a named sidecar file into v. Returns os.ErrNotExist
// wrapped when the file is absent.
func ReadSidecarJSON(projectDir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(SidecarDir(projectDir), name))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// RemoveSidecarFile deletes a named sidecar file; absence is not an error.
func RemoveSidecarFile(projectDir, name string) error {
	err := os.Remove(filepath.Join(SidecarDir(projectDir), name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", name, err)
	}
	return nil
}

// signalFiles maps signal kinds to their sidecar basenames.
var signalFiles = map[models.SignalKind]string{
	models.SignalNeedsInput: "needs-input.json",
	models.SignalCompleted:  "completed.json",
	models.SignalError:      "error.json",
}

// DetectSignals returns any signal files currently present for the
// project, oldest kind ordering fixed as needs-input, completed, error.
// Unparseable payloads still produce a signal with a nil payload; the
// presence of the file is the message.
func DetectSignals(projectDir, projectName string) []models.Signal {
	kinds := []models.SignalKind{models.SignalNeedsInput, models.SignalCompleted, models.SignalError}
	var out []models.Signal
	for _, kind := range kinds {
		path := filepath.Join(SidecarDir(projectDir), signalFiles[kind])
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		sig := models.Signal{Kind: kind, Project: projectName, SeenAt: time.Now()}
		var payload map[string]any
		if json.Unmarshal(data, &payload) == nil {
			sig.Payload = payload
		}
		out = append(out, sig)
	}
	return out
}

// ArchiveSignal moves a consumed signal file into the sidecar's history
// folder with a timestamped name. Archiving an absent file is a no-op.
func ArchiveSignal(projectDir string, kind models.SignalKind, now time.Time) error {
	base, ok := signalFiles[kind]
	if !ok {
		return fmt.Errorf("unknown signal kind %q", kind)
	}
	src := filepath.Join(SidecarDir(projectDir), base)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	histDir := filepath.Join(SidecarDir(projectDir), historyDirName)
	if err := os.MkdirAll(histDir, 0o755); err != nil {
		return fmt.Errorf("failed to create history dir: %w", err)
	}
	dst := filepath.Join(histDir, fmt.Sprintf("%s-%s.json", kind, now.Format("20060102-150405")))
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to archive signal: %w", err)
	}
	return nil
}
