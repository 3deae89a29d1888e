package assistant

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/jra3/tracker-sync/internal/local"
)

// Sidecar is the small per-project file recording the last provisioned
// agent. Nothing else depends on its presence; a missing file just means
// the project has no agent yet.
type Sidecar struct {
	LastAgentID   string    `json:"last_agent_id"`
	ProvisionedAt time.Time `json:"provisioned_at,omitempty"`
}

func sidecarPath(projectPath string) string {
	return filepath.Join(projectPath, local.MarkerDir, "assistant.json")
}

// ReadSidecar loads the sidecar for a project checkout. A missing file
// yields a zero Sidecar and no error.
func ReadSidecar(projectPath string) (Sidecar, error) {
	var sc Sidecar
	data, err := os.ReadFile(sidecarPath(projectPath))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return sc, nil
		}
		return sc, fmt.Errorf("read sidecar: %w", err)
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return Sidecar{}, fmt.Errorf("parse sidecar: %w", err)
	}
	return sc, nil
}

// WriteSidecar persists the sidecar for a project checkout.
func WriteSidecar(projectPath string, sc Sidecar) error {
	path := sidecarPath(projectPath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create sidecar directory: %w", err)
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}
