package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/uuid"
)

// InstanceFile holds the client instance ID inside the data directory.
const InstanceFile = "client_instance_id"

// LoadOrCreateInstanceID returns the persisted client instance ID for this
// install, generating and storing a new one on first use.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, InstanceFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if !uuid.IsValid(id) {
			return "", fmt.Errorf("corrupt client instance id in %s", path)
		}
		return id, nil
	case !os.IsNotExist(err):
		return "", fmt.Errorf("read client instance id: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}

	id := uuid.New()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write client instance id: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("persist client instance id: %w", err)
	}

	logging.Info("Generated client instance id", map[string]interface{}{"client_instance_id": id})
	return id, nil
}
