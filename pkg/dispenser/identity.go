package dispenser

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const serialFileName = "serial_number.txt"

// LoadOrCreateSerial returns the serial stored in dataDir, generating and
// storing a new "DISP" + 8 hex digit serial on first boot. The serial never
// changes afterwards.
func LoadOrCreateSerial(dataDir string) (string, error) {
	path := filepath.Join(dataDir, serialFileName)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if serial := strings.TrimSpace(string(data)); serial != "" {
			return serial, nil
		}
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("read serial number: %w", err)
	}

	serial := NewSerial()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(serial), 0o644); err != nil {
		return "", fmt.Errorf("write serial number: %w", err)
	}
	return serial, nil
}

func NewSerial() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "DISP" + strings.ToUpper(id[:8])
}
