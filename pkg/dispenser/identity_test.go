package dispenser

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateSerialIsStable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first, err := LoadOrCreateSerial(dir)
	require.NoError(t, err)
	assert.Regexp(t, `^DISP[0-9A-F]{8}$`, first)

	second, err := LoadOrCreateSerial(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stored, err := os.ReadFile(filepath.Join(dir, serialFileName))
	require.NoError(t, err)
	assert.Equal(t, first, string(stored))
}

func TestLoadOrCreateSerialKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, serialFileName), []byte("DISPCAFEBABE\n"), 0o644))

	serial, err := LoadOrCreateSerial(dir)
	require.NoError(t, err)
	assert.Equal(t, "DISPCAFEBABE", serial)
}

func TestLoadOrCreateSerialRegeneratesEmptyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, serialFileName), nil, 0o644))

	serial, err := LoadOrCreateSerial(dir)
	require.NoError(t, err)
	assert.Regexp(t, `^DISP[0-9A-F]{8}$`, serial)
}
