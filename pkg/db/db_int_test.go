package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

func TestFileSqliteSurvivesReopen(t *testing.T) {
	common.SetTestLoggerNop()

	path := filepath.Join(t.TempDir(), "schedules.db")

	first, err := Open(UseSqliteDialector(path))
	require.NoError(t, err)
	require.NoError(t, first.SaveSchedules([]models.Schedule{{ID: "persisted", Hour: 8, IsActive: true}}))

	sqlDB, err := first.Conn.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	second, err := Open(UseSqliteDialector(path))
	require.NoError(t, err)

	loaded, err := second.LoadSchedules()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "persisted", loaded[0].ID)
	assert.Equal(t, 8, loaded[0].Hour)
}
