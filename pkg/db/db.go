package db

import (
	"fmt"
	"log"
	"sync"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

type DB struct {
	Conn *gorm.DB
}

var (
	instance *DB
	once     sync.Once
)

// GetInstance opens the process-wide database once; failures are fatal
// because the dispenser cannot run without its schedule store.
func GetInstance(dialector gorm.Dialector) *DB {
	once.Do(func() {
		var err error
		if instance, err = Open(dialector); err != nil {
			log.Fatal("Failed to open database: ", err)
		}
	})
	return instance
}

func Open(dialector gorm.Dialector) (*DB, error) {
	logger := common.GetLoggerWith(common.LoggerNameDb)

	conn, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger()})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	logger.Info("Connected to database with dialector:", zap.String("dialector", dialector.Name()))

	if err := conn.AutoMigrate(&models.Schedule{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	logger.Info("Database migration completed")

	if err := conn.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
		return nil, fmt.Errorf("set sqlite journal mode: %w", err)
	}

	return &DB{Conn: conn}, nil
}

func gormLogger() logger.Interface {
	if common.IsDevelopment() {
		return logger.Default.LogMode(logger.Info)
	}
	return logger.Default.LogMode(logger.Silent)
}

func UseSqliteDialector(dbPath string) gorm.Dialector {
	if dbPath == "" {
		dbPath = "schedules.db"
	}
	return sqlite.Open(dbPath)
}

func UseMemorySqliteDialector() gorm.Dialector {
	return sqlite.Open("file::memory:?cache=shared")
}

// UseNamedMemorySqliteDialector gives each caller its own in-memory database.
func UseNamedMemorySqliteDialector(name string) gorm.Dialector {
	return sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
}
