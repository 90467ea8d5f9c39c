package db

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

// LoadSchedules returns the persisted schedules in the order the hub sent them.
func (d *DB) LoadSchedules() ([]models.Schedule, error) {
	var schedules []models.Schedule
	err := d.Conn.Order("position asc").Find(&schedules).Error
	return schedules, err
}

// SaveSchedules replaces the persisted set wholesale inside one transaction.
func (d *DB) SaveSchedules(schedules []models.Schedule) error {
	logger := common.GetLoggerWith(
		common.LoggerNameDb,
		zap.String(common.LoggerFieldCategory, common.LoggerCategorySchedules),
	)

	rows := make([]models.Schedule, len(schedules))
	for i, s := range schedules {
		s.Position = i
		rows[i] = s
	}

	err := d.Conn.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.Schedule{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 100).Error
	})

	if err == nil {
		logger.Info("Saved schedules", zap.Int("count", len(rows)))
	}

	return err
}
