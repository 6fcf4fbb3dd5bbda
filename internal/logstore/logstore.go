// Package logstore persists request and error logs. It is the only
// component with a database dependency; everything else writes through
// the Store interface.
package logstore

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/OnlineMo/OpenAi-Balance/internal/config"
	"github.com/OnlineMo/OpenAi-Balance/internal/model"
)

// Store defines the log persistence operations.
type Store interface {
	AddRequestLog(entry *model.RequestLog) error
	AddErrorLog(entry *model.ErrorLog) error
	ListRequestLogs(page, limit int) ([]model.RequestLog, int64, error)
	ListErrorLogs(page, limit int) ([]model.ErrorLog, int64, error)
	DeleteRequestLogsBefore(cutoff time.Time) (int64, error)
	DeleteErrorLogsBefore(cutoff time.Time) (int64, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore opens the configured database and migrates the log schema.
func NewStore(cfg config.DatabaseConfig) (Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&model.RequestLog{}, &model.ErrorLog{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return &gormStore{db: db}, nil
}

func (s *gormStore) AddRequestLog(entry *model.RequestLog) error {
	if result := s.db.Create(entry); result.Error != nil {
		return fmt.Errorf("failed to add request log: %w", result.Error)
	}
	return nil
}

func (s *gormStore) AddErrorLog(entry *model.ErrorLog) error {
	if result := s.db.Create(entry); result.Error != nil {
		return fmt.Errorf("failed to add error log: %w", result.Error)
	}
	return nil
}

func (s *gormStore) ListRequestLogs(page, limit int) ([]model.RequestLog, int64, error) {
	var logs []model.RequestLog
	var total int64

	tx := s.db.Model(&model.RequestLog{})
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count request logs: %w", err)
	}

	offset := (page - 1) * limit
	if result := tx.Offset(offset).Limit(limit).Order("id desc").Find(&logs); result.Error != nil {
		return nil, 0, fmt.Errorf("failed to list request logs: %w", result.Error)
	}
	return logs, total, nil
}

func (s *gormStore) ListErrorLogs(page, limit int) ([]model.ErrorLog, int64, error) {
	var logs []model.ErrorLog
	var total int64

	tx := s.db.Model(&model.ErrorLog{})
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count error logs: %w", err)
	}

	offset := (page - 1) * limit
	if result := tx.Offset(offset).Limit(limit).Order("id desc").Find(&logs); result.Error != nil {
		return nil, 0, fmt.Errorf("failed to list error logs: %w", result.Error)
	}
	return logs, total, nil
}

func (s *gormStore) DeleteRequestLogsBefore(cutoff time.Time) (int64, error) {
	result := s.db.Unscoped().Where("request_time < ?", cutoff).Delete(&model.RequestLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old request logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *gormStore) DeleteErrorLogsBefore(cutoff time.Time) (int64, error) {
	result := s.db.Unscoped().Where("request_time < ?", cutoff).Delete(&model.ErrorLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old error logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
