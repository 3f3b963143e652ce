package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lora-trainer/internal/config"
	"lora-trainer/internal/models"
)

// ModelStore keeps the history of trained models
type ModelStore struct {
	db *gorm.DB
}

// NewModelStore opens the configured database and migrates the history table
func NewModelStore(cfg *config.Config) (*ModelStore, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.MySQLDSN())
	case "sqlite":
		path := cfg.Database.SQLite.Path
		if !strings.HasPrefix(path, "file:") && path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("create database directory failed: %w", err)
			}
		}
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}

	if cfg.Database.Driver == "mysql" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(cfg.Database.MySQL.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MySQL.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(cfg.Database.MySQL.ConnMaxLifetime)
	}

	return newModelStore(db)
}

func newModelStore(db *gorm.DB) (*ModelStore, error) {
	if err := db.AutoMigrate(&models.TrainedModel{}); err != nil {
		return nil, fmt.Errorf("migrate trained models failed: %w", err)
	}
	return &ModelStore{db: db}, nil
}

func (s *ModelStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *ModelStore) GetDB() *gorm.DB {
	return s.db
}

// SaveRecord appends a trained model record to the history
func (s *ModelStore) SaveRecord(ctx context.Context, rec *models.TrainedModelRecord) (*models.TrainedModel, error) {
	row := models.NewTrainedModel(rec)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("save trained model failed: %w", err)
	}
	return row, nil
}

// ListModels returns the newest models first; limit <= 0 returns all
func (s *ModelStore) ListModels(ctx context.Context, limit int) ([]models.TrainedModel, error) {
	var rows []models.TrainedModel
	q := s.db.WithContext(ctx).Order("trained_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list trained models failed: %w", err)
	}
	return rows, nil
}

// LatestByName returns the newest model trained under name
func (s *ModelStore) LatestByName(ctx context.Context, name string) (*models.TrainedModel, error) {
	var row models.TrainedModel
	err := s.db.WithContext(ctx).
		Where("model_name = ?", name).
		Order("trained_at DESC").Order("id DESC").
		First(&row).Error
	if err != nil {
		return nil, fmt.Errorf("find trained model %s failed: %w", name, err)
	}
	return &row, nil
}
