package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/anubissbe/remote-docker-continued/internal/config"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = Open(dbPath)
	if err != nil {
		return err
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := seedDefaults(DB); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	if config.Cfg.LegacySettingsPath != "" {
		imported, err := migrateLegacySettings(DB, config.Cfg.LegacySettingsPath)
		if err != nil {
			// A broken legacy file must not keep the backend from starting.
			log.WithError(err).Warn("Skipping legacy settings import")
		} else if imported > 0 {
			log.WithField("environments", imported).Info("Imported legacy settings")
		}
	}

	return nil
}

// Open opens the sqlite database at path and migrates the schema.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Environment{}, &Setting{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

func seedDefaults(db *gorm.DB) error {
	defaults := map[string]string{
		settingActiveEnvironment: "",
		settingAutoConnect:       "false",
	}

	for key, value := range defaults {
		var count int64
		db.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := db.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func getSetting(db *gorm.DB, key string) (string, error) {
	var s Setting
	if err := db.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func setSetting(db *gorm.DB, key, value string) error {
	return db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}
