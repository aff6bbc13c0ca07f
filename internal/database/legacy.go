package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/anubissbe/remote-docker-continued/internal/environment"
	"gorm.io/gorm"
)

// migrateLegacySettings imports the settings.json written by older backends.
// It runs once: only into an empty catalog, and never again after a
// successful import. Returns the number of imported environments.
func migrateLegacySettings(db *gorm.DB, path string) (int, error) {
	if done, _ := getSetting(db, settingLegacyImported); done == "true" {
		return 0, nil
	}

	var count int64
	if err := db.Model(&Environment{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count environments: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read legacy settings: %w", err)
	}

	var legacy environment.Settings
	if err := json.Unmarshal(data, &legacy); err != nil {
		return 0, fmt.Errorf("parse legacy settings: %w", err)
	}
	for i := range legacy.Environments {
		if legacy.Environments[i].ID == "" {
			legacy.Environments[i].ID = environment.NewID()
		}
	}
	if _, ok := legacy.Active(); !ok {
		legacy.ActiveEnvironmentID = ""
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := saveTx(tx, legacy); err != nil {
			return err
		}
		return setSetting(tx, settingLegacyImported, "true")
	})
	if err != nil {
		return 0, err
	}
	return len(legacy.Environments), nil
}
