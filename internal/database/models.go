package database

import "time"

// Environment is the persisted row for one catalog entry. SortOrder keeps the
// catalog in the order the user arranged it.
type Environment struct {
	ID          string    `gorm:"primaryKey;size:64" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	HostAddress string    `gorm:"not null" json:"hostname"`
	Principal   string    `gorm:"not null" json:"username"`
	SortOrder   int       `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

const (
	settingActiveEnvironment = "active_environment_id"
	settingAutoConnect       = "auto_connect"
	settingLegacyImported    = "legacy_settings_imported"
)
