package database

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/anubissbe/remote-docker-continued/internal/environment"
	"gorm.io/gorm"
)

// Store persists environment.Settings: catalog rows in the environments
// table and scalar fields in the settings key/value table.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Load reads the full settings record. A database with nothing in it yields
// the zero Settings, which is the "no environments, no selection" state.
func (s *Store) Load(ctx context.Context) (environment.Settings, error) {
	db := s.db.WithContext(ctx)

	var rows []Environment
	if err := db.Order("sort_order, created_at").Find(&rows).Error; err != nil {
		return environment.Settings{}, fmt.Errorf("load environments: %w", err)
	}

	out := environment.Settings{Environments: make([]environment.Environment, 0, len(rows))}
	for _, r := range rows {
		out.Environments = append(out.Environments, environment.Environment{
			ID:          r.ID,
			Name:        r.Name,
			HostAddress: r.HostAddress,
			Principal:   r.Principal,
		})
	}

	active, err := getSetting(db, settingActiveEnvironment)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return environment.Settings{}, fmt.Errorf("load active environment: %w", err)
	}
	out.ActiveEnvironmentID = active

	auto, err := getSetting(db, settingAutoConnect)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return environment.Settings{}, fmt.Errorf("load auto connect: %w", err)
	}
	out.AutoConnect, _ = strconv.ParseBool(auto)

	return out, nil
}

// Save replaces the stored record in one transaction, so a failed save
// leaves the previous record intact.
func (s *Store) Save(ctx context.Context, settings environment.Settings) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return saveTx(tx, settings)
	})
}

func saveTx(tx *gorm.DB, settings environment.Settings) error {
	ids := make([]string, 0, len(settings.Environments))
	for i, e := range settings.Environments {
		row := Environment{
			ID:          e.ID,
			Name:        e.Name,
			HostAddress: e.HostAddress,
			Principal:   e.Principal,
			SortOrder:   i,
		}
		err := tx.Where("id = ?", e.ID).
			Assign(map[string]interface{}{
				"name":         row.Name,
				"host_address": row.HostAddress,
				"principal":    row.Principal,
				"sort_order":   row.SortOrder,
			}).
			FirstOrCreate(&row).Error
		if err != nil {
			return fmt.Errorf("save environment %s: %w", e.ID, err)
		}
		ids = append(ids, e.ID)
	}

	del := tx.Model(&Environment{})
	if len(ids) > 0 {
		del = del.Where("id NOT IN ?", ids)
	} else {
		del = del.Where("1 = 1")
	}
	if err := del.Delete(&Environment{}).Error; err != nil {
		return fmt.Errorf("prune environments: %w", err)
	}

	if err := setSetting(tx, settingActiveEnvironment, settings.ActiveEnvironmentID); err != nil {
		return fmt.Errorf("save active environment: %w", err)
	}
	if err := setSetting(tx, settingAutoConnect, strconv.FormatBool(settings.AutoConnect)); err != nil {
		return fmt.Errorf("save auto connect: %w", err)
	}
	return nil
}
