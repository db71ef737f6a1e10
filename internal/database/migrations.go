package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/queue"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillNoteSyncStatus      = "2026-06-10_backfill_note_sync_status"
	migrationClearOrphanedConflictFields = "2026-07-22_clear_orphaned_conflict_fields"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillNoteSyncStatus, apply: backfillNoteSyncStatus},
		{name: migrationClearOrphanedConflictFields, apply: clearOrphanedConflictFields},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillNoteSyncStatus gives rows written before sync tracking a status: rows with a
// queued operation are pending, rows the server confirmed are synced, the rest pending.
func backfillNoteSyncStatus(db *gorm.DB) error {
	queued := db.Model(&queue.Operation{}).
		Select("entity_id").
		Where("entity_type = ?", queue.EntityNote)
	if err := db.Model(&store.Note{}).
		Where("sync_status = '' AND note_id IN (?)", queued).
		Update("sync_status", store.SyncStatusPending).Error; err != nil {
		return err
	}
	if err := db.Model(&store.Note{}).
		Where("sync_status = '' AND last_synced_at_ms IS NOT NULL").
		Update("sync_status", store.SyncStatusSynced).Error; err != nil {
		return err
	}
	return db.Model(&store.Note{}).
		Where("sync_status = ''").
		Update("sync_status", store.SyncStatusPending).Error
}

// clearOrphanedConflictFields drops parked changes left on notes that are no longer in conflict.
func clearOrphanedConflictFields(db *gorm.DB) error {
	return db.Model(&store.Note{}).
		Where("sync_status <> ? AND (local_changes_json <> '' OR server_version_json <> '')", store.SyncStatusConflict).
		Updates(map[string]interface{}{"local_changes_json": "", "server_version_json": ""}).Error
}
