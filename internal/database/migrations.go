package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/freshness"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeRemoteIDs  = "2026-09-14_normalize_null_remote_ids"
	migrationNormalizeLastSyncAt = "2026-09-21_normalize_last_sync_markers"
)

const lastSyncBackfillBatchSize = 200

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
		{name: migrationNormalizeRemoteIDs, apply: normalizeNullRemoteIDs},
		{name: migrationNormalizeLastSyncAt, apply: normalizeLastSyncMarkers},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeNullRemoteIDs folds NULL remote ids imported from older stores into the 0 sentinel.
func normalizeNullRemoteIDs(db *gorm.DB) error {
	catalogTables := []string{
		schema.TableSkills,
		schema.TableProfessions,
		schema.TableHobbies,
		schema.TableStrangePaths,
		schema.TableCapabilities,
		schema.TableCapabilityRanks,
		schema.TableProfessionSkills,
		schema.TableHobbySkills,
		schema.TableVoieCapabilities,
	}
	for _, table := range catalogTables {
		if err := db.Table(table).Where("distant_id IS NULL").Update(schema.ColumnDistantID, 0).Error; err != nil {
			return err
		}
	}

	ownedTables := []string{
		schema.TableCharacters,
		schema.TableCharacterDecks,
		schema.TableCharacterSkills,
		schema.TableCharacterCapabilities,
	}
	for _, table := range ownedTables {
		if err := db.Table(table).Where("remote_id IS NULL").Update(schema.ColumnRemoteID, 0).Error; err != nil {
			return err
		}
	}
	return nil
}

// normalizeLastSyncMarkers rewrites ISO and SQL datetime markers as epoch millis.
func normalizeLastSyncMarkers(db *gorm.DB) error {
	var characters []schema.Character
	return db.Select("id", "last_sync_at").
		Where("last_sync_at <> ''").
		FindInBatches(&characters, lastSyncBackfillBatchSize, func(tx *gorm.DB, _ int) error {
			for _, character := range characters {
				normalized := ""
				if marker := freshness.Parse(character.LastSyncAt); marker > 0 {
					normalized = marker.String()
				}
				if normalized == character.LastSyncAt {
					continue
				}
				if err := tx.Model(&schema.Character{}).
					Where("id = ?", character.ID).
					UpdateColumn("last_sync_at", normalized).Error; err != nil {
					return err
				}
			}
			return nil
		}).Error
}
