package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillDatastoreCreatedAt = "2026-08-12_backfill_datastore_created_at"

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
		{name: migrationBackfillDatastoreCreatedAt, apply: backfillDatastoreCreatedAt},
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

// backfillDatastoreCreatedAt dates datastores created before the creation
// timestamp existed, using their oldest delta when there is one.
func backfillDatastoreCreatedAt(db *gorm.DB) error {
	const backfill = `
		UPDATE datastores
		SET created_at_s = COALESCE(
			(SELECT MIN(d.created_at_s) FROM datastore_deltas d WHERE d.handle = datastores.handle),
			strftime('%s', 'now')
		)
		WHERE created_at_s = 0;`
	return db.Exec(backfill).Error
}
