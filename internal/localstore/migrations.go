package localstore

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCreateInspectionRecords = "2024-09-01_create_inspection_records"
	migrationIndexNeedsSync          = "2024-09-01_index_needs_sync"
	migrationIndexTimestamp          = "2024-09-01_index_timestamp"
	migrationAddDamageSummary        = "2024-10-15_add_damage_summary"
	migrationIndexServerID           = "2024-11-02_index_server_id"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "schema_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

// Steps only ever add tables, columns or indexes, and each one checks for
// existing structures so re-running against any earlier schema is safe.
var schemaMigrations = []migrationDefinition{
	{name: migrationCreateInspectionRecords, apply: createInspectionRecords},
	{name: migrationIndexNeedsSync, apply: ensureIndex(indexNeedsSync)},
	{name: migrationIndexTimestamp, apply: ensureIndex(indexTimestamp)},
	{name: migrationAddDamageSummary, apply: ensureColumn("DamageSummary")},
	{name: migrationIndexServerID, apply: ensureIndex(indexServerID)},
}

// CurrentSchemaVersion is the schema version this build migrates to.
var CurrentSchemaVersion = len(schemaMigrations)

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range schemaMigrations {
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
			logger.Info("schema migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// SchemaVersion reports how many known schema steps have been applied to db.
func SchemaVersion(db *gorm.DB) (int, error) {
	names := make([]string, 0, len(schemaMigrations))
	for _, migration := range schemaMigrations {
		names = append(names, migration.name)
	}
	var applied int64
	if err := db.Model(&migrationRecord{}).Where("name IN ?", names).Count(&applied).Error; err != nil {
		return 0, err
	}
	return int(applied), nil
}

func createInspectionRecords(db *gorm.DB) error {
	if db.Migrator().HasTable(&recordRow{}) {
		return nil
	}
	return db.Migrator().CreateTable(&recordRow{})
}

func ensureIndex(name string) func(*gorm.DB) error {
	return func(db *gorm.DB) error {
		if db.Migrator().HasIndex(&recordRow{}, name) {
			return nil
		}
		return db.Migrator().CreateIndex(&recordRow{}, name)
	}
}

func ensureColumn(field string) func(*gorm.DB) error {
	return func(db *gorm.DB) error {
		if db.Migrator().HasColumn(&recordRow{}, field) {
			return nil
		}
		return db.Migrator().AddColumn(&recordRow{}, field)
	}
}
