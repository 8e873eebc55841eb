package database

import (
	"fmt"

	"estatesync/server/internal/models"

	"gorm.io/gorm"
)

// MigrateSchema creates or updates every table of the store.
func MigrateSchema(d *Database) error {
	return d.RunMigrations()
}

func (d *Database) RunMigrations() error {
	if err := d.db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	// Coordinate index on every listing table
	for _, objectType := range models.ObjectTypes() {
		row, err := models.NewListing(objectType)
		if err != nil {
			return err
		}
		table, err := tableName(d.db, row)
		if err != nil {
			return err
		}
		stmt := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_coordinates ON %s(latitude, longitude)",
			table, table,
		)
		if err := d.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create coordinate index on %s: %w", table, err)
		}
	}

	d.logger.Debug("Schema migrated")
	return nil
}

func tableName(db *gorm.DB, model interface{}) (string, error) {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil {
		return "", fmt.Errorf("failed to parse model: %w", err)
	}
	return stmt.Schema.Table, nil
}
