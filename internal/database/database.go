package database

import (
	"errors"
	"fmt"
	"time"

	"estatesync/server/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a listing or schedule id does not exist.
var ErrNotFound = errors.New("record not found")

type Database struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// NewDatabase opens the store. driver is "sqlite" (dsn is a file path) or
// "postgres" (dsn is a connection string).
func NewDatabase(driver, dsn string, maxOpenConns int, log *logrus.Logger) (*Database, error) {
	if log == nil {
		log = logrus.New()
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "sqlite3", "":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driver)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	if maxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(maxOpenConns)
	}

	if gdb.Dialector.Name() == "sqlite" {
		// Enable foreign keys
		if err := gdb.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return nil, err
		}
	}

	return &Database{db: gdb, logger: log}, nil
}

// NewTestDB opens a private in-memory sqlite database. Each call gets its own
// store so tests do not share rows.
func NewTestDB() (*Database, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	return NewDatabase("sqlite", dsn, 1, log)
}

// GetDB returns the underlying gorm handle.
func (d *Database) GetDB() *gorm.DB {
	return d.db
}

func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ListingFilter narrows ListListings.
type ListingFilter struct {
	CityID *uint
	Limit  int
	Offset int
}

// ListListings returns the active (not soft-deleted) listings of one type.
func (d *Database) ListListings(objectType models.ObjectType, filter ListingFilter) (interface{}, int64, error) {
	proto, err := models.NewListing(objectType)
	if err != nil {
		return nil, 0, err
	}

	q := d.db.Model(proto)
	if filter.CityID != nil {
		q = q.Where("city_id = ?", *filter.CityID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count listings: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q = q.Order("id").Limit(limit).Offset(filter.Offset)

	var rows interface{}
	switch objectType {
	case models.ObjectBlock:
		rows, err = findAll[models.Block](q.Preload("Prices", orderByPosition))
	case models.ObjectParking:
		rows, err = findAll[models.Parking](q)
	case models.ObjectVillage:
		rows, err = findAll[models.Village](q.Preload("Prices", orderByPosition))
	case models.ObjectPlot:
		rows, err = findAll[models.Plot](q)
	case models.ObjectCommercialBlock:
		rows, err = findAll[models.CommercialBlock](q)
	case models.ObjectCommercialPremise:
		rows, err = findAll[models.CommercialPremise](q)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query listings: %w", err)
	}
	return rows, total, nil
}

func findAll[T any](q *gorm.DB) ([]T, error) {
	rows := []T{}
	err := q.Find(&rows).Error
	return rows, err
}

func orderByPosition(db *gorm.DB) *gorm.DB {
	return db.Order("position")
}

// GetListing loads one active listing.
func (d *Database) GetListing(objectType models.ObjectType, id uint) (models.Listing, error) {
	row, err := models.NewListing(objectType)
	if err != nil {
		return nil, err
	}
	if err := d.db.First(row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load listing: %w", err)
	}
	return row, nil
}

// SoftDeleteListing hides a listing from active queries. Its history and
// child rows are kept.
func (d *Database) SoftDeleteListing(objectType models.ObjectType, id uint) error {
	row, err := models.NewListing(objectType)
	if err != nil {
		return err
	}
	result := d.db.Delete(row, id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete listing: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}

	d.logger.WithFields(logrus.Fields{
		"object_type": objectType,
		"id":          id,
	}).Info("Listing soft-deleted")
	return nil
}

// ListingHistory is the combined history of one listing.
type ListingHistory struct {
	Owner   models.Owner          `json:"owner"`
	Prices  []models.PriceHistory `json:"prices"`
	Changes []models.DataChange   `json:"changes"`
}

// GetListingHistory returns price and field history of a listing, including
// soft-deleted ones.
func (d *Database) GetListingHistory(owner models.Owner) (*ListingHistory, error) {
	if _, err := models.LookupOwner(d.db, owner); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load listing: %w", err)
	}

	history := &ListingHistory{Owner: owner}
	if err := d.db.
		Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).
		Order("created_at, id").
		Find(&history.Prices).Error; err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	if err := d.db.
		Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).
		Order("created_at, id").
		Find(&history.Changes).Error; err != nil {
		return nil, fmt.Errorf("failed to query data changes: %w", err)
	}
	return history, nil
}

// ActiveCityExternalIDs returns the external ids of active cities, in id
// order.
func (d *Database) ActiveCityExternalIDs() ([]string, error) {
	var ids []string
	err := d.db.Model(&models.City{}).
		Where("is_active = ? AND external_id IS NOT NULL", true).
		Order("id").
		Pluck("external_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query cities: %w", err)
	}
	return ids, nil
}

// ListRuns returns the most recent sync runs, newest first.
func (d *Database) ListRuns(objectType models.ObjectType, limit int) ([]models.SyncRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := d.db.Order("started_at DESC, id DESC").Limit(limit)
	if objectType != "" {
		q = q.Where("object_type = ?", objectType)
	}

	runs := []models.SyncRun{}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	return runs, nil
}
