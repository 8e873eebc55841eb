package database

import (
	"testing"

	"estatesync/server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := NewTestDB()
	require.NoError(t, err)
	require.NoError(t, MigrateSchema(db))
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func TestUnsupportedDriver(t *testing.T) {
	_, err := NewDatabase("oracle", "x", 1, nil)
	assert.Error(t, err)
}

func TestSoftDeleteKeepsHistory(t *testing.T) {
	db := setupTestDB(t)
	gdb := db.GetDB()

	block := &models.Block{
		ListingBase: models.ListingBase{
			ExternalID: strPtr("b-1"),
			GUID:       "block-1",
			Name:       "Block 1",
			DataSource: models.DataSourceParser,
			IsActive:   true,
		},
		MinPrice: 1000000,
	}
	require.NoError(t, gdb.Create(block).Error)
	require.NoError(t, gdb.Create(&models.PriceHistory{
		OwnerType: models.ObjectBlock,
		OwnerID:   block.ID,
		PriceType: "min_price",
		OldPrice:  900000,
		NewPrice:  1000000,
	}).Error)

	rows, total, err := db.ListListings(models.ObjectBlock, ListingFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, rows, 1)

	require.NoError(t, db.SoftDeleteListing(models.ObjectBlock, block.ID))

	rows, total, err = db.ListListings(models.ObjectBlock, ListingFilter{})
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
	assert.Empty(t, rows)

	_, err = db.GetListing(models.ObjectBlock, block.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := db.GetListingHistory(models.Owner{Type: models.ObjectBlock, ID: block.ID})
	require.NoError(t, err)
	require.Len(t, history.Prices, 1)
	assert.EqualValues(t, 1000000, history.Prices[0].NewPrice)

	assert.ErrorIs(t, db.SoftDeleteListing(models.ObjectBlock, block.ID), ErrNotFound)
}

func TestHistoryIsAppendOnly(t *testing.T) {
	db := setupTestDB(t)
	gdb := db.GetDB()

	change := &models.DataChange{
		OwnerType:  models.ObjectPlot,
		OwnerID:    1,
		FieldName:  "status",
		OldValue:   "on_sale",
		NewValue:   "sold",
		ChangeType: models.ChangeStatus,
	}
	require.NoError(t, gdb.Create(change).Error)

	err := gdb.Model(change).Update("new_value", "reserved").Error
	assert.ErrorIs(t, err, models.ErrImmutableHistory)

	err = gdb.Delete(change).Error
	assert.ErrorIs(t, err, models.ErrImmutableHistory)
}

func TestListListingsFilterByCity(t *testing.T) {
	db := setupTestDB(t)
	gdb := db.GetDB()

	cityA, cityB := uint(1), uint(2)
	for i, city := range []*uint{&cityA, &cityA, &cityB} {
		require.NoError(t, gdb.Create(&models.Plot{
			ListingBase: models.ListingBase{
				GUID:       "plot-" + string(rune('a'+i)),
				DataSource: models.DataSourceParser,
				IsActive:   true,
				CityID:     city,
			},
		}).Error)
	}

	rows, total, err := db.ListListings(models.ObjectPlot, ListingFilter{CityID: &cityA})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	plots, ok := rows.([]models.Plot)
	require.True(t, ok)
	assert.Len(t, plots, 2)
}

func TestActiveCityExternalIDs(t *testing.T) {
	db := setupTestDB(t)
	gdb := db.GetDB()

	require.NoError(t, gdb.Create(&models.City{ReferenceBase: models.ReferenceBase{
		ExternalID: strPtr("1"), GUID: "moscow", Name: "Moscow", IsActive: true,
	}}).Error)
	require.NoError(t, gdb.Create(&models.City{ReferenceBase: models.ReferenceBase{
		ExternalID: strPtr("2"), GUID: "spb", Name: "Saint Petersburg", IsActive: false,
	}}).Error)
	require.NoError(t, gdb.Create(&models.City{ReferenceBase: models.ReferenceBase{
		GUID: "no-external", Name: "Nowhere", IsActive: true,
	}}).Error)

	ids, err := db.ActiveCityExternalIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ids)
}
