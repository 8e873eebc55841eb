package tracker

import (
	"testing"

	"estatesync/server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var owner = models.Owner{Type: models.ObjectBlock, ID: 42}

func TestPriceDiff(t *testing.T) {
	tests := []struct {
		name        string
		oldPrice    int64
		newPrice    int64
		wantNil     bool
		wantAmount  int64
		wantPercent string
		wantNullPct bool
	}{
		{
			name:        "ten percent increase",
			oldPrice:    1000000,
			newPrice:    1100000,
			wantAmount:  100000,
			wantPercent: "10",
		},
		{
			name:        "decrease rounds to two places",
			oldPrice:    3000000,
			newPrice:    2900000,
			wantAmount:  -100000,
			wantPercent: "-3.33",
		},
		{
			name:        "from zero has no percentage",
			oldPrice:    0,
			newPrice:    500000,
			wantAmount:  500000,
			wantNullPct: true,
		},
		{
			name:     "unchanged",
			oldPrice: 700,
			newPrice: 700,
			wantNil:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := PriceDiff(owner, "min_price", tt.oldPrice, tt.newPrice)
			if tt.wantNil {
				assert.Nil(t, row)
				return
			}
			require.NotNil(t, row)
			assert.Equal(t, models.ObjectBlock, row.OwnerType)
			assert.EqualValues(t, 42, row.OwnerID)
			assert.Equal(t, "min_price", row.PriceType)
			assert.Equal(t, tt.wantAmount, row.ChangeAmount)
			if tt.wantNullPct {
				assert.False(t, row.ChangePercent.Valid)
				return
			}
			require.True(t, row.ChangePercent.Valid)
			assert.Equal(t, tt.wantPercent, row.ChangePercent.Decimal.String())
		})
	}
}

func TestChangePercentFixedPlaces(t *testing.T) {
	pct := ChangePercent(1000000, 1100000)
	require.True(t, pct.Valid)
	assert.Equal(t, "10.00", pct.Decimal.StringFixed(2))
}

func TestDiff(t *testing.T) {
	assert.Nil(t, Diff(owner, "status", "on_sale", "on_sale", models.ChangeStatus))

	change := Diff(owner, "status", "on_sale", "sold", models.ChangeStatus)
	require.NotNil(t, change)
	assert.Equal(t, "status", change.FieldName)
	assert.Equal(t, "on_sale", change.OldValue)
	assert.Equal(t, "sold", change.NewValue)
	assert.Equal(t, models.ChangeStatus, change.ChangeType)
}

func TestChanges(t *testing.T) {
	var c Changes
	c.AddPrice(PriceDiff(owner, "price", 1, 1))
	c.AddField(Diff(owner, "name", "a", "a", models.ChangeField))
	assert.True(t, c.Empty())

	c.AddPrice(PriceDiff(owner, "price", 1, 2))
	c.AddField(Diff(owner, "name", "a", "b", models.ChangeField))
	c.Stamp("run-1")

	require.Len(t, c.Prices, 1)
	require.Len(t, c.Fields, 1)
	assert.Equal(t, "run-1", c.Prices[0].RunID)
	assert.Equal(t, "run-1", c.Fields[0].RunID)
}
