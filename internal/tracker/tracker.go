// Package tracker turns before/after values of a listing into history rows.
// It never touches the database; callers persist what it returns.
package tracker

import (
	"estatesync/server/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Diff returns a DataChange when old and new differ, otherwise nil.
func Diff(owner models.Owner, field, oldValue, newValue string, changeType models.ChangeType) *models.DataChange {
	if oldValue == newValue {
		return nil
	}
	return &models.DataChange{
		OwnerType:  owner.Type,
		OwnerID:    owner.ID,
		FieldName:  field,
		OldValue:   oldValue,
		NewValue:   newValue,
		ChangeType: changeType,
	}
}

// PriceDiff returns a PriceHistory row when the price moved, otherwise nil.
// The percentage is null when the old price was zero.
func PriceDiff(owner models.Owner, priceType string, oldPrice, newPrice int64) *models.PriceHistory {
	if oldPrice == newPrice {
		return nil
	}
	return &models.PriceHistory{
		OwnerType:     owner.Type,
		OwnerID:       owner.ID,
		PriceType:     priceType,
		OldPrice:      oldPrice,
		NewPrice:      newPrice,
		ChangeAmount:  newPrice - oldPrice,
		ChangePercent: ChangePercent(oldPrice, newPrice),
	}
}

// ChangePercent is (new - old) / old * 100 rounded half away from zero to two
// places.
func ChangePercent(oldPrice, newPrice int64) decimal.NullDecimal {
	if oldPrice == 0 {
		return decimal.NullDecimal{}
	}
	delta := decimal.NewFromInt(newPrice - oldPrice)
	pct := delta.Mul(hundred).DivRound(decimal.NewFromInt(oldPrice), 2)
	return decimal.NewNullDecimal(pct)
}

// Changes collects the non-nil rows of several diffs.
type Changes struct {
	Prices []*models.PriceHistory
	Fields []*models.DataChange
}

func (c *Changes) AddPrice(p *models.PriceHistory) {
	if p != nil {
		c.Prices = append(c.Prices, p)
	}
}

func (c *Changes) AddField(f *models.DataChange) {
	if f != nil {
		c.Fields = append(c.Fields, f)
	}
}

// Empty reports whether nothing changed.
func (c *Changes) Empty() bool {
	return len(c.Prices) == 0 && len(c.Fields) == 0
}

// Stamp sets the run id on every collected row.
func (c *Changes) Stamp(runID string) {
	for _, p := range c.Prices {
		p.RunID = runID
	}
	for _, f := range c.Fields {
		f.RunID = runID
	}
}
