package models

import (
	"fmt"

	"gorm.io/gorm"
)

// Owner is the tagged reference from a history, pivot or image row to the
// listing that owns it.
type Owner struct {
	Type ObjectType `json:"type"`
	ID   uint       `json:"id"`
}

// OwnerOf returns the owner tag of a persisted listing.
func OwnerOf(l Listing) Owner {
	return Owner{Type: l.Kind(), ID: l.Base().ID}
}

var listingRegistry = map[ObjectType]func() Listing{
	ObjectBlock:             func() Listing { return &Block{} },
	ObjectParking:           func() Listing { return &Parking{} },
	ObjectVillage:           func() Listing { return &Village{} },
	ObjectPlot:              func() Listing { return &Plot{} },
	ObjectCommercialBlock:   func() Listing { return &CommercialBlock{} },
	ObjectCommercialPremise: func() Listing { return &CommercialPremise{} },
}

// ObjectTypes lists every listing type in sync order: parents before the
// units that point at them.
func ObjectTypes() []ObjectType {
	return []ObjectType{
		ObjectBlock,
		ObjectParking,
		ObjectVillage,
		ObjectPlot,
		ObjectCommercialBlock,
		ObjectCommercialPremise,
	}
}

// NewListing returns an empty row of the given type.
func NewListing(t ObjectType) (Listing, error) {
	ctor, ok := listingRegistry[t]
	if !ok {
		return nil, fmt.Errorf("unknown object type: %q", t)
	}
	return ctor(), nil
}

// LookupOwner loads the listing an owner tag points at. Soft-deleted rows are
// included so their history stays reachable.
func LookupOwner(db *gorm.DB, owner Owner) (Listing, error) {
	row, err := NewListing(owner.Type)
	if err != nil {
		return nil, err
	}
	if err := db.Unscoped().First(row, owner.ID).Error; err != nil {
		return nil, err
	}
	return row, nil
}

// AllModels returns one value of every persisted model, for migrations.
func AllModels() []interface{} {
	return []interface{}{
		&City{}, &Region{}, &Location{}, &Builder{}, &SubwayLine{}, &Subway{},
		&Block{}, &BlockPrice{},
		&Parking{},
		&Village{}, &VillagePrice{},
		&Plot{},
		&CommercialBlock{}, &CommercialPremise{},
		&SubwayLink{}, &Image{},
		&PriceHistory{}, &DataChange{}, &ParserError{}, &SourceLog{}, &SyncRun{},
		&Schedule{},
	}
}
