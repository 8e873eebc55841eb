package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ListingBase holds the columns every listing entity shares.
type ListingBase struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	ExternalID   *string        `gorm:"type:varchar(64);uniqueIndex" json:"external_id"`
	GUID         string         `gorm:"type:varchar(128);uniqueIndex;not null" json:"guid"`
	Name         string         `json:"name"`
	DataSource   DataSource     `gorm:"type:varchar(16);not null;index" json:"data_source"`
	Status       string         `gorm:"type:varchar(32)" json:"status"`
	IsActive     bool           `gorm:"not null" json:"is_active"`
	ParsedAt     *time.Time     `json:"parsed_at"`
	LastSyncedAt *time.Time     `gorm:"index" json:"last_synced_at"`
	CityID       *uint          `gorm:"index" json:"city_id"`
	RegionID     *uint          `json:"region_id"`
	LocationID   *uint          `json:"location_id"`
	BuilderID    *uint          `gorm:"index" json:"builder_id"`
	Latitude     *float64       `json:"latitude"`
	Longitude    *float64       `json:"longitude"`
	Geohash      string         `gorm:"type:varchar(12);index" json:"geohash"`
	Metadata     datatypes.JSON `json:"metadata"`
	Facets       datatypes.JSON `json:"facets"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// Base exposes the shared columns of any listing entity.
func (b *ListingBase) Base() *ListingBase {
	return b
}

// Listing is implemented by pointers to every listing entity.
type Listing interface {
	Base() *ListingBase
	Kind() ObjectType
}

// Block is an apartment block.
type Block struct {
	ListingBase
	Address  string       `json:"address"`
	MinPrice int64        `gorm:"not null;default:0" json:"min_price"`
	MaxPrice int64        `gorm:"not null;default:0" json:"max_price"`
	Deadline string       `json:"deadline"`
	Floors   *int         `json:"floors"`
	Prices   []BlockPrice `gorm:"foreignKey:BlockID;constraint:OnDelete:CASCADE" json:"prices,omitempty"`
}

func (Block) Kind() ObjectType { return ObjectBlock }

// Parking is a single parking unit, optionally inside a block.
type Parking struct {
	ListingBase
	BlockID     *uint    `gorm:"index" json:"block_id"`
	ParkingType string   `json:"parking_type"`
	Number      string   `json:"number"`
	Price       int64    `gorm:"not null;default:0" json:"price"`
	Area        *float64 `json:"area"`
}

func (Parking) Kind() ObjectType { return ObjectParking }

// Village is a cottage/housing village.
type Village struct {
	ListingBase
	VillageType string         `json:"village_type"`
	MinPrice    int64          `gorm:"not null;default:0" json:"min_price"`
	MaxPrice    int64          `gorm:"not null;default:0" json:"max_price"`
	LandArea    *float64       `json:"land_area"`
	Prices      []VillagePrice `gorm:"foreignKey:VillageID;constraint:OnDelete:CASCADE" json:"prices,omitempty"`
}

func (Village) Kind() ObjectType { return ObjectVillage }

// Plot is a land plot, optionally inside a village.
type Plot struct {
	ListingBase
	VillageID    *uint    `gorm:"index" json:"village_id"`
	LandCategory string   `json:"land_category"`
	Price        int64    `gorm:"not null;default:0" json:"price"`
	Area         *float64 `json:"area"`
}

func (Plot) Kind() ObjectType { return ObjectPlot }

type CommercialBlock struct {
	ListingBase
	Address  string `json:"address"`
	Class    string `json:"class"`
	MinPrice int64  `gorm:"not null;default:0" json:"min_price"`
	MaxPrice int64  `gorm:"not null;default:0" json:"max_price"`
}

func (CommercialBlock) Kind() ObjectType { return ObjectCommercialBlock }

type CommercialPremise struct {
	ListingBase
	CommercialBlockID *uint    `gorm:"index" json:"commercial_block_id"`
	PremiseType       string   `json:"premise_type"`
	Price             int64    `gorm:"not null;default:0" json:"price"`
	Area              *float64 `json:"area"`
	Floor             *int     `json:"floor"`
}

func (CommercialPremise) Kind() ObjectType { return ObjectCommercialPremise }
