package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// RefKind identifies a reference (lookup) entity type.
type RefKind string

const (
	RefCity       RefKind = "city"
	RefRegion     RefKind = "region"
	RefLocation   RefKind = "location"
	RefBuilder    RefKind = "builder"
	RefSubway     RefKind = "subway"
	RefSubwayLine RefKind = "subway_line"
)

// ReferenceBase holds the columns every reference entity shares.
type ReferenceBase struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	ExternalID *string        `gorm:"type:varchar(64);uniqueIndex" json:"external_id"`
	GUID       string         `gorm:"type:varchar(128);uniqueIndex;not null" json:"guid"`
	Name       string         `json:"name"`
	IsActive   bool           `gorm:"not null" json:"is_active"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	DeletedAt  gorm.DeletedAt `gorm:"index" json:"-"`
}

// Ref exposes the shared columns of any reference entity.
func (b *ReferenceBase) Ref() *ReferenceBase {
	return b
}

// Reference is implemented by pointers to every reference entity.
type Reference interface {
	Ref() *ReferenceBase
}

type City struct {
	ReferenceBase
}

type Region struct {
	ReferenceBase
	CityID *uint `gorm:"index" json:"city_id"`
}

type Location struct {
	ReferenceBase
	CityID *uint `gorm:"index" json:"city_id"`
}

type Builder struct {
	ReferenceBase
}

type SubwayLine struct {
	ReferenceBase
	Color string `json:"color"`
}

type Subway struct {
	ReferenceBase
	SubwayLineID *uint    `gorm:"index" json:"subway_line_id"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
}

var referenceRegistry = map[RefKind]func() Reference{
	RefCity:       func() Reference { return &City{} },
	RefRegion:     func() Reference { return &Region{} },
	RefLocation:   func() Reference { return &Location{} },
	RefBuilder:    func() Reference { return &Builder{} },
	RefSubway:     func() Reference { return &Subway{} },
	RefSubwayLine: func() Reference { return &SubwayLine{} },
}

// NewReference returns an empty row of the given kind, ready for gorm.
func NewReference(kind RefKind) (Reference, error) {
	ctor, ok := referenceRegistry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown reference kind: %q", kind)
	}
	return ctor(), nil
}
