package models

// BlockPrice is one row of a block's per-room-type price list. Rows carry no
// identity of their own and are replaced wholesale on every sync.
type BlockPrice struct {
	ID       uint     `gorm:"primaryKey" json:"id"`
	BlockID  uint     `gorm:"index;not null" json:"block_id"`
	RoomType string   `json:"room_type"`
	MinPrice int64    `json:"min_price"`
	MaxPrice int64    `json:"max_price"`
	MinArea  *float64 `json:"min_area"`
	MaxArea  *float64 `json:"max_area"`
	Count    int      `json:"count"`
	Position int      `json:"position"`
}

// VillagePrice is one row of a village's per-house-type price list.
type VillagePrice struct {
	ID        uint     `gorm:"primaryKey" json:"id"`
	VillageID uint     `gorm:"index;not null" json:"village_id"`
	HouseType string   `json:"house_type"`
	MinPrice  int64    `json:"min_price"`
	MaxPrice  int64    `json:"max_price"`
	MinArea   *float64 `json:"min_area"`
	MaxArea   *float64 `json:"max_area"`
	Count     int      `json:"count"`
	Position  int      `json:"position"`
}

// SubwayLink is the pivot between a listing and a subway station.
type SubwayLink struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	OwnerType      ObjectType `gorm:"type:varchar(32);index:idx_subway_link_owner;not null" json:"owner_type"`
	OwnerID        uint       `gorm:"index:idx_subway_link_owner;not null" json:"owner_id"`
	SubwayID       uint       `gorm:"index;not null" json:"subway_id"`
	DistanceTime   *int       `json:"distance_time"`
	DistanceType   string     `json:"distance_type"`
	DistanceMeters *float64   `json:"distance_meters"`
	Priority       int        `json:"priority"`
}

func (SubwayLink) TableName() string {
	return "listing_subways"
}

// Image is an ordered picture of a listing.
type Image struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	OwnerType ObjectType `gorm:"type:varchar(32);index:idx_image_owner;not null" json:"owner_type"`
	OwnerID   uint       `gorm:"index:idx_image_owner;not null" json:"owner_id"`
	URL       string     `gorm:"not null" json:"url"`
	Position  int        `json:"position"`
}
