package models

import (
	"time"

	"gorm.io/datatypes"
)

// Schedule is a declarative time-window rule for running a sync.
type Schedule struct {
	ID             uint                            `gorm:"primaryKey" json:"id"`
	Name           string                          `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	ObjectType     ObjectType                      `gorm:"type:varchar(32);not null" json:"object_type"`
	Cities         datatypes.JSONSlice[string]     `json:"cities"`
	TimeFrom       string                          `gorm:"type:varchar(5);not null" json:"time_from"`
	TimeTo         string                          `gorm:"type:varchar(5);not null" json:"time_to"`
	Weekdays       string                          `gorm:"type:varchar(32);not null" json:"weekdays"`
	IsActive       bool                            `gorm:"not null" json:"is_active"`
	Options        datatypes.JSONType[SyncOptions] `json:"options"`
	LastRunAt      *time.Time                      `json:"last_run_at"`
	LastRunStats   datatypes.JSON                  `json:"last_run_stats"`
	LastStatus     string                          `gorm:"type:varchar(16)" json:"last_status"`
	LeaseHolder    *string                         `gorm:"type:varchar(64)" json:"lease_holder"`
	LeaseStartedAt *time.Time                      `json:"lease_started_at"`
	LeaseExpiresAt *time.Time                      `json:"lease_expires_at"`
	CreatedAt      time.Time                       `json:"created_at"`
	UpdatedAt      time.Time                       `json:"updated_at"`
}
