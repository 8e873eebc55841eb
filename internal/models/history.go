package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrImmutableHistory is returned by the gorm hooks of append-only tables.
var ErrImmutableHistory = errors.New("history rows are append-only")

// ChangeType classifies a DataChange row.
type ChangeType string

const (
	ChangePrice  ChangeType = "price"
	ChangeStatus ChangeType = "status"
	ChangeField  ChangeType = "field"
)

// PriceHistory is one observed price transition of a listing.
type PriceHistory struct {
	ID            uint                `gorm:"primaryKey" json:"id"`
	OwnerType     ObjectType          `gorm:"type:varchar(32);index:idx_price_history_owner;not null" json:"owner_type"`
	OwnerID       uint                `gorm:"index:idx_price_history_owner;not null" json:"owner_id"`
	PriceType     string              `gorm:"type:varchar(32);not null" json:"price_type"`
	OldPrice      int64               `json:"old_price"`
	NewPrice      int64               `json:"new_price"`
	ChangeAmount  int64               `json:"change_amount"`
	ChangePercent decimal.NullDecimal `gorm:"type:numeric(12,2)" json:"change_percent"`
	RunID         string              `gorm:"type:varchar(36);index" json:"run_id"`
	CreatedAt     time.Time           `json:"created_at"`
}

func (PriceHistory) TableName() string {
	return "price_history"
}

func (*PriceHistory) BeforeUpdate(*gorm.DB) error { return ErrImmutableHistory }
func (*PriceHistory) BeforeDelete(*gorm.DB) error { return ErrImmutableHistory }

// DataChange is one observed transition of a watched field.
type DataChange struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	OwnerType  ObjectType `gorm:"type:varchar(32);index:idx_data_change_owner;not null" json:"owner_type"`
	OwnerID    uint       `gorm:"index:idx_data_change_owner;not null" json:"owner_id"`
	FieldName  string     `gorm:"type:varchar(64);not null" json:"field_name"`
	OldValue   string     `json:"old_value"`
	NewValue   string     `json:"new_value"`
	ChangeType ChangeType `gorm:"type:varchar(16);not null" json:"change_type"`
	RunID      string     `gorm:"type:varchar(36);index" json:"run_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

func (*DataChange) BeforeUpdate(*gorm.DB) error { return ErrImmutableHistory }
func (*DataChange) BeforeDelete(*gorm.DB) error { return ErrImmutableHistory }

// Parser error resolution states.
const (
	ErrorStatusUnresolved = "unresolved"
	ErrorStatusResolved   = "resolved"
	ErrorStatusIgnored    = "ignored"
)

// ParserError is a classified sync failure awaiting resolution.
type ParserError struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	RunID          string     `gorm:"type:varchar(36);index" json:"run_id"`
	ObjectType     ObjectType `gorm:"type:varchar(32);index" json:"object_type"`
	ErrorType      string     `gorm:"type:varchar(32);index;not null" json:"error_type"`
	ExternalID     string     `gorm:"type:varchar(64);index" json:"external_id"`
	GUID           string     `gorm:"type:varchar(128)" json:"guid"`
	City           string     `gorm:"type:varchar(64)" json:"city"`
	Field          string     `gorm:"type:varchar(64)" json:"field"`
	Message        string     `gorm:"type:text" json:"message"`
	Payload        string     `gorm:"type:text" json:"payload"`
	Status         string     `gorm:"type:varchar(16);index;not null" json:"status"`
	RetryCount     int        `gorm:"not null;default:0" json:"retry_count"`
	ResolutionNote string     `gorm:"type:text" json:"resolution_note"`
	ResolvedAt     *time.Time `json:"resolved_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Source log actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionSkipped = "skipped"
)

// SourceLog records which run touched which listing.
type SourceLog struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	RunID      string     `gorm:"type:varchar(36);index;not null" json:"run_id"`
	ObjectType ObjectType `gorm:"type:varchar(32);index:idx_source_log_owner;not null" json:"object_type"`
	OwnerID    uint       `gorm:"index:idx_source_log_owner;not null" json:"owner_id"`
	Action     string     `gorm:"type:varchar(16);not null" json:"action"`
	SyncedAt   time.Time  `json:"synced_at"`
}

func (SourceLog) TableName() string {
	return "data_sources"
}

// Sync run states.
const (
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
)

// SyncRun is the audit row of one orchestrator run.
type SyncRun struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	RunID      string         `gorm:"type:varchar(36);uniqueIndex;not null" json:"run_id"`
	ObjectType ObjectType     `gorm:"type:varchar(32);index;not null" json:"object_type"`
	Trigger    string         `gorm:"type:varchar(16)" json:"trigger"`
	ScheduleID *uint          `gorm:"index" json:"schedule_id"`
	Status     string         `gorm:"type:varchar(16);not null" json:"status"`
	Stats      datatypes.JSON `json:"stats"`
	Error      string         `gorm:"type:text" json:"error"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at"`
}
