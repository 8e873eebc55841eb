package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ObjectType identifies a listing type. It doubles as the owner tag of
// polymorphic history, pivot and image rows.
type ObjectType string

const (
	ObjectBlock             ObjectType = "block"
	ObjectParking           ObjectType = "parking"
	ObjectVillage           ObjectType = "village"
	ObjectPlot              ObjectType = "plot"
	ObjectCommercialBlock   ObjectType = "commercial_block"
	ObjectCommercialPremise ObjectType = "commercial_premise"
)

// String returns the string representation of an ObjectType
func (t ObjectType) String() string {
	return string(t)
}

// ParseObjectType accepts the canonical name as well as dashed spellings
// used in URLs (commercial-block).
func ParseObjectType(s string) (ObjectType, error) {
	norm := ObjectType(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if _, ok := listingRegistry[norm]; ok {
		return norm, nil
	}
	return "", fmt.Errorf("unknown object type: %q", s)
}

// DataSource records where a listing row came from.
type DataSource string

const (
	DataSourceParser DataSource = "parser"
	DataSourceManual DataSource = "manual"
	DataSourceFeed   DataSource = "feed"
	DataSourceImport DataSource = "import"
)

// SyncOptions are the recognized switches of a sync run. They are stored
// as JSON on schedule rows.
type SyncOptions struct {
	SkipErrors              bool `json:"skip_errors"`
	ForceUpdate             bool `json:"force_update"`
	UpdateExisting          bool `json:"update_existing"`
	CreateMissingReferences bool `json:"create_missing_references"`
	CheckImages             bool `json:"check_images"`
	LogErrors               bool `json:"log_errors"`
	TrackChanges            bool `json:"track_changes"`
}

// DefaultSyncOptions is what a manual trigger gets when it does not say
// otherwise.
func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		SkipErrors:              true,
		UpdateExisting:          true,
		CreateMissingReferences: true,
		LogErrors:               true,
		TrackChanges:            true,
	}
}

// ParseSyncOptions reads a JSON options object over DefaultSyncOptions, so
// switches the object leaves out keep their defaults. Empty input or null
// yields the defaults.
func ParseSyncOptions(raw json.RawMessage) (SyncOptions, error) {
	opts := DefaultSyncOptions()
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return opts, nil
	}
	if err := json.Unmarshal(trimmed, &opts); err != nil {
		return DefaultSyncOptions(), fmt.Errorf("invalid sync options: %w", err)
	}
	return opts, nil
}
