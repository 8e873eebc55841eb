package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"estatesync/server/internal/models"

	"gorm.io/datatypes"
)

// ScheduleSeed is one entry of the schedule seed file
type ScheduleSeed struct {
	Name       string          `json:"name"`
	ObjectType string          `json:"object_type"`
	Cities     []string        `json:"cities"`
	TimeFrom   string          `json:"time_from"`
	TimeTo     string          `json:"time_to"`
	Weekdays   string          `json:"weekdays"`
	IsActive   *bool           `json:"is_active"`
	Options    json.RawMessage `json:"options"`
}

type scheduleSeedFile struct {
	Schedules []ScheduleSeed `json:"schedules"`
}

// LoadScheduleSeeds reads the schedule seed file and converts its entries to
// schedule rows (not yet persisted).
func LoadScheduleSeeds(path string) ([]models.Schedule, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule seed file: %w", err)
	}

	var file scheduleSeedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schedule seed file: %w", err)
	}

	schedules := make([]models.Schedule, 0, len(file.Schedules))
	for i, seed := range file.Schedules {
		schedule, err := seed.ToSchedule()
		if err != nil {
			return nil, fmt.Errorf("schedule #%d: %w", i, err)
		}
		schedules = append(schedules, schedule)
	}
	return schedules, nil
}

// ToSchedule validates the seed and fills in defaults.
func (s ScheduleSeed) ToSchedule() (models.Schedule, error) {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		return models.Schedule{}, fmt.Errorf("name is required")
	}
	objectType, err := models.ParseObjectType(s.ObjectType)
	if err != nil {
		return models.Schedule{}, err
	}

	opts, err := models.ParseSyncOptions(s.Options)
	if err != nil {
		return models.Schedule{}, err
	}
	active := true
	if s.IsActive != nil {
		active = *s.IsActive
	}
	weekdays := strings.TrimSpace(s.Weekdays)
	if weekdays == "" {
		weekdays = "all"
	}

	return models.Schedule{
		Name:       name,
		ObjectType: objectType,
		Cities:     datatypes.NewJSONSlice(s.Cities),
		TimeFrom:   strings.TrimSpace(s.TimeFrom),
		TimeTo:     strings.TrimSpace(s.TimeTo),
		Weekdays:   weekdays,
		IsActive:   active,
		Options:    datatypes.NewJSONType(opts),
	}, nil
}
