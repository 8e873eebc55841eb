package syncer

import (
	"sync"
	"time"

	"estatesync/server/internal/models"
)

// Run triggers.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerCLI      = "cli"
)

// Stats aggregates the outcome of one run.
type Stats struct {
	RunID             string            `json:"run_id"`
	ObjectType        models.ObjectType `json:"object_type"`
	Trigger           string            `json:"trigger"`
	Total             int               `json:"total"`
	Created           int               `json:"created"`
	Updated           int               `json:"updated"`
	Skipped           int               `json:"skipped"`
	Errors            int               `json:"errors"`
	Pages             int               `json:"pages"`
	ReferencesCreated int               `json:"references_created"`
	Cities            []string          `json:"cities"`
	FailedCities      []string          `json:"failed_cities,omitempty"`
	StartedAt         time.Time         `json:"started_at"`
	FinishedAt        time.Time         `json:"finished_at"`
	Error             string            `json:"error,omitempty"`
}

// counters guards Stats while city workers update it.
type counters struct {
	mu    sync.Mutex
	stats Stats
}

func (c *counters) addAction(action string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch action {
	case models.ActionCreated:
		c.stats.Created++
	case models.ActionUpdated:
		c.stats.Updated++
	case models.ActionSkipped:
		c.stats.Skipped++
	}
}

func (c *counters) addPage(records int) {
	c.mu.Lock()
	c.stats.Total += records
	c.stats.Pages++
	c.mu.Unlock()
}

func (c *counters) addError() {
	c.mu.Lock()
	c.stats.Errors++
	c.mu.Unlock()
}

func (c *counters) failCity(city string) {
	c.mu.Lock()
	c.stats.FailedCities = append(c.stats.FailedCities, city)
	c.mu.Unlock()
}

func (c *counters) snapshot() *Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Cities = append([]string(nil), c.stats.Cities...)
	s.FailedCities = append([]string(nil), c.stats.FailedCities...)
	return &s
}
