package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"estatesync/server/config"
	"estatesync/server/internal/models"
	"estatesync/server/internal/syncer"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrLeaseHeld is returned when another runner holds a schedule's lease.
	ErrLeaseHeld = errors.New("schedule lease is held by another runner")
	// ErrNotFound is returned for an unknown schedule id.
	ErrNotFound = errors.New("schedule not found")
)

// Syncer runs one sync request.
type Syncer interface {
	Sync(ctx context.Context, req syncer.Request) (*syncer.Stats, error)
}

// Scheduler starts syncs for schedules whose window is open.
type Scheduler struct {
	db       *gorm.DB
	syncer   Syncer
	logger   *logrus.Logger
	cron     *cron.Cron
	spec     string
	location *time.Location
	leaseTTL time.Duration
	holder   string
	jobMutex sync.Mutex // Ensures sequential RunDueSchedules calls
}

// NewScheduler creates a new scheduler
func NewScheduler(db *gorm.DB, s Syncer, cfg *config.Config, logger *logrus.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
		logger.SetLevel(logrus.InfoLevel)
	}

	tz := cfg.Scheduler.Timezone
	if tz == "" {
		tz = "UTC"
	}
	location, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load scheduler timezone: %w", err)
	}
	spec := cfg.Scheduler.Spec
	if spec == "" {
		spec = "@every 1m"
	}
	leaseTTL := cfg.Scheduler.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 2 * time.Hour
	}

	host, _ := os.Hostname()
	return &Scheduler{
		db:       db,
		syncer:   s,
		logger:   logger,
		spec:     spec,
		location: location,
		leaseTTL: leaseTTL,
		holder:   fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}, nil
}

// Start begins the cron tick. Each tick calls RunDueSchedules; a tick that
// fires while the previous one is still running is skipped.
func (s *Scheduler) Start() error {
	s.cron = cron.New(
		cron.WithLocation(s.location),
		cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(s.logger))),
	)
	_, err := s.cron.AddFunc(s.spec, func() {
		ids, err := s.RunDueSchedules(context.Background(), time.Now())
		if err != nil {
			s.logger.WithError(err).Error("Scheduled run failed")
			return
		}
		if len(ids) > 0 {
			s.logger.WithField("schedule_ids", ids).Info("Due schedules completed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid scheduler spec %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.WithFields(logrus.Fields{
		"spec":     s.spec,
		"timezone": s.location.String(),
		"holder":   s.holder,
	}).Info("Scheduler started")
	return nil
}

// Stop gracefully stops the scheduler, waiting for a running tick.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// RunDueSchedules runs every active schedule whose window contains now and
// which has not run yet in the current window occurrence. Runs are
// sequential. It returns the ids of the schedules that were run.
func (s *Scheduler) RunDueSchedules(ctx context.Context, now time.Time) ([]uint, error) {
	s.jobMutex.Lock()
	defer s.jobMutex.Unlock()

	now = now.In(s.location)
	var schedules []models.Schedule
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("failed to load schedules: %w", err)
	}

	var ran []uint
	for i := range schedules {
		schedule := &schedules[i]
		log := s.logger.WithFields(logrus.Fields{
			"schedule_id": schedule.ID,
			"schedule":    schedule.Name,
			"object_type": schedule.ObjectType,
		})

		due, err := s.due(schedule, now)
		if err != nil {
			log.WithError(err).Warn("Skipping schedule with invalid window")
			continue
		}
		if !due {
			continue
		}

		if err := s.runSchedule(ctx, schedule, now, log); err != nil {
			if errors.Is(err, ErrLeaseHeld) || errors.Is(err, syncer.ErrSyncInProgress) {
				log.WithError(err).Info("Schedule skipped")
				continue
			}
			if ctx.Err() != nil {
				return ran, ctx.Err()
			}
			log.WithError(err).Error("Schedule run failed")
		}
		ran = append(ran, schedule.ID)
	}
	return ran, nil
}

// due reports whether the schedule's window is open at now and it has not
// run since the current occurrence began.
func (s *Scheduler) due(schedule *models.Schedule, now time.Time) (bool, error) {
	window, err := ParseWindow(schedule.TimeFrom, schedule.TimeTo, schedule.Weekdays)
	if err != nil {
		return false, err
	}
	start, ok := window.Start(now)
	if !ok {
		return false, nil
	}
	if schedule.LastRunAt != nil && !schedule.LastRunAt.Before(start) {
		return false, nil
	}
	return true, nil
}

func (s *Scheduler) runSchedule(ctx context.Context, schedule *models.Schedule, now time.Time, log *logrus.Entry) error {
	if err := s.acquireLease(ctx, schedule.ID, now); err != nil {
		return err
	}
	defer s.releaseLease(schedule.ID)

	id := schedule.ID
	log.Info("Starting scheduled sync")
	stats, runErr := s.syncer.Sync(ctx, syncer.Request{
		ObjectType: schedule.ObjectType,
		Cities:     schedule.Cities,
		Options:    schedule.Options.Data(),
		Trigger:    syncer.TriggerSchedule,
		ScheduleID: &id,
	})
	if errors.Is(runErr, syncer.ErrSyncInProgress) {
		return runErr
	}

	status := models.RunStatusSucceeded
	if runErr != nil {
		status = models.RunStatusFailed
	}
	updates := map[string]interface{}{
		"last_run_at": now.UTC(),
		"last_status": status,
	}
	if stats != nil {
		encoded, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("failed to encode run stats: %w", err)
		}
		updates["last_run_stats"] = datatypes.JSON(encoded)
	}
	err := s.db.WithContext(context.WithoutCancel(ctx)).Model(&models.Schedule{}).Where("id = ?", schedule.ID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	return runErr
}

// acquireLease takes the schedule's lease with a conditional update so that
// only one runner across processes wins.
func (s *Scheduler) acquireLease(ctx context.Context, id uint, now time.Time) error {
	now = now.UTC()
	expires := now.Add(s.leaseTTL)
	res := s.db.WithContext(ctx).Model(&models.Schedule{}).
		Where("id = ? AND (lease_holder IS NULL OR lease_expires_at IS NULL OR lease_expires_at < ?)", id, now).
		Updates(map[string]interface{}{
			"lease_holder":     s.holder,
			"lease_started_at": now,
			"lease_expires_at": expires,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to acquire lease: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseHeld
	}
	return nil
}

func (s *Scheduler) releaseLease(id uint) {
	err := s.db.Model(&models.Schedule{}).
		Where("id = ? AND lease_holder = ?", id, s.holder).
		Updates(map[string]interface{}{
			"lease_holder":     nil,
			"lease_started_at": nil,
			"lease_expires_at": nil,
		}).Error
	if err != nil {
		s.logger.WithError(err).WithField("schedule_id", id).Error("Failed to release schedule lease")
	}
}

// Validate checks the window columns and object type of a schedule.
func Validate(schedule *models.Schedule) error {
	if schedule.Name == "" {
		return errors.New("name is required")
	}
	if _, err := models.ParseObjectType(string(schedule.ObjectType)); err != nil {
		return err
	}
	if schedule.Weekdays == "" {
		schedule.Weekdays = "all"
	}
	_, err := ParseWindow(schedule.TimeFrom, schedule.TimeTo, schedule.Weekdays)
	return err
}

// Seed upserts schedules by name. Run bookkeeping of existing rows is kept.
func (s *Scheduler) Seed(ctx context.Context, schedules []models.Schedule) error {
	for i := range schedules {
		if err := Validate(&schedules[i]); err != nil {
			return fmt.Errorf("schedule %q: %w", schedules[i].Name, err)
		}
	}
	if len(schedules) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"object_type", "cities", "time_from", "time_to", "weekdays", "is_active", "options", "updated_at",
		}),
	}).Create(&schedules).Error
	if err != nil {
		return fmt.Errorf("failed to seed schedules: %w", err)
	}
	s.logger.WithField("count", len(schedules)).Info("Schedules seeded")
	return nil
}

// List returns every schedule ordered by id.
func (s *Scheduler) List(ctx context.Context) ([]models.Schedule, error) {
	var schedules []models.Schedule
	if err := s.db.WithContext(ctx).Order("id").Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return schedules, nil
}

// Create validates and stores a new schedule.
func (s *Scheduler) Create(ctx context.Context, schedule *models.Schedule) error {
	if err := Validate(schedule); err != nil {
		return err
	}
	schedule.ID = 0
	if err := s.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	return nil
}

// Update replaces the editable columns of a schedule.
func (s *Scheduler) Update(ctx context.Context, id uint, schedule *models.Schedule) error {
	if err := Validate(schedule); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.Schedule{}).Where("id = ?", id).
		Select("name", "object_type", "cities", "time_from", "time_to", "weekdays", "is_active", "options").
		Updates(schedule)
	if res.Error != nil {
		return fmt.Errorf("failed to update schedule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return s.db.WithContext(ctx).First(schedule, id).Error
}

// Delete removes a schedule.
func (s *Scheduler) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Schedule{}, id)
	if res.Error != nil {
		return fmt.Errorf("failed to delete schedule: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
