// Package syncer runs a sync of one listing type: it pages the source for
// every city and routes each record through validation, reference
// resolution and the upsert transaction.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"estatesync/server/config"
	"estatesync/server/internal/auth"
	"estatesync/server/internal/database"
	"estatesync/server/internal/errlog"
	"estatesync/server/internal/models"
	"estatesync/server/internal/processor"
	"estatesync/server/internal/resolver"
	"estatesync/server/internal/schema"
	"estatesync/server/internal/source"
	"estatesync/server/internal/upsert"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrSyncInProgress is returned when a run of the same object type is
// already going on.
var ErrSyncInProgress = errors.New("sync already in progress for this object type")

// tokenWarnWindow is how close to expiry a token may be before a run logs a
// warning. Tokens are not refreshed mid-run.
const tokenWarnWindow = 10 * time.Minute

type Fetcher interface {
	FetchPage(ctx context.Context, req source.PageRequest) (*source.Page, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context) (*auth.Session, error)
}

// Notifier is told about every finished run.
type Notifier interface {
	NotifyRun(ctx context.Context, stats *Stats) error
}

// Request describes one run.
type Request struct {
	ObjectType models.ObjectType
	// Optional subset of city external ids
	Cities     []string
	Options    models.SyncOptions
	Trigger    string
	ScheduleID *uint
}

// Dependencies are the collaborators of an Orchestrator. Images and
// Notifier may be nil.
type Dependencies struct {
	DB       *database.Database
	Fetcher  Fetcher
	Auth     Authenticator
	Images   upsert.ImageChecker
	Notifier Notifier
}

type Orchestrator struct {
	db        *database.Database
	gdb       *gorm.DB
	fetcher   Fetcher
	auth      Authenticator
	notifier  Notifier
	handlers  map[models.ObjectType]upsert.Handler
	processor *processor.RecordProcessor
	errors    *errlog.Recorder
	logger    *logrus.Logger

	pageSize      int
	maxPages      int
	cityWorkers   int
	defaultCities []string

	mu      sync.Mutex
	running map[models.ObjectType]bool
}

func New(deps Dependencies, cfg *config.Config, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}
	gdb := deps.DB.GetDB()

	pageSize := cfg.Source.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	maxPages := cfg.Source.MaxPages
	if maxPages <= 0 {
		maxPages = 500
	}
	workers := cfg.Sync.CityWorkers
	if workers <= 0 {
		workers = 1
	}

	return &Orchestrator{
		db:            deps.DB,
		gdb:           gdb,
		fetcher:       deps.Fetcher,
		auth:          deps.Auth,
		notifier:      deps.Notifier,
		handlers:      upsert.Handlers(gdb, deps.Images, logger),
		processor:     processor.NewRecordProcessor(gdb, cfg, logger),
		errors:        errlog.NewRecorder(gdb, logger),
		logger:        logger,
		pageSize:      pageSize,
		maxPages:      maxPages,
		cityWorkers:   workers,
		defaultCities: cfg.Sync.DefaultCities,
		running:       make(map[models.ObjectType]bool),
	}
}

// Running reports whether a run of objectType is in progress.
func (o *Orchestrator) Running(objectType models.ObjectType) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running[objectType]
}

func (o *Orchestrator) acquire(objectType models.ObjectType) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[objectType] {
		return false
	}
	o.running[objectType] = true
	return true
}

func (o *Orchestrator) release(objectType models.ObjectType) {
	o.mu.Lock()
	delete(o.running, objectType)
	o.mu.Unlock()
}

// run is the state of one Sync call.
type run struct {
	req      Request
	opts     upsert.Options
	handler  upsert.Handler
	refs     *resolver.Resolver
	token    string
	counters *counters
	log      *logrus.Entry
}

// Sync runs one object type across its cities. The returned stats are
// populated even when an error aborts the run.
func (o *Orchestrator) Sync(ctx context.Context, req Request) (*Stats, error) {
	handler, ok := o.handlers[req.ObjectType]
	if !ok {
		return nil, fmt.Errorf("unknown object type: %q", req.ObjectType)
	}
	if !o.acquire(req.ObjectType) {
		return nil, ErrSyncInProgress
	}
	defer o.release(req.ObjectType)

	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	runID := uuid.NewString()
	r := &run{
		req:      req,
		opts:     upsert.OptionsFrom(runID, req.Options),
		handler:  handler,
		refs:     resolver.New(o.gdb, req.Options.CreateMissingReferences, o.logger),
		counters: &counters{},
		log: o.logger.WithFields(logrus.Fields{
			"run_id":      runID,
			"object_type": req.ObjectType,
			"trigger":     req.Trigger,
		}),
	}
	r.counters.stats = Stats{
		RunID:      runID,
		ObjectType: req.ObjectType,
		Trigger:    req.Trigger,
		StartedAt:  time.Now().UTC(),
	}

	audit := &models.SyncRun{
		RunID:      runID,
		ObjectType: req.ObjectType,
		Trigger:    req.Trigger,
		ScheduleID: req.ScheduleID,
		Status:     models.RunStatusRunning,
		StartedAt:  r.counters.stats.StartedAt,
	}
	if err := o.gdb.WithContext(ctx).Create(audit).Error; err != nil {
		return nil, fmt.Errorf("failed to create sync run: %w", err)
	}

	r.log.Info("Starting sync")
	err := o.execute(ctx, r)
	return o.finish(ctx, r, audit, err)
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	session, err := o.auth.Authenticate(ctx)
	if err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	r.token = session.Token
	if session.ExpiresWithin(time.Now(), tokenWarnWindow) {
		r.log.WithField("expires_at", session.ExpiresAt).Warn("Auth token expires soon and is not refreshed during the run")
	}

	cities, err := o.cities(r.req)
	if err != nil {
		return err
	}
	r.counters.stats.Cities = cities

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cityWorkers)
	for _, city := range cities {
		city := city
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := o.syncCity(gctx, r, city)
			if err == nil {
				return nil
			}
			if gctx.Err() != nil {
				// Cut short by another city's failure or by the caller
				return err
			}
			r.counters.failCity(city)
			if r.req.Options.SkipErrors && ctx.Err() == nil {
				r.log.WithField("city", city).WithError(err).Warn("City aborted, continuing with the next one")
				return nil
			}
			return fmt.Errorf("city %s: %w", city, err)
		})
	}
	return g.Wait()
}

// cities picks the schedule's subset, else every active city, else the
// configured defaults.
func (o *Orchestrator) cities(req Request) ([]string, error) {
	if len(req.Cities) > 0 {
		return req.Cities, nil
	}
	cities, err := o.db.ActiveCityExternalIDs()
	if err != nil {
		return nil, err
	}
	if len(cities) > 0 {
		return cities, nil
	}
	return o.defaultCities, nil
}

// syncCity pages one (type, city) pair. A fetch failure ends the city since
// later offsets cannot be trusted without the page before them.
func (o *Orchestrator) syncCity(ctx context.Context, r *run, city string) error {
	log := r.log.WithField("city", city)

	for page := 0; page < o.maxPages; page++ {
		offset := page * o.pageSize
		resp, err := o.fetcher.FetchPage(ctx, source.PageRequest{
			ObjectType: r.req.ObjectType,
			City:       city,
			Offset:     offset,
			Limit:      o.pageSize,
			Token:      r.token,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.counters.addError()
			o.recordFailure(ctx, r, errlog.Failure{City: city, Err: err}, nil)
			return err
		}
		r.counters.addPage(len(resp.Records))

		for _, raw := range resp.Records {
			if err := o.syncRecord(ctx, r, city, raw); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !r.req.Options.SkipErrors {
					return err
				}
			}
		}

		log.WithFields(logrus.Fields{
			"page":    page,
			"offset":  offset,
			"records": len(resp.Records),
		}).Debug("Page processed")

		if len(resp.Records) < o.pageSize {
			return nil
		}
	}

	log.WithField("max_pages", o.maxPages).Warn("Stopped at page limit")
	return nil
}

func (o *Orchestrator) syncRecord(ctx context.Context, r *run, city string, raw json.RawMessage) error {
	failure := errlog.Failure{City: city, Payload: raw}

	result, err := o.upsertRecord(ctx, r, raw, &failure)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failure.Err = err
		r.counters.addError()
		o.recordFailure(ctx, r, failure, raw)
		return err
	}
	r.counters.addAction(result.Action)

	owner := models.OwnerOf(result.Row)
	entry := &models.SourceLog{
		RunID:      r.opts.RunID,
		ObjectType: owner.Type,
		OwnerID:    owner.ID,
		Action:     result.Action,
		SyncedAt:   time.Now().UTC(),
	}
	if err := o.gdb.WithContext(ctx).Create(entry).Error; err != nil {
		r.log.WithError(err).Error("Failed to write data source log")
	}
	return nil
}

func (o *Orchestrator) upsertRecord(ctx context.Context, r *run, raw json.RawMessage, failure *errlog.Failure) (*upsert.Result, error) {
	rec, err := source.ParseRecord(raw)
	if err != nil {
		return nil, err
	}
	failure.ExternalID = rec.ExternalID()
	failure.GUID = rec.GUID()

	if err := schema.Validate(r.req.ObjectType, raw); err != nil {
		return nil, err
	}
	prepared, err := r.handler.Prepare(ctx, rec, r.refs, r.opts)
	if err != nil {
		return nil, err
	}
	return o.processor.Process(ctx, r.handler, prepared, r.opts)
}

func (o *Orchestrator) recordFailure(ctx context.Context, r *run, f errlog.Failure, raw json.RawMessage) {
	if !r.req.Options.LogErrors {
		r.log.WithFields(logrus.Fields{
			"city":        f.City,
			"external_id": f.ExternalID,
		}).WithError(f.Err).Warn("Sync failure")
		return
	}
	f.RunID = r.opts.RunID
	f.ObjectType = r.req.ObjectType
	f.Payload = raw
	if _, err := o.errors.Record(context.WithoutCancel(ctx), f); err != nil {
		r.log.WithError(err).Error("Failed to record parser error")
	}
}

func (o *Orchestrator) finish(ctx context.Context, r *run, audit *models.SyncRun, runErr error) (*Stats, error) {
	r.counters.mu.Lock()
	r.counters.stats.FinishedAt = time.Now().UTC()
	r.counters.stats.ReferencesCreated = r.refs.Created()
	if runErr != nil {
		r.counters.stats.Error = runErr.Error()
	}
	r.counters.mu.Unlock()
	stats := r.counters.snapshot()

	status := models.RunStatusSucceeded
	if runErr != nil {
		status = models.RunStatusFailed
	}
	encoded, err := json.Marshal(stats)
	if err != nil {
		return stats, fmt.Errorf("failed to encode run stats: %w", err)
	}
	finishedAt := stats.FinishedAt
	// The audit row is written even when the caller's context is done
	err = o.gdb.WithContext(context.WithoutCancel(ctx)).Model(audit).Updates(map[string]interface{}{
		"status":      status,
		"stats":       datatypes.JSON(encoded),
		"error":       stats.Error,
		"finished_at": &finishedAt,
	}).Error
	if err != nil {
		r.log.WithError(err).Error("Failed to finish sync run")
	}

	r.log.WithFields(logrus.Fields{
		"total":   stats.Total,
		"created": stats.Created,
		"updated": stats.Updated,
		"skipped": stats.Skipped,
		"errors":  stats.Errors,
		"status":  status,
	}).Info("Sync finished")

	if o.notifier != nil {
		if err := o.notifier.NotifyRun(context.WithoutCancel(ctx), stats); err != nil {
			r.log.WithError(err).Warn("Failed to send run notification")
		}
	}
	return stats, runErr
}
