package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"estatesync/server/config"
	"estatesync/server/internal/database"
	"estatesync/server/internal/errlog"
	"estatesync/server/internal/models"
	"estatesync/server/internal/scheduler"
	"estatesync/server/internal/syncer"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Syncer runs manual syncs.
type Syncer interface {
	Sync(ctx context.Context, req syncer.Request) (*syncer.Stats, error)
	Running(objectType models.ObjectType) bool
}

type Handler struct {
	db        *database.Database
	logger    *logrus.Logger
	syncer    Syncer
	scheduler *scheduler.Scheduler
	errors    *errlog.Recorder
}

// SyncRequest is the optional body of a manual sync.
type SyncRequest struct {
	Cities []string `json:"cities"`
	// Switches left out keep their defaults
	Options json.RawMessage `json:"options"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

func NewHandler(db *database.Database, s Syncer, sched *scheduler.Scheduler, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	return &Handler{
		db:        db,
		logger:    logger,
		syncer:    s,
		scheduler: sched,
		errors:    errlog.NewRecorder(db.GetDB(), logger),
	}
}

func (h *Handler) objectType(c *gin.Context) (models.ObjectType, bool) {
	objectType, err := models.ParseObjectType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return "", false
	}
	return objectType, true
}

func (h *Handler) id(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return 0, false
	}
	return uint(id), true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

// RunSync triggers a sync of one object type. With ?async=true the run
// continues in the background and the handler answers 202.
func (h *Handler) RunSync(c *gin.Context) {
	objectType, ok := h.objectType(c)
	if !ok {
		return
	}

	var body SyncRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			h.logger.WithError(err).Error("Failed to parse sync request")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request parameters"})
			return
		}
	}
	opts, err := models.ParseSyncOptions(body.Options)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := syncer.Request{
		ObjectType: objectType,
		Cities:     body.Cities,
		Options:    opts,
		Trigger:    syncer.TriggerManual,
	}

	if h.syncer.Running(objectType) {
		c.JSON(http.StatusConflict, gin.H{"error": syncer.ErrSyncInProgress.Error()})
		return
	}

	if c.Query("async") == "true" {
		go func() {
			if _, err := h.syncer.Sync(context.Background(), req); err != nil {
				h.logger.WithError(err).WithField("object_type", objectType).Error("Background sync failed")
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{
			"status":      "started",
			"object_type": objectType,
		})
		return
	}

	stats, err := h.syncer.Sync(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).WithField("object_type", objectType).Error("Sync failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
			"kind":  errlog.Classify(err),
			"stats": stats,
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListSchedules(c *gin.Context) {
	schedules, err := h.scheduler.List(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list schedules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list schedules"})
		return
	}
	c.JSON(http.StatusOK, schedules)
}

func bindSchedule(c *gin.Context) (*models.Schedule, bool) {
	var seed config.ScheduleSeed
	if err := c.ShouldBindJSON(&seed); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return nil, false
	}
	schedule, err := seed.ToSchedule()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	if err := scheduler.Validate(&schedule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	return &schedule, true
}

func (h *Handler) CreateSchedule(c *gin.Context) {
	schedule, ok := bindSchedule(c)
	if !ok {
		return
	}
	if err := h.scheduler.Create(c.Request.Context(), schedule); err != nil {
		h.logger.WithError(err).Error("Failed to create schedule")
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "A schedule with this name already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create schedule"})
		return
	}
	c.JSON(http.StatusCreated, schedule)
}

func (h *Handler) UpdateSchedule(c *gin.Context) {
	id, ok := h.id(c)
	if !ok {
		return
	}
	schedule, ok := bindSchedule(c)
	if !ok {
		return
	}
	if err := h.scheduler.Update(c.Request.Context(), id, schedule); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Failed to update schedule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update schedule"})
		return
	}
	c.JSON(http.StatusOK, schedule)
}

func (h *Handler) DeleteSchedule(c *gin.Context) {
	id, ok := h.id(c)
	if !ok {
		return
	}
	if err := h.scheduler.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Failed to delete schedule")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete schedule"})
		return
	}
	c.Status(http.StatusNoContent)
}

// RunDueSchedules runs every schedule whose window is open right now.
func (h *Handler) RunDueSchedules(c *gin.Context) {
	ids, err := h.scheduler.RunDueSchedules(c.Request.Context(), time.Now())
	if err != nil {
		h.logger.WithError(err).Error("Failed to run due schedules")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to run due schedules"})
		return
	}
	if ids == nil {
		ids = []uint{}
	}
	c.JSON(http.StatusOK, gin.H{"schedule_ids": ids})
}

func (h *Handler) ListErrors(c *gin.Context) {
	filter := errlog.Filter{
		Status:    c.Query("status"),
		ErrorType: c.Query("error_type"),
		RunID:     c.Query("run_id"),
		Limit:     queryInt(c, "limit", 50),
		Offset:    queryInt(c, "offset", 0),
	}
	if t := c.Query("object_type"); t != "" {
		objectType, err := models.ParseObjectType(t)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filter.ObjectType = objectType
	}

	rows, total, err := h.errors.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list parser errors")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list parser errors"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows, "total": total})
}

// ResolveError, IgnoreError and ReopenError move a parser error through its
// resolution workflow.
func (h *Handler) ResolveError(c *gin.Context) {
	h.transitionError(c, func(ctx context.Context, id uint, note string) (*models.ParserError, error) {
		return h.errors.Resolve(ctx, id, note)
	})
}

func (h *Handler) IgnoreError(c *gin.Context) {
	h.transitionError(c, func(ctx context.Context, id uint, note string) (*models.ParserError, error) {
		return h.errors.Ignore(ctx, id, note)
	})
}

func (h *Handler) ReopenError(c *gin.Context) {
	h.transitionError(c, func(ctx context.Context, id uint, _ string) (*models.ParserError, error) {
		return h.errors.Reopen(ctx, id)
	})
}

func (h *Handler) transitionError(c *gin.Context, apply func(context.Context, uint, string) (*models.ParserError, error)) {
	id, ok := h.id(c)
	if !ok {
		return
	}
	var body NoteRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}

	row, err := apply(c.Request.Context(), id, body.Note)
	switch {
	case errors.Is(err, errlog.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, errlog.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		h.logger.WithError(err).Error("Failed to update parser error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update parser error"})
	default:
		c.JSON(http.StatusOK, row)
	}
}

func (h *Handler) ListListings(c *gin.Context) {
	objectType, ok := h.objectType(c)
	if !ok {
		return
	}
	filter := database.ListingFilter{
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
	}
	if v := c.Query("city_id"); v != "" {
		cityID, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid city_id"})
			return
		}
		id := uint(cityID)
		filter.CityID = &id
	}

	items, total, err := h.db.ListListings(objectType, filter)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list listings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list listings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

// DeleteListing soft-deletes a listing. Sync never does this on its own.
func (h *Handler) DeleteListing(c *gin.Context) {
	objectType, ok := h.objectType(c)
	if !ok {
		return
	}
	id, ok := h.id(c)
	if !ok {
		return
	}
	if err := h.db.SoftDeleteListing(objectType, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
			return
		}
		h.logger.WithError(err).Error("Failed to delete listing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete listing"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetListingHistory(c *gin.Context) {
	objectType, ok := h.objectType(c)
	if !ok {
		return
	}
	id, ok := h.id(c)
	if !ok {
		return
	}
	history, err := h.db.GetListingHistory(models.Owner{Type: objectType, ID: id})
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Listing not found"})
			return
		}
		h.logger.WithError(err).Error("Failed to get listing history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get listing history"})
		return
	}
	c.JSON(http.StatusOK, history)
}

func (h *Handler) ListRuns(c *gin.Context) {
	var objectType models.ObjectType
	if t := c.Query("object_type"); t != "" {
		parsed, err := models.ParseObjectType(t)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		objectType = parsed
	}

	runs, err := h.db.ListRuns(objectType, queryInt(c, "limit", 50))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, runs)
}
