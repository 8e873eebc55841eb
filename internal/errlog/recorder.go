package errlog

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"estatesync/server/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// MaxPayloadBytes bounds the raw payload kept on a parser error.
const MaxPayloadBytes = 4096

var (
	ErrNotFound          = errors.New("parser error not found")
	ErrInvalidTransition = errors.New("invalid parser error status transition")
)

// Failure is one failed record or page, ready to be recorded.
type Failure struct {
	RunID      string
	ObjectType models.ObjectType
	ExternalID string
	GUID       string
	City       string
	Payload    []byte
	Err        error
}

// Recorder persists classified failures and drives their resolution.
type Recorder struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRecorder(db *gorm.DB, logger *logrus.Logger) *Recorder {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Recorder{db: db, logger: logger}
}

// Record stores a failure as an unresolved ParserError. An identical
// unresolved failure already on file gets its retry count bumped instead.
func (r *Recorder) Record(ctx context.Context, f Failure) (*models.ParserError, error) {
	if f.Err == nil {
		return nil, fmt.Errorf("failure without error")
	}
	now := time.Now().UTC()
	row := models.ParserError{
		RunID:      f.RunID,
		ObjectType: f.ObjectType,
		ErrorType:  Classify(f.Err).String(),
		ExternalID: f.ExternalID,
		GUID:       f.GUID,
		City:       f.City,
		Field:      FieldOf(f.Err),
		Message:    f.Err.Error(),
		Payload:    truncate(f.Payload, MaxPayloadBytes),
		Status:     models.ErrorStatusUnresolved,
		LastSeenAt: now,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.ParserError
		err := tx.Where(
			"object_type = ? AND error_type = ? AND external_id = ? AND guid = ? AND field = ? AND message = ? AND status = ?",
			row.ObjectType, row.ErrorType, row.ExternalID, row.GUID, row.Field, row.Message, models.ErrorStatusUnresolved,
		).First(&existing).Error

		switch {
		case err == nil:
			existing.RetryCount++
			existing.RunID = row.RunID
			existing.City = row.City
			existing.Payload = row.Payload
			existing.LastSeenAt = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			row = existing
			return nil
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&row).Error
		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record parser error: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"run_id":      row.RunID,
		"object_type": row.ObjectType,
		"error_type":  row.ErrorType,
		"external_id": row.ExternalID,
		"city":        row.City,
		"retry_count": row.RetryCount,
	}).Warn(row.Message)
	return &row, nil
}

// Resolve marks an unresolved error as fixed.
func (r *Recorder) Resolve(ctx context.Context, id uint, note string) (*models.ParserError, error) {
	return r.transition(ctx, id, models.ErrorStatusResolved, note, models.ErrorStatusUnresolved)
}

// Ignore marks an unresolved error as not worth fixing.
func (r *Recorder) Ignore(ctx context.Context, id uint, note string) (*models.ParserError, error) {
	return r.transition(ctx, id, models.ErrorStatusIgnored, note, models.ErrorStatusUnresolved)
}

// Reopen puts a resolved or ignored error back into the unresolved queue.
func (r *Recorder) Reopen(ctx context.Context, id uint) (*models.ParserError, error) {
	return r.transition(ctx, id, models.ErrorStatusUnresolved, "", models.ErrorStatusResolved, models.ErrorStatusIgnored)
}

func (r *Recorder) transition(ctx context.Context, id uint, to, note string, from ...string) (*models.ParserError, error) {
	var row models.ParserError
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&row, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !contains(from, row.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, row.Status, to)
		}

		row.Status = to
		row.ResolutionNote = note
		if to == models.ErrorStatusUnresolved {
			row.ResolvedAt = nil
		} else {
			now := time.Now().UTC()
			row.ResolvedAt = &now
		}
		return tx.Save(&row).Error
	})
	if err != nil {
		return nil, err
	}

	r.logger.WithFields(logrus.Fields{
		"id":     id,
		"status": to,
	}).Info("Parser error status changed")
	return &row, nil
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Status     string
	ObjectType models.ObjectType
	ErrorType  string
	RunID      string
	Limit      int
	Offset     int
}

// List returns matching parser errors, most recently seen first, and the
// total count ignoring paging.
func (r *Recorder) List(ctx context.Context, filter Filter) ([]models.ParserError, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.ParserError{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.ObjectType != "" {
		q = q.Where("object_type = ?", filter.ObjectType)
	}
	if filter.ErrorType != "" {
		q = q.Where("error_type = ?", filter.ErrorType)
	}
	if filter.RunID != "" {
		q = q.Where("run_id = ?", filter.RunID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count parser errors: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows := []models.ParserError{}
	if err := q.Order("last_seen_at DESC, id DESC").Limit(limit).Offset(filter.Offset).Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to query parser errors: %w", err)
	}
	return rows, total, nil
}

func truncate(payload []byte, max int) string {
	if len(payload) <= max {
		return string(payload)
	}
	// Cut on a rune boundary so the stored text stays valid UTF-8
	end := max
	for end > 0 && !utf8.RuneStart(payload[end]) {
		end--
	}
	return string(payload[:end])
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
