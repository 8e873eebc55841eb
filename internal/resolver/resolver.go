// Package resolver maps nested {id, guid, name} references of source
// records to local reference rows, creating them when allowed.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"estatesync/server/internal/errlog"
	"estatesync/server/internal/models"
	"estatesync/server/internal/source"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrReferenceNotFound is wrapped into a reference failure when no row
// matches and creation is disabled.
var ErrReferenceNotFound = errors.New("reference not found")

// Resolver caches resolved ids for the lifetime of one run. It is safe for
// concurrent use.
type Resolver struct {
	db          *gorm.DB
	allowCreate bool
	logger      *logrus.Logger

	mu    sync.RWMutex
	cache map[string]uint

	created atomic.Int64
}

func New(db *gorm.DB, allowCreate bool, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Resolver{
		db:          db,
		allowCreate: allowCreate,
		logger:      logger,
		cache:       make(map[string]uint),
	}
}

// Created returns how many reference rows this resolver inserted.
func (r *Resolver) Created() int {
	return int(r.created.Load())
}

// ResolveOptional is Resolve for references a record may omit.
func (r *Resolver) ResolveOptional(ctx context.Context, kind models.RefKind, ref *source.Ref) (*uint, error) {
	if ref == nil {
		return nil, nil
	}
	id, err := r.Resolve(ctx, kind, ref)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Resolve returns the local id of ref: matched by external id, then by
// guid, then created when the resolver allows it.
func (r *Resolver) Resolve(ctx context.Context, kind models.RefKind, ref *source.Ref) (uint, error) {
	if ref == nil || (ref.ExternalID == "" && ref.GUID == "") {
		return 0, errlog.Reference(string(kind), fmt.Errorf("reference has neither id nor guid"))
	}

	if id, ok := r.cached(kind, ref); ok {
		return id, nil
	}

	id, err := r.lookup(ctx, kind, ref)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		if !r.allowCreate {
			return 0, errlog.Reference(string(kind), fmt.Errorf("%w: %s %q", ErrReferenceNotFound, kind, ref.Key()))
		}
		if id, err = r.create(ctx, kind, ref); err != nil {
			return 0, err
		}
	}

	r.remember(kind, ref, id)
	return id, nil
}

func cacheKeys(kind models.RefKind, ref *source.Ref) []string {
	keys := make([]string, 0, 2)
	if ref.ExternalID != "" {
		keys = append(keys, string(kind)+"|id|"+ref.ExternalID)
	}
	if ref.GUID != "" {
		keys = append(keys, string(kind)+"|guid|"+ref.GUID)
	}
	return keys
}

func (r *Resolver) cached(kind models.RefKind, ref *source.Ref) (uint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range cacheKeys(kind, ref) {
		if id, ok := r.cache[key]; ok {
			return id, true
		}
	}
	return 0, false
}

func (r *Resolver) remember(kind models.RefKind, ref *source.Ref, id uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range cacheKeys(kind, ref) {
		r.cache[key] = id
	}
}

// lookup returns 0 when no row matches. Soft-deleted rows still match so a
// re-created reference cannot collide with their unique keys.
func (r *Resolver) lookup(ctx context.Context, kind models.RefKind, ref *source.Ref) (uint, error) {
	db := r.db.WithContext(ctx).Unscoped()

	if ref.ExternalID != "" {
		row, err := models.NewReference(kind)
		if err != nil {
			return 0, err
		}
		err = db.Where("external_id = ?", ref.ExternalID).First(row).Error
		if err == nil {
			return row.Ref().ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, errlog.Persistence(fmt.Errorf("failed to look up %s by external id: %w", kind, err))
		}
	}

	if ref.GUID != "" {
		row, err := models.NewReference(kind)
		if err != nil {
			return 0, err
		}
		err = db.Where("guid = ?", ref.GUID).First(row).Error
		if err == nil {
			base := row.Ref()
			if base.ExternalID == nil && ref.ExternalID != "" {
				if err := db.Model(row).Update("external_id", ref.ExternalID).Error; err != nil {
					return 0, errlog.Persistence(fmt.Errorf("failed to backfill %s external id: %w", kind, err))
				}
			}
			return base.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, errlog.Persistence(fmt.Errorf("failed to look up %s by guid: %w", kind, err))
		}
	}

	return 0, nil
}

func (r *Resolver) create(ctx context.Context, kind models.RefKind, ref *source.Ref) (uint, error) {
	row, err := models.NewReference(kind)
	if err != nil {
		return 0, err
	}

	base := row.Ref()
	if ref.ExternalID != "" {
		externalID := ref.ExternalID
		base.ExternalID = &externalID
	}
	base.GUID = ref.GUID
	if base.GUID == "" {
		base.GUID = uuid.NewString()
	}
	base.Name = ref.Name
	if base.Name == "" {
		base.Name = ref.Key()
	}
	base.IsActive = true

	if subway, ok := row.(*models.Subway); ok {
		subway.Latitude = ref.Latitude
		subway.Longitude = ref.Longitude
		if ref.Line != nil {
			lineID, err := r.Resolve(ctx, models.RefSubwayLine, ref.Line)
			if err != nil {
				return 0, err
			}
			subway.SubwayLineID = &lineID
		}
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if errlog.IsConflict(err) {
			// Lost a race with a concurrent resolver; the winner's row is there now
			id, lookupErr := r.lookup(ctx, kind, ref)
			if lookupErr == nil && id != 0 {
				return id, nil
			}
		}
		return 0, errlog.Persistence(fmt.Errorf("failed to create %s %q: %w", kind, ref.Key(), err))
	}

	r.created.Add(1)
	r.logger.WithFields(logrus.Fields{
		"kind":        kind,
		"external_id": ref.ExternalID,
		"guid":        base.GUID,
	}).Info("Created missing reference")
	return base.ID, nil
}
