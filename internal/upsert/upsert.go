// Package upsert maps source records onto listing rows and performs the
// create-or-update of one record, including child rows and history.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"estatesync/server/internal/errlog"
	"estatesync/server/internal/models"
	"estatesync/server/internal/resolver"
	"estatesync/server/internal/source"
	"estatesync/server/internal/tracker"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Options are the per-run switches that affect a single upsert.
type Options struct {
	RunID          string
	ForceUpdate    bool
	UpdateExisting bool
	TrackChanges   bool
	CheckImages    bool
}

func OptionsFrom(runID string, o models.SyncOptions) Options {
	return Options{
		RunID:          runID,
		ForceUpdate:    o.ForceUpdate,
		UpdateExisting: o.UpdateExisting,
		TrackChanges:   o.TrackChanges,
		CheckImages:    o.CheckImages,
	}
}

// Result is the outcome of one upsert. Action is one of models.ActionCreated,
// ActionUpdated or ActionSkipped and always comes from the branch taken.
type Result struct {
	Row     models.Listing
	Action  string
	History int
}

// Prepared is a record mapped onto a fresh row with its references already
// resolved. Applying it touches only the transaction it is given.
type Prepared struct {
	Key      string
	Row      models.Listing
	children []childWriter
}

type childWriter func(tx *gorm.DB, owner models.Owner) error

// Handler upserts records of one listing type.
type Handler interface {
	Type() models.ObjectType
	// Prepare maps and resolves references. It runs outside the record
	// transaction because reference rows it creates must survive a rollback.
	Prepare(ctx context.Context, rec *source.Record, refs *resolver.Resolver, opts Options) (*Prepared, error)
	Apply(ctx context.Context, tx *gorm.DB, p *Prepared, opts Options) (*Result, error)
}

type listingPtr[T any] interface {
	*T
	models.Listing
}

// PriceField is a watched price column.
type PriceField[T any] struct {
	Name string
	Get  func(*T) int64
}

// Descriptor declares everything type-specific about a listing type.
type Descriptor[T any] struct {
	Type   models.ObjectType
	Prices []PriceField[T]
	// Map fills the type-specific columns and registers child writers.
	Map func(m *Mapper, rec *source.Record, row *T) error
}

// Upserter is the Handler of one listing type.
type Upserter[T any, PT listingPtr[T]] struct {
	desc   Descriptor[T]
	db     *gorm.DB
	images ImageChecker
	logger *logrus.Logger
	now    func() time.Time
}

func NewUpserter[T any, PT listingPtr[T]](desc Descriptor[T], db *gorm.DB, images ImageChecker, logger *logrus.Logger) *Upserter[T, PT] {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Upserter[T, PT]{
		desc:   desc,
		db:     db,
		images: images,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (u *Upserter[T, PT]) Type() models.ObjectType {
	return u.desc.Type
}

func (u *Upserter[T, PT]) Prepare(ctx context.Context, rec *source.Record, refs *resolver.Resolver, opts Options) (*Prepared, error) {
	key := rec.Key()
	if key == "" {
		return nil, errlog.Validation("id", errors.New("record has neither id nor guid"))
	}

	row := PT(new(T))
	m := &Mapper{
		ctx:        ctx,
		db:         u.db,
		refs:       refs,
		images:     u.images,
		opts:       opts,
		logger:     u.logger,
		objectType: u.desc.Type,
		now:        u.now(),
	}
	if err := m.mapBase(rec, row.Base()); err != nil {
		return nil, err
	}
	if err := u.desc.Map(m, rec, (*T)(row)); err != nil {
		return nil, err
	}

	return &Prepared{Key: key, Row: row, children: m.children}, nil
}

func (u *Upserter[T, PT]) Apply(ctx context.Context, tx *gorm.DB, p *Prepared, opts Options) (*Result, error) {
	mapped, ok := p.Row.(PT)
	if !ok {
		return nil, fmt.Errorf("prepared row is %T, not %s", p.Row, u.desc.Type)
	}
	tx = tx.WithContext(ctx)
	now := u.now()

	existing, err := u.findExisting(tx, mapped.Base())
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return u.create(tx, p, mapped, now)
	}

	eb := existing.Base()
	if !opts.UpdateExisting {
		return &Result{Row: existing, Action: models.ActionSkipped}, nil
	}
	if (eb.DataSource == models.DataSourceFeed || eb.DataSource == models.DataSourceImport) && !opts.ForceUpdate {
		return &Result{Row: existing, Action: models.ActionSkipped}, nil
	}

	var changes tracker.Changes
	if opts.TrackChanges {
		changes = u.diff(existing, mapped)
		changes.Stamp(opts.RunID)
	}

	base := mapped.Base()
	base.ID = eb.ID
	base.CreatedAt = eb.CreatedAt
	base.DeletedAt = eb.DeletedAt
	base.DataSource = eb.DataSource
	if eb.DataSource == models.DataSourceParser || eb.DataSource == models.DataSourceManual {
		base.DataSource = models.DataSourceParser
	}
	base.LastSyncedAt = &now

	if err := tx.Unscoped().Omit(clause.Associations).Save(mapped).Error; err != nil {
		return nil, errlog.Persistence(fmt.Errorf("failed to update %s %q: %w", u.desc.Type, p.Key, err))
	}
	if err := writeChildren(tx, p, mapped); err != nil {
		return nil, err
	}
	if !changes.Empty() {
		if err := writeHistory(tx, &changes); err != nil {
			return nil, err
		}
	}

	return &Result{Row: mapped, Action: models.ActionUpdated, History: len(changes.Prices) + len(changes.Fields)}, nil
}

func (u *Upserter[T, PT]) create(tx *gorm.DB, p *Prepared, mapped PT, now time.Time) (*Result, error) {
	base := mapped.Base()
	// A retried attempt may carry values from a rolled-back insert
	base.ID = 0
	base.CreatedAt, base.UpdatedAt = time.Time{}, time.Time{}
	base.DataSource = models.DataSourceParser
	base.LastSyncedAt = &now

	if err := tx.Omit(clause.Associations).Create(mapped).Error; err != nil {
		return nil, errlog.Persistence(fmt.Errorf("failed to create %s %q: %w", u.desc.Type, p.Key, err))
	}
	if err := writeChildren(tx, p, mapped); err != nil {
		return nil, err
	}
	return &Result{Row: mapped, Action: models.ActionCreated}, nil
}

// findExisting matches by external id, then by guid. Soft-deleted rows
// match too: they are updated in place and stay deleted.
func (u *Upserter[T, PT]) findExisting(tx *gorm.DB, base *models.ListingBase) (PT, error) {
	q := tx.Unscoped()

	if base.ExternalID != nil {
		row := PT(new(T))
		err := q.Where("external_id = ?", *base.ExternalID).First(row).Error
		if err == nil {
			return row, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errlog.Persistence(fmt.Errorf("failed to look up %s: %w", u.desc.Type, err))
		}
	}

	row := PT(new(T))
	err := q.Where("guid = ?", base.GUID).First(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errlog.Persistence(fmt.Errorf("failed to look up %s: %w", u.desc.Type, err))
	}

	found := row.Base().ExternalID
	if found != nil && base.ExternalID != nil && *found != *base.ExternalID {
		return nil, errlog.Persistence(fmt.Errorf("%s guid %q already belongs to external id %q", u.desc.Type, base.GUID, *found))
	}
	return row, nil
}

func (u *Upserter[T, PT]) diff(existing, mapped PT) tracker.Changes {
	owner := models.OwnerOf(existing)
	var changes tracker.Changes

	for _, field := range u.desc.Prices {
		oldPrice, newPrice := field.Get((*T)(existing)), field.Get((*T)(mapped))
		changes.AddPrice(tracker.PriceDiff(owner, field.Name, oldPrice, newPrice))
		changes.AddField(tracker.Diff(owner, field.Name,
			strconv.FormatInt(oldPrice, 10), strconv.FormatInt(newPrice, 10), models.ChangePrice))
	}
	changes.AddField(tracker.Diff(owner, "status", existing.Base().Status, mapped.Base().Status, models.ChangeStatus))
	changes.AddField(tracker.Diff(owner, "is_active",
		strconv.FormatBool(existing.Base().IsActive), strconv.FormatBool(mapped.Base().IsActive), models.ChangeStatus))
	return changes
}

func writeChildren(tx *gorm.DB, p *Prepared, row models.Listing) error {
	owner := models.OwnerOf(row)
	for _, write := range p.children {
		if err := write(tx, owner); err != nil {
			return errlog.Persistence(fmt.Errorf("failed to replace child rows: %w", err))
		}
	}
	return nil
}

func writeHistory(tx *gorm.DB, changes *tracker.Changes) error {
	if len(changes.Prices) > 0 {
		if err := tx.Create(changes.Prices).Error; err != nil {
			return errlog.Persistence(fmt.Errorf("failed to write price history: %w", err))
		}
	}
	if len(changes.Fields) > 0 {
		if err := tx.Create(changes.Fields).Error; err != nil {
			return errlog.Persistence(fmt.Errorf("failed to write data changes: %w", err))
		}
	}
	return nil
}
