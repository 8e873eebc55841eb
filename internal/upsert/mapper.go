package upsert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"estatesync/server/internal/errlog"
	"estatesync/server/internal/geo"
	"estatesync/server/internal/models"
	"estatesync/server/internal/resolver"
	"estatesync/server/internal/source"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Mapper carries the state of mapping one record.
type Mapper struct {
	ctx        context.Context
	db         *gorm.DB
	refs       *resolver.Resolver
	images     ImageChecker
	opts       Options
	logger     *logrus.Logger
	objectType models.ObjectType
	now        time.Time

	point    orb.Point
	hasPoint bool
	children []childWriter
}

// Ref resolves the optional reference under key.
func (m *Mapper) Ref(rec *source.Record, key string, kind models.RefKind) (*uint, error) {
	ref, err := rec.Ref(key)
	if err != nil {
		return nil, err
	}
	return m.refs.ResolveOptional(m.ctx, kind, ref)
}

// Parent looks up the listing of another type a record points at, such as
// the block of a parking unit. Parents are never created from a child
// record; an unknown parent leaves the link empty.
func (m *Mapper) Parent(rec *source.Record, key string, parentType models.ObjectType) (*uint, error) {
	ref, err := rec.Ref(key)
	if err != nil || ref == nil {
		return nil, err
	}

	row, err := models.NewListing(parentType)
	if err != nil {
		return nil, err
	}
	q := m.db.WithContext(m.ctx)
	if ref.ExternalID != "" {
		q = q.Where("external_id = ?", ref.ExternalID)
	} else {
		q = q.Where("guid = ?", ref.GUID)
	}
	err = q.First(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		m.logger.WithFields(logrus.Fields{
			"object_type": m.objectType,
			"parent_type": parentType,
			"parent":      ref.Key(),
		}).Debug("Parent listing not synced yet")
		return nil, nil
	}
	if err != nil {
		return nil, errlog.Persistence(fmt.Errorf("failed to look up %s: %w", parentType, err))
	}
	id := row.Base().ID
	return &id, nil
}

// Child registers a writer run after the listing row is saved.
func (m *Mapper) Child(w childWriter) {
	m.children = append(m.children, w)
}

func (m *Mapper) mapBase(rec *source.Record, base *models.ListingBase) error {
	if id := rec.ExternalID(); id != "" {
		base.ExternalID = &id
	}
	base.GUID = rec.GUID()
	if base.GUID == "" {
		base.GUID = rec.ExternalID()
	}
	base.Name = rec.String("name")
	base.Status = rec.String("status")

	base.IsActive = true
	if active, ok := rec.Bool("is_active"); ok {
		base.IsActive = active
	}

	parsedAt, err := rec.Time("parsed_at")
	if err != nil {
		return err
	}
	if parsedAt == nil || parsedAt.After(m.now) {
		parsedAt = &m.now
	}
	base.ParsedAt = parsedAt

	if base.CityID, err = m.Ref(rec, "city", models.RefCity); err != nil {
		return err
	}
	if base.RegionID, err = m.Ref(rec, "region", models.RefRegion); err != nil {
		return err
	}
	if base.LocationID, err = m.Ref(rec, "location", models.RefLocation); err != nil {
		return err
	}
	if base.BuilderID, err = m.Ref(rec, "builder", models.RefBuilder); err != nil {
		return err
	}

	lat, err := rec.Float("latitude")
	if err != nil {
		return err
	}
	lon, err := rec.Float("longitude")
	if err != nil {
		return err
	}
	if p, ok := geo.NewPoint(lat, lon); ok {
		m.point, m.hasPoint = p, true
		base.Latitude, base.Longitude = lat, lon
		base.Geohash = geo.Geohash(p)
	}

	if raw := rec.JSON("metadata"); raw != nil {
		base.Metadata = datatypes.JSON(raw)
	}
	if raw := rec.JSON("facets"); raw != nil {
		base.Facets = datatypes.JSON(raw)
	}

	return m.mapImages(rec)
}

func (m *Mapper) mapImages(rec *source.Record) error {
	urls, err := rec.Images("images")
	if err != nil {
		return err
	}
	if m.opts.CheckImages && m.images != nil {
		reachable := urls[:0]
		for _, url := range urls {
			if err := m.images.Check(m.ctx, url); err != nil {
				m.logger.WithFields(logrus.Fields{
					"object_type": m.objectType,
					"url":         url,
				}).WithError(err).Warn("Dropping unreachable image")
				continue
			}
			reachable = append(reachable, url)
		}
		urls = reachable
	}

	images := make([]models.Image, 0, len(urls))
	seen := make(map[string]bool, len(urls))
	for _, url := range urls {
		if seen[url] {
			continue
		}
		seen[url] = true
		images = append(images, models.Image{URL: url, Position: len(images)})
	}

	m.Child(func(tx *gorm.DB, owner models.Owner) error {
		if err := tx.Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).Delete(&models.Image{}).Error; err != nil {
			return err
		}
		if len(images) == 0 {
			return nil
		}
		for i := range images {
			images[i].ID = 0
			images[i].OwnerType = owner.Type
			images[i].OwnerID = owner.ID
		}
		return tx.Create(&images).Error
	})
	return nil
}

// mapSubways resolves the subway list and registers the pivot replacement.
func (m *Mapper) mapSubways(rec *source.Record) error {
	items, err := rec.Objects("subways")
	if err != nil {
		return err
	}

	links := make([]models.SubwayLink, 0, len(items))
	seen := make(map[uint]bool, len(items))
	for i, item := range items {
		ref, err := item.Ref("subway")
		if err != nil {
			return err
		}
		if ref == nil {
			return errlog.Reference(fmt.Sprintf("subways.%d.subway", i), errors.New("subway reference is missing"))
		}
		subwayID, err := m.refs.Resolve(m.ctx, models.RefSubway, ref)
		if err != nil {
			return err
		}
		if seen[subwayID] {
			continue
		}
		seen[subwayID] = true

		distanceTime, err := item.Int("distance_time")
		if err != nil {
			return err
		}
		priority := len(links)
		if p, err := item.Int("priority"); err != nil {
			return err
		} else if p != nil {
			priority = *p
		}

		link := models.SubwayLink{
			SubwayID:     subwayID,
			DistanceTime: distanceTime,
			DistanceType: item.String("distance_type"),
			Priority:     priority,
		}
		if m.hasPoint {
			if station, ok := m.stationPoint(ref, subwayID); ok {
				d := geo.DistanceMeters(m.point, station)
				link.DistanceMeters = &d
			}
		}
		links = append(links, link)
	}

	m.Child(func(tx *gorm.DB, owner models.Owner) error {
		if err := tx.Where("owner_type = ? AND owner_id = ?", owner.Type, owner.ID).Delete(&models.SubwayLink{}).Error; err != nil {
			return err
		}
		if len(links) == 0 {
			return nil
		}
		for i := range links {
			links[i].ID = 0
			links[i].OwnerType = owner.Type
			links[i].OwnerID = owner.ID
		}
		return tx.Create(&links).Error
	})
	return nil
}

func (m *Mapper) stationPoint(ref *source.Ref, subwayID uint) (orb.Point, bool) {
	if p, ok := geo.NewPoint(ref.Latitude, ref.Longitude); ok {
		return p, true
	}
	var station models.Subway
	if err := m.db.WithContext(m.ctx).Select("id", "latitude", "longitude").First(&station, subwayID).Error; err != nil {
		return orb.Point{}, false
	}
	return geo.NewPoint(station.Latitude, station.Longitude)
}
