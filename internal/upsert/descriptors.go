package upsert

import (
	"fmt"

	"estatesync/server/internal/models"
	"estatesync/server/internal/source"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Handlers returns one handler per listing type.
func Handlers(db *gorm.DB, images ImageChecker, logger *logrus.Logger) map[models.ObjectType]Handler {
	return map[models.ObjectType]Handler{
		models.ObjectBlock:             NewUpserter[models.Block](BlockDescriptor, db, images, logger),
		models.ObjectParking:           NewUpserter[models.Parking](ParkingDescriptor, db, images, logger),
		models.ObjectVillage:           NewUpserter[models.Village](VillageDescriptor, db, images, logger),
		models.ObjectPlot:              NewUpserter[models.Plot](PlotDescriptor, db, images, logger),
		models.ObjectCommercialBlock:   NewUpserter[models.CommercialBlock](CommercialBlockDescriptor, db, images, logger),
		models.ObjectCommercialPremise: NewUpserter[models.CommercialPremise](CommercialPremiseDescriptor, db, images, logger),
	}
}

var BlockDescriptor = Descriptor[models.Block]{
	Type: models.ObjectBlock,
	Prices: []PriceField[models.Block]{
		{Name: "min_price", Get: func(b *models.Block) int64 { return b.MinPrice }},
		{Name: "max_price", Get: func(b *models.Block) int64 { return b.MaxPrice }},
	},
	Map: func(m *Mapper, rec *source.Record, b *models.Block) error {
		var err error
		b.Address = rec.String("address")
		b.Deadline = rec.String("deadline")
		if b.MinPrice, err = rec.Money("min_price"); err != nil {
			return err
		}
		if b.MaxPrice, err = rec.Money("max_price"); err != nil {
			return err
		}
		if b.Floors, err = rec.Int("floors"); err != nil {
			return err
		}

		rows, err := rec.Objects("prices")
		if err != nil {
			return err
		}
		prices := make([]models.BlockPrice, 0, len(rows))
		for i, row := range rows {
			p := models.BlockPrice{RoomType: row.String("room_type"), Position: i}
			if err := mapPriceRow(row, &p.MinPrice, &p.MaxPrice, &p.MinArea, &p.MaxArea, &p.Count); err != nil {
				return fmt.Errorf("prices.%d: %w", i, err)
			}
			prices = append(prices, p)
		}
		m.Child(func(tx *gorm.DB, owner models.Owner) error {
			if err := tx.Where("block_id = ?", owner.ID).Delete(&models.BlockPrice{}).Error; err != nil {
				return err
			}
			if len(prices) == 0 {
				return nil
			}
			for i := range prices {
				prices[i].ID = 0
				prices[i].BlockID = owner.ID
			}
			return tx.Create(&prices).Error
		})

		return m.mapSubways(rec)
	},
}

var ParkingDescriptor = Descriptor[models.Parking]{
	Type: models.ObjectParking,
	Prices: []PriceField[models.Parking]{
		{Name: "price", Get: func(p *models.Parking) int64 { return p.Price }},
	},
	Map: func(m *Mapper, rec *source.Record, p *models.Parking) error {
		var err error
		p.ParkingType = rec.String("parking_type")
		p.Number = rec.String("number")
		if p.Price, err = rec.Money("price"); err != nil {
			return err
		}
		if p.Area, err = rec.Float("area"); err != nil {
			return err
		}
		p.BlockID, err = m.Parent(rec, "block", models.ObjectBlock)
		return err
	},
}

var VillageDescriptor = Descriptor[models.Village]{
	Type: models.ObjectVillage,
	Prices: []PriceField[models.Village]{
		{Name: "min_price", Get: func(v *models.Village) int64 { return v.MinPrice }},
		{Name: "max_price", Get: func(v *models.Village) int64 { return v.MaxPrice }},
	},
	Map: func(m *Mapper, rec *source.Record, v *models.Village) error {
		var err error
		v.VillageType = rec.String("village_type")
		if v.MinPrice, err = rec.Money("min_price"); err != nil {
			return err
		}
		if v.MaxPrice, err = rec.Money("max_price"); err != nil {
			return err
		}
		if v.LandArea, err = rec.Float("land_area"); err != nil {
			return err
		}

		rows, err := rec.Objects("prices")
		if err != nil {
			return err
		}
		prices := make([]models.VillagePrice, 0, len(rows))
		for i, row := range rows {
			p := models.VillagePrice{HouseType: row.String("house_type"), Position: i}
			if err := mapPriceRow(row, &p.MinPrice, &p.MaxPrice, &p.MinArea, &p.MaxArea, &p.Count); err != nil {
				return fmt.Errorf("prices.%d: %w", i, err)
			}
			prices = append(prices, p)
		}
		m.Child(func(tx *gorm.DB, owner models.Owner) error {
			if err := tx.Where("village_id = ?", owner.ID).Delete(&models.VillagePrice{}).Error; err != nil {
				return err
			}
			if len(prices) == 0 {
				return nil
			}
			for i := range prices {
				prices[i].ID = 0
				prices[i].VillageID = owner.ID
			}
			return tx.Create(&prices).Error
		})
		return nil
	},
}

var PlotDescriptor = Descriptor[models.Plot]{
	Type: models.ObjectPlot,
	Prices: []PriceField[models.Plot]{
		{Name: "price", Get: func(p *models.Plot) int64 { return p.Price }},
	},
	Map: func(m *Mapper, rec *source.Record, p *models.Plot) error {
		var err error
		p.LandCategory = rec.String("land_category")
		if p.Price, err = rec.Money("price"); err != nil {
			return err
		}
		if p.Area, err = rec.Float("area"); err != nil {
			return err
		}
		p.VillageID, err = m.Parent(rec, "village", models.ObjectVillage)
		return err
	},
}

var CommercialBlockDescriptor = Descriptor[models.CommercialBlock]{
	Type: models.ObjectCommercialBlock,
	Prices: []PriceField[models.CommercialBlock]{
		{Name: "min_price", Get: func(c *models.CommercialBlock) int64 { return c.MinPrice }},
		{Name: "max_price", Get: func(c *models.CommercialBlock) int64 { return c.MaxPrice }},
	},
	Map: func(m *Mapper, rec *source.Record, c *models.CommercialBlock) error {
		var err error
		c.Address = rec.String("address")
		c.Class = rec.String("class")
		if c.MinPrice, err = rec.Money("min_price"); err != nil {
			return err
		}
		if c.MaxPrice, err = rec.Money("max_price"); err != nil {
			return err
		}
		return m.mapSubways(rec)
	},
}

var CommercialPremiseDescriptor = Descriptor[models.CommercialPremise]{
	Type: models.ObjectCommercialPremise,
	Prices: []PriceField[models.CommercialPremise]{
		{Name: "price", Get: func(c *models.CommercialPremise) int64 { return c.Price }},
	},
	Map: func(m *Mapper, rec *source.Record, c *models.CommercialPremise) error {
		var err error
		c.PremiseType = rec.String("premise_type")
		if c.Price, err = rec.Money("price"); err != nil {
			return err
		}
		if c.Area, err = rec.Float("area"); err != nil {
			return err
		}
		if c.Floor, err = rec.Int("floor"); err != nil {
			return err
		}
		c.CommercialBlockID, err = m.Parent(rec, "commercial_block", models.ObjectCommercialBlock)
		return err
	},
}

func mapPriceRow(row *source.Record, minPrice, maxPrice *int64, minArea, maxArea **float64, count *int) error {
	var err error
	if *minPrice, err = row.Money("min_price"); err != nil {
		return err
	}
	if *maxPrice, err = row.Money("max_price"); err != nil {
		return err
	}
	if *minArea, err = row.Float("min_area"); err != nil {
		return err
	}
	if *maxArea, err = row.Float("max_area"); err != nil {
		return err
	}
	n, err := row.Int("count")
	if err != nil {
		return err
	}
	if n != nil {
		*count = *n
	}
	return nil
}
