package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Item is immutable reference data for a purchasable/consumable good.
// All ledger arithmetic happens in the item's smallest unit; the conversion
// table maps every sellable unit onto it.
type Item struct {
	ID        int      `gorm:"primary_key" json:"id"`
	CompanyId string   `gorm:"index;not null" json:"company_id"`
	Name      string   `gorm:"size:100;not null" json:"name"`
	Type      ItemType `gorm:"type:enum('feed','supply','livestock');default:'feed';not null" json:"type"`

	// Aggregates maintained from purchase line items (weighted average).
	// Never authoritative for the ledger; the integrity auditor recomputes
	// them when they drift.
	AverageUnitCost decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"average_unit_cost"`
	AverageWeight   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"average_weight"`

	// Livestock mutation rules; ignored for feed/supply items.
	WeightRequired   *bool `gorm:"not null;default:false" json:"weight_required"`
	QuantityRequired *bool `gorm:"not null;default:true" json:"quantity_required"`

	Conversions []ItemUnitConversion `gorm:"foreignKey:ItemId" json:"conversions"`
	IsActive    *bool                `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

// ItemUnitConversion maps one unit onto the item's canonical scale.
// The row flagged IsSmallest defines the canonical smallest unit; quantities
// convert as qty * input.Value / smallest.Value.
type ItemUnitConversion struct {
	ID         int             `gorm:"primary_key" json:"id"`
	CompanyId  string          `gorm:"index;not null" json:"company_id"`
	ItemId     int             `gorm:"index;not null" json:"item_id"`
	UnitId     int             `gorm:"index;not null" json:"unit_id"`
	Value      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"value"`
	IsSmallest *bool           `gorm:"not null;default:false" json:"is_smallest"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewItem struct {
	Name             string                  `json:"name" validate:"required"`
	Type             ItemType                `json:"type" validate:"required"`
	WeightRequired   *bool                   `json:"weight_required"`
	QuantityRequired *bool                   `json:"quantity_required"`
	Conversions      []NewItemUnitConversion `json:"conversions" validate:"required,min=1,dive"`
}

type NewItemUnitConversion struct {
	UnitId     int             `json:"unit_id" validate:"required"`
	Value      decimal.Decimal `json:"value"`
	IsSmallest *bool           `json:"is_smallest"`
}

func (input *NewItem) validate(ctx context.Context, companyId string, id int) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if err := utils.ValidateUnique[Item](ctx, companyId, "name", input.Name, id); err != nil {
		return err
	}
	smallest := 0
	for _, conv := range input.Conversions {
		if err := utils.ValidateResourceId[Unit](ctx, companyId, conv.UnitId); err != nil {
			return errors.New("unit not found")
		}
		if conv.Value.Sign() <= 0 {
			return ErrInvalidConversion
		}
		if conv.IsSmallest != nil && *conv.IsSmallest {
			smallest++
		}
	}
	if smallest != 1 {
		return errors.New("exactly one conversion must be flagged as the smallest unit")
	}
	return nil
}

func CreateItem(ctx context.Context, input *NewItem) (*Item, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	if err := input.validate(ctx, companyId, 0); err != nil {
		return nil, err
	}

	weightRequired := input.WeightRequired
	if weightRequired == nil {
		weightRequired = utils.NewFalse()
	}
	quantityRequired := input.QuantityRequired
	if quantityRequired == nil {
		quantityRequired = utils.NewTrue()
	}

	conversions := make([]ItemUnitConversion, 0, len(input.Conversions))
	for _, conv := range input.Conversions {
		isSmallest := conv.IsSmallest
		if isSmallest == nil {
			isSmallest = utils.NewFalse()
		}
		conversions = append(conversions, ItemUnitConversion{
			CompanyId:  companyId,
			UnitId:     conv.UnitId,
			Value:      conv.Value,
			IsSmallest: isSmallest,
		})
	}

	item := Item{
		CompanyId:        companyId,
		Name:             input.Name,
		Type:             input.Type,
		WeightRequired:   weightRequired,
		QuantityRequired: quantityRequired,
		Conversions:      conversions,
		IsActive:         utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

func GetItem(ctx context.Context, id int) (*Item, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	return utils.FetchModel[Item](ctx, companyId, id, "Conversions")
}

// GetItemWithConversions is the tx-scoped variant used inside ledger flows.
func GetItemWithConversions(tx *gorm.DB, companyId string, itemId int) (*Item, error) {
	var item Item
	err := tx.Preload("Conversions").
		Where("company_id = ? AND id = ?", companyId, itemId).
		First(&item).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &item, nil
}
