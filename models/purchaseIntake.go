package models

import (
	"context"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// PurchaseRecord mirrors what the purchase subsystem hands over when goods
// arrive. The core only ever creates the corresponding lot and reads these
// rows back for reconciliation; it never mutates them.
type PurchaseRecord struct {
	ID        int    `gorm:"primary_key" json:"id"`
	CompanyId string `gorm:"index;not null" json:"company_id"`
	FarmId    int    `gorm:"index;not null" json:"farm_id"`
	ItemId    int    `gorm:"index;not null" json:"item_id"`
	// Quantity in smallest units plus the operator-entered original.
	Quantity     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	UnitId       int             `gorm:"not null" json:"unit_id"`
	InputQty     decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"input_qty"`
	Amount       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Weight       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"weight"`
	ReceivedDate time.Time       `gorm:"not null" json:"received_date"`
	State        RecordState     `gorm:"type:enum('Active','Reversed','Purged');default:'Active';index" json:"state"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewPurchaseArrival struct {
	PurchaseId   int             `json:"purchase_id" validate:"required"`
	FarmId       int             `json:"farm_id" validate:"required"`
	ItemId       int             `json:"item_id" validate:"required"`
	UnitId       int             `json:"unit_id" validate:"required"`
	Quantity     decimal.Decimal `json:"quantity"`
	Amount       decimal.Decimal `json:"amount"`
	Weight       decimal.Decimal `json:"weight"`
	ReceivedDate time.Time       `json:"received_date" validate:"required"`
}

func (input *NewPurchaseArrival) validate(ctx context.Context, companyId string) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if err := utils.ValidateResourceId[Farm](ctx, companyId, input.FarmId); err != nil {
		return ErrorFarmNotFound
	}
	if err := utils.ValidateResourceId[Item](ctx, companyId, input.ItemId); err != nil {
		return ErrorItemNotFound
	}
	return nil
}

// RegisterPurchaseArrival records the purchase handed over by the purchase
// subsystem and creates the initial purchase-origin lot, all in one
// transaction. Quantities are normalized to the item's smallest unit first.
func RegisterPurchaseArrival(ctx context.Context, input *NewPurchaseArrival) (*Lot, error) {
	db := config.GetDB()

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	if err := input.validate(ctx, companyId); err != nil {
		return nil, err
	}
	if input.Quantity.Sign() <= 0 {
		return nil, ErrorQuantityNotPositive
	}
	receivedDate, err := docDate(ctx, input.ReceivedDate)
	if err != nil {
		return nil, err
	}
	input.ReceivedDate = receivedDate

	if err := utils.StockLock(ctx, companyId, "stockLock", "purchaseIntake.go", "RegisterPurchaseArrival"); err != nil {
		return nil, err
	}

	tx := db.Begin()

	item, err := GetItemWithConversions(tx.WithContext(ctx), companyId, input.ItemId)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	detail, err := ToSmallestUnit(item.Conversions, input.UnitId, input.Quantity)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	purchase := PurchaseRecord{
		ID:           input.PurchaseId,
		CompanyId:    companyId,
		FarmId:       input.FarmId,
		ItemId:       input.ItemId,
		Quantity:     detail.SmallestQty,
		UnitId:       input.UnitId,
		InputQty:     input.Quantity,
		Amount:       input.Amount,
		Weight:       input.Weight,
		ReceivedDate: input.ReceivedDate,
		State:        RecordStateActive,
	}
	if err := tx.WithContext(ctx).Create(&purchase).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	lot := Lot{
		CompanyId:    companyId,
		FarmId:       input.FarmId,
		ItemId:       input.ItemId,
		Origin:       LotOriginPurchase,
		OriginId:     purchase.ID,
		ReceivedDate: input.ReceivedDate,
		QuantityIn:   detail.SmallestQty,
		Amount:       input.Amount,
		State:        RecordStateActive,
	}
	if err := tx.WithContext(ctx).Create(&lot).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := RecomputeCurrentBalance(tx.WithContext(ctx), companyId, input.FarmId, input.ItemId); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := RecomputeItemAggregates(tx.WithContext(ctx), companyId, input.ItemId); err != nil {
		tx.Rollback()
		return nil, err
	}

	recordHistory(tx.WithContext(ctx), "Create", lot.ID, "Lot", nil, lot, "purchase arrival lot created")

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return &lot, nil
}

// RecomputeItemAggregates rewrites the item master's weighted-average cost
// and weight from its active purchase records. The averages are display-level
// aggregates; the integrity auditor calls this when they drift.
func RecomputeItemAggregates(tx *gorm.DB, companyId string, itemId int) error {
	type row struct {
		TotalQty    decimal.Decimal
		TotalAmount decimal.Decimal
		TotalWeight decimal.Decimal
	}
	var r row
	err := tx.Model(&PurchaseRecord{}).
		Select("COALESCE(SUM(quantity),0) AS total_qty, COALESCE(SUM(amount),0) AS total_amount, COALESCE(SUM(weight),0) AS total_weight").
		Where("company_id = ? AND item_id = ? AND state = ?", companyId, itemId, RecordStateActive).
		Scan(&r).Error
	if err != nil {
		return err
	}

	avgCost := decimal.Zero
	avgWeight := decimal.Zero
	if r.TotalQty.Sign() > 0 {
		avgCost = r.TotalAmount.Div(r.TotalQty)
		avgWeight = r.TotalWeight.Div(r.TotalQty)
	}
	return tx.Exec(
		"UPDATE items SET average_unit_cost = ?, average_weight = ? WHERE company_id = ? AND id = ?",
		avgCost, avgWeight, companyId, itemId,
	).Error
}
