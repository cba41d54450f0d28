package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LivestockBalance tracks head count and total weight per (farm, item).
// Livestock deliberately bypasses the lot ledger: animals are not
// interchangeable FIFO units, so mutations adjust the two balances directly.
type LivestockBalance struct {
	ID          int             `gorm:"primary_key" json:"id"`
	CompanyId   string          `gorm:"uniqueIndex:unique_livestock_balance;not null" json:"company_id"`
	FarmId      int             `gorm:"uniqueIndex:unique_livestock_balance;not null" json:"farm_id"`
	ItemId      int             `gorm:"uniqueIndex:unique_livestock_balance;not null" json:"item_id"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	TotalWeight decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_weight"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func fetchLivestockBalanceForUpdate(tx *gorm.DB, companyId string, farmId int, itemId int) (*LivestockBalance, error) {
	var balance LivestockBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(LivestockBalance{CompanyId: companyId, FarmId: farmId, ItemId: itemId}).
		FirstOrCreate(&balance).Error
	if err != nil {
		return nil, err
	}
	return &balance, nil
}

// adjustLivestockBalance shifts a farm's head count and weight by signed
// deltas, refusing to push either below zero.
func adjustLivestockBalance(tx *gorm.DB, companyId string, farmId int, itemId int, qtyDelta decimal.Decimal, weightDelta decimal.Decimal) error {
	balance, err := fetchLivestockBalanceForUpdate(tx, companyId, farmId, itemId)
	if err != nil {
		return err
	}

	newQty := balance.Quantity.Add(qtyDelta)
	newWeight := balance.TotalWeight.Add(weightDelta)
	if newQty.Sign() < 0 || newWeight.Sign() < 0 {
		return ErrInsufficientStock
	}

	return tx.Model(&LivestockBalance{}).Where("id = ?", balance.ID).
		Updates(map[string]interface{}{
			"quantity":     newQty,
			"total_weight": newWeight,
		}).Error
}

// validateLivestockLine enforces the item's configured recording rules:
// WeightRequired and QuantityRequired are per-item flags, so a farm can track
// broilers by weight only and layers by head count only.
func validateLivestockLine(item *Item, line NewMutationItem) error {
	weightRequired := item.WeightRequired != nil && *item.WeightRequired
	quantityRequired := item.QuantityRequired != nil && *item.QuantityRequired

	if quantityRequired && line.Quantity.Sign() <= 0 {
		return errors.New("quantity is required for item " + item.Name)
	}
	if weightRequired && line.Weight.Sign() <= 0 {
		return errors.New("weight is required for item " + item.Name)
	}
	if line.Quantity.Sign() < 0 || line.Weight.Sign() < 0 {
		return ErrorQuantityNotPositive
	}
	if line.Quantity.IsZero() && line.Weight.IsZero() {
		return errors.New("livestock mutation line must carry a quantity or a weight")
	}
	return nil
}

func createLivestockMutation(ctx context.Context, companyId string, input *NewMutation) (*Mutation, error) {
	db := config.GetDB()

	if err := utils.StockLock(ctx, companyId, "stockLock", "livestock.go", "createLivestockMutation"); err != nil {
		return nil, err
	}

	mutation := Mutation{
		CompanyId:  companyId,
		Type:       ItemTypeLivestock,
		FromFarmId: input.FromFarmId,
		ToFarmId:   input.ToFarmId,
		Date:       input.Date,
		Notes:      input.Notes,
		State:      RecordStateActive,
		CreatedBy:  utils.GetActorIdFromContext(ctx),
	}

	tx := db.Begin()

	if err := tx.WithContext(ctx).Create(&mutation).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := applyLivestockLines(tx.WithContext(ctx), &mutation, input.Items); err != nil {
		tx.Rollback()
		return nil, err
	}

	recordHistory(tx.WithContext(ctx), "Create", mutation.ID, "Mutation", nil, mutation, "livestock mutation created")

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &mutation, nil
}

// applyLivestockLines moves head count and weight between the two farms and
// records the line items. No lots, no unit conversion: livestock quantities
// are head counts already.
func applyLivestockLines(tx *gorm.DB, mutation *Mutation, inputs []NewMutationItem) error {
	companyId := mutation.CompanyId

	var payloadLines []mutationPayloadLine
	for _, line := range inputs {
		item, err := GetItemWithConversions(tx, companyId, line.ItemId)
		if err != nil {
			return ErrorItemNotFound
		}
		if item.Type != ItemTypeLivestock {
			return errors.New("item type does not match mutation type")
		}
		if err := validateLivestockLine(item, line); err != nil {
			return err
		}

		if err := adjustLivestockBalance(tx, companyId, mutation.FromFarmId, item.ID, line.Quantity.Neg(), line.Weight.Neg()); err != nil {
			return err
		}
		if err := adjustLivestockBalance(tx, companyId, mutation.ToFarmId, item.ID, line.Quantity, line.Weight); err != nil {
			return err
		}

		mutationItem := MutationItem{
			CompanyId:  companyId,
			MutationId: mutation.ID,
			ItemId:     item.ID,
			Quantity:   line.Quantity,
			Weight:     line.Weight,
			State:      RecordStateActive,
		}
		if err := tx.Create(&mutationItem).Error; err != nil {
			return err
		}
		mutation.Items = append(mutation.Items, mutationItem)

		payloadLines = append(payloadLines, mutationPayloadLine{
			ItemId:   item.ID,
			ItemName: item.Name,
		})
	}

	payload, err := utils.MarshalToJSON(payloadLines)
	if err != nil {
		return err
	}
	mutation.Payload = payload
	return tx.Model(&Mutation{}).Where("id = ?", mutation.ID).Update("payload", payload).Error
}

// reverseLivestockLines is the exact inverse of applyLivestockLines over the
// mutation's active line items.
func reverseLivestockLines(tx *gorm.DB, mutation *Mutation, finalState RecordState) error {
	companyId := mutation.CompanyId
	for i := range mutation.Items {
		item := &mutation.Items[i]
		if item.State != RecordStateActive {
			continue
		}
		if err := adjustLivestockBalance(tx, companyId, mutation.ToFarmId, item.ItemId, item.Quantity.Neg(), item.Weight.Neg()); err != nil {
			return err
		}
		if err := adjustLivestockBalance(tx, companyId, mutation.FromFarmId, item.ItemId, item.Quantity, item.Weight); err != nil {
			return err
		}
		if err := tx.Model(&MutationItem{}).Where("id = ?", item.ID).
			Update("state", finalState).Error; err != nil {
			return err
		}
		item.State = finalState
	}
	return nil
}

func deleteLivestockMutation(ctx context.Context, companyId string, mutation *Mutation) (*Mutation, error) {
	db := config.GetDB()

	if err := utils.StockLock(ctx, companyId, "stockLock", "livestock.go", "deleteLivestockMutation"); err != nil {
		return nil, err
	}

	tx := db.Begin()

	if err := reverseLivestockLines(tx.WithContext(ctx), mutation, RecordStatePurged); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&Mutation{}).Where("id = ?", mutation.ID).
		Update("state", RecordStatePurged).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	recordHistory(tx.WithContext(ctx), "Delete", mutation.ID, "Mutation", mutation, nil, "livestock mutation deleted")

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	mutation.State = RecordStatePurged
	return mutation, nil
}

func updateLivestockMutation(ctx context.Context, companyId string, mutation *Mutation, input *NewMutation) (*Mutation, error) {
	db := config.GetDB()

	if err := utils.StockLock(ctx, companyId, "stockLock", "livestock.go", "updateLivestockMutation"); err != nil {
		return nil, err
	}

	before := *mutation

	tx := db.Begin()

	// Livestock edits are always reverse-and-reapply; there are no lot links
	// to preserve, so the strategy distinction collapses.
	if err := reverseLivestockLines(tx.WithContext(ctx), mutation, RecordStateReversed); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.WithContext(ctx).Model(&Mutation{}).Where("id = ?", mutation.ID).
		Updates(map[string]interface{}{
			"date":  input.Date,
			"notes": input.Notes,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	mutation.Date = input.Date
	mutation.Notes = input.Notes

	if err := applyLivestockLines(tx.WithContext(ctx), mutation, input.Items); err != nil {
		tx.Rollback()
		return nil, err
	}

	recordHistory(tx.WithContext(ctx), "Update", mutation.ID, "Mutation", before, mutation, "livestock mutation edited")

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return utils.FetchModel[Mutation](ctx, companyId, mutation.ID, "Items")
}

// GetLivestockBalance returns the head count and weight at one farm.
func GetLivestockBalance(ctx context.Context, farmId int, itemId int) (*LivestockBalance, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	db := config.GetDB()
	var balance LivestockBalance
	err := db.WithContext(ctx).
		Where("company_id = ? AND farm_id = ? AND item_id = ?", companyId, farmId, itemId).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &LivestockBalance{CompanyId: companyId, FarmId: farmId, ItemId: itemId}, nil
		}
		return nil, err
	}
	return &balance, nil
}
