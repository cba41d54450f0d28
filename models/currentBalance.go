package models

import (
	"context"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CurrentBalance is the denormalized quantity per (farm, item). Derived,
// never independently authoritative: always recomputable from the lots.
type CurrentBalance struct {
	ID        int             `gorm:"primary_key" json:"id"`
	CompanyId string          `gorm:"index;not null" json:"company_id"`
	FarmId    int             `gorm:"index;not null" json:"farm_id"`
	ItemId    int             `gorm:"index;not null" json:"item_id"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func firstOrCreateCurrentBalance(tx *gorm.DB, companyId string, farmId int, itemId int) (*CurrentBalance, error) {
	balance := CurrentBalance{
		CompanyId: companyId,
		FarmId:    farmId,
		ItemId:    itemId,
	}
	result := tx.Clauses(lockForUpdate()).
		Where("company_id = ? AND farm_id = ? AND item_id = ?", companyId, farmId, itemId).
		FirstOrCreate(&balance)
	if result.Error != nil {
		return nil, result.Error
	}
	return &balance, nil
}

// RecomputeCurrentBalance sums quantity_in - quantity_used - quantity_mutated_out
// across the key's active lots and upserts the balance row.
//
// Must run synchronously inside the same transaction as the ledger write that
// triggered it. A stale balance is a correctness bug, not an
// eventual-consistency tradeoff.
func RecomputeCurrentBalance(tx *gorm.DB, companyId string, farmId int, itemId int) error {
	balance, err := firstOrCreateCurrentBalance(tx, companyId, farmId, itemId)
	if err != nil {
		return err
	}

	var total decimal.Decimal
	err = tx.Model(&Lot{}).
		Select("COALESCE(SUM(quantity_in - quantity_used - quantity_mutated_out), 0)").
		Where("company_id = ? AND farm_id = ? AND item_id = ? AND state = ?", companyId, farmId, itemId, RecordStateActive).
		Scan(&total).Error
	if err != nil {
		return err
	}

	return tx.Exec("UPDATE current_balances SET quantity = ? WHERE id = ?", total, balance.ID).Error
}

// GetCurrentBalance returns the cached quantity for (farm, item); missing
// rows read as zero.
func GetCurrentBalance(ctx context.Context, farmId int, itemId int) (decimal.Decimal, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return decimal.Zero, ErrCompanyIdRequired
	}

	db := config.GetDB()
	var balance CurrentBalance
	err := db.WithContext(ctx).
		Where("company_id = ? AND farm_id = ? AND item_id = ?", companyId, farmId, itemId).
		First(&balance).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	return balance.Quantity, nil
}

// GetFarmBalances lists non-zero balances at one farm.
func GetFarmBalances(ctx context.Context, farmId int) ([]*CurrentBalance, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}
	if err := utils.ValidateResourceId[Farm](ctx, companyId, farmId); err != nil {
		return nil, err
	}

	var balances []*CurrentBalance
	db := config.GetDB()
	if err := db.WithContext(ctx).
		Where("company_id = ?", companyId).
		Where("farm_id = ?", farmId).
		Not("quantity = 0").
		Find(&balances).Error; err != nil {
		return nil, err
	}
	return balances, nil
}
