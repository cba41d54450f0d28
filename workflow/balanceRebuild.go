package workflow

import (
	"fmt"

	"bitbucket.org/agrofocus/farmstock_backend/models"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type balanceKey struct {
	FarmId int `gorm:"column:farm_id"`
	ItemId int `gorm:"column:item_id"`
}

// RebuildCurrentBalances recomputes every denormalized balance for a company
// from the lot ledger, one (farm, item) pair per transaction so a failure
// partway leaves prior pairs consistent. Pass a farm id to limit the scope.
// Returns the number of pairs rebuilt.
func RebuildCurrentBalances(db *gorm.DB, logger *logrus.Logger, companyId string, farmId *int) (int, error) {
	if companyId == "" {
		return 0, models.ErrCompanyIdRequired
	}

	query := db.Model(&models.Lot{}).
		Select("DISTINCT farm_id, item_id").
		Where("company_id = ?", companyId)
	if farmId != nil && *farmId > 0 {
		query = query.Where("farm_id = ?", *farmId)
	}

	var keys []balanceKey
	if err := query.Scan(&keys).Error; err != nil {
		return 0, err
	}

	// Balance rows can outlive their lots (all lots purged); pick those up too.
	orphanQuery := db.Model(&models.CurrentBalance{}).
		Select("DISTINCT farm_id, item_id").
		Where("company_id = ?", companyId)
	if farmId != nil && *farmId > 0 {
		orphanQuery = orphanQuery.Where("farm_id = ?", *farmId)
	}
	var balanceKeys []balanceKey
	if err := orphanQuery.Scan(&balanceKeys).Error; err != nil {
		return 0, err
	}

	keys = utils.UniqueSlice(append(keys, balanceKeys...))

	rebuilt := 0
	for _, key := range keys {
		tx := db.Begin()
		if err := models.RecomputeCurrentBalance(tx, companyId, key.FarmId, key.ItemId); err != nil {
			tx.Rollback()
			return rebuilt, fmt.Errorf("rebuild balance farm %d item %d: %w", key.FarmId, key.ItemId, err)
		}
		if err := tx.Commit().Error; err != nil {
			return rebuilt, err
		}
		rebuilt++

		logger.WithFields(logrus.Fields{
			"field":      "RebuildCurrentBalances",
			"company_id": companyId,
			"farm_id":    key.FarmId,
			"item_id":    key.ItemId,
		}).Info("balance rebuilt")
	}

	return rebuilt, nil
}

// RebuildItemAggregates recomputes weighted-average cost and weight for every
// item of a company from its active purchase records.
func RebuildItemAggregates(db *gorm.DB, logger *logrus.Logger, companyId string) (int, error) {
	if companyId == "" {
		return 0, models.ErrCompanyIdRequired
	}

	var itemIds []int
	if err := db.Model(&models.Item{}).
		Where("company_id = ?", companyId).
		Pluck("id", &itemIds).Error; err != nil {
		return 0, err
	}

	rebuilt := 0
	for _, itemId := range itemIds {
		tx := db.Begin()
		if err := models.RecomputeItemAggregates(tx, companyId, itemId); err != nil {
			tx.Rollback()
			return rebuilt, fmt.Errorf("rebuild aggregates item %d: %w", itemId, err)
		}
		if err := tx.Commit().Error; err != nil {
			return rebuilt, err
		}
		rebuilt++
	}

	logger.WithFields(logrus.Fields{
		"field":      "RebuildItemAggregates",
		"company_id": companyId,
		"items":      rebuilt,
	}).Info("item aggregates rebuilt")

	return rebuilt, nil
}
