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

// SupplyUsage records consumption of feed or supplies at a single farm.
// Unlike a mutation there is no destination: the stock leaves the ledger,
// drawn FIFO against the farm's lots via quantity_used.
type SupplyUsage struct {
	ID        int               `gorm:"primary_key" json:"id"`
	CompanyId string            `gorm:"index;not null" json:"company_id"`
	FarmId    int               `gorm:"index;not null" json:"farm_id"`
	Date      time.Time         `gorm:"not null" json:"date"`
	Notes     string            `gorm:"size:255" json:"notes"`
	State     RecordState       `gorm:"type:enum('Active','Reversed','Purged');default:'Active';index" json:"state"`
	CreatedBy int               `gorm:"not null" json:"created_by"`
	Items     []SupplyUsageItem `gorm:"foreignKey:SupplyUsageId" json:"items"`
	CreatedAt time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

type SupplyUsageItem struct {
	ID            int             `gorm:"primary_key" json:"id"`
	CompanyId     string          `gorm:"index;not null" json:"company_id"`
	SupplyUsageId int             `gorm:"index;not null" json:"supply_usage_id"`
	ItemId        int             `gorm:"index;not null" json:"item_id"`
	SourceLotId   *int            `gorm:"index" json:"source_lot_id"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	UnitMetadata  string          `gorm:"type:text" json:"unit_metadata"`
	State         RecordState     `gorm:"type:enum('Active','Reversed','Purged');default:'Active';index" json:"state"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewSupplyUsage struct {
	FarmId int                  `json:"farm_id" validate:"required"`
	Date   time.Time            `json:"date" validate:"required"`
	Notes  string               `json:"notes"`
	Items  []NewSupplyUsageItem `json:"items" validate:"required,min=1,dive"`
}

type NewSupplyUsageItem struct {
	ItemId   int             `json:"item_id" validate:"required"`
	UnitId   int             `json:"unit_id" validate:"required"`
	Quantity decimal.Decimal `json:"quantity"`
}

func (input *NewSupplyUsage) validate(ctx context.Context, companyId string, _ int) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if err := utils.ValidateResourceId[Farm](ctx, companyId, input.FarmId); err != nil {
		return ErrorFarmNotFound
	}
	for _, line := range input.Items {
		if line.Quantity.Sign() <= 0 {
			return ErrorQuantityNotPositive
		}
	}
	return nil
}

// createSupplyUsageItems allocates each line against the farm's lots FIFO
// and records one line item per lot drawn.
func createSupplyUsageItems(tx *gorm.DB, usage *SupplyUsage, inputs []NewSupplyUsageItem) error {
	companyId := usage.CompanyId
	allowShortfall := config.AllowNegativeStockFor("SUPPLY_USAGE")

	for _, line := range inputs {
		item, err := GetItemWithConversions(tx, companyId, line.ItemId)
		if err != nil {
			return ErrorItemNotFound
		}
		if item.Type == ItemTypeLivestock {
			return errors.New("livestock cannot be recorded as supply usage")
		}

		detail, err := ToSmallestUnit(item.Conversions, line.UnitId, line.Quantity)
		if err != nil {
			return err
		}

		allocations, shortfall, err := AllocateLots(tx, companyId, usage.FarmId, item.ID, detail.SmallestQty, AllocateOptions{
			Consume:        ConsumeUsage,
			AllowShortfall: allowShortfall,
		})
		if err != nil {
			return err
		}
		if shortfall.Sign() > 0 && !allowShortfall {
			unitName := ""
			if unit, err := utils.FetchSingleModel[Unit](tx.Statement.Context, line.UnitId); err == nil {
				unitName = unit.Name
			}
			inputShortfall, convErr := FromSmallestUnit(item.Conversions, line.UnitId, shortfall)
			if convErr != nil {
				inputShortfall = shortfall
			}
			return &InsufficientStockError{
				ItemId:    item.ID,
				ItemName:  item.Name,
				UnitName:  unitName,
				Shortfall: inputShortfall,
			}
		}

		for _, alloc := range allocations {
			sourceLotId := alloc.LotId
			usageItem := SupplyUsageItem{
				CompanyId:     companyId,
				SupplyUsageId: usage.ID,
				ItemId:        item.ID,
				SourceLotId:   &sourceLotId,
				Quantity:      alloc.Qty,
				UnitMetadata:  detail.ToJSON(),
				State:         RecordStateActive,
			}
			if err := tx.Create(&usageItem).Error; err != nil {
				return err
			}
			usage.Items = append(usage.Items, usageItem)
		}

		if err := RecomputeCurrentBalance(tx, companyId, usage.FarmId, item.ID); err != nil {
			return err
		}
	}
	return nil
}

func CreateSupplyUsage(ctx context.Context, input *NewSupplyUsage) (*SupplyUsage, error) {
	db := config.GetDB()

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}
	if err := input.validate(ctx, companyId, 0); err != nil {
		return nil, err
	}
	date, err := docDate(ctx, input.Date)
	if err != nil {
		return nil, err
	}
	input.Date = date

	if err := utils.StockLock(ctx, companyId, "stockLock", "supplyUsage.go", "CreateSupplyUsage"); err != nil {
		return nil, err
	}

	usage := SupplyUsage{
		CompanyId: companyId,
		FarmId:    input.FarmId,
		Date:      input.Date,
		Notes:     input.Notes,
		State:     RecordStateActive,
		CreatedBy: utils.GetActorIdFromContext(ctx),
	}

	tx := db.Begin()

	if err := tx.WithContext(ctx).Create(&usage).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := createSupplyUsageItems(tx.WithContext(ctx), &usage, input.Items); err != nil {
		tx.Rollback()
		return nil, err
	}

	recordHistory(tx.WithContext(ctx), "Create", usage.ID, "SupplyUsage", nil, usage, "supply usage recorded")

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &usage, nil
}

// UpdateSupplyUsage is always history-less: existing allocations are released
// and the new item set re-allocated, so usage edits never accumulate
// reversed rows.
func UpdateSupplyUsage(ctx context.Context, id int, input *NewSupplyUsage) (*SupplyUsage, error) {
	db := config.GetDB()

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	usage, err := utils.FetchModel[SupplyUsage](ctx, companyId, id, "Items")
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if usage.State != RecordStateActive {
		return nil, utils.ErrorRecordNotFound
	}
	if err := input.validate(ctx, companyId, id); err != nil {
		return nil, err
	}
	if input.FarmId != usage.FarmId {
		return nil, errors.New("supply usage farm cannot be changed; delete and recreate instead")
	}
	date, err := docDate(ctx, input.Date)
	if err != nil {
		return nil, err
	}
	input.Date = date

	if err := utils.StockLock(ctx, companyId, "stockLock", "supplyUsage.go", "UpdateSupplyUsage"); err != nil {
		return nil, err
	}

	before := *usage

	tx := db.Begin()

	if err := releaseSupplyUsageItems(tx.WithContext(ctx), usage, true); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.WithContext(ctx).Model(&SupplyUsage{}).Where("id = ?", usage.ID).
		Updates(map[string]interface{}{
			"date":  input.Date,
			"notes": input.Notes,
		}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	usage.Date = input.Date
	usage.Notes = input.Notes
	usage.Items = nil

	if err := createSupplyUsageItems(tx.WithContext(ctx), usage, input.Items); err != nil {
		tx.Rollback()
		return nil, err
	}

	recordHistory(tx.WithContext(ctx), "Update", usage.ID, "SupplyUsage", before, usage, "supply usage edited")

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return utils.FetchModel[SupplyUsage](ctx, companyId, id, "Items")
}

// releaseSupplyUsageItems restores quantity_used on every source lot. When
// hardDelete is set the rows are removed outright (history-less edit path);
// deletion marks them Purged instead.
func releaseSupplyUsageItems(tx *gorm.DB, usage *SupplyUsage, hardDelete bool) error {
	companyId := usage.CompanyId
	touched := make(map[int]bool)

	for i := range usage.Items {
		item := &usage.Items[i]
		if item.State != RecordStateActive {
			continue
		}
		if item.SourceLotId != nil {
			if err := releaseLotConsumption(tx, companyId, *item.SourceLotId, item.Quantity, ConsumeUsage); err != nil {
				return err
			}
		}
		if hardDelete {
			if err := tx.Delete(&SupplyUsageItem{}, item.ID).Error; err != nil {
				return err
			}
		} else {
			if err := tx.Model(&SupplyUsageItem{}).Where("id = ?", item.ID).
				Update("state", RecordStatePurged).Error; err != nil {
				return err
			}
		}
		item.State = RecordStatePurged
		touched[item.ItemId] = true
	}

	for itemId := range touched {
		if err := RecomputeCurrentBalance(tx, companyId, usage.FarmId, itemId); err != nil {
			return err
		}
	}
	return nil
}

func DeleteSupplyUsage(ctx context.Context, id int) (*SupplyUsage, error) {
	db := config.GetDB()

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	usage, err := utils.FetchModel[SupplyUsage](ctx, companyId, id, "Items")
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	if err := utils.StockLock(ctx, companyId, "stockLock", "supplyUsage.go", "DeleteSupplyUsage"); err != nil {
		return nil, err
	}

	tx := db.Begin()

	if err := releaseSupplyUsageItems(tx.WithContext(ctx), usage, false); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&SupplyUsage{}).Where("id = ?", usage.ID).
		Update("state", RecordStatePurged).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	recordHistory(tx.WithContext(ctx), "Delete", usage.ID, "SupplyUsage", usage, nil, "supply usage deleted")

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	usage.State = RecordStatePurged
	return usage, nil
}

func GetSupplyUsage(ctx context.Context, id int) (*SupplyUsage, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}
	return utils.FetchModel[SupplyUsage](ctx, companyId, id, "Items")
}

func GetSupplyUsages(ctx context.Context, farmId *int) ([]*SupplyUsage, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).
		Where("company_id = ?", companyId).
		Where("state = ?", RecordStateActive)
	if farmId != nil && *farmId > 0 {
		dbCtx = dbCtx.Where("farm_id = ?", *farmId)
	}

	var usages []*SupplyUsage
	if err := dbCtx.Preload("Items").Order("date DESC, id DESC").Find(&usages).Error; err != nil {
		return nil, err
	}
	return usages, nil
}
