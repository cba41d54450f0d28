package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Mutation is a transfer of inventory between two farms, recorded as a
// paired deduction at the source and deposit at the destination.
type Mutation struct {
	ID         int         `gorm:"primary_key" json:"id"`
	CompanyId  string      `gorm:"index;not null" json:"company_id"`
	Type       ItemType    `gorm:"type:enum('feed','supply','livestock');not null" json:"type"`
	FromFarmId int         `gorm:"index;not null" json:"from_farm_id"`
	ToFarmId   int         `gorm:"index;not null" json:"to_farm_id"`
	Date       time.Time   `gorm:"not null" json:"date"`
	Notes      string      `gorm:"size:255" json:"notes"`
	// Payload is a denormalized display snapshot (item names, unit names,
	// conversion details). For display/audit only, never authoritative.
	Payload   string         `gorm:"type:text" json:"payload"`
	State     RecordState    `gorm:"type:enum('Active','Reversed','Purged');default:'Active';index" json:"state"`
	CreatedBy int            `gorm:"not null" json:"created_by"`
	Items     []MutationItem `gorm:"foreignKey:MutationId" json:"items"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// MutationItem is one (source lot, mutation) pairing. A single logical
// transfer of N units fans out into multiple line items when FIFO draws from
// multiple lots. Quantity is always in smallest units.
type MutationItem struct {
	ID         int    `gorm:"primary_key" json:"id"`
	CompanyId  string `gorm:"index;not null" json:"company_id"`
	MutationId int    `gorm:"index;not null" json:"mutation_id"`
	ItemId     int    `gorm:"index;not null" json:"item_id"`
	// SourceLotId / DestLotId are nil for livestock mutations, which bypass
	// the lot ledger.
	SourceLotId *int            `gorm:"index" json:"source_lot_id"`
	DestLotId   *int            `gorm:"index" json:"dest_lot_id"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Weight      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"weight"`
	// UnitMetadata is the serialized ConversionDetail for traceability.
	UnitMetadata string      `gorm:"type:text" json:"unit_metadata"`
	State        RecordState `gorm:"type:enum('Active','Reversed','Purged');default:'Active';index" json:"state"`
	CreatedAt    time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewMutation struct {
	Type       ItemType          `json:"type" validate:"required"`
	FromFarmId int               `json:"from_farm_id" validate:"required"`
	ToFarmId   int               `json:"to_farm_id" validate:"required"`
	Date       time.Time         `json:"date" validate:"required"`
	Notes      string            `json:"notes"`
	Items      []NewMutationItem `json:"items" validate:"required,min=1,dive"`
}

type NewMutationItem struct {
	ItemId   int             `json:"item_id" validate:"required"`
	UnitId   int             `json:"unit_id" validate:"required"`
	Quantity decimal.Decimal `json:"quantity"`
	// Weight applies to livestock mutations only.
	Weight decimal.Decimal `json:"weight"`
}

type mutationPayloadLine struct {
	ItemId     int              `json:"item_id"`
	ItemName   string           `json:"item_name"`
	UnitName   string           `json:"unit_name"`
	Conversion ConversionDetail `json:"conversion"`
}

func (input *NewMutation) validate(ctx context.Context, companyId string, _ int) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if input.FromFarmId == input.ToFarmId {
		return errors.New("mutations cannot be made within the same farm. please choose a different one and proceed")
	}
	if err := utils.ValidateResourceId[Farm](ctx, companyId, input.FromFarmId); err != nil {
		return errors.New("source farm not found")
	}
	if err := utils.ValidateResourceId[Farm](ctx, companyId, input.ToFarmId); err != nil {
		return errors.New("destination farm not found")
	}
	for _, item := range input.Items {
		if input.Type != ItemTypeLivestock && item.Quantity.Sign() <= 0 {
			return ErrorQuantityNotPositive
		}
	}
	return nil
}

// CreateMutation moves stock between farms. Feed and supply mutations run
// through the lot ledger via FIFO allocation; livestock mutations take the
// simpler two-sided balance path (see livestock.go) and are intentionally
// not unified with lot tracking.
func CreateMutation(ctx context.Context, input *NewMutation) (*Mutation, error) {
	db := config.GetDB()

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}
	logger := config.GetLogger()
	debug := config.DebugMutation()

	if err := input.validate(ctx, companyId, 0); err != nil {
		return nil, err
	}
	date, err := docDate(ctx, input.Date)
	if err != nil {
		return nil, err
	}
	input.Date = date

	if input.Type == ItemTypeLivestock {
		return createLivestockMutation(ctx, companyId, input)
	}

	if err := utils.StockLock(ctx, companyId, "stockLock", "mutation.go", "CreateMutation"); err != nil {
		return nil, err
	}

	mutation := Mutation{
		CompanyId:  companyId,
		Type:       input.Type,
		FromFarmId: input.FromFarmId,
		ToFarmId:   input.ToFarmId,
		Date:       input.Date,
		Notes:      input.Notes,
		State:      RecordStateActive,
		CreatedBy:  utils.GetActorIdFromContext(ctx),
	}

	if debug {
		logger.WithFields(logrus.Fields{
			"field":        "CreateMutation",
			"company_id":   companyId,
			"type":         input.Type,
			"from_farm_id": input.FromFarmId,
			"to_farm_id":   input.ToFarmId,
			"items_count":  len(input.Items),
		}).Info("begin mutation create")
	}

	tx := db.Begin()

	if err := tx.WithContext(ctx).Create(&mutation).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := createMutationItems(tx.WithContext(ctx), &mutation, input.Items); err != nil {
		if debug {
			logger.WithFields(logrus.Fields{
				"field":       "CreateMutation",
				"company_id":  companyId,
				"mutation_id": mutation.ID,
				"stage":       "allocate",
				"error":       err.Error(),
			}).Error("mutation allocation failed; rollback")
		}
		tx.Rollback()
		return nil, err
	}

	recordHistory(tx.WithContext(ctx), "Create", mutation.ID, "Mutation", nil, mutation, "mutation created")

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	if debug {
		logger.WithFields(logrus.Fields{
			"field":       "CreateMutation",
			"company_id":  companyId,
			"mutation_id": mutation.ID,
			"items_count": len(mutation.Items),
		}).Info("mutation committed")
	}

	return &mutation, nil
}

// createMutationItems is the shared creation path used by CreateMutation and
// both edit strategies: resolve units, FIFO-allocate at the source, create
// destination lots and line items, recompute both balances. Appends created
// line items to mutation.Items and refreshes mutation.Payload.
func createMutationItems(tx *gorm.DB, mutation *Mutation, inputs []NewMutationItem) error {
	companyId := mutation.CompanyId
	allowShortfall := config.AllowNegativeStockFor("MUTATION")

	var payloadLines []mutationPayloadLine

	for _, line := range inputs {
		item, err := GetItemWithConversions(tx, companyId, line.ItemId)
		if err != nil {
			return ErrorItemNotFound
		}
		if item.Type != mutation.Type {
			return errors.New("item type does not match mutation type")
		}

		detail, err := ToSmallestUnit(item.Conversions, line.UnitId, line.Quantity)
		if err != nil {
			return err
		}

		allocations, shortfall, err := AllocateLots(tx, companyId, mutation.FromFarmId, item.ID, detail.SmallestQty, AllocateOptions{
			Consume:        ConsumeMutationOut,
			AllowShortfall: allowShortfall,
		})
		if err != nil {
			return err
		}
		if shortfall.Sign() > 0 && !allowShortfall {
			unit, _ := utils.FetchSingleModel[Unit](tx.Statement.Context, line.UnitId)
			unitName := ""
			if unit != nil {
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
			sourceLot, err := fetchLotForUpdate(tx, companyId, alloc.LotId)
			if err != nil {
				return err
			}

			// Carry value forward proportionally from the source lot.
			proportionalAmount := decimal.Zero
			if sourceLot.QuantityIn.Sign() > 0 {
				proportionalAmount = alloc.Qty.Div(sourceLot.QuantityIn).Mul(sourceLot.Amount)
			}

			destLot := Lot{
				CompanyId:    companyId,
				FarmId:       mutation.ToFarmId,
				ItemId:       item.ID,
				Origin:       LotOriginMutation,
				OriginId:     mutation.ID,
				ReceivedDate: mutation.Date,
				QuantityIn:   alloc.Qty,
				Amount:       proportionalAmount,
				State:        RecordStateActive,
			}
			if err := tx.Create(&destLot).Error; err != nil {
				return err
			}

			sourceLotId := alloc.LotId
			destLotId := destLot.ID
			mutationItem := MutationItem{
				CompanyId:    companyId,
				MutationId:   mutation.ID,
				ItemId:       item.ID,
				SourceLotId:  &sourceLotId,
				DestLotId:    &destLotId,
				Quantity:     alloc.Qty,
				UnitMetadata: detail.ToJSON(),
				State:        RecordStateActive,
			}
			if err := tx.Create(&mutationItem).Error; err != nil {
				return err
			}
			mutation.Items = append(mutation.Items, mutationItem)
		}

		unitName := ""
		if unit, err := utils.FetchSingleModel[Unit](tx.Statement.Context, line.UnitId); err == nil {
			unitName = unit.Name
		}
		payloadLines = append(payloadLines, mutationPayloadLine{
			ItemId:     item.ID,
			ItemName:   item.Name,
			UnitName:   unitName,
			Conversion: detail,
		})

		if err := RecomputeCurrentBalance(tx, companyId, mutation.FromFarmId, item.ID); err != nil {
			return err
		}
		if err := RecomputeCurrentBalance(tx, companyId, mutation.ToFarmId, item.ID); err != nil {
			return err
		}
	}

	payload, err := utils.MarshalToJSON(payloadLines)
	if err != nil {
		return err
	}
	mutation.Payload = payload
	return tx.Model(&Mutation{}).Where("id = ?", mutation.ID).Update("payload", payload).Error
}

// reverseMutationItem undoes one line item's ledger effects: restores the
// source lot's quantity_mutated_out and removes the destination lot that
// this mutation solely created. Fails with ErrMutationLocked when anything
// downstream has consumed the transferred stock.
func reverseMutationItem(tx *gorm.DB, companyId string, item *MutationItem, purgeDestLot bool) error {
	if item.DestLotId != nil {
		destLot, err := fetchLotForUpdate(tx, companyId, *item.DestLotId)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("mutation line %d destination lot %d: %w", item.ID, *item.DestLotId, ErrOrphanedReference)
		}
		if err != nil {
			return err
		}
		if destLot.QuantityUsed.Sign() > 0 || destLot.QuantityMutatedOut.Sign() > 0 {
			return ErrMutationLocked
		}
		if purgeDestLot {
			if err := tx.Model(&Lot{}).Where("id = ?", destLot.ID).
				Update("state", RecordStatePurged).Error; err != nil {
				return err
			}
		}
	}
	if item.SourceLotId != nil {
		if err := releaseLotConsumption(tx, companyId, *item.SourceLotId, item.Quantity, ConsumeMutationOut); err != nil {
			return err
		}
	}
	return nil
}

// DeleteMutation reverses and removes a mutation. Every destination lot must
// be untouched downstream (quantity_used = 0, nothing mutated onward), else
// the whole deletion fails with ErrMutationLocked. Create-then-delete leaves
// all touched lots and balances exactly at their pre-mutation values.
func DeleteMutation(ctx context.Context, id int) (*Mutation, error) {
	db := config.GetDB()

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	mutation, err := utils.FetchModel[Mutation](ctx, companyId, id, "Items")
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	if mutation.Type == ItemTypeLivestock {
		return deleteLivestockMutation(ctx, companyId, mutation)
	}

	if err := utils.StockLock(ctx, companyId, "stockLock", "mutation.go", "DeleteMutation"); err != nil {
		return nil, err
	}

	tx := db.Begin()

	touched := make(map[int]bool)
	for i := range mutation.Items {
		item := &mutation.Items[i]
		if item.State != RecordStateActive {
			continue
		}
		if err := reverseMutationItem(tx.WithContext(ctx), companyId, item, true); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := tx.WithContext(ctx).Model(&MutationItem{}).Where("id = ?", item.ID).
			Update("state", RecordStatePurged).Error; err != nil {
			tx.Rollback()
			return nil, err
		}
		touched[item.ItemId] = true
	}

	for itemId := range touched {
		if err := RecomputeCurrentBalance(tx.WithContext(ctx), companyId, mutation.FromFarmId, itemId); err != nil {
			tx.Rollback()
			return nil, err
		}
		if err := RecomputeCurrentBalance(tx.WithContext(ctx), companyId, mutation.ToFarmId, itemId); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := tx.WithContext(ctx).Model(&Mutation{}).Where("id = ?", mutation.ID).
		Update("state", RecordStatePurged).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	recordHistory(tx.WithContext(ctx), "Delete", mutation.ID, "Mutation", mutation, nil, "mutation deleted")

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	mutation.State = RecordStatePurged
	return mutation, nil
}

func GetMutation(ctx context.Context, id int) (*Mutation, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	return utils.FetchModel[Mutation](ctx, companyId, id, "Items")
}

// GetMutations lists active mutations, optionally filtered by type and farm.
func GetMutations(ctx context.Context, mutationType *ItemType, farmId *int) ([]*Mutation, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).
		Where("company_id = ?", companyId).
		Where("state = ?", RecordStateActive)

	if mutationType != nil {
		dbCtx = dbCtx.Where("type = ?", *mutationType)
	}
	if farmId != nil && *farmId > 0 {
		dbCtx = dbCtx.Where("from_farm_id = ? OR to_farm_id = ?", *farmId, *farmId)
	}

	var mutations []*Mutation
	if err := dbCtx.Preload("Items").Order("date DESC, id DESC").Find(&mutations).Error; err != nil {
		return nil, err
	}
	return mutations, nil
}
