package models

import (
	"context"
	"errors"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// MutationEditStrategy decides how an existing mutation absorbs changes.
// Both strategies leave the ledger in an identical end state for identical
// inputs; they differ only in the paper trail left behind.
type MutationEditStrategy interface {
	Name() string
	Apply(tx *gorm.DB, mutation *Mutation, input *NewMutation) error
}

// HistoryPreservingEdit reverses every existing line item (marking it
// Reversed, not removing it) and re-runs the creation path from scratch, so
// the full edit history stays visible on the mutation.
type HistoryPreservingEdit struct{}

func (HistoryPreservingEdit) Name() string { return "history_preserving" }

func (HistoryPreservingEdit) Apply(tx *gorm.DB, mutation *Mutation, input *NewMutation) error {
	companyId := mutation.CompanyId

	touched := make(map[int]bool)
	for i := range mutation.Items {
		item := &mutation.Items[i]
		if item.State != RecordStateActive {
			continue
		}
		if err := reverseMutationItem(tx, companyId, item, true); err != nil {
			return err
		}
		if err := tx.Model(&MutationItem{}).Where("id = ?", item.ID).
			Update("state", RecordStateReversed).Error; err != nil {
			return err
		}
		item.State = RecordStateReversed
		touched[item.ItemId] = true
	}
	for itemId := range touched {
		if err := RecomputeCurrentBalance(tx, companyId, mutation.FromFarmId, itemId); err != nil {
			return err
		}
		if err := RecomputeCurrentBalance(tx, companyId, mutation.ToFarmId, itemId); err != nil {
			return err
		}
	}

	return createMutationItems(tx, mutation, input.Items)
}

// HistoryLessEdit adjusts the existing line items in place: only the delta
// between old and new quantities hits the ledger, line item ids survive, and
// no reversed rows are left behind.
type HistoryLessEdit struct{}

func (HistoryLessEdit) Name() string { return "history_less" }

func (HistoryLessEdit) Apply(tx *gorm.DB, mutation *Mutation, input *NewMutation) error {
	companyId := mutation.CompanyId

	// Requested totals per item, in smallest units.
	type requestedLine struct {
		detail ConversionDetail
	}
	requested := make(map[int]*requestedLine, len(input.Items))
	for _, line := range input.Items {
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
		if prev, ok := requested[line.ItemId]; ok {
			prev.detail.SmallestQty = prev.detail.SmallestQty.Add(detail.SmallestQty)
			prev.detail.InputQty = prev.detail.InputQty.Add(detail.InputQty)
		} else {
			requested[line.ItemId] = &requestedLine{detail: detail}
		}
	}

	// Existing active totals per item.
	existing := make(map[int][]*MutationItem)
	for i := range mutation.Items {
		item := &mutation.Items[i]
		if item.State == RecordStateActive {
			existing[item.ItemId] = append(existing[item.ItemId], item)
		}
	}

	touched := make(map[int]bool)

	// Items dropped from the new set: reverse fully and remove the rows, no
	// soft-delete trail in this mode.
	for itemId, lines := range existing {
		if _, keep := requested[itemId]; keep {
			continue
		}
		for _, line := range lines {
			if err := reverseMutationItem(tx, companyId, line, true); err != nil {
				return err
			}
			if err := tx.Delete(&MutationItem{}, line.ID).Error; err != nil {
				return err
			}
			line.State = RecordStatePurged
		}
		touched[itemId] = true
		delete(existing, itemId)
	}

	for itemId, req := range requested {
		lines := existing[itemId]

		currentTotal := decimal.Zero
		for _, line := range lines {
			currentTotal = currentTotal.Add(line.Quantity)
		}
		delta := req.detail.SmallestQty.Sub(currentTotal)

		switch {
		case delta.Sign() > 0:
			if err := extendMutationItem(tx, mutation, itemId, req.detail, delta, lines); err != nil {
				return err
			}
		case delta.Sign() < 0:
			if err := shrinkMutationItems(tx, companyId, req.detail, delta.Neg(), lines); err != nil {
				return err
			}
		}

		metadata := req.detail.ToJSON()
		for _, line := range lines {
			if line.State != RecordStateActive {
				continue
			}
			if err := tx.Model(&MutationItem{}).Where("id = ?", line.ID).
				Update("unit_metadata", metadata).Error; err != nil {
				return err
			}
		}
		touched[itemId] = true
	}

	for itemId := range touched {
		if err := RecomputeCurrentBalance(tx, companyId, mutation.FromFarmId, itemId); err != nil {
			return err
		}
		if err := RecomputeCurrentBalance(tx, companyId, mutation.ToFarmId, itemId); err != nil {
			return err
		}
	}

	return refreshMutationPayload(tx, mutation, input.Items)
}

// extendMutationItem grows an item's transferred quantity by delta. It first
// tries to widen the last existing line against its own source lot; whatever
// that lot cannot cover is allocated as fresh FIFO draws on new line items.
func extendMutationItem(tx *gorm.DB, mutation *Mutation, itemId int, detail ConversionDetail, delta decimal.Decimal, lines []*MutationItem) error {
	companyId := mutation.CompanyId
	remaining := delta

	if len(lines) > 0 {
		last := lines[len(lines)-1]
		if last.SourceLotId != nil && last.DestLotId != nil {
			sourceLot, err := fetchLotForUpdate(tx, companyId, *last.SourceLotId)
			if err != nil {
				return err
			}
			take := decimal.Min(sourceLot.Available(), remaining)
			if take.Sign() > 0 {
				if err := applyLineDelta(tx, companyId, last, sourceLot, take); err != nil {
					return err
				}
				remaining = remaining.Sub(take)
			}
		}
	}

	if remaining.Sign() <= 0 {
		return nil
	}

	if detail.Rate.Sign() <= 0 {
		return ErrInvalidConversion
	}
	return createMutationItems(tx, mutation, []NewMutationItem{{
		ItemId:   itemId,
		UnitId:   detail.InputUnitId,
		Quantity: remaining.Div(detail.Rate),
	}})
}

// shrinkMutationItems reduces an item's transferred quantity by reduce,
// walking the newest line items first so the surviving allocation stays the
// FIFO prefix. A destination lot already consumed below the new quantity
// blocks the shrink with ErrMutationLocked.
func shrinkMutationItems(tx *gorm.DB, companyId string, detail ConversionDetail, reduce decimal.Decimal, lines []*MutationItem) error {
	for i := len(lines) - 1; i >= 0 && reduce.Sign() > 0; i-- {
		line := lines[i]
		if line.SourceLotId == nil || line.DestLotId == nil {
			continue
		}

		take := decimal.Min(line.Quantity, reduce)
		newQty := line.Quantity.Sub(take)

		destLot, err := fetchLotForUpdate(tx, companyId, *line.DestLotId)
		if err != nil {
			return err
		}
		consumed := destLot.QuantityUsed.Add(destLot.QuantityMutatedOut)
		if consumed.GreaterThan(newQty) {
			return ErrMutationLocked
		}

		sourceLot, err := fetchLotForUpdate(tx, companyId, *line.SourceLotId)
		if err != nil {
			return err
		}

		if newQty.IsZero() {
			if err := releaseLotConsumption(tx, companyId, sourceLot.ID, take, ConsumeMutationOut); err != nil {
				return err
			}
			if err := tx.Model(&Lot{}).Where("id = ?", destLot.ID).
				Update("state", RecordStatePurged).Error; err != nil {
				return err
			}
			if err := tx.Delete(&MutationItem{}, line.ID).Error; err != nil {
				return err
			}
			line.State = RecordStatePurged
		} else {
			if err := applyLineDelta(tx, companyId, line, sourceLot, take.Neg()); err != nil {
				return err
			}
		}
		reduce = reduce.Sub(take)
	}
	return nil
}

// applyLineDelta shifts one line item and its lot pair by a signed delta in
// smallest units, carrying value at the source lot's unit cost.
func applyLineDelta(tx *gorm.DB, companyId string, line *MutationItem, sourceLot *Lot, delta decimal.Decimal) error {
	amountDelta := delta.Mul(sourceLot.UnitCost())

	if delta.Sign() > 0 {
		if err := consumeSpecificLot(tx, companyId, sourceLot.ID, delta, ConsumeMutationOut); err != nil {
			return err
		}
	} else {
		if err := releaseLotConsumption(tx, companyId, sourceLot.ID, delta.Neg(), ConsumeMutationOut); err != nil {
			return err
		}
	}

	if err := tx.Model(&Lot{}).Where("id = ? AND company_id = ?", *line.DestLotId, companyId).
		Updates(map[string]interface{}{
			"quantity_in": gorm.Expr("quantity_in + ?", delta),
			"amount":      gorm.Expr("amount + ?", amountDelta),
		}).Error; err != nil {
		return err
	}

	newQty := line.Quantity.Add(delta)
	if err := tx.Model(&MutationItem{}).Where("id = ?", line.ID).
		Update("quantity", newQty).Error; err != nil {
		return err
	}
	line.Quantity = newQty
	return nil
}

func refreshMutationPayload(tx *gorm.DB, mutation *Mutation, inputs []NewMutationItem) error {
	companyId := mutation.CompanyId

	var payloadLines []mutationPayloadLine
	for _, line := range inputs {
		item, err := GetItemWithConversions(tx, companyId, line.ItemId)
		if err != nil {
			return ErrorItemNotFound
		}
		detail, err := ToSmallestUnit(item.Conversions, line.UnitId, line.Quantity)
		if err != nil {
			return err
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
	}

	payload, err := utils.MarshalToJSON(payloadLines)
	if err != nil {
		return err
	}
	mutation.Payload = payload
	return tx.Model(&Mutation{}).Where("id = ?", mutation.ID).Update("payload", payload).Error
}

// UpdateMutation edits an existing mutation under the chosen strategy. The
// transfer endpoints (farms, type) are fixed at creation; edits change
// dates, notes and the item set.
func UpdateMutation(ctx context.Context, id int, input *NewMutation, strategy MutationEditStrategy) (*Mutation, error) {
	db := config.GetDB()

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}
	if strategy == nil {
		strategy = HistoryPreservingEdit{}
	}

	mutation, err := utils.FetchModel[Mutation](ctx, companyId, id, "Items")
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if mutation.State != RecordStateActive {
		return nil, utils.ErrorRecordNotFound
	}

	if err := input.validate(ctx, companyId, id); err != nil {
		return nil, err
	}
	if input.Type != mutation.Type || input.FromFarmId != mutation.FromFarmId || input.ToFarmId != mutation.ToFarmId {
		return nil, errors.New("mutation type and farms cannot be changed; delete and recreate instead")
	}
	date, err := docDate(ctx, input.Date)
	if err != nil {
		return nil, err
	}
	input.Date = date

	if mutation.Type == ItemTypeLivestock {
		return updateLivestockMutation(ctx, companyId, mutation, input)
	}

	if err := utils.StockLock(ctx, companyId, "stockLock", "mutationEdit.go", "UpdateMutation"); err != nil {
		return nil, err
	}

	before := *mutation

	tx := db.Begin()

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

	if err := strategy.Apply(tx.WithContext(ctx), mutation, input); err != nil {
		tx.Rollback()
		return nil, err
	}

	recordHistory(tx.WithContext(ctx), "Update", mutation.ID, "Mutation", before, mutation, "mutation edited ("+strategy.Name()+")")

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}

	return utils.FetchModel[Mutation](ctx, companyId, id, "Items")
}
