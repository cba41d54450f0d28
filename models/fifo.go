package models

import (
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func lockForUpdate() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

// LotConsumption selects which lot counter an allocation decrements.
type LotConsumption string

const (
	ConsumeUsage       LotConsumption = "quantity_used"
	ConsumeMutationOut LotConsumption = "quantity_mutated_out"
)

type LotAllocation struct {
	LotId int
	Qty   decimal.Decimal
}

type AllocateOptions struct {
	// DryRun computes allocations without persisting per-lot deductions.
	DryRun bool
	// AllowShortfall returns the unsatisfied remainder instead of making the
	// caller fail; most call sites treat any shortfall as InsufficientStock.
	AllowShortfall bool
	Consume        LotConsumption
}

// AllocateLots walks the active lots for (farm, item) oldest-first and
// allocates until the required smallest-unit quantity is satisfied or stock
// is exhausted, returning the per-lot allocations and any shortfall.
//
// The candidate rows are read under SELECT ... FOR UPDATE inside the caller's
// transaction, so two concurrent allocations against the same lot set are
// serialized and cannot both spend the same available quantity.
//
// The ordering received_date ASC, created_at ASC, id ASC is load-bearing:
// it IS the FIFO policy. Do not change it without an explicit policy change.
func AllocateLots(tx *gorm.DB, companyId string, farmId int, itemId int, required decimal.Decimal, opts AllocateOptions) ([]LotAllocation, decimal.Decimal, error) {
	if tx == nil {
		return nil, decimal.Zero, fmt.Errorf("allocate lots: tx is nil")
	}
	if required.Sign() <= 0 {
		return nil, decimal.Zero, fmt.Errorf("allocate lots: required quantity must be positive")
	}
	if opts.Consume == "" {
		opts.Consume = ConsumeUsage
	}

	var lots []*Lot
	err := tx.Clauses(lockForUpdate()).
		Where("company_id = ? AND farm_id = ? AND item_id = ? AND state = ?", companyId, farmId, itemId, RecordStateActive).
		Where("quantity_in - quantity_used - quantity_mutated_out > 0").
		Order("received_date ASC, created_at ASC, id ASC").
		Find(&lots).Error
	if err != nil {
		return nil, decimal.Zero, err
	}

	allocations, shortfall := walkLotsFIFO(lots, required)
	if shortfall.Sign() > 0 && !opts.AllowShortfall && !opts.DryRun {
		return allocations, shortfall, nil
	}

	if opts.DryRun {
		return allocations, shortfall, nil
	}

	for _, alloc := range allocations {
		res := tx.Exec(
			// The WHERE guard re-checks availability so a buggy caller can
			// never push a lot below zero even outside the row lock.
			fmt.Sprintf("UPDATE lots SET %s = %s + ? WHERE id = ? AND quantity_in - quantity_used - quantity_mutated_out >= ?", opts.Consume, opts.Consume),
			alloc.Qty, alloc.LotId, alloc.Qty,
		)
		if res.Error != nil {
			return nil, decimal.Zero, res.Error
		}
		if res.RowsAffected != 1 {
			return nil, decimal.Zero, fmt.Errorf("allocate lots: lot %d changed concurrently", alloc.LotId)
		}
	}

	return allocations, shortfall, nil
}

// walkLotsFIFO is the pure allocation walk over an already-ordered lot list:
// take = min(available, remaining) per lot until remaining reaches zero.
func walkLotsFIFO(lots []*Lot, required decimal.Decimal) ([]LotAllocation, decimal.Decimal) {
	remaining := required
	allocations := make([]LotAllocation, 0, len(lots))
	for _, lot := range lots {
		if remaining.Sign() <= 0 {
			break
		}
		available := lot.Available()
		if available.Sign() <= 0 {
			continue
		}
		take := decimal.Min(available, remaining)
		remaining = remaining.Sub(take)
		allocations = append(allocations, LotAllocation{LotId: lot.ID, Qty: take})
	}
	return allocations, remaining
}

// consumeSpecificLot increments one lot's consumption counter outside the
// FIFO walk. Used by in-place edits, where the delta must land on the exact
// lot the line item was allocated from.
func consumeSpecificLot(tx *gorm.DB, companyId string, lotId int, qty decimal.Decimal, consume LotConsumption) error {
	if qty.Sign() <= 0 {
		return nil
	}
	res := tx.Exec(
		fmt.Sprintf("UPDATE lots SET %s = %s + ? WHERE id = ? AND company_id = ? AND quantity_in - quantity_used - quantity_mutated_out >= ?", consume, consume),
		qty, lotId, companyId, qty,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrInsufficientStock
	}
	return nil
}

// releaseLotConsumption restores a previously persisted allocation (mutation
// deletion, history-preserving edits). The inverse of AllocateLots' write.
func releaseLotConsumption(tx *gorm.DB, companyId string, lotId int, qty decimal.Decimal, consume LotConsumption) error {
	if qty.Sign() <= 0 {
		return nil
	}
	res := tx.Exec(
		fmt.Sprintf("UPDATE lots SET %s = %s - ? WHERE id = ? AND company_id = ? AND %s >= ?", consume, consume, consume),
		qty, lotId, companyId, qty,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("release lot %d: counter %s would go negative", lotId, consume)
	}
	return nil
}
