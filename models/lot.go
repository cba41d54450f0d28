package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Lot is the atomic unit of inventory: one inbound batch tracked separately
// for FIFO purposes. Quantities are always in the item's smallest unit.
//
// Invariant, at all times: QuantityUsed + QuantityMutatedOut <= QuantityIn.
// Lots are written only by the FIFO allocator (forward consumption), by
// mutation reversal (inverse deltas) and by the integrity auditor
// (corrective rewrite of QuantityIn).
type Lot struct {
	ID           int             `gorm:"primary_key" json:"id"`
	CompanyId    string          `gorm:"index;not null" json:"company_id"`
	FarmId       int             `gorm:"index;not null" json:"farm_id"`
	ItemId       int             `gorm:"index;not null" json:"item_id"`
	Origin       LotOrigin       `gorm:"type:enum('purchase','mutation');not null" json:"origin"`
	OriginId     int             `gorm:"index;not null" json:"origin_id"`
	ReceivedDate time.Time       `gorm:"index;not null" json:"received_date"`
	QuantityIn   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_in"`
	QuantityUsed decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_used"`
	// QuantityMutatedOut counts smallest units moved to another farm.
	QuantityMutatedOut decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_mutated_out"`
	// Amount is the monetary value of the whole lot; destination lots carry
	// a proportional share of their source lot's amount.
	Amount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	State     RecordState     `gorm:"type:enum('Active','Reversed','Purged');default:'Active';index" json:"state"`
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (l *Lot) Available() decimal.Decimal {
	return l.QuantityIn.Sub(l.QuantityUsed).Sub(l.QuantityMutatedOut)
}

// CheckInvariant returns an error when consumption exceeds intake.
func (l *Lot) CheckInvariant() error {
	if l.QuantityUsed.Add(l.QuantityMutatedOut).Cmp(l.QuantityIn) > 0 {
		return fmt.Errorf("lot %d: used %s + mutated_out %s exceeds quantity_in %s",
			l.ID, l.QuantityUsed.String(), l.QuantityMutatedOut.String(), l.QuantityIn.String())
	}
	return nil
}

// BeforeSave rejects writes that would break the lot-balance invariant.
// The allocator already guards this; the hook catches direct writes from
// maintenance paths.
func (l *Lot) BeforeSave(tx *gorm.DB) error {
	_ = tx // signature required by gorm; tx may be nil in tests
	if l == nil {
		return nil
	}
	return l.CheckInvariant()
}

// UnitCost is Amount spread over QuantityIn; zero-intake lots cost zero.
func (l *Lot) UnitCost() decimal.Decimal {
	if l.QuantityIn.IsZero() {
		return decimal.Zero
	}
	return l.Amount.Div(l.QuantityIn)
}

// fetchLotForUpdate loads one lot under a row lock inside the caller's tx.
func fetchLotForUpdate(tx *gorm.DB, companyId string, lotId int) (*Lot, error) {
	var lot Lot
	err := tx.Clauses(lockForUpdate()).
		Where("company_id = ? AND id = ?", companyId, lotId).
		First(&lot).Error
	if err != nil {
		return nil, err
	}
	return &lot, nil
}
