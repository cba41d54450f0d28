package models

import (
	"github.com/shopspring/decimal"

	"bitbucket.org/agrofocus/farmstock_backend/utils"
)

// ConversionDetail is the typed unit-conversion snapshot stamped onto every
// line item. It is persisted as a JSON blob for traceability/display only;
// the ledger itself always stores smallest-unit quantities.
type ConversionDetail struct {
	InputUnitId    int             `json:"input_unit_id"`
	InputQty       decimal.Decimal `json:"input_qty"`
	SmallestUnitId int             `json:"smallest_unit_id"`
	SmallestQty    decimal.Decimal `json:"smallest_qty"`
	Rate           decimal.Decimal `json:"rate"`
}

func (cd ConversionDetail) ToJSON() string {
	s, err := utils.MarshalToJSON(cd)
	if err != nil {
		return "{}"
	}
	return s
}

// ToSmallestUnit resolves a quantity expressed in unitId to the item's
// smallest unit using its conversion table. Pure; no rounding beyond the
// decimal division precision, applied consistently.
//
// smallestQty = qty * input.Value / smallest.Value
func ToSmallestUnit(conversions []ItemUnitConversion, unitId int, qty decimal.Decimal) (ConversionDetail, error) {
	var input, smallest *ItemUnitConversion
	for i := range conversions {
		conv := &conversions[i]
		if conv.UnitId == unitId {
			input = conv
		}
		if conv.IsSmallest != nil && *conv.IsSmallest {
			smallest = conv
		}
	}
	if input == nil || smallest == nil {
		return ConversionDetail{}, ErrConversionNotFound
	}
	if smallest.Value.Sign() <= 0 {
		return ConversionDetail{}, ErrInvalidConversion
	}

	rate := input.Value.Div(smallest.Value)
	return ConversionDetail{
		InputUnitId:    unitId,
		InputQty:       qty,
		SmallestUnitId: smallest.UnitId,
		SmallestQty:    qty.Mul(input.Value).Div(smallest.Value),
		Rate:           rate,
	}, nil
}

// FromSmallestUnit converts a smallest-unit quantity back to the given input
// unit. Used to report shortfalls in the unit the operator typed.
func FromSmallestUnit(conversions []ItemUnitConversion, unitId int, smallestQty decimal.Decimal) (decimal.Decimal, error) {
	detail, err := ToSmallestUnit(conversions, unitId, decimal.NewFromInt(1))
	if err != nil {
		return decimal.Zero, err
	}
	if detail.Rate.Sign() <= 0 {
		return decimal.Zero, ErrInvalidConversion
	}
	return smallestQty.Div(detail.Rate), nil
}
