package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lot(id int, in, used, mutatedOut int64) *Lot {
	return &Lot{
		ID:                 id,
		QuantityIn:         decimal.NewFromInt(in),
		QuantityUsed:       decimal.NewFromInt(used),
		QuantityMutatedOut: decimal.NewFromInt(mutatedOut),
		State:              RecordStateActive,
	}
}

func TestWalkLotsFIFOTakesOldestFirst(t *testing.T) {
	lots := []*Lot{
		lot(1, 100, 30, 0), // 70 available
		lot(2, 50, 0, 0),   // 50 available
		lot(3, 200, 0, 0),  // 200 available
	}

	allocations, shortfall := walkLotsFIFO(lots, decimal.NewFromInt(100))

	require.Len(t, allocations, 2)
	assert.Equal(t, 1, allocations[0].LotId)
	assert.True(t, allocations[0].Qty.Equal(decimal.NewFromInt(70)))
	assert.Equal(t, 2, allocations[1].LotId)
	assert.True(t, allocations[1].Qty.Equal(decimal.NewFromInt(30)))
	assert.True(t, shortfall.IsZero())
}

func TestWalkLotsFIFOSkipsExhaustedLots(t *testing.T) {
	lots := []*Lot{
		lot(1, 100, 100, 0),
		lot(2, 100, 60, 40),
		lot(3, 80, 0, 0),
	}

	allocations, shortfall := walkLotsFIFO(lots, decimal.NewFromInt(50))

	require.Len(t, allocations, 1)
	assert.Equal(t, 3, allocations[0].LotId)
	assert.True(t, allocations[0].Qty.Equal(decimal.NewFromInt(50)))
	assert.True(t, shortfall.IsZero())
}

func TestWalkLotsFIFOReportsShortfall(t *testing.T) {
	lots := []*Lot{
		lot(1, 100, 70, 0),
	}

	allocations, shortfall := walkLotsFIFO(lots, decimal.NewFromInt(50))

	require.Len(t, allocations, 1)
	assert.True(t, allocations[0].Qty.Equal(decimal.NewFromInt(30)))
	assert.True(t, shortfall.Equal(decimal.NewFromInt(20)))
}

func TestWalkLotsFIFOZeroRequiredAllocatesNothing(t *testing.T) {
	allocations, shortfall := walkLotsFIFO([]*Lot{lot(1, 100, 0, 0)}, decimal.Zero)
	assert.Empty(t, allocations)
	assert.True(t, shortfall.IsZero())
}

func TestLotInvariant(t *testing.T) {
	assert.NoError(t, lot(1, 100, 60, 40).CheckInvariant())
	assert.Error(t, lot(1, 100, 70, 40).CheckInvariant())

	assert.True(t, lot(1, 100, 25, 15).Available().Equal(decimal.NewFromInt(60)))
}
