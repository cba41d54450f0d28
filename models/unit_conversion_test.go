package models

import (
	"testing"

	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedConversions() []ItemUnitConversion {
	return []ItemUnitConversion{
		{UnitId: 1, Value: decimal.NewFromInt(1), IsSmallest: utils.NewTrue()}, // kg
		{UnitId: 2, Value: decimal.NewFromInt(50)},                            // sack = 50 kg
		{UnitId: 3, Value: decimal.NewFromInt(1000)},                          // ton
	}
}

func TestToSmallestUnit(t *testing.T) {
	detail, err := ToSmallestUnit(feedConversions(), 2, decimal.NewFromInt(3))
	require.NoError(t, err)

	assert.Equal(t, 2, detail.InputUnitId)
	assert.Equal(t, 1, detail.SmallestUnitId)
	assert.True(t, detail.SmallestQty.Equal(decimal.NewFromInt(150)))
	assert.True(t, detail.Rate.Equal(decimal.NewFromInt(50)))
}

func TestToSmallestUnitIdentity(t *testing.T) {
	detail, err := ToSmallestUnit(feedConversions(), 1, decimal.NewFromFloat(12.5))
	require.NoError(t, err)
	assert.True(t, detail.SmallestQty.Equal(decimal.NewFromFloat(12.5)))
	assert.True(t, detail.Rate.Equal(decimal.NewFromInt(1)))
}

func TestToSmallestUnitFractional(t *testing.T) {
	// Half a ton is 500 kg.
	detail, err := ToSmallestUnit(feedConversions(), 3, decimal.NewFromFloat(0.5))
	require.NoError(t, err)
	assert.True(t, detail.SmallestQty.Equal(decimal.NewFromInt(500)))
}

func TestToSmallestUnitUnknownUnit(t *testing.T) {
	_, err := ToSmallestUnit(feedConversions(), 99, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrConversionNotFound)
}

func TestToSmallestUnitNoSmallestFlagged(t *testing.T) {
	conversions := []ItemUnitConversion{
		{UnitId: 1, Value: decimal.NewFromInt(1)},
		{UnitId: 2, Value: decimal.NewFromInt(50)},
	}
	_, err := ToSmallestUnit(conversions, 2, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrConversionNotFound)
}

func TestToSmallestUnitInvalidSmallestValue(t *testing.T) {
	conversions := []ItemUnitConversion{
		{UnitId: 1, Value: decimal.Zero, IsSmallest: utils.NewTrue()},
		{UnitId: 2, Value: decimal.NewFromInt(50)},
	}
	_, err := ToSmallestUnit(conversions, 2, decimal.NewFromInt(1))
	assert.ErrorIs(t, err, ErrInvalidConversion)
}

func TestFromSmallestUnitRoundTrips(t *testing.T) {
	qty := decimal.NewFromFloat(7.25)

	detail, err := ToSmallestUnit(feedConversions(), 2, qty)
	require.NoError(t, err)

	back, err := FromSmallestUnit(feedConversions(), 2, detail.SmallestQty)
	require.NoError(t, err)
	assert.True(t, back.Equal(qty), "round trip %s -> %s -> %s", qty, detail.SmallestQty, back)
}
