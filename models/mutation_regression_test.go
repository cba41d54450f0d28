package models_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/models"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/shopspring/decimal"
)

type mutationFixture struct {
	farmA  *models.Farm
	farmB  *models.Farm
	kg     *models.Unit
	sack   *models.Unit
	feed   *models.Item
	lot    *models.Lot
}

// seedFeedFixture creates two farms, a feed item measured in kg (smallest)
// and 50kg sacks, and one purchase of 2 sacks = 100 kg at 200 total cost.
func seedFeedFixture(t *testing.T, ctx context.Context) *mutationFixture {
	t.Helper()

	farmA, err := models.CreateFarm(ctx, &models.NewFarm{Name: "North Farm"})
	if err != nil {
		t.Fatalf("CreateFarm A: %v", err)
	}
	farmB, err := models.CreateFarm(ctx, &models.NewFarm{Name: "South Farm"})
	if err != nil {
		t.Fatalf("CreateFarm B: %v", err)
	}

	kg, err := models.CreateUnit(ctx, &models.NewUnit{Name: "Kilogram", Abbreviation: "kg"})
	if err != nil {
		t.Fatalf("CreateUnit kg: %v", err)
	}
	sack, err := models.CreateUnit(ctx, &models.NewUnit{Name: "Sack", Abbreviation: "sck"})
	if err != nil {
		t.Fatalf("CreateUnit sack: %v", err)
	}

	feed, err := models.CreateItem(ctx, &models.NewItem{
		Name: "Starter Feed",
		Type: models.ItemTypeFeed,
		Conversions: []models.NewItemUnitConversion{
			{UnitId: kg.ID, Value: decimal.NewFromInt(1), IsSmallest: utils.NewTrue()},
			{UnitId: sack.ID, Value: decimal.NewFromInt(50)},
		},
	})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	lot, err := models.RegisterPurchaseArrival(ctx, &models.NewPurchaseArrival{
		PurchaseId:   1001,
		FarmId:       farmA.ID,
		ItemId:       feed.ID,
		UnitId:       sack.ID,
		Quantity:     decimal.NewFromInt(2),
		Amount:       decimal.NewFromInt(200),
		ReceivedDate: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RegisterPurchaseArrival: %v", err)
	}
	if !lot.QuantityIn.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("purchase lot quantity_in = %s, want 100", lot.QuantityIn)
	}

	return &mutationFixture{farmA: farmA, farmB: farmB, kg: kg, sack: sack, feed: feed, lot: lot}
}

func requireBalance(t *testing.T, ctx context.Context, farmId, itemId int, want int64) {
	t.Helper()
	got, err := models.GetCurrentBalance(ctx, farmId, itemId)
	if err != nil {
		t.Fatalf("GetCurrentBalance farm %d: %v", farmId, err)
	}
	if !got.Equal(decimal.NewFromInt(want)) {
		t.Fatalf("balance farm %d item %d = %s, want %d", farmId, itemId, got, want)
	}
}

// Document dates are calendar dates in the company's timezone. The test
// company sits in Asia/Jakarta (UTC+7), so a late-evening UTC timestamp
// lands on the next day.
func TestMutationDateNormalizedToCompanyCalendarDay(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	fx := seedFeedFixture(t, ctx)

	mutation, err := models.CreateMutation(ctx, &models.NewMutation{
		Type:       models.ItemTypeFeed,
		FromFarmId: fx.farmA.ID,
		ToFarmId:   fx.farmB.ID,
		Date:       time.Date(2026, 2, 1, 20, 30, 0, 0, time.UTC),
		Items: []models.NewMutationItem{
			{ItemId: fx.feed.ID, UnitId: fx.kg.ID, Quantity: decimal.NewFromInt(10)},
		},
	})
	if err != nil {
		t.Fatalf("CreateMutation: %v", err)
	}

	want := time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC)
	if !mutation.Date.Equal(want) {
		t.Fatalf("mutation date = %s, want %s", mutation.Date, want)
	}

	var stored models.Mutation
	if err := config.GetDB().First(&stored, mutation.ID).Error; err != nil {
		t.Fatalf("refetch mutation: %v", err)
	}
	if !stored.Date.UTC().Equal(want) {
		t.Fatalf("stored mutation date = %s, want %s", stored.Date, want)
	}
}

func TestMutationMovesStockBetweenFarms(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	fx := seedFeedFixture(t, ctx)

	mutation, err := models.CreateMutation(ctx, &models.NewMutation{
		Type:       models.ItemTypeFeed,
		FromFarmId: fx.farmA.ID,
		ToFarmId:   fx.farmB.ID,
		Date:       time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Items: []models.NewMutationItem{
			{ItemId: fx.feed.ID, UnitId: fx.kg.ID, Quantity: decimal.NewFromInt(40)},
		},
	})
	if err != nil {
		t.Fatalf("CreateMutation: %v", err)
	}

	requireBalance(t, ctx, fx.farmA.ID, fx.feed.ID, 60)
	requireBalance(t, ctx, fx.farmB.ID, fx.feed.ID, 40)

	if len(mutation.Items) != 1 {
		t.Fatalf("mutation items = %d, want 1", len(mutation.Items))
	}
	line := mutation.Items[0]
	if !line.Quantity.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("line quantity = %s, want 40", line.Quantity)
	}
	if line.SourceLotId == nil || *line.SourceLotId != fx.lot.ID {
		t.Fatalf("line source lot = %v, want %d", line.SourceLotId, fx.lot.ID)
	}

	db := config.GetDB()

	var sourceLot models.Lot
	if err := db.First(&sourceLot, fx.lot.ID).Error; err != nil {
		t.Fatalf("fetch source lot: %v", err)
	}
	if !sourceLot.QuantityMutatedOut.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("source lot mutated_out = %s, want 40", sourceLot.QuantityMutatedOut)
	}

	if line.DestLotId == nil {
		t.Fatalf("line has no destination lot")
	}
	var destLot models.Lot
	if err := db.First(&destLot, *line.DestLotId).Error; err != nil {
		t.Fatalf("fetch dest lot: %v", err)
	}
	if destLot.FarmId != fx.farmB.ID {
		t.Fatalf("dest lot farm = %d, want %d", destLot.FarmId, fx.farmB.ID)
	}
	if !destLot.QuantityIn.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("dest lot quantity_in = %s, want 40", destLot.QuantityIn)
	}
	// 40/100 of the 200 purchase cost travels with the stock.
	if !destLot.Amount.Equal(decimal.NewFromInt(80)) {
		t.Fatalf("dest lot amount = %s, want 80", destLot.Amount)
	}

	// Deleting the mutation restores the exact pre-mutation ledger.
	if _, err := models.DeleteMutation(ctx, mutation.ID); err != nil {
		t.Fatalf("DeleteMutation: %v", err)
	}
	requireBalance(t, ctx, fx.farmA.ID, fx.feed.ID, 100)
	requireBalance(t, ctx, fx.farmB.ID, fx.feed.ID, 0)

	if err := db.First(&sourceLot, fx.lot.ID).Error; err != nil {
		t.Fatalf("refetch source lot: %v", err)
	}
	if !sourceLot.QuantityMutatedOut.IsZero() {
		t.Fatalf("source lot mutated_out after delete = %s, want 0", sourceLot.QuantityMutatedOut)
	}
	if err := db.First(&destLot, destLot.ID).Error; err != nil {
		t.Fatalf("refetch dest lot: %v", err)
	}
	if destLot.State != models.RecordStatePurged {
		t.Fatalf("dest lot state after delete = %s, want Purged", destLot.State)
	}
}

func TestMutationFanOutAcrossLotsFollowsFIFO(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	fx := seedFeedFixture(t, ctx)

	// Second, newer lot: 1 sack = 50 kg at 150.
	newer, err := models.RegisterPurchaseArrival(ctx, &models.NewPurchaseArrival{
		PurchaseId:   1002,
		FarmId:       fx.farmA.ID,
		ItemId:       fx.feed.ID,
		UnitId:       fx.sack.ID,
		Quantity:     decimal.NewFromInt(1),
		Amount:       decimal.NewFromInt(150),
		ReceivedDate: time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("RegisterPurchaseArrival newer: %v", err)
	}

	// 120 kg needs 100 from the older lot plus 20 from the newer.
	mutation, err := models.CreateMutation(ctx, &models.NewMutation{
		Type:       models.ItemTypeFeed,
		FromFarmId: fx.farmA.ID,
		ToFarmId:   fx.farmB.ID,
		Date:       time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Items: []models.NewMutationItem{
			{ItemId: fx.feed.ID, UnitId: fx.kg.ID, Quantity: decimal.NewFromInt(120)},
		},
	})
	if err != nil {
		t.Fatalf("CreateMutation: %v", err)
	}

	if len(mutation.Items) != 2 {
		t.Fatalf("mutation items = %d, want 2 (fan-out)", len(mutation.Items))
	}
	first, second := mutation.Items[0], mutation.Items[1]
	if *first.SourceLotId != fx.lot.ID || !first.Quantity.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("first draw lot %d qty %s, want lot %d qty 100", *first.SourceLotId, first.Quantity, fx.lot.ID)
	}
	if *second.SourceLotId != newer.ID || !second.Quantity.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("second draw lot %d qty %s, want lot %d qty 20", *second.SourceLotId, second.Quantity, newer.ID)
	}

	requireBalance(t, ctx, fx.farmA.ID, fx.feed.ID, 30)
	requireBalance(t, ctx, fx.farmB.ID, fx.feed.ID, 120)
}

func TestMutationInsufficientStockRejectedWithShortfall(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	fx := seedFeedFixture(t, ctx)

	_, err := models.CreateMutation(ctx, &models.NewMutation{
		Type:       models.ItemTypeFeed,
		FromFarmId: fx.farmA.ID,
		ToFarmId:   fx.farmB.ID,
		Date:       time.Now(),
		Items: []models.NewMutationItem{
			{ItemId: fx.feed.ID, UnitId: fx.sack.ID, Quantity: decimal.NewFromInt(3)},
		},
	})
	if err == nil {
		t.Fatalf("CreateMutation should fail: only 2 sacks on hand")
	}
	var stockErr *models.InsufficientStockError
	if !asInsufficientStock(err, &stockErr) {
		t.Fatalf("error = %v, want InsufficientStockError", err)
	}
	// 150 kg requested, 100 on hand: 1 sack short in the requested unit.
	if !stockErr.Shortfall.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("shortfall = %s, want 1 sack", stockErr.Shortfall)
	}

	// A failed mutation must leave no ledger trace.
	requireBalance(t, ctx, fx.farmA.ID, fx.feed.ID, 100)
	requireBalance(t, ctx, fx.farmB.ID, fx.feed.ID, 0)
}

func TestMutationEditStrategiesConvergeToSameLedger(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	fx := seedFeedFixture(t, ctx)

	mutation, err := models.CreateMutation(ctx, &models.NewMutation{
		Type:       models.ItemTypeFeed,
		FromFarmId: fx.farmA.ID,
		ToFarmId:   fx.farmB.ID,
		Date:       time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Items: []models.NewMutationItem{
			{ItemId: fx.feed.ID, UnitId: fx.kg.ID, Quantity: decimal.NewFromInt(40)},
		},
	})
	if err != nil {
		t.Fatalf("CreateMutation: %v", err)
	}
	originalLineId := mutation.Items[0].ID

	// History-less grow 40 -> 60: the line item id survives.
	edited, err := models.UpdateMutation(ctx, mutation.ID, &models.NewMutation{
		Type:       models.ItemTypeFeed,
		FromFarmId: fx.farmA.ID,
		ToFarmId:   fx.farmB.ID,
		Date:       time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC),
		Items: []models.NewMutationItem{
			{ItemId: fx.feed.ID, UnitId: fx.kg.ID, Quantity: decimal.NewFromInt(60)},
		},
	}, models.HistoryLessEdit{})
	if err != nil {
		t.Fatalf("UpdateMutation history-less: %v", err)
	}

	activeLines := activeItems(edited)
	if len(activeLines) != 1 {
		t.Fatalf("active lines after history-less edit = %d, want 1", len(activeLines))
	}
	if activeLines[0].ID != originalLineId {
		t.Fatalf("history-less edit replaced line id %d with %d", originalLineId, activeLines[0].ID)
	}
	if !activeLines[0].Quantity.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("line quantity = %s, want 60", activeLines[0].Quantity)
	}
	requireBalance(t, ctx, fx.farmA.ID, fx.feed.ID, 40)
	requireBalance(t, ctx, fx.farmB.ID, fx.feed.ID, 60)

	// History-preserving shrink 60 -> 50: old line is Reversed, new one
	// appears, and the ledger lands where a fresh 50 kg mutation would.
	edited, err = models.UpdateMutation(ctx, mutation.ID, &models.NewMutation{
		Type:       models.ItemTypeFeed,
		FromFarmId: fx.farmA.ID,
		ToFarmId:   fx.farmB.ID,
		Date:       time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC),
		Items: []models.NewMutationItem{
			{ItemId: fx.feed.ID, UnitId: fx.kg.ID, Quantity: decimal.NewFromInt(50)},
		},
	}, models.HistoryPreservingEdit{})
	if err != nil {
		t.Fatalf("UpdateMutation history-preserving: %v", err)
	}

	activeLines = activeItems(edited)
	if len(activeLines) != 1 {
		t.Fatalf("active lines after history-preserving edit = %d, want 1", len(activeLines))
	}
	if activeLines[0].ID == originalLineId {
		t.Fatalf("history-preserving edit must create a new line, got id %d again", originalLineId)
	}
	if !activeLines[0].Quantity.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("line quantity = %s, want 50", activeLines[0].Quantity)
	}

	reversed := 0
	for _, line := range edited.Items {
		if line.State == models.RecordStateReversed {
			reversed++
		}
	}
	if reversed == 0 {
		t.Fatalf("history-preserving edit left no Reversed lines")
	}

	requireBalance(t, ctx, fx.farmA.ID, fx.feed.ID, 50)
	requireBalance(t, ctx, fx.farmB.ID, fx.feed.ID, 50)
}

func asInsufficientStock(err error, target **models.InsufficientStockError) bool {
	return errors.As(err, target)
}

func activeItems(mutation *models.Mutation) []models.MutationItem {
	var out []models.MutationItem
	for _, line := range mutation.Items {
		if line.State == models.RecordStateActive {
			out = append(out, line)
		}
	}
	return out
}
