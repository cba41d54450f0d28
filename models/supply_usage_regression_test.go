package models_test

import (
	"testing"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/models"
	"github.com/shopspring/decimal"
)

func TestSupplyUsageConsumesFIFOAndDeleteRestores(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	fx := seedFeedFixture(t, ctx)

	usage, err := models.CreateSupplyUsage(ctx, &models.NewSupplyUsage{
		FarmId: fx.farmA.ID,
		Date:   time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC),
		Items: []models.NewSupplyUsageItem{
			{ItemId: fx.feed.ID, UnitId: fx.kg.ID, Quantity: decimal.NewFromInt(30)},
		},
	})
	if err != nil {
		t.Fatalf("CreateSupplyUsage: %v", err)
	}

	requireBalance(t, ctx, fx.farmA.ID, fx.feed.ID, 70)

	db := config.GetDB()
	var lot models.Lot
	if err := db.First(&lot, fx.lot.ID).Error; err != nil {
		t.Fatalf("fetch lot: %v", err)
	}
	if !lot.QuantityUsed.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("lot quantity_used = %s, want 30", lot.QuantityUsed)
	}

	// History-less edit: 30 -> 10 releases the difference.
	if _, err := models.UpdateSupplyUsage(ctx, usage.ID, &models.NewSupplyUsage{
		FarmId: fx.farmA.ID,
		Date:   time.Date(2026, 2, 6, 0, 0, 0, 0, time.UTC),
		Items: []models.NewSupplyUsageItem{
			{ItemId: fx.feed.ID, UnitId: fx.kg.ID, Quantity: decimal.NewFromInt(10)},
		},
	}); err != nil {
		t.Fatalf("UpdateSupplyUsage: %v", err)
	}
	requireBalance(t, ctx, fx.farmA.ID, fx.feed.ID, 90)

	if _, err := models.DeleteSupplyUsage(ctx, usage.ID); err != nil {
		t.Fatalf("DeleteSupplyUsage: %v", err)
	}
	requireBalance(t, ctx, fx.farmA.ID, fx.feed.ID, 100)

	if err := db.First(&lot, fx.lot.ID).Error; err != nil {
		t.Fatalf("refetch lot: %v", err)
	}
	if !lot.QuantityUsed.IsZero() {
		t.Fatalf("lot quantity_used after delete = %s, want 0", lot.QuantityUsed)
	}
}

func TestSupplyUsageRejectsOverdraw(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	fx := seedFeedFixture(t, ctx)

	_, err := models.CreateSupplyUsage(ctx, &models.NewSupplyUsage{
		FarmId: fx.farmA.ID,
		Date:   time.Now(),
		Items: []models.NewSupplyUsageItem{
			{ItemId: fx.feed.ID, UnitId: fx.kg.ID, Quantity: decimal.NewFromInt(130)},
		},
	})
	if err == nil {
		t.Fatalf("CreateSupplyUsage should fail: only 100 kg on hand")
	}
	var stockErr *models.InsufficientStockError
	if !asInsufficientStock(err, &stockErr) {
		t.Fatalf("error = %v, want InsufficientStockError", err)
	}
	if !stockErr.Shortfall.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("shortfall = %s kg, want 30", stockErr.Shortfall)
	}
	requireBalance(t, ctx, fx.farmA.ID, fx.feed.ID, 100)
}

// Two writers racing for the same 100 kg lot: whatever the interleaving,
// row locks must let exactly one 60 kg usage through and reject the other.
func TestConcurrentUsagesCannotOverdrawOneLot(t *testing.T) {
	ctx := setupIntegrationEnv(t)
	fx := seedFeedFixture(t, ctx)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := models.CreateSupplyUsage(ctx, &models.NewSupplyUsage{
				FarmId: fx.farmA.ID,
				Date:   time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC),
				Items: []models.NewSupplyUsageItem{
					{ItemId: fx.feed.ID, UnitId: fx.kg.ID, Quantity: decimal.NewFromInt(60)},
				},
			})
			results <- err
		}()
	}

	var succeeded, rejected int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			succeeded++
			continue
		}
		var stockErr *models.InsufficientStockError
		if !asInsufficientStock(err, &stockErr) {
			t.Fatalf("error = %v, want InsufficientStockError", err)
		}
		rejected++
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("succeeded = %d, rejected = %d; want exactly one of each", succeeded, rejected)
	}

	db := config.GetDB()
	var lot models.Lot
	if err := db.First(&lot, fx.lot.ID).Error; err != nil {
		t.Fatalf("fetch lot: %v", err)
	}
	if !lot.QuantityUsed.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("lot quantity_used = %s, want 60", lot.QuantityUsed)
	}
	if err := lot.CheckInvariant(); err != nil {
		t.Fatalf("lot invariant after race: %v", err)
	}
	requireBalance(t, ctx, fx.farmA.ID, fx.feed.ID, 40)
}
