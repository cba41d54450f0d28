package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// IntegrityFinding is one detected inconsistency between the ledger and its
// source documents or derived values, with the proposed repair attached.
type IntegrityFinding struct {
	Type        FindingType `json:"type"`
	ModelType   string      `json:"model_type"`
	ModelId     int         `json:"model_id"`
	FarmId      int         `json:"farm_id"`
	ItemId      int         `json:"item_id"`
	Description string      `json:"description"`
	Before      string      `json:"before"`
	After       string      `json:"after"`
	Action      AuditAction `json:"action"`
	// Fixable is false for findings that need a human decision, most
	// importantly invariant violations which are never auto-repaired.
	Fixable bool `json:"fixable"`
}

type IntegrityReport struct {
	CompanyId     string             `json:"company_id"`
	CorrelationId uuid.UUID          `json:"correlation_id"`
	Findings      []IntegrityFinding `json:"findings"`
	Fixed         int                `json:"fixed"`
	Escalated     int                `json:"escalated"`
	GeneratedAt   time.Time          `json:"generated_at"`
}

// PreviewIntegrity scans the company's ledger without taking locks or
// writing anything and reports every inconsistency with its proposed repair.
// The same scan backs FixIntegrity, so preview-then-fix sees the same
// findings unless the ledger moved in between.
func PreviewIntegrity(ctx context.Context) (*IntegrityReport, error) {
	db := config.GetDB()

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	findings, err := scanIntegrity(db.WithContext(ctx), companyId)
	if err != nil {
		return nil, err
	}

	return &IntegrityReport{
		CompanyId:     companyId,
		CorrelationId: uuid.New(),
		Findings:      findings,
		GeneratedAt:   time.Now(),
	}, nil
}

// FixIntegrity scans and repairs. Each finding is fixed in its own
// transaction with a full before/after AuditRecord, so a failure mid-run
// leaves earlier repairs committed and individually rollback-able. After
// every lot repair the invariant is re-checked: a fix that would drive
// used + mutated_out past quantity_in is rolled back and escalated as an
// InvariantViolation finding instead of applied.
func FixIntegrity(ctx context.Context) (*IntegrityReport, error) {
	db := config.GetDB()
	logger := config.GetLogger()

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	if err := utils.StockLock(ctx, companyId, "stockLock", "integrityAuditor.go", "FixIntegrity"); err != nil {
		return nil, err
	}

	findings, err := scanIntegrity(db.WithContext(ctx), companyId)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{
		CompanyId:     companyId,
		CorrelationId: uuid.New(),
		GeneratedAt:   time.Now(),
	}
	actorId := utils.GetActorIdFromContext(ctx)

	for _, finding := range findings {
		if !finding.Fixable {
			report.Findings = append(report.Findings, finding)
			continue
		}

		tx := db.Begin()
		escalated, err := applyIntegrityFix(tx.WithContext(ctx), companyId, &finding, actorId, report.CorrelationId)
		if err != nil {
			tx.Rollback()
			config.LogError(logger, "models", "FixIntegrity", finding.Description, finding, err)
			return nil, err
		}
		if escalated != nil {
			tx.Rollback()
			report.Findings = append(report.Findings, *escalated)
			report.Escalated++
			logger.WithFields(logrus.Fields{
				"field":       "FixIntegrity",
				"company_id":  companyId,
				"model_type":  escalated.ModelType,
				"model_id":    escalated.ModelId,
				"description": escalated.Description,
			}).Error("fix escalated: would violate lot invariant")
			continue
		}
		if err := tx.Commit().Error; err != nil {
			return nil, err
		}
		report.Findings = append(report.Findings, finding)
		report.Fixed++
	}

	return report, nil
}

// applyIntegrityFix applies one repair inside tx. Returns a non-nil escalated
// finding (and no error) when the repair must not be committed.
func applyIntegrityFix(tx *gorm.DB, companyId string, finding *IntegrityFinding, actorId int, correlationId uuid.UUID) (*IntegrityFinding, error) {
	switch finding.Type {

	case FindingOrphanedLot:
		lot, err := fetchLotForUpdate(tx, companyId, finding.ModelId)
		if err != nil {
			return nil, err
		}
		if _, err := writeAuditRecord(tx, companyId, "Lot", lot.ID, AuditActionDeleteLot, lot, nil, actorId, correlationId); err != nil {
			return nil, err
		}
		if err := tx.Model(&Lot{}).Where("id = ?", lot.ID).
			Update("state", RecordStatePurged).Error; err != nil {
			return nil, err
		}
		return nil, RecomputeCurrentBalance(tx, companyId, lot.FarmId, lot.ItemId)

	case FindingMissingLot:
		purchase, err := utils.FetchModel[PurchaseRecord](tx.Statement.Context, companyId, finding.ModelId)
		if err != nil {
			return nil, err
		}
		lot := Lot{
			CompanyId:    companyId,
			FarmId:       purchase.FarmId,
			ItemId:       purchase.ItemId,
			Origin:       LotOriginPurchase,
			OriginId:     purchase.ID,
			ReceivedDate: purchase.ReceivedDate,
			QuantityIn:   purchase.Quantity,
			Amount:       purchase.Amount,
			State:        RecordStateActive,
		}
		if err := tx.Create(&lot).Error; err != nil {
			return nil, err
		}
		if _, err := writeAuditRecord(tx, companyId, "Lot", lot.ID, AuditActionSynthesizeLot, nil, lot, actorId, correlationId); err != nil {
			return nil, err
		}
		return nil, RecomputeCurrentBalance(tx, companyId, purchase.FarmId, purchase.ItemId)

	case FindingPurchaseQtyMismatch, FindingMutationQtyMismatch:
		lot, err := fetchLotForUpdate(tx, companyId, finding.ModelId)
		if err != nil {
			return nil, err
		}
		var expected Lot
		if err := utils.UnmarshalFromJSON([]byte(finding.After), &expected); err != nil {
			return nil, err
		}

		adjusted := *lot
		adjusted.QuantityIn = expected.QuantityIn
		if err := adjusted.CheckInvariant(); err != nil {
			return &IntegrityFinding{
				Type:        FindingInvariantViolation,
				ModelType:   "Lot",
				ModelId:     lot.ID,
				FarmId:      lot.FarmId,
				ItemId:      lot.ItemId,
				Description: fmt.Sprintf("rewriting lot %d quantity_in to %s would leave used+mutated_out (%s) above it; needs manual resolution", lot.ID, expected.QuantityIn, lot.QuantityUsed.Add(lot.QuantityMutatedOut)),
				Before:      finding.Before,
				Action:      finding.Action,
				Fixable:     false,
			}, nil
		}

		if _, err := writeAuditRecord(tx, companyId, "Lot", lot.ID, AuditActionRewriteQuantity, lot, adjusted, actorId, correlationId); err != nil {
			return nil, err
		}
		if err := tx.Model(&Lot{}).Where("id = ?", lot.ID).
			Update("quantity_in", expected.QuantityIn).Error; err != nil {
			return nil, err
		}
		return nil, RecomputeCurrentBalance(tx, companyId, lot.FarmId, lot.ItemId)

	case FindingAggregateDrift:
		item, err := utils.FetchModel[Item](tx.Statement.Context, companyId, finding.ModelId)
		if err != nil {
			return nil, err
		}
		if _, err := writeAuditRecord(tx, companyId, "Item", item.ID, AuditActionRecomputeAverage, item, nil, actorId, correlationId); err != nil {
			return nil, err
		}
		return nil, RecomputeItemAggregates(tx, companyId, item.ID)

	case FindingBalanceMismatch:
		var balance CurrentBalance
		if err := tx.Where("company_id = ? AND farm_id = ? AND item_id = ?", companyId, finding.FarmId, finding.ItemId).
			First(&balance).Error; err != nil && err != gorm.ErrRecordNotFound {
			return nil, err
		}
		if _, err := writeAuditRecord(tx, companyId, "CurrentBalance", balance.ID, AuditActionRecomputeBalance, balance, nil, actorId, correlationId); err != nil {
			return nil, err
		}
		return nil, RecomputeCurrentBalance(tx, companyId, finding.FarmId, finding.ItemId)

	default:
		return nil, fmt.Errorf("no repair implemented for finding type %s", finding.Type)
	}
}

// scanIntegrity runs every consistency check lock-free and returns findings
// in a deterministic order (by check, then by row id).
func scanIntegrity(db *gorm.DB, companyId string) ([]IntegrityFinding, error) {
	var findings []IntegrityFinding

	checks := []func(*gorm.DB, string) ([]IntegrityFinding, error){
		scanOrphanedLots,
		scanMissingLots,
		scanPurchaseQtyMismatches,
		scanMutationQtyMismatches,
		scanDanglingLineItems,
		scanInvariantViolations,
		scanAggregateDrift,
		scanBalanceMismatches,
	}
	for _, check := range checks {
		found, err := check(db, companyId)
		if err != nil {
			return nil, err
		}
		findings = append(findings, found...)
	}
	return findings, nil
}

// scanOrphanedLots finds active lots whose origin document is gone or no
// longer active: purchase-origin lots without a live purchase record, and
// mutation-origin lots without a live mutation.
func scanOrphanedLots(db *gorm.DB, companyId string) ([]IntegrityFinding, error) {
	var purchaseLots []Lot
	err := db.
		Where("company_id = ? AND origin = ? AND state = ?", companyId, LotOriginPurchase, RecordStateActive).
		Where("origin_id NOT IN (?)",
			db.Session(&gorm.Session{NewDB: true}).Model(&PurchaseRecord{}).Select("id").
				Where("company_id = ? AND state = ?", companyId, RecordStateActive)).
		Order("id ASC").
		Find(&purchaseLots).Error
	if err != nil {
		return nil, err
	}

	var mutationLots []Lot
	err = db.
		Where("company_id = ? AND origin = ? AND state = ?", companyId, LotOriginMutation, RecordStateActive).
		Where("origin_id NOT IN (?)",
			db.Session(&gorm.Session{NewDB: true}).Model(&Mutation{}).Select("id").
				Where("company_id = ? AND state = ?", companyId, RecordStateActive)).
		Order("id ASC").
		Find(&mutationLots).Error
	if err != nil {
		return nil, err
	}

	findings := make([]IntegrityFinding, 0, len(purchaseLots)+len(mutationLots))
	appendFinding := func(lot *Lot, originName string) {
		before, _ := utils.MarshalToJSON(lot)
		findings = append(findings, IntegrityFinding{
			Type:        FindingOrphanedLot,
			ModelType:   "Lot",
			ModelId:     lot.ID,
			FarmId:      lot.FarmId,
			ItemId:      lot.ItemId,
			Description: fmt.Sprintf("lot %d references %s %d which no longer exists", lot.ID, originName, lot.OriginId),
			Before:      before,
			Action:      AuditActionDeleteLot,
			Fixable:     true,
		})
	}
	for i := range purchaseLots {
		appendFinding(&purchaseLots[i], "purchase")
	}
	for i := range mutationLots {
		appendFinding(&mutationLots[i], "mutation")
	}
	return findings, nil
}

// scanMissingLots finds active purchase records with no active lot behind
// them.
func scanMissingLots(db *gorm.DB, companyId string) ([]IntegrityFinding, error) {
	var purchases []PurchaseRecord
	err := db.
		Where("company_id = ? AND state = ?", companyId, RecordStateActive).
		Where("id NOT IN (?)",
			db.Session(&gorm.Session{NewDB: true}).Model(&Lot{}).Select("origin_id").
				Where("company_id = ? AND origin = ? AND state = ?", companyId, LotOriginPurchase, RecordStateActive)).
		Order("id ASC").
		Find(&purchases).Error
	if err != nil {
		return nil, err
	}

	findings := make([]IntegrityFinding, 0, len(purchases))
	for i := range purchases {
		purchase := &purchases[i]
		after, _ := utils.MarshalToJSON(Lot{
			CompanyId:    companyId,
			FarmId:       purchase.FarmId,
			ItemId:       purchase.ItemId,
			Origin:       LotOriginPurchase,
			OriginId:     purchase.ID,
			ReceivedDate: purchase.ReceivedDate,
			QuantityIn:   purchase.Quantity,
			Amount:       purchase.Amount,
			State:        RecordStateActive,
		})
		findings = append(findings, IntegrityFinding{
			Type:        FindingMissingLot,
			ModelType:   "PurchaseRecord",
			ModelId:     purchase.ID,
			FarmId:      purchase.FarmId,
			ItemId:      purchase.ItemId,
			Description: fmt.Sprintf("purchase %d has no lot; one will be synthesized for %s smallest units", purchase.ID, purchase.Quantity),
			After:       after,
			Action:      AuditActionSynthesizeLot,
			Fixable:     true,
		})
	}
	return findings, nil
}

func scanPurchaseQtyMismatches(db *gorm.DB, companyId string) ([]IntegrityFinding, error) {
	type mismatchRow struct {
		Lot
		PurchaseQty decimal.Decimal `gorm:"column:purchase_qty"`
	}
	var rows []mismatchRow
	err := db.Model(&Lot{}).
		Select("lots.*, purchase_records.quantity AS purchase_qty").
		Joins("JOIN purchase_records ON purchase_records.id = lots.origin_id AND purchase_records.company_id = lots.company_id").
		Where("lots.company_id = ? AND lots.origin = ? AND lots.state = ? AND purchase_records.state = ?",
			companyId, LotOriginPurchase, RecordStateActive, RecordStateActive).
		Where("lots.quantity_in <> purchase_records.quantity").
		Order("lots.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	findings := make([]IntegrityFinding, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		before, _ := utils.MarshalToJSON(row.Lot)
		expected := row.Lot
		expected.QuantityIn = row.PurchaseQty
		after, _ := utils.MarshalToJSON(expected)
		findings = append(findings, IntegrityFinding{
			Type:        FindingPurchaseQtyMismatch,
			ModelType:   "Lot",
			ModelId:     row.Lot.ID,
			FarmId:      row.Lot.FarmId,
			ItemId:      row.Lot.ItemId,
			Description: fmt.Sprintf("lot %d quantity_in %s disagrees with purchase %d quantity %s", row.Lot.ID, row.Lot.QuantityIn, row.Lot.OriginId, row.PurchaseQty),
			Before:      before,
			After:       after,
			Action:      AuditActionRewriteQuantity,
			Fixable:     true,
		})
	}
	return findings, nil
}

func scanMutationQtyMismatches(db *gorm.DB, companyId string) ([]IntegrityFinding, error) {
	type mismatchRow struct {
		Lot
		LineQty decimal.Decimal `gorm:"column:line_qty"`
	}
	var rows []mismatchRow
	err := db.Model(&Lot{}).
		Select("lots.*, mutation_items.quantity AS line_qty").
		Joins("JOIN mutation_items ON mutation_items.dest_lot_id = lots.id AND mutation_items.company_id = lots.company_id").
		Where("lots.company_id = ? AND lots.origin = ? AND lots.state = ? AND mutation_items.state = ?",
			companyId, LotOriginMutation, RecordStateActive, RecordStateActive).
		Where("lots.quantity_in <> mutation_items.quantity").
		Order("lots.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	findings := make([]IntegrityFinding, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		before, _ := utils.MarshalToJSON(row.Lot)
		expected := row.Lot
		expected.QuantityIn = row.LineQty
		after, _ := utils.MarshalToJSON(expected)
		findings = append(findings, IntegrityFinding{
			Type:        FindingMutationQtyMismatch,
			ModelType:   "Lot",
			ModelId:     row.Lot.ID,
			FarmId:      row.Lot.FarmId,
			ItemId:      row.Lot.ItemId,
			Description: fmt.Sprintf("lot %d quantity_in %s disagrees with its mutation line quantity %s", row.Lot.ID, row.Lot.QuantityIn, row.LineQty),
			Before:      before,
			After:       after,
			Action:      AuditActionRewriteQuantity,
			Fixable:     true,
		})
	}
	return findings, nil
}

// scanDanglingLineItems finds active mutation line items whose source or
// destination lot (or parent mutation) is gone. Never auto-repaired: the
// line item is the only surviving record of the consumption, and purging it
// would destroy the evidence without reversing the ledger effect.
func scanDanglingLineItems(db *gorm.DB, companyId string) ([]IntegrityFinding, error) {
	activeLots := db.Session(&gorm.Session{NewDB: true}).Model(&Lot{}).Select("id").
		Where("company_id = ? AND state <> ?", companyId, RecordStatePurged)
	activeMutations := db.Session(&gorm.Session{NewDB: true}).Model(&Mutation{}).Select("id").
		Where("company_id = ? AND state = ?", companyId, RecordStateActive)

	var items []MutationItem
	err := db.
		Where("company_id = ? AND state = ?", companyId, RecordStateActive).
		Where("source_lot_id IS NOT NULL").
		Where("source_lot_id NOT IN (?) OR dest_lot_id NOT IN (?) OR mutation_id NOT IN (?)",
			activeLots, activeLots, activeMutations).
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}

	findings := make([]IntegrityFinding, 0, len(items))
	for i := range items {
		item := &items[i]
		before, _ := utils.MarshalToJSON(item)
		findings = append(findings, IntegrityFinding{
			Type:        FindingDanglingLineItem,
			ModelType:   "MutationItem",
			ModelId:     item.ID,
			ItemId:      item.ItemId,
			Description: fmt.Sprintf("mutation line %d references a missing lot or mutation; needs manual resolution", item.ID),
			Before:      before,
			Fixable:     false,
		})
	}
	return findings, nil
}

// scanInvariantViolations reports lots already past the invariant. These are
// never auto-repaired: choosing which consumer to unwind is a human call.
func scanInvariantViolations(db *gorm.DB, companyId string) ([]IntegrityFinding, error) {
	var lots []Lot
	err := db.
		Where("company_id = ? AND state = ?", companyId, RecordStateActive).
		Where("quantity_used + quantity_mutated_out > quantity_in").
		Order("id ASC").
		Find(&lots).Error
	if err != nil {
		return nil, err
	}

	findings := make([]IntegrityFinding, 0, len(lots))
	for i := range lots {
		lot := &lots[i]
		before, _ := utils.MarshalToJSON(lot)
		findings = append(findings, IntegrityFinding{
			Type:        FindingInvariantViolation,
			ModelType:   "Lot",
			ModelId:     lot.ID,
			FarmId:      lot.FarmId,
			ItemId:      lot.ItemId,
			Description: fmt.Sprintf("lot %d consumption %s exceeds quantity_in %s; needs manual resolution", lot.ID, lot.QuantityUsed.Add(lot.QuantityMutatedOut), lot.QuantityIn),
			Before:      before,
			Fixable:     false,
		})
	}
	return findings, nil
}

func scanAggregateDrift(db *gorm.DB, companyId string) ([]IntegrityFinding, error) {
	type driftRow struct {
		ItemId      int             `gorm:"column:item_id"`
		CurrentCost decimal.Decimal `gorm:"column:current_cost"`
		ActualCost  decimal.Decimal `gorm:"column:actual_cost"`
	}
	var rows []driftRow
	err := db.Raw(`
		SELECT items.id AS item_id,
		       items.average_unit_cost AS current_cost,
		       COALESCE(SUM(purchase_records.amount) / NULLIF(SUM(purchase_records.quantity), 0), 0) AS actual_cost
		FROM items
		LEFT JOIN purchase_records
		  ON purchase_records.item_id = items.id
		 AND purchase_records.company_id = items.company_id
		 AND purchase_records.state = ?
		WHERE items.company_id = ?
		GROUP BY items.id, items.average_unit_cost
		HAVING ABS(items.average_unit_cost - COALESCE(SUM(purchase_records.amount) / NULLIF(SUM(purchase_records.quantity), 0), 0)) > 0.0001`,
		RecordStateActive, companyId).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	findings := make([]IntegrityFinding, 0, len(rows))
	for _, row := range rows {
		findings = append(findings, IntegrityFinding{
			Type:        FindingAggregateDrift,
			ModelType:   "Item",
			ModelId:     row.ItemId,
			ItemId:      row.ItemId,
			Description: fmt.Sprintf("item %d average unit cost %s has drifted from recomputed %s", row.ItemId, row.CurrentCost, row.ActualCost),
			Action:      AuditActionRecomputeAverage,
			Fixable:     true,
		})
	}
	return findings, nil
}

func scanBalanceMismatches(db *gorm.DB, companyId string) ([]IntegrityFinding, error) {
	type mismatchRow struct {
		FarmId   int             `gorm:"column:farm_id"`
		ItemId   int             `gorm:"column:item_id"`
		Stored   decimal.Decimal `gorm:"column:stored"`
		Computed decimal.Decimal `gorm:"column:computed"`
	}
	var rows []mismatchRow
	err := db.Raw(`
		SELECT keys_union.farm_id, keys_union.item_id,
		       COALESCE(current_balances.quantity, 0) AS stored,
		       COALESCE(lot_totals.total, 0) AS computed
		FROM (
			SELECT farm_id, item_id FROM lots WHERE company_id = ?
			UNION
			SELECT farm_id, item_id FROM current_balances WHERE company_id = ?
		) AS keys_union
		LEFT JOIN current_balances
		  ON current_balances.company_id = ?
		 AND current_balances.farm_id = keys_union.farm_id
		 AND current_balances.item_id = keys_union.item_id
		LEFT JOIN (
			SELECT farm_id, item_id,
			       SUM(quantity_in - quantity_used - quantity_mutated_out) AS total
			FROM lots
			WHERE company_id = ? AND state = ?
			GROUP BY farm_id, item_id
		) AS lot_totals
		  ON lot_totals.farm_id = keys_union.farm_id
		 AND lot_totals.item_id = keys_union.item_id
		WHERE COALESCE(current_balances.quantity, 0) <> COALESCE(lot_totals.total, 0)`,
		companyId, companyId, companyId, companyId, RecordStateActive).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	findings := make([]IntegrityFinding, 0, len(rows))
	for _, row := range rows {
		findings = append(findings, IntegrityFinding{
			Type:        FindingBalanceMismatch,
			ModelType:   "CurrentBalance",
			FarmId:      row.FarmId,
			ItemId:      row.ItemId,
			Description: fmt.Sprintf("balance for farm %d item %d stores %s but lots total %s", row.FarmId, row.ItemId, row.Stored, row.Computed),
			Action:      AuditActionRecomputeBalance,
			Fixable:     true,
		})
	}
	return findings, nil
}
