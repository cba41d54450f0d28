package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AuditRecord captures one repair applied by the integrity auditor: the full
// row image before and after, who ran it, and the run it belonged to. Every
// fix is individually rollback-able from its Before image.
type AuditRecord struct {
	ID            int         `gorm:"primary_key" json:"id"`
	CompanyId     string      `gorm:"index;not null" json:"company_id"`
	ModelType     string      `gorm:"size:50;index;not null" json:"model_type"`
	ModelId       int         `gorm:"index;not null" json:"model_id"`
	Action        AuditAction `gorm:"size:30;not null" json:"action"`
	Before        string      `gorm:"type:text" json:"before"`
	After         string      `gorm:"type:text" json:"after"`
	ActorId       int         `gorm:"not null" json:"actor_id"`
	RollbackToId  *int        `gorm:"index" json:"rollback_to_id"`
	CorrelationId uuid.UUID   `gorm:"type:varchar(36);index" json:"correlation_id"`
	CreatedAt     time.Time   `gorm:"autoCreateTime" json:"created_at"`
}

// writeAuditRecord persists one repair record inside the caller's
// transaction. Unlike recordHistory this must NOT be log-and-continue: a fix
// without its rollback image is worse than no fix.
func writeAuditRecord(tx *gorm.DB, companyId string, modelType string, modelId int, action AuditAction, before interface{}, after interface{}, actorId int, correlationId uuid.UUID) (*AuditRecord, error) {
	beforeJson := ""
	afterJson := ""
	if before != nil {
		s, err := utils.MarshalToJSON(before)
		if err != nil {
			return nil, err
		}
		beforeJson = s
	}
	if after != nil {
		s, err := utils.MarshalToJSON(after)
		if err != nil {
			return nil, err
		}
		afterJson = s
	}

	record := AuditRecord{
		CompanyId:     companyId,
		ModelType:     modelType,
		ModelId:       modelId,
		Action:        action,
		Before:        beforeJson,
		After:         afterJson,
		ActorId:       actorId,
		CorrelationId: correlationId,
	}
	if err := tx.Create(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// RollbackAuditRecord restores the Before image of a previous fix and writes
// a new audit record pointing back at it. Only lot repairs are reversible
// this way; recomputed balances and aggregates are derived values, so
// rolling back the underlying lot and rerunning the recompute is the path.
func RollbackAuditRecord(ctx context.Context, auditId int) (*AuditRecord, error) {
	db := config.GetDB()

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	original, err := utils.FetchModel[AuditRecord](ctx, companyId, auditId)
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if original.Action == AuditActionRollback {
		return nil, errors.New("cannot roll back a rollback record")
	}

	if err := utils.StockLock(ctx, companyId, "stockLock", "auditRecord.go", "RollbackAuditRecord"); err != nil {
		return nil, err
	}

	tx := db.Begin()

	var restored interface{}
	switch original.ModelType {
	case "Lot":
		restored, err = rollbackLotFix(tx.WithContext(ctx), companyId, original)
	case "CurrentBalance", "Item":
		err = fmt.Errorf("audit record %d targets derived model %s; roll back the underlying lot fix and recompute instead", original.ID, original.ModelType)
	default:
		err = fmt.Errorf("audit record %d targets unsupported model %s", original.ID, original.ModelType)
	}
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	rollbackTo := original.ID
	record, err := writeAuditRecord(tx.WithContext(ctx), companyId, original.ModelType, original.ModelId,
		AuditActionRollback, original.After, restored, utils.GetActorIdFromContext(ctx), uuid.New())
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&AuditRecord{}).Where("id = ?", record.ID).
		Update("rollback_to_id", rollbackTo).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	record.RollbackToId = &rollbackTo

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return record, nil
}

// rollbackLotFix re-applies a lot's Before image, then recomputes the
// dependent balance. A deleted-lot fix (empty Before) removes the
// synthesized row again; a synthesized-lot fix (empty After) re-creates it.
func rollbackLotFix(tx *gorm.DB, companyId string, original *AuditRecord) (*Lot, error) {
	if original.Before == "" {
		// The fix created this lot; undo by purging it.
		lot, err := fetchLotForUpdate(tx, companyId, original.ModelId)
		if err != nil {
			return nil, err
		}
		if err := tx.Model(&Lot{}).Where("id = ?", lot.ID).
			Update("state", RecordStatePurged).Error; err != nil {
			return nil, err
		}
		lot.State = RecordStatePurged
		if err := RecomputeCurrentBalance(tx, companyId, lot.FarmId, lot.ItemId); err != nil {
			return nil, err
		}
		return lot, nil
	}

	var before Lot
	if err := utils.UnmarshalFromJSON([]byte(original.Before), &before); err != nil {
		return nil, err
	}

	var existing Lot
	err := tx.Where("id = ? AND company_id = ?", original.ModelId, companyId).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := tx.Create(&before).Error; err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		if err := tx.Model(&Lot{}).Where("id = ?", original.ModelId).
			Updates(map[string]interface{}{
				"quantity_in":          before.QuantityIn,
				"quantity_used":        before.QuantityUsed,
				"quantity_mutated_out": before.QuantityMutatedOut,
				"amount":               before.Amount,
				"state":                before.State,
			}).Error; err != nil {
			return nil, err
		}
	}

	if err := RecomputeCurrentBalance(tx, companyId, before.FarmId, before.ItemId); err != nil {
		return nil, err
	}
	return &before, nil
}

// GetAuditRecords lists repairs, optionally filtered to one auditor run.
func GetAuditRecords(ctx context.Context, correlationId *uuid.UUID) ([]*AuditRecord, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("company_id = ?", companyId)
	if correlationId != nil {
		dbCtx = dbCtx.Where("correlation_id = ?", correlationId.String())
	}

	var records []*AuditRecord
	if err := dbCtx.Order("id ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
