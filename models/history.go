package models

import (
	"encoding/json"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"gorm.io/gorm"
)

// History is the generic audit-trail collaborator. The core treats it as
// best-effort: a failed history write is logged and must never fail the
// primary operation.
type History struct {
	ID            int       `gorm:"primary_key" json:"id"`
	CompanyId     string    `gorm:"index;not null" json:"company_id"`
	ActionType    string    `gorm:"size:10;not null" json:"action_type"`
	Before        string    `gorm:"type:text" json:"before"`
	After         string    `gorm:"type:text" json:"after"`
	Description   string    `gorm:"type:text;not null" json:"description"`
	ReferenceID   int       `gorm:"index" json:"reference_id"`
	ReferenceType string    `gorm:"size:255" json:"reference_type"`
	UserId        int       `gorm:"index;not null" json:"user_id"`
	UserName      string    `gorm:"size:100" json:"user_name"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// recordHistory writes an audit-trail row; log-and-continue on any failure.
func recordHistory(tx *gorm.DB,
	actionType string,
	referenceId int,
	referenceType string,
	before interface{},
	after interface{},
	description string) {

	logger := config.GetLogger()
	ctx := tx.Statement.Context

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		config.LogError(logger, "history.go", "recordHistory", "missing company id", referenceType, ErrCompanyIdRequired)
		return
	}
	userId := utils.GetActorIdFromContext(ctx)
	userName, _ := utils.GetUserNameFromContext(ctx)

	b, _ := json.Marshal(before)
	a, _ := json.Marshal(after)

	history := History{
		CompanyId:     companyId,
		ActionType:    actionType,
		Before:        string(b),
		After:         string(a),
		Description:   description,
		ReferenceID:   referenceId,
		ReferenceType: referenceType,
		UserId:        userId,
		UserName:      userName,
	}

	if err := tx.Create(&history).Error; err != nil {
		config.LogError(logger, "history.go", "recordHistory", "audit trail write failed", referenceType, err)
	}
}
