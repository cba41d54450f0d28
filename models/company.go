package models

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/google/uuid"
)

type Company struct {
	ID        uuid.UUID `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Timezone  string    `gorm:"size:100;default:'UTC'" json:"timezone"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCompany struct {
	Name     string `json:"name" validate:"required"`
	Timezone string `json:"timezone"`
}

func CreateCompany(ctx context.Context, input *NewCompany) (*Company, error) {
	if err := utils.ValidateStruct(input); err != nil {
		return nil, err
	}
	tz := input.Timezone
	if tz == "" {
		tz = "UTC"
	}
	company := Company{
		ID:       uuid.New(),
		Name:     input.Name,
		Timezone: tz,
		IsActive: utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&company).Error; err != nil {
		return nil, err
	}
	return &company, nil
}

// GetCompany resolves the company from the context, reading through a short
// Redis cache. Companies are effectively immutable after creation, so a
// stale entry only ever delays seeing a brand-new company.
func GetCompany(ctx context.Context) (*Company, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	cacheKey := fmt.Sprintf("company:%s", companyId)
	var company Company
	if hit, err := config.GetRedisObject(cacheKey, &company); err == nil && hit {
		return &company, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Where("id = ?", companyId).First(&company).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if err := config.SetRedisObject(cacheKey, company, 10*time.Minute); err != nil {
		config.GetLogger().WithError(err).Warn("company cache write failed")
	}
	return &company, nil
}

// docDate normalizes a document timestamp to the company's calendar date,
// stored as UTC midnight. All ledger documents carry dates, not times.
func docDate(ctx context.Context, t time.Time) (time.Time, error) {
	company, err := GetCompany(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return utils.ConvertToDate(t, company.Timezone)
}
