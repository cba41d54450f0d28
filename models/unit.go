package models

import (
	"context"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
)

type Unit struct {
	ID           int       `gorm:"primary_key" json:"id"`
	CompanyId    string    `gorm:"index;not null" json:"company_id"`
	Name         string    `gorm:"size:20;not null" json:"name"`
	Abbreviation string    `gorm:"size:7;not null" json:"abbreviation"`
	IsActive     *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewUnit struct {
	Name         string `json:"name" validate:"required"`
	Abbreviation string `json:"abbreviation" validate:"required"`
}

func (input *NewUnit) validate(ctx context.Context, companyId string, id int) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	if err := utils.ValidateUnique[Unit](ctx, companyId, "name", input.Name, id); err != nil {
		return err
	}
	return utils.ValidateUnique[Unit](ctx, companyId, "abbreviation", input.Abbreviation, id)
}

func CreateUnit(ctx context.Context, input *NewUnit) (*Unit, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	if err := input.validate(ctx, companyId, 0); err != nil {
		return nil, err
	}

	unit := Unit{
		CompanyId:    companyId,
		Name:         input.Name,
		Abbreviation: input.Abbreviation,
		IsActive:     utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&unit).Error; err != nil {
		return nil, err
	}
	return &unit, nil
}

func GetUnit(ctx context.Context, id int) (*Unit, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	return utils.FetchModel[Unit](ctx, companyId, id)
}
