package models

import (
	"context"
	"time"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
)

// Farm is a stock-holding location. Every lot, balance and mutation side is
// scoped to exactly one farm.
type Farm struct {
	ID        int       `gorm:"primary_key" json:"id"`
	CompanyId string    `gorm:"index;not null" json:"company_id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Address   string    `gorm:"size:255" json:"address"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewFarm struct {
	Name    string `json:"name" validate:"required"`
	Address string `json:"address"`
}

func (input *NewFarm) validate(ctx context.Context, companyId string, id int) error {
	if err := utils.ValidateStruct(input); err != nil {
		return err
	}
	return utils.ValidateUnique[Farm](ctx, companyId, "name", input.Name, id)
}

func CreateFarm(ctx context.Context, input *NewFarm) (*Farm, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	if err := input.validate(ctx, companyId, 0); err != nil {
		return nil, err
	}

	farm := Farm{
		CompanyId: companyId,
		Name:      input.Name,
		Address:   input.Address,
		IsActive:  utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&farm).Error; err != nil {
		return nil, err
	}
	return &farm, nil
}

func GetFarm(ctx context.Context, id int) (*Farm, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	return utils.FetchModel[Farm](ctx, companyId, id)
}

func GetFarms(ctx context.Context) ([]*Farm, error) {

	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, ErrCompanyIdRequired
	}

	return utils.FetchAllModels[Farm](ctx, companyId)
}
