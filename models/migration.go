package models

import (
	"bitbucket.org/agrofocus/farmstock_backend/config"
)

func MigrateTable() error {
	db := config.GetDB()
	return db.AutoMigrate(
		&Company{},
		&Farm{},
		&Unit{},
		&Item{},
		&ItemUnitConversion{},
		&Lot{},
		&CurrentBalance{},
		&LivestockBalance{},
		&PurchaseRecord{},
		&Mutation{},
		&MutationItem{},
		&SupplyUsage{},
		&SupplyUsageItem{},
		&History{},
		&AuditRecord{},
	)
}
