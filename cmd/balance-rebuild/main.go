package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/models"
	"bitbucket.org/agrofocus/farmstock_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	companyID := flag.String("company-id", "", "Optional: rebuild only one company (uuid). If empty, rebuilds all companies.")
	farmID := flag.Int("farm-id", 0, "Optional: limit to one farm")
	aggregates := flag.Bool("aggregates", false, "Also rebuild item average cost/weight from purchase records")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	logger := logrus.New()

	var companyIds []string
	if strings.TrimSpace(*companyID) != "" {
		companyIds = []string{strings.TrimSpace(*companyID)}
	} else {
		if err := db.Model(&models.Company{}).
			Where("is_active = ?", true).
			Pluck("id", &companyIds).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to list companies: %v\n", err)
			os.Exit(1)
		}
	}
	if len(companyIds) == 0 {
		fmt.Fprintln(os.Stderr, "no companies found to rebuild")
		return
	}

	var farmFilter *int
	if *farmID > 0 {
		farmFilter = farmID
	}

	for _, companyId := range companyIds {
		rebuilt, err := workflow.RebuildCurrentBalances(db, logger, companyId, farmFilter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "company %s: rebuild failed after %d pairs: %v\n", companyId, rebuilt, err)
			os.Exit(1)
		}
		fmt.Printf("company %s: rebuilt %d (farm, item) balances\n", companyId, rebuilt)

		if *aggregates {
			items, err := workflow.RebuildItemAggregates(db, logger, companyId)
			if err != nil {
				fmt.Fprintf(os.Stderr, "company %s: aggregate rebuild failed after %d items: %v\n", companyId, items, err)
				os.Exit(1)
			}
			fmt.Printf("company %s: rebuilt aggregates for %d items\n", companyId, items)
		}
	}
}
