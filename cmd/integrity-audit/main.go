package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/agrofocus/farmstock_backend/config"
	"bitbucket.org/agrofocus/farmstock_backend/models"
	"bitbucket.org/agrofocus/farmstock_backend/utils"
	"github.com/google/uuid"
)

func main() {
	companyID := flag.String("company-id", "", "Required: company id (uuid)")
	fix := flag.Bool("fix", false, "Apply repairs. Without this flag the run is a dry preview.")
	rollback := flag.Int("rollback", 0, "Roll back one audit record by id instead of scanning")
	flag.Parse()

	if strings.TrimSpace(*companyID) == "" {
		fmt.Fprintln(os.Stderr, "--company-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if *fix || *rollback > 0 {
		// Repairs take the company stock lock.
		config.ConnectRedisWithRetry()
	}

	ctx := context.Background()
	ctx = utils.SetCompanyIdInContext(ctx, strings.TrimSpace(*companyID))
	ctx = utils.SetUserIdInContext(ctx, utils.SystemActorId)
	ctx = utils.SetUserNameInContext(ctx, "IntegrityAudit")
	ctx = utils.SetCorrelationIdInContext(ctx, uuid.New().String())

	if *rollback > 0 {
		record, err := models.RollbackAuditRecord(ctx, *rollback)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rollback failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("rolled back audit record %d (%s %d) as record %d\n",
			*rollback, record.ModelType, record.ModelId, record.ID)
		return
	}

	var report *models.IntegrityReport
	var err error
	if *fix {
		report, err = models.FixIntegrity(ctx)
	} else {
		report, err = models.PreviewIntegrity(ctx)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit failed: %v\n", err)
		os.Exit(1)
	}

	if len(report.Findings) == 0 {
		fmt.Println("ledger is consistent; no findings")
		return
	}

	for _, finding := range report.Findings {
		marker := "WOULD FIX"
		if !finding.Fixable {
			marker = "NEEDS REVIEW"
		} else if *fix {
			marker = "FIXED"
		}
		fmt.Printf("[%s] %-22s %s\n", marker, finding.Type, finding.Description)
	}
	fmt.Printf("\n%d findings", len(report.Findings))
	if *fix {
		fmt.Printf(", %d fixed, %d escalated (run id %s)", report.Fixed, report.Escalated, report.CorrelationId)
	}
	fmt.Println()

	if report.Escalated > 0 {
		os.Exit(2)
	}
}
