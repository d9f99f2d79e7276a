// Command audit checks the road segment table for id gaps and for segments
// assigned to more than one catchment, without running the pipeline.
//
// Usage:
//
//	FEATURE_STORE_DSN=file:data/roads.db go run ./cmd/audit
//
// It exits non-zero when any finding is reported.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/couchcryptid/road-inundation-etl/internal/adapter/store"
	"github.com/couchcryptid/road-inundation-etl/internal/config"
	"github.com/couchcryptid/road-inundation-etl/internal/domain"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs, err := config.LoadFeatureStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := store.Open(ctx, fs.Driver, fs.DSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}
	defer db.Close()

	ids, err := db.SegmentIDs(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		return 1
	}

	fmt.Println("=== Road Segment Integrity Audit ===")
	fmt.Println()

	report := domain.AuditSegmentIDs(ids)
	printReport(len(ids), report)

	if report.Clean() {
		fmt.Println("\nAudit passed.")
		return 0
	}
	fmt.Println("\nAudit FAILED.")
	return 1
}

func printReport(total int, report domain.AuditReport) {
	status := func(n int) string {
		if n == 0 {
			return "\033[32mPASS\033[0m"
		}
		return fmt.Sprintf("\033[31mFAIL (%d)\033[0m", n)
	}
	fmt.Printf("  %-32s %s\n", "Sequential segment ids", status(len(report.Gaps)))
	fmt.Printf("  %-32s %s\n", "One catchment per segment", status(len(report.Duplicates)))
	fmt.Println()
	fmt.Printf("Rows: %d\n", total)

	if len(report.Gaps) > 0 {
		fmt.Println("\n--- Gaps ---")
		for i, v := range report.Gaps {
			fmt.Printf("  [%d] segment %d follows %d\n", i+1, v.Segment, v.Previous)
		}
	}
	if len(report.Duplicates) > 0 {
		fmt.Println("\n--- Duplicates ---")
		for i, id := range report.Duplicates {
			fmt.Printf("  [%d] segment %d\n", i+1, id)
		}
	}
}
