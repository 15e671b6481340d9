package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/FranksOps/instaharvest/internal/report"
	"github.com/FranksOps/instaharvest/internal/resource"
	"github.com/FranksOps/instaharvest/internal/storage"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize fetch attempts recorded in the audit log",
	Args:  cobra.NoArgs,
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().String("category", "", "only attempts of this category")
	reportCmd.Flags().Duration("since", 24*time.Hour, "only attempts newer than this; 0 for all")
	reportCmd.Flags().StringVar(&reportFormat, "format", "text", "summary format (text, json, html)")
}

func runReport(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	audit, err := openAudit(ctx, cfg.Audit)
	if err != nil {
		return err
	}
	if audit == nil {
		return fmt.Errorf("no audit backend configured")
	}
	defer audit.Close()

	name, _ := cmd.Flags().GetString("category")
	since, _ := cmd.Flags().GetDuration("since")
	attempts, err := queryAttempts(ctx, audit, name, since, time.Now())
	if err != nil {
		return err
	}
	return report.Write(cmd.OutOrStdout(), reportFormat, report.GenerateSummary(attempts))
}

// queryAttempts reads the attempts of category (all when empty) made within
// since of now. A zero since means no time bound.
func queryAttempts(ctx context.Context, audit storage.Backend, category string, since time.Duration, now time.Time) ([]*storage.Attempt, error) {
	var f storage.Filter
	if category != "" {
		c, err := resource.ParseCategory(category)
		if err != nil {
			return nil, err
		}
		f.Category = c.String()
	}
	if since > 0 {
		t := now.Add(-since)
		f.Since = &t
	}

	attempts, err := audit.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	return attempts, nil
}
