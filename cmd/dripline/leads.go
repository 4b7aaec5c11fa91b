package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/dripline/internal/app"
	"github.com/foxzi/dripline/internal/drip"
	"github.com/foxzi/dripline/internal/queue"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Lead management commands",
}

var leadsImportCmd = &cobra.Command{
	Use:   "import <campaign_id> <file.csv|file.xlsx>",
	Short: "Import leads into a campaign",
	Long: `Import leads from a CSV file or the first sheet of an XLSX workbook.
The header must contain an email column; name and company are optional and
any other column becomes a custom field.`,
	Args: cobra.ExactArgs(2),
	RunE: runLeadsImport,
}

func init() {
	leadsCmd.AddCommand(leadsImportCmd)
	rootCmd.AddCommand(leadsCmd)
}

func runLeadsImport(cmd *cobra.Command, args []string) error {
	campaignID, path := args[0], args[1]

	rows, err := drip.ReadRowsFile(path)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	logger := quietLogger()

	s, err := app.OpenStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer s.Close()

	q, _, err := app.OpenQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	relay := drip.NewRelay(s, q, map[string][]queue.Option{
		drip.QueueDispatch: app.DispatchOptions(cfg.Dispatch),
	}, logger)
	result, err := drip.NewIngester(s, relay, logger).Ingest(ctx, campaignID, rows)
	if err != nil {
		return fmt.Errorf("failed to import leads: %w", err)
	}

	fmt.Printf("Imported %s\n\n", path)
	fmt.Printf("  Created:    %d\n", result.Created)
	fmt.Printf("  Duplicates: %d\n", result.Duplicates)
	fmt.Printf("  Failed:     %d\n", result.Failed)
	for _, e := range result.Errors {
		fmt.Printf("    %s\n", e)
	}
	return nil
}
