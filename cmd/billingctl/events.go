package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/billing"
	"github.com/ManuelReschke/BillFox/internal/pkg/cache"
	"github.com/ManuelReschke/BillFox/internal/pkg/config"
	"github.com/ManuelReschke/BillFox/internal/pkg/database"
	"github.com/ManuelReschke/BillFox/internal/pkg/env"
	"github.com/ManuelReschke/BillFox/internal/pkg/lock"
	"github.com/ManuelReschke/BillFox/internal/pkg/security"
)

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and re-run webhook events left pending",
	}
	cmd.PersistentFlags().Uint("tenant", 0, "Restrict to one tenant (0 = all tenants)")
	cmd.PersistentFlags().Duration("older-than", 0, "Only events received at least this long ago")
	cmd.PersistentFlags().Int("limit", 100, "Maximum number of events")

	cmd.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List events that were recorded but never finished",
		RunE:  runEventsPending,
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reprocess",
		Short: "Re-run pending events through the engine",
		RunE:  runEventsReprocess,
	})
	return cmd
}

type eventFilter struct {
	tenantID  uint
	olderThan time.Duration
	limit     int
}

func readEventFilter(cmd *cobra.Command) (eventFilter, error) {
	var f eventFilter
	var err error
	if f.tenantID, err = cmd.Flags().GetUint("tenant"); err != nil {
		return f, err
	}
	if f.olderThan, err = cmd.Flags().GetDuration("older-than"); err != nil {
		return f, err
	}
	if f.limit, err = cmd.Flags().GetInt("limit"); err != nil {
		return f, err
	}
	return f, nil
}

// openService connects to the configured database and builds the engine
// without a job queue: retry checks stay with the server.
func openService() (*billing.Service, error) {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	db, err := database.SetupDatabase(cfg)
	if err != nil {
		return nil, err
	}
	box, err := security.NewBoxFromHex(cfg.SecretKey)
	if err != nil {
		return nil, err
	}

	var locker lock.Locker = lock.NewInMemoryLocker()
	if cfg.LockBackend == "redis" {
		locker = lock.NewRedisLocker(cache.SetupCache(cfg))
	}

	return billing.NewService(billing.Dependencies{
		Repos:            repository.NewFactory(db).GetRepositories(),
		Locker:           locker,
		Box:              box,
		PublicBaseURL:    cfg.PublicBaseURL,
		ProcessorTimeout: cfg.ProcessorTimeout,
		ProcessorAPIURL:  cfg.ProcessorAPIURL,
	}), nil
}

func runEventsPending(cmd *cobra.Command, _ []string) error {
	f, err := readEventFilter(cmd)
	if err != nil {
		return err
	}
	svc, err := openService()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	rows, err := svc.Ledger.Pending(ctx, f.tenantID, time.Now().Add(-f.olderThan), f.limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTENANT\tEVENT\tTYPE\tRECEIVED\tERROR")
	for _, row := range rows {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\n",
			row.ID, row.TenantID, row.ExternalEventID, row.EventType,
			row.CreatedAt.UTC().Format(time.RFC3339), row.ProcessingError)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d pending\n", len(rows))
	return nil
}

func runEventsReprocess(cmd *cobra.Command, _ []string) error {
	f, err := readEventFilter(cmd)
	if err != nil {
		return err
	}
	svc, err := openService()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()
	done, err := svc.Processor.ReprocessPending(ctx, f.tenantID, f.olderThan, f.limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d events acknowledged\n", done)
	return nil
}
