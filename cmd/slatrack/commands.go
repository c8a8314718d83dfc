package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/slatrack/internal/config"
	"github.com/pitabwire/slatrack/internal/database"
	"github.com/pitabwire/slatrack/internal/report"
	"github.com/pitabwire/slatrack/model"
)

func newEvaluateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate",
		Short: "Run a single SLA evaluation cycle and print its result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := newApp(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.seedDefinitions(ctx); err != nil {
				return err
			}
			res, err := a.evaluator.RunCycle(ctx)
			if err != nil {
				return fmt.Errorf("evaluation cycle: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.Store.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate: store.driver is %q, want %q", cfg.Store.Driver, config.DriverPostgres)
			}
			pool, err := database.Open(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := database.Migrate(ctx, pool); err != nil {
				return err
			}
			logger.Info("database schema applied")
			return nil
		},
	}
}

type reportOptions struct {
	userID     string
	windowDays int
	out        string
}

func newReportCommand(opts *rootOptions) *cobra.Command {
	ro := &reportOptions{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Compute an SLA compliance report",
		Long: `Compute SLA compliance statistics for one user, or for every user when
--user is omitted. The report is printed as JSON unless --out names an
.xlsx file to write.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			a, err := newApp(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.reports.Compute(ctx, model.ReportRequest{
				UserID:     ro.userID,
				WindowDays: ro.windowDays,
			}, time.Now().UTC())
			if err != nil {
				return err
			}

			if ro.out == "" {
				return writeJSON(cmd.OutOrStdout(), rep)
			}
			data, err := report.ExportXLSX(rep)
			if err != nil {
				return err
			}
			if err := os.WriteFile(ro.out, data, 0o644); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			logger.Info("report written", zap.String("path", ro.out), zap.Int("bytes", len(data)))
			return nil
		},
	}
	cmd.Flags().StringVar(&ro.userID, "user", "", "user to report on (default all users)")
	cmd.Flags().IntVar(&ro.windowDays, "window-days", 0, "trailing window in days (default from config)")
	cmd.Flags().StringVarP(&ro.out, "out", "o", "", "write the report as an xlsx workbook to this path")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
