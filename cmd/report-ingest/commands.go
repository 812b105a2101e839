package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"report-ingest/importer"
	"report-ingest/reports"
)

func newImportCmd(root *rootOptions) *cobra.Command {
	var (
		deleteAfter bool
		process     bool
		interval    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import report files from the configured inputs, then process pending reports.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			finalDelete := true
			if a.cfg.DeleteAfterImport != nil {
				finalDelete = *a.cfg.DeleteAfterImport
			}
			if cmd.Flags().Changed("delete-after-import") {
				finalDelete = deleteAfter
			}
			im, err := importer.New(&importer.Config{
				DB:                a.db,
				Service:           a.svc,
				Logger:            a.log,
				Inputs:            a.cfg.Inputs.Items,
				DeleteAfterImport: finalDelete,
				Workers:           a.cfg.Workers,
			})
			if err != nil {
				return fmt.Errorf("init importer: %w", err)
			}
			defer im.Close()

			ctx := cmd.Context()
			for {
				if _, err := im.Run(ctx); err != nil {
					if interval <= 0 {
						return err
					}
					a.log.Error("import run failed", "error", err)
				}
				if process {
					if err := processPending(cmd, a, 0); err != nil && interval <= 0 {
						return err
					}
				}
				if interval <= 0 {
					return nil
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		},
	}
	cmd.Flags().BoolVar(&deleteAfter, "delete-after-import", true, "delete input files once their report is stored (overrides config)")
	cmd.Flags().BoolVar(&process, "process", true, "process pending reports after importing")
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat every interval until interrupted; 0 runs once")
	return cmd
}

func newSubmitCmd(root *rootOptions) *cobra.Command {
	var (
		tenant  uint
		domain  string
		process bool
	)
	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Submit one report document for a tenant. Use - to read stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == 0 {
				return errors.New("--tenant is required")
			}
			doc, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.Submit(cmd.Context(), reports.SubmitRequest{TenantID: tenant, TenantDomain: domain, Document: doc})
			if err != nil {
				var verr *reports.ValidationError
				if errors.As(err, &verr) {
					_ = writeJSON(cmd.OutOrStdout(), verr)
				}
				return err
			}
			if process && res.Status == reports.StatusPending {
				report, err := a.svc.Process(cmd.Context(), res.ReportID)
				if err != nil {
					return err
				}
				res.Status = report.Status
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().UintVar(&tenant, "tenant", 0, "tenant id")
	cmd.Flags().StringVar(&domain, "domain", "", "tenant domain used when the document has none")
	cmd.Flags().BoolVar(&process, "process", true, "process the report right after storing it")
	return cmd
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func newProcessCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "process [REPORT_ID]",
		Short: "Process one report, or every pending and retryable failed report.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				report, err := a.svc.Process(cmd.Context(), id)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), reportView(report))
			}
			return processPending(cmd, a, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "process at most this many reports; 0 means all")
	return cmd
}

func processPending(cmd *cobra.Command, a *app, limit int) error {
	outcomes, err := a.svc.ProcessPending(cmd.Context(), limit)
	if err != nil {
		return err
	}
	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			a.log.Warn("report processing failed", "report_id", o.ReportID, "error", o.Err)
		}
	}
	a.log.Info("processed pending reports", "total", len(outcomes), "failed", failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d reports failed", failed, len(outcomes))
	}
	return nil
}

func newShowCmd(root *rootOptions) *cobra.Command {
	var (
		tenant uint
		rng    reports.DateRange
	)
	cmd := &cobra.Command{
		Use:   "reports [REPORT_ID]",
		Short: "Show one report or list a tenant's reports.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateRange(rng); err != nil {
				return err
			}
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 1 {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				report, err := a.svc.GetReport(cmd.Context(), id)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), reportView(report))
			}
			if tenant == 0 {
				return errors.New("--tenant is required when no report id is given")
			}
			list, err := a.svc.ListReports(cmd.Context(), tenant, rng)
			if err != nil {
				return err
			}
			views := make([]reportSummaryView, 0, len(list))
			for i := range list {
				views = append(views, reportView(&list[i]))
			}
			return writeJSON(cmd.OutOrStdout(), views)
		},
	}
	cmd.Flags().UintVar(&tenant, "tenant", 0, "tenant id")
	addRangeFlags(cmd.Flags(), &rng)
	return cmd
}

func newStatsCmd(root *rootOptions, use, short string) *cobra.Command {
	var (
		tenant uint
		rng    reports.DateRange
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenant == 0 {
				return errors.New("--tenant is required")
			}
			if err := validateRange(rng); err != nil {
				return err
			}
			a, err := root.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			agg := a.svc.Aggregator()
			var stats *reports.TenantStats
			if use == "dashboard" {
				stats, err = agg.Dashboard(cmd.Context(), tenant, rng)
			} else {
				stats, err = agg.Stats(cmd.Context(), tenant, rng)
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().UintVar(&tenant, "tenant", 0, "tenant id")
	addRangeFlags(cmd.Flags(), &rng)
	return cmd
}

func addRangeFlags(fs *pflag.FlagSet, rng *reports.DateRange) {
	fs.StringVar(&rng.From, "from", "", "first report date, YYYY-MM-DD")
	fs.StringVar(&rng.To, "to", "", "last report date, YYYY-MM-DD")
}

func validateRange(rng reports.DateRange) error {
	for name, v := range map[string]string{"--from": rng.From, "--to": rng.To} {
		if v == "" {
			continue
		}
		if _, err := time.Parse(time.DateOnly, v); err != nil {
			return fmt.Errorf("%s: %q is not a YYYY-MM-DD date", name, v)
		}
	}
	if rng.From != "" && rng.To != "" && rng.From > rng.To {
		return fmt.Errorf("--from %s is after --to %s", rng.From, rng.To)
	}
	return nil
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid report id %q", s)
	}
	return uint(id), nil
}

type reportSummaryView struct {
	ID          uint                 `json:"id"`
	TenantID    uint                 `json:"tenant_id"`
	ReportDate  string               `json:"report_date"`
	Status      reports.ReportStatus `json:"status"`
	Attempts    int                  `json:"attempts"`
	LastError   string               `json:"last_error,omitempty"`
	Fingerprint string               `json:"fingerprint"`
	ProcessedAt *time.Time           `json:"processed_at,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func reportView(r *reports.Report) reportSummaryView {
	return reportSummaryView{
		ID:          r.ID,
		TenantID:    r.TenantID,
		ReportDate:  r.ReportDate,
		Status:      r.Status,
		Attempts:    r.Attempts,
		LastError:   r.LastError,
		Fingerprint: r.Fingerprint,
		ProcessedAt: r.ProcessedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
