package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

const (
	defaultWorkers     = 4
	defaultMaxAttempts = 3

	processingSuperseded = "superseded"
)

type SubmitOutcome string

const (
	OutcomeCreated   SubmitOutcome = "created"
	OutcomeUpdated   SubmitOutcome = "updated"
	OutcomeUnchanged SubmitOutcome = "unchanged"
	outcomeRejected  SubmitOutcome = "rejected"
)

type ServiceConfig struct {
	DB      *gorm.DB
	Logger  *slog.Logger
	Lookups *Lookups
	Clock   clockwork.Clock

	// Workers bounds how many reports ProcessPending handles at once.
	Workers int
	// MaxAttempts stops ProcessPending from retrying a failed report forever.
	MaxAttempts int
	// CacheTTL is how long aggregation results are cached. Negative disables caching.
	CacheTTL time.Duration
}

func (c *ServiceConfig) Validate() error {
	if c.DB == nil {
		return errors.New("db is required")
	}
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Lookups == nil {
		c.Lookups = DefaultLookups()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaultCacheTTL
	}
	return nil
}

// Service is the ingestion entry point: submissions, processing and report lookup.
type Service struct {
	cfg        *ServiceConfig
	db         *gorm.DB
	log        *slog.Logger
	normalizer *Normalizer
	builder    *FactBuilder
	aggregator *Aggregator
	pool       pond.ResultPool[ProcessOutcome]

	// afterBuild runs between building facts and committing them. Tests only.
	afterBuild func(reportID uint)
}

func NewService(cfg *ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	resolver := NewResolver(cfg.DB, cfg.Lookups)
	return &Service{
		cfg:        cfg,
		db:         cfg.DB,
		log:        cfg.Logger,
		normalizer: NewNormalizer(cfg.Lookups, cfg.Clock.Now),
		builder:    NewFactBuilder(resolver, cfg.Lookups),
		aggregator: NewAggregator(cfg.DB, cfg.Logger, cfg.CacheTTL),
		pool:       pond.NewResultPool[ProcessOutcome](cfg.Workers),
	}, nil
}

func (s *Service) Aggregator() *Aggregator {
	return s.aggregator
}

func (s *Service) Close() {
	s.pool.StopAndWait()
}

type SubmitRequest struct {
	TenantID uint
	// TenantDomain fills source.domain for documents that do not carry one.
	TenantDomain string
	Document     []byte
}

type SubmitResult struct {
	ReportID   uint
	ReportDate string
	Status     ReportStatus
	Outcome    SubmitOutcome
	Warnings   []string
}

// Submit validates, normalizes and stores a report. Content identical to the stored
// report for the same tenant and date is a no-op.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.TenantID == 0 {
		SubmissionsTotal.WithLabelValues(string(outcomeRejected)).Inc()
		return nil, &ValidationError{Errors: []string{"tenant id is required"}}
	}
	tree, err := ParseTree(req.Document)
	if err != nil {
		SubmissionsTotal.WithLabelValues(string(outcomeRejected)).Inc()
		return nil, &ValidationError{Errors: []string{fmt.Sprintf("invalid JSON: %v", err)}}
	}

	var res ValidationResult
	if shape, _ := DetectShape(tree); shape == ShapeDaily {
		res = ValidateDaily(tree)
	} else {
		res = Validate(tree)
	}
	if err := res.Err(); err != nil {
		SubmissionsTotal.WithLabelValues(string(outcomeRejected)).Inc()
		s.log.Warn("report rejected", "tenant_id", req.TenantID, "errors", len(res.Errors))
		return nil, err
	}

	doc, err := s.normalizer.Normalize(tree)
	if err != nil {
		SubmissionsTotal.WithLabelValues(string(outcomeRejected)).Inc()
		return nil, &ValidationError{Errors: []string{err.Error()}, Warnings: res.Warnings}
	}
	if doc.Source.Domain == "" {
		doc.Source.Domain = strings.ToLower(strings.TrimSpace(req.TenantDomain))
	}
	payload, err := doc.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode canonical document: %w", err)
	}
	fp, err := Fingerprint(payload)
	if err != nil {
		return nil, err
	}

	incoming := s.reportFromDocument(req.TenantID, doc, payload, fp)
	result, err := s.store(ctx, incoming)
	if err != nil {
		return nil, err
	}
	result.Warnings = res.Warnings
	SubmissionsTotal.WithLabelValues(string(result.Outcome)).Inc()
	s.log.Info("report submitted",
		"report_id", result.ReportID,
		"tenant_id", req.TenantID,
		"report_date", result.ReportDate,
		"outcome", result.Outcome,
		"warnings", len(result.Warnings),
	)
	return result, nil
}

func (s *Service) reportFromDocument(tenantID uint, doc *Document, payload []byte, fp string) *Report {
	r := &Report{
		TenantID:    tenantID,
		ReportDate:  doc.Metadata.ReportDate,
		DataVersion: doc.Metadata.DataVersion,
		Payload:     payload,
		Fingerprint: fp,
		Status:      StatusPending,
	}
	if ts, ok := ParseReportTime(doc.Metadata.ReportPeriod.Start); ok {
		r.PeriodStart = &ts
	}
	if ts, ok := ParseReportTime(doc.Metadata.ReportPeriod.End); ok {
		r.PeriodEnd = &ts
	}
	if ts, ok := ParseReportTime(doc.Metadata.GeneratedAt); ok {
		r.GeneratedAt = &ts
	}
	return r
}

// store inserts a new report or replaces a changed one. A concurrent first submission
// for the same tenant and date is resolved by re-reading the winner.
func (s *Service) store(ctx context.Context, incoming *Report) (*SubmitResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		var existing Report
		err := s.db.WithContext(ctx).
			Where("tenant_id = ? AND report_date = ?", incoming.TenantID, incoming.ReportDate).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row := *incoming
			err := withBusyRetry(ctx, func() error {
				return s.db.WithContext(ctx).Create(&row).Error
			})
			if IsUniqueViolation(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("create report: %w", err)
			}
			return &SubmitResult{ReportID: row.ID, ReportDate: row.ReportDate, Status: row.Status, Outcome: OutcomeCreated}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("find report: %w", err)
		}

		same, err := s.sameContent(&existing, incoming)
		if err != nil {
			return nil, err
		}
		if same {
			return &SubmitResult{ReportID: existing.ID, ReportDate: existing.ReportDate, Status: existing.Status, Outcome: OutcomeUnchanged}, nil
		}
		if err := s.replace(ctx, existing.ID, incoming); err != nil {
			return nil, err
		}
		s.aggregator.Invalidate(existing.TenantID)
		return &SubmitResult{ReportID: existing.ID, ReportDate: existing.ReportDate, Status: StatusPending, Outcome: OutcomeUpdated}, nil
	}
	return nil, fmt.Errorf("store report for tenant %d on %s: %w", incoming.TenantID, incoming.ReportDate, ErrConflict)
}

func (s *Service) sameContent(existing, incoming *Report) (bool, error) {
	if existing.Fingerprint != "" {
		return existing.Fingerprint == incoming.Fingerprint, nil
	}
	changed, err := Changed(existing.Payload, incoming.Payload)
	return !changed, err
}

// replace swaps in new content, resets the report to pending and drops its facts.
func (s *Service) replace(ctx context.Context, id uint, incoming *Report) error {
	err := withBusyRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := deleteFacts(tx, id); err != nil {
				return err
			}
			return tx.Model(&Report{}).Where("id = ?", id).Updates(map[string]any{
				"payload":      incoming.Payload,
				"fingerprint":  incoming.Fingerprint,
				"data_version": incoming.DataVersion,
				"period_start": incoming.PeriodStart,
				"period_end":   incoming.PeriodEnd,
				"generated_at": incoming.GeneratedAt,
				"status":       StatusPending,
				"last_error":   "",
				"processed_at": nil,
			}).Error
		})
	})
	if err != nil {
		return fmt.Errorf("replace report %d: %w", id, err)
	}
	return nil
}

func deleteFacts(tx *gorm.DB, reportID uint) error {
	for _, model := range factModels() {
		if err := tx.Where("report_id = ?", reportID).Delete(model).Error; err != nil {
			return fmt.Errorf("delete facts: %w", err)
		}
	}
	return nil
}

// Process builds and stores the facts for one report. On failure the report is
// marked failed and a *ProcessingError is returned.
func (s *Service) Process(ctx context.Context, id uint) (*Report, error) {
	report, err := s.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	start := s.cfg.Clock.Now()
	log := s.log.With("report_id", report.ID, "tenant_id", report.TenantID, "report_date", report.ReportDate)

	claim := s.db.WithContext(ctx).Model(&Report{}).
		Where("id = ? AND fingerprint = ?", id, report.Fingerprint).
		Updates(map[string]any{
			"status":   StatusProcessing,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if claim.Error != nil {
		return nil, fmt.Errorf("claim report %d: %w", id, claim.Error)
	}
	if claim.RowsAffected == 0 {
		return nil, s.superseded(log, id)
	}

	facts, err := s.buildFacts(ctx, report)
	if err == nil && s.afterBuild != nil {
		s.afterBuild(report.ID)
	}
	if err == nil {
		err = s.commitFacts(ctx, report.ID, report.Fingerprint, facts)
	}
	ProcessingDuration.Observe(s.cfg.Clock.Since(start).Seconds())
	s.aggregator.Invalidate(report.TenantID)
	if errors.Is(err, ErrSuperseded) {
		return nil, s.superseded(log, id)
	}
	if err != nil {
		ProcessingTotal.WithLabelValues(string(StatusFailed)).Inc()
		log.Error("report processing failed", "error", err)
		if markErr := s.markFailed(ctx, report.ID, err); markErr != nil {
			log.Error("failed to record processing failure", "error", markErr)
		}
		return nil, &ProcessingError{ReportID: report.ID, Err: err}
	}

	ProcessingTotal.WithLabelValues(string(StatusProcessed)).Inc()
	log.Info("report processed",
		"providers", len(facts.Providers),
		"states", len(facts.States),
		"cities", len(facts.Cities),
		"zip_codes", len(facts.ZipCodes),
	)
	return s.GetReport(ctx, id)
}

// superseded leaves a report whose content was replaced mid-run pending for the next run.
func (s *Service) superseded(log *slog.Logger, id uint) error {
	ProcessingTotal.WithLabelValues(processingSuperseded).Inc()
	log.Info("report content changed during processing, left pending")
	return fmt.Errorf("process report %d: %w", id, ErrSuperseded)
}

func (s *Service) buildFacts(ctx context.Context, report *Report) (*FactSet, error) {
	doc, err := DecodeDocument(report.Payload)
	if err != nil {
		return nil, err
	}
	return s.builder.Build(ctx, report.ID, doc)
}

// commitFacts replaces the report's facts and marks it processed in one transaction,
// provided the stored content still has the fingerprint the facts were built from.
func (s *Service) commitFacts(ctx context.Context, reportID uint, fingerprint string, facts *FactSet) error {
	now := s.cfg.Clock.Now().UTC()
	return withBusyRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := deleteFacts(tx, reportID); err != nil {
				return err
			}
			summary := facts.Summary
			if err := tx.Create(&summary).Error; err != nil {
				return fmt.Errorf("insert summary: %w", err)
			}
			if err := createAll(tx, facts.Providers); err != nil {
				return fmt.Errorf("insert provider facts: %w", err)
			}
			if err := createAll(tx, facts.States); err != nil {
				return fmt.Errorf("insert state facts: %w", err)
			}
			if err := createAll(tx, facts.Cities); err != nil {
				return fmt.Errorf("insert city facts: %w", err)
			}
			if err := createAll(tx, facts.ZipCodes); err != nil {
				return fmt.Errorf("insert zip code facts: %w", err)
			}
			res := tx.Model(&Report{}).Where("id = ? AND fingerprint = ?", reportID, fingerprint).Updates(map[string]any{
				"status":       StatusProcessed,
				"last_error":   "",
				"processed_at": &now,
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return ErrSuperseded
			}
			return nil
		})
	})
}

// createAll inserts a copy of rows so a retried transaction starts from zero ids.
func createAll[T any](tx *gorm.DB, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	batch := append([]T(nil), rows...)
	return tx.Create(&batch).Error
}

func (s *Service) markFailed(ctx context.Context, id uint, cause error) error {
	return withBusyRetry(ctx, func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := deleteFacts(tx, id); err != nil {
				return err
			}
			return tx.Model(&Report{}).Where("id = ?", id).Updates(map[string]any{
				"status":     StatusFailed,
				"last_error": cause.Error(),
			}).Error
		})
	})
}

type ProcessOutcome struct {
	ReportID uint
	Status   ReportStatus
	Err      error
}

// ProcessPending processes up to limit pending or retryable failed reports concurrently.
// A failing report never stops the others.
func (s *Service) ProcessPending(ctx context.Context, limit int) ([]ProcessOutcome, error) {
	q := s.db.WithContext(ctx).Model(&Report{}).
		Where("status = ? OR (status = ? AND attempts < ?)", StatusPending, StatusFailed, s.cfg.MaxAttempts).
		Order("id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []uint
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("list pending reports: %w", err)
	}
	if len(ids) == 0 {
		return []ProcessOutcome{}, nil
	}

	group := s.pool.NewGroupContext(ctx)
	for _, id := range ids {
		group.SubmitErr(func() (ProcessOutcome, error) {
			out := ProcessOutcome{ReportID: id, Status: StatusProcessed}
			_, err := s.Process(ctx, id)
			switch {
			case errors.Is(err, ErrSuperseded):
				out.Status = StatusPending
			case err != nil:
				out.Status = StatusFailed
				out.Err = err
			}
			return out, nil
		})
	}
	results, err := group.Wait()
	if err != nil {
		return results, fmt.Errorf("process pending reports: %w", err)
	}
	return results, nil
}

func (s *Service) GetReport(ctx context.Context, id uint) (*Report, error) {
	var r Report
	err := s.db.WithContext(ctx).First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Kind: "report", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get report %d: %w", id, err)
	}
	return &r, nil
}

// ListReports returns a tenant's reports in date order, optionally limited to rng.
func (s *Service) ListReports(ctx context.Context, tenantID uint, rng DateRange) ([]Report, error) {
	out := []Report{}
	q := rng.apply(s.db.WithContext(ctx).Where("tenant_id = ?", tenantID), "report_date")
	if err := q.Order("report_date asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return out, nil
}
