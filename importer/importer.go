// Package importer feeds report files from configured input globs into the
// report service, keeping a ledger so each file content is submitted once.
package importer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"report-ingest/reports"
)

const defaultWorkers = 2

type Config struct {
	DB      *gorm.DB
	Service *reports.Service
	Logger  *slog.Logger
	Clock   clockwork.Clock

	Inputs []reports.InputConfig
	// DeleteAfterImport removes a file once its report is stored.
	DeleteAfterImport bool
	Workers           int
}

func (c *Config) Validate() error {
	if c.DB == nil {
		return errors.New("db is required")
	}
	if c.Service == nil {
		return errors.New("service is required")
	}
	if len(c.Inputs) == 0 {
		return errors.New("at least one input is required")
	}
	for i, in := range c.Inputs {
		if in.TenantID == 0 {
			return fmt.Errorf("input %d: tenant id is required", i)
		}
		if strings.TrimSpace(in.Glob) == "" {
			return fmt.Errorf("input %d: glob is required", i)
		}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	return nil
}

type Importer struct {
	cfg  *Config
	db   *gorm.DB
	log  *slog.Logger
	pool pond.Pool
}

func New(cfg *Config) (*Importer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := Migrate(cfg.DB); err != nil {
		return nil, fmt.Errorf("migrate import ledger: %w", err)
	}
	return &Importer{
		cfg:  cfg,
		db:   cfg.DB,
		log:  cfg.Logger,
		pool: pond.NewPool(cfg.Workers),
	}, nil
}

func (im *Importer) Close() {
	im.pool.StopAndWait()
}

type RunStats struct {
	Files     int `json:"files"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Rejected  int `json:"rejected"`
	Failed    int `json:"failed"`
	Deleted   int `json:"deleted"`

	// ReportIDs lists reports created or updated by this run.
	ReportIDs []uint `json:"report_ids"`
}

type inputFile struct {
	Path  string
	Input reports.InputConfig
}

type fileResult struct {
	skipped  bool
	rejected bool
	failed   bool
	deleted  bool
	outcome  reports.SubmitOutcome
	reportID uint
}

// Run imports every file matched by the configured inputs. Per-file failures are
// logged and counted; the file stays in place and is retried on the next run.
func (im *Importer) Run(ctx context.Context) (*RunStats, error) {
	files, err := im.expandInputs()
	if err != nil {
		return nil, err
	}
	stats := &RunStats{Files: len(files), ReportIDs: []uint{}}
	var mu sync.Mutex

	group := im.pool.NewGroupContext(ctx)
	for _, f := range files {
		group.SubmitErr(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res := im.importFile(ctx, f)
			mu.Lock()
			stats.add(res)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return stats, err
	}

	if im.cfg.DeleteAfterImport {
		deleted, err := im.finalize(ctx)
		stats.Deleted += deleted
		if err != nil {
			return stats, err
		}
	}
	im.log.Info("import run finished",
		"files", stats.Files,
		"created", stats.Created,
		"updated", stats.Updated,
		"unchanged", stats.Unchanged,
		"skipped", stats.Skipped,
		"rejected", stats.Rejected,
		"failed", stats.Failed,
		"deleted", stats.Deleted,
	)
	return stats, nil
}

func (s *RunStats) add(r fileResult) {
	switch {
	case r.skipped:
		s.Skipped++
		FilesTotal.WithLabelValues("skipped").Inc()
	case r.failed:
		s.Failed++
		FilesTotal.WithLabelValues("failed").Inc()
	case r.rejected:
		s.Rejected++
		FilesTotal.WithLabelValues("rejected").Inc()
	default:
		switch r.outcome {
		case reports.OutcomeCreated:
			s.Created++
		case reports.OutcomeUpdated:
			s.Updated++
		default:
			s.Unchanged++
		}
		if r.outcome != reports.OutcomeUnchanged {
			s.ReportIDs = append(s.ReportIDs, r.reportID)
		}
		FilesTotal.WithLabelValues("imported").Inc()
	}
	if r.deleted {
		s.Deleted++
	}
}

func (im *Importer) expandInputs() ([]inputFile, error) {
	seen := make(map[string]struct{})
	var out []inputFile
	for _, in := range im.cfg.Inputs {
		matches, err := expandGlob(in.Glob)
		if err != nil {
			return nil, fmt.Errorf("expand %q: %w", in.Glob, err)
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, inputFile{Path: m, Input: in})
		}
	}
	return out, nil
}

func (im *Importer) importFile(ctx context.Context, f inputFile) fileResult {
	log := im.log.With("path", f.Path, "tenant_id", f.Input.TenantID)

	info, err := os.Stat(f.Path)
	if err != nil {
		log.Warn("stat input file", "error", err)
		return fileResult{failed: true}
	}
	if info.IsDir() || info.Size() == 0 {
		return fileResult{skipped: true}
	}

	content, err := os.ReadFile(f.Path)
	if err != nil {
		log.Warn("read input file", "error", err)
		if f.Input.ErrorDir != "" {
			_, _ = MoveFileToDir(f.Path, f.Input.ErrorDir)
		}
		return fileResult{failed: true}
	}
	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])

	done, err := im.alreadyImported(ctx, f.Path, sha)
	if err != nil {
		log.Error("check import ledger", "error", err)
		return fileResult{failed: true}
	}
	if done {
		log.Debug("skip already imported file", "sha256", sha)
		return fileResult{skipped: true}
	}

	row := ImportedFile{
		Path:        f.Path,
		SHA256:      sha,
		TenantID:    f.Input.TenantID,
		SizeBytes:   info.Size(),
		ModUnixNano: info.ModTime().UnixNano(),
		ImportedAt:  im.cfg.Clock.Now().UTC(),
	}

	res, err := im.cfg.Service.Submit(ctx, reports.SubmitRequest{
		TenantID:     f.Input.TenantID,
		TenantDomain: f.Input.Domain,
		Document:     content,
	})
	switch {
	case reports.IsValidation(err):
		log.Warn("report file rejected", "error", err)
		row.Outcome = FileRejected
		row.LastError = err.Error()
		if err := im.record(ctx, &row); err != nil {
			log.Error("record rejected file", "error", err)
			return fileResult{failed: true}
		}
		out := fileResult{rejected: true}
		if f.Input.ErrorDir != "" {
			out.deleted = im.moveRejected(ctx, &row, f.Input.ErrorDir)
		}
		return out
	case err != nil:
		log.Error("submit report file", "error", err)
		return fileResult{failed: true}
	}

	row.Outcome = FileImported
	row.ReportID = &res.ReportID
	row.SubmitOutcome = string(res.Outcome)
	if err := im.record(ctx, &row); err != nil {
		log.Error("record imported file", "error", err)
		return fileResult{failed: true}
	}
	log.Debug("imported report file", "report_id", res.ReportID, "outcome", res.Outcome)

	out := fileResult{outcome: res.Outcome, reportID: res.ReportID}
	if im.cfg.DeleteAfterImport {
		out.deleted = im.deleteFile(ctx, &row) == nil
	}
	return out
}

func (im *Importer) alreadyImported(ctx context.Context, path, sha string) (bool, error) {
	var row ImportedFile
	err := im.db.WithContext(ctx).Where("path = ? AND sha256 = ?", path, sha).First(&row).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

// record inserts the ledger row. A concurrent run that recorded the same
// content first wins.
func (im *Importer) record(ctx context.Context, row *ImportedFile) error {
	err := im.db.WithContext(ctx).Create(row).Error
	if reports.IsUniqueViolation(err) {
		return im.db.WithContext(ctx).Where("path = ? AND sha256 = ?", row.Path, row.SHA256).First(row).Error
	}
	return err
}

func (im *Importer) moveRejected(ctx context.Context, row *ImportedFile, errorDir string) bool {
	dst, err := MoveFileToDir(row.Path, errorDir)
	if err != nil {
		im.log.Warn("move rejected file", "path", row.Path, "error", err)
		im.note(ctx, row.ID, map[string]any{"last_error": fmt.Sprintf("move to error dir failed: %v", err)})
		return false
	}
	now := im.cfg.Clock.Now().UTC()
	im.note(ctx, row.ID, map[string]any{
		"deleted":    true,
		"deleted_at": &now,
		"last_error": fmt.Sprintf("%s; moved to %s", row.LastError, dst),
	})
	return true
}

func (im *Importer) deleteFile(ctx context.Context, row *ImportedFile) error {
	if err := os.Remove(row.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		im.log.Warn("delete imported file", "path", row.Path, "error", err)
		im.note(ctx, row.ID, map[string]any{"last_error": fmt.Sprintf("delete failed: %v", err)})
		return err
	}
	now := im.cfg.Clock.Now().UTC()
	im.note(ctx, row.ID, map[string]any{"deleted": true, "deleted_at": &now, "last_error": ""})
	return nil
}

func (im *Importer) note(ctx context.Context, id uint, updates map[string]any) {
	if err := im.db.WithContext(ctx).Model(&ImportedFile{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		im.log.Warn("update import ledger", "id", id, "error", err)
	}
}

// finalize retries deletion of imported files left behind by earlier runs.
// A file whose content changed since it was imported is left alone.
func (im *Importer) finalize(ctx context.Context) (int, error) {
	var rows []ImportedFile
	err := im.db.WithContext(ctx).
		Where("outcome = ? AND deleted = ?", FileImported, false).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return 0, err
	}
	deleted := 0
	for i := range rows {
		row := &rows[i]
		content, err := os.ReadFile(row.Path)
		if errors.Is(err, os.ErrNotExist) {
			now := im.cfg.Clock.Now().UTC()
			im.note(ctx, row.ID, map[string]any{"deleted": true, "deleted_at": &now, "last_error": "file missing"})
			continue
		}
		if err != nil {
			continue
		}
		sum := sha256.Sum256(content)
		if hex.EncodeToString(sum[:]) != row.SHA256 {
			continue
		}
		if im.deleteFile(ctx, row) == nil {
			deleted++
		}
	}
	return deleted, nil
}
