package reports

import (
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2025, 1, 16, 8, 30, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "reports.db"), DBOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = CloseDB(db) })
	return db
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T, db *gorm.DB) (*Service, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testNow)
	svc, err := NewService(&ServiceConfig{
		DB:       db,
		Logger:   newTestLogger(),
		Clock:    clock,
		Workers:  4,
		CacheTTL: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, clock
}

const compactReportJSON = `{
  "source": {"site_id": "s1", "site_name": "Test"},
  "data": {
    "date": "2025-01-15",
    "summary": {"total_requests": 240, "failed_requests": 10, "success_rate": 95.8,
                "unique_providers": 2, "unique_states": 1, "unique_zipcodes": 1},
    "providers": {"available": {"Verizon FiOS": 150, "Comcast": 90}},
    "geographic": {"states": {"CA": 240}, "zipcodes": {"90210": 240}}
  }
}`

// canonicalReport returns a canonical document for date; mutate tweaks the tree first.
func canonicalReport(t *testing.T, date string, mutate func(map[string]any)) []byte {
	t.Helper()
	doc := map[string]any{
		"source": map[string]any{
			"domain":    "example.com",
			"site_id":   "site-1",
			"site_name": "Example",
		},
		"metadata": map[string]any{
			"report_date":   date,
			"report_period": map[string]any{"start": date + " 00:00:00", "end": date + " 23:59:59"},
			"generated_at":  date + " 23:59:59",
			"data_version":  "2.0",
		},
		"summary": map[string]any{
			"total_requests":   100,
			"failed_requests":  5,
			"success_rate":     95.0,
			"unique_providers": 2,
			"unique_states":    2,
			"unique_zip_codes": 2,
		},
		"providers": map[string]any{
			"top_providers": []any{
				map[string]any{"name": "AT&T Fiber", "technology": "Fiber", "total_count": 60, "success_rate": 97.5, "avg_speed": 300.0},
				map[string]any{"name": "Spectrum Cable", "total_count": 40, "success_rate": 92.0, "avg_speed": 150.0},
			},
		},
		"geographic": map[string]any{
			"states": []any{
				map[string]any{"code": "TX", "name": "Texas", "request_count": 70, "avg_speed": 200.0},
				map[string]any{"code": "OK", "request_count": 30},
			},
			"top_cities": []any{
				map[string]any{"name": "Dallas", "state": "TX", "request_count": 70, "zip_codes": []any{"75201"}},
			},
			"top_zip_codes": []any{
				map[string]any{"zip_code": "75201", "state": "TX", "city": "Dallas", "request_count": 70},
				map[string]any{"zip_code": "73102", "request_count": 30},
			},
		},
		"performance": map[string]any{
			"hourly_distribution": []any{
				map[string]any{"hour": 9, "count": 60},
				map[string]any{"hour": 17, "count": 40},
			},
		},
		"speed_metrics": map[string]any{
			"overall": map[string]any{"avg": 210.0, "max": 900.0, "min": 5.0},
		},
		"exclusion_metrics": map[string]any{
			"by_provider": map[string]any{"AT&T Fiber": 3, "Spectrum Cable": map[string]any{"count": 2}},
		},
	}
	if mutate != nil {
		mutate(doc)
	}
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	return b
}

func mustParseTree(t *testing.T, b []byte) any {
	t.Helper()
	tree, err := ParseTree(b)
	require.NoError(t, err)
	return tree
}

func submitAndProcess(t *testing.T, svc *Service, tenant uint, doc []byte) *Report {
	t.Helper()
	ctx := t.Context()
	res, err := svc.Submit(ctx, SubmitRequest{TenantID: tenant, Document: doc})
	require.NoError(t, err)
	report, err := svc.Process(ctx, res.ReportID)
	require.NoError(t, err)
	return report
}
