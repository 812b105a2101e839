package reports

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_EndToEndCompactReport(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := t.Context()

	res, err := svc.Submit(ctx, SubmitRequest{TenantID: 1, Document: []byte(compactReportJSON)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, "2025-01-15", res.ReportDate)

	report, err := svc.Process(ctx, res.ReportID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, report.Status)
	assert.Equal(t, 1, report.Attempts)
	require.NotNil(t, report.ProcessedAt)
	assert.True(t, report.ProcessedAt.Equal(testNow), "processed at %v", report.ProcessedAt)

	var count int64
	require.NoError(t, db.Model(&Report{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	doc, err := DecodeDocument(report.Payload)
	require.NoError(t, err)
	assert.Equal(t, 10.0, doc.Summary.AvgRequestsPerHour)

	var providers []ReportProvider
	require.NoError(t, db.Where("report_id = ?", report.ID).Order("rank_position").Find(&providers).Error)
	require.Len(t, providers, 2)
	assert.Equal(t, "Verizon FiOS", providers[0].OriginalName)
	assert.Equal(t, "Fiber", providers[0].Technology)
	assert.Equal(t, "Comcast", providers[1].OriginalName)
	assert.Equal(t, TechnologyUnknown, providers[1].Technology)

	var states []ReportState
	require.NoError(t, db.Where("report_id = ?", report.ID).Find(&states).Error)
	require.Len(t, states, 1)
	var ca State
	require.NoError(t, db.First(&ca, states[0].StateID).Error)
	assert.Equal(t, "CA", ca.Code)
	assert.Equal(t, int64(240), states[0].RequestCount)

	var zips []ReportZipCode
	require.NoError(t, db.Where("report_id = ?", report.ID).Find(&zips).Error)
	require.Len(t, zips, 1)
	var zip ZipCode
	require.NoError(t, db.First(&zip, zips[0].ZipCodeID).Error)
	assert.Equal(t, "90210", zip.Code)
	assert.Equal(t, ca.ID, zip.StateID)
	assert.Equal(t, 100.0, zips[0].Percentage)

	var summary ReportSummary
	require.NoError(t, db.Where("report_id = ?", report.ID).First(&summary).Error)
	assert.Equal(t, int64(240), summary.TotalRequests)
	assert.Equal(t, 10.0, summary.AvgRequestsPerHour)
}

func TestService_IdenticalResubmissionIsNoOp(t *testing.T) {
	db := newTestDB(t)
	svc, clock := newTestService(t, db)
	ctx := t.Context()

	first := submitAndProcess(t, svc, 1, []byte(compactReportJSON))
	var before ReportSummary
	require.NoError(t, db.Where("report_id = ?", first.ID).First(&before).Error)

	clock.Advance(3 * time.Hour)
	reordered := `{"data": {"geographic": {"zipcodes": {"90210": 240}, "states": {"CA": 240}},
	  "providers": {"available": {"Verizon FiOS": 150, "Comcast": 90}},
	  "summary": {"unique_zipcodes": 1, "unique_states": 1, "unique_providers": 2, "success_rate": 95.8,
	              "failed_requests": 10, "total_requests": 240},
	  "date": "2025-01-15"},
	  "source": {"site_name": "Test", "site_id": "s1"}}`
	res, err := svc.Submit(ctx, SubmitRequest{TenantID: 1, Document: []byte(reordered)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Equal(t, first.ID, res.ReportID)
	assert.Equal(t, StatusProcessed, res.Status)

	var after ReportSummary
	require.NoError(t, db.Where("report_id = ?", first.ID).First(&after).Error)
	assert.Equal(t, before.ID, after.ID, "facts were not regenerated")

	var count int64
	require.NoError(t, db.Model(&Report{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

const rankedMapsReport = `{
  "source": {"site_id": "s1", "site_name": "Test"},
  "data": {
    "date": "2025-01-15",
    "summary": {"total_requests": 240, "failed_requests": 10, "success_rate": 95.8},
    "providers": {"available": {%s}},
    "geographic": {"states": {%s}, "zipcodes": {%s}}
  }
}`

func TestService_MapKeyOrderDoesNotChangeReport(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := t.Context()

	first := fmt.Sprintf(rankedMapsReport,
		`"Verizon FiOS": 150, "Comcast": 90, "Spectrum": 90`,
		`"CA": 140, "TX": 100`,
		`"90210": 140, "75201": 100`)
	swapped := fmt.Sprintf(rankedMapsReport,
		`"Spectrum": 90, "Comcast": 90, "Verizon FiOS": 150`,
		`"TX": 100, "CA": 140`,
		`"75201": 100, "90210": 140`)

	stored := submitAndProcess(t, svc, 1, []byte(first))
	res, err := svc.Submit(ctx, SubmitRequest{TenantID: 1, Document: []byte(swapped)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Equal(t, StatusProcessed, res.Status)

	var providers []ReportProvider
	require.NoError(t, db.Where("report_id = ?", stored.ID).Order("rank_position").Find(&providers).Error)
	require.Len(t, providers, 3)
	names := []string{providers[0].OriginalName, providers[1].OriginalName, providers[2].OriginalName}
	assert.Equal(t, []string{"Verizon FiOS", "Comcast", "Spectrum"}, names, "ties ranked by name")
}

func TestService_ResubmissionDuringProcessingKeepsNewContent(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := t.Context()

	res, err := svc.Submit(ctx, SubmitRequest{TenantID: 1, Document: canonicalReport(t, "2025-01-15", nil)})
	require.NoError(t, err)

	changed := canonicalReport(t, "2025-01-15", func(m map[string]any) {
		m["summary"].(map[string]any)["total_requests"] = 150
	})
	var during *SubmitResult
	svc.afterBuild = func(uint) {
		during, err = svc.Submit(ctx, SubmitRequest{TenantID: 1, Document: changed})
		require.NoError(t, err)
	}
	_, err = svc.Process(ctx, res.ReportID)
	require.ErrorIs(t, err, ErrSuperseded)
	require.NotNil(t, during)
	assert.Equal(t, OutcomeUpdated, during.Outcome)

	stored, err := svc.GetReport(ctx, res.ReportID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Nil(t, stored.ProcessedAt)
	assert.Empty(t, stored.LastError)
	for _, model := range factModels() {
		var n int64
		require.NoError(t, db.Model(model).Where("report_id = ?", res.ReportID).Count(&n).Error)
		assert.Zero(t, n, "%T rows built from the old content", model)
	}

	svc.afterBuild = nil
	outcomes, err := svc.ProcessPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusProcessed, outcomes[0].Status)
	require.NoError(t, outcomes[0].Err)

	var summary ReportSummary
	require.NoError(t, db.Where("report_id = ?", res.ReportID).First(&summary).Error)
	assert.Equal(t, int64(150), summary.TotalRequests)
}

func TestService_ChangedResubmissionUpdatesInPlace(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := t.Context()

	first := submitAndProcess(t, svc, 1, canonicalReport(t, "2025-01-15", nil))

	changed := canonicalReport(t, "2025-01-15", func(m map[string]any) {
		m["summary"].(map[string]any)["total_requests"] = 150
	})
	res, err := svc.Submit(ctx, SubmitRequest{TenantID: 1, Document: changed})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, first.ID, res.ReportID)
	assert.Equal(t, StatusPending, res.Status)

	stored, err := svc.GetReport(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Nil(t, stored.ProcessedAt)
	assert.NotEqual(t, first.Fingerprint, stored.Fingerprint)

	for _, model := range factModels() {
		var n int64
		require.NoError(t, db.Model(model).Where("report_id = ?", first.ID).Count(&n).Error)
		assert.Zero(t, n, "%T rows left behind", model)
	}

	other, err := svc.Submit(ctx, SubmitRequest{TenantID: 2, Document: changed})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, other.Outcome, "same date for another tenant is a new report")

	var count int64
	require.NoError(t, db.Model(&Report{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestService_ConcurrentFirstSubmissionsCreateOneReport(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := t.Context()

	const n = 8
	outcomes := make([]SubmitOutcome, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Submit(ctx, SubmitRequest{TenantID: 5, Document: []byte(compactReportJSON)})
			errs[i] = err
			if res != nil {
				outcomes[i] = res.Outcome
			}
		}(i)
	}
	wg.Wait()

	created := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if outcomes[i] == OutcomeCreated {
			created++
		} else {
			assert.Equal(t, OutcomeUnchanged, outcomes[i])
		}
	}
	assert.Equal(t, 1, created)
}

func TestService_RejectsInvalidDocuments(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := t.Context()

	_, err := svc.Submit(ctx, SubmitRequest{TenantID: 1, Document: []byte(`{"source": {}}`)})
	require.Error(t, err)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Errors, "source.domain is required")
	assert.Contains(t, verr.Errors, "missing required section: metadata")

	_, err = svc.Submit(ctx, SubmitRequest{TenantID: 1, Document: []byte(`{"source":`)})
	require.True(t, IsValidation(err))

	_, err = svc.Submit(ctx, SubmitRequest{Document: []byte(compactReportJSON)})
	require.True(t, IsValidation(err))

	var count int64
	require.NoError(t, db.Model(&Report{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestService_FillsTenantDomain(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)

	res, err := svc.Submit(t.Context(), SubmitRequest{TenantID: 1, TenantDomain: " Example.COM ", Document: []byte(compactReportJSON)})
	require.NoError(t, err)
	report, err := svc.GetReport(t.Context(), res.ReportID)
	require.NoError(t, err)
	doc, err := DecodeDocument(report.Payload)
	require.NoError(t, err)
	assert.Equal(t, "example.com", doc.Source.Domain)
	assert.Equal(t, ShapeDaily, doc.Metadata.SourceShape)
	require.NotNil(t, report.PeriodStart)
	assert.True(t, report.PeriodStart.Equal(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)))
}

func TestService_ProcessingFailureMarksReportFailed(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := t.Context()

	// 00001 maps to no state and there is no active state to fall back to.
	doc := `{"source": {"site_id": "s1", "site_name": "Test"},
	  "data": {"date": "2025-01-20", "summary": {"total_requests": 5}, "geographic": {"zipcodes": {"00001": 5}}}}`
	res, err := svc.Submit(ctx, SubmitRequest{TenantID: 1, Document: []byte(doc)})
	require.NoError(t, err)

	_, err = svc.Process(ctx, res.ReportID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessing))
	assert.True(t, IsNotFound(err))
	var perr *ProcessingError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, res.ReportID, perr.ReportID)

	report, err := svc.GetReport(ctx, res.ReportID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Contains(t, report.LastError, "active state not found")
	var n int64
	require.NoError(t, db.Model(&ReportZipCode{}).Where("report_id = ?", res.ReportID).Count(&n).Error)
	assert.Zero(t, n)

	_, err = SeedStates(ctx, db, DefaultLookups())
	require.NoError(t, err)
	outcomes, err := svc.ProcessPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusProcessed, outcomes[0].Status)
	assert.NoError(t, outcomes[0].Err)

	report, err = svc.GetReport(ctx, res.ReportID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, report.Status)
	assert.Equal(t, 2, report.Attempts)
	assert.Empty(t, report.LastError)
}

func TestService_ProcessPendingSharesDimensions(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := t.Context()

	for day := 1; day <= 6; day++ {
		_, err := svc.Submit(ctx, SubmitRequest{
			TenantID: 3,
			Document: canonicalReport(t, fmt.Sprintf("2025-02-%02d", day), nil),
		})
		require.NoError(t, err)
	}

	outcomes, err := svc.ProcessPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, outcomes, 6)
	for _, o := range outcomes {
		assert.Equal(t, StatusProcessed, o.Status, "report %d: %v", o.ReportID, o.Err)
	}

	var providers, zips, states int64
	require.NoError(t, db.Model(&Provider{}).Count(&providers).Error)
	require.NoError(t, db.Model(&ZipCode{}).Count(&zips).Error)
	require.NoError(t, db.Model(&State{}).Count(&states).Error)
	assert.Equal(t, int64(2), providers)
	assert.Equal(t, int64(2), zips)
	assert.Equal(t, int64(2), states)

	outcomes, err = svc.ProcessPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestService_ProcessPendingSkipsExhaustedReports(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := t.Context()

	require.NoError(t, db.Create(&Report{TenantID: 1, ReportDate: "2025-03-01", Status: StatusFailed, Attempts: defaultMaxAttempts}).Error)
	require.NoError(t, db.Create(&Report{TenantID: 1, ReportDate: "2025-03-02", Status: StatusProcessed}).Error)

	outcomes, err := svc.ProcessPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestService_GetAndListReports(t *testing.T) {
	db := newTestDB(t)
	svc, _ := newTestService(t, db)
	ctx := t.Context()

	_, err := svc.GetReport(ctx, 42)
	require.True(t, IsNotFound(err))
	_, err = svc.Process(ctx, 42)
	require.True(t, IsNotFound(err))

	for _, date := range []string{"2025-01-03", "2025-01-01", "2025-01-02"} {
		_, err := svc.Submit(ctx, SubmitRequest{TenantID: 1, Document: canonicalReport(t, date, nil)})
		require.NoError(t, err)
	}
	all, err := svc.ListReports(ctx, 1, DateRange{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "2025-01-01", all[0].ReportDate)

	some, err := svc.ListReports(ctx, 1, DateRange{From: "2025-01-02"})
	require.NoError(t, err)
	assert.Len(t, some, 2)

	none, err := svc.ListReports(ctx, 9, DateRange{})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}
