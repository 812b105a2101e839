package reports

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return testNow }

func TestDetectShape(t *testing.T) {
	shape, err := DetectShape(mustParseTree(t, []byte(compactReportJSON)))
	require.NoError(t, err)
	assert.Equal(t, ShapeDaily, shape)

	shape, err = DetectShape(mustParseTree(t, canonicalReport(t, "2025-01-15", nil)))
	require.NoError(t, err)
	assert.Equal(t, ShapeCanonical, shape)

	_, err = DetectShape(mustParseTree(t, []byte(`{"foo": 1}`)))
	require.ErrorIs(t, err, ErrUnknownShape)
	_, err = DetectShape(mustParseTree(t, []byte(`"text"`)))
	require.ErrorIs(t, err, ErrUnknownShape)
}

func TestNormalize_CompactShape(t *testing.T) {
	n := NewNormalizer(DefaultLookups(), fixedNow)
	doc, err := n.Normalize(mustParseTree(t, []byte(compactReportJSON)))
	require.NoError(t, err)

	assert.Equal(t, Source{SiteID: "s1", SiteName: "Test"}, doc.Source)
	assert.Equal(t, Metadata{
		ReportDate:   "2025-01-15",
		ReportPeriod: Period{Start: "2025-01-15 00:00:00", End: "2025-01-15 23:59:59"},
		GeneratedAt:  "2025-01-16 08:30:00",
		DataVersion:  dailyDataVersion,
		ReportType:   "daily",
		SourceShape:  ShapeDaily,
	}, doc.Metadata)

	assert.Equal(t, int64(240), doc.Summary.TotalRequests)
	assert.Equal(t, 10.0, doc.Summary.AvgRequestsPerHour)
	assert.Equal(t, 1, doc.Summary.UniqueZipCodes)

	want := []ProviderEntry{
		{Name: "Verizon FiOS", Technology: "Fiber", TotalCount: 150},
		{Name: "Comcast", Technology: TechnologyUnknown, TotalCount: 90},
	}
	if diff := cmp.Diff(want, doc.Providers.TopProviders); diff != "" {
		t.Fatalf("providers mismatch (-want +got):\n%s", diff)
	}

	wantGeo := Geographic{
		States:      []StateEntry{{Code: "CA", Name: "California", RequestCount: 240}},
		TopCities:   []CityEntry{},
		TopZipCodes: []ZipEntry{{ZipCode: "90210", RequestCount: 240, Percentage: 100}},
	}
	if diff := cmp.Diff(wantGeo, doc.Geographic); diff != "" {
		t.Fatalf("geographic mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, CountMap{{Name: "Fiber", Count: 150}, {Name: TechnologyUnknown, Count: 90}}, doc.TechnologyMetrics)
	assert.True(t, doc.Performance.HourlySynthetic)
	assert.Len(t, doc.Performance.HourlyDistribution, hoursPerDay)
	assert.Empty(t, doc.SpeedMetrics.ByState)
	assert.Empty(t, doc.SpeedMetrics.ByProvider)
}

func TestNormalize_CanonicalShape(t *testing.T) {
	n := NewNormalizer(DefaultLookups(), fixedNow)
	doc, err := n.Normalize(mustParseTree(t, canonicalReport(t, "2025-01-15", nil)))
	require.NoError(t, err)

	assert.Equal(t, ShapeCanonical, doc.Metadata.SourceShape)
	assert.Equal(t, "example.com", doc.Source.Domain)
	require.Len(t, doc.Providers.TopProviders, 2)
	assert.Equal(t, "Fiber", doc.Providers.TopProviders[0].Technology)
	assert.Equal(t, "Cable", doc.Providers.TopProviders[1].Technology)

	require.Len(t, doc.Geographic.States, 2)
	assert.Equal(t, "Oklahoma", doc.Geographic.States[1].Name)
	require.Len(t, doc.Geographic.TopZipCodes, 2)
	assert.Equal(t, 70.0, doc.Geographic.TopZipCodes[0].Percentage)
	assert.Equal(t, 30.0, doc.Geographic.TopZipCodes[1].Percentage)

	assert.False(t, doc.Performance.HourlySynthetic)
	assert.Equal(t, int64(60), doc.Performance.HourlyDistribution[9].Count)
	assert.Equal(t, SpeedStat{Avg: 210, Max: 900, Min: 5}, doc.SpeedMetrics.Overall)
	assert.Equal(t, int64(5), doc.ExclusionMetrics.TotalExcluded)
}

func TestNormalize_TechnologyMetricsPrecedence(t *testing.T) {
	n := NewNormalizer(nil, fixedNow)

	direct := canonicalReport(t, "2025-01-15", func(m map[string]any) {
		m["technology_metrics"] = map[string]any{"Satellite": 7}
		m["technologies"] = map[string]any{"DSL": 3}
	})
	doc, err := n.Normalize(mustParseTree(t, direct))
	require.NoError(t, err)
	assert.Equal(t, CountMap{{Name: "Satellite", Count: 7}}, doc.TechnologyMetrics)

	unreadable := canonicalReport(t, "2025-01-15", func(m map[string]any) {
		m["technology_metrics"] = "n/a"
		m["technologies"] = map[string]any{"DSL": 3}
	})
	doc, err = n.Normalize(mustParseTree(t, unreadable))
	require.NoError(t, err)
	assert.Empty(t, doc.TechnologyMetrics, "present technology_metrics is never replaced by derived data")

	legacy := canonicalReport(t, "2025-01-15", func(m map[string]any) {
		m["technologies"] = []any{map[string]any{"technology": "DSL", "count": 3}}
	})
	doc, err = n.Normalize(mustParseTree(t, legacy))
	require.NoError(t, err)
	assert.Equal(t, CountMap{{Name: "DSL", Count: 3}}, doc.TechnologyMetrics)

	derived := canonicalReport(t, "2025-01-15", nil)
	doc, err = n.Normalize(mustParseTree(t, derived))
	require.NoError(t, err)
	assert.Equal(t, CountMap{{Name: "Fiber", Count: 60}, {Name: "Cable", Count: 40}}, doc.TechnologyMetrics)
}

func TestNormalize_SpeedMergedIntoCompactGeography(t *testing.T) {
	raw := []byte(`{
	  "source": {"site_id": "s1", "site_name": "Test"},
	  "data": {
	    "date": "2025-01-15",
	    "summary": {"total_requests": 10},
	    "providers": {"available": {"Starlink": 10}},
	    "geographic": {"states": {"tx": 10}}
	  },
	  "speed_metrics": {
	    "overall": {"avg": 50},
	    "by_state": {"TX": {"avg": 42.5}},
	    "by_provider": {"Starlink": {"avg_speed": 80}}
	  }
	}`)
	doc, err := NewNormalizer(nil, fixedNow).Normalize(mustParseTree(t, raw))
	require.NoError(t, err)
	require.Len(t, doc.Geographic.States, 1)
	assert.Equal(t, "Texas", doc.Geographic.States[0].Name)
	assert.Equal(t, 42.5, doc.Geographic.States[0].AvgSpeed)
	require.Len(t, doc.Providers.TopProviders, 1)
	assert.Equal(t, "Satellite", doc.Providers.TopProviders[0].Technology)
	assert.Equal(t, 80.0, doc.Providers.TopProviders[0].AvgSpeed)
	assert.Equal(t, 0.0, doc.Providers.TopProviders[0].SuccessRate)
}

func TestSyntheticHourly(t *testing.T) {
	hours := SyntheticHourly(240)
	require.Len(t, hours, hoursPerDay)
	assert.Equal(t, int64(5), hours[0].Count)
	assert.Equal(t, int64(10), hours[6].Count)
	assert.Equal(t, int64(15), hours[12].Count)
	for _, h := range hours {
		assert.LessOrEqual(t, h.Count, hours[12].Count, "hour %d above the noon peak", h.Hour)
	}
	assert.Equal(t, int64(10), hours[18].Count)
	for _, h := range SyntheticHourly(0) {
		assert.Zero(t, h.Count)
	}
}

func TestHourlyFromTree_AcceptsSlotArrayAndObject(t *testing.T) {
	slots := hourlyFromTree(mustParseTree(t, []byte(`[1, 2, 3]`)))
	require.Len(t, slots, hoursPerDay)
	assert.Equal(t, int64(3), slots[2].Count)

	byKey := hourlyFromTree(mustParseTree(t, []byte(`{"7": 4, "25": 9, "x": 1}`)))
	require.Len(t, byKey, hoursPerDay)
	assert.Equal(t, int64(4), byKey[7].Count)

	assert.Nil(t, hourlyFromTree(mustParseTree(t, []byte(`[]`))))
}

func TestSplitCityState(t *testing.T) {
	name, state := splitCityState("Los Angeles, ca")
	assert.Equal(t, "Los Angeles", name)
	assert.Equal(t, "CA", state)

	name, state = splitCityState("Washington, District of Columbia")
	assert.Equal(t, "Washington, District of Columbia", name)
	assert.Empty(t, state)
}

func TestSortedByCount_TiesKeepInputOrder(t *testing.T) {
	assert.Equal(t, []int{1, 0, 2}, sortedByCount([]int64{50, 200, 10}))
	assert.Equal(t, []int{1, 0, 2}, sortedByCount([]int64{5, 9, 5}))
}
