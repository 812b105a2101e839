package reports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T) *FactBuilder {
	t.Helper()
	lookups := DefaultLookups()
	return NewFactBuilder(NewResolver(newTestDB(t), lookups), lookups)
}

func TestFactBuilder_RanksProvidersByCount(t *testing.T) {
	b := newTestBuilder(t)
	doc := &Document{
		Summary: Summary{TotalRequests: 260},
		Providers: Providers{TopProviders: []ProviderEntry{
			{Name: "Alpha Cable", TotalCount: 50},
			{Name: "Beta Fiber", TotalCount: 200},
			{Name: "Gamma DSL", TotalCount: 10},
		}},
	}
	facts, err := b.Build(t.Context(), 1, doc)
	require.NoError(t, err)
	require.Len(t, facts.Providers, 3)

	ranks := map[int64]int{}
	for _, p := range facts.Providers {
		ranks[p.TotalCount] = p.RankPosition
		assert.Equal(t, uint(1), p.ReportID)
	}
	assert.Equal(t, map[int64]int{200: 1, 50: 2, 10: 3}, ranks)
	assert.Equal(t, "Cable", facts.Providers[0].Technology)
	assert.Equal(t, "Alpha Cable", facts.Providers[0].OriginalName)
}

func TestFactBuilder_ZipPercentages(t *testing.T) {
	b := newTestBuilder(t)
	doc := &Document{
		Summary: Summary{TotalRequests: 100},
		Geographic: Geographic{TopZipCodes: []ZipEntry{
			{ZipCode: "10001", RequestCount: 30},
			{ZipCode: "94105", RequestCount: 70},
		}},
	}
	facts, err := b.Build(t.Context(), 7, doc)
	require.NoError(t, err)
	require.Len(t, facts.ZipCodes, 2)
	assert.Equal(t, 30.0, facts.ZipCodes[0].Percentage)
	assert.Equal(t, 70.0, facts.ZipCodes[1].Percentage)

	doc.Summary.TotalRequests = 0
	facts, err = b.Build(t.Context(), 7, doc)
	require.NoError(t, err)
	for _, z := range facts.ZipCodes {
		assert.Zero(t, z.Percentage)
	}
}

func TestFactBuilder_MergesVariantsOfOneDimension(t *testing.T) {
	b := newTestBuilder(t)
	doc := &Document{
		Summary: Summary{TotalRequests: 100, UniqueProviders: 5, UniqueStates: 9},
		Providers: Providers{TopProviders: []ProviderEntry{
			{Name: "AT&T", TotalCount: 10},
			{Name: "Spectrum", TotalCount: 30},
			{Name: "AT & T", TotalCount: 25},
		}},
		Geographic: Geographic{
			States: []StateEntry{{Code: "TX", RequestCount: 60}, {Code: "tx", RequestCount: 40}},
			TopCities: []CityEntry{
				{Name: "Austin", State: "TX", RequestCount: 60, ZipCodes: []string{"73301"}},
			},
			TopZipCodes: []ZipEntry{
				{ZipCode: "78701", State: "TX", City: "austin", RequestCount: 60},
			},
		},
	}
	facts, err := b.Build(t.Context(), 3, doc)
	require.NoError(t, err)

	require.Len(t, facts.Providers, 2)
	assert.Equal(t, "AT&T", facts.Providers[0].OriginalName)
	assert.Equal(t, int64(35), facts.Providers[0].TotalCount)
	assert.Equal(t, 1, facts.Providers[0].RankPosition)
	assert.Equal(t, 2, facts.Providers[1].RankPosition)

	require.Len(t, facts.States, 1)
	assert.Equal(t, int64(100), facts.States[0].RequestCount)

	require.Len(t, facts.Cities, 1)
	assert.Equal(t, []string{"73301", "78701"}, []string(facts.Cities[0].ZipCodes))

	assert.Equal(t, 2, facts.Summary.UniqueProviders, "resolved count wins over declared")
	assert.Equal(t, 1, facts.Summary.UniqueStates)
	assert.Equal(t, 1, facts.Summary.UniqueZipCodes)
}

func TestFactBuilder_SummaryFallsBackToDeclaredCounts(t *testing.T) {
	b := newTestBuilder(t)
	doc := &Document{
		Summary: Summary{
			TotalRequests: 50, FailedRequests: 2, SuccessRate: 96, AvgRequestsPerHour: 2.08,
			UniqueProviders: 4, UniqueStates: 3,
		},
		SpeedMetrics: SpeedMetrics{Overall: SpeedStat{Avg: 120, Max: 300, Min: 1}},
	}
	facts, err := b.Build(t.Context(), 9, doc)
	require.NoError(t, err)
	assert.Equal(t, ReportSummary{
		ReportID: 9, TotalRequests: 50, FailedRequests: 2, SuccessRate: 96, AvgRequestsPerHour: 2.08,
		UniqueProviders: 4, UniqueStates: 3,
		AvgSpeedMbps: 120, MaxSpeedMbps: 300, MinSpeedMbps: 1,
	}, facts.Summary)
	assert.Empty(t, facts.Providers)
	assert.Empty(t, facts.Cities)
}

func TestFactBuilder_ResolverErrorsPropagate(t *testing.T) {
	b := newTestBuilder(t)
	doc := &Document{
		Geographic: Geographic{TopZipCodes: []ZipEntry{{ZipCode: "00001", RequestCount: 1}}},
	}
	_, err := b.Build(t.Context(), 1, doc)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
