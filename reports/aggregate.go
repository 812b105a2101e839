package reports

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"gorm.io/gorm"
)

const (
	defaultCacheTTL = 30 * time.Second

	StatsTopN      = 20
	DashboardTopN  = 10
	exclusionsTopN = 10
)

// DateRange limits aggregation to report dates in [From, To]. Empty bounds are open.
type DateRange struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

func (r DateRange) apply(q *gorm.DB, column string) *gorm.DB {
	if r.From != "" {
		q = q.Where(column+" >= ?", r.From)
	}
	if r.To != "" {
		q = q.Where(column+" <= ?", r.To)
	}
	return q
}

type KPIs struct {
	Reports         int     `json:"reports"`
	TotalRequests   int64   `json:"total_requests"`
	FailedRequests  int64   `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
	DailyAverage    float64 `json:"daily_average"`
	UniqueProviders int     `json:"unique_providers"`
}

type ProviderShare struct {
	ProviderID uint    `json:"provider_id"`
	Name       string  `json:"name"`
	Requests   int64   `json:"requests"`
	Percentage float64 `json:"percentage"`
}

type LocationStat struct {
	ID       uint    `json:"id"`
	Code     string  `json:"code,omitempty"`
	Name     string  `json:"name"`
	Requests int64   `json:"requests"`
	AvgSpeed float64 `json:"avg_speed"`
}

type HourlyPoint struct {
	Hour     int     `json:"hour"`
	Requests int64   `json:"requests"`
	Level    float64 `json:"level"`
}

type TechnologyShare struct {
	Technology string  `json:"technology"`
	Requests   int64   `json:"requests"`
	Percentage float64 `json:"percentage"`
	Providers  int     `json:"providers"`
}

type ExclusionCount struct {
	Provider string `json:"provider"`
	Excluded int64  `json:"excluded"`
}

type TrendPoint struct {
	Date            string  `json:"date"`
	TotalRequests   int64   `json:"total_requests"`
	FailedRequests  int64   `json:"failed_requests"`
	SuccessRate     float64 `json:"success_rate"`
	RequestsPerHour float64 `json:"requests_per_hour"`
}

// TenantStats is the aggregate view over a tenant's processed reports.
type TenantStats struct {
	TenantID     uint              `json:"tenant_id"`
	Range        DateRange         `json:"range"`
	KPIs         KPIs              `json:"kpis"`
	Providers    []ProviderShare   `json:"providers"`
	States       []LocationStat    `json:"states"`
	Cities       []LocationStat    `json:"cities"`
	ZipCodes     []LocationStat    `json:"zip_codes"`
	Hourly       []HourlyPoint     `json:"hourly"`
	Technologies []TechnologyShare `json:"technologies"`
	Exclusions   []ExclusionCount  `json:"exclusions"`
	Trend        []TrendPoint      `json:"trend"`
}

func emptyStats(tenantID uint, rng DateRange) *TenantStats {
	return &TenantStats{
		TenantID:     tenantID,
		Range:        rng,
		Providers:    []ProviderShare{},
		States:       []LocationStat{},
		Cities:       []LocationStat{},
		ZipCodes:     []LocationStat{},
		Hourly:       []HourlyPoint{},
		Technologies: []TechnologyShare{},
		Exclusions:   []ExclusionCount{},
		Trend:        []TrendPoint{},
	}
}

// Aggregator computes cross-report statistics. Results are cached per tenant until
// the TTL expires or the tenant's reports change.
type Aggregator struct {
	db  *gorm.DB
	log *slog.Logger
	ttl time.Duration

	cache *ttlcache.Cache[string, *TenantStats]
	mu    sync.Mutex
	gen   map[uint]uint64
}

func NewAggregator(db *gorm.DB, logger *slog.Logger, ttl time.Duration) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	return &Aggregator{
		db:    db,
		log:   logger,
		ttl:   ttl,
		cache: ttlcache.New(ttlcache.WithTTL[string, *TenantStats](ttl)),
		gen:   map[uint]uint64{},
	}
}

// Stats is the full view with the top 20 of each leaderboard.
func (a *Aggregator) Stats(ctx context.Context, tenantID uint, rng DateRange) (*TenantStats, error) {
	return a.cached(ctx, "stats", tenantID, rng, StatsTopN)
}

// Dashboard is the compact view with the top 10 of each leaderboard.
func (a *Aggregator) Dashboard(ctx context.Context, tenantID uint, rng DateRange) (*TenantStats, error) {
	return a.cached(ctx, "dashboard", tenantID, rng, DashboardTopN)
}

// Invalidate drops every cached result for the tenant.
func (a *Aggregator) Invalidate(tenantID uint) {
	a.mu.Lock()
	a.gen[tenantID]++
	a.mu.Unlock()

	prefix := tenantCachePrefix(tenantID)
	for _, key := range a.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			a.cache.Delete(key)
		}
	}
}

func tenantCachePrefix(tenantID uint) string {
	return fmt.Sprintf("tenant:%d:", tenantID)
}

func (a *Aggregator) cached(ctx context.Context, view string, tenantID uint, rng DateRange, topN int) (*TenantStats, error) {
	if a.ttl < 0 {
		return a.Compute(ctx, tenantID, rng, topN)
	}
	key := fmt.Sprintf("%s%s:%s:%s", tenantCachePrefix(tenantID), view, rng.From, rng.To)
	if item := a.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	a.mu.Lock()
	gen := a.gen[tenantID]
	a.mu.Unlock()

	stats, err := a.Compute(ctx, tenantID, rng, topN)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen[tenantID] == gen {
		a.cache.Set(key, stats, ttlcache.DefaultTTL)
	}
	return stats, nil
}

// Compute aggregates the tenant's processed reports without consulting the cache.
// Reports in any other status are ignored, so concurrent processing never fails a read.
func (a *Aggregator) Compute(ctx context.Context, tenantID uint, rng DateRange, topN int) (*TenantStats, error) {
	out := emptyStats(tenantID, rng)
	db := a.db.WithContext(ctx)

	var reports []Report
	q := rng.apply(db.Where("tenant_id = ? AND status = ?", tenantID, StatusProcessed), "report_date")
	if err := q.Order("report_date asc, id asc").Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}
	if len(reports) == 0 {
		return out, nil
	}
	ids := make([]uint, len(reports))
	for i, r := range reports {
		ids[i] = r.ID
	}

	var summaries []ReportSummary
	if err := db.Where("report_id IN ?", ids).Find(&summaries).Error; err != nil {
		return nil, fmt.Errorf("load summaries: %w", err)
	}
	bySummary := make(map[uint]ReportSummary, len(summaries))
	for _, s := range summaries {
		bySummary[s.ReportID] = s
	}

	var err error
	if out.KPIs, err = a.kpis(db, reports, bySummary, ids); err != nil {
		return nil, err
	}
	out.Trend = trend(reports, bySummary)
	if out.Providers, err = a.providers(db, ids, topN); err != nil {
		return nil, err
	}
	if out.States, err = a.states(db, ids, topN, reports); err != nil {
		return nil, err
	}
	if out.Cities, err = a.cities(db, ids, topN); err != nil {
		return nil, err
	}
	if out.ZipCodes, err = a.zipCodes(db, ids, topN); err != nil {
		return nil, err
	}
	if out.Technologies, err = a.technologies(db, ids); err != nil {
		return nil, err
	}
	out.Hourly = hourly(reports)
	out.Exclusions = exclusions(reports, exclusionsTopN)

	a.log.Debug("aggregated tenant stats", "tenant_id", tenantID, "reports", len(reports))
	return out, nil
}

func (a *Aggregator) kpis(db *gorm.DB, reports []Report, summaries map[uint]ReportSummary, ids []uint) (KPIs, error) {
	k := KPIs{Reports: len(reports)}
	var rateSum float64
	rated := 0
	for _, r := range reports {
		s, ok := summaries[r.ID]
		if !ok {
			continue
		}
		k.TotalRequests += s.TotalRequests
		k.FailedRequests += s.FailedRequests
		rateSum += s.SuccessRate
		rated++
	}
	if rated > 0 {
		k.SuccessRate = round2(rateSum / float64(rated))
	}
	k.DailyAverage = round2(float64(k.TotalRequests) / float64(len(reports)))

	var providers int64
	if err := db.Model(&ReportProvider{}).Where("report_id IN ?", ids).Distinct("provider_id").Count(&providers).Error; err != nil {
		return k, fmt.Errorf("count providers: %w", err)
	}
	k.UniqueProviders = int(providers)
	return k, nil
}

func trend(reports []Report, summaries map[uint]ReportSummary) []TrendPoint {
	out := make([]TrendPoint, 0, len(reports))
	for _, r := range reports {
		s := summaries[r.ID]
		out = append(out, TrendPoint{
			Date:            r.ReportDate,
			TotalRequests:   s.TotalRequests,
			FailedRequests:  s.FailedRequests,
			SuccessRate:     s.SuccessRate,
			RequestsPerHour: s.AvgRequestsPerHour,
		})
	}
	return out
}

type providerRow struct {
	ID       uint
	Name     string
	Requests int64
}

func (a *Aggregator) providers(db *gorm.DB, ids []uint, topN int) ([]ProviderShare, error) {
	var rows []providerRow
	err := db.Model(&ReportProvider{}).
		Select("report_providers.provider_id AS id, providers.name AS name, SUM(report_providers.total_count) AS requests").
		Joins("JOIN providers ON providers.id = report_providers.provider_id").
		Where("report_providers.report_id IN ?", ids).
		Group("report_providers.provider_id, providers.name").
		Order("requests DESC, id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate providers: %w", err)
	}
	var total int64
	for _, r := range rows {
		total += r.Requests
	}
	out := make([]ProviderShare, 0, min(len(rows), topN))
	for i, r := range rows {
		if i >= topN {
			break
		}
		out = append(out, ProviderShare{
			ProviderID: r.ID,
			Name:       r.Name,
			Requests:   r.Requests,
			Percentage: percentOf(r.Requests, total),
		})
	}
	return out, nil
}

type locationRow struct {
	ID       uint
	Code     string
	Name     string
	Requests int64
	AvgSpeed float64
}

func (l locationRow) stat() LocationStat {
	return LocationStat{ID: l.ID, Code: l.Code, Name: l.Name, Requests: l.Requests, AvgSpeed: round2(l.AvgSpeed)}
}

func (a *Aggregator) states(db *gorm.DB, ids []uint, topN int, reports []Report) ([]LocationStat, error) {
	var rows []locationRow
	err := db.Model(&ReportState{}).
		Select("states.id AS id, states.code AS code, states.name AS name, SUM(report_states.request_count) AS requests, COALESCE(AVG(NULLIF(report_states.avg_speed, 0)), 0) AS avg_speed").
		Joins("JOIN states ON states.id = report_states.state_id").
		Where("report_states.report_id IN ?", ids).
		Group("states.id, states.code, states.name").
		Order("requests DESC, id ASC").
		Limit(topN).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate states: %w", err)
	}

	allZero := true
	for _, r := range rows {
		if r.AvgSpeed != 0 {
			allZero = false
			break
		}
	}
	if allZero && len(rows) > 0 {
		speeds := stateSpeedsFromPayloads(reports)
		for i := range rows {
			rows[i].AvgSpeed = speeds[NormalizeStateCode(rows[i].Code)]
		}
	}

	out := make([]LocationStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.stat())
	}
	return out, nil
}

// stateSpeedsFromPayloads averages the non-zero per-state speeds found in raw payloads,
// for reports whose state facts carry no speed.
func stateSpeedsFromPayloads(reports []Report) map[string]float64 {
	sums := map[string]float64{}
	counts := map[string]int{}
	observe := func(code string, v float64) {
		if v == 0 {
			return
		}
		key := NormalizeStateCode(code)
		sums[key] += v
		counts[key]++
	}
	for _, r := range reports {
		tree, err := ParseTree(r.Payload)
		if err != nil {
			continue
		}
		if byState, ok := getPath(tree, "speed_metrics", "by_state"); ok {
			if o, ok := asObject(byState); ok {
				for _, code := range o.Keys {
					if s, ok := asSpeed(o.Values[code]); ok {
						observe(code, s.Avg)
					}
				}
			}
		}
		if states, ok := getPath(tree, "geographic", "states"); ok {
			if list, ok := states.([]any); ok {
				for _, item := range list {
					o, ok := asObject(item)
					if !ok {
						continue
					}
					observe(firstString(o, "code", "state", "state_code"), getFloat(o, "avg_speed", "avg_speed_mbps"))
				}
			}
		}
	}
	out := make(map[string]float64, len(sums))
	for k, sum := range sums {
		out[k] = sum / float64(counts[k])
	}
	return out
}

func (a *Aggregator) cities(db *gorm.DB, ids []uint, topN int) ([]LocationStat, error) {
	var rows []locationRow
	err := db.Model(&ReportCity{}).
		Select("cities.id AS id, states.code AS code, cities.name AS name, SUM(report_cities.request_count) AS requests, COALESCE(AVG(NULLIF(report_cities.avg_speed, 0)), 0) AS avg_speed").
		Joins("JOIN cities ON cities.id = report_cities.city_id").
		Joins("LEFT JOIN states ON states.id = cities.state_id").
		Where("report_cities.report_id IN ?", ids).
		Group("cities.id, states.code, cities.name").
		Order("requests DESC, id ASC").
		Limit(topN).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate cities: %w", err)
	}
	out := make([]LocationStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.stat())
	}
	return out, nil
}

func (a *Aggregator) zipCodes(db *gorm.DB, ids []uint, topN int) ([]LocationStat, error) {
	var rows []locationRow
	err := db.Model(&ReportZipCode{}).
		Select("zip_codes.id AS id, zip_codes.code AS code, zip_codes.code AS name, SUM(report_zip_codes.request_count) AS requests, COALESCE(AVG(NULLIF(report_zip_codes.avg_speed, 0)), 0) AS avg_speed").
		Joins("JOIN zip_codes ON zip_codes.id = report_zip_codes.zip_code_id").
		Where("report_zip_codes.report_id IN ?", ids).
		Group("zip_codes.id, zip_codes.code").
		Order("requests DESC, id ASC").
		Limit(topN).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate zip codes: %w", err)
	}
	out := make([]LocationStat, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.stat())
	}
	return out, nil
}

type technologyRow struct {
	Technology string
	Requests   int64
	Providers  int
}

func (a *Aggregator) technologies(db *gorm.DB, ids []uint) ([]TechnologyShare, error) {
	var rows []technologyRow
	err := db.Model(&ReportProvider{}).
		Select("technology, SUM(total_count) AS requests, COUNT(DISTINCT provider_id) AS providers").
		Where("report_id IN ?", ids).
		Group("technology").
		Order("requests DESC, technology ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate technologies: %w", err)
	}
	var total int64
	for _, r := range rows {
		total += r.Requests
	}
	out := make([]TechnologyShare, 0, len(rows))
	for _, r := range rows {
		tech := r.Technology
		if tech == "" {
			tech = TechnologyUnknown
		}
		out = append(out, TechnologyShare{
			Technology: tech,
			Requests:   r.Requests,
			Percentage: percentOf(r.Requests, total),
			Providers:  r.Providers,
		})
	}
	return out, nil
}

// hourly sums the stored hourly distributions and scales them to [0,1] between the
// quietest and busiest hour.
func hourly(reports []Report) []HourlyPoint {
	var buckets [hoursPerDay]int64
	for _, r := range reports {
		v, ok := payloadValue(r.Payload, "performance", "hourly_distribution")
		if !ok {
			continue
		}
		for _, h := range hourlyFromTree(v) {
			buckets[h.Hour] += h.Count
		}
	}
	out := make([]HourlyPoint, hoursPerDay)
	lo, hi := buckets[0], buckets[0]
	for _, c := range buckets {
		lo = min(lo, c)
		hi = max(hi, c)
	}
	for h, c := range buckets {
		out[h] = HourlyPoint{Hour: h, Requests: c, Level: minMaxLevel(c, lo, hi)}
	}
	return out
}

func minMaxLevel(v, lo, hi int64) float64 {
	if hi == lo {
		if hi > 0 {
			return 1
		}
		return 0
	}
	return round2(float64(v-lo) / float64(hi-lo))
}

func exclusions(reports []Report, topN int) []ExclusionCount {
	totals := CountMap{}
	index := map[string]int{}
	for _, r := range reports {
		v, ok := payloadValue(r.Payload, "exclusion_metrics", "by_provider")
		if !ok {
			continue
		}
		for _, nc := range countMapFromTree(v) {
			if i, ok := index[nc.Name]; ok {
				totals[i].Count += nc.Count
				continue
			}
			index[nc.Name] = len(totals)
			totals = append(totals, nc)
		}
	}
	counts := make([]int64, len(totals))
	for i, nc := range totals {
		counts[i] = nc.Count
	}
	out := make([]ExclusionCount, 0, min(len(totals), topN))
	for _, i := range sortedByCount(counts) {
		if len(out) >= topN {
			break
		}
		out = append(out, ExclusionCount{Provider: totals[i].Name, Excluded: totals[i].Count})
	}
	return out
}

func payloadValue(payload []byte, keys ...string) (any, bool) {
	tree, err := ParseTree(payload)
	if err != nil {
		return nil, false
	}
	return getPath(tree, keys...)
}
