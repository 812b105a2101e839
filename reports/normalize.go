package reports

import (
	"math"
	"sort"
	"strings"
	"time"
)

type Shape string

const (
	ShapeCanonical Shape = "canonical"
	ShapeDaily     Shape = "daily"
)

const (
	hoursPerDay       = 24
	curvePhaseHours   = 6
	dailyDataVersion  = "daily-1.0"
	reportTimeLayout  = "2006-01-02 15:04:05"
	reportDateLayout  = "2006-01-02"
	endOfDayClockTime = "23:59:59"
)

// DetectShape recognizes the compact daily shape by its data.{date|summary} section.
func DetectShape(doc any) (Shape, error) {
	root, ok := asObject(doc)
	if !ok {
		return "", ErrUnknownShape
	}
	if data, ok := getObject(root, "data"); ok {
		_, hasDate := data.Get("date")
		_, hasSummary := data.Get("summary")
		if hasDate || hasSummary {
			return ShapeDaily, nil
		}
	}
	for _, k := range []string{"source", "metadata", "summary"} {
		if _, ok := root.Get(k); ok {
			return ShapeCanonical, nil
		}
	}
	return "", ErrUnknownShape
}

// Normalizer maps every recognized inbound shape onto Document.
type Normalizer struct {
	lookups *Lookups
	now     func() time.Time
}

func NewNormalizer(lookups *Lookups, now func() time.Time) *Normalizer {
	if lookups == nil {
		lookups = DefaultLookups()
	}
	if now == nil {
		now = time.Now
	}
	return &Normalizer{lookups: lookups, now: now}
}

func (n *Normalizer) Normalize(doc any) (*Document, error) {
	shape, err := DetectShape(doc)
	if err != nil {
		return nil, err
	}
	root, _ := asObject(doc)
	switch shape {
	case ShapeDaily:
		return n.fromDaily(root), nil
	default:
		return n.fromCanonical(root), nil
	}
}

func (n *Normalizer) fromCanonical(root *Object) *Document {
	out := &Document{}
	source, _ := getObject(root, "source")
	out.Source = readSource(source)

	meta, _ := getObject(root, "metadata")
	period, _ := getObject(meta, "report_period")
	out.Metadata = Metadata{
		ReportDate:   getString(meta, "report_date"),
		ReportPeriod: Period{Start: getString(period, "start"), End: getString(period, "end")},
		GeneratedAt:  getString(meta, "generated_at"),
		DataVersion:  getString(meta, "data_version"),
		ReportType:   getString(meta, "report_type"),
		SourceShape:  ShapeCanonical,
	}

	summary, _ := getObject(root, "summary")
	out.Summary = readSummary(summary)

	speedRaw, hasSpeed := root.Get("speed_metrics")
	out.SpeedMetrics = n.speedMetrics(speedRaw, hasSpeed, out.Summary)

	providers, _ := getObject(root, "providers")
	var provRaw any
	if providers != nil {
		if v, ok := providers.Get("top_providers"); ok {
			provRaw = v
		} else if v, ok := providers.Get("available"); ok {
			provRaw = v
		}
	}
	out.Providers.TopProviders = n.providerEntries(provRaw, out.SpeedMetrics)

	geo, _ := getObject(root, "geographic")
	out.Geographic = n.geographic(geo, out.SpeedMetrics, out.Summary.TotalRequests)

	perf, _ := getObject(root, "performance")
	out.Performance = n.performance(perf, out.Summary.TotalRequests)

	excl, _ := root.Get("exclusion_metrics")
	out.ExclusionMetrics = readExclusions(excl)

	out.TechnologyMetrics = n.technologyMetrics(root, nil, out.Providers.TopProviders)
	n.fillDerived(out)
	return out
}

func (n *Normalizer) fromDaily(root *Object) *Document {
	out := &Document{}
	source, _ := getObject(root, "source")
	out.Source = readSource(source)

	data, _ := getObject(root, "data")
	date := getString(data, "date")
	out.Metadata = Metadata{
		ReportDate:   date,
		ReportPeriod: Period{Start: date + " 00:00:00", End: date + " " + endOfDayClockTime},
		GeneratedAt:  n.now().UTC().Format(reportTimeLayout),
		DataVersion:  dailyDataVersion,
		ReportType:   "daily",
		SourceShape:  ShapeDaily,
	}
	if v := getString(root, "generated_at"); v != "" {
		out.Metadata.GeneratedAt = v
	}
	if v := getString(root, "version"); v != "" {
		out.Metadata.DataVersion = v
	}

	summary, _ := getObject(data, "summary")
	out.Summary = readSummary(summary)

	speedRaw, hasSpeed := root.Get("speed_metrics")
	out.SpeedMetrics = n.speedMetrics(speedRaw, hasSpeed, out.Summary)

	providers, _ := getObject(data, "providers")
	var provRaw any
	if providers != nil {
		if v, ok := providers.Get("available"); ok {
			provRaw = v
		} else if v, ok := providers.Get("top_providers"); ok {
			provRaw = v
		}
	}
	out.Providers.TopProviders = n.providerEntries(provRaw, out.SpeedMetrics)

	geo, _ := getObject(data, "geographic")
	out.Geographic = n.geographic(geo, out.SpeedMetrics, out.Summary.TotalRequests)

	perf, _ := getObject(data, "performance")
	if perf == nil {
		perf, _ = getObject(root, "performance")
	}
	out.Performance = n.performance(perf, out.Summary.TotalRequests)

	excl, _ := root.Get("exclusion_metrics")
	out.ExclusionMetrics = readExclusions(excl)

	out.TechnologyMetrics = n.technologyMetrics(root, data, out.Providers.TopProviders)
	n.fillDerived(out)
	return out
}

func readSource(o *Object) Source {
	return Source{
		Domain:   strings.ToLower(getString(o, "domain")),
		SiteID:   getString(o, "site_id"),
		SiteName: getString(o, "site_name"),
	}
}

func readSummary(o *Object) Summary {
	return Summary{
		TotalRequests:      getInt(o, "total_requests"),
		FailedRequests:     getInt(o, "failed_requests"),
		SuccessRate:        getFloat(o, "success_rate"),
		AvgRequestsPerHour: getFloat(o, "avg_requests_per_hour"),
		UniqueProviders:    int(getInt(o, "unique_providers")),
		UniqueStates:       int(getInt(o, "unique_states")),
		UniqueCities:       int(getInt(o, "unique_cities")),
		UniqueZipCodes:     int(getInt(o, "unique_zip_codes", "unique_zipcodes")),
		AvgSpeedMbps:       getFloat(o, "avg_speed_mbps"),
		MaxSpeedMbps:       getFloat(o, "max_speed_mbps"),
		MinSpeedMbps:       getFloat(o, "min_speed_mbps"),
	}
}

// speedMetrics keeps a supplied speed_metrics section and otherwise synthesizes one
// from the summary speed fields.
func (n *Normalizer) speedMetrics(raw any, present bool, summary Summary) SpeedMetrics {
	out := SpeedMetrics{ByState: map[string]SpeedStat{}, ByProvider: map[string]SpeedStat{}}
	o, ok := asObject(raw)
	if !present || !ok {
		out.Overall = SpeedStat{Avg: summary.AvgSpeedMbps, Max: summary.MaxSpeedMbps, Min: summary.MinSpeedMbps}
		return out
	}
	if v, ok := o.Get("overall"); ok {
		out.Overall, _ = asSpeed(v)
	} else {
		out.Overall, _ = asSpeed(o)
	}
	if byState, ok := getObject(o, "by_state"); ok {
		for _, k := range byState.Keys {
			if s, ok := asSpeed(byState.Values[k]); ok {
				out.ByState[NormalizeStateCode(k)] = s
			}
		}
	}
	if byProvider, ok := getObject(o, "by_provider"); ok {
		for _, k := range byProvider.Keys {
			if s, ok := asSpeed(byProvider.Values[k]); ok {
				out.ByProvider[k] = s
			}
		}
	}
	return out
}

// providerEntries accepts a list of provider objects or a name -> count map.
func (n *Normalizer) providerEntries(raw any, speed SpeedMetrics) []ProviderEntry {
	out := []ProviderEntry{}
	switch t := raw.(type) {
	case []any:
		for _, item := range t {
			o, ok := asObject(item)
			if !ok {
				continue
			}
			name := firstString(o, "name", "provider", "provider_name")
			if name == "" {
				continue
			}
			entry := ProviderEntry{
				Name:        name,
				Technology:  firstString(o, "technology", "tech"),
				TotalCount:  getInt(o, "total_count", "count", "requests"),
				SuccessRate: getFloat(o, "success_rate"),
				AvgSpeed:    getFloat(o, "avg_speed", "avg_speed_mbps"),
			}
			if entry.AvgSpeed == 0 {
				entry.AvgSpeed = speed.ByProvider[name].Avg
			}
			out = append(out, entry)
		}
	case *Object:
		for _, name := range t.Keys {
			count, ok := asCount(t.Values[name])
			if !ok {
				continue
			}
			// success_rate is not carried by the count map form and stays 0.
			out = append(out, ProviderEntry{
				Name:       strings.TrimSpace(name),
				TotalCount: count,
				AvgSpeed:   speed.ByProvider[name].Avg,
			})
		}
		rankObjectEntries(out, func(e ProviderEntry) (int64, string) { return e.TotalCount, e.Name })
	}
	for i := range out {
		if strings.TrimSpace(out[i].Technology) == "" {
			out[i].Technology = n.lookups.InferTechnology(out[i].Name)
		}
	}
	return out
}

func (n *Normalizer) geographic(geo *Object, speed SpeedMetrics, total int64) Geographic {
	out := Geographic{States: []StateEntry{}, TopCities: []CityEntry{}, TopZipCodes: []ZipEntry{}}
	if geo == nil {
		return out
	}

	if v, ok := geo.Get("states"); ok {
		out.States = n.stateEntries(v, speed)
	}
	for _, key := range []string{"top_cities", "cities"} {
		if v, ok := geo.Get(key); ok {
			out.TopCities = cityEntries(v)
			break
		}
	}
	for _, key := range []string{"top_zip_codes", "zipcodes", "zip_codes"} {
		if v, ok := geo.Get(key); ok {
			out.TopZipCodes = zipEntries(v, total)
			break
		}
	}
	return out
}

func (n *Normalizer) stateEntries(raw any, speed SpeedMetrics) []StateEntry {
	out := []StateEntry{}
	switch t := raw.(type) {
	case *Object:
		for _, id := range t.Keys {
			count, ok := asCount(t.Values[id])
			if !ok {
				continue
			}
			code := NormalizeStateCode(id)
			out = append(out, StateEntry{
				Code:         id,
				Name:         n.lookups.StateName(id),
				RequestCount: count,
				AvgSpeed:     speed.ByState[code].Avg,
			})
		}
		rankObjectEntries(out, func(e StateEntry) (int64, string) { return e.RequestCount, e.Code })
	case []any:
		for _, item := range t {
			o, ok := asObject(item)
			if !ok {
				continue
			}
			code := firstString(o, "code", "state", "state_code")
			if code == "" {
				continue
			}
			name := firstString(o, "name", "state_name")
			if name == "" {
				name = n.lookups.StateName(code)
			}
			entry := StateEntry{
				Code:         code,
				Name:         name,
				RequestCount: getInt(o, "request_count", "count", "requests", "total_requests"),
				SuccessRate:  getFloat(o, "success_rate"),
				AvgSpeed:     getFloat(o, "avg_speed", "avg_speed_mbps"),
			}
			if entry.AvgSpeed == 0 {
				entry.AvgSpeed = speed.ByState[NormalizeStateCode(code)].Avg
			}
			out = append(out, entry)
		}
	}
	return out
}

func cityEntries(raw any) []CityEntry {
	out := []CityEntry{}
	switch t := raw.(type) {
	case *Object:
		for _, id := range t.Keys {
			count, ok := asCount(t.Values[id])
			if !ok {
				continue
			}
			name, state := splitCityState(id)
			entry := CityEntry{Name: name, State: state, RequestCount: count}
			if o, ok := asObject(t.Values[id]); ok {
				entry.ZipCodes = stringList(o, "zip_codes", "zipcodes")
				entry.AvgSpeed = getFloat(o, "avg_speed")
			}
			out = append(out, entry)
		}
		rankObjectEntries(out, func(e CityEntry) (int64, string) { return e.RequestCount, e.Name + "," + e.State })
	case []any:
		for _, item := range t {
			o, ok := asObject(item)
			if !ok {
				continue
			}
			label := firstString(o, "name", "city", "city_name")
			if label == "" {
				continue
			}
			name, state := splitCityState(label)
			if s := firstString(o, "state", "state_code"); s != "" {
				state = s
			}
			out = append(out, CityEntry{
				Name:         name,
				State:        state,
				RequestCount: getInt(o, "request_count", "count", "requests", "total_requests"),
				ZipCodes:     stringList(o, "zip_codes", "zipcodes"),
				AvgSpeed:     getFloat(o, "avg_speed", "avg_speed_mbps"),
			})
		}
	}
	return out
}

func zipEntries(raw any, total int64) []ZipEntry {
	out := []ZipEntry{}
	switch t := raw.(type) {
	case *Object:
		for _, id := range t.Keys {
			count, ok := asCount(t.Values[id])
			if !ok {
				continue
			}
			out = append(out, ZipEntry{
				ZipCode:      strings.TrimSpace(id),
				RequestCount: count,
				Percentage:   percentOf(count, total),
			})
		}
		rankObjectEntries(out, func(e ZipEntry) (int64, string) { return e.RequestCount, e.ZipCode })
	case []any:
		for _, item := range t {
			o, ok := asObject(item)
			if !ok {
				continue
			}
			code := firstString(o, "zip_code", "zipcode", "zip", "code")
			if code == "" {
				continue
			}
			count := getInt(o, "request_count", "count", "requests", "total_requests")
			pct, ok := getNumber(o, "percentage")
			if !ok {
				pct = percentOf(count, total)
			}
			out = append(out, ZipEntry{
				ZipCode:      code,
				State:        firstString(o, "state", "state_code"),
				City:         firstString(o, "city", "city_name"),
				RequestCount: count,
				Percentage:   pct,
				AvgSpeed:     getFloat(o, "avg_speed", "avg_speed_mbps"),
			})
		}
	}
	return out
}

// splitCityState separates "Los Angeles, CA" into its name and state code parts.
func splitCityState(s string) (string, string) {
	s = strings.TrimSpace(s)
	idx := strings.LastIndex(s, ",")
	if idx <= 0 {
		return s, ""
	}
	state := strings.TrimSpace(s[idx+1:])
	if len(state) != 2 || NormalizeStateCode(state) != strings.ToUpper(state) {
		return s, ""
	}
	return strings.TrimSpace(s[:idx]), strings.ToUpper(state)
}

func stringList(o *Object, keys ...string) []string {
	for _, k := range keys {
		v, ok := o.Get(k)
		if !ok {
			continue
		}
		arr, ok := v.([]any)
		if !ok {
			continue
		}
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s, ok := asString(item); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

func (n *Normalizer) performance(perf *Object, total int64) Performance {
	out := Performance{}
	if perf != nil {
		out.AvgResponseTime = getFloat(perf, "avg_response_time")
		for _, key := range []string{"hourly_distribution", "hourly"} {
			if v, ok := perf.Get(key); ok {
				out.HourlyDistribution = hourlyFromTree(v)
				break
			}
		}
		if v, ok := perf.Get("hourly_synthetic"); ok {
			if b, ok := v.(bool); ok {
				out.HourlySynthetic = b
			}
		}
	}
	if len(out.HourlyDistribution) == 0 {
		out.HourlyDistribution = SyntheticHourly(total)
		out.HourlySynthetic = true
	}
	return out
}

// hourlyFromTree accepts [{hour, count}], a 24-slot array of counts, or an hour -> count object.
func hourlyFromTree(v any) []HourlyCount {
	var buckets [hoursPerDay]int64
	seen := false
	switch t := v.(type) {
	case []any:
		for i, item := range t {
			if o, ok := asObject(item); ok {
				hf, ok := getNumber(o, "hour")
				if !ok {
					continue
				}
				h := int(hf)
				if h < 0 || h >= hoursPerDay {
					continue
				}
				buckets[h] += getInt(o, "count", "requests", "total")
				seen = true
				continue
			}
			if c, ok := asCount(item); ok && i < hoursPerDay {
				buckets[i] += c
				seen = true
			}
		}
	case *Object:
		for _, k := range t.Keys {
			hf, ok := asNumber(k)
			if !ok {
				continue
			}
			h := int(hf)
			if h < 0 || h >= hoursPerDay {
				continue
			}
			if c, ok := asCount(t.Values[k]); ok {
				buckets[h] += c
				seen = true
			}
		}
	}
	if !seen {
		return nil
	}
	out := make([]HourlyCount, hoursPerDay)
	for h := range buckets {
		out[h] = HourlyCount{Hour: h, Count: buckets[h]}
	}
	return out
}

// SyntheticHourly spreads a daily total over 24 hours on sin((h-6)π/12), which peaks at 12:00.
// The result is an estimate, not measured data.
func SyntheticHourly(total int64) []HourlyCount {
	out := make([]HourlyCount, hoursPerDay)
	base := float64(total) / hoursPerDay
	for h := 0; h < hoursPerDay; h++ {
		factor := math.Sin(float64(h-curvePhaseHours)*math.Pi/12)*0.5 + 1
		out[h] = HourlyCount{Hour: h, Count: int64(math.Round(math.Max(0, base*factor)))}
	}
	return out
}

func readExclusions(raw any) ExclusionMetrics {
	out := ExclusionMetrics{ByProvider: CountMap{}, ByReason: CountMap{}}
	o, ok := asObject(raw)
	if !ok {
		return out
	}
	if v, ok := o.Get("by_provider"); ok {
		out.ByProvider = countMapFromTree(v)
	}
	if v, ok := o.Get("by_reason"); ok {
		out.ByReason = countMapFromTree(v)
	}
	if total, ok := getNumber(o, "total_excluded", "total"); ok {
		out.TotalExcluded = int64(math.Round(total))
	} else {
		out.TotalExcluded = out.ByProvider.Total()
	}
	return out
}

// technologyMetrics resolves the technology breakdown from, in order:
// technology_metrics, data.technologies, technologies, then provider totals.
// A non-null technology_metrics is authoritative even when it yields no counts.
func (n *Normalizer) technologyMetrics(root, data *Object, providers []ProviderEntry) CountMap {
	if v, ok := root.Get("technology_metrics"); ok && v != nil {
		return countMapFromTree(v)
	}
	if data != nil {
		if v, ok := data.Get("technologies"); ok {
			if m := countMapFromTree(v); len(m) > 0 {
				return m
			}
		}
	}
	if v, ok := root.Get("technologies"); ok {
		if m := countMapFromTree(v); len(m) > 0 {
			return m
		}
	}
	out := CountMap{}
	index := map[string]int{}
	for _, p := range providers {
		tech := p.Technology
		if tech == "" {
			tech = TechnologyUnknown
		}
		if i, ok := index[tech]; ok {
			out[i].Count += p.TotalCount
			continue
		}
		index[tech] = len(out)
		out = append(out, NamedCount{Name: tech, Count: p.TotalCount})
	}
	return out
}

func (n *Normalizer) fillDerived(doc *Document) {
	doc.Summary.AvgRequestsPerHour = round2(float64(doc.Summary.TotalRequests) / hoursPerDay)
	if doc.Summary.UniqueProviders == 0 {
		doc.Summary.UniqueProviders = len(doc.Providers.TopProviders)
	}
	if doc.Summary.UniqueStates == 0 {
		doc.Summary.UniqueStates = len(doc.Geographic.States)
	}
	if doc.Summary.UniqueCities == 0 {
		doc.Summary.UniqueCities = len(doc.Geographic.TopCities)
	}
	if doc.Summary.UniqueZipCodes == 0 {
		doc.Summary.UniqueZipCodes = len(doc.Geographic.TopZipCodes)
	}
	if doc.Metadata.ReportPeriod.Start == "" && doc.Metadata.ReportDate != "" {
		doc.Metadata.ReportPeriod.Start = doc.Metadata.ReportDate + " 00:00:00"
	}
	if doc.Metadata.ReportPeriod.End == "" && doc.Metadata.ReportDate != "" {
		doc.Metadata.ReportPeriod.End = doc.Metadata.ReportDate + " " + endOfDayClockTime
	}
}

// rankObjectEntries orders entries read from a JSON object by descending count,
// ties by key, so the source object's key order never leaks into the payload.
func rankObjectEntries[T any](entries []T, rank func(T) (int64, string)) {
	sort.SliceStable(entries, func(a, b int) bool {
		ca, ka := rank(entries[a])
		cb, kb := rank(entries[b])
		if ca != cb {
			return ca > cb
		}
		return ka < kb
	})
}

// sortedByCount returns indexes of counts ordered by descending count, ties by input order.
func sortedByCount(counts []int64) []int {
	idx := make([]int, len(counts))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return counts[idx[a]] > counts[idx[b]]
	})
	return idx
}

// ParseReportTime reads the timestamp forms found in report metadata.
func ParseReportTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		reportTimeLayout,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		reportDateLayout,
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
