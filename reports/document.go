package reports

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Document is the canonical report schema every inbound shape is normalized into.
type Document struct {
	Source            Source           `json:"source"`
	Metadata          Metadata         `json:"metadata"`
	Summary           Summary          `json:"summary"`
	Providers         Providers        `json:"providers"`
	Geographic        Geographic       `json:"geographic"`
	Performance       Performance      `json:"performance"`
	SpeedMetrics      SpeedMetrics     `json:"speed_metrics"`
	ExclusionMetrics  ExclusionMetrics `json:"exclusion_metrics"`
	TechnologyMetrics CountMap         `json:"technology_metrics"`
}

type Source struct {
	Domain   string `json:"domain"`
	SiteID   string `json:"site_id"`
	SiteName string `json:"site_name"`
}

type Period struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Metadata struct {
	ReportDate   string `json:"report_date"`
	ReportPeriod Period `json:"report_period"`
	GeneratedAt  string `json:"generated_at"`
	DataVersion  string `json:"data_version"`
	ReportType   string `json:"report_type,omitempty"`
	// SourceShape records which inbound shape the document was normalized from.
	SourceShape Shape `json:"source_shape"`
}

type Summary struct {
	TotalRequests      int64   `json:"total_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AvgRequestsPerHour float64 `json:"avg_requests_per_hour"`
	UniqueProviders    int     `json:"unique_providers"`
	UniqueStates       int     `json:"unique_states"`
	UniqueCities       int     `json:"unique_cities"`
	UniqueZipCodes     int     `json:"unique_zip_codes"`
	AvgSpeedMbps       float64 `json:"avg_speed_mbps"`
	MaxSpeedMbps       float64 `json:"max_speed_mbps"`
	MinSpeedMbps       float64 `json:"min_speed_mbps"`
}

type Providers struct {
	TopProviders []ProviderEntry `json:"top_providers"`
}

type ProviderEntry struct {
	Name        string  `json:"name"`
	Technology  string  `json:"technology"`
	TotalCount  int64   `json:"total_count"`
	SuccessRate float64 `json:"success_rate"`
	AvgSpeed    float64 `json:"avg_speed"`
}

type Geographic struct {
	States      []StateEntry `json:"states"`
	TopCities   []CityEntry  `json:"top_cities"`
	TopZipCodes []ZipEntry   `json:"top_zip_codes"`
}

type StateEntry struct {
	Code         string  `json:"code"`
	Name         string  `json:"name"`
	RequestCount int64   `json:"request_count"`
	SuccessRate  float64 `json:"success_rate"`
	AvgSpeed     float64 `json:"avg_speed"`
}

type CityEntry struct {
	Name         string   `json:"name"`
	State        string   `json:"state,omitempty"`
	RequestCount int64    `json:"request_count"`
	ZipCodes     []string `json:"zip_codes,omitempty"`
	AvgSpeed     float64  `json:"avg_speed"`
}

type ZipEntry struct {
	ZipCode      string  `json:"zip_code"`
	State        string  `json:"state,omitempty"`
	City         string  `json:"city,omitempty"`
	RequestCount int64   `json:"request_count"`
	Percentage   float64 `json:"percentage"`
	AvgSpeed     float64 `json:"avg_speed"`
}

type Performance struct {
	HourlyDistribution []HourlyCount `json:"hourly_distribution"`
	// HourlySynthetic is set when HourlyDistribution was estimated from the daily total.
	HourlySynthetic bool    `json:"hourly_synthetic"`
	AvgResponseTime float64 `json:"avg_response_time,omitempty"`
}

type HourlyCount struct {
	Hour  int   `json:"hour"`
	Count int64 `json:"count"`
}

type SpeedStat struct {
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
	Min float64 `json:"min"`
}

type SpeedMetrics struct {
	Overall    SpeedStat            `json:"overall"`
	ByState    map[string]SpeedStat `json:"by_state"`
	ByProvider map[string]SpeedStat `json:"by_provider"`
}

type ExclusionMetrics struct {
	TotalExcluded int64    `json:"total_excluded"`
	ByProvider    CountMap `json:"by_provider"`
	ByReason      CountMap `json:"by_reason"`
}

type NamedCount struct {
	Name  string
	Count int64
}

// CountMap is an identifier -> count object that keeps its source order.
// Values may be scalars or objects carrying a count field.
type CountMap []NamedCount

func (m CountMap) Get(name string) (int64, bool) {
	for _, nc := range m {
		if nc.Name == name {
			return nc.Count, true
		}
	}
	return 0, false
}

func (m CountMap) Total() int64 {
	var total int64
	for _, nc := range m {
		total += nc.Count
	}
	return total
}

func (m CountMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, nc := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(nc.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		fmt.Fprintf(&buf, "%d", nc.Count)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *CountMap) UnmarshalJSON(b []byte) error {
	tree, err := ParseTree(b)
	if err != nil {
		return err
	}
	*m = countMapFromTree(tree)
	return nil
}

// countMapFromTree accepts {"name": count|{count:..}} objects and
// [{"name"|"technology"|"provider": ..., "count": ...}] arrays.
func countMapFromTree(v any) CountMap {
	out := CountMap{}
	switch t := v.(type) {
	case *Object:
		for _, k := range t.Keys {
			c, ok := asCount(t.Values[k])
			if !ok {
				continue
			}
			out = append(out, NamedCount{Name: k, Count: c})
		}
	case []any:
		for _, item := range t {
			o, ok := asObject(item)
			if !ok {
				continue
			}
			name := firstString(o, "name", "technology", "provider", "key")
			if name == "" {
				continue
			}
			c, ok := asCount(o)
			if !ok {
				continue
			}
			out = append(out, NamedCount{Name: name, Count: c})
		}
	}
	return out
}

func firstString(o *Object, keys ...string) string {
	for _, k := range keys {
		if s := getString(o, k); s != "" {
			return s
		}
	}
	return ""
}

func DecodeDocument(b []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode canonical document: %w", err)
	}
	return &doc, nil
}

func (d *Document) Encode() ([]byte, error) {
	return json.Marshal(d)
}
