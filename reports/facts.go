package reports

import (
	"context"
	"fmt"
	"strings"
)

// FactSet is every fact row derived from one canonical document.
type FactSet struct {
	Summary   ReportSummary
	Providers []ReportProvider
	States    []ReportState
	Cities    []ReportCity
	ZipCodes  []ReportZipCode
}

// FactBuilder explodes canonical documents into fact rows, resolving dimensions as it goes.
type FactBuilder struct {
	resolver *Resolver
	lookups  *Lookups
}

func NewFactBuilder(resolver *Resolver, lookups *Lookups) *FactBuilder {
	if lookups == nil {
		lookups = DefaultLookups()
	}
	return &FactBuilder{resolver: resolver, lookups: lookups}
}

// Build resolves every dimension the document references and returns its facts.
// Any resolver error is returned as is; nothing is written besides dimension rows.
func (b *FactBuilder) Build(ctx context.Context, reportID uint, doc *Document) (*FactSet, error) {
	run := &factRun{builder: b, reportID: reportID, doc: doc, stateIDs: map[string]uint{}, cityIDs: map[string]uint{}}

	providers, err := run.providers(ctx)
	if err != nil {
		return nil, err
	}
	states, err := run.states(ctx)
	if err != nil {
		return nil, err
	}
	cities, err := run.cities(ctx)
	if err != nil {
		return nil, err
	}
	zips, err := run.zipCodes(ctx)
	if err != nil {
		return nil, err
	}

	return &FactSet{
		Summary:   run.summary(len(providers), len(states), len(cities), len(zips)),
		Providers: providers,
		States:    states,
		Cities:    cities,
		ZipCodes:  zips,
	}, nil
}

type factRun struct {
	builder  *FactBuilder
	reportID uint
	doc      *Document

	stateIDs map[string]uint
	cityIDs  map[string]uint
}

func (r *factRun) providers(ctx context.Context) ([]ReportProvider, error) {
	out := []ReportProvider{}
	byProvider := map[uint]int{}
	for _, entry := range r.doc.Providers.TopProviders {
		tech := strings.TrimSpace(entry.Technology)
		if tech == "" {
			tech = r.builder.lookups.InferTechnology(entry.Name)
		}
		p, err := r.builder.resolver.ResolveProvider(ctx, entry.Name, []string{tech}, "")
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", entry.Name, err)
		}
		if i, ok := byProvider[p.ID]; ok {
			out[i].TotalCount += entry.TotalCount
			if out[i].AvgSpeed == 0 {
				out[i].AvgSpeed = entry.AvgSpeed
			}
			continue
		}
		byProvider[p.ID] = len(out)
		out = append(out, ReportProvider{
			ReportID:     r.reportID,
			ProviderID:   p.ID,
			OriginalName: entry.Name,
			Technology:   tech,
			TotalCount:   entry.TotalCount,
			SuccessRate:  entry.SuccessRate,
			AvgSpeed:     entry.AvgSpeed,
		})
	}

	counts := make([]int64, len(out))
	for i := range out {
		counts[i] = out[i].TotalCount
	}
	for rank, i := range sortedByCount(counts) {
		out[i].RankPosition = rank + 1
	}
	return out, nil
}

func (r *factRun) states(ctx context.Context) ([]ReportState, error) {
	out := []ReportState{}
	byState := map[uint]int{}
	for _, entry := range r.doc.Geographic.States {
		id, err := r.stateID(ctx, entry.Code, entry.Name)
		if err != nil {
			return nil, err
		}
		if i, ok := byState[id]; ok {
			out[i].RequestCount += entry.RequestCount
			continue
		}
		byState[id] = len(out)
		out = append(out, ReportState{
			ReportID:     r.reportID,
			StateID:      id,
			RequestCount: entry.RequestCount,
			SuccessRate:  entry.SuccessRate,
			AvgSpeed:     entry.AvgSpeed,
		})
	}
	return out, nil
}

func (r *factRun) cities(ctx context.Context) ([]ReportCity, error) {
	out := []ReportCity{}
	byCity := map[uint]int{}
	for _, entry := range r.doc.Geographic.TopCities {
		id, err := r.cityID(ctx, entry.Name, entry.State)
		if err != nil {
			return nil, err
		}
		zips := r.cityZipCodes(entry)
		if i, ok := byCity[id]; ok {
			out[i].RequestCount += entry.RequestCount
			out[i].ZipCodes = appendUnique(out[i].ZipCodes, zips...)
			continue
		}
		byCity[id] = len(out)
		out = append(out, ReportCity{
			ReportID:     r.reportID,
			CityID:       id,
			RequestCount: entry.RequestCount,
			ZipCodes:     zips,
			AvgSpeed:     entry.AvgSpeed,
		})
	}
	return out, nil
}

// cityZipCodes lists the zip codes a city entry names, plus zip entries that point back at it.
func (r *factRun) cityZipCodes(entry CityEntry) []string {
	zips := []string{}
	for _, z := range entry.ZipCodes {
		if code, ok := NormalizeZipCode(z); ok {
			zips = appendUnique(zips, code)
		}
	}
	name := NormalizeCityName(entry.Name)
	for _, z := range r.doc.Geographic.TopZipCodes {
		if z.City == "" || NormalizeCityName(z.City) != name {
			continue
		}
		if entry.State != "" && z.State != "" && NormalizeStateCode(z.State) != NormalizeStateCode(entry.State) {
			continue
		}
		if code, ok := NormalizeZipCode(z.ZipCode); ok {
			zips = appendUnique(zips, code)
		}
	}
	return zips
}

func (r *factRun) zipCodes(ctx context.Context) ([]ReportZipCode, error) {
	out := []ReportZipCode{}
	byZip := map[uint]int{}
	total := r.doc.Summary.TotalRequests
	for _, entry := range r.doc.Geographic.TopZipCodes {
		var stateID, cityID *uint
		if entry.State != "" {
			id, err := r.stateID(ctx, entry.State, "")
			if err != nil {
				return nil, err
			}
			stateID = &id
		}
		if entry.City != "" {
			id, err := r.cityID(ctx, entry.City, entry.State)
			if err != nil {
				return nil, err
			}
			cityID = &id
		}
		z, err := r.builder.resolver.ResolveZip(ctx, entry.ZipCode, stateID, cityID)
		if err != nil {
			return nil, fmt.Errorf("zip code %q: %w", entry.ZipCode, err)
		}
		if i, ok := byZip[z.ID]; ok {
			out[i].RequestCount += entry.RequestCount
			out[i].Percentage = percentOf(out[i].RequestCount, total)
			continue
		}
		byZip[z.ID] = len(out)
		out = append(out, ReportZipCode{
			ReportID:     r.reportID,
			ZipCodeID:    z.ID,
			RequestCount: entry.RequestCount,
			Percentage:   percentOf(entry.RequestCount, total),
			AvgSpeed:     entry.AvgSpeed,
		})
	}
	return out, nil
}

func (r *factRun) summary(providers, states, cities, zips int) ReportSummary {
	s := r.doc.Summary
	speed := r.doc.SpeedMetrics.Overall
	out := ReportSummary{
		ReportID:           r.reportID,
		TotalRequests:      s.TotalRequests,
		FailedRequests:     s.FailedRequests,
		SuccessRate:        s.SuccessRate,
		AvgRequestsPerHour: s.AvgRequestsPerHour,
		UniqueProviders:    resolvedOrDeclared(providers, s.UniqueProviders),
		UniqueStates:       resolvedOrDeclared(states, s.UniqueStates),
		UniqueCities:       resolvedOrDeclared(cities, s.UniqueCities),
		UniqueZipCodes:     resolvedOrDeclared(zips, s.UniqueZipCodes),
		AvgSpeedMbps:       firstNonZero(s.AvgSpeedMbps, speed.Avg),
		MaxSpeedMbps:       firstNonZero(s.MaxSpeedMbps, speed.Max),
		MinSpeedMbps:       firstNonZero(s.MinSpeedMbps, speed.Min),
	}
	return out
}

func (r *factRun) stateID(ctx context.Context, code, name string) (uint, error) {
	key := NormalizeStateCode(code)
	if id, ok := r.stateIDs[key]; ok {
		return id, nil
	}
	s, err := r.builder.resolver.ResolveState(ctx, code, name)
	if err != nil {
		return 0, fmt.Errorf("state %q: %w", code, err)
	}
	r.stateIDs[key] = s.ID
	return s.ID, nil
}

func (r *factRun) cityID(ctx context.Context, name, stateCode string) (uint, error) {
	var stateID uint
	if NormalizeStateCode(stateCode) != "" {
		id, err := r.stateID(ctx, stateCode, "")
		if err != nil {
			return 0, err
		}
		stateID = id
	}
	key := fmt.Sprintf("%s|%d", NormalizeCityName(name), stateID)
	if id, ok := r.cityIDs[key]; ok {
		return id, nil
	}
	c, err := r.builder.resolver.ResolveCity(ctx, name, stateID, nil, nil)
	if err != nil {
		return 0, fmt.Errorf("city %q: %w", name, err)
	}
	r.cityIDs[key] = c.ID
	return c.ID, nil
}

// resolvedOrDeclared prefers the number of fact rows actually produced.
func resolvedOrDeclared(resolved, declared int) int {
	if resolved > 0 {
		return resolved
	}
	return declared
}

func firstNonZero(vals ...float64) float64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, have := range list {
			if have == item {
				found = true
				break
			}
		}
		if !found {
			list = append(list, item)
		}
	}
	return list
}
