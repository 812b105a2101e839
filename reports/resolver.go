package reports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

const zipCodeWidth = 5

// Resolver finds or creates dimension rows by natural key. It is safe for concurrent
// use by many processing workers: a create that loses a uniqueness race re-reads
// and returns the winning row.
type Resolver struct {
	db      *gorm.DB
	lookups *Lookups
}

func NewResolver(db *gorm.DB, lookups *Lookups) *Resolver {
	if lookups == nil {
		lookups = DefaultLookups()
	}
	return &Resolver{db: db, lookups: lookups}
}

// findOrCreate looks a row up with where, creates it with build on a miss, and on a
// unique violation returns the row committed by the competing writer.
func findOrCreate[T any](ctx context.Context, db *gorm.DB, dimension string, where func(*gorm.DB) *gorm.DB, build func() *T) (*T, bool, error) {
	var existing T
	err := where(db.WithContext(ctx)).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("find %s: %w", dimension, err)
	}

	row := build()
	if err := db.WithContext(ctx).Create(row).Error; err != nil {
		if !IsUniqueViolation(err) {
			return nil, false, fmt.Errorf("create %s: %w", dimension, err)
		}
		DimensionConflicts.WithLabelValues(dimension).Inc()
		var winner T
		if err := where(db.WithContext(ctx)).First(&winner).Error; err != nil {
			return nil, false, fmt.Errorf("re-read %s after %w: %w", dimension, ErrConflict, err)
		}
		return &winner, false, nil
	}
	return row, true, nil
}

func (r *Resolver) ResolveState(ctx context.Context, code string, name string) (*State, error) {
	s, _, err := r.resolveState(ctx, code, name)
	return s, err
}

func (r *Resolver) resolveState(ctx context.Context, code string, name string) (*State, bool, error) {
	key := NormalizeStateCode(code)
	if key == "" {
		return nil, false, fmt.Errorf("resolve state: empty code %q", code)
	}
	display := strings.TrimSpace(name)
	if display == "" || strings.EqualFold(display, key) {
		display = r.lookups.StateName(key)
	}
	return findOrCreate(ctx, r.db, "state",
		func(q *gorm.DB) *gorm.DB { return q.Where("code = ?", key) },
		func() *State { return &State{Code: key, Name: display, IsActive: true} },
	)
}

// DefaultState returns the first active state, the fallback when no state can be determined.
func (r *Resolver) DefaultState(ctx context.Context) (*State, error) {
	var s State
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id asc").First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &NotFoundError{Kind: "active state", ID: "default"}
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// StateIDFor applies the state resolution policy: an explicit id wins, then the
// inferred code, then the first active state.
func (r *Resolver) StateIDFor(ctx context.Context, explicitID *uint, inferredCode string) (uint, error) {
	if explicitID != nil && *explicitID != 0 {
		return *explicitID, nil
	}
	if NormalizeStateCode(inferredCode) != "" {
		s, err := r.ResolveState(ctx, inferredCode, "")
		if err != nil {
			return 0, err
		}
		return s.ID, nil
	}
	s, err := r.DefaultState(ctx)
	if err != nil {
		return 0, err
	}
	return s.ID, nil
}

func (r *Resolver) ResolveCity(ctx context.Context, name string, stateID uint, lat, lon *float64) (*City, error) {
	key := NormalizeCityName(name)
	if key == "" {
		return nil, fmt.Errorf("resolve city: empty name %q", name)
	}
	var explicit *uint
	if stateID != 0 {
		explicit = &stateID
	}
	sid, err := r.StateIDFor(ctx, explicit, "")
	if err != nil {
		return nil, fmt.Errorf("resolve city %q: %w", key, err)
	}
	c, _, err := findOrCreate(ctx, r.db, "city",
		func(q *gorm.DB) *gorm.DB { return q.Where("name = ? AND state_id = ?", key, sid) },
		func() *City {
			return &City{Name: key, StateID: sid, Latitude: lat, Longitude: lon, IsActive: true}
		},
	)
	return c, err
}

func (r *Resolver) ResolveZip(ctx context.Context, code string, stateID *uint, cityID *uint) (*ZipCode, error) {
	key, ok := NormalizeZipCode(code)
	if !ok {
		return nil, fmt.Errorf("resolve zip code: invalid code %q", code)
	}
	inferred, _ := r.lookups.StateForZip(key)
	sid, err := r.StateIDFor(ctx, stateID, inferred)
	if err != nil {
		return nil, fmt.Errorf("resolve zip code %s: %w", key, err)
	}
	z, created, err := findOrCreate(ctx, r.db, "zip_code",
		func(q *gorm.DB) *gorm.DB { return q.Where("code = ?", key) },
		func() *ZipCode {
			return &ZipCode{Code: key, StateID: sid, CityID: cityID, Type: "standard", IsActive: true}
		},
	)
	if err != nil {
		return nil, err
	}
	if !created && z.CityID == nil && cityID != nil {
		if err := r.db.WithContext(ctx).Model(&ZipCode{}).
			Where("id = ? AND city_id IS NULL", z.ID).
			Update("city_id", *cityID).Error; err != nil {
			return nil, fmt.Errorf("attach city to zip code %s: %w", key, err)
		}
		z.CityID = cityID
	}
	return z, nil
}

func (r *Resolver) ResolveProvider(ctx context.Context, name string, technologies []string, website string) (*Provider, error) {
	key := ProviderKey(name)
	if key == "" {
		return nil, fmt.Errorf("resolve provider: unusable name %q", name)
	}
	tags := normalizeTechnologies(technologies)
	website = strings.TrimSpace(website)
	p, created, err := findOrCreate(ctx, r.db, "provider",
		func(q *gorm.DB) *gorm.DB { return q.Where("name_key = ?", key) },
		func() *Provider {
			return &Provider{
				Name:         ProviderDisplayName(name),
				NameKey:      key,
				Slug:         Slugify(name),
				Website:      website,
				Technologies: tags,
				IsActive:     true,
			}
		},
	)
	if err != nil || created {
		return p, err
	}
	if !containsAll(p.Technologies, tags) || (p.Website == "" && website != "") {
		return r.mergeProvider(ctx, p.ID, tags, website)
	}
	return p, nil
}

// mergeProvider unions technology tags into a stored provider inside one transaction.
func (r *Resolver) mergeProvider(ctx context.Context, id uint, tags []string, website string) (*Provider, error) {
	var out Provider
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out, id).Error; err != nil {
			return err
		}
		updates := map[string]any{}
		merged := normalizeTechnologies(append(append([]string(nil), out.Technologies...), tags...))
		if len(merged) != len(out.Technologies) {
			out.Technologies = merged
			updates["technologies"] = out.Technologies
		}
		if out.Website == "" && website != "" {
			out.Website = website
			updates["website"] = website
		}
		if len(updates) == 0 {
			return nil
		}
		return tx.Model(&Provider{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return nil, fmt.Errorf("merge provider %d: %w", id, err)
	}
	return &out, nil
}

func NormalizeStateCode(code string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(code) {
		if unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// NormalizeZipCode keeps the first five digits, zero-padding shorter codes.
func NormalizeZipCode(code string) (string, bool) {
	var digits strings.Builder
	for _, r := range code {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	if d == "" {
		return "", false
	}
	if len(d) > zipCodeWidth {
		d = d[:zipCodeWidth]
	}
	return strings.Repeat("0", zipCodeWidth-len(d)) + d, true
}

var cityTitle = cases.Title(language.English)

func NormalizeCityName(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '.' {
			return -1
		}
		return r
	}, name)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if cleaned == "" {
		return ""
	}
	return cityTitle.String(cleaned)
}

// ProviderKey collapses a provider name to lowercase letters and digits.
func ProviderKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func ProviderDisplayName(name string) string {
	s := strings.Join(strings.Fields(name), " ")
	s = strings.ReplaceAll(s, " & ", "&")
	return s
}

// Slugify lowercases name and joins its letter/digit runs with hyphens.
func Slugify(name string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		pendingDash = true
	}
	return b.String()
}

func normalizeTechnologies(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || strings.EqualFold(t, TechnologyUnknown) {
			continue
		}
		if _, ok := seen[strings.ToLower(t)]; ok {
			continue
		}
		seen[strings.ToLower(t)] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func containsAll(have []string, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[strings.ToLower(h)] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[strings.ToLower(w)]; !ok {
			return false
		}
	}
	return true
}
