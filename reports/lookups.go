package reports

import (
	"strings"
)

const TechnologyUnknown = "Unknown"

// TechnologyClass is matched by case-insensitive substring containment of any keyword
// in a provider display name. Classes are checked in slice order.
type TechnologyClass struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// ZipPrefixRange maps three-digit ZIP prefixes [From, To] to a state code.
type ZipPrefixRange struct {
	From  int    `yaml:"from"`
	To    int    `yaml:"to"`
	State string `yaml:"state"`
}

// Lookups holds the reference tables used by normalization and dimension resolution.
// Treat a Lookups value as immutable once handed to a Service.
type Lookups struct {
	StateNames        map[string]string
	TechnologyClasses []TechnologyClass
	ZipPrefixes       []ZipPrefixRange
}

func DefaultLookups() *Lookups {
	names := make(map[string]string, len(defaultStateNames))
	for k, v := range defaultStateNames {
		names[k] = v
	}
	classes := make([]TechnologyClass, len(defaultTechnologyClasses))
	for i, c := range defaultTechnologyClasses {
		classes[i] = TechnologyClass{Name: c.Name, Keywords: append([]string(nil), c.Keywords...)}
	}
	return &Lookups{
		StateNames:        names,
		TechnologyClasses: classes,
		ZipPrefixes:       append([]ZipPrefixRange(nil), defaultZipPrefixes...),
	}
}

// WithOverrides returns a copy of l extended by cfg. State names are merged,
// technology classes and zip prefixes replace the defaults when given.
func (l *Lookups) WithOverrides(cfg LookupsConfig) *Lookups {
	out := &Lookups{
		StateNames:        make(map[string]string, len(l.StateNames)+len(cfg.StateNames)),
		TechnologyClasses: l.TechnologyClasses,
		ZipPrefixes:       l.ZipPrefixes,
	}
	for k, v := range l.StateNames {
		out.StateNames[k] = v
	}
	for k, v := range cfg.StateNames {
		code := NormalizeStateCode(k)
		if code == "" || strings.TrimSpace(v) == "" {
			continue
		}
		out.StateNames[code] = strings.TrimSpace(v)
	}
	if len(cfg.TechnologyClasses) > 0 {
		out.TechnologyClasses = cfg.TechnologyClasses
	}
	if len(cfg.ZipPrefixes) > 0 {
		out.ZipPrefixes = cfg.ZipPrefixes
	}
	return out
}

// StateName resolves a state code to its display name. Unknown codes are their own name.
func (l *Lookups) StateName(code string) string {
	c := NormalizeStateCode(code)
	if name, ok := l.StateNames[c]; ok {
		return name
	}
	return strings.TrimSpace(code)
}

// InferTechnology returns the first technology class whose keyword occurs in name.
func (l *Lookups) InferTechnology(name string) string {
	lower := strings.ToLower(name)
	for _, class := range l.TechnologyClasses {
		for _, kw := range class.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if strings.Contains(lower, kw) {
				return class.Name
			}
		}
	}
	return TechnologyUnknown
}

// StateForZip infers a state code from the leading digits of a normalized ZIP code.
func (l *Lookups) StateForZip(zip string) (string, bool) {
	if len(zip) < 3 {
		return "", false
	}
	prefix := 0
	for _, r := range zip[:3] {
		if r < '0' || r > '9' {
			return "", false
		}
		prefix = prefix*10 + int(r-'0')
	}
	for _, rng := range l.ZipPrefixes {
		if prefix >= rng.From && prefix <= rng.To {
			return rng.State, true
		}
	}
	return "", false
}

var defaultTechnologyClasses = []TechnologyClass{
	{Name: "Mobile", Keywords: []string{"mobile", "wireless", "cellular"}},
	{Name: "Cable", Keywords: []string{"cable"}},
	{Name: "Fiber", Keywords: []string{"fiber", "fibre", "fios"}},
	{Name: "Satellite", Keywords: []string{"satellite", "hughesnet", "viasat", "starlink"}},
	{Name: "DSL", Keywords: []string{"dsl"}},
}

var defaultStateNames = map[string]string{
	"AL": "Alabama", "AK": "Alaska", "AZ": "Arizona", "AR": "Arkansas", "CA": "California",
	"CO": "Colorado", "CT": "Connecticut", "DE": "Delaware", "DC": "District of Columbia",
	"FL": "Florida", "GA": "Georgia", "HI": "Hawaii", "ID": "Idaho", "IL": "Illinois",
	"IN": "Indiana", "IA": "Iowa", "KS": "Kansas", "KY": "Kentucky", "LA": "Louisiana",
	"ME": "Maine", "MD": "Maryland", "MA": "Massachusetts", "MI": "Michigan", "MN": "Minnesota",
	"MS": "Mississippi", "MO": "Missouri", "MT": "Montana", "NE": "Nebraska", "NV": "Nevada",
	"NH": "New Hampshire", "NJ": "New Jersey", "NM": "New Mexico", "NY": "New York",
	"NC": "North Carolina", "ND": "North Dakota", "OH": "Ohio", "OK": "Oklahoma", "OR": "Oregon",
	"PA": "Pennsylvania", "RI": "Rhode Island", "SC": "South Carolina", "SD": "South Dakota",
	"TN": "Tennessee", "TX": "Texas", "UT": "Utah", "VT": "Vermont", "VA": "Virginia",
	"WA": "Washington", "WV": "West Virginia", "WI": "Wisconsin", "WY": "Wyoming",
	"PR": "Puerto Rico", "VI": "U.S. Virgin Islands", "GU": "Guam",
}

var defaultZipPrefixes = []ZipPrefixRange{
	{5, 5, "NY"}, {6, 7, "PR"}, {8, 8, "VI"}, {9, 9, "PR"},
	{10, 27, "MA"}, {28, 29, "RI"}, {30, 38, "NH"}, {39, 49, "ME"}, {50, 59, "VT"},
	{60, 69, "CT"}, {70, 89, "NJ"}, {100, 149, "NY"}, {150, 196, "PA"}, {197, 199, "DE"},
	{200, 200, "DC"}, {201, 201, "VA"}, {202, 205, "DC"}, {206, 219, "MD"}, {220, 246, "VA"},
	{247, 268, "WV"}, {270, 289, "NC"}, {290, 299, "SC"}, {300, 319, "GA"}, {320, 349, "FL"},
	{350, 369, "AL"}, {370, 385, "TN"}, {386, 397, "MS"}, {398, 399, "GA"}, {400, 427, "KY"},
	{430, 459, "OH"}, {460, 479, "IN"}, {480, 499, "MI"}, {500, 528, "IA"}, {530, 549, "WI"},
	{550, 567, "MN"}, {569, 569, "DC"}, {570, 577, "SD"}, {580, 588, "ND"}, {590, 599, "MT"},
	{600, 629, "IL"}, {630, 658, "MO"}, {660, 679, "KS"}, {680, 693, "NE"}, {700, 715, "LA"},
	{716, 729, "AR"}, {733, 733, "TX"}, {730, 749, "OK"}, {750, 799, "TX"}, {800, 816, "CO"},
	{820, 831, "WY"}, {832, 838, "ID"}, {840, 847, "UT"}, {850, 865, "AZ"}, {870, 884, "NM"},
	{885, 885, "TX"}, {889, 898, "NV"}, {900, 961, "CA"}, {967, 968, "HI"}, {969, 969, "GU"},
	{970, 979, "OR"}, {980, 994, "WA"}, {995, 999, "AK"},
}
