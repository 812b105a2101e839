package reports

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const maxDomainLength = 253

var (
	datePattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)
	domainPattern   = regexp.MustCompile(`(?i)^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z0-9]+$`)
)

var summaryNumericFields = []string{"total_requests", "failed_requests", "unique_providers", "unique_states", "unique_zip_codes"}

// ValidationResult collects every error and warning for a document.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

func (r *ValidationResult) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationResult) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Err returns a *ValidationError when the document is invalid, nil otherwise.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Errors: r.Errors, Warnings: r.Warnings}
}

func ValidateJSON(b []byte) ValidationResult {
	tree, err := ParseTree(b)
	if err != nil {
		return ValidationResult{Errors: []string{fmt.Sprintf("invalid JSON: %v", err)}}
	}
	return Validate(tree)
}

// Validate checks a canonical-shape document. All problems are collected.
func Validate(doc any) ValidationResult {
	var res ValidationResult
	root, ok := asObject(doc)
	if !ok {
		res.errorf("report must be a JSON object")
		return res
	}

	if source, ok := requireSection(&res, root, "source"); ok {
		domain := getString(source, "domain")
		if domain == "" {
			res.errorf("source.domain is required")
		} else if !ValidDomain(domain) {
			res.errorf("source.domain has an invalid format: %q", domain)
		}
		requireString(&res, source, "source", "site_id")
		requireString(&res, source, "source", "site_name")
	}

	if meta, ok := requireSection(&res, root, "metadata"); ok {
		if date := getString(meta, "report_date"); date == "" {
			res.errorf("metadata.report_date is required")
		} else if !validDate(date) {
			res.errorf("metadata.report_date must be in YYYY-MM-DD format")
		}
		period, ok := getObject(meta, "report_period")
		switch {
		case !ok:
			res.errorf("metadata.report_period is required and must be an object")
		default:
			if _, ok := period.Get("start"); !ok {
				res.errorf("metadata.report_period.start is required")
			}
			if _, ok := period.Get("end"); !ok {
				res.errorf("metadata.report_period.end is required")
			}
		}
		if gen := getString(meta, "generated_at"); gen == "" {
			res.errorf("metadata.generated_at is required")
		} else if !dateTimePattern.MatchString(gen) {
			res.errorf("metadata.generated_at must be in YYYY-MM-DD HH:MM:SS format")
		}
		requireString(&res, meta, "metadata", "data_version")
	}

	if summary, ok := requireSection(&res, root, "summary"); ok {
		checkSummaryNumbers(&res, summary, "summary", summaryNumericFields)
	}

	for _, section := range []string{"providers", "geographic", "performance", "speed_metrics"} {
		v, ok := root.Get(section)
		if !ok || isEmpty(v) {
			res.warnf("optional section %s is missing or empty", section)
		}
	}
	if providers, ok := getObject(root, "providers"); ok {
		if v, ok := providers.Get("top_providers"); !ok || isEmpty(v) {
			res.warnf("providers.top_providers is empty")
		}
	}
	if geo, ok := getObject(root, "geographic"); ok {
		for _, key := range []string{"states", "top_cities", "top_zip_codes"} {
			if v, ok := geo.Get(key); !ok || isEmpty(v) {
				res.warnf("geographic.%s is empty", key)
			}
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// ValidateDaily checks the compact daily shape, which has no metadata section.
func ValidateDaily(doc any) ValidationResult {
	var res ValidationResult
	root, ok := asObject(doc)
	if !ok {
		res.errorf("report must be a JSON object")
		return res
	}

	if source, ok := requireSection(&res, root, "source"); ok {
		requireString(&res, source, "source", "site_id")
		requireString(&res, source, "source", "site_name")
		if domain := getString(source, "domain"); domain != "" && !ValidDomain(domain) {
			res.errorf("source.domain has an invalid format: %q", domain)
		}
	}

	if data, ok := requireSection(&res, root, "data"); ok {
		if date := getString(data, "date"); date == "" {
			res.errorf("data.date is required")
		} else if !validDate(date) {
			res.errorf("data.date must be in YYYY-MM-DD format")
		}
		if summary, ok := getObject(data, "summary"); ok {
			checkSummaryNumbers(&res, summary, "data.summary", []string{"total_requests", "failed_requests", "unique_providers", "unique_states", "unique_zipcodes"})
		} else {
			res.errorf("data.summary is required and must be an object")
		}
		for _, section := range []string{"providers", "geographic"} {
			if v, ok := data.Get(section); !ok || isEmpty(v) {
				res.warnf("optional section data.%s is missing or empty", section)
			}
		}
	}
	if v, ok := root.Get("speed_metrics"); !ok || isEmpty(v) {
		res.warnf("optional section speed_metrics is missing or empty")
	}

	res.Valid = len(res.Errors) == 0
	return res
}

// ValidDomain applies a conservative hostname check.
func ValidDomain(domain string) bool {
	if len(domain) == 0 || len(domain) > maxDomainLength {
		return false
	}
	return domainPattern.MatchString(domain)
}

func validDate(s string) bool {
	if !datePattern.MatchString(s) {
		return false
	}
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

func requireSection(res *ValidationResult, root *Object, name string) (*Object, bool) {
	v, ok := root.Get(name)
	if !ok {
		res.errorf("missing required section: %s", name)
		return nil, false
	}
	o, ok := asObject(v)
	if !ok {
		res.errorf("section %s must be an object", name)
		return nil, false
	}
	return o, true
}

func requireString(res *ValidationResult, o *Object, section, field string) {
	if getString(o, field) == "" {
		res.errorf("%s.%s is required", section, field)
	}
}

func checkSummaryNumbers(res *ValidationResult, summary *Object, prefix string, fields []string) {
	for _, f := range fields {
		v, ok := summary.Get(f)
		if !ok {
			continue
		}
		if _, ok := asNumber(v); !ok {
			res.errorf("%s.%s must be numeric", prefix, f)
		}
	}
	if v, ok := summary.Get("success_rate"); ok {
		rate, ok := asNumber(v)
		switch {
		case !ok:
			res.errorf("%s.success_rate must be numeric", prefix)
		case rate < 0 || rate > 100:
			res.errorf("%s.success_rate must be between 0 and 100", prefix)
		}
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case *Object:
		return t.Len() == 0
	case []any:
		return len(t) == 0
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}
