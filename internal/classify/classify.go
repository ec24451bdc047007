// Package classify turns raw job postings into target companies and decides
// which ones fit the company criteria.
package classify

import (
	"strings"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
)

// Rejection reasons.
const (
	ReasonNoCountry        = "no_country"
	ReasonWrongCountry     = "wrong_country"
	ReasonNoEmployeeCount  = "no_employee_count"
	ReasonTooFewEmployees  = "too_few_employees"
	ReasonTooManyEmployees = "too_many_employees"
	ReasonNoDomain         = "no_domain"
	ReasonNotSoftware      = "not_software"
	// ReasonDuplicate is assigned by the caller when a domain repeats.
	ReasonDuplicate = "duplicate"
)

// Reasons lists every rejection reason in reporting order.
var Reasons = []string{
	ReasonNoCountry,
	ReasonWrongCountry,
	ReasonNoEmployeeCount,
	ReasonTooFewEmployees,
	ReasonTooManyEmployees,
	ReasonNoDomain,
	ReasonNotSoftware,
	ReasonDuplicate,
}

// DefaultSoftwareKeywords are matched against industries and description
// when the software filter is on.
var DefaultSoftwareKeywords = []string{
	"software", "technology", "tech", "saas", "cloud", "ai", "ml",
	"machine learning", "artificial intelligence", "data", "analytics",
	"platform", "digital", "internet", "web", "app", "mobile",
	"automation", "devops", "engineering", "developer", "startup",
	"fintech", "healthtech", "edtech", "proptech", "insurtech",
	"cybersecurity", "security", "blockchain", "crypto", "api",
}

// Verdict is the result of classifying one posting. An empty Reason means
// the company was accepted.
type Verdict struct {
	Company model.Company
	Reason  string
}

// Accepted reports whether the posting passed every criterion.
func (v Verdict) Accepted() bool {
	return v.Reason == ""
}

// Filter applies the configured company criteria.
type Filter struct {
	countries    map[string]bool
	minEmployees int
	maxEmployees int
	softwareOnly bool
	keywords     []string
}

// New creates a Filter from the filter configuration.
func New(cfg config.FilterConfig) *Filter {
	f := &Filter{
		countries:    make(map[string]bool, len(cfg.Countries)),
		minEmployees: cfg.MinEmployees,
		maxEmployees: cfg.MaxEmployees,
		softwareOnly: cfg.SoftwareOnly,
		keywords:     DefaultSoftwareKeywords,
	}
	for _, c := range cfg.Countries {
		f.countries[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	if len(cfg.Keywords) > 0 {
		f.keywords = make([]string, len(cfg.Keywords))
		for i, k := range cfg.Keywords {
			f.keywords[i] = strings.ToLower(k)
		}
	}
	return f
}

// Classify extracts the company from job and checks it against the criteria
// in order: country, employee count, domain, then the optional software
// filter. It has no side effects.
func (f *Filter) Classify(job model.RawJob) Verdict {
	c, hasCount := Extract(job)
	v := Verdict{Company: c}

	switch {
	case c.Country == "":
		v.Reason = ReasonNoCountry
	case !f.countries[strings.ToUpper(c.Country)]:
		v.Reason = ReasonWrongCountry
	case !hasCount:
		v.Reason = ReasonNoEmployeeCount
	case c.EmployeeCount < f.minEmployees:
		v.Reason = ReasonTooFewEmployees
	case c.EmployeeCount > f.maxEmployees:
		v.Reason = ReasonTooManyEmployees
	case c.Domain == "":
		v.Reason = ReasonNoDomain
	case f.softwareOnly && !IsSoftware(c, f.keywords):
		v.Reason = ReasonNotSoftware
	}
	return v
}

// Extract reads the company fields out of a scraped posting. hasCount is
// false when the posting carries no usable employee count.
func Extract(job model.RawJob) (c model.Company, hasCount bool) {
	addr := job.Object("companyAddress")
	c = model.Company{
		Name:        job.String("companyName"),
		Website:     job.String("companyWebsite"),
		Description: job.String("companyDescription"),
		Industries:  job.String("industries"),
		JobTitle:    job.String("title"),
		Location:    job.String("location"),
		Country:     addr.String("addressCountry"),
		State:       addr.String("addressRegion"),
		City:        addr.String("addressLocality"),
	}
	c.Domain = ExtractDomain(c.Website)
	c.EmployeeCount, hasCount = job.Int("companyEmployeesCount")
	return c, hasCount
}

// ExtractDomain lowercases a URL and strips its scheme, a leading "www." and
// any path.
func ExtractDomain(url string) string {
	d := strings.ToLower(strings.TrimSpace(url))
	if d == "" {
		return ""
	}
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return d
}

// IsSoftware reports whether the company looks like a software business.
// Engineering job titles pass outright.
func IsSoftware(c model.Company, keywords []string) bool {
	title := strings.ToLower(c.JobTitle)
	if strings.Contains(title, "software") || strings.Contains(title, "engineer") {
		return true
	}
	industries := strings.ToLower(c.Industries)
	description := strings.ToLower(c.Description)
	for _, k := range keywords {
		if strings.Contains(industries, k) || strings.Contains(description, k) {
			return true
		}
	}
	return false
}
