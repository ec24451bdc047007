// Package search finds engineering decision makers at target companies.
package search

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/pkg/exa"
)

// DefaultTitle is used when a result matches but no title can be extracted.
const DefaultTitle = "Engineering Leader"

var titlePatterns = compileAll(
	`\bCTO\b`,
	`\bChief Technology Officer\b`,
	`\bChief Technical Officer\b`,
	`\bVP of Engineering\b`,
	`\bVice President.*Engineering\b`,
	`\bHead of Engineering\b`,
	`\bDirector of Engineering\b`,
	`\bEngineering Director\b`,
	`\bVP.*Technology\b`,
	`\bHead of Technology\b`,
	`\bCo-Founder.*CTO\b`,
	`\bFounder.*CTO\b`,
	`\bTechnical Co-Founder\b`,
	`\bFounding Engineer\b`,
)

var profileURL = regexp.MustCompile(`linkedin\.com/in/([a-zA-Z0-9_-]+)`)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

// Exa searches people profiles through Exa. Calls are paced by a shared
// limiter so concurrent workers stay under the vendor's rate limit.
type Exa struct {
	client  exa.Client
	limit   int
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewExa creates an Exa searcher from cfg. A zero delay disables pacing.
func NewExa(client exa.Client, cfg config.SearchConfig) *Exa {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 25
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.DelayMs > 0 {
		lim = rate.NewLimiter(rate.Every(time.Duration(cfg.DelayMs)*time.Millisecond), 1)
	}
	return &Exa{
		client:  client,
		limit:   limit,
		limiter: lim,
		log:     zap.L().With(zap.String("component", "search")),
	}
}

// Query returns the search query for company name.
func Query(company string) string {
	return "CTO OR Head of Engineering at " + company
}

// FindPeople returns the decision makers found for c. No match is not an
// error.
func (e *Exa) FindPeople(ctx context.Context, c model.Company) ([]model.Person, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "search: wait for rate limiter")
	}
	resp, err := e.client.Search(ctx, exa.SearchRequest{
		Query:      Query(c.Name),
		Category:   exa.CategoryPeople,
		NumResults: e.limit,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "search: find people at %s", c.Domain)
	}

	people := ParseResults(resp.Results, c.Name)
	e.log.Debug("search: results parsed",
		zap.String("company", c.Name),
		zap.Int("results", len(resp.Results)),
		zap.Int("people", len(people)),
	)
	return people, nil
}

// ParseResults keeps profile hits whose title names company and a
// decision-maker role. Profiles are deduplicated by normalized URL.
func ParseResults(results []exa.Result, company string) []model.Person {
	companyLower := strings.ToLower(company)
	seen := make(map[string]bool)
	var people []model.Person

	for _, r := range results {
		profile := NormalizeProfileURL(r.URL)
		if profile == "" || seen[profile] {
			continue
		}
		seen[profile] = true

		name := strings.TrimSpace(r.Author)
		var title string
		if head, rest, ok := strings.Cut(r.Title, " | "); ok {
			if name == "" {
				name = strings.TrimSpace(head)
			}
			role, _, _ := strings.Cut(rest, " at ")
			title = strings.TrimSpace(role)
		}

		if companyLower != "" && !strings.Contains(strings.ToLower(r.Title), companyLower) {
			continue
		}
		if !IsDecisionMaker(r.Title) && !IsDecisionMaker(title) {
			continue
		}
		if name == "" {
			name = NameFromSlug(profile)
		}
		if name == "" {
			continue
		}
		if title == "" {
			title = ExtractTitle(r.Title)
		}

		first, last := SplitName(name)
		people = append(people, model.Person{
			Name:        name,
			FirstName:   first,
			LastName:    last,
			Title:       title,
			LinkedInURL: profile,
			SourceURL:   r.URL,
		})
	}
	return people
}

// NormalizeProfileURL returns https://www.linkedin.com/in/<slug> for a
// profile URL, or "" when u is not a profile.
func NormalizeProfileURL(u string) string {
	m := profileURL.FindStringSubmatch(u)
	if m == nil {
		return ""
	}
	return "https://www.linkedin.com/in/" + m[1]
}

// IsDecisionMaker reports whether text mentions a decision-maker title.
func IsDecisionMaker(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range titlePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// ExtractTitle returns the first decision-maker title in text.
func ExtractTitle(text string) string {
	for _, re := range titlePatterns {
		if m := re.FindString(text); m != "" {
			return m
		}
	}
	return DefaultTitle
}

var titleCaser = cases.Title(language.English)

// NameFromSlug turns a profile slug like "jane-doe-42" into "Jane Doe".
func NameFromSlug(profile string) string {
	m := profileURL.FindStringSubmatch(profile)
	if m == nil {
		return ""
	}
	words := strings.FieldsFunc(m[1], func(r rune) bool { return r == '-' || r == '_' })
	kept := words[:0]
	for _, w := range words {
		if strings.Trim(w, "0123456789") == "" {
			continue
		}
		kept = append(kept, w)
	}
	return titleCaser.String(strings.Join(kept, " "))
}

// SplitName splits a full name into first name and the remainder.
func SplitName(full string) (first, last string) {
	parts := strings.Fields(full)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}
