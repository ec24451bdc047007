package model

import (
	"strconv"
	"strings"
)

// RawJob is one job posting exactly as the scraper returned it.
type RawJob map[string]any

// String returns the string value at key, or "" if absent or not a string.
func (j RawJob) String(key string) string {
	v, ok := j[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// Int returns the integer value at key. JSON numbers and numeric strings are
// accepted; ok is false when the key is missing or not numeric.
func (j RawJob) Int(key string) (int, bool) {
	v, ok := j[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Object returns the nested object at key, or nil.
func (j RawJob) Object(key string) RawJob {
	if m, ok := j[key].(map[string]any); ok {
		return RawJob(m)
	}
	return nil
}

// Company is a target company extracted from a job posting.
type Company struct {
	Name          string `json:"company_name"`
	Domain        string `json:"company_domain"`
	Website       string `json:"company_website,omitempty"`
	Description   string `json:"company_description,omitempty"`
	Industries    string `json:"industries,omitempty"`
	JobTitle      string `json:"job_title,omitempty"`
	EmployeeCount int    `json:"employee_count,omitempty"`
	Location      string `json:"location,omitempty"`
	Country       string `json:"country,omitempty"`
	State         string `json:"state,omitempty"`
	City          string `json:"city,omitempty"`
}

// Person is a decision maker found at a Company.
type Person struct {
	Company     Company `json:"company"`
	Name        string  `json:"person_name"`
	FirstName   string  `json:"person_first_name"`
	LastName    string  `json:"person_last_name"`
	Title       string  `json:"person_title"`
	LinkedInURL string  `json:"linkedin_url"`
	SourceURL   string  `json:"source_url,omitempty"`
}

// Certainty is the email finder's confidence tier.
type Certainty string

const (
	CertaintyUltraSure Certainty = "ultra_sure"
	CertaintySure      Certainty = "sure"
	CertaintyLikely    Certainty = "likely"
	CertaintyMaybe     Certainty = "maybe"
)

// Score ranks certainty tiers; unknown tiers score 0.
func (c Certainty) Score() int {
	switch c {
	case CertaintyUltraSure:
		return 4
	case CertaintySure:
		return 3
	case CertaintyLikely:
		return 2
	case CertaintyMaybe:
		return 1
	default:
		return 0
	}
}

// Contact is the enrichment result for one Person.
type Contact struct {
	Email     string    `json:"email"`
	Certainty Certainty `json:"email_certainty,omitempty"`
	Verified  bool      `json:"email_verified"`
}

// Prospect is a Person carried through enrichment, with the contact found
// for them (nil when none was found or the lookup failed).
type Prospect struct {
	Person  Person   `json:"person"`
	Contact *Contact `json:"contact,omitempty"`
}
