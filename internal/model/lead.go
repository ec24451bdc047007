package model

import "time"

// LeadStatus is the validation lifecycle state of a Lead.
type LeadStatus string

const (
	LeadStatusCreated   LeadStatus = "created"
	LeadStatusValidated LeadStatus = "validated"
	LeadStatusFailed    LeadStatus = "failed"
)

// PushStatus is the per-channel delivery state of a Lead.
type PushStatus string

const (
	PushPending     PushStatus = "pending"
	PushedInstantly PushStatus = "pushed_instantly"
	PushedProsp     PushStatus = "pushed_prosp"
)

// Channel is an outbound campaign destination.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelNetwork Channel = "network"
)

// Target returns the push status a lead holds once delivered on c.
func (c Channel) Target() PushStatus {
	if c == ChannelEmail {
		return PushedInstantly
	}
	return PushedProsp
}

// Stage returns the stage name that pushes to c.
func (c Channel) Stage() StageName {
	if c == ChannelEmail {
		return StagePushEmail
	}
	return StagePushLinkedIn
}

// Lead is one person+company work item. Email and network delivery are
// tracked in separate fields so neither channel clobbers the other.
type Lead struct {
	ID    string `json:"id" yaml:"id"`
	RunID string `json:"run_id" yaml:"run_id"`

	CompanyName    string `json:"company_name" yaml:"company_name"`
	CompanyDomain  string `json:"company_domain,omitempty" yaml:"company_domain,omitempty"`
	CompanyWebsite string `json:"company_website,omitempty" yaml:"company_website,omitempty"`
	JobTitle       string `json:"job_title,omitempty" yaml:"job_title,omitempty"`
	EmployeeCount  int    `json:"employee_count,omitempty" yaml:"employee_count,omitempty"`
	Location       string `json:"location,omitempty" yaml:"location,omitempty"`

	PersonName  string `json:"person_name,omitempty" yaml:"person_name,omitempty"`
	FirstName   string `json:"person_first_name,omitempty" yaml:"person_first_name,omitempty"`
	LastName    string `json:"person_last_name,omitempty" yaml:"person_last_name,omitempty"`
	PersonTitle string `json:"person_title,omitempty" yaml:"person_title,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty" yaml:"linkedin_url,omitempty"`

	Email          string    `json:"email,omitempty" yaml:"email,omitempty"`
	EmailCertainty Certainty `json:"email_certainty,omitempty" yaml:"email_certainty,omitempty"`
	EmailVerified  bool      `json:"email_verified" yaml:"email_verified"`

	Status        LeadStatus `json:"status" yaml:"status"`
	FailureReason string     `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`

	EmailStatus     PushStatus `json:"email_status" yaml:"email_status"`
	NetworkStatus   PushStatus `json:"network_status" yaml:"network_status"`
	EmailAttempts   int        `json:"email_attempts" yaml:"email_attempts"`
	NetworkAttempts int        `json:"network_attempts" yaml:"network_attempts"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// NewLead builds an unsaved lead from an enriched prospect.
func NewLead(p Prospect) Lead {
	l := Lead{
		CompanyName:    p.Person.Company.Name,
		CompanyDomain:  p.Person.Company.Domain,
		CompanyWebsite: p.Person.Company.Website,
		JobTitle:       p.Person.Company.JobTitle,
		EmployeeCount:  p.Person.Company.EmployeeCount,
		Location:       p.Person.Company.Location,
		PersonName:     p.Person.Name,
		FirstName:      p.Person.FirstName,
		LastName:       p.Person.LastName,
		PersonTitle:    p.Person.Title,
		LinkedInURL:    p.Person.LinkedInURL,
		Status:         LeadStatusCreated,
		EmailStatus:    PushPending,
		NetworkStatus:  PushPending,
	}
	if p.Contact != nil {
		l.Email = p.Contact.Email
		l.EmailCertainty = p.Contact.Certainty
		l.EmailVerified = p.Contact.Verified
	}
	return l
}

// PushStatus returns the lead's delivery state on c.
func (l Lead) PushStatus(c Channel) PushStatus {
	if c == ChannelEmail {
		return l.EmailStatus
	}
	return l.NetworkStatus
}

// Pushed reports whether the lead was already delivered on c.
func (l Lead) Pushed(c Channel) bool {
	return l.PushStatus(c) == c.Target()
}

// Attempts returns the number of runs in which a push on c permanently failed.
func (l Lead) Attempts(c Channel) int {
	if c == ChannelEmail {
		return l.EmailAttempts
	}
	return l.NetworkAttempts
}

// Eligible reports whether the lead carries what channel c needs.
func (l Lead) Eligible(c Channel) bool {
	if l.Status != LeadStatusValidated {
		return false
	}
	if c == ChannelEmail {
		hasName := l.FirstName != "" || l.PersonName != ""
		return l.CompanyName != "" && hasName && l.Email != ""
	}
	return l.LinkedInURL != ""
}

// DisplayFirstName returns the first name, falling back to the first word of
// the full name.
func (l Lead) DisplayFirstName() string {
	if l.FirstName != "" {
		return l.FirstName
	}
	for i, r := range l.PersonName {
		if r == ' ' {
			return l.PersonName[:i]
		}
	}
	return l.PersonName
}

// LeadPatch is a partial update. Nil fields are left untouched.
type LeadPatch struct {
	Status          *LeadStatus
	FailureReason   *string
	Email           *string
	EmailCertainty  *Certainty
	EmailVerified   *bool
	EmailStatus     *PushStatus
	NetworkStatus   *PushStatus
	EmailAttempts   *int
	NetworkAttempts *int
}

// Empty reports whether the patch sets no fields.
func (p LeadPatch) Empty() bool {
	return p.Status == nil && p.FailureReason == nil && p.Email == nil &&
		p.EmailCertainty == nil && p.EmailVerified == nil && p.EmailStatus == nil &&
		p.NetworkStatus == nil && p.EmailAttempts == nil && p.NetworkAttempts == nil
}

// Apply copies the patch's set fields onto l.
func (p LeadPatch) Apply(l *Lead) {
	if p.Status != nil {
		l.Status = *p.Status
	}
	if p.FailureReason != nil {
		l.FailureReason = *p.FailureReason
	}
	if p.Email != nil {
		l.Email = *p.Email
	}
	if p.EmailCertainty != nil {
		l.EmailCertainty = *p.EmailCertainty
	}
	if p.EmailVerified != nil {
		l.EmailVerified = *p.EmailVerified
	}
	if p.EmailStatus != nil {
		l.EmailStatus = *p.EmailStatus
	}
	if p.NetworkStatus != nil {
		l.NetworkStatus = *p.NetworkStatus
	}
	if p.EmailAttempts != nil {
		l.EmailAttempts = *p.EmailAttempts
	}
	if p.NetworkAttempts != nil {
		l.NetworkAttempts = *p.NetworkAttempts
	}
}

// MarkPushed returns a patch recording delivery on c.
func MarkPushed(c Channel) LeadPatch {
	s := c.Target()
	if c == ChannelEmail {
		return LeadPatch{EmailStatus: &s}
	}
	return LeadPatch{NetworkStatus: &s}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
