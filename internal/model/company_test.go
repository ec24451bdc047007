package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawJobAccessors(t *testing.T) {
	t.Parallel()

	var job RawJob
	require.NoError(t, json.Unmarshal([]byte(`{
		"companyName": "  Acme  ",
		"companyEmployeesCount": 42,
		"employeesText": "17",
		"bad": "n/a",
		"companyAddress": {"addressCountry": "US"}
	}`), &job))

	assert.Equal(t, "Acme", job.String("companyName"))
	assert.Equal(t, "", job.String("missing"))

	n, ok := job.Int("companyEmployeesCount")
	assert.True(t, ok)
	assert.Equal(t, 42, n)

	n, ok = job.Int("employeesText")
	assert.True(t, ok)
	assert.Equal(t, 17, n)

	_, ok = job.Int("bad")
	assert.False(t, ok)
	_, ok = job.Int("missing")
	assert.False(t, ok)

	assert.Equal(t, "US", job.Object("companyAddress").String("addressCountry"))
	assert.Nil(t, job.Object("companyName"))
}

func TestCertaintyScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		c    Certainty
		want int
	}{
		{CertaintyUltraSure, 4},
		{CertaintySure, 3},
		{CertaintyLikely, 2},
		{CertaintyMaybe, 1},
		{Certainty("unknown"), 0},
		{Certainty(""), 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.c), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.c.Score())
		})
	}
}

func TestNewLead(t *testing.T) {
	t.Parallel()

	p := Prospect{
		Person: Person{
			Company:     Company{Name: "Acme", Domain: "acme.com", EmployeeCount: 50},
			Name:        "Jane Doe",
			FirstName:   "Jane",
			LastName:    "Doe",
			Title:       "CTO",
			LinkedInURL: "https://www.linkedin.com/in/janedoe",
		},
		Contact: &Contact{Email: "jane@acme.com", Certainty: CertaintySure, Verified: true},
	}

	l := NewLead(p)
	assert.Equal(t, "Acme", l.CompanyName)
	assert.Equal(t, 50, l.EmployeeCount)
	assert.Equal(t, "jane@acme.com", l.Email)
	assert.True(t, l.EmailVerified)
	assert.Equal(t, LeadStatusCreated, l.Status)
	assert.Equal(t, PushPending, l.EmailStatus)
	assert.Equal(t, PushPending, l.NetworkStatus)

	noContact := NewLead(Prospect{Person: p.Person})
	assert.Empty(t, noContact.Email)
	assert.False(t, noContact.EmailVerified)
}

func TestLeadEligible(t *testing.T) {
	t.Parallel()

	base := Lead{
		CompanyName: "Acme",
		FirstName:   "Jane",
		Email:       "jane@acme.com",
		LinkedInURL: "https://www.linkedin.com/in/janedoe",
		Status:      LeadStatusValidated,
	}

	assert.True(t, base.Eligible(ChannelEmail))
	assert.True(t, base.Eligible(ChannelNetwork))

	noEmail := base
	noEmail.Email = ""
	assert.False(t, noEmail.Eligible(ChannelEmail))
	assert.True(t, noEmail.Eligible(ChannelNetwork))

	fullNameOnly := base
	fullNameOnly.FirstName = ""
	fullNameOnly.PersonName = "Jane Doe"
	assert.True(t, fullNameOnly.Eligible(ChannelEmail))
	assert.Equal(t, "Jane", fullNameOnly.DisplayFirstName())

	failed := base
	failed.Status = LeadStatusFailed
	assert.False(t, failed.Eligible(ChannelEmail))
	assert.False(t, failed.Eligible(ChannelNetwork))
}

func TestLeadChannelsIndependent(t *testing.T) {
	t.Parallel()

	l := Lead{EmailStatus: PushPending, NetworkStatus: PushPending}

	MarkPushed(ChannelNetwork).Apply(&l)
	assert.True(t, l.Pushed(ChannelNetwork))
	assert.False(t, l.Pushed(ChannelEmail))

	MarkPushed(ChannelEmail).Apply(&l)
	assert.True(t, l.Pushed(ChannelEmail))
	assert.True(t, l.Pushed(ChannelNetwork), "email write must not clobber network status")
}

func TestLeadPatch(t *testing.T) {
	t.Parallel()

	assert.True(t, LeadPatch{}.Empty())

	l := Lead{Status: LeadStatusCreated, NetworkAttempts: 2}
	patch := LeadPatch{NetworkAttempts: Ptr(3)}
	assert.False(t, patch.Empty())
	patch.Status = Ptr(LeadStatusValidated)
	patch.Apply(&l)

	assert.Equal(t, 3, l.NetworkAttempts)
	assert.Equal(t, 0, l.EmailAttempts)
	assert.Equal(t, LeadStatusValidated, l.Status)
}

func TestChannelTargets(t *testing.T) {
	t.Parallel()

	assert.Equal(t, PushedInstantly, ChannelEmail.Target())
	assert.Equal(t, PushedProsp, ChannelNetwork.Target())
	assert.Equal(t, StagePushEmail, ChannelEmail.Stage())
	assert.Equal(t, StagePushLinkedIn, ChannelNetwork.Stage())
}
