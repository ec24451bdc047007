package campaign

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/pkg/prosp"
)

// Prosp adds leads one at a time to a Prosp LinkedIn campaign.
type Prosp struct {
	client     prosp.Client
	listID     string
	campaignID string
}

// NewProsp creates a network pusher for cfg's list and campaign.
func NewProsp(client prosp.Client, cfg config.ProspConfig) *Prosp {
	return &Prosp{client: client, listID: cfg.ListID, campaignID: cfg.CampaignID}
}

// PushOne adds l to the campaign. It returns false without an error when
// the vendor answered but did not accept the lead.
func (p *Prosp) PushOne(ctx context.Context, l model.Lead) (bool, error) {
	ok, err := p.client.AddLead(ctx, NetworkLead(l, p.listID, p.campaignID))
	if err != nil {
		return false, eris.Wrapf(err, "campaign: add %s", l.LinkedInURL)
	}
	return ok, nil
}

// NetworkLead maps a lead to the campaign's request shape.
func NetworkLead(l model.Lead, listID, campaignID string) prosp.AddLeadRequest {
	return prosp.AddLeadRequest{
		LinkedInURL: l.LinkedInURL,
		ListID:      listID,
		CampaignID:  campaignID,
		Data: []prosp.Property{
			{Property: "first_name", Value: l.FirstName},
			{Property: "last_name", Value: l.LastName},
			{Property: "company", Value: l.CompanyName},
			{Property: "title", Value: l.PersonTitle},
			{Property: "email", Value: l.Email},
			{Property: "hiring_role", Value: l.JobTitle},
			{Property: "company_website", Value: l.CompanyWebsite},
		},
	}
}
