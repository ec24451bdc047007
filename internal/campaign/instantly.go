// Package campaign pushes validated leads to the outbound campaign vendors.
package campaign

import (
	"context"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
	"github.com/sells-group/lead-pipeline/pkg/instantly"
)

// Instantly uploads leads to an Instantly email campaign.
type Instantly struct {
	client     instantly.Client
	campaignID string
	log        *zap.Logger
}

// NewInstantly creates an email pusher for cfg's campaign.
func NewInstantly(client instantly.Client, cfg config.InstantlyConfig) *Instantly {
	return &Instantly{
		client:     client,
		campaignID: cfg.CampaignID,
		log:        zap.L().With(zap.String("component", "campaign"), zap.String("vendor", "instantly")),
	}
}

// PushBatch uploads one batch. Leads already in the workspace count as
// accepted; leads whose email the vendor flags as invalid are rejected.
func (i *Instantly) PushBatch(ctx context.Context, leads []model.Lead) (pipeline.BatchAck, error) {
	req := instantly.AddLeadsRequest{
		CampaignID:        i.campaignID,
		SkipIfInWorkspace: true,
		Leads:             make([]instantly.Lead, len(leads)),
	}
	for k, l := range leads {
		req.Leads[k] = EmailLead(l)
	}

	resp, err := i.client.AddLeads(ctx, req)
	if err != nil {
		return pipeline.BatchAck{}, eris.Wrapf(err, "campaign: upload %d leads", len(leads))
	}

	invalid := make(map[string]bool, len(resp.InvalidEmails))
	for _, e := range resp.InvalidEmails {
		invalid[strings.ToLower(strings.TrimSpace(e))] = true
	}
	var ack pipeline.BatchAck
	for _, l := range leads {
		if invalid[strings.ToLower(l.Email)] {
			ack.Rejected = append(ack.Rejected, l.ID)
			continue
		}
		ack.Accepted++
	}

	i.log.Info("campaign: batch uploaded",
		zap.Int("batch", len(leads)),
		zap.Int("uploaded", resp.LeadsUploaded),
		zap.Int("skipped", resp.SkippedCount+resp.DuplicatedLeads),
		zap.Int("rejected", len(ack.Rejected)),
	)
	return ack, nil
}

// EmailLead maps a lead to the campaign's contact shape.
func EmailLead(l model.Lead) instantly.Lead {
	website := l.CompanyWebsite
	if website == "" && l.CompanyDomain != "" {
		website = "https://" + l.CompanyDomain
	}
	employees := ""
	if l.EmployeeCount > 0 {
		employees = strconv.Itoa(l.EmployeeCount)
	}
	return instantly.Lead{
		Email:       l.Email,
		FirstName:   l.DisplayFirstName(),
		LastName:    l.LastName,
		CompanyName: l.CompanyName,
		Website:     website,
		CustomVariables: map[string]string{
			"person_title":   l.PersonTitle,
			"hiring_role":    l.JobTitle,
			"employee_count": employees,
			"linkedin_url":   l.LinkedInURL,
			"location":       l.Location,
		},
	}
}
