package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/stage"
)

// leadRequirements is the minimum a lead needs to be pushed anywhere: a
// company, a person name and at least one contact channel.
type leadRequirements struct {
	CompanyName string `json:"company_name" validate:"required"`
	FirstName   string `json:"person_first_name" validate:"required_without=PersonName"`
	PersonName  string `json:"person_name" validate:"required_without=FirstName"`
	Email       string `json:"email" validate:"required_without=LinkedInURL"`
	LinkedInURL string `json:"linkedin_url" validate:"required_without=Email"`
}

var leadValidator = newLeadValidator()

func newLeadValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})
	return v
}

// checkLead returns "" for a valid lead, otherwise the failure reason.
func checkLead(l model.Lead) string {
	err := leadValidator.Struct(leadRequirements{
		CompanyName: l.CompanyName,
		FirstName:   l.FirstName,
		PersonName:  l.PersonName,
		Email:       l.Email,
		LinkedInURL: l.LinkedInURL,
	})
	if err == nil {
		return ""
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}
	return "missing required fields: " + strings.Join(fields, ", ")
}

// validate turns prospects into leads, marks each validated or failed and
// persists all of them in one bulk write. Only validated leads are returned.
func (p *Pipeline) validate(ctx context.Context, x *execution, prospects []model.Prospect) ([]model.Lead, error) {
	var valid []model.Lead
	sr, err := x.runner.Run(ctx, model.StageValidate, len(prospects), func(ctx context.Context) (stage.Outcome, error) {
		leads := make([]*model.Lead, len(prospects))
		var out stage.Outcome
		for i, pr := range prospects {
			l := model.NewLead(pr)
			if reason := checkLead(l); reason != "" {
				l.Status = model.LeadStatusFailed
				l.FailureReason = reason
				out.Errors++
				out.Details = append(out.Details, model.ErrorDetail{
					"person":  l.PersonName,
					"company": l.CompanyName,
					"reason":  reason,
				})
			} else {
				l.Status = model.LeadStatusValidated
				out.Output++
			}
			leads[i] = &l
		}

		if _, err := p.store.AddLeads(ctx, x.runID, leads); err != nil {
			return stage.Outcome{}, eris.Wrap(err, "pipeline: persist leads")
		}
		for _, l := range leads {
			if l.Status == model.LeadStatusValidated {
				valid = append(valid, *l)
			}
		}
		return out, nil
	})
	x.record(sr)
	if err != nil {
		return nil, err
	}

	x.result.Validated = len(valid)
	return valid, nil
}
