// Package enrich finds and verifies email addresses for decision makers.
package enrich

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-pipeline/internal/config"
	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/pkg/icypeas"
)

// Icypeas enriches people through Icypeas. It serves both the per-person
// and the bulk enrichment contracts.
type Icypeas struct {
	client icypeas.Client
	poll   []icypeas.PollOption
	log    *zap.Logger
}

// NewIcypeas creates an Icypeas enricher from cfg.
func NewIcypeas(client icypeas.Client, cfg config.IcypeasConfig) *Icypeas {
	var poll []icypeas.PollOption
	if cfg.PollIntervalSecs > 0 {
		poll = append(poll, icypeas.WithPollInterval(time.Duration(cfg.PollIntervalSecs)*time.Second))
	}
	if cfg.PollTimeoutSecs > 0 {
		poll = append(poll, icypeas.WithPollTimeout(time.Duration(cfg.PollTimeoutSecs)*time.Second))
	}
	return &Icypeas{
		client: client,
		poll:   poll,
		log:    zap.L().With(zap.String("component", "enrich")),
	}
}

func (e *Icypeas) pollOpts(expected int) []icypeas.PollOption {
	return append(append([]icypeas.PollOption(nil), e.poll...), icypeas.WithExpected(expected))
}

// searchable reports whether p has enough identity for an email search.
func searchable(p model.Person) bool {
	return p.Company.Domain != "" && (p.FirstName != "" || p.LastName != "")
}

// FindContact searches one person's email. A person without a domain or
// name is skipped and yields no contact.
func (e *Icypeas) FindContact(ctx context.Context, p model.Person) (*model.Contact, error) {
	if !searchable(p) {
		return nil, nil
	}
	id, err := e.client.SearchEmail(ctx, icypeas.EmailSearchRequest{
		FirstName:       p.FirstName,
		LastName:        p.LastName,
		DomainOrCompany: p.Company.Domain,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: search email for %s", p.Name)
	}
	items, err := icypeas.Poll(ctx, e.client, id, e.pollOpts(1)...)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: results for %s", p.Name)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return BestContact(items[0].Results.Emails), nil
}

// VerifyContact checks whether c's email is deliverable.
func (e *Icypeas) VerifyContact(ctx context.Context, c model.Contact) (bool, error) {
	id, err := e.client.VerifyEmail(ctx, c.Email)
	if err != nil {
		return false, eris.Wrapf(err, "enrich: verify %s", c.Email)
	}
	items, err := icypeas.Poll(ctx, e.client, id, e.pollOpts(1)...)
	if err != nil {
		return false, eris.Wrapf(err, "enrich: verification result for %s", c.Email)
	}
	return len(items) > 0 && items[0].Results.Valid, nil
}

// FindContacts runs one bulk search for people. The result is index-aligned
// with people; unsearchable people and people without a hit get nil.
func (e *Icypeas) FindContacts(ctx context.Context, people []model.Person) ([]*model.Contact, error) {
	out := make([]*model.Contact, len(people))
	var (
		rows  [][]string
		index []int
	)
	for i, p := range people {
		if !searchable(p) {
			continue
		}
		rows = append(rows, []string{p.FirstName, p.LastName, p.Company.Domain})
		index = append(index, i)
	}
	if len(rows) == 0 {
		return out, nil
	}

	items, err := e.bulk(ctx, icypeas.TaskEmailSearch, rows)
	if err != nil {
		return nil, err
	}
	// Order is the row's position in the submission; a partial read after a
	// poll timeout can skip rows.
	for _, item := range items {
		if item.Order < 0 || item.Order >= len(index) {
			continue
		}
		out[index[item.Order]] = BestContact(item.Results.Emails)
	}
	e.log.Info("enrich: bulk search complete",
		zap.Int("submitted", len(rows)),
		zap.Int("results", len(items)),
	)
	return out, nil
}

// VerifyContacts runs one bulk verification and reports validity per email.
func (e *Icypeas) VerifyContacts(ctx context.Context, emails []string) (map[string]bool, error) {
	out := make(map[string]bool, len(emails))
	if len(emails) == 0 {
		return out, nil
	}
	rows := make([][]string, len(emails))
	for i, em := range emails {
		rows[i] = []string{em}
	}

	items, err := e.bulk(ctx, icypeas.TaskEmailVerification, rows)
	if err != nil {
		return nil, err
	}
	for _, em := range emails {
		out[em] = false
	}
	for _, item := range items {
		if item.Order < 0 || item.Order >= len(emails) {
			continue
		}
		if item.Results.Valid {
			out[emails[item.Order]] = true
		}
	}
	return out, nil
}

func (e *Icypeas) bulk(ctx context.Context, task string, rows [][]string) ([]icypeas.Item, error) {
	id, err := e.client.LaunchBulk(ctx, icypeas.BulkRequest{
		Task: task,
		Name: fmt.Sprintf("lead-pipeline %s %s", task, time.Now().UTC().Format(time.RFC3339)),
		Data: rows,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: launch %s", task)
	}
	items, err := icypeas.Poll(ctx, e.client, id, e.pollOpts(len(rows))...)
	if err != nil {
		return nil, eris.Wrapf(err, "enrich: poll %s %s", task, id)
	}
	return items, nil
}

// BestContact picks the email with the highest certainty, or nil when there
// is none.
func BestContact(emails []icypeas.Email) *model.Contact {
	var best *icypeas.Email
	for i := range emails {
		if emails[i].Email == "" {
			continue
		}
		if best == nil || model.Certainty(emails[i].Certainty).Score() > model.Certainty(best.Certainty).Score() {
			best = &emails[i]
		}
	}
	if best == nil {
		return nil
	}
	return &model.Contact{Email: best.Email, Certainty: model.Certainty(best.Certainty)}
}
