package pipeline

import (
	"context"

	"github.com/sells-group/lead-pipeline/internal/classify"
	"github.com/sells-group/lead-pipeline/internal/model"
)

// Source acquires raw job postings. An empty result aborts the run.
type Source interface {
	FetchJobs(ctx context.Context, target int) ([]model.RawJob, error)
}

// Classifier extracts a company from a posting and accepts or rejects it.
// Implementations must be pure.
type Classifier interface {
	Classify(job model.RawJob) classify.Verdict
}

// Searcher finds decision makers at one company.
type Searcher interface {
	FindPeople(ctx context.Context, company model.Company) ([]model.Person, error)
}

// Enricher finds and verifies a contact for one person. A nil contact with a
// nil error means no email was found.
type Enricher interface {
	FindContact(ctx context.Context, person model.Person) (*model.Contact, error)
	VerifyContact(ctx context.Context, contact model.Contact) (bool, error)
}

// BatchEnricher is an optional Enricher extension for bulk vendors.
// FindContacts returns one entry per person in order, nil where nothing was
// found. VerifyContacts returns the verified flag per email.
type BatchEnricher interface {
	FindContacts(ctx context.Context, people []model.Person) ([]*model.Contact, error)
	VerifyContacts(ctx context.Context, emails []string) (map[string]bool, error)
}

// BatchAck is the email vendor's answer to one batch. Rejected holds the ids
// of leads the vendor refused; every other lead in the batch was accepted.
type BatchAck struct {
	Accepted int
	Rejected []string
}

// EmailPusher delivers leads to the email campaign in batches.
type EmailPusher interface {
	PushBatch(ctx context.Context, leads []model.Lead) (BatchAck, error)
}

// NetworkPusher delivers one lead to the professional-network campaign. A
// false result with a nil error is a failed push.
type NetworkPusher interface {
	PushOne(ctx context.Context, lead model.Lead) (bool, error)
}

// Deps bundles the external collaborators of a Pipeline.
type Deps struct {
	Source     Source
	Classifier Classifier
	Searcher   Searcher
	Enricher   Enricher
	Email      EmailPusher
	Network    NetworkPusher
}
