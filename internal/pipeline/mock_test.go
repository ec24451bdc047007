package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/mock"

	"github.com/sells-group/lead-pipeline/internal/model"
)

// --- Source Mock ---

type mockSource struct {
	mock.Mock
}

func (m *mockSource) FetchJobs(ctx context.Context, target int) ([]model.RawJob, error) {
	args := m.Called(ctx, target)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.RawJob), args.Error(1)
}

// --- Searcher fake ---

// fakeSearcher returns one decision maker per company unless the domain is
// listed in empty or failing.
type fakeSearcher struct {
	mu      sync.Mutex
	empty   map[string]bool
	failing map[string]error
	calls   map[string]int
}

func newFakeSearcher() *fakeSearcher {
	return &fakeSearcher{
		empty:   make(map[string]bool),
		failing: make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeSearcher) FindPeople(_ context.Context, c model.Company) ([]model.Person, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[c.Domain]++
	if err, ok := f.failing[c.Domain]; ok {
		return nil, err
	}
	if f.empty[c.Domain] {
		return nil, nil
	}
	slug := strings.ToLower(c.Name)
	return []model.Person{{
		Name:        "Jane " + c.Name,
		FirstName:   "Jane",
		LastName:    c.Name,
		Title:       "CTO",
		LinkedInURL: "https://www.linkedin.com/in/jane-" + slug,
	}}, nil
}

// --- Enricher fakes ---

// fakeEnricher finds an email for every person whose company is not listed
// in noEmail.
type fakeEnricher struct {
	mu        sync.Mutex
	noEmail   map[string]bool
	failing   map[string]bool
	verifyErr error
}

func newFakeEnricher() *fakeEnricher {
	return &fakeEnricher{noEmail: make(map[string]bool), failing: make(map[string]bool)}
}

func (f *fakeEnricher) contactFor(p model.Person) *model.Contact {
	if f.noEmail[p.Company.Name] {
		return nil
	}
	return &model.Contact{
		Email:     fmt.Sprintf("jane@%s", p.Company.Domain),
		Certainty: model.CertaintySure,
	}
}

func (f *fakeEnricher) FindContact(_ context.Context, p model.Person) (*model.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[p.Company.Name] {
		return nil, eris.New("icypeas: 400 bad request")
	}
	return f.contactFor(p), nil
}

func (f *fakeEnricher) VerifyContact(_ context.Context, _ model.Contact) (bool, error) {
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	return true, nil
}

// fakeBatchEnricher adds bulk calls on top of fakeEnricher. A batch holding
// failCompany always fails.
type fakeBatchEnricher struct {
	*fakeEnricher
	batches     [][]model.Person
	failCompany string
}

func (f *fakeBatchEnricher) FindContacts(_ context.Context, people []model.Person) ([]*model.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, people)
	if f.failCompany != "" && batchHas(people, f.failCompany) {
		return nil, eris.New("icypeas: bulk search failed")
	}
	out := make([]*model.Contact, len(people))
	for i, p := range people {
		out[i] = f.contactFor(p)
	}
	return out, nil
}

func (f *fakeBatchEnricher) VerifyContacts(_ context.Context, emails []string) (map[string]bool, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	out := make(map[string]bool, len(emails))
	for _, e := range emails {
		out[e] = true
	}
	return out, nil
}

func batchHas(people []model.Person, company string) bool {
	for _, p := range people {
		if p.Company.Name == company {
			return true
		}
	}
	return false
}

// --- Push fakes ---

type fakeEmail struct {
	mu       sync.Mutex
	reject   map[string]bool // company names the vendor refuses
	failures int             // calls that fail before the vendor recovers
	calls    int
	pushed   []string
}

func (f *fakeEmail) PushBatch(_ context.Context, leads []model.Lead) (BatchAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return BatchAck{}, eris.New("instantly: 503 service unavailable")
	}
	var ack BatchAck
	for _, l := range leads {
		if f.reject[l.CompanyName] {
			ack.Rejected = append(ack.Rejected, l.ID)
			continue
		}
		ack.Accepted++
		f.pushed = append(f.pushed, l.CompanyName)
	}
	return ack, nil
}

type fakeNetwork struct {
	mu     sync.Mutex
	flaky  map[string]int  // company -> failures left before success
	refuse map[string]bool // company never accepted
	onCall func(company string)
	calls  map[string]int
	pushed []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		flaky:  make(map[string]int),
		refuse: make(map[string]bool),
		calls:  make(map[string]int),
	}
}

func (f *fakeNetwork) PushOne(_ context.Context, l model.Lead) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[l.CompanyName]++
	if f.onCall != nil {
		f.onCall(l.CompanyName)
	}
	if f.refuse[l.CompanyName] {
		return false, nil
	}
	if f.flaky[l.CompanyName] > 0 {
		f.flaky[l.CompanyName]--
		return false, eris.New("prosp: 429 too many requests")
	}
	f.pushed = append(f.pushed, l.CompanyName)
	return true, nil
}
