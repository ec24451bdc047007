package icypeas

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedClient returns reads[i] on the i-th ReadResults call and repeats
// the last entry afterwards.
type scriptedClient struct {
	mu    sync.Mutex
	reads []func() ([]Item, error)
	calls int
}

func (s *scriptedClient) LaunchBulk(context.Context, BulkRequest) (string, error) { return "", nil }
func (s *scriptedClient) SearchEmail(context.Context, EmailSearchRequest) (string, error) {
	return "", nil
}
func (s *scriptedClient) VerifyEmail(context.Context, string) (string, error) { return "", nil }

func (s *scriptedClient) ReadResults(context.Context, string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := min(s.calls, len(s.reads)-1)
	s.calls++
	return s.reads[i]()
}

func items(statuses ...string) func() ([]Item, error) {
	return func() ([]Item, error) {
		out := make([]Item, len(statuses))
		for i, s := range statuses {
			out[i] = Item{Status: s}
		}
		return out, nil
	}
}

func fail() ([]Item, error) { return nil, eris.New("icypeas: HTTP 502") }

func TestPoll_UntilDone(t *testing.T) {
	c := &scriptedClient{reads: []func() ([]Item, error){
		items(),
		fail,
		items(StatusDebited, "IN_PROGRESS"),
		items(StatusDebited, StatusNoResult),
	}}

	got, err := Poll(context.Background(), c, "bulk-1", WithPollInterval(time.Millisecond), WithPollTimeout(time.Second))
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 4, c.calls)
}

func TestPoll_WaitsForExpectedItems(t *testing.T) {
	c := &scriptedClient{reads: []func() ([]Item, error){
		items(StatusDebited),
		items(StatusDebited, StatusError),
	}}

	got, err := Poll(context.Background(), c, "bulk-1",
		WithPollInterval(time.Millisecond), WithPollTimeout(time.Second), WithExpected(2))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestPoll_TimeoutReturnsPartial(t *testing.T) {
	c := &scriptedClient{reads: []func() ([]Item, error){
		items(StatusDebited, "IN_PROGRESS"),
	}}

	got, err := Poll(context.Background(), c, "bulk-1",
		WithPollInterval(5*time.Millisecond), WithPollTimeout(20*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[1].Done())
}

func TestPoll_TimeoutWithoutItems(t *testing.T) {
	c := &scriptedClient{reads: []func() ([]Item, error){items()}}

	_, err := Poll(context.Background(), c, "bulk-1",
		WithPollInterval(5*time.Millisecond), WithPollTimeout(20*time.Millisecond))
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestPoll_ParentCancelled(t *testing.T) {
	c := &scriptedClient{reads: []func() ([]Item, error){items("IN_PROGRESS")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Poll(ctx, c, "bulk-1", WithPollInterval(time.Millisecond))
	assert.ErrorIs(t, err, context.Canceled)
}
