package directory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grpc-guardian/memberdir/pkg/cache"
	"github.com/grpc-guardian/memberdir/pkg/upstream"
)

type fakeFetcher struct {
	calls atomic.Int32
	delay time.Duration
	resp  func() *upstream.Response
	err   error
}

func (f *fakeFetcher) FetchMembers(ctx context.Context) (*upstream.Response, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.resp(), nil
}

func member(first, last, uuid string) upstream.Member {
	return upstream.Member{
		Name:  upstream.Name{First: first, Last: last},
		Login: upstream.Login{UUID: uuid},
	}
}

func fixture() *upstream.Response {
	return &upstream.Response{
		Results: []upstream.Member{
			member("Zed", "Park", "u-zed"),
			member("Ann", "Cole", "u-ann"),
			member("Bob", "Young", "u-bob"),
			member("John", "Smith", "u-john"),
		},
		Info: upstream.Info{Seed: "myappseed", Results: 4, Page: 1, Version: "1.4"},
	}
}

func newTestService(t *testing.T, f Fetcher, opts ...Option) *Service {
	t.Helper()
	coordinator := cache.NewCoordinator()
	t.Cleanup(coordinator.Close)
	return NewService(f, coordinator, opts...)
}

func names(members []upstream.Member) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.DisplayName()
	}
	return out
}

func TestListAll_SortedByDisplayName(t *testing.T) {
	f := &fakeFetcher{resp: fixture}
	svc := newTestService(t, f)

	listing, err := svc.ListAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"Ann Cole", "Bob Young", "John Smith", "Zed Park"}, names(listing.Results))
	assert.Equal(t, "myappseed", listing.Info.Seed)
}

func TestListAll_EndToEndOrdering(t *testing.T) {
	f := &fakeFetcher{resp: func() *upstream.Response {
		return &upstream.Response{Results: []upstream.Member{
			member("Zed", "Park", "1"),
			member("ann", "Cole", "2"),
			member("Bob", "Young", "3"),
		}}
	}}
	svc := newTestService(t, f)

	listing, err := svc.ListAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ann Cole", "Bob Young", "Zed Park"}, names(listing.Results))
}

func TestListAll_StableForTies(t *testing.T) {
	f := &fakeFetcher{resp: func() *upstream.Response {
		return &upstream.Response{Results: []upstream.Member{
			member("Sam", "Lee", "first"),
			member("Abe", "Ng", "a"),
			member("sam", "lee", "second"),
		}}
	}}
	svc := newTestService(t, f)

	listing, err := svc.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, listing.Results, 3)
	assert.Equal(t, "a", listing.Results[0].UUID())
	assert.Equal(t, "first", listing.Results[1].UUID())
	assert.Equal(t, "second", listing.Results[2].UUID())
}

func TestListAll_ReturnsCopy(t *testing.T) {
	f := &fakeFetcher{resp: fixture}
	svc := newTestService(t, f)

	first, err := svc.ListAll(context.Background())
	require.NoError(t, err)
	first.Results[0] = member("Mutated", "Entry", "x")

	second, err := svc.ListAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ann Cole", second.Results[0].DisplayName())
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestListAll_MutatingIdentityDoesNotLeakIntoCache(t *testing.T) {
	f := &fakeFetcher{resp: func() *upstream.Response {
		resp := fixture()
		name, value := "SSN", "123-45-6789"
		resp.Results[1].ID = upstream.Identity{Name: &name, Value: &value}
		return resp
	}}
	svc := newTestService(t, f)

	first, ok, err := svc.GetByID(context.Background(), "u-ann")
	require.NoError(t, err)
	require.True(t, ok)
	*first.ID.Value = "tampered"
	*first.ID.Name = "tampered"

	second, _, err := svc.GetByID(context.Background(), "u-ann")
	require.NoError(t, err)
	require.NotNil(t, second.ID.Name)
	require.NotNil(t, second.ID.Value)
	assert.Equal(t, "SSN", *second.ID.Name)
	assert.Equal(t, "123-45-6789", *second.ID.Value)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestSearch(t *testing.T) {
	svc := newTestService(t, &fakeFetcher{resp: fixture})

	tests := []struct {
		filter string
		want   []string
	}{
		{"SMI", []string{"John Smith"}},
		{"  smith  ", []string{"John Smith"}},
		{"o", []string{"Ann Cole", "Bob Young", "John Smith"}},
		{"n c", []string{"Ann Cole"}},
		{"", []string{"Ann Cole", "Bob Young", "John Smith", "Zed Park"}},
		{"   ", []string{"Ann Cole", "Bob Young", "John Smith", "Zed Park"}},
		{"nobody", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.filter, func(t *testing.T) {
			listing, err := svc.Search(context.Background(), tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(listing.Results))
		})
	}
}

func TestGetByID(t *testing.T) {
	svc := newTestService(t, &fakeFetcher{resp: fixture})

	m, ok, err := svc.GetByID(context.Background(), "u-bob")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Bob Young", m.DisplayName())

	_, ok, err = svc.GetByID(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpstreamErrorsPropagate(t *testing.T) {
	f := &fakeFetcher{err: &upstream.ValidationError{Issues: []upstream.Issue{{Path: "results", Message: "required"}}}}
	svc := newTestService(t, f)

	_, err := svc.ListAll(context.Background())
	assert.ErrorIs(t, err, upstream.ErrInvalidResponse)

	_, _, err = svc.GetByID(context.Background(), "x")
	assert.ErrorIs(t, err, upstream.ErrInvalidResponse)
	assert.Equal(t, int32(2), f.calls.Load(), "failures are not cached")
}

func TestConcurrentQueriesShareOneFetch(t *testing.T) {
	f := &fakeFetcher{resp: fixture, delay: 50 * time.Millisecond}
	svc := newTestService(t, f)

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := svc.ListAll(context.Background())
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := svc.Search(context.Background(), "a")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, _, err := svc.GetByID(context.Background(), "u-ann")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestCancelledCallerGetsErrCancelled(t *testing.T) {
	f := &fakeFetcher{resp: fixture, delay: time.Second}
	svc := newTestService(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := svc.ListAll(ctx)
	assert.ErrorIs(t, err, cache.ErrCancelled)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRefreshRefetches(t *testing.T) {
	f := &fakeFetcher{resp: fixture}
	svc := newTestService(t, f)

	_, err := svc.ListAll(context.Background())
	require.NoError(t, err)
	svc.Refresh()
	_, err = svc.ListAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.calls.Load())
}
