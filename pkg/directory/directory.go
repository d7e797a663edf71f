// Package directory exposes the member list through the cache coordinator.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/grpc-guardian/memberdir/pkg/cache"
	"github.com/grpc-guardian/memberdir/pkg/upstream"
)

// MembersKey is the cache key holding the sorted member list
const MembersKey = "members"

// Fetcher loads the raw member payload
type Fetcher interface {
	FetchMembers(ctx context.Context) (*upstream.Response, error)
}

// Service answers directory queries from the cached member list
type Service struct {
	fetcher     Fetcher
	coordinator *cache.Coordinator
	logger      *zap.Logger
	lang        language.Tag
	resolveOpts []cache.ResolveOption
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTTL sets how long a fetched member list stays fresh
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.resolveOpts = append(s.resolveOpts, cache.TTL(ttl))
	}
}

// WithStaleWhileRevalidate sets how long a stale list is still served
func WithStaleWhileRevalidate(d time.Duration) Option {
	return func(s *Service) {
		s.resolveOpts = append(s.resolveOpts, cache.StaleWhileRevalidate(d))
	}
}

// WithLanguage sets the collation language used for ordering
func WithLanguage(tag language.Tag) Option {
	return func(s *Service) {
		s.lang = tag
	}
}

// NewService creates a directory service
func NewService(fetcher Fetcher, coordinator *cache.Coordinator, opts ...Option) *Service {
	s := &Service{
		fetcher:     fetcher,
		coordinator: coordinator,
		logger:      zap.NewNop(),
		lang:        language.English,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Listing is the member list plus the upstream result-set info
type Listing struct {
	Results []upstream.Member
	Info    upstream.Info
}

// ListAll returns every member ordered by display name. The returned members
// are deep copies owned by the caller.
func (s *Service) ListAll(ctx context.Context) (*Listing, error) {
	cached, err := cache.Get(ctx, s.coordinator, MembersKey, s.load, s.resolveOpts...)
	if err != nil {
		return nil, err
	}

	results := make([]upstream.Member, len(cached.Results))
	for i, m := range cached.Results {
		results[i] = m.Clone()
	}
	return &Listing{Results: results, Info: cached.Info}, nil
}

// Search returns members whose display name contains filter, ignoring case.
// An empty or blank filter matches everyone.
func (s *Service) Search(ctx context.Context, filter string) (*Listing, error) {
	listing, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(filter))
	if needle == "" {
		return listing, nil
	}

	matched := make([]upstream.Member, 0, len(listing.Results))
	for _, m := range listing.Results {
		if strings.Contains(strings.ToLower(m.DisplayName()), needle) {
			matched = append(matched, m)
		}
	}
	listing.Results = matched
	return listing, nil
}

// GetByID returns the member with the given login uuid. The boolean is false
// when no member matches.
func (s *Service) GetByID(ctx context.Context, id string) (upstream.Member, bool, error) {
	listing, err := s.ListAll(ctx)
	if err != nil {
		return upstream.Member{}, false, err
	}

	for _, m := range listing.Results {
		if m.UUID() == id {
			return m, true, nil
		}
	}
	return upstream.Member{}, false, nil
}

// Refresh drops the cached list so the next query refetches it
func (s *Service) Refresh() {
	if s.coordinator.Invalidate(MembersKey) {
		s.logger.Info("member list invalidated")
	}
}

// load fetches, validates and sorts the list. It runs once per flight, so the
// cached value is already ordered.
func (s *Service) load(ctx context.Context) (*upstream.Response, error) {
	resp, err := s.fetcher.FetchMembers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch members: %w", err)
	}

	sortMembers(resp.Results, s.lang)

	s.logger.Debug("member list loaded", zap.Int("members", len(resp.Results)))
	return resp, nil
}

// sortMembers orders by lower-cased "first last" with locale collation. Ties
// keep upstream order.
func sortMembers(members []upstream.Member, tag language.Tag) {
	col := collate.New(tag)
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = strings.ToLower(m.DisplayName())
	}

	idx := make([]int, len(members))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return col.CompareString(keys[idx[a]], keys[idx[b]]) < 0
	})

	sorted := make([]upstream.Member, len(members))
	for i, j := range idx {
		sorted[i] = members[j]
	}
	copy(members, sorted)
}
