package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
)

type fakeFeed struct {
	name    string
	batch   ports.FeedBatch
	err     error
	delay   time.Duration
	onFetch func()
	calls   atomic.Int32
}

func (f *fakeFeed) Name() string { return f.name }

func (f *fakeFeed) Fetch(ctx context.Context, limit int) (ports.FeedBatch, error) {
	f.calls.Add(1)
	if f.onFetch != nil {
		f.onFetch()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ports.FeedBatch{}, ctx.Err()
		}
	}
	if f.err != nil {
		return ports.FeedBatch{}, f.err
	}
	b := f.batch
	if limit > 0 && len(b.Indicators) > limit {
		b.Indicators = b.Indicators[:limit]
	}
	return b, nil
}

type fakeProvider struct {
	name   string
	mu     sync.Mutex
	calls  map[string]int
	lookup func(value string, attempt int) (*ports.Evidence, error)
}

func newFakeProvider(name string, lookup func(value string, attempt int) (*ports.Evidence, error)) *fakeProvider {
	return &fakeProvider{name: name, calls: make(map[string]int), lookup: lookup}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Lookup(_ context.Context, value string, _ domain.IOCType) (*ports.Evidence, error) {
	p.mu.Lock()
	p.calls[value]++
	attempt := p.calls[value]
	p.mu.Unlock()
	return p.lookup(value, attempt)
}

func (p *fakeProvider) Calls(value string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[value]
}

func (p *fakeProvider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

type fakeQuota struct {
	mu       sync.Mutex
	deny     map[string]bool
	used     map[string]int
	deferred map[string]time.Duration
}

func newFakeQuota() *fakeQuota {
	return &fakeQuota{deny: map[string]bool{}, used: map[string]int{}, deferred: map[string]time.Duration{}}
}

func (q *fakeQuota) Acquire(_ context.Context, provider string, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deny[provider] {
		return domain.ErrProviderRateLimited
	}
	return nil
}

func (q *fakeQuota) RecordUsage(_ context.Context, provider string) {
	q.mu.Lock()
	q.used[provider]++
	q.mu.Unlock()
}

func (q *fakeQuota) Defer(provider string, d time.Duration) {
	q.mu.Lock()
	q.deferred[provider] = d
	q.mu.Unlock()
}

type rateLimitHint struct{ d time.Duration }

func (e rateLimitHint) Error() string                 { return "429" }
func (e rateLimitHint) Unwrap() error                 { return domain.ErrProviderRateLimited }
func (e rateLimitHint) RetryAfterHint() time.Duration { return e.d }

// memStore is an IndicatorStore and IndicatorReader backed by a map.
type memStore struct {
	mu            sync.Mutex
	records       map[string]*domain.IndicatorRecord
	pingErr       error
	existsErr     func(value string) error
	upsertManyErr error
	upsertErr     error
	upsertMany    int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*domain.IndicatorRecord)}
}

func (s *memStore) Ping(context.Context) error { return s.pingErr }

func (s *memStore) Exists(_ context.Context, value string) (bool, error) {
	if s.existsErr != nil {
		if err := s.existsErr(value); err != nil {
			return false, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[value]
	return ok, nil
}

func (s *memStore) FindByValue(_ context.Context, value string) (*domain.IndicatorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[value]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) Upsert(_ context.Context, rec *domain.IndicatorRecord) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.Value] = &cp
	return nil
}

func (s *memStore) UpsertMany(ctx context.Context, recs []*domain.IndicatorRecord) error {
	s.mu.Lock()
	s.upsertMany++
	err := s.upsertManyErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := s.Upsert(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *memStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *memStore) Get(value string) *domain.IndicatorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[value]
}

type fakePublisher struct {
	mu   sync.Mutex
	recs []*domain.IndicatorRecord
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, recs []*domain.IndicatorRecord) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	p.recs = append(p.recs, recs...)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) Close() error { return nil }

var errBoom = errors.New("boom")

func ptr[T any](v T) *T { return &v }
