package repository

import (
	"context"
	"sync"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
)

// MemoryRepository keeps records in process. Used for dry runs and local
// development (STORE_DRIVER=memory).
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.IndicatorRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*domain.IndicatorRecord)}
}

func (r *MemoryRepository) Ping(context.Context) error { return nil }

func (r *MemoryRepository) Exists(_ context.Context, value string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[value]
	return ok, nil
}

func (r *MemoryRepository) FindByValue(_ context.Context, value string) (*domain.IndicatorRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[value]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Upsert replaces the stored record but keeps its first sighting identity.
func (r *MemoryRepository) Upsert(_ context.Context, rec *domain.IndicatorRecord) error {
	cp := cloneRecord(rec)
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.records[rec.Value]; ok {
		cp.FirstSeen = old.FirstSeen
		cp.CorrelationID = old.CorrelationID
	}
	r.records[rec.Value] = cp
	return nil
}

func (r *MemoryRepository) UpsertMany(ctx context.Context, recs []*domain.IndicatorRecord) error {
	for _, rec := range recs {
		if err := r.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// cloneRecord copies the maps and slices so stored records are not aliased
// by the pipeline.
func cloneRecord(rec *domain.IndicatorRecord) *domain.IndicatorRecord {
	cp := *rec
	cp.Tags = append([]string(nil), rec.Tags...)
	cp.SeverityReasons = append([]string(nil), rec.SeverityReasons...)
	cp.Sources = make(map[string]map[string]any, len(rec.Sources))
	for name, attrs := range rec.Sources {
		inner := make(map[string]any, len(attrs))
		for k, v := range attrs {
			inner[k] = v
		}
		cp.Sources[name] = inner
	}
	return &cp
}
