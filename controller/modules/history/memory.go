package history

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps records in memory; used in dev mode and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []*Record
	nextID  int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{nextID: 1}
}

func (r *MemoryRepository) Save(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.ID = r.nextID
	r.nextID++
	cp := *rec
	r.records = append(r.records, &cp)
	return nil
}

func (r *MemoryRepository) Range(_ context.Context, start, end time.Time) ([]*Record, error) {
	if end.Before(start) {
		return nil, ErrInvalidRange
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record
	for _, rec := range r.records {
		if !rec.Time.Before(start) && rec.Time.Before(end) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}

func (r *MemoryRepository) Latest(_ context.Context) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *Record
	for _, rec := range r.records {
		if latest == nil || !rec.Time.Before(latest.Time) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, ErrRecordNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *MemoryRepository) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.records[:0]
	var removed int64
	for _, rec := range r.records {
		if rec.Time.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	r.records = kept
	return removed, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}
