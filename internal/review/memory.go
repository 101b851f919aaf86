package review

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is the map-backed Repository used in tests and
// single-node deployments.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[string]*Item
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[string]*Item)}
}

func (r *MemoryRepository) Insert(item *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[item.ID]; exists {
		return fmt.Errorf("review item %s already exists", item.ID)
	}
	r.items[item.ID] = item.Clone()
	return nil
}

func (r *MemoryRepository) Get(id string) (*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, ErrItemNotFound)
	}
	return item.Clone(), nil
}

func (r *MemoryRepository) Update(item, prev *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[item.ID]
	if !ok {
		return fmt.Errorf("item %s: %w", item.ID, ErrItemNotFound)
	}
	if stored.Status != prev.Status || stored.ClaimedBy != prev.ClaimedBy {
		return fmt.Errorf("item %s: %w", item.ID, ErrItemChanged)
	}
	r.items[item.ID] = item.Clone()
	return nil
}

func (r *MemoryRepository) ListPending(limit int) ([]*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Item
	for _, item := range r.items {
		if item.Status == StatusPending {
			out = append(out, item.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) PendingForRecord(recordID string) ([]*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Item
	for _, item := range r.items {
		unresolved := item.Status == StatusPending || item.Status == StatusUnderReview
		if unresolved && item.Candidate.RecordID == recordID {
			out = append(out, item.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) Claimed(before time.Time) ([]*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Item
	for _, item := range r.items {
		if item.Status == StatusUnderReview && !item.ClaimedAt.After(before) {
			out = append(out, item.Clone())
		}
	}
	return out, nil
}
