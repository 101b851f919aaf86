package blocking

import (
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/record"
)

const recencyTrackerSize = 8192

// MemoryIndex is the single-process implementation: inverted maps guarded by
// a RWMutex so concurrent reads never block each other, plus an LRU tracking
// which clusters were touched most recently. When the union of index hits
// exceeds the cap, the most recently touched clusters win.
type MemoryIndex struct {
	mu     sync.RWMutex
	byKey  map[string]map[cluster.Ref]struct{}
	recent *lru.Cache[cluster.Ref, struct{}]
	cap    int
}

func NewMemoryIndex(cap int) *MemoryIndex {
	recent, _ := lru.New[cluster.Ref, struct{}](recencyTrackerSize)
	return &MemoryIndex{
		byKey:  make(map[string]map[cluster.Ref]struct{}),
		recent: recent,
		cap:    cap,
	}
}

func (m *MemoryIndex) Add(_ context.Context, rec *record.PatientRecord, ref cluster.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range Keys(rec) {
		refs, ok := m.byKey[key]
		if !ok {
			refs = make(map[cluster.Ref]struct{})
			m.byKey[key] = refs
		}
		refs[ref] = struct{}{}
	}
	m.recent.Add(ref, struct{}{})
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, rec *record.PatientRecord, ref cluster.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range Keys(rec) {
		if refs, ok := m.byKey[key]; ok {
			delete(refs, ref)
			if len(refs) == 0 {
				delete(m.byKey, key)
			}
		}
	}
	return nil
}

func (m *MemoryIndex) Candidates(_ context.Context, rec *record.PatientRecord) ([]cluster.Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	union := make(map[cluster.Ref]struct{})
	for _, key := range Keys(rec) {
		for ref := range m.byKey[key] {
			union[ref] = struct{}{}
		}
	}
	if len(union) == 0 {
		return nil, nil
	}

	// Most recently touched first; anything that aged out of the recency
	// tracker follows in lexical order so the result stays deterministic.
	out := make([]cluster.Ref, 0, len(union))
	keys := m.recent.Keys() // oldest to newest
	for i := len(keys) - 1; i >= 0; i-- {
		if _, ok := union[keys[i]]; ok {
			out = append(out, keys[i])
			delete(union, keys[i])
		}
	}
	rest := make([]cluster.Ref, 0, len(union))
	for ref := range union {
		rest = append(rest, ref)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	out = append(out, rest...)

	if len(out) > m.cap {
		out = out[:m.cap]
	}
	return out, nil
}
