package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/record"
)

// Memory is a map-backed cluster.Store used in tests and single-node
// deployments. All methods are safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	records     map[string]*record.PatientRecord
	assignments map[string]cluster.Ref
	clusters    map[cluster.Ref]*cluster.IdentityCluster
	seq         uint64
}

func NewMemory() *Memory {
	return &Memory{
		records:     make(map[string]*record.PatientRecord),
		assignments: make(map[string]cluster.Ref),
		clusters:    make(map[cluster.Ref]*cluster.IdentityCluster),
	}
}

func (m *Memory) GetRecord(_ context.Context, id string) (*record.PatientRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, cluster.ErrRecordNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) PutRecord(_ context.Context, rec *record.PatientRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *Memory) Assignment(_ context.Context, recordID string) (cluster.Ref, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ref, ok := m.assignments[recordID]
	return ref, ok, nil
}

func (m *Memory) PutAssignment(_ context.Context, recordID string, ref cluster.Ref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[recordID] = ref
	return nil
}

func (m *Memory) GetCluster(_ context.Context, ref cluster.Ref) (*cluster.IdentityCluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[ref]
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", ref, cluster.ErrClusterNotFound)
	}
	return c.Clone(), nil
}

func (m *Memory) CreateCluster(_ context.Context, c *cluster.IdentityCluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.clusters[c.Ref]; exists {
		return fmt.Errorf("cluster %s already exists", c.Ref)
	}
	m.clusters[c.Ref] = c.Clone()
	return nil
}

func (m *Memory) UpdateCluster(_ context.Context, c *cluster.IdentityCluster, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.clusters[c.Ref]
	if !ok {
		return fmt.Errorf("cluster %s: %w", c.Ref, cluster.ErrClusterNotFound)
	}
	if stored.Version != expectedVersion {
		e := &cluster.StaleVersionError{Ref: c.Ref, Expected: expectedVersion}
		if stored.Status == cluster.StatusMergedInto {
			e.RedirectTo = stored.MergedInto
		}
		return e
	}
	m.clusters[c.Ref] = c.Clone()
	return nil
}

func (m *Memory) NextSeq(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.seq, nil
}
