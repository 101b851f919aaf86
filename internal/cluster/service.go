package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mesikahq/patient-index/internal/audit"
	"github.com/mesikahq/patient-index/internal/record"
)

var (
	ErrClusterRetired = errors.New("cluster is retired and accepts no members")
	ErrNotAMember     = errors.New("record is not a member of the cluster")
	ErrSelfMerge      = errors.New("cannot merge a cluster into itself")
)

const maxRedirectHops = 32

const lockStripes = 64

// Service owns cluster mutation and the one-active-cluster-per-record
// invariant. Every mutating operation is a single compare-and-swap against
// the backing store plus an audit event; writes to the same cluster are
// serialized through striped locks, reads are lock-free against the store.
type Service interface {
	Create(ctx context.Context, rec *record.PatientRecord, actor string) (*IdentityCluster, error)
	MergeInto(ctx context.Context, rec *record.PatientRecord, ref Ref, actor string) (*IdentityCluster, error)
	MergeClusters(ctx context.Context, a, b Ref, actor string) (*IdentityCluster, error)
	SplitMember(ctx context.Context, ref Ref, recordID string, actor string) (*IdentityCluster, error)

	// Resolve follows MERGED_INTO redirects to the active cluster.
	Resolve(ctx context.Context, ref Ref) (*IdentityCluster, error)

	// AssignmentFor returns the active cluster a record currently belongs
	// to, following redirects. ok is false for unknown records.
	AssignmentFor(ctx context.Context, recordID string) (*IdentityCluster, bool, error)
}

type service struct {
	store  Store
	audit  audit.Sink
	logger *logrus.Logger
	locks  [lockStripes]sync.Mutex
}

func NewService(store Store, sink audit.Sink, logger *logrus.Logger) Service {
	return &service{store: store, audit: sink, logger: logger}
}

func (s *service) lockFor(ref Ref) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(ref))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *service) Create(ctx context.Context, rec *record.PatientRecord, actor string) (*IdentityCluster, error) {
	if err := s.store.PutRecord(ctx, rec); err != nil {
		return nil, err
	}

	seq, err := s.store.NextSeq(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &IdentityCluster{
		Ref:       Ref(uuid.New().String()),
		Seq:       seq,
		Members:   []string{rec.ID},
		Snapshot:  survivorship(Snapshot{}, []*record.PatientRecord{rec}),
		Status:    StatusActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateCluster(ctx, c); err != nil {
		return nil, err
	}
	if err := s.store.PutAssignment(ctx, rec.ID, c.Ref); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"cluster_ref": c.Ref,
		"record_id":   rec.ID,
	}).Info("Created singleton cluster")
	return c.Clone(), nil
}

func (s *service) MergeInto(ctx context.Context, rec *record.PatientRecord, ref Ref, actor string) (*IdentityCluster, error) {
	lock := s.lockFor(ref)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.store.GetCluster(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch c.Status {
	case StatusMergedInto:
		// Tombstone-with-forward: the caller must re-run blocking against
		// the redirect target, whose demographics may differ.
		return nil, &StaleVersionError{Ref: ref, Expected: c.Version, RedirectTo: c.MergedInto}
	case StatusRetired:
		return nil, ErrClusterRetired
	}

	if err := s.store.PutRecord(ctx, rec); err != nil {
		return nil, err
	}

	before := c.Clone()
	c.Members = append(c.Members, rec.ID)
	members, err := s.memberRecords(ctx, c)
	if err != nil {
		return nil, err
	}
	c.Snapshot = survivorship(Snapshot{}, members)
	c.UpdatedAt = time.Now().UTC()
	c.Version++

	if err := s.store.UpdateCluster(ctx, c, before.Version); err != nil {
		return nil, err
	}
	if err := s.store.PutAssignment(ctx, rec.ID, c.Ref); err != nil {
		return nil, err
	}

	s.emit(ctx, audit.EventMerge, actor, rec.ID, c.Ref, "", before, c)
	return c.Clone(), nil
}

func (s *service) MergeClusters(ctx context.Context, a, b Ref, actor string) (*IdentityCluster, error) {
	if a == b {
		return nil, ErrSelfMerge
	}

	// Consistent lock order across both stripes avoids deadlock.
	first, second := s.lockFor(a), s.lockFor(b)
	if a > b {
		first, second = second, first
	}
	first.Lock()
	defer first.Unlock()
	if second != first {
		second.Lock()
		defer second.Unlock()
	}

	ca, err := s.store.GetCluster(ctx, a)
	if err != nil {
		return nil, err
	}
	cb, err := s.store.GetCluster(ctx, b)
	if err != nil {
		return nil, err
	}
	if ca.Status != StatusActive {
		return nil, &StaleVersionError{Ref: a, Expected: ca.Version, RedirectTo: ca.MergedInto}
	}
	if cb.Status != StatusActive {
		return nil, &StaleVersionError{Ref: b, Expected: cb.Version, RedirectTo: cb.MergedInto}
	}

	// The larger cluster survives; ties go to the older one.
	survivor, loser := ca, cb
	if len(cb.Members) > len(ca.Members) ||
		(len(cb.Members) == len(ca.Members) && cb.CreatedAt.Before(ca.CreatedAt)) {
		survivor, loser = cb, ca
	}

	beforeSurvivor := survivor.Clone()
	beforeLoser := loser.Clone()

	// The survivor takes a fresh sequence number so the tombstone's forward
	// pointer targets a strictly later Seq; chains stay acyclic.
	seq, err := s.store.NextSeq(ctx)
	if err != nil {
		return nil, err
	}

	survivor.Seq = seq
	survivor.Members = append(survivor.Members, loser.Members...)
	members, err := s.memberRecords(ctx, survivor)
	if err != nil {
		return nil, err
	}
	survivor.Snapshot = survivorship(Snapshot{}, members)
	survivor.UpdatedAt = time.Now().UTC()
	survivor.Version++
	if err := s.store.UpdateCluster(ctx, survivor, beforeSurvivor.Version); err != nil {
		return nil, err
	}

	loser.Status = StatusMergedInto
	loser.MergedInto = survivor.Ref
	loser.UpdatedAt = survivor.UpdatedAt
	loser.Version++
	if err := s.store.UpdateCluster(ctx, loser, beforeLoser.Version); err != nil {
		return nil, err
	}

	for _, recID := range beforeLoser.Members {
		if err := s.store.PutAssignment(ctx, recID, survivor.Ref); err != nil {
			return nil, err
		}
	}

	s.emitClusterMerge(ctx, actor, beforeSurvivor, beforeLoser, survivor, loser)
	s.logger.WithFields(logrus.Fields{
		"survivor": survivor.Ref,
		"merged":   loser.Ref,
		"actor":    actor,
	}).Info("Clusters merged")
	return survivor.Clone(), nil
}

func (s *service) SplitMember(ctx context.Context, ref Ref, recordID string, actor string) (*IdentityCluster, error) {
	lock := s.lockFor(ref)
	lock.Lock()
	defer lock.Unlock()

	c, err := s.store.GetCluster(ctx, ref)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusActive {
		return nil, &StaleVersionError{Ref: ref, Expected: c.Version, RedirectTo: c.MergedInto}
	}
	if !c.HasMember(recordID) {
		return nil, fmt.Errorf("split %s from %s: %w", recordID, ref, ErrNotAMember)
	}

	rec, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	before := c.Clone()
	kept := c.Members[:0:0]
	for _, m := range c.Members {
		if m != recordID {
			kept = append(kept, m)
		}
	}
	c.Members = kept
	members, err := s.memberRecords(ctx, c)
	if err != nil {
		return nil, err
	}
	c.Snapshot = survivorship(Snapshot{}, members)
	c.UpdatedAt = time.Now().UTC()
	c.Version++
	if err := s.store.UpdateCluster(ctx, c, before.Version); err != nil {
		return nil, err
	}

	seq, err := s.store.NextSeq(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	fresh := &IdentityCluster{
		Ref:       Ref(uuid.New().String()),
		Seq:       seq,
		Members:   []string{recordID},
		Snapshot:  survivorship(Snapshot{}, []*record.PatientRecord{rec}),
		Status:    StatusActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateCluster(ctx, fresh); err != nil {
		return nil, err
	}
	if err := s.store.PutAssignment(ctx, recordID, fresh.Ref); err != nil {
		return nil, err
	}

	s.emit(ctx, audit.EventSplit, actor, recordID, ref, fresh.Ref, before, fresh)
	return fresh.Clone(), nil
}

func (s *service) Resolve(ctx context.Context, ref Ref) (*IdentityCluster, error) {
	current := ref
	for hop := 0; hop < maxRedirectHops; hop++ {
		c, err := s.store.GetCluster(ctx, current)
		if err != nil {
			return nil, err
		}
		if c.Status != StatusMergedInto {
			return c.Clone(), nil
		}
		current = c.MergedInto
	}
	// Unreachable when the Seq invariant holds; guard against a corrupted
	// store rather than spinning.
	return nil, fmt.Errorf("redirect chain from %s exceeds %d hops", ref, maxRedirectHops)
}

func (s *service) AssignmentFor(ctx context.Context, recordID string) (*IdentityCluster, bool, error) {
	ref, ok, err := s.store.Assignment(ctx, recordID)
	if err != nil || !ok {
		return nil, false, err
	}
	c, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

func (s *service) memberRecords(ctx context.Context, c *IdentityCluster) ([]*record.PatientRecord, error) {
	out := make([]*record.PatientRecord, 0, len(c.Members))
	for _, id := range c.Members {
		rec, err := s.store.GetRecord(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading member %s: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// MergeAudit is the payload of a CLUSTER_MERGE event's before and after
// fields: both sides of the merge, so either cluster's pre-merge membership
// can be reconstructed from the audit chain alone.
type MergeAudit struct {
	Survivor *IdentityCluster `json:"survivor"`
	Merged   *IdentityCluster `json:"merged"`
}

func (s *service) emitClusterMerge(ctx context.Context, actor string, beforeSurvivor, beforeLoser, survivor, loser *IdentityCluster) {
	beforeJSON, _ := json.Marshal(MergeAudit{Survivor: beforeSurvivor, Merged: beforeLoser})
	afterJSON, _ := json.Marshal(MergeAudit{Survivor: survivor.Clone(), Merged: loser.Clone()})
	if err := s.audit.Emit(ctx, &audit.Event{
		EventType:  audit.EventClusterMerge,
		Actor:      actor,
		ClusterRef: string(loser.Ref),
		TargetRef:  string(survivor.Ref),
		Before:     beforeJSON,
		After:      afterJSON,
	}); err != nil {
		s.logger.WithError(err).Error("Failed to emit audit event")
	}
}

func (s *service) emit(ctx context.Context, t audit.EventType, actor, recordID string, ref, target Ref, before, after *IdentityCluster) {
	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)
	if err := s.audit.Emit(ctx, &audit.Event{
		EventType:  t,
		Actor:      actor,
		RecordID:   recordID,
		ClusterRef: string(ref),
		TargetRef:  string(target),
		Before:     beforeJSON,
		After:      afterJSON,
	}); err != nil {
		s.logger.WithError(err).Error("Failed to emit audit event")
	}
}

// survivorship derives the canonical snapshot from member records in arrival
// order: the most recent non-empty value wins per field, except that a
// verified identifier is never downgraded by an unverified value from a
// later source.
func survivorship(base Snapshot, members []*record.PatientRecord) Snapshot {
	snap := base
	verified := make(map[record.IdentifierType]bool)
	byType := make(map[record.IdentifierType]record.Identifier)

	for _, id := range snap.Identifiers {
		byType[id.Type] = id
		if id.Verified {
			verified[id.Type] = true
		}
	}

	for _, rec := range members {
		if rec.GivenName != "" {
			snap.GivenName = rec.GivenName
		}
		if rec.FamilyName != "" {
			snap.FamilyName = rec.FamilyName
		}
		if !rec.DateOfBirth.IsZero() {
			snap.DateOfBirth = rec.DateOfBirth
		}
		if rec.Sex != "" {
			snap.Sex = rec.Sex
		}
		if len(rec.AddressTokens) > 0 {
			snap.AddressTokens = append([]string(nil), rec.AddressTokens...)
		}
		if rec.Phone != "" {
			snap.Phone = rec.Phone
		}
		if rec.Email != "" {
			snap.Email = rec.Email
		}
		for _, id := range rec.Identifiers {
			if id.Value == "" {
				continue
			}
			if verified[id.Type] && !id.Verified {
				continue
			}
			byType[id.Type] = id
			if id.Verified {
				verified[id.Type] = true
			}
		}
	}

	if len(byType) > 0 {
		ids := make([]record.Identifier, 0, len(byType))
		for _, t := range []record.IdentifierType{record.IdentifierSSN, record.IdentifierMRN, record.IdentifierInsurance} {
			if id, ok := byType[t]; ok {
				ids = append(ids, id)
			}
		}
		snap.Identifiers = ids
	}
	return snap
}
