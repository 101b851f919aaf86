package cluster_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesikahq/patient-index/internal/audit"
	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/record"
	"github.com/mesikahq/patient-index/internal/store"
)

func newService(t *testing.T) (cluster.Service, *store.Memory, *audit.Memory) {
	t.Helper()
	mem := store.NewMemory()
	sink := audit.NewMemory()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return cluster.NewService(mem, sink, logger), mem, sink
}

func rec(id, given, family string) *record.PatientRecord {
	return &record.PatientRecord{
		ID:          id,
		SourceID:    "clinic-a",
		GivenName:   given,
		FamilyName:  family,
		DateOfBirth: time.Date(1980, 1, 15, 0, 0, 0, 0, time.UTC),
		SubmittedAt: time.Now().UTC(),
	}
}

func TestCreateSingleton(t *testing.T) {
	svc, mem, _ := newService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, rec("r1", "John", "Smith"), audit.ActorSystem)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, c.Members)
	assert.Equal(t, cluster.StatusActive, c.Status)
	assert.Equal(t, "Smith", c.Snapshot.FamilyName)
	assert.EqualValues(t, 1, c.Version)

	ref, ok, err := mem.Assignment(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, c.Ref, ref)
}

func TestMergeIntoAppendsAndRecomputes(t *testing.T) {
	svc, _, sink := newService(t)
	ctx := context.Background()

	c, err := svc.Create(ctx, rec("r1", "John", "Smith"), audit.ActorSystem)
	require.NoError(t, err)

	second := rec("r2", "Jon", "Smith")
	second.Phone = "555-0100"
	merged, err := svc.MergeInto(ctx, second, c.Ref, audit.ActorSystem)
	require.NoError(t, err)

	assert.Equal(t, []string{"r1", "r2"}, merged.Members)
	assert.EqualValues(t, 2, merged.Version)
	// Most recent non-empty value wins.
	assert.Equal(t, "Jon", merged.Snapshot.GivenName)
	assert.Equal(t, "555-0100", merged.Snapshot.Phone)

	events := sink.ByType(audit.EventMerge)
	require.Len(t, events, 1)
	assert.Equal(t, "r2", events[0].RecordID)
	assert.NotEmpty(t, events[0].Before)
	assert.NotEmpty(t, events[0].After)
}

func TestMergeIntoVerifiedIdentifierNeverDowngraded(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	first := rec("r1", "John", "Smith")
	first.Identifiers = []record.Identifier{
		{Type: record.IdentifierSSN, Value: "123456789", Verified: true},
	}
	c, err := svc.Create(ctx, first, audit.ActorSystem)
	require.NoError(t, err)

	second := rec("r2", "John", "Smith")
	second.Identifiers = []record.Identifier{
		{Type: record.IdentifierSSN, Value: "999999999", Verified: false},
	}
	merged, err := svc.MergeInto(ctx, second, c.Ref, audit.ActorSystem)
	require.NoError(t, err)

	require.Len(t, merged.Snapshot.Identifiers, 1)
	assert.Equal(t, "123456789", merged.Snapshot.Identifiers[0].Value)
	assert.True(t, merged.Snapshot.Identifiers[0].Verified)
}

func TestMergeIntoTombstoneRedirects(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, rec("r1", "John", "Smith"), audit.ActorSystem)
	require.NoError(t, err)
	b, err := svc.Create(ctx, rec("r2", "Jon", "Smith"), audit.ActorSystem)
	require.NoError(t, err)

	survivor, err := svc.MergeClusters(ctx, a.Ref, b.Ref, "operator:alice")
	require.NoError(t, err)

	loser := a.Ref
	if survivor.Ref == a.Ref {
		loser = b.Ref
	}

	_, err = svc.MergeInto(ctx, rec("r3", "Johnny", "Smith"), loser, audit.ActorSystem)
	var sv *cluster.StaleVersionError
	require.ErrorAs(t, err, &sv)
	assert.Equal(t, survivor.Ref, sv.RedirectTo)
}

func TestMergeClusters(t *testing.T) {
	svc, mem, sink := newService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, rec("r1", "John", "Smith"), audit.ActorSystem)
	require.NoError(t, err)
	_, err = svc.MergeInto(ctx, rec("r2", "Jon", "Smith"), a.Ref, audit.ActorSystem)
	require.NoError(t, err)
	b, err := svc.Create(ctx, rec("r3", "J", "Smith"), audit.ActorSystem)
	require.NoError(t, err)

	survivor, err := svc.MergeClusters(ctx, a.Ref, b.Ref, "operator:alice")
	require.NoError(t, err)

	// The larger cluster survives and absorbs the loser's members.
	assert.Equal(t, a.Ref, survivor.Ref)
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, survivor.Members)

	// Tombstone forwards to a strictly later sequence number.
	tomb, err := mem.GetCluster(ctx, b.Ref)
	require.NoError(t, err)
	assert.Equal(t, cluster.StatusMergedInto, tomb.Status)
	assert.Equal(t, survivor.Ref, tomb.MergedInto)
	assert.Greater(t, survivor.Seq, tomb.Seq)

	// Loser members now resolve to the survivor.
	got, ok, err := svc.AssignmentFor(ctx, "r3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, survivor.Ref, got.Ref)

	events := sink.ByType(audit.EventClusterMerge)
	require.Len(t, events, 1)
	assert.Equal(t, "operator:alice", events[0].Actor)
	assert.Equal(t, string(b.Ref), events[0].ClusterRef)
	assert.Equal(t, string(survivor.Ref), events[0].TargetRef)

	// Both sides of the merge are reconstructible from the event alone.
	var before, after cluster.MergeAudit
	require.NoError(t, json.Unmarshal(events[0].Before, &before))
	require.NoError(t, json.Unmarshal(events[0].After, &after))
	assert.Equal(t, []string{"r1", "r2"}, before.Survivor.Members)
	assert.Equal(t, []string{"r3"}, before.Merged.Members)
	assert.Equal(t, cluster.StatusActive, before.Merged.Status)
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, after.Survivor.Members)
	assert.Equal(t, cluster.StatusMergedInto, after.Merged.Status)
	assert.Equal(t, survivor.Ref, after.Merged.MergedInto)
}

func TestMergeClustersSelfMergeRejected(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, rec("r1", "John", "Smith"), audit.ActorSystem)
	require.NoError(t, err)

	_, err = svc.MergeClusters(ctx, a.Ref, a.Ref, "operator:alice")
	assert.ErrorIs(t, err, cluster.ErrSelfMerge)
}

func TestResolveFollowsChain(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, rec("r1", "John", "Smith"), audit.ActorSystem)
	require.NoError(t, err)
	b, err := svc.Create(ctx, rec("r2", "Jon", "Smith"), audit.ActorSystem)
	require.NoError(t, err)
	c, err := svc.Create(ctx, rec("r3", "Johnny", "Smith"), audit.ActorSystem)
	require.NoError(t, err)

	s1, err := svc.MergeClusters(ctx, a.Ref, b.Ref, "operator:alice")
	require.NoError(t, err)
	s2, err := svc.MergeClusters(ctx, s1.Ref, c.Ref, "operator:alice")
	require.NoError(t, err)

	for _, ref := range []cluster.Ref{a.Ref, b.Ref, c.Ref} {
		resolved, err := svc.Resolve(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, s2.Ref, resolved.Ref)
		assert.Equal(t, cluster.StatusActive, resolved.Status)
	}
}

func TestSplitMember(t *testing.T) {
	svc, _, sink := newService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, rec("r1", "John", "Smith"), audit.ActorSystem)
	require.NoError(t, err)
	second := rec("r2", "Jane", "Smith")
	second.Email = "jane@example.com"
	_, err = svc.MergeInto(ctx, second, a.Ref, audit.ActorSystem)
	require.NoError(t, err)

	fresh, err := svc.SplitMember(ctx, a.Ref, "r2", "operator:alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, fresh.Members)
	assert.Equal(t, "Jane", fresh.Snapshot.GivenName)
	assert.NotEqual(t, a.Ref, fresh.Ref)

	remaining, err := svc.Resolve(ctx, a.Ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, remaining.Members)
	// Snapshot is recomputed from the members that stayed behind.
	assert.Equal(t, "John", remaining.Snapshot.GivenName)
	assert.Empty(t, remaining.Snapshot.Email)

	got, ok, err := svc.AssignmentFor(ctx, "r2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fresh.Ref, got.Ref)

	require.Len(t, sink.ByType(audit.EventSplit), 1)
}

func TestSplitNonMemberRejected(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	a, err := svc.Create(ctx, rec("r1", "John", "Smith"), audit.ActorSystem)
	require.NoError(t, err)

	_, err = svc.SplitMember(ctx, a.Ref, "r99", "operator:alice")
	assert.ErrorIs(t, err, cluster.ErrNotAMember)
}
