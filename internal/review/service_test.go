package review_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesikahq/patient-index/internal/audit"
	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/decision"
	"github.com/mesikahq/patient-index/internal/record"
	"github.com/mesikahq/patient-index/internal/review"
)

const tHigh = 0.75

func newService(t *testing.T, claimTimeout time.Duration) (review.Service, *audit.Memory) {
	t.Helper()
	sink := audit.NewMemory()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return review.NewService(review.NewMemoryRepository(), sink, logger, claimTimeout, tHigh), sink
}

func candidate(recordID, target string, composite float64) *decision.MatchCandidate {
	return &decision.MatchCandidate{
		ID:        uuid.New().String(),
		RecordID:  recordID,
		Target:    cluster.Ref(target),
		Composite: composite,
		Outcome:   decision.PossibleMatch,
		DecidedAt: time.Now().UTC(),
		Actor:     audit.ActorSystem,
	}
}

func enqueue(t *testing.T, svc review.Service, rec *record.PatientRecord, cands ...*decision.MatchCandidate) []*review.Item {
	t.Helper()
	items, err := svc.Enqueue(context.Background(), rec, cands)
	require.NoError(t, err)
	return items
}

func TestQueueOrdering(t *testing.T) {
	svc, _ := newService(t, 30*time.Minute)
	ctx := context.Background()

	routine := &record.PatientRecord{ID: "r1", Encounter: record.EncounterRoutine}
	emergency := &record.PatientRecord{ID: "r2", Encounter: record.EncounterEmergency}

	low := enqueue(t, svc, routine, candidate("r1", "c1", 0.50))[0]
	high := enqueue(t, svc, routine, candidate("r1", "c2", 0.70))[0]
	urgent := enqueue(t, svc, emergency, candidate("r2", "c3", 0.50))[0]

	items, err := svc.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	// Emergency first, then closest to the auto band, then the rest.
	assert.Equal(t, urgent.ID, items[0].ID)
	assert.Equal(t, high.ID, items[1].ID)
	assert.Equal(t, low.ID, items[2].ID)
}

func TestClaimConflict(t *testing.T) {
	svc, sink := newService(t, 30*time.Minute)
	ctx := context.Background()

	rec := &record.PatientRecord{ID: "r1"}
	item := enqueue(t, svc, rec, candidate("r1", "c1", 0.60))[0]

	claimed, err := svc.Claim(ctx, item.ID, "reviewer:alice")
	require.NoError(t, err)
	assert.Equal(t, review.StatusUnderReview, claimed.Status)

	_, err = svc.Claim(ctx, item.ID, "reviewer:bob")
	var conflict *review.ClaimConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "reviewer:alice", conflict.ClaimedBy)

	// Re-claiming your own item refreshes the claim rather than failing.
	_, err = svc.Claim(ctx, item.ID, "reviewer:alice")
	assert.NoError(t, err)

	require.Len(t, sink.ByType(audit.EventReviewClaimed), 2)
}

// rendezvousRepo holds the first two Gets until both callers have read the
// item, forcing two claimers to race from the same PENDING snapshot.
type rendezvousRepo struct {
	review.Repository
	mu    sync.Mutex
	reads int
	ready chan struct{}
}

func (r *rendezvousRepo) Get(id string) (*review.Item, error) {
	item, err := r.Repository.Get(id)
	r.mu.Lock()
	r.reads++
	wait := r.reads <= 2
	if r.reads == 2 {
		close(r.ready)
	}
	r.mu.Unlock()
	if wait {
		<-r.ready
	}
	return item, err
}

func TestClaimSingleWinnerUnderContention(t *testing.T) {
	repo := &rendezvousRepo{Repository: review.NewMemoryRepository(), ready: make(chan struct{})}
	sink := audit.NewMemory()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	svc := review.NewService(repo, sink, logger, 30*time.Minute, tHigh)
	ctx := context.Background()

	rec := &record.PatientRecord{ID: "r1"}
	item := enqueue(t, svc, rec, candidate("r1", "c1", 0.60))[0]

	results := make(chan error, 2)
	for _, reviewer := range []string{"reviewer:alice", "reviewer:bob"} {
		go func(reviewer string) {
			_, err := svc.Claim(ctx, item.ID, reviewer)
			results <- err
		}(reviewer)
	}

	var wins, conflicts int
	for i := 0; i < 2; i++ {
		err := <-results
		if err == nil {
			wins++
			continue
		}
		var conflict *review.ClaimConflictError
		require.ErrorAs(t, err, &conflict)
		assert.NotEmpty(t, conflict.ClaimedBy)
		conflicts++
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	got, err := svc.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, review.StatusUnderReview, got.Status)
	require.Len(t, sink.ByType(audit.EventReviewClaimed), 1)
}

func TestRepositoryUpdateIsConditional(t *testing.T) {
	repo := review.NewMemoryRepository()
	item := &review.Item{ID: "i1", Candidate: candidate("r1", "c1", 0.60), Status: review.StatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.Insert(item))

	// First transition from the PENDING snapshot wins.
	prev := item.Clone()
	claimed := item.Clone()
	claimed.Status = review.StatusUnderReview
	claimed.ClaimedBy = "reviewer:alice"
	require.NoError(t, repo.Update(claimed, prev))

	// A second writer still holding the PENDING snapshot loses.
	late := item.Clone()
	late.Status = review.StatusUnderReview
	late.ClaimedBy = "reviewer:bob"
	err := repo.Update(late, prev)
	assert.ErrorIs(t, err, review.ErrItemChanged)

	got, err := repo.Get("i1")
	require.NoError(t, err)
	assert.Equal(t, "reviewer:alice", got.ClaimedBy)
}

func TestExpiredClaimTakenOver(t *testing.T) {
	svc, _ := newService(t, time.Millisecond)
	ctx := context.Background()

	rec := &record.PatientRecord{ID: "r1"}
	item := enqueue(t, svc, rec, candidate("r1", "c1", 0.60))[0]

	_, err := svc.Claim(ctx, item.ID, "reviewer:alice")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	claimed, err := svc.Claim(ctx, item.ID, "reviewer:bob")
	require.NoError(t, err)
	assert.Equal(t, "reviewer:bob", claimed.ClaimedBy)
}

func TestResolveRequiresClaim(t *testing.T) {
	svc, _ := newService(t, 30*time.Minute)
	ctx := context.Background()

	rec := &record.PatientRecord{ID: "r1"}
	item := enqueue(t, svc, rec, candidate("r1", "c1", 0.60))[0]

	_, err := svc.Resolve(ctx, item.ID, "reviewer:alice", true)
	assert.ErrorIs(t, err, review.ErrNotClaimed)

	_, err = svc.Claim(ctx, item.ID, "reviewer:alice")
	require.NoError(t, err)

	_, err = svc.Resolve(ctx, item.ID, "reviewer:bob", true)
	assert.ErrorIs(t, err, review.ErrNotClaimed)
}

func TestConfirmAutoRejectsSiblings(t *testing.T) {
	svc, sink := newService(t, 30*time.Minute)
	ctx := context.Background()

	rec := &record.PatientRecord{ID: "r1"}
	items := enqueue(t, svc, rec,
		candidate("r1", "c1", 0.70),
		candidate("r1", "c2", 0.60),
		candidate("r1", "c3", 0.50),
	)

	_, err := svc.Claim(ctx, items[0].ID, "reviewer:alice")
	require.NoError(t, err)

	res, err := svc.Resolve(ctx, items[0].ID, "reviewer:alice", true)
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.Len(t, res.Rejected, 2)

	for _, sib := range res.Rejected {
		got, err := svc.Get(ctx, sib.ID)
		require.NoError(t, err)
		assert.Equal(t, review.StatusRejected, got.Status)
		assert.Equal(t, audit.ActorSystem, got.ResolvedBy)
	}

	// Resolving twice is rejected.
	_, err = svc.Resolve(ctx, items[0].ID, "reviewer:alice", true)
	assert.ErrorIs(t, err, review.ErrResolved)

	require.Len(t, sink.ByType(audit.EventReviewResolved), 1)
}

func TestRejectReportsRemainingPending(t *testing.T) {
	svc, _ := newService(t, 30*time.Minute)
	ctx := context.Background()

	rec := &record.PatientRecord{ID: "r1"}
	items := enqueue(t, svc, rec,
		candidate("r1", "c1", 0.70),
		candidate("r1", "c2", 0.60),
	)

	_, err := svc.Claim(ctx, items[0].ID, "reviewer:alice")
	require.NoError(t, err)
	res, err := svc.Resolve(ctx, items[0].ID, "reviewer:alice", false)
	require.NoError(t, err)
	assert.False(t, res.Confirmed)
	assert.Equal(t, 1, res.RemainingPending)

	_, err = svc.Claim(ctx, items[1].ID, "reviewer:alice")
	require.NoError(t, err)
	res, err = svc.Resolve(ctx, items[1].ID, "reviewer:alice", false)
	require.NoError(t, err)
	// Last candidate rejected: the orchestrator creates a singleton.
	assert.Equal(t, 0, res.RemainingPending)
}

func TestReapExpiredClaims(t *testing.T) {
	svc, _ := newService(t, time.Millisecond)
	ctx := context.Background()

	rec := &record.PatientRecord{ID: "r1"}
	items := enqueue(t, svc, rec,
		candidate("r1", "c1", 0.70),
		candidate("r1", "c2", 0.60),
	)
	_, err := svc.Claim(ctx, items[0].ID, "reviewer:alice")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	reaped, err := svc.ReapExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := svc.Get(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, review.StatusPending, got.Status)
	assert.Empty(t, got.ClaimedBy)
}
