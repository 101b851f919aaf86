package store

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/record"
)

// flakyStore delegates to Memory until fail is set, then returns fail
// from every call and counts how many reached it.
type flakyStore struct {
	*Memory
	fail  error
	calls int
}

func (f *flakyStore) GetRecord(ctx context.Context, id string) (*record.PatientRecord, error) {
	f.calls++
	if f.fail != nil {
		return nil, f.fail
	}
	return f.Memory.GetRecord(ctx, id)
}

func newBreakerUnderTest() (*Breaker, *flakyStore) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	inner := &flakyStore{Memory: NewMemory()}
	return NewBreaker(inner, logger), inner
}

func TestBreakerBenignErrorsDoNotTrip(t *testing.T) {
	b, inner := newBreakerUnderTest()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := b.GetRecord(ctx, "missing")
		assert.ErrorIs(t, err, cluster.ErrRecordNotFound)
	}

	// Still closed: a real read succeeds.
	require.NoError(t, inner.Memory.PutRecord(ctx, &record.PatientRecord{ID: "r1", SourceID: "clinic-a"}))
	got, err := b.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)
}

func TestBreakerStaleVersionPassesThrough(t *testing.T) {
	b, _ := newBreakerUnderTest()
	ctx := context.Background()

	c := &cluster.IdentityCluster{Ref: "c1", Status: cluster.StatusActive, Version: 3}
	require.NoError(t, b.CreateCluster(ctx, c))

	c.Version = 4
	err := b.UpdateCluster(ctx, c, 99)
	var stale *cluster.StaleVersionError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, cluster.Ref("c1"), stale.Ref)

	// The conflict did not open the circuit.
	got, err := b.GetCluster(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got.Version)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, inner := newBreakerUnderTest()
	ctx := context.Background()

	inner.fail = errors.New("connection refused")
	for i := 0; i < 5; i++ {
		_, err := b.GetRecord(ctx, "r1")
		require.Error(t, err)
	}

	before := inner.calls
	_, err := b.GetRecord(ctx, "r1")
	var unavailable *cluster.StoreUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, before, inner.calls, "open circuit must not reach the backend")
}
