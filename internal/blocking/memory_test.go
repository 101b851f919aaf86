package blocking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/record"
)

func rec(id, given, family string, dob time.Time, ssn string) *record.PatientRecord {
	r := &record.PatientRecord{
		ID:          id,
		SourceID:    "src",
		GivenName:   given,
		FamilyName:  family,
		DateOfBirth: dob,
	}
	if ssn != "" {
		r.Identifiers = []record.Identifier{{Type: record.IdentifierSSN, Value: ssn}}
	}
	return r
}

func TestKeys(t *testing.T) {
	r := rec("r1", "John", "Smith", time.Date(1980, 1, 15, 0, 0, 0, 0, time.UTC), "123-45-6789")
	keys := Keys(r)
	assert.Contains(t, keys, "dob:1980-01")
	assert.Contains(t, keys, "id4:6789")
	assert.Len(t, keys, 3) // family phonetic + dob + id4
}

func TestKeysSparseRecord(t *testing.T) {
	r := &record.PatientRecord{ID: "r2", SourceID: "src", GivenName: "Ana"}
	assert.Empty(t, Keys(r))
}

func TestCandidatesUnionAcrossKeys(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(50)

	born := time.Date(1980, 1, 15, 0, 0, 0, 0, time.UTC)
	// Same surname sound, different month.
	require.NoError(t, idx.Add(ctx, rec("r1", "John", "Smith", born, ""), "c1"))
	// Same birth month, different surname.
	require.NoError(t, idx.Add(ctx, rec("r2", "Ana", "Garcia", born.AddDate(0, 0, 3), ""), "c2"))
	// Nothing in common.
	require.NoError(t, idx.Add(ctx, rec("r3", "Bo", "Chen", born.AddDate(20, 0, 0), ""), "c3"))

	got, err := idx.Candidates(ctx, rec("query", "Jon", "Smyth", born, ""))
	require.NoError(t, err)
	assert.ElementsMatch(t, []cluster.Ref{"c1", "c2"}, got)
}

func TestCandidatesEmptyIsNotAnError(t *testing.T) {
	idx := NewMemoryIndex(50)
	got, err := idx.Candidates(context.Background(), rec("query", "Jon", "Smyth", time.Time{}, ""))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCandidatesCappedByRecency(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(3)

	born := time.Date(1980, 1, 15, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		r := rec(fmt.Sprintf("r%d", i), "John", "Smith", born, "")
		require.NoError(t, idx.Add(ctx, r, cluster.Ref(fmt.Sprintf("c%d", i))))
	}

	got, err := idx.Candidates(ctx, rec("query", "John", "Smith", born, ""))
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Most recently added first.
	assert.Equal(t, []cluster.Ref{"c9", "c8", "c7"}, got)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex(50)
	born := time.Date(1980, 1, 15, 0, 0, 0, 0, time.UTC)

	r := rec("r1", "John", "Smith", born, "")
	require.NoError(t, idx.Add(ctx, r, "c1"))
	require.NoError(t, idx.Remove(ctx, r, "c1"))

	got, err := idx.Candidates(ctx, rec("query", "John", "Smith", born, ""))
	require.NoError(t, err)
	assert.Empty(t, got)
}
