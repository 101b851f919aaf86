package comparator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesikahq/patient-index/internal/config"
	"github.com/mesikahq/patient-index/internal/record"
)

func dob(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := NewScorer(config.DefaultMatching())
	require.NoError(t, err)
	return s
}

func TestScoreIdenticalSSNDominates(t *testing.T) {
	s := newScorer(t)
	cfg := config.DefaultMatching()

	a := &record.PatientRecord{
		ID: "src-a/1", SourceID: "src-a",
		GivenName: "John", FamilyName: "Smith",
		DateOfBirth: dob(1980, 1, 1), Sex: "M",
		Identifiers: []record.Identifier{{Type: record.IdentifierSSN, Value: "123-45-6789"}},
	}
	b := &record.PatientRecord{
		ID: "src-b/9", SourceID: "src-b",
		GivenName: "Jon", FamilyName: "Smith",
		DateOfBirth: dob(1980, 1, 1), Sex: "M",
		Identifiers: []record.Identifier{{Type: record.IdentifierSSN, Value: "123456789"}},
	}

	res := s.Score(a, b)
	assert.True(t, res.Dominant, "identical SSN must be dominant evidence")
	assert.GreaterOrEqual(t, res.Composite, cfg.ThresholdHigh)
	assert.Equal(t, TypeDeterministic, res.Strongest)
	assert.Positive(t, res.Evidence["ssn"])
	assert.Positive(t, res.Evidence["given_name"], "name variance is still agreement evidence")
}

func TestScoreBirthYearOffLandsInReviewBand(t *testing.T) {
	s := newScorer(t)
	cfg := config.DefaultMatching()

	a := &record.PatientRecord{
		ID: "src-a/2", SourceID: "src-a",
		GivenName: "Maria", FamilyName: "Garcia", DateOfBirth: dob(1990, 5, 10),
	}
	b := &record.PatientRecord{
		ID: "src-b/7", SourceID: "src-b",
		GivenName: "Maria", FamilyName: "Garcia", DateOfBirth: dob(1991, 5, 10),
	}

	res := s.Score(a, b)
	assert.False(t, res.Dominant)
	assert.GreaterOrEqual(t, res.Composite, cfg.ThresholdLow)
	assert.Less(t, res.Composite, cfg.ThresholdHigh)
}

func TestScoreDisjointDemographics(t *testing.T) {
	s := newScorer(t)
	cfg := config.DefaultMatching()

	a := &record.PatientRecord{
		ID: "src-a/3", SourceID: "src-a",
		GivenName: "Alice", FamilyName: "Wong", DateOfBirth: dob(1975, 3, 2), Sex: "F",
	}
	b := &record.PatientRecord{
		ID: "src-b/4", SourceID: "src-b",
		GivenName: "Robert", FamilyName: "Hernandez", DateOfBirth: dob(1962, 11, 30), Sex: "M",
	}

	res := s.Score(a, b)
	assert.Less(t, res.Composite, cfg.ThresholdLow)
}

func TestScoreSymmetricAndDeterministic(t *testing.T) {
	s := newScorer(t)

	a := &record.PatientRecord{
		ID: "a", SourceID: "s1", GivenName: "Maya", FamilyName: "Osei",
		DateOfBirth: dob(1988, 7, 19), Phone: "555-201-3344",
	}
	b := &record.PatientRecord{
		ID: "b", SourceID: "s2", GivenName: "Maia", FamilyName: "Osei",
		DateOfBirth: dob(1988, 7, 19), Phone: "(555) 201-3344",
	}

	ab := s.Score(a, b)
	ba := s.Score(b, a)
	assert.Equal(t, ab.Composite, ba.Composite, "score must be symmetric")
	assert.Equal(t, ab.Evidence, ba.Evidence)

	// Bit-for-bit reproducible across repeated runs.
	for i := 0; i < 10; i++ {
		again := s.Score(a, b)
		assert.Equal(t, ab.Composite, again.Composite)
		assert.Equal(t, ab.Evidence, again.Evidence)
	}
}

func TestScoreMissingFieldNeutrality(t *testing.T) {
	s := newScorer(t)

	a := &record.PatientRecord{
		ID: "a", SourceID: "s1", GivenName: "Dana", FamilyName: "Reyes",
		DateOfBirth: dob(1995, 2, 14),
	}
	b := &record.PatientRecord{
		ID: "b", SourceID: "s2", GivenName: "Dana", FamilyName: "Reyes",
		DateOfBirth: dob(1995, 2, 14),
	}

	base := s.Score(a, b)

	// A phone present on only one side contributes exactly zero.
	withPhone := *a
	withPhone.Phone = "555-000-1111"
	res := s.Score(&withPhone, b)

	assert.Equal(t, base.Composite, res.Composite)
	_, ok := res.Evidence["phone"]
	assert.False(t, ok, "one-sided field must leave no evidence entry")
}

func TestRegisterOpaqueStrategy(t *testing.T) {
	s := newScorer(t)

	// An opaque scorer participates in the weighted sum like any built-in.
	require.NoError(t, s.RegisterOpaque("family_name", 0.1, constantComparator{w: 1.0}))
	require.Error(t, s.RegisterOpaque("family_name", -0.1, constantComparator{w: 1.0}))

	a := &record.PatientRecord{ID: "a", SourceID: "s1", FamilyName: "Okafor", GivenName: "Ada", DateOfBirth: dob(1990, 1, 1)}
	b := &record.PatientRecord{ID: "b", SourceID: "s2", FamilyName: "Okafor", GivenName: "Ada", DateOfBirth: dob(1990, 1, 1)}

	plain := newScorer(t).Score(a, b)
	boosted := s.Score(a, b)
	assert.InDelta(t, plain.Composite+0.1, boosted.Composite, 1e-12)
}

type constantComparator struct{ w float64 }

func (constantComparator) Type() MatchType              { return TypeMachineLearning }
func (c constantComparator) Compare(a, b Field) float64 { return c.w }
