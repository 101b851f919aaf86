// Package comparator scores one (incoming record, cluster representative)
// pair per demographic field and combines the evidence into a composite
// score. Strategies are pure and stateless, so pairs can be scored from any
// number of goroutines without synchronization.
package comparator

import (
	"math"

	"github.com/mesikahq/patient-index/internal/phonetic"
)

// MatchType identifies the strategy that produced a weight. MANUAL and
// MACHINE_LEARNING are opaque pluggable strategies; the combination contract
// is the same for every type.
type MatchType string

const (
	TypeExact           MatchType = "EXACT"
	TypeDeterministic   MatchType = "DETERMINISTIC"
	TypeProbabilistic   MatchType = "PROBABILISTIC"
	TypeFuzzy           MatchType = "FUZZY"
	TypePhonetic        MatchType = "PHONETIC"
	TypeRuleBased       MatchType = "RULE_BASED"
	TypeManual          MatchType = "MANUAL"
	TypeMachineLearning MatchType = "MACHINE_LEARNING"
)

// Field is one comparator input: a normalized value and whether the field is
// present on the record at all.
type Field struct {
	Name    string
	Value   string
	Present bool
}

// FieldComparator scores a pair of field values into [-1, +1]. Negative is
// disagreement evidence, positive is agreement evidence, magnitude is
// confidence. A field absent on either side must score exactly zero.
type FieldComparator interface {
	Type() MatchType
	Compare(a, b Field) float64
}

// Exact scores normalized-string equality at full confidence.
type Exact struct{}

func (Exact) Type() MatchType { return TypeExact }

func (Exact) Compare(a, b Field) float64 {
	if !a.Present || !b.Present {
		return 0
	}
	if a.Value == b.Value {
		return 1.0
	}
	return -1.0
}

// Phonetic scores phonetic-code equality for name fields. Sounds-alike is
// weaker evidence than spelled-alike, hence the 0.6 magnitude.
type Phonetic struct{}

func (Phonetic) Type() MatchType { return TypePhonetic }

func (Phonetic) Compare(a, b Field) float64 {
	if !a.Present || !b.Present {
		return 0
	}
	if phonetic.Soundex(a.Value) == phonetic.Soundex(b.Value) {
		return 0.6
	}
	return -0.6
}

// Deterministic is the fixed rule for identifier fields: exact equality of a
// government identifier is dominant positive evidence regardless of the other
// fields; inequality of a present identifier is full disagreement.
type Deterministic struct{}

func (Deterministic) Type() MatchType { return TypeDeterministic }

func (Deterministic) Compare(a, b Field) float64 {
	if !a.Present || !b.Present {
		return 0
	}
	if a.Value == b.Value {
		return 1.0
	}
	return -1.0
}

// Probabilistic applies Fellegi-Sunter log-likelihood ratios. M is the
// probability of agreement given a true match, U given a non-match. The raw
// log2 weights are rescaled into [-1, +1] by the larger magnitude so they
// compose with the other strategies; the agreement/disagreement ratio is
// preserved.
type Probabilistic struct {
	M float64
	U float64
}

func (Probabilistic) Type() MatchType { return TypeProbabilistic }

func (p Probabilistic) Compare(a, b Field) float64 {
	if !a.Present || !b.Present {
		return 0
	}
	agree := math.Log2(p.M / p.U)
	disagree := math.Log2((1 - p.M) / (1 - p.U))
	scale := agree
	if -disagree > scale {
		scale = -disagree
	}
	if a.Value == b.Value {
		return clamp(agree / scale)
	}
	return clamp(disagree / scale)
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
