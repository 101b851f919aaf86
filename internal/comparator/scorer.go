package comparator

import (
	"fmt"
	"math"

	"github.com/mesikahq/patient-index/internal/config"
	"github.com/mesikahq/patient-index/internal/record"
)

// Result is the scored comparison of one record pair. Evidence maps field
// name to the weighted agreement/disagreement contribution of that field;
// fields absent on either side carry no entry.
type Result struct {
	Composite float64
	Evidence  map[string]float64
	// Dominant is set when a deterministic identifier rule agreed, which
	// forces the pair into the auto-match band regardless of demographics.
	Dominant bool
	// Strongest is the strategy that contributed the largest magnitude.
	Strongest MatchType
}

type rule struct {
	field  string
	weight float64
	cmp    FieldComparator
}

// Scorer combines the configured field strategies into a composite score.
// For fixed inputs and fixed configuration the composite is bit-for-bit
// reproducible: rules are evaluated in configuration order and summed in
// that order.
type Scorer struct {
	rules []rule
}

// NewScorer builds a scorer from validated matching configuration.
func NewScorer(m config.Matching) (*Scorer, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	s := &Scorer{rules: make([]rule, 0, len(m.Fields))}
	for _, f := range m.Fields {
		var cmp FieldComparator
		switch f.Strategy {
		case "exact":
			cmp = Exact{}
		case "phonetic":
			cmp = Phonetic{}
		case "fuzzy":
			cmp = Fuzzy{Floor: f.Floor}
		case "deterministic":
			cmp = Deterministic{}
		case "probabilistic":
			cmp = Probabilistic{M: f.M, U: f.U}
		default:
			// Validate has already rejected this; keep the scorer total.
			return nil, &config.ConfigurationError{
				Field:  "matching.fields." + f.Field,
				Reason: fmt.Sprintf("unknown strategy %q", f.Strategy),
			}
		}
		s.rules = append(s.rules, rule{field: f.Field, weight: f.Weight, cmp: cmp})
	}
	return s, nil
}

// RegisterOpaque appends a pluggable strategy (MANUAL or MACHINE_LEARNING
// scorers) for a field. The combination contract is unchanged: the opaque
// comparator returns a weight in [-1, +1] and participates in the weighted
// sum like any built-in strategy.
func (s *Scorer) RegisterOpaque(field string, weight float64, cmp FieldComparator) error {
	if weight <= 0 {
		return &config.ConfigurationError{
			Field:  "matching.fields." + field,
			Reason: "weight must be positive",
		}
	}
	s.rules = append(s.rules, rule{field: field, weight: weight, cmp: cmp})
	return nil
}

// Score compares two records across every configured field. Symmetric:
// Score(a, b) equals Score(b, a) for the built-in strategies.
func (s *Scorer) Score(a, b *record.PatientRecord) Result {
	res := Result{Evidence: make(map[string]float64, len(s.rules))}

	var strongest float64
	for _, r := range s.rules {
		av, aok := a.Field(r.field)
		bv, bok := b.Field(r.field)
		w := r.cmp.Compare(
			Field{Name: r.field, Value: av, Present: aok},
			Field{Name: r.field, Value: bv, Present: bok},
		)
		if w == 0 {
			// Missing-data neutrality: no evidence either way.
			continue
		}
		contribution := w * r.weight
		res.Evidence[r.field] += contribution
		res.Composite += contribution

		if r.cmp.Type() == TypeDeterministic && w > 0 {
			res.Dominant = true
		}
		if math.Abs(contribution) > strongest {
			strongest = math.Abs(contribution)
			res.Strongest = r.cmp.Type()
		}
	}
	return res
}
