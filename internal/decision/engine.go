// Package decision turns composite scores into match classifications and the
// state transitions they imply. The engine is pure and total over valid
// input: the only failure mode is invalid threshold configuration, which is
// caught at construction, never at decision time.
package decision

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/comparator"
	"github.com/mesikahq/patient-index/internal/config"
)

type Outcome string

const (
	AutoMatch     Outcome = "AUTO_MATCH"
	PossibleMatch Outcome = "POSSIBLE_MATCH"
	NoMatch       Outcome = "NO_MATCH"
)

// ScoredCandidate pairs one blocking candidate with its comparison result.
// TargetVersion is the cluster version the score was computed against; merges
// observed later invalidate the candidate.
type ScoredCandidate struct {
	Target        cluster.Ref
	TargetVersion int64
	Score         comparator.Result
}

// MatchCandidate is the immutable record of comparing one incoming record
// against one cluster representative. Re-evaluation creates a new candidate,
// never mutates a decided one.
type MatchCandidate struct {
	ID            string               `json:"id"`
	RecordID      string               `json:"record_id"`
	Target        cluster.Ref          `json:"target"`
	TargetVersion int64                `json:"target_version"`
	MatchType     comparator.MatchType `json:"match_type"`
	Composite     float64              `json:"composite"`
	Evidence      map[string]float64   `json:"evidence"`
	Outcome       Outcome              `json:"outcome"`
	// Collision marks an AUTO_MATCH degraded to POSSIBLE_MATCH because the
	// record matched more than one cluster.
	Collision bool      `json:"collision,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
	Actor     string    `json:"actor"`
}

// Verdict is the engine's disposition for one incoming record across its
// whole candidate set.
type Verdict struct {
	// Auto is set when exactly one candidate cleared the upper band.
	Auto *MatchCandidate
	// Review holds every candidate requiring human disposition.
	Review []*MatchCandidate
	// Collision is set when multiple candidates cleared the upper band; the
	// engine never auto-merges in that situation because blending two
	// pre-existing memberships cannot be cleanly reversed.
	Collision bool
}

type Engine struct {
	tLow   float64
	tHigh  float64
	logger *logrus.Logger
}

// NewEngine validates the score bands once, at startup.
func NewEngine(m config.Matching, logger *logrus.Logger) (*Engine, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &Engine{tLow: m.ThresholdLow, tHigh: m.ThresholdHigh, logger: logger}, nil
}

// Classify maps a composite score onto the configured bands.
func (e *Engine) Classify(score float64) Outcome {
	switch {
	case score >= e.tHigh:
		return AutoMatch
	case score >= e.tLow:
		return PossibleMatch
	default:
		return NoMatch
	}
}

// Evaluate classifies every scored candidate for one record and applies the
// tie-break policy. An empty verdict means NO_MATCH: the caller creates a
// new singleton cluster.
func (e *Engine) Evaluate(recordID string, scored []ScoredCandidate, actor string) Verdict {
	now := time.Now().UTC()

	var autos, possibles []*MatchCandidate
	for _, sc := range scored {
		outcome := e.Classify(sc.Score.Composite)
		if sc.Score.Dominant && outcome != AutoMatch {
			// A deterministic identifier agreement forces the upper band
			// regardless of demographic disagreement.
			outcome = AutoMatch
		}

		mc := &MatchCandidate{
			ID:            uuid.New().String(),
			RecordID:      recordID,
			Target:        sc.Target,
			TargetVersion: sc.TargetVersion,
			MatchType:     sc.Score.Strongest,
			Composite:     sc.Score.Composite,
			Evidence:      sc.Score.Evidence,
			DecidedAt:     now,
			Actor:         actor,
		}
		switch outcome {
		case AutoMatch:
			mc.Outcome = AutoMatch
			autos = append(autos, mc)
		case PossibleMatch:
			mc.Outcome = PossibleMatch
			possibles = append(possibles, mc)
		}
	}

	if len(autos) == 1 {
		e.logger.WithFields(logrus.Fields{
			"record_id": recordID,
			"target":    autos[0].Target,
			"score":     autos[0].Composite,
		}).Debug("Auto match")
		return Verdict{Auto: autos[0]}
	}

	if len(autos) > 1 {
		// Detected merge collision: degrade every auto candidate and force
		// human adjudication.
		for _, mc := range autos {
			mc.Outcome = PossibleMatch
			mc.Collision = true
		}
		e.logger.WithFields(logrus.Fields{
			"record_id": recordID,
			"clusters":  len(autos),
		}).Warn("Merge collision degraded to possible match")
		return Verdict{Review: append(autos, possibles...), Collision: true}
	}

	return Verdict{Review: possibles}
}
