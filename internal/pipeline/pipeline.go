// Package pipeline is the orchestrator: it drives one record through
// blocking, scoring, decision, and cluster effects, and owns the retry
// policy around optimistic-concurrency conflicts.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mesikahq/patient-index/internal/audit"
	"github.com/mesikahq/patient-index/internal/blocking"
	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/comparator"
	"github.com/mesikahq/patient-index/internal/config"
	"github.com/mesikahq/patient-index/internal/decision"
	"github.com/mesikahq/patient-index/internal/record"
	"github.com/mesikahq/patient-index/internal/review"
)

// ErrRetriesExhausted surfaces after MaxRetries optimistic-concurrency
// conflicts. The submission is safe to retry from the caller's side.
var ErrRetriesExhausted = errors.New("submission retries exhausted")

// Decision is the outward disposition for a submission.
type Decision string

const (
	DecisionAutoMatch     Decision = "AUTO_MATCH"
	DecisionPossibleMatch Decision = "POSSIBLE_MATCH"
	DecisionNewCluster    Decision = "NEW_CLUSTER"
	DecisionExisting      Decision = "EXISTING"

	// DecisionConfirmed marks a merge applied by a human confirmation, as
	// opposed to one the engine made on its own.
	DecisionConfirmed Decision = "CONFIRMED"
)

// MatchOutcome is what a submission resolves to. ClusterRef is empty while a
// record sits in the review queue.
type MatchOutcome struct {
	RecordID   string      `json:"record_id"`
	ClusterRef cluster.Ref `json:"cluster_ref,omitempty"`
	Decision   Decision    `json:"decision"`
	Collision  bool        `json:"collision,omitempty"`
	ReviewRefs []string    `json:"review_refs,omitempty"`
}

// Engine wires the stages together. All stages are injected so tests can run
// the whole pipeline against in-memory backends.
type Engine struct {
	store    cluster.Store
	clusters cluster.Service
	index    blocking.Index
	scorer   *comparator.Scorer
	decider  *decision.Engine
	reviews  review.Service
	audit    audit.Sink
	logger   *logrus.Logger

	maxRetries int
	workers    int
	retryDelay time.Duration
}

func NewEngine(
	m config.Matching,
	store cluster.Store,
	clusters cluster.Service,
	index blocking.Index,
	scorer *comparator.Scorer,
	decider *decision.Engine,
	reviews review.Service,
	sink audit.Sink,
	logger *logrus.Logger,
) *Engine {
	return &Engine{
		store:      store,
		clusters:   clusters,
		index:      index,
		scorer:     scorer,
		decider:    decider,
		reviews:    reviews,
		audit:      sink,
		logger:     logger,
		maxRetries: m.MaxRetries,
		workers:    m.Workers,
		retryDelay: 25 * time.Millisecond,
	}
}

// Submit runs one record through the pipeline. Resubmitting a record ID the
// engine has already decided returns the existing disposition without
// re-matching.
func (e *Engine) Submit(ctx context.Context, rec *record.PatientRecord) (*MatchOutcome, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	if out, done, err := e.existingOutcome(ctx, rec.ID); err != nil || done {
		return out, err
	}

	e.emit(ctx, &audit.Event{
		EventType: audit.EventRecordSubmitted,
		Actor:     rec.SourceID,
		RecordID:  rec.ID,
	})

	for attempt := 0; attempt < e.maxRetries; attempt++ {
		out, err := e.attempt(ctx, rec)
		if err == nil {
			return out, nil
		}

		var stale *cluster.StaleVersionError
		var unavailable *cluster.StoreUnavailableError
		switch {
		case errors.As(err, &stale):
			// The candidate set may have changed shape; re-run blocking
			// against the current clusters rather than chasing the redirect
			// blindly.
			e.logger.WithFields(logrus.Fields{
				"record_id": rec.ID,
				"attempt":   attempt + 1,
			}).Debug("Version conflict, re-running blocking")
		case errors.As(err, &unavailable):
			e.logger.WithError(err).WithField("record_id", rec.ID).Warn("Store unavailable, backing off")
			select {
			case <-time.After(e.retryDelay << attempt):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("submitting %s: %w", rec.ID, ErrRetriesExhausted)
}

// existingOutcome reports a prior disposition for the record, either an
// assignment or open review items.
func (e *Engine) existingOutcome(ctx context.Context, recordID string) (*MatchOutcome, bool, error) {
	c, ok, err := e.clusters.AssignmentFor(ctx, recordID)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return &MatchOutcome{
			RecordID:   recordID,
			ClusterRef: c.Ref,
			Decision:   DecisionExisting,
		}, true, nil
	}

	pending, err := e.reviews.PendingFor(ctx, recordID)
	if err != nil {
		return nil, false, err
	}
	if len(pending) > 0 {
		out := &MatchOutcome{RecordID: recordID, Decision: DecisionPossibleMatch}
		for _, item := range pending {
			out.ReviewRefs = append(out.ReviewRefs, item.ID)
			out.Collision = out.Collision || item.Candidate.Collision
		}
		return out, true, nil
	}
	return nil, false, nil
}

func (e *Engine) attempt(ctx context.Context, rec *record.PatientRecord) (*MatchOutcome, error) {
	refs, err := e.index.Candidates(ctx, rec)
	if err != nil {
		return nil, err
	}

	scored := make([]decision.ScoredCandidate, 0, len(refs))
	seen := make(map[cluster.Ref]bool, len(refs))
	for _, ref := range refs {
		// Stale index entries may point at tombstones; score against the
		// active cluster they forward to.
		c, err := e.clusters.Resolve(ctx, ref)
		if err != nil {
			if errors.Is(err, cluster.ErrClusterNotFound) {
				continue
			}
			return nil, err
		}
		if seen[c.Ref] {
			continue
		}
		seen[c.Ref] = true

		scored = append(scored, decision.ScoredCandidate{
			Target:        c.Ref,
			TargetVersion: c.Version,
			Score:         e.scorer.Score(rec, snapshotRecord(c)),
		})
	}

	verdict := e.decider.Evaluate(rec.ID, scored, audit.ActorSystem)

	switch {
	case verdict.Auto != nil:
		merged, err := e.clusters.MergeInto(ctx, rec, verdict.Auto.Target, audit.ActorSystem)
		if err != nil {
			return nil, err
		}
		if err := e.index.Add(ctx, rec, merged.Ref); err != nil {
			return nil, err
		}
		e.emitDecision(ctx, rec.ID, merged.Ref, verdict.Auto)
		return &MatchOutcome{
			RecordID:   rec.ID,
			ClusterRef: merged.Ref,
			Decision:   DecisionAutoMatch,
		}, nil

	case len(verdict.Review) > 0:
		// The record waits for a human; store it so the resolution can
		// replay it into the chosen cluster.
		if err := e.store.PutRecord(ctx, rec); err != nil {
			return nil, err
		}
		items, err := e.reviews.Enqueue(ctx, rec, verdict.Review)
		if err != nil {
			return nil, err
		}
		out := &MatchOutcome{
			RecordID:  rec.ID,
			Decision:  DecisionPossibleMatch,
			Collision: verdict.Collision,
		}
		for _, item := range items {
			out.ReviewRefs = append(out.ReviewRefs, item.ID)
		}
		for _, mc := range verdict.Review {
			e.emitDecision(ctx, rec.ID, mc.Target, mc)
		}
		return out, nil

	default:
		created, err := e.clusters.Create(ctx, rec, audit.ActorSystem)
		if err != nil {
			return nil, err
		}
		if err := e.index.Add(ctx, rec, created.Ref); err != nil {
			return nil, err
		}
		e.emit(ctx, &audit.Event{
			EventType:  audit.EventDecision,
			Actor:      audit.ActorSystem,
			RecordID:   rec.ID,
			ClusterRef: string(created.Ref),
			Details:    mustJSON(map[string]interface{}{"outcome": decision.NoMatch}),
		})
		return &MatchOutcome{
			RecordID:   rec.ID,
			ClusterRef: created.Ref,
			Decision:   DecisionNewCluster,
		}, nil
	}
}

// SubmitBatch processes records concurrently while preserving submission
// order within each source. Lanes run in parallel up to the configured
// worker count; a cancelled context stops lanes between records.
func (e *Engine) SubmitBatch(ctx context.Context, recs []*record.PatientRecord) ([]*MatchOutcome, error) {
	outcomes := make([]*MatchOutcome, len(recs))

	lanes := make(map[string][]int)
	var order []string
	for i, rec := range recs {
		if _, ok := lanes[rec.SourceID]; !ok {
			order = append(order, rec.SourceID)
		}
		lanes[rec.SourceID] = append(lanes[rec.SourceID], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, source := range order {
		indices := lanes[source]
		g.Go(func() error {
			for _, i := range indices {
				if err := gctx.Err(); err != nil {
					return err
				}
				out, err := e.Submit(gctx, recs[i])
				if err != nil {
					return fmt.Errorf("record %s: %w", recs[i].ID, err)
				}
				outcomes[i] = out
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// ResolveReview applies a human decision. Confirmation merges the held
// record into the chosen cluster; rejecting the last open candidate creates
// a singleton so the record never dangles.
func (e *Engine) ResolveReview(ctx context.Context, itemID, reviewer string, confirm bool) (*MatchOutcome, error) {
	res, err := e.reviews.Resolve(ctx, itemID, reviewer, confirm)
	if err != nil {
		return nil, err
	}

	recordID := res.Item.Candidate.RecordID
	rec, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if res.Confirmed {
		target := res.Item.Candidate.Target
		for attempt := 0; attempt < e.maxRetries; attempt++ {
			merged, err := e.clusters.MergeInto(ctx, rec, target, reviewer)
			if err == nil {
				if err := e.index.Add(ctx, rec, merged.Ref); err != nil {
					return nil, err
				}
				return &MatchOutcome{
					RecordID:   recordID,
					ClusterRef: merged.Ref,
					Decision:   DecisionConfirmed,
				}, nil
			}

			var stale *cluster.StaleVersionError
			if errors.As(err, &stale) {
				if stale.RedirectTo != "" {
					target = stale.RedirectTo
				}
				continue
			}
			return nil, err
		}
		return nil, fmt.Errorf("resolving review %s: %w", itemID, ErrRetriesExhausted)
	}

	if res.RemainingPending > 0 {
		return &MatchOutcome{RecordID: recordID, Decision: DecisionPossibleMatch}, nil
	}

	created, err := e.clusters.Create(ctx, rec, reviewer)
	if err != nil {
		return nil, err
	}
	if err := e.index.Add(ctx, rec, created.Ref); err != nil {
		return nil, err
	}
	return &MatchOutcome{
		RecordID:   recordID,
		ClusterRef: created.Ref,
		Decision:   DecisionNewCluster,
	}, nil
}

// MergeClusters applies an operator-confirmed cross-cluster merge and indexes
// the survivor's combined snapshot so its widened identity stays findable.
func (e *Engine) MergeClusters(ctx context.Context, a, b cluster.Ref, actor string) (*cluster.IdentityCluster, error) {
	survivor, err := e.clusters.MergeClusters(ctx, a, b, actor)
	if err != nil {
		return nil, err
	}
	if err := e.index.Add(ctx, snapshotRecord(survivor), survivor.Ref); err != nil {
		return nil, err
	}
	return survivor, nil
}

// SplitMember undoes a wrong merge: the record moves to a fresh singleton
// cluster, which is indexed immediately so the corrected identity is visible
// to candidate generation for future submissions.
func (e *Engine) SplitMember(ctx context.Context, ref cluster.Ref, recordID, actor string) (*cluster.IdentityCluster, error) {
	fresh, err := e.clusters.SplitMember(ctx, ref, recordID, actor)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if err := e.index.Add(ctx, rec, fresh.Ref); err != nil {
		return nil, err
	}
	return fresh, nil
}

// GetCluster returns the active cluster for a ref, following redirects.
func (e *Engine) GetCluster(ctx context.Context, ref cluster.Ref) (*cluster.IdentityCluster, error) {
	return e.clusters.Resolve(ctx, ref)
}

// Lookup returns the active cluster a record resolves to.
func (e *Engine) Lookup(ctx context.Context, recordID string) (*cluster.IdentityCluster, bool, error) {
	return e.clusters.AssignmentFor(ctx, recordID)
}

func (e *Engine) emitDecision(ctx context.Context, recordID string, ref cluster.Ref, mc *decision.MatchCandidate) {
	e.emit(ctx, &audit.Event{
		EventType:  audit.EventDecision,
		Actor:      mc.Actor,
		RecordID:   recordID,
		ClusterRef: string(ref),
		Details: mustJSON(map[string]interface{}{
			"outcome":   mc.Outcome,
			"composite": mc.Composite,
			"evidence":  mc.Evidence,
			"collision": mc.Collision,
		}),
	})
}

func (e *Engine) emit(ctx context.Context, event *audit.Event) {
	if err := e.audit.Emit(ctx, event); err != nil {
		e.logger.WithError(err).Error("Failed to emit audit event")
	}
}

func mustJSON(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// snapshotRecord projects a cluster's canonical snapshot into record shape
// so the scorer can compare an incoming record against the cluster as a
// whole rather than any single member.
func snapshotRecord(c *cluster.IdentityCluster) *record.PatientRecord {
	return &record.PatientRecord{
		ID:            string(c.Ref),
		GivenName:     c.Snapshot.GivenName,
		FamilyName:    c.Snapshot.FamilyName,
		DateOfBirth:   c.Snapshot.DateOfBirth,
		Sex:           c.Snapshot.Sex,
		AddressTokens: c.Snapshot.AddressTokens,
		Phone:         c.Snapshot.Phone,
		Email:         c.Snapshot.Email,
		Identifiers:   c.Snapshot.Identifiers,
	}
}
