package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mesikahq/patient-index/internal/audit"
	"github.com/mesikahq/patient-index/internal/decision"
	"github.com/mesikahq/patient-index/internal/record"
)

// Resolution is what a human decision amounts to. The orchestrator performs
// the cluster effects; this service only manages queue state.
type Resolution struct {
	Item      *Item
	Confirmed bool

	// RemainingPending counts unresolved siblings for the same record after
	// this resolution. A rejection that leaves zero pending items means no
	// candidate survived and the record needs a singleton cluster.
	RemainingPending int

	// Rejected lists sibling items auto-rejected because this one was
	// confirmed.
	Rejected []*Item
}

// Service manages the manual-review queue: enqueue possible matches, let
// reviewers claim and resolve them, reap abandoned claims.
type Service interface {
	Enqueue(ctx context.Context, rec *record.PatientRecord, candidates []*decision.MatchCandidate) ([]*Item, error)
	List(ctx context.Context, limit int) ([]*Item, error)
	Get(ctx context.Context, id string) (*Item, error)

	// PendingFor returns unresolved items for a record, oldest first.
	PendingFor(ctx context.Context, recordID string) ([]*Item, error)

	// Claim transitions PENDING to UNDER_REVIEW. A live claim by another
	// reviewer fails with *ClaimConflictError; an expired claim is taken over.
	Claim(ctx context.Context, id, reviewer string) (*Item, error)

	// Resolve settles a claimed item. Confirming auto-rejects every pending
	// sibling for the same record.
	Resolve(ctx context.Context, id, reviewer string, confirm bool) (*Resolution, error)

	// ReapExpiredClaims reverts idle UNDER_REVIEW items to PENDING and
	// returns how many were reverted.
	ReapExpiredClaims(ctx context.Context) (int, error)
}

type service struct {
	repo         Repository
	audit        audit.Sink
	logger       *logrus.Logger
	claimTimeout time.Duration
	tHigh        float64
}

func NewService(repo Repository, sink audit.Sink, logger *logrus.Logger, claimTimeout time.Duration, thresholdHigh float64) Service {
	return &service{
		repo:         repo,
		audit:        sink,
		logger:       logger,
		claimTimeout: claimTimeout,
		tHigh:        thresholdHigh,
	}
}

func (s *service) Enqueue(ctx context.Context, rec *record.PatientRecord, candidates []*decision.MatchCandidate) ([]*Item, error) {
	now := time.Now().UTC()
	items := make([]*Item, 0, len(candidates))
	for _, mc := range candidates {
		item := &Item{
			ID:        uuid.New().String(),
			Candidate: mc,
			Priority:  s.priority(rec, mc),
			Status:    StatusPending,
			CreatedAt: now,
		}
		if err := s.repo.Insert(item); err != nil {
			return nil, fmt.Errorf("enqueueing review for %s: %w", mc.RecordID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// priority ranks emergency encounters first, then scores closest to the
// auto-match threshold, then collision candidates.
func (s *service) priority(rec *record.PatientRecord, mc *decision.MatchCandidate) float64 {
	p := 1.0 - (s.tHigh - mc.Composite)
	if rec != nil && rec.Encounter == record.EncounterEmergency {
		p += 1.0
	}
	if mc.Collision {
		p += 0.5
	}
	return p
}

func (s *service) List(_ context.Context, limit int) ([]*Item, error) {
	return s.repo.ListPending(limit)
}

func (s *service) Get(_ context.Context, id string) (*Item, error) {
	return s.repo.Get(id)
}

func (s *service) PendingFor(_ context.Context, recordID string) ([]*Item, error) {
	return s.repo.PendingForRecord(recordID)
}

func (s *service) Claim(ctx context.Context, id, reviewer string) (*Item, error) {
	item, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}

	switch item.Status {
	case StatusConfirmed, StatusRejected:
		return nil, ErrResolved
	case StatusUnderReview:
		if item.ClaimedBy != reviewer && time.Since(item.ClaimedAt) < s.claimTimeout {
			return nil, &ClaimConflictError{ItemID: id, ClaimedBy: item.ClaimedBy}
		}
	}

	prev := item.Clone()
	item.Status = StatusUnderReview
	item.ClaimedBy = reviewer
	item.ClaimedAt = time.Now().UTC()
	if err := s.repo.Update(item, prev); err != nil {
		if errors.Is(err, ErrItemChanged) {
			// Lost the race. Report whoever holds the claim now.
			current, gerr := s.repo.Get(id)
			if gerr != nil {
				return nil, gerr
			}
			if current.Status == StatusConfirmed || current.Status == StatusRejected {
				return nil, ErrResolved
			}
			return nil, &ClaimConflictError{ItemID: id, ClaimedBy: current.ClaimedBy}
		}
		return nil, err
	}

	s.emit(ctx, audit.EventReviewClaimed, reviewer, item, nil)
	return item, nil
}

func (s *service) Resolve(ctx context.Context, id, reviewer string, confirm bool) (*Resolution, error) {
	item, err := s.repo.Get(id)
	if err != nil {
		return nil, err
	}
	switch item.Status {
	case StatusConfirmed, StatusRejected:
		return nil, ErrResolved
	case StatusPending:
		return nil, fmt.Errorf("resolve %s: %w", id, ErrNotClaimed)
	}
	if item.ClaimedBy != reviewer {
		return nil, fmt.Errorf("resolve %s: %w", id, ErrNotClaimed)
	}

	now := time.Now().UTC()
	prev := item.Clone()
	if confirm {
		item.Status = StatusConfirmed
	} else {
		item.Status = StatusRejected
	}
	item.ResolvedBy = reviewer
	item.ResolvedAt = now
	if err := s.repo.Update(item, prev); err != nil {
		return nil, err
	}

	res := &Resolution{Item: item, Confirmed: confirm}

	siblings, err := s.repo.PendingForRecord(item.Candidate.RecordID)
	if err != nil {
		return nil, err
	}
	if confirm {
		// One record belongs to one cluster; confirming this candidate
		// settles every open question about the record.
		for _, sib := range siblings {
			prevSib := sib.Clone()
			sib.Status = StatusRejected
			sib.ResolvedBy = audit.ActorSystem
			sib.ResolvedAt = now
			if err := s.repo.Update(sib, prevSib); err != nil {
				return nil, err
			}
			res.Rejected = append(res.Rejected, sib)
		}
	} else {
		res.RemainingPending = len(siblings)
	}

	s.emit(ctx, audit.EventReviewResolved, reviewer, item, map[string]interface{}{
		"confirmed":     confirm,
		"auto_rejected": len(res.Rejected),
	})
	return res, nil
}

func (s *service) ReapExpiredClaims(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.claimTimeout)
	expired, err := s.repo.Claimed(cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, item := range expired {
		claimant := item.ClaimedBy
		prev := item.Clone()
		item.Status = StatusPending
		item.ClaimedBy = ""
		item.ClaimedAt = time.Time{}
		if err := s.repo.Update(item, prev); err != nil {
			if errors.Is(err, ErrItemChanged) {
				// The claimant resolved or refreshed it first.
				continue
			}
			return reaped, err
		}
		reaped++
		s.logger.WithFields(logrus.Fields{
			"item_id":  item.ID,
			"claimant": claimant,
		}).Info("Reaped expired review claim")
	}
	return reaped, nil
}

func (s *service) emit(ctx context.Context, t audit.EventType, actor string, item *Item, details map[string]interface{}) {
	var detailsJSON json.RawMessage
	if details != nil {
		detailsJSON, _ = json.Marshal(details)
	}
	if err := s.audit.Emit(ctx, &audit.Event{
		EventType:  t,
		Actor:      actor,
		RecordID:   item.Candidate.RecordID,
		ClusterRef: string(item.Candidate.Target),
		Details:    detailsJSON,
	}); err != nil {
		s.logger.WithError(err).Error("Failed to emit audit event")
	}
}
