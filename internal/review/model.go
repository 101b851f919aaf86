package review

import (
	"errors"
	"time"

	"github.com/mesikahq/patient-index/internal/decision"
)

var (
	ErrItemNotFound = errors.New("review item not found")
	ErrItemChanged  = errors.New("review item changed since read")
	ErrNotClaimed   = errors.New("review item is not claimed by this reviewer")
	ErrResolved     = errors.New("review item is already resolved")
)

// ClaimConflictError reports that another reviewer holds an unexpired claim.
type ClaimConflictError struct {
	ItemID    string
	ClaimedBy string
}

func (e *ClaimConflictError) Error() string {
	return "review item " + e.ItemID + " is claimed by " + e.ClaimedBy
}

type Status string

const (
	StatusPending     Status = "PENDING"
	StatusUnderReview Status = "UNDER_REVIEW"
	StatusConfirmed   Status = "CONFIRMED"
	StatusRejected    Status = "REJECTED"
)

// Item is one possible-match awaiting a human decision. The embedded
// candidate is immutable; only the workflow fields change.
type Item struct {
	ID        string                   `json:"id" bson:"_id"`
	Candidate *decision.MatchCandidate `json:"candidate" bson:"candidate"`

	// Priority orders the queue: emergency encounters and scores close to
	// the auto-match threshold surface first. Ties break oldest-first.
	Priority float64 `json:"priority" bson:"priority"`

	Status     Status    `json:"status" bson:"status"`
	ClaimedBy  string    `json:"claimed_by,omitempty" bson:"claimed_by,omitempty"`
	ClaimedAt  time.Time `json:"claimed_at,omitempty" bson:"claimed_at,omitempty"`
	ResolvedBy string    `json:"resolved_by,omitempty" bson:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
	CreatedAt  time.Time `json:"created_at" bson:"created_at"`
}

func (i *Item) Clone() *Item {
	out := *i
	return &out
}

// Repository is the queue's persistence contract. Memory backs tests and
// single-node runs, Mongo backs deployments.
type Repository interface {
	Insert(item *Item) error
	Get(id string) (*Item, error)

	// Update replaces the stored item only while its status and claimant
	// still match prev, so workflow transitions are compare-and-swap. A
	// concurrent writer who got there first surfaces as ErrItemChanged.
	Update(item, prev *Item) error

	// ListPending returns unresolved items ordered by priority descending,
	// then oldest first. limit <= 0 means no limit.
	ListPending(limit int) ([]*Item, error)

	// PendingForRecord returns unresolved items for the given record across
	// all candidate clusters.
	PendingForRecord(recordID string) ([]*Item, error)

	// Claimed returns UNDER_REVIEW items claimed at or before the cutoff.
	Claimed(before time.Time) ([]*Item, error)
}
