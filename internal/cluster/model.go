package cluster

import (
	"time"

	"github.com/mesikahq/patient-index/internal/record"
)

// Ref is a stable cluster identifier. Refs are never reused, even after a
// cluster is merged away or retired.
type Ref string

type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusMergedInto Status = "MERGED_INTO"
	StatusRetired    Status = "RETIRED"
)

// Snapshot is the canonical demographic view of a cluster, derived from its
// members by the survivorship rules.
type Snapshot struct {
	GivenName     string              `json:"given_name,omitempty"`
	FamilyName    string              `json:"family_name,omitempty"`
	DateOfBirth   time.Time           `json:"date_of_birth,omitempty"`
	Sex           string              `json:"sex,omitempty"`
	AddressTokens []string            `json:"address_tokens,omitempty"`
	Phone         string              `json:"phone,omitempty"`
	Email         string              `json:"email,omitempty"`
	Identifiers   []record.Identifier `json:"identifiers,omitempty"`
}

// IdentityCluster is the system's belief about one real-world person.
// Clusters are never physically deleted: a merged cluster becomes a tombstone
// whose MergedInto pointer forwards lookups to its survivor.
type IdentityCluster struct {
	Ref Ref `json:"ref"`

	// Seq is the creation/merge sequence number. A MergedInto target always
	// carries a strictly later Seq than the tombstone pointing at it, which
	// makes redirect chains acyclic by construction.
	Seq uint64 `json:"seq"`

	// Members lists record IDs in arrival order.
	Members []string `json:"members"`

	Snapshot   Snapshot `json:"snapshot"`
	Status     Status   `json:"status"`
	MergedInto Ref      `json:"merged_into,omitempty"`

	// Version is the optimistic-concurrency counter; every mutation bumps it.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasMember reports whether the record is a member of this cluster.
func (c *IdentityCluster) HasMember(recordID string) bool {
	for _, m := range c.Members {
		if m == recordID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, used for before/after audit snapshots and for
// handing callers a view they cannot mutate under the service.
func (c *IdentityCluster) Clone() *IdentityCluster {
	out := *c
	out.Members = append([]string(nil), c.Members...)
	out.Snapshot.AddressTokens = append([]string(nil), c.Snapshot.AddressTokens...)
	out.Snapshot.Identifiers = append([]record.Identifier(nil), c.Snapshot.Identifiers...)
	return &out
}
