package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/mesikahq/patient-index/internal/record"
)

var (
	ErrClusterNotFound = errors.New("cluster not found")
	ErrRecordNotFound  = errors.New("record not found")
)

// StaleVersionError reports an optimistic-concurrency conflict: the cluster
// changed (or was merged away) after the caller read it. Recoverable by
// re-reading; when RedirectTo is set the caller must re-run blocking against
// the redirect target.
type StaleVersionError struct {
	Ref        Ref
	Expected   int64
	RedirectTo Ref
}

func (e *StaleVersionError) Error() string {
	if e.RedirectTo != "" {
		return fmt.Sprintf("cluster %s merged into %s since version %d was read", e.Ref, e.RedirectTo, e.Expected)
	}
	return fmt.Sprintf("cluster %s moved past version %d", e.Ref, e.Expected)
}

// StoreUnavailableError wraps a transient backing-store failure. The
// orchestrator retries with backoff before surfacing it to the caller as a
// retryable failure.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

// Store is the narrow persistence contract the engine consumes: get/put/CAS
// by cluster ref and by record ID. Implementations live in internal/store.
type Store interface {
	GetRecord(ctx context.Context, id string) (*record.PatientRecord, error)
	PutRecord(ctx context.Context, rec *record.PatientRecord) error

	// Assignment returns the ACTIVE-or-tombstoned cluster a record was last
	// appended to. ok is false for records the engine has never decided.
	Assignment(ctx context.Context, recordID string) (Ref, bool, error)
	PutAssignment(ctx context.Context, recordID string, ref Ref) error

	GetCluster(ctx context.Context, ref Ref) (*IdentityCluster, error)
	CreateCluster(ctx context.Context, c *IdentityCluster) error

	// UpdateCluster is a compare-and-swap on the version counter; it fails
	// with *StaleVersionError when the stored version differs.
	UpdateCluster(ctx context.Context, c *IdentityCluster, expectedVersion int64) error

	// NextSeq returns the next monotonic creation/merge sequence number.
	NextSeq(ctx context.Context) (uint64, error)
}
