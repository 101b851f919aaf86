package store

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/record"
)

// Breaker wraps a cluster.Store with a circuit breaker so a struggling
// backend sheds load fast instead of queueing submissions behind timeouts.
// An open circuit surfaces as *cluster.StoreUnavailableError, which the
// orchestrator treats as retryable. Conflict and not-found errors pass
// through without tripping the breaker.
type Breaker struct {
	inner cluster.Store
	cb    *gobreaker.CircuitBreaker
}

func NewBreaker(inner cluster.Store, logger *logrus.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:    "cluster-store",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Store circuit breaker state changed")
		},
	}
	return &Breaker{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// benign reports errors that describe data, not backend health.
func benign(err error) bool {
	var stale *cluster.StaleVersionError
	return errors.Is(err, cluster.ErrClusterNotFound) ||
		errors.Is(err, cluster.ErrRecordNotFound) ||
		errors.As(err, &stale)
}

func (b *Breaker) execute(op string, fn func() error) error {
	var benignErr error
	_, err := b.cb.Execute(func() (interface{}, error) {
		if err := fn(); err != nil {
			if benign(err) {
				benignErr = err
				return nil, nil
			}
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &cluster.StoreUnavailableError{Op: op, Err: err}
		}
		return err
	}
	return benignErr
}

func (b *Breaker) GetRecord(ctx context.Context, id string) (*record.PatientRecord, error) {
	var rec *record.PatientRecord
	err := b.execute("get record", func() error {
		var e error
		rec, e = b.inner.GetRecord(ctx, id)
		return e
	})
	return rec, err
}

func (b *Breaker) PutRecord(ctx context.Context, rec *record.PatientRecord) error {
	return b.execute("put record", func() error {
		return b.inner.PutRecord(ctx, rec)
	})
}

func (b *Breaker) Assignment(ctx context.Context, recordID string) (cluster.Ref, bool, error) {
	var (
		ref cluster.Ref
		ok  bool
	)
	err := b.execute("get assignment", func() error {
		var e error
		ref, ok, e = b.inner.Assignment(ctx, recordID)
		return e
	})
	return ref, ok, err
}

func (b *Breaker) PutAssignment(ctx context.Context, recordID string, ref cluster.Ref) error {
	return b.execute("put assignment", func() error {
		return b.inner.PutAssignment(ctx, recordID, ref)
	})
}

func (b *Breaker) GetCluster(ctx context.Context, ref cluster.Ref) (*cluster.IdentityCluster, error) {
	var c *cluster.IdentityCluster
	err := b.execute("get cluster", func() error {
		var e error
		c, e = b.inner.GetCluster(ctx, ref)
		return e
	})
	return c, err
}

func (b *Breaker) CreateCluster(ctx context.Context, c *cluster.IdentityCluster) error {
	return b.execute("create cluster", func() error {
		return b.inner.CreateCluster(ctx, c)
	})
}

func (b *Breaker) UpdateCluster(ctx context.Context, c *cluster.IdentityCluster, expectedVersion int64) error {
	return b.execute("update cluster", func() error {
		return b.inner.UpdateCluster(ctx, c, expectedVersion)
	})
}

func (b *Breaker) NextSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := b.execute("next seq", func() error {
		var e error
		seq, e = b.inner.NextSeq(ctx)
		return e
	})
	return seq, err
}
