package blocking

import (
	"context"
	"sort"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/mesikahq/patient-index/internal/cluster"
	"github.com/mesikahq/patient-index/internal/record"
)

const redisKeyPrefix = "mpi:block:"

// RedisIndex shares the blocking index across engine instances: one Redis
// set per blocking key. Ordering inside a set is undefined, so candidates
// are returned in lexical order for reproducibility.
type RedisIndex struct {
	client *redis.Client
	logger *logrus.Logger
	cap    int
}

func NewRedisIndex(client *redis.Client, logger *logrus.Logger, cap int) *RedisIndex {
	return &RedisIndex{client: client, logger: logger, cap: cap}
}

func (r *RedisIndex) Add(ctx context.Context, rec *record.PatientRecord, ref cluster.Ref) error {
	pipe := r.client.Pipeline()
	for _, key := range Keys(rec) {
		pipe.SAdd(ctx, redisKeyPrefix+key, string(ref))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &cluster.StoreUnavailableError{Op: "blocking index add", Err: err}
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, rec *record.PatientRecord, ref cluster.Ref) error {
	pipe := r.client.Pipeline()
	for _, key := range Keys(rec) {
		pipe.SRem(ctx, redisKeyPrefix+key, string(ref))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return &cluster.StoreUnavailableError{Op: "blocking index remove", Err: err}
	}
	return nil
}

func (r *RedisIndex) Candidates(ctx context.Context, rec *record.PatientRecord) ([]cluster.Ref, error) {
	keys := Keys(rec)
	if len(keys) == 0 {
		return nil, nil
	}

	setKeys := make([]string, len(keys))
	for i, key := range keys {
		setKeys[i] = redisKeyPrefix + key
	}

	members, err := r.client.SUnion(ctx, setKeys...).Result()
	if err != nil {
		return nil, &cluster.StoreUnavailableError{Op: "blocking index lookup", Err: err}
	}
	if len(members) == 0 {
		return nil, nil
	}

	sort.Strings(members)
	if len(members) > r.cap {
		r.logger.WithFields(logrus.Fields{
			"hits": len(members),
			"cap":  r.cap,
		}).Debug("Blocking candidate set capped")
		members = members[:r.cap]
	}

	out := make([]cluster.Ref, len(members))
	for i, m := range members {
		out[i] = cluster.Ref(m)
	}
	return out, nil
}
