package reliability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps samples in a per-slug sorted set scored by timestamp.
// Trimming happens atomically on every insert so cardinality never exceeds
// the cap after Record returns.
type RedisStore struct {
	rdb        *redis.Client
	maxEntries int64
}

// NewRedisStore connects to Redis at url (redis:// form) and verifies
// connectivity with a ping.
func NewRedisStore(url string, maxEntries int64) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	if maxEntries <= 0 {
		maxEntries = MaxEntries
	}
	return &RedisStore{rdb: rdb, maxEntries: maxEntries}, nil
}

// Close shuts down the underlying client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping reports connectivity, for readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func key(slug string) string {
	return "reliability:" + slug
}

// redisSample is the compact zset member encoding.
type redisSample struct {
	L int64 `json:"l"`
	S int   `json:"s"`
	T int64 `json:"t"` // unix millis
}

func (s *RedisStore) Record(ctx context.Context, slug string, sample Sample) error {
	member, err := json.Marshal(redisSample{
		L: sample.LatencyMs,
		S: sample.Status,
		T: sample.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key(slug), redis.Z{
		Score:  float64(sample.Timestamp.UnixMilli()),
		Member: string(member),
	})
	// Keep only the newest maxEntries members.
	pipe.ZRemRangeByRank(ctx, key(slug), 0, -(s.maxEntries + 1))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("zadd sample: %w", err)
	}
	return nil
}

func (s *RedisStore) Samples(ctx context.Context, slug string) ([]Sample, error) {
	members, err := s.rdb.ZRange(ctx, key(slug), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange samples: %w", err)
	}

	out := make([]Sample, 0, len(members))
	for _, m := range members {
		var rs redisSample
		if err := json.Unmarshal([]byte(m), &rs); err != nil {
			continue // skip corrupt members rather than failing the read
		}
		out = append(out, Sample{
			LatencyMs: rs.L,
			Status:    rs.S,
			Timestamp: time.UnixMilli(rs.T),
		})
	}
	return out, nil
}

// Compile-time assertion.
var _ Store = (*RedisStore)(nil)
