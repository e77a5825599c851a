package repository

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/BotFox/internal/pkg/cache"
)

const scanBatch = 500

// queueRepository implements the QueueRepository interface on Redis
type queueRepository struct {
	rdb redis.UniversalClient
}

// NewQueueRepository creates a queue repository. A nil client uses the shared cache client.
func NewQueueRepository(rdb redis.UniversalClient) QueueRepository {
	return &queueRepository{rdb: rdb}
}

func (r *queueRepository) client() redis.UniversalClient {
	if r.rdb != nil {
		return r.rdb
	}
	return cache.GetClient()
}

// FindKeysByPatterns retrieves keys for the provided Redis match patterns using SCAN.
func (r *queueRepository) FindKeysByPatterns(ctx context.Context, patterns []string) ([]string, error) {
	rdb := r.client()
	uniqueKeys := make(map[string]struct{})

	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		iter := rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
		for iter.Next(ctx) {
			uniqueKeys[iter.Val()] = struct{}{}
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(uniqueKeys))
	for key := range uniqueKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// HashLengths returns the field count of every hash matching the patterns.
// Empty or vanished hashes are left out.
func (r *queueRepository) HashLengths(ctx context.Context, patterns []string) (map[string]int64, error) {
	keys, err := r.FindKeysByPatterns(ctx, patterns)
	if err != nil {
		return nil, err
	}

	rdb := r.client()
	pipe := rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HLen(ctx, key)
	}
	if len(keys) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
	}

	lengths := make(map[string]int64, len(keys))
	for i, cmd := range cmds {
		if n := cmd.Val(); n > 0 {
			lengths[keys[i]] = n
		}
	}
	return lengths, nil
}
