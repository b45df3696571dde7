package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"keygate/internal/model"

	"github.com/go-redis/redis/v8"
)

const redisUsagePrefix = "keygate:usage:"

// RedisLedger keeps one list of JSON entries per key.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

func (l *RedisLedger) Name() string {
	return "redis"
}

func (l *RedisLedger) Append(ctx context.Context, entry model.UsageLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal usage entry: %w", err)
	}
	if err := l.client.RPush(ctx, redisUsagePrefix+entry.KeyID, data).Err(); err != nil {
		return model.Unavailable("append usage entry", err)
	}
	return nil
}

// ListByKeyIDs merges the per-key lists, oldest first.
func (l *RedisLedger) ListByKeyIDs(ctx context.Context, keyIDs []string) ([]model.UsageLogEntry, error) {
	out := make([]model.UsageLogEntry, 0)
	if len(keyIDs) == 0 {
		return out, nil
	}

	cmds := make([]*redis.StringSliceCmd, len(keyIDs))
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range keyIDs {
			cmds[i] = pipe.LRange(ctx, redisUsagePrefix+id, 0, -1)
		}
		return nil
	})
	if err != nil {
		return nil, model.Unavailable("list usage entries", err)
	}

	for _, cmd := range cmds {
		for _, raw := range cmd.Val() {
			var e model.UsageLogEntry
			if err := json.Unmarshal([]byte(raw), &e); err != nil {
				return nil, fmt.Errorf("failed to decode usage entry: %w", err)
			}
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}
