package services

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const sessionSetTTL = 24 * time.Hour

// RedisSessionSet 使用 group:{id}:sessions 集合
type RedisSessionSet struct {
	rdb *redis.Client
}

func NewRedisSessionSet(rdb *redis.Client) *RedisSessionSet {
	return &RedisSessionSet{rdb: rdb}
}

func sessionsKey(groupID string) string {
	return "group:" + groupID + ":sessions"
}

// Add 返回 true 表示该会话第一次加入
func (s *RedisSessionSet) Add(ctx context.Context, groupID, sessionID string) (bool, error) {
	key := sessionsKey(groupID)
	pipe := s.rdb.TxPipeline()
	added := pipe.SAdd(ctx, key, sessionID)
	pipe.Expire(ctx, key, sessionSetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return added.Val() == 1, nil
}

// Remove 返回 true 表示该会话确实在集合中
func (s *RedisSessionSet) Remove(ctx context.Context, groupID, sessionID string) (bool, error) {
	n, err := s.rdb.SRem(ctx, sessionsKey(groupID), sessionID).Result()
	return n == 1, err
}

func (s *RedisSessionSet) Forget(ctx context.Context, groupIDs ...string) error {
	if len(groupIDs) == 0 {
		return nil
	}
	keys := make([]string, len(groupIDs))
	for i, id := range groupIDs {
		keys[i] = sessionsKey(id)
	}
	return s.rdb.Del(ctx, keys...).Err()
}
