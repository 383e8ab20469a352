package realtime

import (
	"context"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// presenceTTL 节点崩溃时残留计数的最长寿命，每次 track 续期
const presenceTTL = 6 * time.Hour

// Presence 在 redis hash presence:{topic} 中按身份记录连接数
type Presence struct {
	rdb *redis.Client
}

func NewPresence(rdb *redis.Client) *Presence {
	return &Presence{rdb: rdb}
}

func presenceKey(topic string) string {
	return "presence:" + topic
}

// Track 计数加一，first=true 表示该身份刚上线
func (p *Presence) Track(ctx context.Context, topic, identity string) (first bool, err error) {
	key := presenceKey(topic)
	pipe := p.rdb.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, identity, 1)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() == 1, nil
}

// 减到 0 时在同一脚本内删除字段，避免与并发 Track 交错
var untrackScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call('HDEL', KEYS[1], ARGV[1])
end
return n
`)

// Untrack 计数减一，last=true 表示该身份最后一个连接已断开
func (p *Presence) Untrack(ctx context.Context, topic, identity string) (last bool, err error) {
	n, err := untrackScript.Run(ctx, p.rdb, []string{presenceKey(topic)}, identity).Int64()
	if err != nil {
		return false, err
	}
	return n <= 0, nil
}

// Members 当前在线身份，按字典序，无重复
func (p *Presence) Members(ctx context.Context, topic string) ([]string, error) {
	all, err := p.rdb.HGetAll(ctx, presenceKey(topic)).Result()
	if err != nil {
		return nil, err
	}
	members := make([]string, 0, len(all))
	for identity, v := range all {
		if n, _ := strconv.Atoi(v); n > 0 {
			members = append(members, identity)
		}
	}
	sort.Strings(members)
	return members, nil
}
