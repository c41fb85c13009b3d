package admission

import (
	"context"
	"fmt"
	"time"

	"creditgen-go/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// admitScript returns 0 when admitted, 1 for cooldown and 2 for a full window.
// KEYS[1] cooldown key, KEYS[2] window key.
// ARGV[1] cooldown ms, ARGV[2] window ms, ARGV[3] max requests.
const admitScript = `
local cooldown = tonumber(ARGV[1])
if cooldown > 0 and redis.call('EXISTS', KEYS[1]) == 1 then
  return 1
end
local count = tonumber(redis.call('GET', KEYS[2]) or '0')
if count >= tonumber(ARGV[3]) then
  return 2
end
count = redis.call('INCR', KEYS[2])
if count == 1 then
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
if cooldown > 0 then
  redis.call('SET', KEYS[1], '1', 'PX', cooldown)
end
return 0
`

// RedisEvaler is the one Redis call the shared limiter needs.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// GoRedisEvaler wraps a go-redis client.
type GoRedisEvaler struct{ c *redis.Client }

func NewGoRedisEvaler(addr string) *GoRedisEvaler {
	return &GoRedisEvaler{c: redis.NewClient(&redis.Options{Addr: addr})}
}

func (g *GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

func (g *GoRedisEvaler) Close() error {
	return g.c.Close()
}

// RedisController is a fixed-window limiter shared by every instance.
type RedisController struct {
	evaler      RedisEvaler
	prefix      string
	window      time.Duration
	maxRequests int
	cooldown    time.Duration
}

var _ Admitter = (*RedisController)(nil)

func NewRedisController(evaler RedisEvaler, prefix string, window time.Duration, maxRequests int, cooldown time.Duration) *RedisController {
	if prefix == "" {
		prefix = "creditgen:admit"
	}
	return &RedisController{
		evaler:      evaler,
		prefix:      prefix,
		window:      window,
		maxRequests: maxRequests,
		cooldown:    cooldown,
	}
}

func (r *RedisController) Admit(ctx context.Context, userId string, kind models.MediaKind) Decision {
	token := uuid.New().String()
	if userId == "" {
		return Decision{Allowed: true, Token: token}
	}

	keys := []string{
		fmt.Sprintf("%s:cooldown:%s:%s", r.prefix, userId, kind),
		fmt.Sprintf("%s:window:%s:%s", r.prefix, userId, kind),
	}
	res, err := r.evaler.Eval(ctx, admitScript, keys, r.cooldown.Milliseconds(), r.window.Milliseconds(), r.maxRequests)
	if err != nil {
		zap.L().Warn("Shared admission check failed, admitting",
			zap.String("user_id", userId),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return Decision{Allowed: true, Token: token}
	}

	code, ok := res.(int64)
	if !ok {
		zap.L().Warn("Unexpected admission script result, admitting",
			zap.String("user_id", userId),
			zap.Any("result", res))
		return Decision{Allowed: true, Token: token}
	}

	switch code {
	case 1:
		return Decision{Allowed: false, Reason: ReasonCooldown}
	case 2:
		return Decision{Allowed: false, Reason: ReasonTooMany}
	default:
		return Decision{Allowed: true, Token: token}
	}
}
