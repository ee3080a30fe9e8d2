package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/katakuxiko/ragchat/internal/model"
)

const keyPrefix = "ragchat:lock:"

// снимаем и продлеваем только свой замок
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis — замок, общий для нескольких экземпляров сервиса. TTL продлевается,
// пока держатель жив, так что упавший процесс не блокирует сессию навсегда.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
	log *zap.Logger
}

func NewRedis(rdb *redis.Client, ttl time.Duration, log *zap.Logger) *Redis {
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{rdb: rdb, ttl: ttl, log: log}
}

func (r *Redis) TryLock(ctx context.Context, key string) (context.Context, func(), error) {
	k := keyPrefix + key
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: session %s is busy", model.ErrConflictingOperation, key)
	}

	held, cancel := context.WithCancelCause(context.Background())
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(r.ttl / 3)
		defer t.Stop()
		lastOK := time.Now()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				n, err := refreshScript.Run(context.Background(), r.rdb, []string{k}, token, r.ttl.Milliseconds()).Int()
				if err != nil {
					r.log.Warn("lock refresh failed", zap.String("key", key), zap.Error(err))
					// ключ мог истечь, пока Redis был недоступен
					if time.Since(lastOK) < r.ttl {
						continue
					}
					n = 0
				}
				if n == 0 {
					r.log.Warn("lock lost", zap.String("key", key))
					cancel(ErrLockLost)
					return
				}
				lastOK = time.Now()
			}
		}
	}()

	var once sync.Once
	return held, func() {
		once.Do(func() {
			close(stop)
			<-done
			cancel(nil)
			ctx, cancelRelease := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelRelease()
			if err := releaseScript.Run(ctx, r.rdb, []string{k}, token).Err(); err != nil {
				r.log.Warn("lock release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
