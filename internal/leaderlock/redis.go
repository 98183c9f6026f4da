package leaderlock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisLock backs the election with a SET NX key, for fleets where the
// worker processes do not share a filesystem. The TTL exists only so a
// crashed holder cannot shadow the resource forever; it is deliberately
// generous and never refreshed (the lock is not a lease).
type redisLock struct {
	client *redis.Client
	ttl    time.Duration

	key    string
	holder string
}

type RedisOptions struct {
	Addr     string
	Username string
	Password string
	TTL      time.Duration // 0 means 24h
}

func NewRedis(opts RedisOptions) Lock {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &redisLock{
		client: redis.NewClient(&redis.Options{
			Addr:     opts.Addr,
			Username: opts.Username,
			Password: opts.Password,
		}),
		ttl:    ttl,
		holder: holderID(),
	}
}

func (l *redisLock) TryAcquire(ctx context.Context, resource string) (bool, error) {
	if l.key != "" {
		return true, nil
	}
	key := "leaderlock:" + resource
	ok, err := l.client.SetNX(ctx, key, l.holder, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		l.key = key
	}
	return ok, nil
}

// releaseScript deletes the key only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *redisLock) Release(ctx context.Context) error {
	if l.key == "" {
		return l.client.Close()
	}
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Result()
	if cerr := l.client.Close(); err == nil {
		err = cerr
	}
	l.key = ""
	return err
}
