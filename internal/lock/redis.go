package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var ErrLockTimeout = errors.New("timed out waiting for record lock")

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another node is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lock shared by every node using the same Redis instance.
// TTL bounds how long a crashed holder can block others.
type Redis struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	retry   time.Duration
	log     *logrus.Logger
}

func NewRedis(client redis.UniversalClient, ttl, timeout time.Duration, log *logrus.Logger) *Redis {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Redis{
		client:  client,
		prefix:  "lock:purchase_request:",
		ttl:     ttl,
		timeout: timeout,
		retry:   25 * time.Millisecond,
		log:     log,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	name := r.prefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, errors.Wrapf(err, "acquire lock %s", name)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errors.Wrapf(ErrLockTimeout, "key %s", key)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// release even when the caller's context is already done
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, r.client, []string{name}, token).Err(); err != nil {
				r.log.WithFields(logrus.Fields{"key": name, "error": err}).Error("failed to release record lock")
			}
		})
	}, nil
}
