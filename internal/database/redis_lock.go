package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the lock only if it is still owned by the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lock only if it is still owned by the caller's token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a ProjectLocker shared by every server instance pointing at
// the same Redis. The TTL bounds how long a crashed holder blocks a project;
// a live holder renews it every third of the TTL until it unlocks.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    zerolog.Logger
}

// NewRedisLocker creates a Redis-backed project locker.
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration, log zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client: client,
		prefix: "gsl:project-lock:",
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		log:    log.With().Str("component", "redis_locker").Logger(),
	}
}

// Lock polls SET NX until the lock is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, projectID string) (func(), error) {
	key := l.prefix + projectID
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire project lock %s: %w", projectID, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retry):
		}
	}

	renewCtx, stopRenew := context.WithCancel(context.Background())
	renewed := make(chan struct{})
	go func() {
		defer close(renewed)
		l.renew(renewCtx, key, projectID, token)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stopRenew()
			<-renewed

			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				l.log.Warn().Err(err).Str("project_id", projectID).Msg("Failed to release project lock, it will expire")
			}
		})
	}, nil
}

// renew keeps the lease alive until ctx is done or the lock is lost.
func (l *RedisLocker) renew(ctx context.Context, key, projectID, token string) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := renewScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			l.log.Warn().Err(err).Str("project_id", projectID).Msg("Failed to renew project lock")
		case ok == 0:
			l.log.Error().Str("project_id", projectID).Msg("Project lock expired while held")
			return
		}
	}
}
