package jobstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ErrLocked is returned when another caller already holds the user's lock.
var ErrLocked = errors.New("user is locked by another operation")

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker provides short-lived per-user mutual exclusion for bulk changes to
// a user's feeds. It never waits: a held lock fails immediately.
type Locker struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewLocker(rdb redis.UniversalClient, prefix string) *Locker {
	return &Locker{rdb: rdb, prefix: prefix}
}

func (l *Locker) key(userID int64) string {
	return l.prefix + "lock:user:" + strconv.FormatInt(userID, 10)
}

// Acquire takes the lock for ttl. The returned release func is safe to call
// after the lock expired; it only deletes a lock it still owns.
func (l *Locker) Acquire(ctx context.Context, userID int64, ttl time.Duration) (func(), error) {
	token, err := randomToken()
	if err != nil {
		return nil, err
	}

	ok, err := l.rdb.SetNX(ctx, l.key(userID), token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock for user %d: %w", userID, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	release := func() {
		if err := releaseScript.Run(context.Background(), l.rdb, []string{l.key(userID)}, token).Err(); err != nil {
			log.WithField("user_id", userID).Warnf("failed to release user lock: %v", err)
		}
	}
	return release, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
