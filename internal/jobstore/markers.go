package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var advanceScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if not current or tonumber(current) < tonumber(ARGV[2]) then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// Markers records, per user and feed URL, when that feed last received new
// entries. Unread-count readers compare it with their own cursor instead of
// scanning entries.
type Markers struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewMarkers(rdb redis.UniversalClient, prefix string) *Markers {
	return &Markers{rdb: rdb, prefix: prefix}
}

func (m *Markers) key(userID int64) string {
	return m.prefix + "user:" + strconv.FormatInt(userID, 10) + ":updates"
}

// Advance moves the marker forward to t. Older values are ignored so the
// marker never regresses.
func (m *Markers) Advance(ctx context.Context, userID int64, url string, t time.Time) error {
	err := advanceScript.Run(ctx, m.rdb, []string{m.key(userID)}, url, t.Unix()).Err()
	if err != nil {
		return fmt.Errorf("failed to advance marker for user %d: %w", userID, err)
	}
	return nil
}

// Get returns the marker, or the zero time if none was recorded.
func (m *Markers) Get(ctx context.Context, userID int64, url string) (time.Time, error) {
	v, err := m.rdb.HGet(ctx, m.key(userID), url).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read marker for user %d: %w", userID, err)
	}
	return time.Unix(v, 0).UTC(), nil
}
