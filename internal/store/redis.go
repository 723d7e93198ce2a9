package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"notioncal/internal/model"
)

// redisCommitScript writes the state only when the sequence advances.
// KEYS[1] = state hash key
// ARGV[1] = new seq
// ARGV[2] = JSON payload
// ARGV[3] = synced_at (RFC 3339)
var redisCommitScript = redis.NewScript(`
local key = KEYS[1]
local seq = tonumber(ARGV[1])

local current = tonumber(redis.call("HGET", key, "seq"))
if current and current >= seq then
    return 0
end

redis.call("HSET", key, "seq", ARGV[1], "payload", ARGV[2], "synced_at", ARGV[3])
return 1
`)

const redisKeyPrefix = "notioncal:state:"

// Redis keeps each calendar's state in a hash.
type Redis struct {
	client *redis.Client
}

// NewRedis connects using a redis:// or rediss:// URL.
func NewRedis(dsn string) (*Redis, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDSN, err)
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Load(ctx context.Context, calendarID string) (State, error) {
	fields, err := r.client.HMGet(ctx, redisKeyPrefix+calendarID, "seq", "payload").Result()
	if err != nil {
		return State{}, fmt.Errorf("store: redis load %s: %w", calendarID, err)
	}
	payload, ok := fields[1].(string)
	if !ok {
		return State{}, ErrNotFound
	}
	st, err := decodeState([]byte(payload))
	if err != nil {
		var cursor model.Cursor
		if raw, ok := fields[0].(string); ok {
			cursor.Seq, _ = strconv.ParseUint(raw, 10, 64)
		}
		return State{Cursor: cursor}, err
	}
	return st, nil
}

func (r *Redis) Commit(ctx context.Context, calendarID string, st State) error {
	if err := validID(calendarID); err != nil {
		return err
	}
	payload, err := encodeState(st)
	if err != nil {
		return err
	}
	res, err := redisCommitScript.Run(ctx, r.client,
		[]string{redisKeyPrefix + calendarID},
		strconv.FormatUint(st.Cursor.Seq, 10),
		string(payload),
		st.SyncedAt.UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return fmt.Errorf("store: redis commit %s: %w", calendarID, err)
	}
	if res == 0 {
		return ErrStaleCommit
	}
	return nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.client.Close() }
