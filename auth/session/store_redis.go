package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a RefreshStore and RevocationStore backed by Redis.
//
// Layout under prefix (default "arc:auth"):
//
//	<prefix>:rt:<hash>             JSON RefreshRecord, expires with the token
//	<prefix>:rt:user:<identity>    hash of client id -> token hash, expires with
//	                               the longest-lived token it indexes
//	<prefix>:revoked:<identity>    revocation marker, unix microseconds
//
// The client is owned by the caller; this store must NOT close it.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore) error

// WithKeyPrefix sets the key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) error {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return fmt.Errorf("%w: empty redis key prefix", ErrConfig)
		}
		s.prefix = prefix
		return nil
	}
}

// NewRedisStore constructs a RedisStore.
func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrConfig)
	}
	s := &RedisStore{rdb: rdb, prefix: "arc:auth"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *RedisStore) recordPrefix() string { return s.prefix + ":rt:" }

func (s *RedisStore) recordKey(hash string) string { return s.recordPrefix() + hash }

func (s *RedisStore) indexKey(identity string) string { return s.prefix + ":rt:user:" + identity }

func (s *RedisStore) markerKey(identity string) string { return s.prefix + ":revoked:" + identity }

// KEYS[1]=index, KEYS[2]=record; ARGV: client id, token hash, record, ttl ms, record prefix.
var saveScript = redis.NewScript(`
local old = redis.call('HGET', KEYS[1], ARGV[1])
if old then
  redis.call('DEL', ARGV[5] .. old)
end
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[4])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
if redis.call('PTTL', KEYS[1]) < tonumber(ARGV[4]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
end
return 1
`)

// KEYS[1]=index; ARGV: client id, expected token hash.
var unindexScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

// KEYS[1]=index; ARGV: client id, record prefix.
var deleteClientScript = redis.NewScript(`
local h = redis.call('HGET', KEYS[1], ARGV[1])
if h then
  redis.call('DEL', ARGV[2] .. h)
  redis.call('HDEL', KEYS[1], ARGV[1])
end
return 1
`)

// KEYS[1]=index; ARGV: record prefix.
var deleteIdentityScript = redis.NewScript(`
local hs = redis.call('HVALS', KEYS[1])
for _, h in ipairs(hs) do
  redis.call('DEL', ARGV[1] .. h)
end
redis.call('DEL', KEYS[1])
return #hs
`)

// KEYS[1]=marker; ARGV: candidate unix micros. Never lowers the marker.
var raiseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (not cur) or tonumber(ARGV[1]) > tonumber(cur) then
  redis.call('SET', KEYS[1], ARGV[1])
  return ARGV[1]
end
return cur
`)

// Save implements RefreshStore.
func (s *RedisStore) Save(ctx context.Context, rec RefreshRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	return saveScript.Run(ctx, s.rdb,
		[]string{s.indexKey(rec.Identity), s.recordKey(rec.TokenHash)},
		rec.ClientID, rec.TokenHash, data, ttl.Milliseconds(), s.recordPrefix(),
	).Err()
}

// FindByHash implements RefreshStore.
func (s *RedisStore) FindByHash(ctx context.Context, tokenHash string) (RefreshRecord, error) {
	data, err := s.rdb.Get(ctx, s.recordKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return RefreshRecord{}, ErrRefreshNotFound
	}
	if err != nil {
		return RefreshRecord{}, err
	}
	return decodeRefreshRecord(data)
}

// Consume implements RefreshStore. GETDEL makes the single-use guarantee atomic.
func (s *RedisStore) Consume(ctx context.Context, tokenHash string) (RefreshRecord, error) {
	data, err := s.rdb.GetDel(ctx, s.recordKey(tokenHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return RefreshRecord{}, ErrRefreshNotFound
	}
	if err != nil {
		return RefreshRecord{}, err
	}

	rec, err := decodeRefreshRecord(data)
	if err != nil {
		return RefreshRecord{}, err
	}

	if err := unindexScript.Run(ctx, s.rdb, []string{s.indexKey(rec.Identity)}, rec.ClientID, rec.TokenHash).Err(); err != nil {
		return RefreshRecord{}, err
	}
	return rec, nil
}

// DeleteByIdentity implements RefreshStore.
func (s *RedisStore) DeleteByIdentity(ctx context.Context, identity string) error {
	return deleteIdentityScript.Run(ctx, s.rdb, []string{s.indexKey(identity)}, s.recordPrefix()).Err()
}

// DeleteByClientID implements RefreshStore.
func (s *RedisStore) DeleteByClientID(ctx context.Context, identity, clientID string) error {
	return deleteClientScript.Run(ctx, s.rdb, []string{s.indexKey(identity)}, clientID, s.recordPrefix()).Err()
}

// Raise implements RevocationStore.
func (s *RedisStore) Raise(ctx context.Context, identity string, at time.Time) (time.Time, error) {
	v, err := raiseScript.Run(ctx, s.rdb, []string{s.markerKey(identity)}, strconv.FormatInt(at.UnixMicro(), 10)).Text()
	if err != nil {
		return time.Time{}, err
	}
	us, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("session: bad revocation marker %q: %w", v, err)
	}
	return time.UnixMicro(us).UTC(), nil
}

// RevokedBefore implements RevocationStore.
func (s *RedisStore) RevokedBefore(ctx context.Context, identity string) (time.Time, bool, error) {
	us, err := s.rdb.Get(ctx, s.markerKey(identity)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMicro(us).UTC(), true, nil
}

func decodeRefreshRecord(data []byte) (RefreshRecord, error) {
	var rec RefreshRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return RefreshRecord{}, fmt.Errorf("session: decode refresh record: %w", err)
	}
	return rec, nil
}
