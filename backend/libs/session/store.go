package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store manages session lifecycle with single-session-per-account enforcement.
type Store interface {
	// Save writes the session and its account mapping with TTL equal to the
	// session's valid period. If the account already maps to a different live
	// session, that session is deleted in the same atomic step. The evicted
	// session id is returned for observability only; absence of an eviction
	// is not an error (first login evicts nothing).
	Save(ctx context.Context, s Session) (evictedID string, err error)

	// Get returns the session or ErrNotFound for unknown/expired ids.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes the session record. The account mapping is removed only
	// if it still points at this exact id, so a logout racing a newer login
	// cannot clobber the newer session's mapping.
	Delete(ctx context.Context, id, accountID string) error
}

const (
	sessionKeyPrefix = "sessions:id:"
	accountKeyPrefix = "sessions:account:"
)

// saveScript performs lookup-evict-map-write as one atomic server-side step so
// two concurrent logins for the same account can never both win.
//
// KEYS[1] = account mapping key, KEYS[2] = new session record key
// ARGV[1] = new session id, ARGV[2] = session JSON, ARGV[3] = ttl ms,
// ARGV[4] = session record key prefix
var saveScript = redis.NewScript(`
local evicted = redis.call('GET', KEYS[1])
if evicted and evicted ~= ARGV[1] then
	redis.call('DEL', ARGV[4] .. evicted)
else
	evicted = false
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
if evicted then
	return evicted
end
return ''
`)

// deleteScript removes the record and conditionally the account mapping.
//
// KEYS[1] = session record key, KEYS[2] = account mapping key
// ARGV[1] = session id being deleted
var deleteScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
if redis.call('GET', KEYS[2]) == ARGV[1] then
	redis.call('DEL', KEYS[2])
	return 1
end
return 0
`)

// RedisStore is the production Store, backed by a shared redis instance.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore returns a redis-backed session store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func accountKey(accountID string) string {
	return accountKeyPrefix + accountID
}

// Save implements Store.
func (r *RedisStore) Save(ctx context.Context, s Session) (string, error) {
	if s.ID == "" || s.AccountID == "" {
		return "", errors.New("session: id and account id are required")
	}
	if s.ValidPeriodMS <= 0 {
		return "", errors.New("session: valid period must be positive")
	}

	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}

	result, err := saveScript.Run(ctx, r.client,
		[]string{accountKey(s.AccountID), sessionKey(s.ID)},
		s.ID, string(data), s.ValidPeriodMS, sessionKeyPrefix,
	).Text()
	if err != nil {
		return "", fmt.Errorf("session: save: %w", err)
	}
	return result, nil
}

// Get implements Store. The redis TTL already drops expired records; the
// Expired check guards against TTL drift on a record read right at the edge.
func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}

	raw, err := r.client.Get(ctx, sessionKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}

	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	if s.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &s, nil
}

// Delete implements Store.
func (r *RedisStore) Delete(ctx context.Context, id, accountID string) error {
	if id == "" {
		return errors.New("session: id is required")
	}

	err := deleteScript.Run(ctx, r.client,
		[]string{sessionKey(id), accountKey(accountID)},
		id,
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}
