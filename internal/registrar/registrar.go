// Package registrar records which node and connection currently own a
// user's live binding, so any node (and the read API) can answer "where is
// this user connected".
package registrar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const DefaultTTL = 1 * time.Hour

// Directory is implemented by RedisRegistrar and MemoryRegistrar.
type Directory interface {
	Bind(ctx context.Context, userID, connID string) error
	Release(ctx context.Context, userID, connID string) error
	Owner(ctx context.Context, userID string) (string, error)
}

func key(userID string) string {
	return fmt.Sprintf("conn:%s", userID)
}

// releaseScript deletes the binding only if it still belongs to the caller,
// so a superseded connection cannot remove its successor's entry.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisRegistrar struct {
	rdb  *redis.Client
	node string
	ttl  time.Duration
}

func NewRedisRegistrar(addr, node string) *RedisRegistrar {
	opt, err := redis.ParseURL(addr)
	var rdb *redis.Client
	if err != nil {
		rdb = redis.NewClient(&redis.Options{
			Addr: addr,
		})
	} else {
		rdb = redis.NewClient(opt)
	}

	return &RedisRegistrar{
		rdb:  rdb,
		node: node,
		ttl:  DefaultTTL,
	}
}

func (r *RedisRegistrar) value(connID string) string {
	return r.node + "/" + connID
}

func (r *RedisRegistrar) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisRegistrar) Bind(ctx context.Context, userID, connID string) error {
	log.Debug().Str("user_id", userID).Str("conn_id", connID).Msg("registrar bind")
	return r.rdb.Set(ctx, key(userID), r.value(connID), r.ttl).Err()
}

func (r *RedisRegistrar) Release(ctx context.Context, userID, connID string) error {
	return releaseScript.Run(ctx, r.rdb, []string{key(userID)}, r.value(connID)).Err()
}

// Owner returns "node/connID" for a bound user, or "" when none.
func (r *RedisRegistrar) Owner(ctx context.Context, userID string) (string, error) {
	val, err := r.rdb.Get(ctx, key(userID)).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return val, nil
}

func (r *RedisRegistrar) Close() error {
	return r.rdb.Close()
}

// MemoryRegistrar is the single-node Directory used when no Redis is configured.
type MemoryRegistrar struct {
	mu    sync.RWMutex
	node  string
	owner map[string]string
}

func NewMemoryRegistrar(node string) *MemoryRegistrar {
	return &MemoryRegistrar{
		node:  node,
		owner: make(map[string]string),
	}
}

func (m *MemoryRegistrar) Bind(_ context.Context, userID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owner[userID] = m.node + "/" + connID
	return nil
}

func (m *MemoryRegistrar) Release(_ context.Context, userID, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.owner[userID]; ok && strings.HasSuffix(cur, "/"+connID) {
		delete(m.owner, userID)
	}
	return nil
}

func (m *MemoryRegistrar) Owner(_ context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owner[userID], nil
}
