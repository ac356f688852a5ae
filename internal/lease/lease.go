// Package lease hands out short-lived per-finding claims in Redis so that
// several warden replicas can poll the same indices without running a
// playbook twice.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/xerrors"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/lease")

// DefaultPrefix namespaces lease keys.
const DefaultPrefix = "warden:lease:"

// claimScript takes a free lease or renews one the caller already holds.
// KEYS[1] = lease key, ARGV[1] = owner, ARGV[2] = ttl in milliseconds
var claimScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
if cur == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// releaseScript deletes the lease only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis is a Claimer backed by Redis keys with a TTL.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// New wraps an existing client. An empty prefix uses DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Redis {
	if client == nil {
		panic(xerrors.New("lease.New: nil client"))
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("lease: connect to redis %s: %w", cfg.Addr, err)
	}
	return New(client, cfg.Prefix), nil
}

func (r *Redis) key(index, id string) string {
	return r.prefix + index + "/" + id
}

// Claim takes the lease for index/id, or renews it when owner already holds
// it. It reports false when another owner holds an unexpired lease.
func (r *Redis) Claim(ctx context.Context, index, id, owner string, ttl time.Duration) (bool, error) {
	ctx, span := tracer.Start(ctx, "lease.claim", trace.WithAttributes(
		attribute.String("warden.finding.index", index),
		attribute.String("warden.finding.id", id),
	))
	defer span.End()

	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	n, err := claimScript.Run(ctx, r.client, []string{r.key(index, id)}, owner, ms).Int64()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return false, fmt.Errorf("lease: claim %s/%s: %w", index, id, err)
	}
	span.SetAttributes(attribute.Bool("warden.lease.won", n == 1))
	return n == 1, nil
}

// Release drops owner's lease. A lease held by someone else is left alone.
func (r *Redis) Release(ctx context.Context, index, id, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(index, id)}, owner).Err(); err != nil {
		return fmt.Errorf("lease: release %s/%s: %w", index, id, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
