package backends

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPriority = 15

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	// Addr is the host:port of the Redis server. Required.
	Addr string

	// Password authenticates the connection when set.
	Password string

	// DB selects the logical database.
	DB int

	// Prefix is prepended to every derived key.
	Prefix string

	// ReadOnly makes Put a no-op.
	ReadOnly bool

	// CacheDir is the local directory retrieved archives are written
	// into.
	CacheDir string
}

// redisAPI is the subset of the go-redis client used by the backend. It
// exists so tests can substitute a fake transport.
type redisAPI interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// Redis stores distribution archives as raw byte values in a Redis
// instance. It sits between the disk tier and the object-storage tiers:
// remote enough to be shared between machines, fast enough to be worth
// asking before S3. Entries never expire here; eviction is the
// server's concern.
type Redis struct {
	cfg    RedisConfig
	logger *slog.Logger

	// newClient constructs the underlying client. Swapped out in
	// tests; a nil value means client support is unavailable.
	newClient func(cfg RedisConfig) redisAPI

	mu     sync.Mutex
	client redisAPI // memoized after a successful ping
}

// NewRedis creates a Redis cache backend. Construction never connects;
// the server is first contacted lazily from Get or Put.
func NewRedis(cfg RedisConfig, logger *slog.Logger) *Redis {
	return &Redis{
		cfg:    cfg,
		logger: logger,
		newClient: func(cfg RedisConfig) redisAPI {
			return redis.NewClient(&redis.Options{
				Addr:     cfg.Addr,
				Password: cfg.Password,
				DB:       cfg.DB,
			})
		},
	}
}

// Name returns the backend identifier.
func (r *Redis) Name() string { return "redis" }

// Priority returns the tier ordering value.
func (r *Redis) Priority() int { return redisPriority }

func (r *Redis) checkPrerequisites() error {
	if r.cfg.Addr == "" {
		return Disabledf("no Redis address configured; set an address to enable the Redis archive cache")
	}
	if r.newClient == nil {
		return Disabledf("Redis client support is not available; the Redis archive cache will be disabled for now")
	}
	return nil
}

// connection returns a verified client, connecting on first use. A
// client that fails the initial ping is not memoized and the next
// operation retries.
func (r *Redis) connection(ctx context.Context) (redisAPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	r.logger.Debug("connecting to Redis", slog.String("addr", r.cfg.Addr))
	client := r.newClient(r.cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, Backendf("failed to connect to Redis at %q (%v); the Redis cache backend will be disabled for now", r.cfg.Addr, err)
	}

	r.client = client
	return client, nil
}

// Get fetches a cached archive from Redis and writes it into the local
// cache directory, returning its path there.
func (r *Redis) Get(ctx context.Context, filename string) (string, bool, error) {
	if err := r.checkPrerequisites(); err != nil {
		return "", false, err
	}
	client, err := r.connection(ctx)
	if err != nil {
		return "", false, err
	}

	key := Key(r.cfg.Prefix, filename)
	data, err := client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", true, nil
		}
		return "", false, Backendf("failed to fetch archive %q from Redis: %v", key, err)
	}

	localPath, err := writeFileAtomic(r.cfg.CacheDir, filename, bytes.NewReader(data))
	if err != nil {
		return "", false, Backendf("failed to store fetched archive %q locally: %v", filename, err)
	}

	r.logger.Debug("fetched archive from Redis",
		slog.String("key", key),
		slog.String("path", localPath))
	return localPath, false, nil
}

// Put stores an archive in Redis under the derived key. A read-only
// backend skips the write entirely, including the prerequisite check.
func (r *Redis) Put(ctx context.Context, filename string, rd io.Reader) error {
	if r.cfg.ReadOnly {
		r.logger.Info("skipping upload to Redis (read-only mode)",
			slog.String("filename", filename))
		return nil
	}

	if err := r.checkPrerequisites(); err != nil {
		return err
	}
	client, err := r.connection(ctx)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(rd)
	if err != nil {
		return Backendf("failed to read archive %q: %v", filename, err)
	}

	key := Key(r.cfg.Prefix, filename)
	if err := client.Set(ctx, key, data, 0).Err(); err != nil {
		return Backendf("failed to store archive %q in Redis: %v", key, err)
	}

	r.logger.Debug("stored archive in Redis",
		slog.String("key", key),
		slog.Int("size", len(data)))
	return nil
}

// Close releases the underlying client, if one was ever created.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
