package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"seednode/pkg/coordination"
)

// RedisClientConfig holds Redis connection configuration
type RedisClientConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// SessionTTL bounds how long a candidate outlives a crashed process.
	SessionTTL time.Duration
	Logger     *zap.Logger
}

// DefaultRedisClientConfig returns defaults suited to a handful of candidates per path
func DefaultRedisClientConfig(addr string) RedisClientConfig {
	return RedisClientConfig{
		Addr:         addr,
		PoolSize:     10,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		SessionTTL:   15 * time.Second,
	}
}

// RedisClient emulates an ephemeral-sequential election on Redis.
//
// Sequence numbers come from INCR on <path>:seq and order a sorted set
// <path>:candidates. Each member is tied to a liveness key <path>:alive:<session>
// that this client refreshes; members whose liveness key expired are skipped
// and pruned on read.
type RedisClient struct {
	client  *redis.Client
	session string
	ttl     time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	alive   map[string]struct{}
	members map[string]string
	closed  bool

	stop chan struct{}
	done chan struct{}
}

// NewRedisClient connects with default config.
func NewRedisClient(addr string) (*RedisClient, error) {
	return NewRedisClientWithConfig(DefaultRedisClientConfig(addr))
}

func NewRedisClientWithConfig(cfg RedisClientConfig) (*RedisClient, error) {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	c := &RedisClient{
		client:  client,
		session: uuid.New().String(),
		ttl:     cfg.SessionTTL,
		logger:  logger.Named("redis"),
		alive:   make(map[string]struct{}),
		members: make(map[string]string),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.keepAlive()
	return c, nil
}

func (c *RedisClient) keepAlive() {
	defer close(c.done)
	ticker := time.NewTicker(c.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			keys := make([]string, 0, len(c.alive))
			for k := range c.alive {
				keys = append(keys, k)
			}
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), c.ttl/3)
			for _, k := range keys {
				if err := c.client.Expire(ctx, k, c.ttl).Err(); err != nil {
					c.logger.Warn("failed to refresh session", zap.String("key", k), zap.Error(err))
				}
			}
			cancel()
		}
	}
}

// EnsurePath creates a marker for every segment of path with SETNX.
func (c *RedisClient) EnsurePath(ctx context.Context, path string) error {
	segments := pathSegments(path)
	if len(segments) == 0 {
		return fmt.Errorf("invalid election path %q", path)
	}
	for i, key := range segments {
		created, err := c.client.SetNX(ctx, key, "", 0).Result()
		if err != nil {
			return fmt.Errorf("failed to create path %s: %w", key, err)
		}
		if !created && i == len(segments)-1 {
			return coordination.ErrNodeExists
		}
	}
	return nil
}

func (c *RedisClient) StartCandidate(ctx context.Context, path, id string) (coordination.Latch, error) {
	aliveKey := path + ":alive:" + c.session
	if err := c.client.Set(ctx, aliveKey, id, c.ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to open session for %s: %w", id, err)
	}

	seq, err := c.client.Incr(ctx, path+":seq").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate sequence for %s: %w", id, err)
	}

	member := c.session + "|" + id
	err = c.client.ZAdd(ctx, path+":candidates", redis.Z{Score: float64(seq), Member: member}).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to register candidate %s: %w", id, err)
	}

	c.mu.Lock()
	c.alive[aliveKey] = struct{}{}
	c.members[member] = path
	c.mu.Unlock()

	c.logger.Info("candidate registered",
		zap.String("path", path),
		zap.String("candidate", id),
		zap.Int64("sequence", seq),
	)

	return &RedisLatch{owner: c, path: path, member: member, aliveKey: aliveKey, id: id}, nil
}

func (c *RedisClient) Observe(ctx context.Context, path string) (coordination.LeaderView, error) {
	ids, err := c.liveCandidates(ctx, path)
	if err != nil {
		return coordination.LeaderView{}, err
	}
	view := coordination.LeaderView{Candidates: ids}
	if len(ids) > 0 {
		view.LeaderID = ids[0]
		view.Known = true
	}
	return view, nil
}

// Close withdraws every candidate of this session and disconnects.
func (c *RedisClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return coordination.ErrClosed
	}
	c.closed = true
	members := c.members
	alive := c.alive
	c.members = map[string]string{}
	c.alive = map[string]struct{}{}
	c.mu.Unlock()

	close(c.stop)
	<-c.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for member, path := range members {
		if err := c.client.ZRem(ctx, path+":candidates", member).Err(); err != nil {
			c.logger.Debug("failed to remove candidate", zap.String("member", member), zap.Error(err))
		}
	}
	for key := range alive {
		if err := c.client.Del(ctx, key).Err(); err != nil {
			c.logger.Debug("failed to drop session key", zap.String("key", key), zap.Error(err))
		}
	}
	return c.client.Close()
}

// liveCandidates returns candidate ids in sequence order, pruning expired sessions.
func (c *RedisClient) liveCandidates(ctx context.Context, path string) ([]string, error) {
	members, err := c.client.ZRange(ctx, path+":candidates", 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}
	if len(members) == 0 {
		return []string{}, nil
	}

	pipe := c.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, member := range members {
		session, _, _ := strings.Cut(member, "|")
		checks[i] = pipe.Exists(ctx, path+":alive:"+session)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to check candidate sessions: %w", err)
	}

	ids := make([]string, 0, len(members))
	var dead []interface{}
	for i, member := range members {
		if checks[i].Val() == 0 {
			dead = append(dead, member)
			continue
		}
		_, id, _ := strings.Cut(member, "|")
		ids = append(ids, id)
	}
	if len(dead) > 0 {
		if err := c.client.ZRem(ctx, path+":candidates", dead...).Err(); err != nil {
			c.logger.Debug("failed to prune expired candidates", zap.Error(err))
		}
	}
	return ids, nil
}

func pathSegments(path string) []string {
	var out []string
	var b strings.Builder
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		b.WriteString("/")
		b.WriteString(part)
		out = append(out, b.String())
	}
	return out
}
