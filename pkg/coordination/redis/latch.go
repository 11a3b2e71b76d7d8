package redis

import (
	"context"
	"fmt"
	"sync"

	"seednode/pkg/coordination"
)

// RedisLatch is one member of <path>:candidates.
type RedisLatch struct {
	owner    *RedisClient
	path     string
	member   string
	aliveKey string
	id       string

	mu       sync.Mutex
	released bool
}

func (l *RedisLatch) ID() string {
	return l.id
}

func (l *RedisLatch) Leader(ctx context.Context) (string, bool, error) {
	ids, err := l.owner.liveCandidates(ctx, l.path)
	if err != nil {
		return "", false, fmt.Errorf("failed to query leader: %w", err)
	}
	if len(ids) == 0 {
		return "", false, nil
	}
	return ids[0], true, nil
}

func (l *RedisLatch) Candidates(ctx context.Context) ([]string, error) {
	return l.owner.liveCandidates(ctx, l.path)
}

func (l *RedisLatch) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return coordination.ErrClosed
	}
	l.released = true

	c := l.owner
	c.mu.Lock()
	delete(c.members, l.member)
	c.mu.Unlock()

	if err := c.client.ZRem(ctx, l.path+":candidates", l.member).Err(); err != nil {
		return fmt.Errorf("failed to release candidate %s: %w", l.id, err)
	}
	return nil
}
