package etcd

import (
	"context"
	"errors"
	"fmt"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"seednode/pkg/coordination"
)

// EtcdLatch is a registered candidate key. The lowest create revision under the prefix leads.
type EtcdLatch struct {
	client   *clientv3.Client
	election *concurrency.Election
	prefix   string
	key      string
	id       string

	mu       sync.Mutex
	released bool
}

func (l *EtcdLatch) ID() string {
	return l.id
}

func (l *EtcdLatch) Leader(ctx context.Context) (string, bool, error) {
	resp, err := l.election.Leader(ctx)
	if err != nil {
		if errors.Is(err, concurrency.ErrElectionNoLeader) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to query leader: %w", err)
	}
	if kv := resp.Kvs[0]; isCandidate(l.prefix, kv) {
		return string(kv.Value), true, nil
	}

	// The oldest key under the prefix is a path marker; fall back to a filtered listing.
	candidates, err := listCandidates(ctx, l.client, l.prefix)
	if err != nil {
		return "", false, err
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	return candidates[0], true, nil
}

func (l *EtcdLatch) Candidates(ctx context.Context) ([]string, error) {
	return listCandidates(ctx, l.client, l.prefix)
}

// Close deletes the candidate key. The session lease stays with the client.
func (l *EtcdLatch) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return coordination.ErrClosed
	}
	l.released = true

	if _, err := l.client.Delete(ctx, l.key); err != nil {
		return fmt.Errorf("failed to release candidate %s: %w", l.id, err)
	}
	return nil
}
