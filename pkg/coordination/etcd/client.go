package etcd

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"seednode/pkg/coordination"
)

// Config holds the etcd connection settings.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	// SessionTTL is the lease TTL in seconds. Candidates vanish this long after the process dies.
	SessionTTL int
	Username   string
	Password   string
	// Token is sent as per-RPC metadata instead of Username/Password.
	Token  string
	Logger *zap.Logger
}

// EtcdClient implements coordination.Client on top of an etcd lease-backed session.
type EtcdClient struct {
	client  *clientv3.Client
	session *concurrency.Session
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
}

func NewEtcdClient(cfg Config) (*EtcdClient, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 15
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clientCfg := clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		Logger:      logger.Named("etcd-client"),
	}
	if cfg.Token != "" {
		clientCfg.DialOptions = append(clientCfg.DialOptions, grpc.WithPerRPCCredentials(tokenCredential{token: cfg.Token}))
	}

	cli, err := clientv3.New(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	// The session keeps the lease alive; every candidate key is attached to it.
	sess, err := concurrency.NewSession(cli, concurrency.WithTTL(cfg.SessionTTL))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to create concurrency session: %w", err)
	}

	return &EtcdClient{
		client:  cli,
		session: sess,
		logger:  logger.Named("etcd"),
	}, nil
}

func (c *EtcdClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return coordination.ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.session.Close(); err != nil {
		c.logger.Debug("session close failed", zap.Error(err))
	}
	return c.client.Close()
}

// EnsurePath writes an empty marker key for every segment of path.
// Only the last segment decides the ErrNodeExists outcome.
func (c *EtcdClient) EnsurePath(ctx context.Context, path string) error {
	segments := pathSegments(path)
	if len(segments) == 0 {
		return fmt.Errorf("invalid election path %q", path)
	}

	for i, key := range segments {
		resp, err := c.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
			Then(clientv3.OpPut(key, "")).
			Commit()
		if err != nil {
			return fmt.Errorf("failed to create path %s: %w", key, err)
		}
		if !resp.Succeeded && i == len(segments)-1 {
			return coordination.ErrNodeExists
		}
	}
	return nil
}

func (c *EtcdClient) StartCandidate(ctx context.Context, path, id string) (coordination.Latch, error) {
	lease := c.session.Lease()
	key := fmt.Sprintf("%s/%x", path, lease)

	// Same key layout as concurrency.Election so Election.Leader can read it back.
	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, id, clientv3.WithLease(lease))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to register candidate %s: %w", id, err)
	}

	rev := resp.Header.Revision
	if !resp.Succeeded {
		kv := resp.Responses[0].GetResponseRange().Kvs[0]
		rev = kv.CreateRevision
		if string(kv.Value) != id {
			if _, err := c.client.Put(ctx, key, id, clientv3.WithLease(lease)); err != nil {
				return nil, fmt.Errorf("failed to update candidate %s: %w", id, err)
			}
		}
	}

	c.logger.Info("candidate registered",
		zap.String("path", path),
		zap.String("candidate", id),
		zap.Int64("create_revision", rev),
	)

	return &EtcdLatch{
		client:   c.client,
		election: concurrency.NewElection(c.session, path),
		prefix:   path + "/",
		key:      key,
		id:       id,
	}, nil
}

// Observe lists the candidates of path without registering one.
func (c *EtcdClient) Observe(ctx context.Context, path string) (coordination.LeaderView, error) {
	candidates, err := listCandidates(ctx, c.client, path+"/")
	if err != nil {
		return coordination.LeaderView{}, err
	}
	view := coordination.LeaderView{Candidates: candidates}
	if len(candidates) > 0 {
		view.LeaderID = candidates[0]
		view.Known = true
	}
	return view, nil
}

func listCandidates(ctx context.Context, client *clientv3.Client, prefix string) ([]string, error) {
	resp, err := client.Get(ctx, prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByCreateRevision, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	candidates := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if !isCandidate(prefix, kv) {
			continue
		}
		candidates = append(candidates, string(kv.Value))
	}
	return candidates, nil
}

// isCandidate reports whether kv is a candidate key of prefix: lease-bound and
// directly under it. Path markers carry no lease; deeper keys belong to
// nested election paths.
func isCandidate(prefix string, kv *mvccpb.KeyValue) bool {
	if kv.Lease == 0 {
		return false
	}
	key := string(kv.Key)
	rest := strings.TrimPrefix(key, prefix)
	return rest != "" && rest != key && !strings.Contains(rest, "/")
}

// pathSegments turns "/a/b/c" into ["/a", "/a/b", "/a/b/c"].
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

type tokenCredential struct {
	token string
}

func (t tokenCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{rpctypes.TokenFieldNameGRPC: t.token}, nil
}

func (t tokenCredential) RequireTransportSecurity() bool {
	return false
}
