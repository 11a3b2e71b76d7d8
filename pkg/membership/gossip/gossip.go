package gossip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"seednode/pkg/membership"
)

// ErrShutdown is returned when the memberlist would be started after Shutdown.
var ErrShutdown = errors.New("gossip already shut down")

// Config holds memberlist settings.
type Config struct {
	NodeName string
	BindHost string
	BindPort int
	// Advertise is the externally routable address; defaults to the bind address.
	Advertise membership.Address
	// JoinMaxInterval caps the delay between join attempts.
	JoinMaxInterval time.Duration
	Logger          *zap.Logger
}

// Gossip implements membership.Membership with hashicorp/memberlist.
type Gossip struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	list    *memberlist.Memberlist
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Gossip {
	if cfg.JoinMaxInterval == 0 {
		cfg.JoinMaxInterval = 30 * time.Second
	}
	if cfg.Advertise.Host == "" {
		cfg.Advertise = membership.Address{Host: cfg.BindHost, Port: cfg.BindPort}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gossip{
		cfg:    cfg,
		logger: logger.Named("gossip"),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (g *Gossip) SelfAddress() membership.Address {
	return membership.Address{Host: g.cfg.BindHost, Port: g.cfg.BindPort}
}

// SetAdvertise replaces the advertised address before the memberlist starts.
func (g *Gossip) SetAdvertise(addr membership.Address) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.Advertise = addr
}

func (g *Gossip) BecomeFoundingMember(self membership.Address) {
	g.SetAdvertise(self)
	if _, err := g.start(); err != nil {
		g.logger.Error("failed to found cluster", zap.String("self", self.String()), zap.Error(err))
		return
	}
	g.logger.Info("founded cluster", zap.String("self", self.String()))
}

func (g *Gossip) JoinSeeds(seeds []membership.Address) {
	list, err := g.start()
	if err != nil {
		g.logger.Error("failed to start memberlist", zap.Error(err))
		return
	}

	addrs := make([]string, 0, len(seeds))
	for _, s := range seeds {
		addrs = append(addrs, s.String())
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		b := backoff.NewExponentialBackOff()
		b.MaxInterval = g.cfg.JoinMaxInterval
		b.MaxElapsedTime = 0 // keep trying until Shutdown

		op := func() error {
			n, err := list.Join(addrs)
			if err != nil {
				g.logger.Warn("join attempt failed", zap.Strings("seeds", addrs), zap.Error(err))
				return err
			}
			g.logger.Info("joined cluster", zap.Strings("seeds", addrs), zap.Int("contacted", n))
			return nil
		}
		_ = backoff.Retry(op, backoff.WithContext(b, g.ctx))
	}()
}

func (g *Gossip) start() (*memberlist.Memberlist, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return nil, ErrShutdown
	}
	if g.list != nil {
		return g.list, nil
	}

	conf := memberlist.DefaultLANConfig()
	if g.cfg.NodeName != "" {
		conf.Name = g.cfg.NodeName
	}
	conf.BindAddr = g.cfg.BindHost
	conf.BindPort = g.cfg.BindPort
	conf.AdvertiseAddr = g.cfg.Advertise.Host
	conf.AdvertisePort = g.cfg.Advertise.Port
	conf.Logger = zap.NewStdLog(g.logger.Named("memberlist"))

	list, err := memberlist.Create(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.list = list
	return list, nil
}

// LocalAddress returns the address memberlist actually bound, or false before start.
func (g *Gossip) LocalAddress() (membership.Address, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.list == nil {
		return membership.Address{}, false
	}
	node := g.list.LocalNode()
	return membership.Address{Host: node.Addr.String(), Port: int(node.Port)}, true
}

func (g *Gossip) Members() []membership.Member {
	g.mu.Lock()
	list := g.list
	g.mu.Unlock()
	if list == nil {
		return nil
	}

	nodes := list.Members()
	out := make([]membership.Member, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, membership.Member{
			Name:    n.Name,
			Address: n.Address(),
			State:   stateName(n.State),
		})
	}
	return out
}

// Shutdown leaves the cluster and stops background joins.
func (g *Gossip) Shutdown(timeout time.Duration) error {
	g.cancel()
	g.wg.Wait()

	g.mu.Lock()
	list := g.list
	g.list = nil
	g.stopped = true
	g.mu.Unlock()
	if list == nil {
		return nil
	}
	if err := list.Leave(timeout); err != nil {
		g.logger.Warn("leave failed", zap.Error(err))
	}
	return list.Shutdown()
}

func stateName(s memberlist.NodeStateType) string {
	switch s {
	case memberlist.StateAlive:
		return "alive"
	case memberlist.StateSuspect:
		return "suspect"
	case memberlist.StateDead:
		return "dead"
	case memberlist.StateLeft:
		return "left"
	default:
		return strconv.Itoa(int(s))
	}
}
