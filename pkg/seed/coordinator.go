// Package seed decides how this process enters the cluster.
//
// A Coordinator registers the process as a leadership candidate under an
// election path, polls until the coordination service reports a leader, and
// then either founds the cluster (it is the leader) or joins it using every
// other candidate as a seed. The leader is always whatever the coordination
// service reports; nothing is cached between polls.
package seed

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"seednode/pkg/coordination"
	"seednode/pkg/membership"
	"seednode/pkg/metrics"
	"seednode/pkg/resilience"
)

// State is the position of a Coordinator in the join protocol.
type State int

const (
	StateCreated State = iota
	StatePathEnsured
	StateLatchStarted
	StatePolling
	StateSelfSeeded
	StateJoinedViaSeeds
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePathEnsured:
		return "path_ensured"
	case StateLatchStarted:
		return "latch_started"
	case StatePolling:
		return "polling"
	case StateSelfSeeded:
		return "self_seeded"
	case StateJoinedViaSeeds:
		return "joined_via_seeds"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Joined reports whether s is one of the terminal success states.
func (s State) Joined() bool {
	return s == StateSelfSeeded || s == StateJoinedViaSeeds
}

// Options wires a Coordinator to its collaborators.
type Options struct {
	Client     coordination.Client
	Membership membership.Membership
	Identity   NodeIdentity
	Path       string
	Retry      RetryPolicy

	// Breaker, when set, guards every coordination round trip.
	Breaker *resilience.CircuitBreaker
	Clock   clockwork.Clock
	Logger  *zap.Logger
	Tracer  trace.Tracer
}

// Coordinator runs the seed-discovery and join protocol for one election path.
// It owns the coordination client and the latch it registers.
type Coordinator struct {
	client     coordination.Client
	membership membership.Membership
	identity   NodeIdentity
	path       string
	retry      RetryPolicy
	breaker    *resilience.CircuitBreaker
	clock      clockwork.Clock
	logger     *zap.Logger
	tracer     trace.Tracer

	mu     sync.Mutex
	state  State
	latch  coordination.Latch
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Client == nil {
		return nil, errors.New("coordination client is required")
	}
	if opts.Membership == nil {
		return nil, errors.New("membership is required")
	}
	if opts.Path == "" {
		return nil, errors.New("election path is required")
	}
	if opts.Identity.Host == "" || opts.Identity.Port == 0 {
		return nil, fmt.Errorf("node identity %q is incomplete", opts.Identity)
	}
	if opts.Retry.Interval <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("seednode/seed")
	}

	c := &Coordinator{
		client:     opts.Client,
		membership: opts.Membership,
		identity:   opts.Identity,
		path:       opts.Path,
		retry:      opts.Retry,
		breaker:    opts.Breaker,
		clock:      opts.Clock,
		logger: opts.Logger.Named("seed").With(
			zap.String("path", opts.Path),
			zap.String("candidate", opts.Identity.String()),
		),
		tracer: opts.Tracer,
		done:   make(chan struct{}),
	}
	c.setState(StateCreated)
	return c, nil
}

func (c *Coordinator) Identity() NodeIdentity {
	return c.identity
}

func (c *Coordinator) Path() string {
	return c.path
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	metrics.CoordinatorState.WithLabelValues(c.path).Set(float64(s))
}

// Join blocks until this process has either founded the cluster or joined it.
//
// Transient coordination failures and "no leader yet" are retried after the
// retry policy's wait, indefinitely under the default policy. Join returns
// early only when ctx ends, Close is called, or a bounded policy runs out.
func (c *Coordinator) Join(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.State().Joined() {
		return nil
	}

	if err := c.ensurePath(ctx); err != nil {
		return c.closedOr(err)
	}
	if err := c.startCandidate(ctx); err != nil {
		return c.closedOr(err)
	}

	c.setState(StatePolling)
	b := c.retry.NewBackOff()
	for attempt := 1; ; attempt++ {
		joined, err := c.TryJoin(ctx)
		if joined {
			return nil
		}

		select {
		case <-c.done:
			return ErrClosed
		default:
		}

		if err != nil {
			c.logger.Warn("join attempt failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		} else {
			c.logger.Warn("no leader elected yet, retrying", zap.Int("attempt", attempt))
		}

		if c.retry.MaxAttempts > 0 && attempt >= c.retry.MaxAttempts {
			return fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempt)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrClosed
		case <-c.clock.After(b.NextBackOff()):
		}
	}
}

func (c *Coordinator) ensurePath(ctx context.Context) error {
	err := c.client.EnsurePath(ctx, c.path)
	switch {
	case err == nil:
		c.logger.Debug("election path created")
	case errors.Is(err, coordination.ErrNodeExists):
		metrics.PathCreateRaces.Inc()
		c.logger.Info("election path already exists")
	default:
		return fmt.Errorf("failed to ensure election path %s: %w", c.path, err)
	}
	c.setState(StatePathEnsured)
	return nil
}

func (c *Coordinator) startCandidate(ctx context.Context) error {
	c.mu.Lock()
	registered := c.latch != nil
	c.mu.Unlock()
	if registered {
		return nil
	}

	latch, err := c.client.StartCandidate(ctx, c.path, c.identity.String())
	if err != nil {
		return fmt.Errorf("failed to register candidate: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.release(ctx, latch)
		return ErrClosed
	}
	c.latch = latch
	c.mu.Unlock()

	c.setState(StateLatchStarted)
	c.logger.Info("candidate registered")
	return nil
}

// TryJoin makes a single join decision against a fresh leader view.
// It returns false with a nil error when no leader is known yet, and false
// with an ErrTransient-wrapped error when a round trip failed. Once Close has
// run it never touches the membership layer and returns ErrClosed.
func (c *Coordinator) TryJoin(ctx context.Context) (bool, error) {
	latch := c.currentLatch()
	if latch == nil {
		return false, ErrNotRegistered
	}

	ctx, span := c.tracer.Start(ctx, "seed.TryJoin", trace.WithAttributes(
		attribute.String("seed.path", c.path),
		attribute.String("seed.candidate", c.identity.String()),
	))
	defer span.End()

	var (
		leader string
		known  bool
	)
	err := c.roundTrip(ctx, func() (err error) {
		leader, known, err = latch.Leader(ctx)
		return err
	})
	if err != nil {
		return false, c.transient(span, "leader query", err)
	}
	if !known {
		metrics.RecordAttempt("no_leader")
		span.SetAttributes(attribute.Bool("seed.leader_known", false))
		return false, nil
	}
	span.SetAttributes(attribute.String("seed.leader", leader))

	if leader == c.identity.String() {
		if !c.commit(StateSelfSeeded, func() { c.membership.BecomeFoundingMember(c.identity.Address()) }) {
			return false, ErrClosed
		}
		metrics.RecordAttempt("joined")
		metrics.RecordJoin("founding", 0)
		c.logger.Info("elected leader, founding cluster")
		return true, nil
	}

	var candidates []string
	err = c.roundTrip(ctx, func() (err error) {
		candidates, err = latch.Candidates(ctx)
		return err
	})
	if err != nil {
		return false, c.transient(span, "candidate list", err)
	}

	seeds := c.seedsFrom(candidates, leader)
	if len(seeds) == 0 {
		return false, c.transient(span, "seed list", fmt.Errorf("no parsable seed among %v", candidates))
	}

	if !c.commit(StateJoinedViaSeeds, func() { c.membership.JoinSeeds(seeds) }) {
		return false, ErrClosed
	}
	metrics.RecordAttempt("joined")
	metrics.RecordJoin("follower", len(seeds))
	span.SetAttributes(attribute.Int("seed.count", len(seeds)))
	c.logger.Info("joining cluster through seeds",
		zap.String("leader", leader),
		zap.Stringers("seeds", seeds),
	)
	return true, nil
}

// commit hands off to the membership layer and records state unless Close
// already ran. Close waits on c.mu, so it cannot slip in between.
func (c *Coordinator) commit(state State, handoff func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.logger.Info("closed during join attempt, skipping membership handoff")
		return false
	}
	handoff()
	c.state = state
	metrics.CoordinatorState.WithLabelValues(c.path).Set(float64(state))
	return true
}

// seedsFrom returns every candidate except self. When the list holds nothing
// else, the reported leader is used so the membership layer never gets an
// empty list.
func (c *Coordinator) seedsFrom(candidates []string, leader string) []membership.Address {
	self := c.identity.String()
	seeds := make([]membership.Address, 0, len(candidates))
	for _, id := range candidates {
		if id == self {
			continue
		}
		addr, err := membership.ParseAddress(id)
		if err != nil {
			c.logger.Warn("skipping unparsable candidate", zap.String("id", id), zap.Error(err))
			continue
		}
		seeds = append(seeds, addr)
	}
	if len(seeds) == 0 {
		if addr, err := membership.ParseAddress(leader); err == nil {
			seeds = append(seeds, addr)
		}
	}
	return seeds
}

func (c *Coordinator) roundTrip(ctx context.Context, fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Execute(ctx, fn)
}

func (c *Coordinator) transient(span trace.Span, step string, err error) error {
	metrics.RecordAttempt("error")
	span.RecordError(err)
	span.SetStatus(codes.Error, step)
	return fmt.Errorf("%w: %s: %w", ErrTransient, step, err)
}

func (c *Coordinator) currentLatch() coordination.Latch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latch
}

// closedOr reports ErrClosed instead of err when Close raced the call.
func (c *Coordinator) closedOr(err error) error {
	if c.isClosed() {
		return ErrClosed
	}
	return err
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// View returns a fresh leader view. Before registration it falls back to a
// read-only observation when the client supports it.
func (c *Coordinator) View(ctx context.Context) (coordination.LeaderView, error) {
	if latch := c.currentLatch(); latch != nil {
		return coordination.View(ctx, latch)
	}
	if obs, ok := c.client.(coordination.Observer); ok {
		return obs.Observe(ctx, c.path)
	}
	return coordination.LeaderView{}, ErrNotRegistered
}

// Close withdraws the candidacy and disconnects the coordination client.
// It is safe to call more than once, before Join, or while Join is running.
// Teardown errors are logged and never returned.
func (c *Coordinator) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		latch := c.latch
		c.mu.Unlock()
		c.setState(StateClosed)
		close(c.done)

		if latch != nil {
			c.release(ctx, latch)
		} else {
			c.logger.Debug("no candidate to release")
		}

		if err := c.client.Close(); err != nil {
			metrics.TeardownErrors.WithLabelValues("client").Inc()
			c.logger.Debug("coordination client close failed", zap.Error(err))
		}

		c.logger.Info("seed coordinator closed")
	})
	return nil
}

func (c *Coordinator) release(ctx context.Context, latch coordination.Latch) {
	if err := latch.Close(ctx); err != nil {
		metrics.TeardownErrors.WithLabelValues("latch").Inc()
		c.logger.Debug("candidate release failed", zap.Error(err))
	}
}
