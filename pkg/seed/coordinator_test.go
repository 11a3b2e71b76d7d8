package seed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seednode/pkg/coordination"
	"seednode/pkg/coordination/memory"
	"seednode/pkg/membership"
	"seednode/pkg/resilience"
)

const testPath = "/seednode/orders"

type recordingMembership struct {
	mu       sync.Mutex
	self     membership.Address
	founded  []membership.Address
	seedSets [][]membership.Address
}

func (m *recordingMembership) SelfAddress() membership.Address {
	return m.self
}

func (m *recordingMembership) BecomeFoundingMember(self membership.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.founded = append(m.founded, self)
}

func (m *recordingMembership) JoinSeeds(seeds []membership.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seedSets = append(m.seedSets, append([]membership.Address(nil), seeds...))
}

func (m *recordingMembership) calls() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.founded), len(m.seedSets)
}

// leaderAnswer is one scripted response of scriptedLatch.Leader.
type leaderAnswer struct {
	id    string
	known bool
	err   error
}

type scriptedLatch struct {
	id         string
	candidates []string

	mu      sync.Mutex
	answers []leaderAnswer
	queries int
	closes  int
}

func (l *scriptedLatch) ID() string { return l.id }

func (l *scriptedLatch) Leader(ctx context.Context) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queries++
	if len(l.answers) == 0 {
		return "", false, nil
	}
	a := l.answers[0]
	if len(l.answers) > 1 {
		l.answers = l.answers[1:]
	}
	return a.id, a.known, a.err
}

func (l *scriptedLatch) Candidates(ctx context.Context) ([]string, error) {
	return l.candidates, nil
}

func (l *scriptedLatch) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	if l.closes > 1 {
		return coordination.ErrClosed
	}
	return nil
}

func (l *scriptedLatch) queryCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.queries
}

type scriptedClient struct {
	latch      *scriptedLatch
	ensureErr  error
	startErr   error
	closeErr   error
	mu         sync.Mutex
	closeCalls int
	started    int
}

func (c *scriptedClient) EnsurePath(ctx context.Context, path string) error {
	return c.ensureErr
}

func (c *scriptedClient) StartCandidate(ctx context.Context, path, id string) (coordination.Latch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return nil, c.startErr
	}
	c.started++
	c.latch.id = id
	return c.latch, nil
}

func (c *scriptedClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return c.closeErr
}

// blockingLatch parks the first Leader call until release is closed.
type blockingLatch struct {
	leader     string
	candidates []string
	entered    chan struct{}
	release    chan struct{}
}

func newBlockingLatch(leader string, candidates ...string) *blockingLatch {
	return &blockingLatch{
		leader:     leader,
		candidates: candidates,
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
}

func (l *blockingLatch) ID() string { return "" }

func (l *blockingLatch) Leader(ctx context.Context) (string, bool, error) {
	select {
	case l.entered <- struct{}{}:
	default:
	}
	<-l.release
	return l.leader, true, nil
}

func (l *blockingLatch) Candidates(ctx context.Context) ([]string, error) {
	return l.candidates, nil
}

func (l *blockingLatch) Close(ctx context.Context) error { return nil }

type latchClient struct {
	latch coordination.Latch
}

func (c *latchClient) EnsurePath(ctx context.Context, path string) error { return nil }

func (c *latchClient) StartCandidate(ctx context.Context, path, id string) (coordination.Latch, error) {
	return c.latch, nil
}

func (c *latchClient) Close() error { return nil }

func newTestCoordinator(t *testing.T, client coordination.Client, m membership.Membership, host string, clk clockwork.Clock) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(Options{
		Client:     client,
		Membership: m,
		Identity:   NodeIdentity{Host: host, Port: 7946},
		Path:       testPath,
		Clock:      clk,
	})
	require.NoError(t, err)
	return c
}

// joinAsync runs Join in the background and returns its result channel.
func joinAsync(ctx context.Context, c *Coordinator) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Join(ctx) }()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Join did not return")
		return nil
	}
}

func TestNewCoordinator_Validation(t *testing.T) {
	m := &recordingMembership{}
	client := memory.NewStore().Connect()

	_, err := NewCoordinator(Options{Membership: m, Path: testPath, Identity: NodeIdentity{Host: "h1", Port: 1}})
	assert.Error(t, err)

	_, err = NewCoordinator(Options{Client: client, Path: testPath, Identity: NodeIdentity{Host: "h1", Port: 1}})
	assert.Error(t, err)

	_, err = NewCoordinator(Options{Client: client, Membership: m, Identity: NodeIdentity{Host: "h1", Port: 1}})
	assert.Error(t, err)

	_, err = NewCoordinator(Options{Client: client, Membership: m, Path: testPath, Identity: NodeIdentity{Host: "h1"}})
	assert.Error(t, err)
}

func TestJoin_SingleCandidateSelfSeeds(t *testing.T) {
	store := memory.NewStore()
	m := &recordingMembership{}
	c := newTestCoordinator(t, store.Connect(), m, "h1", clockwork.NewFakeClock())

	require.NoError(t, c.Join(context.Background()))

	assert.Equal(t, StateSelfSeeded, c.State())
	assert.True(t, store.Exists(testPath))
	require.Len(t, m.founded, 1)
	assert.Equal(t, membership.Address{Host: "h1", Port: 7946}, m.founded[0])
	assert.Empty(t, m.seedSets)
}

func TestJoin_ThreeNodesShareOneCluster(t *testing.T) {
	store := memory.NewStore()
	clk := clockwork.NewFakeClock()
	ctx := context.Background()

	m1, m2, m3 := &recordingMembership{}, &recordingMembership{}, &recordingMembership{}
	c1 := newTestCoordinator(t, store.Connect(), m1, "h1", clk)
	c2 := newTestCoordinator(t, store.Connect(), m2, "h2", clk)
	c3 := newTestCoordinator(t, store.Connect(), m3, "h3", clk)

	require.NoError(t, c1.Join(ctx))
	require.NoError(t, c2.Join(ctx))
	require.NoError(t, c3.Join(ctx))

	assert.Equal(t, StateSelfSeeded, c1.State())
	assert.Equal(t, StateJoinedViaSeeds, c2.State())
	assert.Equal(t, StateJoinedViaSeeds, c3.State())

	h1 := membership.Address{Host: "h1", Port: 7946}
	h2 := membership.Address{Host: "h2", Port: 7946}

	require.Len(t, m1.founded, 1)
	assert.Empty(t, m1.seedSets)

	require.Len(t, m2.seedSets, 1)
	assert.Equal(t, []membership.Address{h1}, m2.seedSets[0])

	require.Len(t, m3.seedSets, 1)
	assert.ElementsMatch(t, []membership.Address{h1, h2}, m3.seedSets[0])
	assert.NotContains(t, m3.seedSets[0], membership.Address{Host: "h3", Port: 7946})

	view, err := c3.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, "h1:7946", view.LeaderID)
	assert.False(t, view.IsLeader)
	assert.Equal(t, []string{"h1:7946", "h2:7946", "h3:7946"}, view.Candidates)
}

func TestTryJoin_AllRegisteredBeforeDeciding(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	hosts := []string{"h1", "h2", "h3"}
	coords := make([]*Coordinator, len(hosts))
	members := make([]*recordingMembership, len(hosts))
	for i, host := range hosts {
		members[i] = &recordingMembership{}
		c, err := NewCoordinator(Options{
			Client:     store.Connect(),
			Membership: members[i],
			Identity:   NodeIdentity{Host: host, Port: 2551},
			Path:       testPath,
			Clock:      clockwork.NewFakeClock(),
		})
		require.NoError(t, err)
		require.NoError(t, c.ensurePath(ctx))
		require.NoError(t, c.startCandidate(ctx))
		coords[i] = c
	}

	for _, c := range coords {
		joined, err := c.TryJoin(ctx)
		require.NoError(t, err)
		assert.True(t, joined)
	}

	h1 := membership.Address{Host: "h1", Port: 2551}
	h2 := membership.Address{Host: "h2", Port: 2551}
	h3 := membership.Address{Host: "h3", Port: 2551}

	assert.Equal(t, StateSelfSeeded, coords[0].State())
	assert.Equal(t, []membership.Address{h1}, members[0].founded)
	assert.Empty(t, members[0].seedSets)

	assert.Equal(t, StateJoinedViaSeeds, coords[1].State())
	require.Len(t, members[1].seedSets, 1)
	assert.ElementsMatch(t, []membership.Address{h1, h3}, members[1].seedSets[0])

	assert.Equal(t, StateJoinedViaSeeds, coords[2].State())
	require.Len(t, members[2].seedSets, 1)
	assert.ElementsMatch(t, []membership.Address{h1, h2}, members[2].seedSets[0])
}

func TestJoin_ConcurrentPathCreationIsSwallowed(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		c := newTestCoordinator(t, store.Connect(), &recordingMembership{}, string(rune('a'+i)), clockwork.NewFakeClock())
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.Join(ctx)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.True(t, store.Exists(testPath))
}

func TestJoin_EnsurePathFailureIsFatal(t *testing.T) {
	boom := errors.New("permission denied")
	client := &scriptedClient{latch: &scriptedLatch{}, ensureErr: boom}
	m := &recordingMembership{}
	c := newTestCoordinator(t, client, m, "h1", clockwork.NewFakeClock())

	err := c.Join(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, client.started)
}

func TestJoin_StartCandidateFailureIsFatal(t *testing.T) {
	boom := errors.New("lease grant failed")
	client := &scriptedClient{latch: &scriptedLatch{}, startErr: boom}
	c := newTestCoordinator(t, client, &recordingMembership{}, "h1", clockwork.NewFakeClock())

	assert.ErrorIs(t, c.Join(context.Background()), boom)
}

func TestJoin_RetriesUntilLeaderKnown(t *testing.T) {
	latch := &scriptedLatch{
		candidates: []string{"h1:7946"},
		answers: []leaderAnswer{
			{known: false},
			{known: false},
			{id: "h1:7946", known: true},
		},
	}
	client := &scriptedClient{latch: latch, ensureErr: coordination.ErrNodeExists}
	m := &recordingMembership{}
	clk := clockwork.NewFakeClock()
	c := newTestCoordinator(t, client, m, "h1", clk)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := joinAsync(ctx, c)

	for i := 0; i < 2; i++ {
		require.NoError(t, clk.BlockUntilContext(ctx, 1))
		founded, joined := m.calls()
		assert.Zero(t, founded)
		assert.Zero(t, joined)
		clk.Advance(time.Second)
	}

	require.NoError(t, waitResult(t, done))
	assert.Equal(t, 3, latch.queryCount())
	assert.Equal(t, StateSelfSeeded, c.State())
}

func TestJoin_TransientFailuresAreRetried(t *testing.T) {
	latch := &scriptedLatch{
		candidates: []string{"h1:7946", "h2:7946"},
		answers: []leaderAnswer{
			{err: errors.New("connection refused")},
			{id: "h1:7946", known: true},
		},
	}
	client := &scriptedClient{latch: latch}
	m := &recordingMembership{}
	clk := clockwork.NewFakeClock()
	c := newTestCoordinator(t, client, m, "h2", clk)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := joinAsync(ctx, c)

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(time.Second)

	require.NoError(t, waitResult(t, done))
	require.Len(t, m.seedSets, 1)
	assert.Equal(t, []membership.Address{{Host: "h1", Port: 7946}}, m.seedSets[0])
}

func TestJoin_BoundedPolicyExhausts(t *testing.T) {
	latch := &scriptedLatch{answers: []leaderAnswer{{known: false}}}
	client := &scriptedClient{latch: latch}
	clk := clockwork.NewFakeClock()
	c, err := NewCoordinator(Options{
		Client:     client,
		Membership: &recordingMembership{},
		Identity:   NodeIdentity{Host: "h1", Port: 7946},
		Path:       testPath,
		Retry:      RetryPolicy{Interval: time.Second, Multiplier: 1, MaxAttempts: 2},
		Clock:      clk,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := joinAsync(ctx, c)

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(time.Second)

	assert.ErrorIs(t, waitResult(t, done), ErrRetriesExhausted)
	assert.Equal(t, 2, latch.queryCount())
}

func TestJoin_ContextCancelledWhileWaiting(t *testing.T) {
	client := &scriptedClient{latch: &scriptedLatch{}}
	clk := clockwork.NewFakeClock()
	c := newTestCoordinator(t, client, &recordingMembership{}, "h1", clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := joinAsync(ctx, c)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, clk.BlockUntilContext(waitCtx, 1))
	cancel()

	assert.ErrorIs(t, waitResult(t, done), context.Canceled)
}

func TestClose_StopsInFlightJoin(t *testing.T) {
	latch := &scriptedLatch{}
	client := &scriptedClient{latch: latch}
	clk := clockwork.NewFakeClock()
	m := &recordingMembership{}
	c := newTestCoordinator(t, client, m, "h1", clk)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := joinAsync(ctx, c)

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	require.NoError(t, c.Close(ctx))

	assert.ErrorIs(t, waitResult(t, done), ErrClosed)
	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 1, latch.closes)
	assert.Equal(t, 1, client.closeCalls)

	founded, joined := m.calls()
	assert.Zero(t, founded)
	assert.Zero(t, joined)
}

func TestClose_DuringLeaderQuerySkipsHandoff(t *testing.T) {
	tests := map[string]*blockingLatch{
		"would found":  newBlockingLatch("h1:7946"),
		"would follow": newBlockingLatch("h2:7946", "h2:7946", "h1:7946"),
	}
	for name, latch := range tests {
		t.Run(name, func(t *testing.T) {
			m := &recordingMembership{}
			c := newTestCoordinator(t, &latchClient{latch: latch}, m, "h1", clockwork.NewFakeClock())

			done := joinAsync(context.Background(), c)
			select {
			case <-latch.entered:
			case <-time.After(5 * time.Second):
				t.Fatal("leader query never started")
			}

			require.NoError(t, c.Close(context.Background()))
			close(latch.release)

			assert.ErrorIs(t, waitResult(t, done), ErrClosed)
			founded, seeded := m.calls()
			assert.Zero(t, founded)
			assert.Zero(t, seeded)
			assert.Equal(t, StateClosed, c.State())
		})
	}
}

func TestTryJoin_AfterCloseReturnsErrClosed(t *testing.T) {
	latch := &scriptedLatch{answers: []leaderAnswer{{id: "h1:7946", known: true}}}
	m := &recordingMembership{}
	c := newTestCoordinator(t, &scriptedClient{latch: latch}, m, "h1", clockwork.NewFakeClock())
	require.NoError(t, c.startCandidate(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	joined, err := c.TryJoin(context.Background())
	assert.False(t, joined)
	assert.ErrorIs(t, err, ErrClosed)

	founded, _ := m.calls()
	assert.Zero(t, founded)
}

func TestClose_ReleasesCandidate(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	c1 := newTestCoordinator(t, store.Connect(), &recordingMembership{}, "h1", clockwork.NewFakeClock())
	c2 := newTestCoordinator(t, store.Connect(), &recordingMembership{}, "h2", clockwork.NewFakeClock())

	require.NoError(t, c1.Join(ctx))
	require.NoError(t, c2.Join(ctx))
	require.NoError(t, c1.Close(ctx))

	view, err := c2.View(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"h2:7946"}, view.Candidates)
	assert.True(t, view.IsLeader)
}

func TestClose_IsIdempotent(t *testing.T) {
	client := &scriptedClient{latch: &scriptedLatch{}}
	c := newTestCoordinator(t, client, &recordingMembership{}, "h1", clockwork.NewFakeClock())

	assert.NoError(t, c.Close(context.Background()))
	assert.NoError(t, c.Close(context.Background()))
	assert.Equal(t, 1, client.closeCalls)

	assert.ErrorIs(t, c.Join(context.Background()), ErrClosed)
}

func TestClose_SuppressesTeardownErrors(t *testing.T) {
	latch := &scriptedLatch{candidates: []string{"h1:7946"}, answers: []leaderAnswer{{id: "h1:7946", known: true}}}
	client := &scriptedClient{latch: latch, closeErr: errors.New("already closed")}
	c := newTestCoordinator(t, client, &recordingMembership{}, "h1", clockwork.NewFakeClock())

	require.NoError(t, c.Join(context.Background()))
	require.NoError(t, latch.Close(context.Background()))

	assert.NoError(t, c.Close(context.Background()))
}

func TestTryJoin_NotRegistered(t *testing.T) {
	c := newTestCoordinator(t, memory.NewStore().Connect(), &recordingMembership{}, "h1", clockwork.NewFakeClock())

	joined, err := c.TryJoin(context.Background())
	assert.False(t, joined)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestTryJoin_FallsBackToLeaderAsSeed(t *testing.T) {
	// Leader reported but already gone from the candidate list.
	latch := &scriptedLatch{
		candidates: []string{"h2:7946"},
		answers:    []leaderAnswer{{id: "h1:7946", known: true}},
	}
	m := &recordingMembership{}
	c := newTestCoordinator(t, &scriptedClient{latch: latch}, m, "h2", clockwork.NewFakeClock())
	require.NoError(t, c.startCandidate(context.Background()))

	joined, err := c.TryJoin(context.Background())
	require.NoError(t, err)
	assert.True(t, joined)
	require.Len(t, m.seedSets, 1)
	assert.Equal(t, []membership.Address{{Host: "h1", Port: 7946}}, m.seedSets[0])
}

func TestTryJoin_SkipsUnparsableCandidates(t *testing.T) {
	latch := &scriptedLatch{
		candidates: []string{"h1:7946", "garbage", "h3:7946"},
		answers:    []leaderAnswer{{id: "h1:7946", known: true}},
	}
	m := &recordingMembership{}
	c := newTestCoordinator(t, &scriptedClient{latch: latch}, m, "h3", clockwork.NewFakeClock())
	require.NoError(t, c.startCandidate(context.Background()))

	joined, err := c.TryJoin(context.Background())
	require.NoError(t, err)
	assert.True(t, joined)
	assert.Equal(t, []membership.Address{{Host: "h1", Port: 7946}}, m.seedSets[0])
}

func TestTryJoin_TransientErrorIsWrapped(t *testing.T) {
	boom := errors.New("etcdserver: request timed out")
	latch := &scriptedLatch{answers: []leaderAnswer{{err: boom}}}
	m := &recordingMembership{}
	c := newTestCoordinator(t, &scriptedClient{latch: latch}, m, "h1", clockwork.NewFakeClock())
	require.NoError(t, c.startCandidate(context.Background()))

	joined, err := c.TryJoin(context.Background())
	assert.False(t, joined)
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, boom)

	founded, seeded := m.calls()
	assert.Zero(t, founded)
	assert.Zero(t, seeded)
}

func TestTryJoin_OpenBreakerIsTransient(t *testing.T) {
	latch := &scriptedLatch{answers: []leaderAnswer{{err: errors.New("connection refused")}}}
	client := &scriptedClient{latch: latch}
	clk := clockwork.NewFakeClock()
	breaker := resilience.NewCircuitBreaker("coordination", resilience.CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		MaxRequests:      1,
		Clock:            clk,
	})
	c, err := NewCoordinator(Options{
		Client:     client,
		Membership: &recordingMembership{},
		Identity:   NodeIdentity{Host: "h1", Port: 7946},
		Path:       testPath,
		Breaker:    breaker,
		Clock:      clk,
	})
	require.NoError(t, err)
	require.NoError(t, c.startCandidate(context.Background()))

	_, err = c.TryJoin(context.Background())
	require.ErrorIs(t, err, ErrTransient)

	_, err = c.TryJoin(context.Background())
	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 1, latch.queryCount())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "joined_via_seeds", StateJoinedViaSeeds.String())
	assert.True(t, StateSelfSeeded.Joined())
	assert.False(t, StateClosed.Joined())
}
