package coordination

import (
	"context"
	"errors"
)

var (
	// ErrNodeExists is returned by EnsurePath when another process created the path first.
	ErrNodeExists = errors.New("node already exists")
	// ErrNotStarted is returned when releasing a latch that never registered.
	ErrNotStarted = errors.New("latch not started")
	// ErrClosed is returned when the client or latch was already torn down.
	ErrClosed = errors.New("coordination client closed")
)

// Client is a session-based connection to the coordination service.
type Client interface {
	// EnsurePath creates the path (and any parents) if missing.
	// It returns ErrNodeExists when the path is already present.
	EnsurePath(ctx context.Context, path string) error

	// StartCandidate registers id as an ephemeral leadership candidate under path.
	// It does not wait for leadership.
	StartCandidate(ctx context.Context, path, id string) (Latch, error)

	// Close terminates the session. Ephemeral candidates owned by it disappear.
	Close() error
}

// Latch is one registered candidacy under an election path.
type Latch interface {
	// ID returns the candidate id this latch registered.
	ID() string

	// Leader returns the id of the current leader.
	// known is false while no stable leader can be determined.
	Leader(ctx context.Context) (id string, known bool, err error)

	// Candidates returns every live candidate id, lowest sequence first.
	Candidates(ctx context.Context) ([]string, error)

	// Close withdraws the candidacy.
	Close(ctx context.Context) error
}

// Observer reads the election state of a path without registering a candidate.
type Observer interface {
	Observe(ctx context.Context, path string) (LeaderView, error)
}

// LeaderView is a point-in-time snapshot of an election path.
type LeaderView struct {
	LeaderID   string   `json:"leader_id"`
	Known      bool     `json:"known"`
	IsLeader   bool     `json:"is_leader"`
	Candidates []string `json:"candidates"`
}

// View queries latch for a fresh LeaderView.
func View(ctx context.Context, latch Latch) (LeaderView, error) {
	id, known, err := latch.Leader(ctx)
	if err != nil {
		return LeaderView{}, err
	}
	candidates, err := latch.Candidates(ctx)
	if err != nil {
		return LeaderView{}, err
	}
	return LeaderView{
		LeaderID:   id,
		Known:      known,
		IsLeader:   known && id == latch.ID(),
		Candidates: candidates,
	}, nil
}
