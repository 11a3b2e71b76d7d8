// Package memory is an in-process coordination service.
//
// A Store plays the role of the ensemble; each Client is one session on it.
// Closing a client drops its candidates the way an expired session would.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"seednode/pkg/coordination"
)

type candidate struct {
	seq     int64
	id      string
	session *Client
}

// Store is the shared state every Client of one simulated ensemble sees.
type Store struct {
	mu         sync.Mutex
	paths      map[string]struct{}
	candidates map[string][]*candidate
	seq        int64
}

func NewStore() *Store {
	return &Store{
		paths:      make(map[string]struct{}),
		candidates: make(map[string][]*candidate),
	}
}

// Client is a session on a Store.
type Client struct {
	store *Store

	mu     sync.Mutex
	closed bool
}

// Connect opens a new session.
func (s *Store) Connect() *Client {
	return &Client{store: s}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) EnsurePath(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return coordination.ErrClosed
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	clean := strings.TrimRight(path, "/")
	if _, ok := s.paths[clean]; ok {
		return coordination.ErrNodeExists
	}
	for i := 1; i < len(clean); i++ {
		if clean[i] == '/' {
			s.paths[clean[:i]] = struct{}{}
		}
	}
	s.paths[clean] = struct{}{}
	return nil
}

func (c *Client) StartCandidate(ctx context.Context, path, id string) (coordination.Latch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.isClosed() {
		return nil, coordination.ErrClosed
	}

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	cand := &candidate{seq: s.seq, id: id, session: c}
	s.candidates[path] = append(s.candidates[path], cand)

	return &Latch{store: s, path: path, cand: cand}, nil
}

// Close expires the session and every candidate it registered.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return coordination.ErrClosed
	}
	c.closed = true
	c.mu.Unlock()

	s := c.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for path, list := range s.candidates {
		kept := list[:0]
		for _, cand := range list {
			if cand.session != c {
				kept = append(kept, cand)
			}
		}
		s.candidates[path] = kept
	}
	return nil
}

func (c *Client) Observe(ctx context.Context, path string) (coordination.LeaderView, error) {
	if err := ctx.Err(); err != nil {
		return coordination.LeaderView{}, err
	}
	ids := c.store.ids(path)
	view := coordination.LeaderView{Candidates: ids}
	if len(ids) > 0 {
		view.LeaderID = ids[0]
		view.Known = true
	}
	return view, nil
}

// Exists reports whether path was created.
func (s *Store) Exists(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.paths[strings.TrimRight(path, "/")]
	return ok
}

func (s *Store) ids(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]*candidate(nil), s.candidates[path]...)
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	ids := make([]string, 0, len(list))
	for _, cand := range list {
		ids = append(ids, cand.id)
	}
	return ids
}

// Latch is a candidate registered on a Store.
type Latch struct {
	store *Store
	path  string
	cand  *candidate

	mu       sync.Mutex
	released bool
}

func (l *Latch) ID() string {
	return l.cand.id
}

func (l *Latch) Leader(ctx context.Context) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	ids := l.store.ids(l.path)
	if len(ids) == 0 {
		return "", false, nil
	}
	return ids[0], true, nil
}

func (l *Latch) Candidates(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.store.ids(l.path), nil
}

func (l *Latch) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return coordination.ErrClosed
	}
	l.released = true

	s := l.store
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.candidates[l.path]
	for i, cand := range list {
		if cand == l.cand {
			s.candidates[l.path] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}
