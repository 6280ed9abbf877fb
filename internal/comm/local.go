package comm

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// localComm is a rank of an in-process group, or its view of a sub-group.
// Its methods must be called from a single goroutine, as a rank is
// single-threaded.
type localComm struct {
	hub    *hub
	group  string // hub path; empty for the whole group
	rank   int
	size   int
	seq    uint64
	subs   map[string]*localComm
	view   bool
	closed *atomic.Bool // shared by a rank and its views
}

// NewLocalGroup returns size communicators sharing one in-process hub.
// Communicator i has rank i.
func NewLocalGroup(size int) ([]Communicator, error) {
	if err := checkGroup(0, size); err != nil {
		return nil, err
	}
	h := newHub(size)
	group := make([]Communicator, size)
	for r := range group {
		group[r] = newLocalComm(h, r)
	}
	return group, nil
}

func newLocalComm(h *hub, rank int) *localComm {
	return &localComm{hub: h, rank: rank, size: h.size, closed: new(atomic.Bool)}
}

// RunLocal runs fn once per rank of a fresh in-process group, each on its own
// goroutine. The first rank to fail cancels the context seen by every other
// rank, so the whole group stops; its error is returned.
func RunLocal(ctx context.Context, size int, fn func(ctx context.Context, c Communicator) error) error {
	group, err := NewLocalGroup(size)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range group {
		g.Go(func() error {
			defer c.Close()
			if err := fn(gctx, c); err != nil {
				return fmt.Errorf("rank %d: %w", c.Rank(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.size }

func (c *localComm) next() slotKey {
	c.seq++
	return slotKey{group: c.group, seq: c.seq}
}

func (c *localComm) Bcast(ctx context.Context, buf []byte, root int) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := checkRoot(root, c.size); err != nil {
		return err
	}
	key := c.next()
	if c.rank == root {
		return c.hub.publish(key, c.size, root, bytes.Clone(buf))
	}
	data, err := c.hub.fetch(ctx, key, c.size, root)
	if err != nil {
		return err
	}
	if len(data) != len(buf) {
		return &SizeMismatchError{Expected: len(data), Actual: len(buf)}
	}
	copy(buf, data)
	return nil
}

func (c *localComm) Barrier(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.hub.arrive(ctx, c.next(), c.size)
}

func (c *localComm) Sub(first, size int) (Communicator, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkSub(c.rank, c.size, first, size); err != nil {
		return nil, err
	}
	path := subPath(c.group, first, size)
	if sub, ok := c.subs[path]; ok {
		return sub, nil
	}
	if c.subs == nil {
		c.subs = make(map[string]*localComm)
	}
	sub := &localComm{
		hub:    c.hub,
		group:  path,
		rank:   c.rank - first,
		size:   size,
		view:   true,
		closed: c.closed,
	}
	c.subs[path] = sub
	return sub, nil
}

func (c *localComm) Close() error {
	if !c.view {
		c.closed.Store(true)
	}
	return nil
}
