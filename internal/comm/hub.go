package comm

import (
	"context"
	"fmt"
	"sync"
)

type opKind uint8

const (
	opBcast opKind = iota + 1
	opBarrier
)

func (k opKind) String() string {
	switch k {
	case opBcast:
		return "bcast"
	case opBarrier:
		return "barrier"
	default:
		return "unknown"
	}
}

// slotKey names one collective step of one (sub-)group. The whole group has
// the empty path; sub-groups carry the path built by Sub.
type slotKey struct {
	group string
	seq   uint64
}

// slot is the rendezvous point of one collective step.
type slot struct {
	kind      opKind
	root      int
	size      int
	data      []byte
	published bool
	arrived   int
	ready     chan struct{} // closed once data is published or every rank has arrived
	released  int
}

// hub matches collectives from all ranks of a group by sequence number.
// Each rank touches a slot exactly once; the slot is dropped after the
// last rank of its (sub-)group has passed it.
type hub struct {
	size int

	mu    sync.Mutex
	slots map[slotKey]*slot
}

func newHub(size int) *hub {
	return &hub{size: size, slots: make(map[slotKey]*slot)}
}

func (h *hub) slot(key slotKey, kind opKind, root, size int) (*slot, error) {
	s, ok := h.slots[key]
	if !ok {
		s = &slot{kind: kind, root: root, size: size, ready: make(chan struct{})}
		h.slots[key] = s
		return s, nil
	}
	if s.kind != kind || s.root != root || s.size != size {
		return nil, fmt.Errorf("%w: step %d of group %q is %s(root=%d, size=%d), caller issued %s(root=%d, size=%d)",
			ErrCollectiveMismatch, key.seq, key.group, s.kind, s.root, s.size, kind, root, size)
	}
	return s, nil
}

// release must be called with h.mu held.
func (h *hub) release(key slotKey, s *slot) {
	s.released++
	if s.released == s.size {
		delete(h.slots, key)
	}
}

func (h *hub) publish(key slotKey, size, root int, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.slot(key, opBcast, root, size)
	if err != nil {
		return err
	}
	if s.published {
		return fmt.Errorf("%w: step %d of group %q published twice", ErrCollectiveMismatch, key.seq, key.group)
	}
	s.data = data
	s.published = true
	close(s.ready)
	h.release(key, s)
	return nil
}

func (h *hub) fetch(ctx context.Context, key slotKey, size, root int) ([]byte, error) {
	h.mu.Lock()
	s, err := h.slot(key, opBcast, root, size)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case <-s.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mu.Lock()
	data := s.data
	h.release(key, s)
	h.mu.Unlock()
	return data, nil
}

func (h *hub) arrive(ctx context.Context, key slotKey, size int) error {
	h.mu.Lock()
	s, err := h.slot(key, opBarrier, Root, size)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	s.arrived++
	if s.arrived == s.size {
		close(s.ready)
	}
	h.mu.Unlock()

	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	h.release(key, s)
	h.mu.Unlock()
	return nil
}
