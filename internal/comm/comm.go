// Package comm is the SPMD coordination layer: a fixed group of ranks with a
// root, blocking broadcasts and barriers.
//
// Every rank must issue the same collective operations in the same order.
// Collectives are matched by a per-rank sequence number; a rank that calls a
// different operation (or names a different root) at the same position gets
// ErrCollectiveMismatch. There are no retries: a failed collective leaves the
// group in an undefined state and callers are expected to stop.
//
// Sub carves a contiguous sub-group out of a group, in the manner of
// MPI_Comm_split. A sub-group has its own step sequence, so its members can
// run collectives among themselves while the rest of the group does not.
//
// Two implementations are provided. NewLocalGroup and RunLocal run ranks as
// goroutines in one process. Host and Join run ranks as separate processes
// that rendezvous through a gRPC coordinator hosted by rank 0.
package comm

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCollectiveMismatch indicates ranks issued different collectives at the same step.
	ErrCollectiveMismatch = errors.New("comm: collective mismatch")

	// ErrInvalidRoot is returned when the root rank is outside the group.
	ErrInvalidRoot = errors.New("comm: invalid root rank")

	// ErrClosed is returned by operations on a closed communicator.
	ErrClosed = errors.New("comm: communicator closed")

	// ErrRootAborted is returned on non-root ranks when the root gave up on a
	// broadcast instead of sending its payload.
	ErrRootAborted = errors.New("comm: root aborted the broadcast")
)

// SizeMismatchError is returned when a receive buffer does not match the
// length of the root's buffer.
type SizeMismatchError struct {
	Expected int
	Actual   int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("comm: broadcast size mismatch: root sent %d, receiver holds %d", e.Expected, e.Actual)
}

// Communicator is one rank's handle on its process group.
type Communicator interface {
	// Rank returns the 0-indexed rank of the caller. Stable for the group lifetime.
	Rank() int
	// Size returns the number of ranks in the group.
	Size() int
	// Bcast copies root's buf into every other rank's buf. Non-root callers
	// must pre-size buf to the root's length.
	Bcast(ctx context.Context, buf []byte, root int) error
	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error
	// Sub returns the caller's view of the contiguous sub-group of ranks
	// [first, first+size), renumbered from 0. The caller must be a member and
	// every member must name the same range. Repeated calls with the same
	// range return the same view, so its step sequence carries on. Closing a
	// view is a no-op; it lives as long as its parent.
	Sub(first, size int) (Communicator, error)
	// Close releases the rank's resources. Networked implementations
	// synchronise with the rest of the group first.
	Close() error
}

// Root is the rank that owns input and output.
const Root = 0

// IsRoot reports whether c is rank 0.
func IsRoot(c Communicator) bool { return c.Rank() == Root }

func checkRoot(root, size int) error {
	if root < 0 || root >= size {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidRoot, root, size)
	}
	return nil
}

// checkSub validates a sub-group range of a parent group of parentSize
// containing the caller at rank.
func checkSub(rank, parentSize, first, size int) error {
	if size < 1 || first < 0 || first+size > parentSize {
		return fmt.Errorf("comm: sub-group [%d,%d) not within [0,%d)", first, first+size, parentSize)
	}
	if rank < first || rank >= first+size {
		return fmt.Errorf("comm: rank %d is not a member of sub-group [%d,%d)", rank, first, first+size)
	}
	return nil
}

// subPath names a sub-group of parent so that every member derives the same
// hub key.
func subPath(parent string, first, size int) string {
	return fmt.Sprintf("%s/%d:%d", parent, first, size)
}

func checkGroup(rank, size int) error {
	if size < 1 {
		return fmt.Errorf("comm: group size must be >= 1, got %d", size)
	}
	if rank < 0 || rank >= size {
		return fmt.Errorf("comm: rank %d not in [0,%d)", rank, size)
	}
	return nil
}
