package comm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
)

// abortFrame takes the place of the payload length when the root has nothing
// to send. Receivers stop after the frame instead of waiting for a payload.
const abortFrame = math.MaxUint64

// BroadcastBytes sends root's data to every rank. Non-root ranks may pass nil;
// the length is broadcast first so receivers can size their buffers.
func BroadcastBytes(ctx context.Context, c Communicator, data []byte, root int) ([]byte, error) {
	return broadcast(ctx, c, data, nil, root)
}

// Abort is the root's stand-in for a broadcast it cannot complete. The other
// ranks, blocked in a Broadcast* call on the same step, return
// ErrRootAborted; the root gets cause back.
func Abort(ctx context.Context, c Communicator, root int, cause error) error {
	_, err := broadcast(ctx, c, nil, cause, root)
	return err
}

// broadcast sends a length frame then the payload. A non-nil rootErr on the
// root sends abortFrame and no payload.
func broadcast(ctx context.Context, c Communicator, data []byte, rootErr error, root int) ([]byte, error) {
	isRoot := c.Rank() == root

	var frame [8]byte
	if isRoot {
		n := uint64(len(data))
		if rootErr != nil {
			n = abortFrame
		}
		binary.BigEndian.PutUint64(frame[:], n)
	}
	if err := c.Bcast(ctx, frame[:], root); err != nil {
		return nil, errors.Join(rootErr, fmt.Errorf("broadcast length: %w", err))
	}
	if isRoot && rootErr != nil {
		return nil, rootErr
	}

	n := binary.BigEndian.Uint64(frame[:])
	if n == abortFrame {
		return nil, fmt.Errorf("%w (root %d)", ErrRootAborted, root)
	}
	buf := data
	if !isRoot {
		buf = make([]byte, n)
	}
	if err := c.Bcast(ctx, buf, root); err != nil {
		return nil, fmt.Errorf("broadcast payload: %w", err)
	}
	return buf, nil
}

// BroadcastString sends root's s to every rank.
func BroadcastString(ctx context.Context, c Communicator, s string, root int) (string, error) {
	var data []byte
	if c.Rank() == root {
		data = []byte(s)
	}
	out, err := BroadcastBytes(ctx, c, data, root)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// BroadcastScalar sends root's v to every rank. Values travel msgpack-encoded,
// so T must be msgpack-serialisable. Non-root values are ignored. If the root
// cannot encode v every rank fails on the same step.
func BroadcastScalar[T any](ctx context.Context, c Communicator, v T, root int) (T, error) {
	data, encErr := encodeAtRoot(c, v, root)
	data, err := broadcast(ctx, c, data, encErr, root)
	if err != nil {
		return v, err
	}
	if c.Rank() == root {
		return v, nil
	}

	var out T
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %T: %w", out, err)
	}
	return out, nil
}

// BroadcastVector overwrites every rank's v with root's elements. Like Bcast,
// every rank must pass a slice of the root's length; a receiver that does not
// gets a *SizeMismatchError. An empty vector issues no collective at all.
// Root gets its own copy back.
func BroadcastVector[T any](ctx context.Context, c Communicator, v []T, root int) ([]T, error) {
	if len(v) == 0 {
		return v, nil
	}
	data, encErr := encodeAtRoot(c, v, root)
	data, err := broadcast(ctx, c, data, encErr, root)
	if err != nil {
		return nil, err
	}
	if c.Rank() == root {
		return slices.Clone(v), nil
	}

	var decoded []T
	if err := msgpack.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode %T: %w", decoded, err)
	}
	if len(decoded) != len(v) {
		return nil, &SizeMismatchError{Expected: len(decoded), Actual: len(v)}
	}
	copy(v, decoded)
	return v, nil
}

func encodeAtRoot(c Communicator, v any, root int) ([]byte, error) {
	if c.Rank() != root {
		return nil, nil
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return data, nil
}
