package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName = "hpcvqe.comm.Coordinator"

	joinMethod    = "/" + serviceName + "/Join"
	publishMethod = "/" + serviceName + "/Publish"
	fetchMethod   = "/" + serviceName + "/Fetch"
	arriveMethod  = "/" + serviceName + "/Arrive"

	seqHeader  = "x-collective-seq"
	rootHeader = "x-collective-root"
	rankHeader = "x-collective-rank"
	sizeHeader = "x-collective-size"

	// Sent only by sub-group views.
	groupHeader     = "x-collective-group"
	groupSizeHeader = "x-collective-group-size"
)

// coordinatorServer is the server API of the Coordinator service.
type coordinatorServer interface {
	Join(context.Context, *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error)
	Publish(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Fetch(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	Arrive(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*coordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: joinHandler},
		{MethodName: "Publish", Handler: publishHandler},
		{MethodName: "Fetch", Handler: fetchHandler},
		{MethodName: "Arrive", Handler: arriveHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hpcvqe/comm/coordinator",
}

func joinHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.Int32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: joinMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(coordinatorServer).Join(ctx, req.(*wrapperspb.Int32Value))
	}
	return interceptor(ctx, in, info, handler)
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: publishMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(coordinatorServer).Publish(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func fetchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Fetch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(coordinatorServer).Fetch(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func arriveHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Arrive(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: arriveMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(coordinatorServer).Arrive(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// Server
// ============================================================================

// coordinator serves the rendezvous hub to peer ranks.
type coordinator struct {
	hub *hub

	mu     sync.Mutex
	joined map[int32]bool
}

func (s *coordinator) Join(ctx context.Context, req *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error) {
	rank := req.GetValue()
	if rank <= Root || int(rank) >= s.hub.size {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d cannot join a group of %d", rank, s.hub.size)
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(sizeHeader); len(v) == 1 && v[0] != strconv.Itoa(s.hub.size) {
			return nil, status.Errorf(codes.InvalidArgument, "peer group size %s, coordinator group size %d", v[0], s.hub.size)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joined[rank] {
		return nil, status.Errorf(codes.AlreadyExists, "rank %d already joined", rank)
	}
	s.joined[rank] = true
	return wrapperspb.Int32(int32(s.hub.size)), nil
}

func (s *coordinator) Publish(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	h, err := s.readHeaders(ctx)
	if err != nil {
		return nil, err
	}
	if h.rank != h.root {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d published for root %d", h.rank, h.root)
	}
	if err := s.hub.publish(h.key(), h.size, h.root, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *coordinator) Fetch(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	h, err := s.readHeaders(ctx)
	if err != nil {
		return nil, err
	}
	data, err := s.hub.fetch(ctx, h.key(), h.size, h.root)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(data), nil
}

func (s *coordinator) Arrive(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	h, err := s.readHeaders(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.hub.arrive(ctx, h.key(), h.size); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

type headers struct {
	group string
	size  int
	seq   uint64
	root  int
	rank  int
}

func (h headers) key() slotKey { return slotKey{group: h.group, seq: h.seq} }

func (s *coordinator) readHeaders(ctx context.Context) (headers, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return headers{}, status.Error(codes.InvalidArgument, "missing collective metadata")
	}
	get := func(key string) (string, error) {
		v := md.Get(key)
		if len(v) != 1 {
			return "", status.Errorf(codes.InvalidArgument, "missing %s header", key)
		}
		return v[0], nil
	}

	var h headers
	raw, err := get(seqHeader)
	if err != nil {
		return h, err
	}
	if h.seq, err = strconv.ParseUint(raw, 10, 64); err != nil {
		return h, status.Errorf(codes.InvalidArgument, "bad %s header: %v", seqHeader, err)
	}
	for key, dst := range map[string]*int{rootHeader: &h.root, rankHeader: &h.rank} {
		raw, err := get(key)
		if err != nil {
			return h, err
		}
		if *dst, err = strconv.Atoi(raw); err != nil {
			return h, status.Errorf(codes.InvalidArgument, "bad %s header: %v", key, err)
		}
	}

	h.size = s.hub.size
	if v := md.Get(groupHeader); len(v) == 1 {
		h.group = v[0]
		raw, err := get(groupSizeHeader)
		if err != nil {
			return h, err
		}
		if h.size, err = strconv.Atoi(raw); err != nil || h.size < 1 || h.size > s.hub.size {
			return h, status.Errorf(codes.InvalidArgument, "bad %s header %q", groupSizeHeader, raw)
		}
	}
	if h.root < 0 || h.root >= h.size || h.rank < 0 || h.rank >= h.size {
		return h, status.Errorf(codes.InvalidArgument, "rank %d or root %d outside a group of %d", h.rank, h.root, h.size)
	}
	return h, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, ErrCollectiveMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", ErrCollectiveMismatch, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	default:
		return fmt.Errorf("comm: coordinator: %w", err)
	}
}

// ============================================================================
// Rank 0
// ============================================================================

// hostComm is rank 0 of a networked group. It works on the hub directly and
// serves it to the other ranks.
type hostComm struct {
	*localComm
	srv     *grpc.Server
	serveCh chan error
	once    sync.Once
	err     error
}

// Host starts the Coordinator service on lis and returns the rank-0
// communicator of a group of size ranks.
func Host(size int, lis net.Listener, opts ...grpc.ServerOption) (Communicator, error) {
	if err := checkGroup(Root, size); err != nil {
		return nil, err
	}
	h := newHub(size)
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&coordinatorServiceDesc, &coordinator{hub: h, joined: make(map[int32]bool)})

	c := &hostComm{
		localComm: newLocalComm(h, Root),
		srv:       srv,
		serveCh:   make(chan error, 1),
	}
	go func() { c.serveCh <- srv.Serve(lis) }()
	return c, nil
}

// Close waits for every rank to reach Close, then stops the server.
func (c *hostComm) Close() error {
	c.once.Do(func() {
		c.err = c.localComm.Barrier(context.Background())
		c.localComm.Close()
		c.srv.GracefulStop()
		if serveErr := <-c.serveCh; serveErr != nil && c.err == nil {
			c.err = serveErr
		}
	})
	return c.err
}

// ============================================================================
// Ranks 1..size-1
// ============================================================================

// peerComm is a rank of a networked group, or its view of a sub-group.
// Views share the connection of their rank.
type peerComm struct {
	conn   *grpc.ClientConn
	group  string
	rank   int
	size   int
	seq    uint64
	subs   map[string]*peerComm
	view   bool
	closed *atomic.Bool

	once sync.Once
	err  error
}

// Join connects rank to the coordinator at target. The first call waits for
// the coordinator to come up; the group size it reports must equal size.
// Insecure transport credentials are used unless opts override them.
func Join(ctx context.Context, rank, size int, target string, opts ...grpc.DialOption) (Communicator, error) {
	if err := checkGroup(rank, size); err != nil {
		return nil, err
	}
	if rank == Root {
		return nil, fmt.Errorf("comm: rank %d hosts the coordinator and cannot join", Root)
	}
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("comm: dial %s: %w", target, err)
	}

	resp := new(wrapperspb.Int32Value)
	joinCtx := metadata.AppendToOutgoingContext(ctx, sizeHeader, strconv.Itoa(size))
	if err := conn.Invoke(joinCtx, joinMethod, wrapperspb.Int32(int32(rank)), resp, grpc.WaitForReady(true)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("comm: join as rank %d: %w", rank, fromStatus(err))
	}
	if int(resp.GetValue()) != size {
		conn.Close()
		return nil, fmt.Errorf("comm: coordinator group size %d, local size %d", resp.GetValue(), size)
	}
	return &peerComm{conn: conn, rank: rank, size: size, closed: new(atomic.Bool)}, nil
}

func (p *peerComm) Rank() int { return p.rank }
func (p *peerComm) Size() int { return p.size }

func (p *peerComm) outgoing(ctx context.Context, root int) context.Context {
	kv := []string{
		seqHeader, strconv.FormatUint(p.seq, 10),
		rootHeader, strconv.Itoa(root),
		rankHeader, strconv.Itoa(p.rank),
	}
	if p.view {
		kv = append(kv, groupHeader, p.group, groupSizeHeader, strconv.Itoa(p.size))
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

func (p *peerComm) Bcast(ctx context.Context, buf []byte, root int) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := checkRoot(root, p.size); err != nil {
		return err
	}
	p.seq++
	ctx = p.outgoing(ctx, root)

	if p.rank == root {
		return fromStatus(p.conn.Invoke(ctx, publishMethod, wrapperspb.Bytes(buf), new(emptypb.Empty)))
	}
	resp := new(wrapperspb.BytesValue)
	if err := p.conn.Invoke(ctx, fetchMethod, &emptypb.Empty{}, resp); err != nil {
		return fromStatus(err)
	}
	if len(resp.GetValue()) != len(buf) {
		return &SizeMismatchError{Expected: len(resp.GetValue()), Actual: len(buf)}
	}
	copy(buf, resp.GetValue())
	return nil
}

func (p *peerComm) Barrier(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	p.seq++
	return fromStatus(p.conn.Invoke(p.outgoing(ctx, Root), arriveMethod, &emptypb.Empty{}, new(emptypb.Empty)))
}

func (p *peerComm) Sub(first, size int) (Communicator, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkSub(p.rank, p.size, first, size); err != nil {
		return nil, err
	}
	path := subPath(p.group, first, size)
	if sub, ok := p.subs[path]; ok {
		return sub, nil
	}
	if p.subs == nil {
		p.subs = make(map[string]*peerComm)
	}
	sub := &peerComm{
		conn:   p.conn,
		group:  path,
		rank:   p.rank - first,
		size:   size,
		view:   true,
		closed: p.closed,
	}
	p.subs[path] = sub
	return sub, nil
}

// Close waits for every rank to reach Close, then drops the connection.
// Closing a sub-group view does nothing.
func (p *peerComm) Close() error {
	if p.view {
		return nil
	}
	p.once.Do(func() {
		if p.closed.Load() {
			return
		}
		p.err = p.Barrier(context.Background())
		p.closed.Store(true)
		if err := p.conn.Close(); err != nil && p.err == nil {
			p.err = err
		}
	})
	return p.err
}

// ============================================================================
// Selection
// ============================================================================

// Config selects and addresses a communicator.
type Config struct {
	Rank int
	Size int
	// Addr is the coordinator address. Rank 0 listens on it, others dial it.
	Addr string
}

// Connect returns the communicator for cfg. A group of one needs no
// coordinator; otherwise rank 0 hosts and the others join.
func Connect(ctx context.Context, cfg Config, opts ...grpc.DialOption) (Communicator, error) {
	if err := checkGroup(cfg.Rank, cfg.Size); err != nil {
		return nil, err
	}
	if cfg.Size == 1 {
		group, err := NewLocalGroup(1)
		if err != nil {
			return nil, err
		}
		return group[0], nil
	}
	if cfg.Addr == "" {
		return nil, errors.New("comm: coordinator address required for a group larger than one")
	}
	if cfg.Rank == Root {
		var lc net.ListenConfig
		lis, err := lc.Listen(ctx, "tcp", cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("comm: listen %s: %w", cfg.Addr, err)
		}
		return Host(cfg.Size, lis)
	}
	return Join(ctx, cfg.Rank, cfg.Size, cfg.Addr, opts...)
}
