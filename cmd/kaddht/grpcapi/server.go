package grpcapi

import (
	"context"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/dhtcore/kaddht/coordinator"
	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/kadid"
)

// Server adapts a Coordinator to grpc's server machinery, playing the
// role of the teacher's server.main listener loop but exposing the DHT's
// five operations as unary RPCs instead of accepting raw framed DHT
// traffic.
type Server struct {
	coord *coordinator.Coordinator
}

// NewServer wraps coord for RPC access.
func NewServer(coord *coordinator.Coordinator) *Server {
	return &Server{coord: coord}
}

// Serve blocks accepting grpc connections on addr until the listener
// fails or the process is killed.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpcapi: listen: %w", err)
	}

	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&serviceDesc, s)

	log.WithField("addr", addr).Info("grpcapi: listening")
	return grpcServer.Serve(lis)
}

func (s *Server) putValue(ctx context.Context, req *PutValueRequest) (*PutValueResponse, error) {
	if err := s.coord.PutValue(ctx, kadid.Key(req.Key), req.Value); err != nil {
		return nil, err
	}
	return &PutValueResponse{}, nil
}

// getValue blocks the RPC on the Coordinator's handler callback, the way
// the teacher's own grpc handlers block on a channel read rather than
// exposing asynchrony across the RPC boundary; the Coordinator itself
// never invokes the handler inline (spec.md §5).
func (s *Server) getValue(ctx context.Context, req *GetValueRequest) (*GetValueResponse, error) {
	type result struct {
		value []byte
		found bool
	}
	results := make(chan result, 1)

	switch s.coord.GetValue(ctx, kadid.Key(req.Key), func(value []byte, found bool) {
		results <- result{value, found}
	}) {
	case coordinator.OutcomeNoPeers:
		return &GetValueResponse{Found: false}, nil
	}

	select {
	case r := <-results:
		return &GetValueResponse{Found: r.found, Value: r.value}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) provide(ctx context.Context, req *ProvideRequest) (*ProvideResponse, error) {
	s.coord.Provide(ctx, kadid.Key(req.Key))
	return &ProvideResponse{}, nil
}

func (s *Server) findProviders(ctx context.Context, req *FindProvidersRequest) (*FindProvidersResponse, error) {
	results := make(chan []PeerDTO, 1)
	s.coord.FindProviders(ctx, kadid.Key(req.Key), req.Limit, func(peers []host.PeerInfo) {
		out := make([]PeerDTO, 0, len(peers))
		for _, p := range peers {
			out = append(out, peerDTO(p.Id, p.Addrs))
		}
		results <- out
	})

	select {
	case out := <-results:
		return &FindProvidersResponse{Providers: out}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) findPeer(ctx context.Context, req *FindPeerRequest) (*FindPeerResponse, error) {
	var target kadid.NodeId
	copy(target[:], req.Target)

	type result struct {
		peer  host.PeerInfo
		found bool
	}
	results := make(chan result, 1)
	s.coord.FindPeer(ctx, target, func(peer host.PeerInfo, found bool) {
		results <- result{peer, found}
	})

	select {
	case r := <-results:
		resp := &FindPeerResponse{Found: r.found}
		if r.found {
			resp.Peer = peerDTO(r.peer.Id, r.peer.Addrs)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	return &PingResponse{}, nil
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "kaddht.Coordinator",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("PutValue", func(s *Server) interface{} { return &PutValueRequest{} }, func(s *Server, ctx context.Context, req interface{}) (interface{}, error) {
			return s.putValue(ctx, req.(*PutValueRequest))
		}),
		unaryMethod("GetValue", func(s *Server) interface{} { return &GetValueRequest{} }, func(s *Server, ctx context.Context, req interface{}) (interface{}, error) {
			return s.getValue(ctx, req.(*GetValueRequest))
		}),
		unaryMethod("Provide", func(s *Server) interface{} { return &ProvideRequest{} }, func(s *Server, ctx context.Context, req interface{}) (interface{}, error) {
			return s.provide(ctx, req.(*ProvideRequest))
		}),
		unaryMethod("FindProviders", func(s *Server) interface{} { return &FindProvidersRequest{} }, func(s *Server, ctx context.Context, req interface{}) (interface{}, error) {
			return s.findProviders(ctx, req.(*FindProvidersRequest))
		}),
		unaryMethod("FindPeer", func(s *Server) interface{} { return &FindPeerRequest{} }, func(s *Server, ctx context.Context, req interface{}) (interface{}, error) {
			return s.findPeer(ctx, req.(*FindPeerRequest))
		}),
		unaryMethod("Ping", func(s *Server) interface{} { return &PingRequest{} }, func(s *Server, ctx context.Context, req interface{}) (interface{}, error) {
			return s.ping(ctx, req.(*PingRequest))
		}),
	},
	Metadata: "kaddht/coordinator.proto",
}

// unaryMethod builds a grpc.MethodDesc from a zero-value constructor and
// a typed call, hand-rolling what protoc-gen-go-grpc would otherwise
// generate for a .proto-defined service.
func unaryMethod(name string, zero func(*Server) interface{}, call func(*Server, context.Context, interface{}) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			s := srv.(*Server)
			req := zero(s)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(s, ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: s, FullMethod: "/kaddht.Coordinator/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req)
			}
			return interceptor(ctx, req, info, handler)
		},
	}
}
