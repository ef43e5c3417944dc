package grpcapi

// Request/response DTOs for the control-plane RPCs, carried over the
// msgpack codec registered in codec.go. Ids are carried both as raw bytes
// and, in PeerDTO, as a base58 string via github.com/jbenet/go-base58 —
// the human-readable form the grpc control surface hands back to CLI
// clients, the way FullNodeClient's wire types favor a printable node id.

import (
	base58 "github.com/jbenet/go-base58"

	"github.com/dhtcore/kaddht/kadid"
)

type PeerDTO struct {
	Id      []byte   `msgpack:"id"`
	Id58    string   `msgpack:"id58"`
	Addrs   []string `msgpack:"addrs"`
}

func peerDTO(id kadid.NodeId, addrs []string) PeerDTO {
	return PeerDTO{Id: append([]byte(nil), id[:]...), Id58: base58.Encode(id[:]), Addrs: addrs}
}

type PutValueRequest struct {
	Key   []byte `msgpack:"key"`
	Value []byte `msgpack:"value"`
}

type PutValueResponse struct {
	AcceptedBy int `msgpack:"acceptedBy"`
}

type GetValueRequest struct {
	Key []byte `msgpack:"key"`
}

type GetValueResponse struct {
	Found bool   `msgpack:"found"`
	Value []byte `msgpack:"value"`
}

type ProvideRequest struct {
	Key []byte `msgpack:"key"`
}

type ProvideResponse struct{}

type FindProvidersRequest struct {
	Key   []byte `msgpack:"key"`
	Limit int    `msgpack:"limit"`
}

type FindProvidersResponse struct {
	Providers []PeerDTO `msgpack:"providers"`
}

type FindPeerRequest struct {
	Target []byte `msgpack:"target"`
}

type FindPeerResponse struct {
	Found bool    `msgpack:"found"`
	Peer  PeerDTO `msgpack:"peer"`
}

type PingRequest struct{}

type PingResponse struct {
	Id58 string `msgpack:"id58"`
}
