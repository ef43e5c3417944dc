// Package host declares the external collaborators the DHT coordinator
// consumes (§6 of the specification): the host/transport seam, the peer
// and address repositories, the connection manager, the scheduler, the
// record validator and the storage backend. This package only declares
// them: host/memhost (an in-memory test double) and host/tcphost (real TCP
// connections) implement Host and its repositories, and recordstore and
// store/sqlite implement Storage. The transport stack, wire codec and
// cryptographic identity are otherwise out of scope for the DHT core.
package host

import (
	"time"

	"github.com/dhtcore/kaddht/kadid"
)

// Connectedness describes the connection manager's belief about whether a
// peer can currently be reached.
type Connectedness int

const (
	NotConnected Connectedness = iota
	Connected
	CanConnect
	CanNotConnect
)

func (c Connectedness) String() string {
	switch c {
	case Connected:
		return "CONNECTED"
	case CanConnect:
		return "CAN_CONNECT"
	case CanNotConnect:
		return "CAN_NOT_CONNECT"
	default:
		return "NOT_CONNECTED"
	}
}

// PeerInfo is a peer id together with its known network addresses.
// Addresses may be empty when a peer is known by id only.
type PeerInfo struct {
	Id    kadid.NodeId
	Addrs []string
}

// HasAddrs reports whether this PeerInfo carries at least one address.
func (p PeerInfo) HasAddrs() bool {
	return len(p.Addrs) > 0
}

// TTL presets used when upserting addresses, mirroring the teacher's
// peer::ttl constants (kPermanent / kDay) surfaced through the C++
// original.
const (
	TTLPermanent = time.Duration(0) // zero means "never expire"
	TTLDay       = 24 * time.Hour
)

// StreamResult is handed to a registered protocol handler for each
// inbound stream matching the DHT's protocolId.
type StreamResult interface {
	Stream() Stream
	Err() error
}

// Stream is a single bidirectional byte stream, the unit a Session wraps.
// Framing and transport details live outside the core (§1); this is the
// minimal surface the core needs.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	RemotePeer() kadid.NodeId
	RemoteAddr() string
}

// ProtocolHandlerFunc is installed via Host.SetProtocolHandler and invoked
// once per inbound stream for the registered protocol id.
type ProtocolHandlerFunc func(StreamResult)

// CapableConnection is the minimal shape of a connection the host
// publishes through its new-connection event channel (§6.2).
type CapableConnection interface {
	IsInitiator() bool
	RemotePeer() kadid.NodeId
	RemoteAddr() string
}

// Host is the transport-facing seam the coordinator is built against.
type Host interface {
	Id() kadid.NodeId
	PeerInfo() PeerInfo
	SetProtocolHandler(protocolId string, fn ProtocolHandlerFunc)

	// Subscribe registers ch to receive every subsequent new-connection
	// event. The coordinator never unsubscribes; it is expected to
	// outlive ch's consumer for the process lifetime (§9).
	Subscribe(ch chan<- CapableConnection)

	PeerRepository() PeerRepository
	ConnectionManager() ConnectionManager

	// OpenStream dials peer and opens one stream for protocolId. Used by
	// the IterativeQuery engine and the Executors to issue outbound
	// requests.
	OpenStream(peer PeerInfo, protocolId string) (Stream, error)
}

// AddressRepository tracks known addresses for peers with a TTL, the way
// libp2p's AddressRepository does and the teacher's
// PeerRepository.AddressRepository does with upsertAddresses.
type AddressRepository interface {
	UpsertAddresses(peer kadid.NodeId, addrs []string, ttl time.Duration) error
	Addrs(peer kadid.NodeId) []string
}

// PeerRepository is the host's view of everything it knows about peers by
// id, independent of the DHT's own routing table.
type PeerRepository interface {
	GetPeerInfo(peer kadid.NodeId) PeerInfo
	AddressRepository() AddressRepository
}

// ConnectionManager reports current reachability for a peer.
type ConnectionManager interface {
	Connectedness(peer PeerInfo) Connectedness
}

// ScheduledHandle is returned by Scheduler.Schedule. Detach lets the
// caller disown the timer without cancelling it; Cancel stops a callback
// that has not run yet. Dropping a handle does not cancel it: a callback
// whose handle is discarded without Cancel still runs (§6.4).
type ScheduledHandle interface {
	Detach()
	Cancel()
}

// Scheduler is what the coordinator posts timers and user-facing handlers
// through, so those are never invoked inline (§5, §9). Inbound stream
// messages do not pass through it: each Session delivers them from its own
// read goroutine.
type Scheduler interface {
	Now() time.Time
	Schedule(fn func()) ScheduledHandle
	ScheduleAfter(delay time.Duration, fn func()) ScheduledHandle
}

// Validator is the cryptographic-identity/record-signature capability the
// core consumes without implementing (§1, §6.3).
type Validator interface {
	// Validate reports whether value is an acceptable record for key.
	Validate(key kadid.Key, value []byte) error
	// Select chooses the index of the best record among candidates (e.g.
	// the one with the greatest sequence number), used by GetValue to
	// reconcile disagreeing peers.
	Select(key kadid.Key, candidates [][]byte) (int, error)
}

// Storage is the value-record backend interface (§6.5). The in-memory
// recordstore.Store and the persistent store/sqlite Store both satisfy it.
// The Coordinator holds a *recordstore.Store directly rather than a
// Storage, so it always keeps records in memory.
type Storage interface {
	PutValue(key kadid.Key, value []byte) error
	GetValue(key kadid.Key) (value []byte, expiration time.Time, err error)
}
