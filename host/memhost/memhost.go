// Package memhost is an in-memory host.Host for tests and the local
// simulation mode of cmd/kaddht: every memhost.Host sharing a Network
// talks to every other over net.Pipe instead of a real socket. Grounded
// on the teacher's PeerManager (peermanager.go) for the connected-peer
// registry pattern, generalized from zif's real-TCP-dial PeerManager into
// a zero-network test double with the same concurrent-map-backed
// bookkeeping.
package memhost

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	cmap "github.com/streamrail/concurrent-map"

	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/kadid"
)

// Network is the shared registry every memhost.Host in a simulated
// cluster must be constructed against, the in-process analogue of the
// teacher's Peer.streams multiplexer shared across dialed connections.
type Network struct {
	hosts cmap.ConcurrentMap // NodeId.String() -> *Host
}

// NewNetwork constructs an empty simulated network.
func NewNetwork() *Network {
	return &Network{hosts: cmap.New()}
}

func (n *Network) register(h *Host) {
	n.hosts.Set(h.id.String(), h)
}

func (n *Network) lookup(id kadid.NodeId) (*Host, bool) {
	v, ok := n.hosts.Get(id.String())
	if !ok {
		return nil, false
	}
	return v.(*Host), true
}

// Host is an in-memory host.Host. OpenStream against a peer registered on
// the same Network hands back one end of a net.Pipe and delivers the
// other end to the peer's registered protocol handler on a new goroutine.
type Host struct {
	net *Network
	id  kadid.NodeId

	mu       sync.Mutex
	addrs    map[kadid.NodeId][]string
	handlers map[string]host.ProtocolHandlerFunc
	subs     []chan<- host.CapableConnection

	peers *repository
}

// New constructs a Host with the given id, registers it on net, and
// returns it ready to use. addr is this host's own address, advertised to
// peers that look it up via PeerInfo.
func New(net *Network, id kadid.NodeId, addr string) *Host {
	h := &Host{
		net:      net,
		id:       id,
		addrs:    map[kadid.NodeId][]string{id: {addr}},
		handlers: make(map[string]host.ProtocolHandlerFunc),
		peers:    newRepository(),
	}
	net.register(h)
	return h
}

func (h *Host) Id() kadid.NodeId { return h.id }

func (h *Host) PeerInfo() host.PeerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return host.PeerInfo{Id: h.id, Addrs: append([]string(nil), h.addrs[h.id]...)}
}

func (h *Host) SetProtocolHandler(protocolId string, fn host.ProtocolHandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[protocolId] = fn
}

func (h *Host) Subscribe(ch chan<- host.CapableConnection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, ch)
}

func (h *Host) PeerRepository() host.PeerRepository { return h.peers }

func (h *Host) ConnectionManager() host.ConnectionManager { return connManager{} }

// OpenStream dials peer.Id within the shared Network: it starts the remote
// host's registered handler for protocolId on a new goroutine with one end
// of a net.Pipe and returns the other end to the caller without waiting.
func (h *Host) OpenStream(peer host.PeerInfo, protocolId string) (host.Stream, error) {
	remote, ok := h.net.lookup(peer.Id)
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoSuchPeer, peer.Id)
	}

	remote.mu.Lock()
	fn, ok := remote.handlers[protocolId]
	remote.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memhost: peer %s has no handler for %s", peer.Id, protocolId)
	}

	clientConn, serverConn := net.Pipe()
	localStream := &pipeStream{Conn: clientConn, remote: remote.id, addr: "memhost://" + remote.id.String()}
	remoteStream := &pipeStream{Conn: serverConn, remote: h.id, addr: "memhost://" + h.id.String()}

	go fn(streamResult{stream: remoteStream})

	h.peers.addAddrs(peer.Id, peer.Addrs)
	remote.peers.addAddrs(h.id, nil)

	h.notifyOutbound(localStream.addr, peer.Id)

	return localStream, nil
}

// notifyOutbound publishes a new-outbound-connection event to every
// subscriber, the simulated-network analogue of a real host.Host
// reporting a freshly dialed connection (host.CapableConnection).
func (h *Host) notifyOutbound(addr string, remote kadid.NodeId) {
	h.mu.Lock()
	subs := append([]chan<- host.CapableConnection(nil), h.subs...)
	h.mu.Unlock()

	ev := connectionEvent{remote: remote, addr: addr, initiator: true}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

type connectionEvent struct {
	remote    kadid.NodeId
	addr      string
	initiator bool
}

func (e connectionEvent) IsInitiator() bool        { return e.initiator }
func (e connectionEvent) RemotePeer() kadid.NodeId { return e.remote }
func (e connectionEvent) RemoteAddr() string       { return e.addr }

type streamResult struct {
	stream host.Stream
	err    error
}

func (r streamResult) Stream() host.Stream { return r.stream }
func (r streamResult) Err() error          { return r.err }

type pipeStream struct {
	net.Conn
	remote kadid.NodeId
	addr   string
}

func (s *pipeStream) RemotePeer() kadid.NodeId { return s.remote }
func (s *pipeStream) RemoteAddr() string       { return s.addr }

type repository struct {
	mu    sync.Mutex
	addrs map[kadid.NodeId][]string
}

func newRepository() *repository {
	return &repository{addrs: make(map[kadid.NodeId][]string)}
}

func (r *repository) GetPeerInfo(peer kadid.NodeId) host.PeerInfo {
	return host.PeerInfo{Id: peer, Addrs: r.Addrs(peer)}
}

func (r *repository) AddressRepository() host.AddressRepository { return r }

func (r *repository) UpsertAddresses(peer kadid.NodeId, addrs []string, ttl time.Duration) error {
	r.addAddrs(peer, addrs)
	return nil
}

func (r *repository) Addrs(peer kadid.NodeId) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.addrs[peer]...)
}

func (r *repository) addAddrs(peer kadid.NodeId, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addrs[peer] = addrs
}

type connManager struct{}

func (connManager) Connectedness(peer host.PeerInfo) host.Connectedness {
	return host.CanConnect
}

// ErrNoSuchPeer is returned by OpenStream when the dialed peer is not
// registered on the Network.
var ErrNoSuchPeer = errors.New("memhost: no such peer")
