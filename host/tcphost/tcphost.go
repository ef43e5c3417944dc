// Package tcphost is a real-network host.Host implementation: one TCP
// listener, one yamux session multiplexed per remote peer, and one yamux
// stream per OpenStream call — the way the teacher's proto.StreamManager
// layers yamux over a single TCP connection rather than dialing a fresh
// socket per request. Unlike host/memhost (used by tests and the local
// simulation in cmd/kaddht), tcphost is meant for a coordinator actually
// reachable on the network, optionally through a SOCKS5 proxy.
package tcphost

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/kadid"
)

// Host is a host.Host backed by real TCP connections.
type Host struct {
	id         kadid.NodeId
	listenAddr string
	dialer     proxy.Dialer

	mu       sync.Mutex
	ln       net.Listener
	sessions map[string]*yamux.Session // keyed by remote addr
	handlers map[string]host.ProtocolHandlerFunc
	subs     []chan<- host.CapableConnection

	peers *repository
	conns *connManager
}

// Option configures a Host at construction time.
type Option func(*Host)

// WithSocks5 routes every outbound dial through the SOCKS5 proxy at addr,
// mirroring StreamManager.OpenSocks's Tor-dialer setup in the teacher.
func WithSocks5(addr string) Option {
	return func(h *Host) {
		d, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
		if err != nil {
			log.WithError(err).WithField("addr", addr).Warn("tcphost: failed to configure socks5 dialer, falling back to direct dial")
			return
		}
		h.dialer = d
	}
}

// New constructs a Host identified by id, listening on listenAddr (host:port).
func New(id kadid.NodeId, listenAddr string, opts ...Option) *Host {
	h := &Host{
		id:         id,
		listenAddr: listenAddr,
		dialer:     proxy.Direct,
		sessions:   make(map[string]*yamux.Session),
		handlers:   make(map[string]host.ProtocolHandlerFunc),
		peers:      newRepository(),
		conns:      newConnManager(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Listen starts accepting inbound TCP connections and must be called
// before any peer can open a stream to this Host. It returns once the
// listener is bound; accept loops run in the background.
func (h *Host) Listen() error {
	ln, err := net.Listen("tcp", h.listenAddr)
	if err != nil {
		return fmt.Errorf("tcphost: listen %s: %w", h.listenAddr, err)
	}
	h.mu.Lock()
	h.ln = ln
	h.mu.Unlock()

	go h.acceptLoop(ln)
	return nil
}

// Close stops accepting new connections and tears down every multiplexed
// session.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ln != nil {
		h.ln.Close()
	}
	for addr, sess := range h.sessions {
		sess.Close()
		delete(h.sessions, addr)
	}
	return nil
}

func (h *Host) Id() kadid.NodeId { return h.id }

// Addr returns the address this Host is actually bound to once Listen has
// run — distinct from listenAddr when the configured port was 0.
func (h *Host) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln != nil {
		return h.ln.Addr().String()
	}
	return h.listenAddr
}

func (h *Host) PeerInfo() host.PeerInfo {
	return host.PeerInfo{Id: h.id, Addrs: []string{h.Addr()}}
}

func (h *Host) SetProtocolHandler(protocolId string, fn host.ProtocolHandlerFunc) {
	h.mu.Lock()
	h.handlers[protocolId] = fn
	h.mu.Unlock()
}

func (h *Host) Subscribe(ch chan<- host.CapableConnection) {
	h.mu.Lock()
	h.subs = append(h.subs, ch)
	h.mu.Unlock()
}

func (h *Host) PeerRepository() host.PeerRepository   { return h.peers }
func (h *Host) ConnectionManager() host.ConnectionManager { return h.conns }

func (h *Host) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.WithError(err).Info("tcphost: accept loop exiting")
			return
		}
		go h.serveInbound(conn)
	}
}

func (h *Host) serveInbound(conn net.Conn) {
	sess, err := yamux.Server(conn, nil)
	if err != nil {
		log.WithError(err).Warn("tcphost: failed to establish inbound yamux session")
		conn.Close()
		return
	}

	h.mu.Lock()
	h.sessions[conn.RemoteAddr().String()] = sess
	subs := append([]chan<- host.CapableConnection(nil), h.subs...)
	h.mu.Unlock()

	ev := inboundConnection{remoteAddr: conn.RemoteAddr().String()}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}

	for {
		stream, err := sess.Accept()
		if err != nil {
			return
		}
		go h.serveStream(stream, conn.RemoteAddr().String())
	}
}

// serveStream reads the length-prefixed protocol id header every opened
// stream starts with, then dispatches to the handler registered for it.
func (h *Host) serveStream(stream net.Conn, remoteAddr string) {
	protocolId, err := readProtocolHeader(stream)
	if err != nil {
		log.WithError(err).Warn("tcphost: failed to read protocol header")
		stream.Close()
		return
	}

	h.mu.Lock()
	fn := h.handlers[protocolId]
	h.mu.Unlock()

	if fn == nil {
		stream.Close()
		return
	}

	fn(inboundStream{stream: &tcpStream{Conn: stream, remote: kadid.NodeId{}, addr: remoteAddr}})
}

// OpenStream dials (or reuses) a yamux session to peer and opens one
// stream for protocolId, writing the protocol header the accepting side
// expects.
func (h *Host) OpenStream(peer host.PeerInfo, protocolId string) (host.Stream, error) {
	if !peer.HasAddrs() {
		return nil, fmt.Errorf("tcphost: peer %s has no known address", peer.Id)
	}
	addr := peer.Addrs[0]

	sess, isNew, err := h.sessionTo(addr)
	if err != nil {
		return nil, err
	}
	if isNew {
		h.notifyOutbound(addr, peer.Id)
	}

	stream, err := sess.Open()
	if err != nil {
		return nil, fmt.Errorf("tcphost: open stream to %s: %w", addr, err)
	}
	if err := writeProtocolHeader(stream, protocolId); err != nil {
		stream.Close()
		return nil, err
	}

	return &tcpStream{Conn: stream, remote: peer.Id, addr: addr}, nil
}

// sessionTo returns the yamux session to addr, dialing one if none
// exists yet. isNew reports whether a fresh dial happened, so the caller
// can publish a new-outbound-connection event exactly once per session.
func (h *Host) sessionTo(addr string) (sess *yamux.Session, isNew bool, err error) {
	h.mu.Lock()
	if sess, ok := h.sessions[addr]; ok {
		h.mu.Unlock()
		return sess, false, nil
	}
	h.mu.Unlock()

	conn, err := h.dialer.Dial("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("tcphost: dial %s: %w", addr, err)
	}

	sess, err = yamux.Client(conn, nil)
	if err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("tcphost: yamux client %s: %w", addr, err)
	}

	h.mu.Lock()
	h.sessions[addr] = sess
	h.mu.Unlock()

	return sess, true, nil
}

// notifyOutbound publishes a new-outbound-connection event to every
// subscriber, the way a real Host reports a freshly dialed connection so
// the coordinator can learn the remote endpoint into its routing table.
func (h *Host) notifyOutbound(addr string, remote kadid.NodeId) {
	h.mu.Lock()
	subs := append([]chan<- host.CapableConnection(nil), h.subs...)
	h.mu.Unlock()

	ev := outboundConnection{remote: remote, addr: addr}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

type outboundConnection struct {
	remote kadid.NodeId
	addr   string
}

func (c outboundConnection) IsInitiator() bool        { return true }
func (c outboundConnection) RemotePeer() kadid.NodeId { return c.remote }
func (c outboundConnection) RemoteAddr() string       { return c.addr }

func writeProtocolHeader(w io.Writer, protocolId string) error {
	buf := make([]byte, 2+len(protocolId))
	binary.BigEndian.PutUint16(buf, uint16(len(protocolId)))
	copy(buf[2:], protocolId)
	_, err := w.Write(buf)
	return err
}

func readProtocolHeader(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

type tcpStream struct {
	net.Conn
	remote kadid.NodeId
	addr   string
}

func (s *tcpStream) RemotePeer() kadid.NodeId { return s.remote }
func (s *tcpStream) RemoteAddr() string       { return s.addr }

type inboundStream struct {
	stream host.Stream
}

func (r inboundStream) Stream() host.Stream { return r.stream }
func (r inboundStream) Err() error          { return nil }

type inboundConnection struct {
	remoteAddr string
}

func (c inboundConnection) IsInitiator() bool       { return false }
func (c inboundConnection) RemotePeer() kadid.NodeId { return kadid.NodeId{} }
func (c inboundConnection) RemoteAddr() string      { return c.remoteAddr }

type repository struct {
	mu    sync.Mutex
	infos map[kadid.NodeId]host.PeerInfo
	addrs *addressRepository
}

func newRepository() *repository {
	return &repository{
		infos: make(map[kadid.NodeId]host.PeerInfo),
		addrs: newAddressRepository(),
	}
}

func (r *repository) GetPeerInfo(peer kadid.NodeId) host.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.infos[peer]; ok {
		return info
	}
	return host.PeerInfo{Id: peer, Addrs: r.addrs.Addrs(peer)}
}

func (r *repository) AddressRepository() host.AddressRepository { return r.addrs }

type addrEntry struct {
	addr    string
	expires time.Time // zero means permanent
}

type addressRepository struct {
	mu    sync.Mutex
	addrs map[kadid.NodeId][]addrEntry
}

func newAddressRepository() *addressRepository {
	return &addressRepository{addrs: make(map[kadid.NodeId][]addrEntry)}
}

func (a *addressRepository) UpsertAddresses(peer kadid.NodeId, addrs []string, ttl time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var expires time.Time
	if ttl != host.TTLPermanent {
		expires = time.Now().Add(ttl)
	}
	for _, addr := range addrs {
		a.addrs[peer] = append(a.addrs[peer], addrEntry{addr: addr, expires: expires})
	}
	return nil
}

func (a *addressRepository) Addrs(peer kadid.NodeId) []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	var out []string
	for _, e := range a.addrs[peer] {
		if !e.expires.IsZero() && now.After(e.expires) {
			continue
		}
		out = append(out, e.addr)
	}
	return out
}

type connManager struct {
	mu       sync.Mutex
	reaching map[kadid.NodeId]host.Connectedness
}

func newConnManager() *connManager {
	return &connManager{reaching: make(map[kadid.NodeId]host.Connectedness)}
}

func (c *connManager) Connectedness(peer host.PeerInfo) host.Connectedness {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.reaching[peer.Id]; ok {
		return state
	}
	if peer.HasAddrs() {
		return host.CanConnect
	}
	return host.NotConnected
}
