// Package session implements the per-stream message reader/writer and
// lifetime tracker described in spec.md §3 ("Session"). Framing is a
// length-delimited envelope around the wire package's gzip+msgpack
// encoding, matching the "length-delimited binary serialization" framing
// named in §6.1. Multiplexing many sessions over one underlying connection
// is a concern of the host.Host implementation a Session is opened over,
// not of the Session itself — see host/tcphost, which layers
// github.com/hashicorp/yamux over a single TCP connection the way the
// teacher's proto.StreamManager layers yamux sessions over one socket.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/kadid"
	"github.com/dhtcore/kaddht/wire"
)

// State is the Session state machine of spec.md §3.
type State int

const (
	Open State = iota
	Reading
	Writing
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Reading:
		return "READING"
	case Writing:
		return "WRITING"
	default:
		return "CLOSED"
	}
}

// CloseReason names why a session was torn down, mirroring the error
// taxonomy of spec.md §7 where it intersects session lifetime.
type CloseReason int

const (
	ClosedNormally CloseReason = iota
	ClosedUnexpectedMessageType
	ClosedMessageSerializeError
	ClosedMessageDeserializeError
	ClosedStreamError
)

// Handler is the coordinator-side seam a Session calls back into. A
// Session holds only this interface, never a concrete coordinator type —
// the non-owning reference discipline spec.md §9 calls for, expressed in
// Go as "depend on an interface, not the owner".
type Handler interface {
	OnMessage(s *Session, remote kadid.NodeId, msg *wire.Message)
	OnSessionClosed(s *Session, reason CloseReason)
}

// Session wraps one host.Stream, reading and writing framed wire.Message
// values and tracking {OPEN, READING, WRITING, CLOSED} state. It carries a
// reference count (Retain/Release) and closes once the count drops to
// zero. Only the coordinator's inbound path creates Sessions; outbound
// IterativeQuery requests use WriteFramedMessage/ReadFramedMessage on
// streams of their own and never retain a Session.
type Session struct {
	mu      sync.Mutex
	state   State
	stream  host.Stream
	remote  kadid.NodeId
	handler Handler
	refs    int
	closed  bool

	writeMu sync.Mutex
}

// New wraps stream in a Session. remote is the stream's remote peer id.
// The session does not start reading until Start is called.
func New(stream host.Stream, remote kadid.NodeId, handler Handler) *Session {
	return &Session{
		state:   Open,
		stream:  stream,
		remote:  remote,
		handler: handler,
		refs:    1,
	}
}

// RemotePeer returns the id of the peer at the other end of the stream.
func (s *Session) RemotePeer() kadid.NodeId { return s.remote }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Retain increments the session's reference count; call when a new holder
// starts depending on it.
func (s *Session) Retain() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

// Release decrements the reference count and closes the session once it
// drops to zero.
func (s *Session) Release() {
	s.mu.Lock()
	s.refs--
	shouldClose := s.refs <= 0
	s.mu.Unlock()

	if shouldClose {
		s.Close()
	}
}

// Start launches the session's read loop in its own goroutine. Messages
// are delivered to the Handler serialized per session — arrival order on
// one session is preserved (spec.md §5) — but delivery across sessions is
// unordered relative to each other since each session has its own
// goroutine.
func (s *Session) Start() {
	go s.readLoop()
}

func (s *Session) readLoop() {
	for {
		s.mu.Lock()
		if s.state == Closed {
			s.mu.Unlock()
			return
		}
		s.state = Reading
		s.mu.Unlock()

		msg, err := readFrame(s.stream)
		if err != nil {
			reason := ClosedStreamError
			if errors.Is(err, errBadFrame) {
				reason = ClosedMessageDeserializeError
			}
			s.closeWithReason(reason)
			return
		}

		s.mu.Lock()
		s.state = Open
		s.mu.Unlock()

		s.handler.OnMessage(s, s.remote, msg)
	}
}

// WriteMessage serializes and sends msg on the underlying stream. The
// coordinator's response path treats a non-nil error as fatal for the
// session per spec.md §4.1's MESSAGE_SERIALIZE_ERROR policy.
func (s *Session) WriteMessage(msg *wire.Message) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return errors.New("session: closed")
	}
	s.state = Writing
	s.mu.Unlock()

	s.writeMu.Lock()
	err := writeFrame(s.stream, msg)
	s.writeMu.Unlock()

	s.mu.Lock()
	if s.state != Closed {
		s.state = Open
	}
	s.mu.Unlock()

	return err
}

// Close tears the session down idempotently, mirroring the teacher's
// StreamManager.Close / KademliaImpl::closeSession.
func (s *Session) Close() {
	s.closeWithReason(ClosedNormally)
}

// CloseWithReason closes the session and records why — used by the
// coordinator to implement UNEXPECTED_MESSAGE_TYPE / MESSAGE_SERIALIZE_ERROR
// closes from §4.1.
func (s *Session) CloseWithReason(reason CloseReason) {
	s.closeWithReason(reason)
}

func (s *Session) closeWithReason(reason CloseReason) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = Closed
	s.mu.Unlock()

	if err := s.stream.Close(); err != nil {
		log.WithError(err).Debug("session: error closing stream")
	}

	s.handler.OnSessionClosed(s, reason)
}

// WriteFramedMessage and ReadFramedMessage expose the wire framing used by
// Session to callers that need a bare request/response round trip on a
// stream without the full Session state machine — the coordinator's
// outbound Transport for the IterativeQuery engine opens one stream per
// request and uses exactly this pair.
func WriteFramedMessage(w io.Writer, msg *wire.Message) error {
	return writeFrame(w, msg)
}

func ReadFramedMessage(r io.Reader) (*wire.Message, error) {
	return readFrame(r)
}

var errBadFrame = errors.New("session: malformed frame")

func readFrame(r io.Reader) (*wire.Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > wire.MaxMessageSize {
		return nil, errBadFrame
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	msg, err := wire.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return msg, nil
}

func writeFrame(w io.Writer, msg *wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
