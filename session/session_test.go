package session_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dhtcore/kaddht/kadid"
	"github.com/dhtcore/kaddht/session"
	"github.com/dhtcore/kaddht/wire"
)

type pipeStream struct {
	net.Conn
	remote kadid.NodeId
}

func (s pipeStream) RemotePeer() kadid.NodeId { return s.remote }
func (s pipeStream) RemoteAddr() string       { return "pipe" }

type recordingHandler struct {
	mu       sync.Mutex
	received []*wire.Message
	closedCh chan session.CloseReason
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closedCh: make(chan session.CloseReason, 1)}
}

func (h *recordingHandler) OnMessage(s *session.Session, remote kadid.NodeId, msg *wire.Message) {
	h.mu.Lock()
	h.received = append(h.received, msg)
	h.mu.Unlock()
}

func (h *recordingHandler) OnSessionClosed(s *session.Session, reason session.CloseReason) {
	h.closedCh <- reason
}

func idFromByte(b byte) kadid.NodeId {
	var id kadid.NodeId
	id[kadid.Size-1] = b
	return id
}

func TestSessionDeliversWrittenMessages(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	handler := newRecordingHandler()
	s := session.New(pipeStream{Conn: serverConn, remote: idFromByte(1)}, idFromByte(1), handler)
	s.Start()

	client := session.New(pipeStream{Conn: clientConn, remote: idFromByte(2)}, idFromByte(2), noopHandler{})
	defer client.Close()

	if err := client.WriteMessage(&wire.Message{Type: wire.TypePing}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(time.Second)
	for {
		handler.mu.Lock()
		n := len(handler.received)
		handler.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for message delivery")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSessionCloseNotifiesHandlerOnce(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	handler := newRecordingHandler()
	s := session.New(pipeStream{Conn: clientConn, remote: idFromByte(1)}, idFromByte(1), handler)
	s.Start()

	s.Close()
	s.Close() // idempotent; must not panic or double-deliver

	select {
	case reason := <-handler.closedCh:
		if reason != session.ClosedNormally {
			t.Fatalf("expected ClosedNormally, got %v", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnSessionClosed")
	}
}

func TestRetainReleaseKeepsSessionOpenUntilLastRelease(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	handler := newRecordingHandler()
	s := session.New(pipeStream{Conn: clientConn, remote: idFromByte(1)}, idFromByte(1), handler)
	s.Start()
	s.Retain()

	s.Release()
	if s.State() == session.Closed {
		t.Fatal("session should still be open with one reference remaining")
	}

	s.Release()
	select {
	case <-handler.closedCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final release to close the session")
	}
}

type noopHandler struct{}

func (noopHandler) OnMessage(*session.Session, kadid.NodeId, *wire.Message)    {}
func (noopHandler) OnSessionClosed(*session.Session, session.CloseReason) {}
