package tcphost_test

import (
	"io"
	"testing"
	"time"

	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/host/tcphost"
	"github.com/dhtcore/kaddht/kadid"
)

func TestOpenStreamRoundTripsOverYamux(t *testing.T) {
	serverId := kadid.NodeId{1}
	clientId := kadid.NodeId{2}

	server := tcphost.New(serverId, "127.0.0.1:0")
	if err := server.Listen(); err != nil {
		t.Fatalf("server listen: %v", err)
	}
	defer server.Close()

	received := make(chan string, 1)
	server.SetProtocolHandler("/kaddht/echo/1.0.0", func(sr host.StreamResult) {
		if sr.Err() != nil {
			t.Errorf("unexpected stream error: %v", sr.Err())
			return
		}
		stream := sr.Stream()
		defer stream.Close()

		buf := make([]byte, 5)
		if _, err := io.ReadFull(stream, buf); err != nil {
			t.Errorf("read: %v", err)
			return
		}
		received <- string(buf)
		stream.Write([]byte("world"))
	})

	client := tcphost.New(clientId, "127.0.0.1:0")
	peer := host.PeerInfo{Id: serverId, Addrs: []string{server.Addr()}}

	stream, err := client.OpenStream(peer, "/kaddht/echo/1.0.0")
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("expected server to receive %q, got %q", "hello", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server to receive the message")
	}

	reply := make([]byte, 5)
	if _, err := io.ReadFull(stream, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(reply) != "world" {
		t.Fatalf("expected reply %q, got %q", "world", reply)
	}
}

func TestWithSocks5AcceptsUnreachableProxyAddress(t *testing.T) {
	// proxy.SOCKS5 fails eagerly only on malformed auth, not an unreachable
	// address, so this exercises the option wiring path rather than an
	// actual connection failure.
	h := tcphost.New(kadid.NodeId{3}, "127.0.0.1:0", tcphost.WithSocks5("127.0.0.1:1"))
	if h == nil {
		t.Fatal("expected New to return a Host even with an unreachable socks5 proxy configured")
	}
}
