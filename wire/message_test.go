package wire_test

import (
	"testing"

	"github.com/dhtcore/kaddht/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &wire.Message{
		Type: wire.TypeGetValue,
		Key:  []byte("some-key"),
		CloserPeers: []wire.Peer{
			{Id: []byte{1, 2, 3}, Addrs: []string{"addr1"}, Connectedness: wire.Connected},
		},
		Record: &wire.Record{Key: []byte("some-key"), Value: []byte("value"), Expire: "1700000000"},
	}

	data, err := wire.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := wire.Decode(data)
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Type != msg.Type {
		t.Fatalf("expected type %v, got %v", msg.Type, decoded.Type)
	}
	if string(decoded.Key) != string(msg.Key) {
		t.Fatalf("expected key %q, got %q", msg.Key, decoded.Key)
	}
	if decoded.Record == nil || string(decoded.Record.Value) != "value" {
		t.Fatal("expected record value to round trip")
	}
	if len(decoded.CloserPeers) != 1 || decoded.CloserPeers[0].Addrs[0] != "addr1" {
		t.Fatal("expected closer peers to round trip")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := wire.Decode([]byte("not a valid gzip+msgpack frame")); err == nil {
		t.Fatal("expected Decode to reject garbage input")
	}
}

func TestTypeStringCoversAllSixTypes(t *testing.T) {
	types := []wire.Type{
		wire.TypePutValue, wire.TypeGetValue, wire.TypeAddProvider,
		wire.TypeGetProviders, wire.TypeFindNode, wire.TypePing,
	}
	for _, ty := range types {
		if ty.String() == "" {
			t.Fatalf("expected a non-empty name for type %d", ty)
		}
	}
}
