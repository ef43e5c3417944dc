package kadid_test

import (
	"crypto/rand"
	"testing"

	"github.com/dhtcore/kaddht/kadid"
)

func fatalErr(err error, t *testing.T) {
	if err != nil {
		t.Fatal(err.Error())
	}
}

func randomId(t *testing.T) kadid.NodeId {
	var id kadid.NodeId
	_, err := rand.Read(id[:])
	fatalErr(err, t)
	return id
}

func TestNodeIdFromKeyIsDeterministic(t *testing.T) {
	a := kadid.NodeIdFromKey(kadid.Key("hello"))
	b := kadid.NodeIdFromKey(kadid.Key("hello"))

	if !kadid.Equal(a, b) {
		t.Fatal("NodeIdFromKey is not deterministic for the same key")
	}

	c := kadid.NodeIdFromKey(kadid.Key("world"))
	if kadid.Equal(a, c) {
		t.Fatal("different keys produced the same NodeId")
	}
}

func TestXorSelfIsZero(t *testing.T) {
	id := randomId(t)
	d := kadid.Xor(id, id)

	var zero kadid.NodeId
	if !kadid.Equal(d, zero) {
		t.Fatal("Xor(id, id) should be the zero NodeId")
	}
}

func TestCommonPrefixLenOfEqualIdsIsMaximal(t *testing.T) {
	id := randomId(t)
	if got := kadid.CommonPrefixLen(id, id); got != kadid.Size*8-1 {
		t.Fatalf("expected maximal common prefix length, got %d", got)
	}
}

func TestCommonPrefixLenDetectsFirstDifferingBit(t *testing.T) {
	var a, b kadid.NodeId
	a[0] = 0x00
	b[0] = 0x40 // second most significant bit differs

	if got := kadid.CommonPrefixLen(a, b); got != 1 {
		t.Fatalf("expected common prefix length 1, got %d", got)
	}
}

func TestStringRoundTrips(t *testing.T) {
	id := randomId(t)

	decoded, err := kadid.DecodeNodeId(id.String())
	fatalErr(err, t)

	if !kadid.Equal(id, decoded) {
		t.Fatal("DecodeNodeId(id.String()) did not round trip")
	}
}

func TestDistanceLess(t *testing.T) {
	var target, near, far kadid.NodeId
	near[kadid.Size-1] = 0x01
	far[kadid.Size-1] = 0x02

	if !kadid.DistanceLess(near, far, target) {
		t.Fatal("expected near to be closer to target than far")
	}
	if kadid.DistanceLess(far, near, target) {
		t.Fatal("expected far to not be closer to target than near")
	}
}

func TestNodeIdFromPublicKeyRejectsEmpty(t *testing.T) {
	if _, err := kadid.NodeIdFromPublicKey(nil); err == nil {
		t.Fatal("expected an error deriving a NodeId from an empty public key")
	}
}
