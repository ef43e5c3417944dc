package routingtable_test

import (
	"testing"

	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/kadid"
	"github.com/dhtcore/kaddht/routingtable"
)

func idFromByte(b byte) kadid.NodeId {
	var id kadid.NodeId
	id[kadid.Size-1] = b
	return id
}

func TestUpdateAddsNewPeer(t *testing.T) {
	self := idFromByte(0)
	tbl := routingtable.New(self, 2)

	res := tbl.Update(host.PeerInfo{Id: idFromByte(1)})
	if res != routingtable.Added {
		t.Fatalf("expected Added, got %s", res)
	}
	if tbl.Size() != 1 {
		t.Fatalf("expected size 1, got %d", tbl.Size())
	}
}

func TestUpdateIsNoOpForSelf(t *testing.T) {
	self := idFromByte(0)
	tbl := routingtable.New(self, 2)

	res := tbl.Update(host.PeerInfo{Id: self})
	if res != routingtable.Updated {
		t.Fatalf("expected Updated for self, got %s", res)
	}
	if tbl.Size() != 0 {
		t.Fatal("self should never be inserted into the table")
	}
}

func TestUpdateReportsBucketFull(t *testing.T) {
	self := idFromByte(0)
	tbl := routingtable.New(self, 1)

	// 0x02 and 0x03 both first differ from self at the second-lowest bit,
	// so they land in the same bucket (common-prefix length 254 with self).
	first := kadid.NodeId{}
	first[kadid.Size-1] = 0x02
	second := kadid.NodeId{}
	second[kadid.Size-1] = 0x03

	if res := tbl.Update(host.PeerInfo{Id: first}); res != routingtable.Added {
		t.Fatalf("expected first insert to succeed, got %s", res)
	}
	if res := tbl.Update(host.PeerInfo{Id: second}); res != routingtable.BucketFull {
		t.Fatalf("expected second insert into a size-1 bucket to report BucketFull, got %s", res)
	}
}

func TestUpdateMovesExistingPeerToFront(t *testing.T) {
	self := idFromByte(0)
	tbl := routingtable.New(self, 20)

	// ids 2 and 3 share a bucket (common-prefix length 254 with self).
	p1 := host.PeerInfo{Id: idFromByte(2), Addrs: []string{"a"}}
	p2 := host.PeerInfo{Id: idFromByte(3)}
	tbl.Update(p1)
	tbl.Update(p2)

	// Refresh p1 with a new address; it should now be the
	// most-recently-seen (front) entry of its bucket.
	p1.Addrs = []string{"b"}
	if res := tbl.Update(p1); res != routingtable.Updated {
		t.Fatalf("expected Updated, got %s", res)
	}

	stalest, ok := tbl.Stalest(p1.Id)
	if !ok {
		t.Fatal("expected a stalest entry")
	}
	if !kadid.Equal(stalest.Id, p2.Id) {
		t.Fatal("expected p2 to remain the stalest entry in its bucket after refreshing p1")
	}
}

func TestGetNearestPeersOrdersByXorDistance(t *testing.T) {
	self := idFromByte(0)
	tbl := routingtable.New(self, 20)

	far := idFromByte(0x0F)
	near := idFromByte(0x01)
	tbl.Update(host.PeerInfo{Id: far})
	tbl.Update(host.PeerInfo{Id: near})

	nearest := tbl.GetNearestPeers(self, 2)
	if len(nearest) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(nearest))
	}
	if !kadid.Equal(nearest[0].Id, near) {
		t.Fatal("expected the closer peer to sort first")
	}
}
