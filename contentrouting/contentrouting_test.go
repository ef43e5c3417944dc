package contentrouting_test

import (
	"testing"
	"time"

	"github.com/dhtcore/kaddht/contentrouting"
	"github.com/dhtcore/kaddht/kadid"
)

func idFromByte(b byte) kadid.NodeId {
	var id kadid.NodeId
	id[kadid.Size-1] = b
	return id
}

func TestAddAndGetProviders(t *testing.T) {
	tbl := contentrouting.New(time.Hour, nil)
	key := idFromByte(0)

	tbl.AddProvider(key, idFromByte(1))
	tbl.AddProvider(key, idFromByte(2))

	providers := tbl.GetProvidersFor(key, 0)
	if len(providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(providers))
	}
}

func TestGetProvidersForRespectsLimit(t *testing.T) {
	tbl := contentrouting.New(time.Hour, nil)
	key := idFromByte(0)

	for i := byte(1); i <= 5; i++ {
		tbl.AddProvider(key, idFromByte(i))
	}

	providers := tbl.GetProvidersFor(key, 2)
	if len(providers) != 2 {
		t.Fatalf("expected limit to cap result at 2, got %d", len(providers))
	}
}

func TestExpiredProvidersAreNotReturned(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := contentrouting.New(time.Minute, func() time.Time { return now })
	key := idFromByte(0)

	tbl.AddProvider(key, idFromByte(1))
	now = now.Add(2 * time.Minute)

	if providers := tbl.GetProvidersFor(key, 0); len(providers) != 0 {
		t.Fatalf("expected no unexpired providers, got %d", len(providers))
	}
}

func TestGCRemovesExpiredProviders(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := contentrouting.New(time.Minute, func() time.Time { return now })
	key := idFromByte(0)

	tbl.AddProvider(key, idFromByte(1))
	now = now.Add(2 * time.Minute)

	if removed := tbl.GC(); removed != 1 {
		t.Fatalf("expected to remove 1 expired provider, removed %d", removed)
	}
}
