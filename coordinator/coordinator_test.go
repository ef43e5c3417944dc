package coordinator_test

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/dhtcore/kaddht/config"
	"github.com/dhtcore/kaddht/coordinator"
	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/host/memhost"
	"github.com/dhtcore/kaddht/kadid"
	"github.com/dhtcore/kaddht/session"
	"github.com/dhtcore/kaddht/wire"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.QueryTimeout = 5 * time.Second
	cfg.RandomWalk.Enabled = false
	return cfg
}

func newCluster(t *testing.T, n int) ([]*coordinator.Coordinator, []host.PeerInfo) {
	net := memhost.NewNetwork()
	coords := make([]*coordinator.Coordinator, 0, n)
	infos := make([]host.PeerInfo, 0, n)

	for i := 0; i < n; i++ {
		var id kadid.NodeId
		if _, err := rand.Read(id[:]); err != nil {
			t.Fatal(err)
		}
		h := memhost.New(net, id, fmt.Sprintf("memhost://%d", i))
		c := coordinator.New(testConfig(), h, nil, memhost.NewScheduler())
		c.Start()

		coords = append(coords, c)
		infos = append(infos, h.PeerInfo())
	}
	return coords, infos
}

// connectChain bootstraps each coordinator off of its immediate
// predecessor only. Each Bootstrap's own lookup, and the outbound
// connections it opens, can then add a few more peers to a table, so the
// chain is the starting topology rather than a strict one-hop view.
func connectChain(ctx context.Context, coords []*coordinator.Coordinator, infos []host.PeerInfo) {
	for i := 1; i < len(coords); i++ {
		coords[i].Bootstrap(ctx, []host.PeerInfo{infos[i-1]})
	}
}

func TestPutValueThenGetValueAcrossCluster(t *testing.T) {
	coords, infos := newCluster(t, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connectChain(ctx, coords, infos)

	key := kadid.Key("integration-key")
	value := []byte("integration-value")

	if err := coords[0].PutValue(ctx, key, value); err != nil {
		t.Fatalf("PutValue failed: %v", err)
	}

	type result struct {
		value []byte
		found bool
	}
	results := make(chan result, 1)
	if outcome := coords[len(coords)-1].GetValue(ctx, key, func(v []byte, found bool) {
		results <- result{v, found}
	}); outcome != coordinator.OutcomeOK {
		t.Fatalf("expected OutcomeOK, got %v", outcome)
	}

	select {
	case r := <-results:
		if !r.found {
			t.Fatal("expected GetValue to find the value placed by PutValue")
		}
		if string(r.value) != string(value) {
			t.Fatalf("expected %q, got %q", value, r.value)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for GetValue handler")
	}
}

func TestFindPeerAcrossMultipleHops(t *testing.T) {
	coords, infos := newCluster(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connectChain(ctx, coords, infos)

	target := infos[len(infos)-1].Id

	type result struct {
		peer host.PeerInfo
		ok   bool
	}
	results := make(chan result, 1)
	coords[0].FindPeer(ctx, target, func(p host.PeerInfo, ok bool) {
		results <- result{p, ok}
	})

	select {
	case r := <-results:
		if !r.ok {
			t.Fatal("expected FindPeer to locate the last peer in the chain")
		}
		if !kadid.Equal(r.peer.Id, target) {
			t.Fatal("FindPeer returned the wrong peer")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for FindPeer handler")
	}
}

func TestProvideThenFindProviders(t *testing.T) {
	coords, infos := newCluster(t, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connectChain(ctx, coords, infos)

	key := kadid.Key("provided-content")
	coords[0].Provide(ctx, key)

	results := make(chan []host.PeerInfo, 1)
	coords[len(coords)-1].FindProviders(ctx, key, 0, func(providers []host.PeerInfo) {
		results <- providers
	})

	select {
	case providers := <-results:
		found := false
		for _, p := range providers {
			if kadid.Equal(p.Id, infos[0].Id) {
				found = true
			}
		}
		if !found {
			t.Fatal("expected FindProviders to surface the peer that called Provide")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for FindProviders handler")
	}
}

// TestOnAddProviderRejectsSpoofedProvider drives a raw ADD_PROVIDER
// request naming a peer other than the sender directly at a Coordinator,
// bypassing Provide (which always names the caller truthfully), to
// exercise the "a peer may announce only itself" invariant.
func TestOnAddProviderRejectsSpoofedProvider(t *testing.T) {
	cfg := testConfig()
	net := memhost.NewNetwork()

	var attackerId, victimId, spoofedId kadid.NodeId
	for _, id := range []*kadid.NodeId{&attackerId, &victimId, &spoofedId} {
		if _, err := rand.Read(id[:]); err != nil {
			t.Fatal(err)
		}
	}

	attackerHost := memhost.New(net, attackerId, "memhost://attacker")
	victimHost := memhost.New(net, victimId, "memhost://victim")

	victim := coordinator.New(cfg, victimHost, nil, memhost.NewScheduler())
	victim.Start()

	key := kadid.Key("spoofed-key")
	stream, err := attackerHost.OpenStream(victimHost.PeerInfo(), cfg.ProtocolId)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer stream.Close()

	req := &wire.Message{
		Type: wire.TypeAddProvider,
		Key:  []byte(key),
		ProviderPeers: []wire.Peer{{
			Id:    append([]byte(nil), spoofedId[:]...),
			Addrs: []string{"memhost://spoofed"},
		}},
	}
	if err := session.WriteFramedMessage(stream, req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if _, err := session.ReadFramedMessage(stream); err != nil {
		t.Fatalf("read ack: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	results := make(chan []host.PeerInfo, 1)
	victim.FindProviders(ctx, key, 0, func(providers []host.PeerInfo) {
		results <- providers
	})

	select {
	case providers := <-results:
		for _, p := range providers {
			if kadid.Equal(p.Id, spoofedId) {
				t.Fatal("expected the spoofed provider announcement to be rejected")
			}
			if kadid.Equal(p.Id, attackerId) {
				t.Fatal("expected attacker to not have been recorded as a provider either, since it never named itself")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for FindProviders handler")
	}
}

func TestGetValueMissingKeyReturnsNotFound(t *testing.T) {
	coords, infos := newCluster(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connectChain(ctx, coords, infos)

	results := make(chan bool, 1)
	outcome := coords[0].GetValue(ctx, kadid.Key("never-put"), func(_ []byte, found bool) {
		results <- found
	})
	if outcome != coordinator.OutcomeOK {
		t.Fatalf("expected OutcomeOK (peers exist, just no record), got %v", outcome)
	}

	select {
	case found := <-results:
		if found {
			t.Fatal("expected GetValue to report not found for an unknown key")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for GetValue handler")
	}
}

// TestGetValueWithNoPeersReturnsNoPeers exercises the synchronous NO_PEERS
// outcome (spec.md §7): an isolated coordinator with no record for key and
// no connectable peer near its target cannot start a lookup at all.
func TestGetValueWithNoPeersReturnsNoPeers(t *testing.T) {
	net := memhost.NewNetwork()
	var id kadid.NodeId
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatal(err)
	}
	h := memhost.New(net, id, "memhost://isolated")
	c := coordinator.New(testConfig(), h, nil, memhost.NewScheduler())
	c.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	outcome := c.GetValue(ctx, kadid.Key("never-put"), func([]byte, bool) {
		t.Fatal("handler must not be invoked when the outcome is NoPeers")
	})
	if outcome != coordinator.OutcomeNoPeers {
		t.Fatalf("expected OutcomeNoPeers, got %v", outcome)
	}
}
