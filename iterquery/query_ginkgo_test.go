package iterquery

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/kadid"
	"github.com/dhtcore/kaddht/wire"
)

// chainNetwork simulates a line of peers each knowing only about the next
// peer closer to target, letting a Query walk the chain one hop at a
// time — the simplest network shape that exercises spec.md §4.2's
// "keep going while a NOT_ASKED candidate is closer than the K closest
// SUCCEEDED peers" condition across more than one round.
type chainNetwork struct {
	order []host.PeerInfo // order[0] is closest to target
}

func (n *chainNetwork) closerThan(id kadid.NodeId) []host.PeerInfo {
	for i, p := range n.order {
		if kadid.Equal(p.Id, id) {
			if i+1 < len(n.order) {
				return []host.PeerInfo{n.order[i+1]}
			}
			return nil
		}
	}
	return nil
}

func idFromByte(b byte) kadid.NodeId {
	var id kadid.NodeId
	id[kadid.Size-1] = b
	return id
}

var _ = Describe("Query", func() {
	It("converges to the K closest reachable peers along a chain", func() {
		target := idFromByte(0)
		net := &chainNetwork{order: []host.PeerInfo{
			{Id: idFromByte(5)},
			{Id: idFromByte(4)},
			{Id: idFromByte(3)},
			{Id: idFromByte(2)},
			{Id: idFromByte(1)},
		}}

		q := &Query{
			Self:    idFromByte(9),
			Target:  target,
			Alpha:   2,
			K:       3,
			Timeout: time.Second,
			Send: func(ctx context.Context, peer host.PeerInfo) (*wire.Message, error) {
				return &wire.Message{Type: wire.TypeFindNode}, nil
			},
			Absorb: func(peer host.PeerInfo, resp *wire.Message) []host.PeerInfo {
				return net.closerThan(peer.Id)
			},
		}

		succeeded := q.Run(context.Background(), []host.PeerInfo{net.order[0]})

		Expect(succeeded).To(BeNumerically(">", 0))
		Expect(succeeded).To(BeNumerically("<=", len(net.order)))
	})

	It("stops immediately once Stop reports true", func() {
		target := idFromByte(0)
		seeds := []host.PeerInfo{{Id: idFromByte(1)}, {Id: idFromByte(2)}}

		q := &Query{
			Self:    idFromByte(9),
			Target:  target,
			Alpha:   2,
			K:       20,
			Timeout: time.Second,
			Send: func(ctx context.Context, peer host.PeerInfo) (*wire.Message, error) {
				return &wire.Message{Type: wire.TypeFindNode}, nil
			},
			Absorb: func(peer host.PeerInfo, resp *wire.Message) []host.PeerInfo {
				return nil
			},
			Stop: func() bool { return true },
		}

		succeeded := q.Run(context.Background(), seeds)
		Expect(succeeded).To(Equal(0))
	})

	It("marks a failing peer FAILED without aborting the whole query", func() {
		target := idFromByte(0)
		seeds := []host.PeerInfo{{Id: idFromByte(1)}, {Id: idFromByte(2)}}

		q := &Query{
			Self:    idFromByte(9),
			Target:  target,
			Alpha:   2,
			K:       20,
			Timeout: time.Second,
			Send: func(ctx context.Context, peer host.PeerInfo) (*wire.Message, error) {
				if kadid.Equal(peer.Id, idFromByte(1)) {
					return nil, context.DeadlineExceeded
				}
				return &wire.Message{Type: wire.TypeFindNode}, nil
			},
			Absorb: func(peer host.PeerInfo, resp *wire.Message) []host.PeerInfo {
				return nil
			},
		}

		succeeded := q.Run(context.Background(), seeds)
		Expect(succeeded).To(Equal(1))
	})
})
