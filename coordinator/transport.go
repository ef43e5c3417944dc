package coordinator

import (
	"context"
	"fmt"

	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/session"
	"github.com/dhtcore/kaddht/wire"
)

// transport implements iterquery.Transport over a Coordinator: each
// outbound request opens its own stream, writes one framed message, reads
// one framed response and closes, matching spec.md §4.2's "one request in
// flight per candidate peer at a time" without the overhead of a
// long-lived Session for what is typically a single round trip.
type transport Coordinator

// Request is bounded by whichever of ctx or the Coordinator's
// ConnectionTimeout elapses first, so one slow or unresponsive peer
// cannot consume an entire query's timeout budget (spec.md §5).
func (t *transport) Request(ctx context.Context, peer host.PeerInfo, req *wire.Message) (*wire.Message, error) {
	c := (*Coordinator)(t)

	if c.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ConnectionTimeout)
		defer cancel()
	}

	stream, err := c.h.OpenStream(peer, c.cfg.ProtocolId)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open stream to %s: %w", peer.Id, err)
	}
	defer stream.Close()

	type result struct {
		msg *wire.Message
		err error
	}
	done := make(chan result, 1)

	go func() {
		if err := session.WriteFramedMessage(stream, req); err != nil {
			done <- result{err: fmt.Errorf("coordinator: write request: %w", err)}
			return
		}
		resp, err := session.ReadFramedMessage(stream)
		if err != nil {
			done <- result{err: fmt.Errorf("coordinator: read response: %w", err)}
			return
		}
		done <- result{msg: resp}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
