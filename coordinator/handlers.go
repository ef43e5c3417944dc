// Inbound dispatch: onMessage/onX per spec.md §4.1, generalized from the
// teacher's proto.Server.RouteMessage switch over its own bespoke header
// enum into a switch over wire.Type, and from LocalPeer's HandleQuery /
// HandleFindClosest (localpeerhandlers.go) into the six DHT message
// handlers.
package coordinator

import (
	log "github.com/sirupsen/logrus"

	"github.com/dhtcore/kaddht/host"
	"github.com/dhtcore/kaddht/kadid"
	"github.com/dhtcore/kaddht/session"
	"github.com/dhtcore/kaddht/wire"
)

// handleInboundStream is registered with the Host as the protocol handler
// for cfg.ProtocolId. Each inbound stream gets its own Session, indexed by
// remote peer id; a later stream from the same peer replaces the earlier
// entry. Outbound queries do not use this index (see transport.go).
func (c *Coordinator) handleInboundStream(sr host.StreamResult) {
	if err := sr.Err(); err != nil {
		log.WithError(err).Debug("coordinator: inbound stream error")
		return
	}
	stream := sr.Stream()
	remote := stream.RemotePeer()

	s := session.New(stream, remote, c)
	c.sessions.Set(remote.String(), s)
	c.table.Update(c.peerInfoFor(remote))
	s.Start()
}

// OnMessage implements session.Handler, dispatching on msg.Type per the
// six-case table of spec.md §4.1.
func (c *Coordinator) OnMessage(s *session.Session, remote kadid.NodeId, msg *wire.Message) {
	c.table.Update(c.peerInfoFor(remote))

	var resp *wire.Message
	switch msg.Type {
	case wire.TypePutValue:
		resp = c.onPutValue(remote, msg)
	case wire.TypeGetValue:
		resp = c.onGetValue(remote, msg)
	case wire.TypeAddProvider:
		resp = c.onAddProvider(remote, msg)
	case wire.TypeGetProviders:
		resp = c.onGetProviders(remote, msg)
	case wire.TypeFindNode:
		resp = c.onFindNode(remote, msg)
	case wire.TypePing:
		resp = c.onPing(remote, msg)
	default:
		log.WithField("type", msg.Type).Warn("coordinator: unexpected message type")
		s.CloseWithReason(session.ClosedUnexpectedMessageType)
		return
	}

	if resp == nil {
		return
	}
	if err := s.WriteMessage(resp); err != nil {
		log.WithError(err).Debug("coordinator: failed to write response")
		s.CloseWithReason(session.ClosedMessageSerializeError)
	}
}

// OnSessionClosed implements session.Handler, dropping the session from
// the index. It does not evict the peer from the routing table — a closed
// stream says nothing about long-term reachability (spec.md §4.1).
func (c *Coordinator) OnSessionClosed(s *session.Session, reason session.CloseReason) {
	c.sessions.Remove(s.RemotePeer().String())
}

// onPutValue stores a validated record locally and acks every request,
// accepted or not, with a PUT_VALUE message carrying only the key, the way
// the wire protocol gives PUT_VALUE no distinct success/failure reply
// (spec.md §6.1).
func (c *Coordinator) onPutValue(remote kadid.NodeId, msg *wire.Message) *wire.Message {
	if msg.Record == nil {
		return &wire.Message{Type: wire.TypePutValue, Key: msg.Key}
	}
	key := kadid.Key(msg.Key)
	if err := c.validator.Validate(key, msg.Record.Value); err != nil {
		log.WithError(err).WithField("peer", remote.String()).Debug("coordinator: rejected invalid record")
		return &wire.Message{Type: wire.TypePutValue, Key: msg.Key}
	}

	if msg.Record.Expire != "" {
		if exp, err := parseExpire(msg.Record.Expire); err == nil {
			_ = c.records.PutValueWithExpiration(key, msg.Record.Value, exp)
			return &wire.Message{Type: wire.TypePutValue, Key: msg.Key}
		}
	}
	_ = c.records.PutValue(key, msg.Record.Value)
	return &wire.Message{Type: wire.TypePutValue, Key: msg.Key}
}

// onGetValue answers with the local record if present (regardless of
// whether the key maps near the local id — any peer may have been handed
// a value to cache) plus the closer_peers set for the requester to
// continue its lookup with, and up to CloserPeerCount known connectable
// providers of the key (spec.md §4.3 / §4.1's GET_VALUE row: "if
// providers are known, include up to α of them").
func (c *Coordinator) onGetValue(remote kadid.NodeId, msg *wire.Message) *wire.Message {
	c.absorbCloserPeers(msg.CloserPeers)

	key := kadid.Key(msg.Key)
	target := kadid.NodeIdFromKey(key)

	resp := &wire.Message{
		Type:          wire.TypeGetValue,
		Key:           msg.Key,
		CloserPeers:   c.closerPeersFor(target),
		ProviderPeers: c.connectableProvidersFor(target, c.cfg.CloserPeerCount),
	}

	if value, expiration, err := c.records.GetValue(key); err == nil {
		resp.Record = &wire.Record{
			Key:    msg.Key,
			Value:  value,
			Expire: expireString(expiration),
		}
	}
	return resp
}

// onAddProvider records every named provider of the key that is actually
// the sending peer, enforcing the "a peer may announce only itself"
// invariant (spec.md §4.1's ADD_PROVIDER row, §8), and upserts each
// accepted provider's addresses at day TTL. Announcements naming any
// other peer are logged and dropped. ADD_PROVIDER has no distinct
// success/failure reply on the wire (spec.md §6.1); onAddProvider still
// acks by echoing the key back, the way onPutValue does, so the caller's
// Request round trip does not block for the full query timeout.
func (c *Coordinator) onAddProvider(remote kadid.NodeId, msg *wire.Message) *wire.Message {
	key := kadid.Key(msg.Key)
	target := kadid.NodeIdFromKey(key)

	for _, p := range msg.ProviderPeers {
		if len(p.Id) != kadid.Size {
			continue
		}
		var id kadid.NodeId
		copy(id[:], p.Id)
		if !kadid.Equal(id, remote) {
			log.WithFields(log.Fields{
				"remote":   remote.String(),
				"provider": id.String(),
			}).Debug("coordinator: rejected provider announcement naming a peer other than the sender")
			continue
		}
		c.providers.AddProvider(target, id)
		if len(p.Addrs) > 0 {
			if err := c.h.PeerRepository().AddressRepository().UpsertAddresses(id, p.Addrs, host.TTLDay); err != nil {
				log.WithError(err).Debug("coordinator: failed to upsert provider address")
			}
		}
	}
	return &wire.Message{Type: wire.TypeAddProvider, Key: msg.Key}
}

// connectableProvidersFor returns up to limit known providers of target
// that the local peer does not believe are unreachable, as wire.Peer
// values ready to attach to a GET_VALUE or GET_PROVIDERS reply. limit<=0
// means no cap. Built on connectableProviderPeerInfos, the same filter
// FindProviders uses to serve locally-known providers to a caller.
func (c *Coordinator) connectableProvidersFor(target kadid.NodeId, limit int) []wire.Peer {
	infos := c.connectableProviderPeerInfos(target, limit)
	out := make([]wire.Peer, 0, len(infos))
	for _, p := range infos {
		out = append(out, wire.Peer{
			Id:            append([]byte(nil), p.Id[:]...),
			Addrs:         p.Addrs,
			Connectedness: wire.Connectedness(c.h.ConnectionManager().Connectedness(p)),
		})
	}
	return out
}

// onGetProviders answers with known providers of the key plus closer
// peers for the requester to keep searching with (spec.md §4.5).
func (c *Coordinator) onGetProviders(remote kadid.NodeId, msg *wire.Message) *wire.Message {
	key := kadid.Key(msg.Key)
	target := kadid.NodeIdFromKey(key)

	return &wire.Message{
		Type:          wire.TypeGetProviders,
		Key:           msg.Key,
		CloserPeers:   c.closerPeersFor(target),
		ProviderPeers: c.connectableProvidersFor(target, 0),
	}
}

// onFindNode answers with the closer_peers set nearest the requested key,
// interpreted as a raw 256-bit id rather than a hashed content key
// (spec.md §4.7 / §9 — the dead "exact match short-circuit" the original
// comments out never fires and is not reproduced here). Any closer_peers
// the requester attached to its own request are absorbed the same way a
// FIND_NODE response's are (spec.md §4.1).
func (c *Coordinator) onFindNode(remote kadid.NodeId, msg *wire.Message) *wire.Message {
	c.absorbCloserPeers(msg.CloserPeers)

	var target kadid.NodeId
	if len(msg.Key) == kadid.Size {
		copy(target[:], msg.Key)
	}
	return &wire.Message{
		Type:        wire.TypeFindNode,
		Key:         msg.Key,
		CloserPeers: c.closerPeersFor(target),
	}
}

// onPing answers PING with PING, the way the original's onPing handler
// replies with an empty acknowledgement.
func (c *Coordinator) onPing(remote kadid.NodeId, msg *wire.Message) *wire.Message {
	return &wire.Message{Type: wire.TypePing}
}
