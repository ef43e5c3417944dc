// Package wire defines the logical message schema exchanged between DHT
// peers (§6.1 of the specification) and its binary encoding. The spec is
// deliberately agnostic to byte-for-byte framing; this package picks a
// concrete gzip-compressed msgpack encoding, the way the teacher's
// proto.Message encodes with gopkg.in/vmihailenco/msgpack.v2 under gzip.
// The length prefix around each message is added by the session package.
package wire

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	msgpack "gopkg.in/vmihailenco/msgpack.v2"
)

// Type enumerates the six logical message types of §6.1.
type Type int

const (
	TypePutValue Type = iota
	TypeGetValue
	TypeAddProvider
	TypeGetProviders
	TypeFindNode
	TypePing
)

func (t Type) String() string {
	switch t {
	case TypePutValue:
		return "PUT_VALUE"
	case TypeGetValue:
		return "GET_VALUE"
	case TypeAddProvider:
		return "ADD_PROVIDER"
	case TypeGetProviders:
		return "GET_PROVIDERS"
	case TypeFindNode:
		return "FIND_NODE"
	case TypePing:
		return "PING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// Connectedness mirrors host.Connectedness without importing the host
// package, avoiding an import cycle between the wire codec and the
// transport seam it is framed for.
type Connectedness int

const (
	NotConnected Connectedness = iota
	Connected
	CanConnect
	CanNotConnect
)

// Peer is the wire form of a PeerInfo annotated with the sender's belief
// about its reachability.
type Peer struct {
	Id            []byte   `msgpack:"id"`
	Addrs         []string `msgpack:"addrs"`
	Connectedness Connectedness `msgpack:"connectedness"`
}

// Record is the wire form of a stored value. Expire is carried as a
// stringified absolute Unix-seconds timestamp — see DESIGN.md for why this
// resolves the open question left in spec.md §9 about the ambiguity of the
// expire-timestamp encoding.
type Record struct {
	Key    []byte `msgpack:"key"`
	Value  []byte `msgpack:"value"`
	Expire string `msgpack:"expire"`
}

// Message is the logical schema of §6.1: a required Type plus the
// optional fields relevant to that type.
type Message struct {
	Type          Type    `msgpack:"type"`
	Key           []byte  `msgpack:"key,omitempty"`
	Record        *Record `msgpack:"record,omitempty"`
	CloserPeers   []Peer  `msgpack:"closer_peers,omitempty"`
	ProviderPeers []Peer  `msgpack:"provider_peers,omitempty"`
}

// MaxMessageSize bounds a decoded message's uncompressed size, mirroring
// the teacher's common.MaxMessageContentSize guard against unbounded
// inbound frames.
const MaxMessageSize = 4 * 1024 * 1024

// Encode serializes m as gzip-compressed msgpack, the format Decode
// expects.
func Encode(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := msgpack.NewEncoder(gz)

	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("wire: flush: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses bytes produced by Encode back into a Message.
func Decode(data []byte) (*Message, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("wire: decompress: %w", err)
	}
	limited := &io.LimitedReader{R: gz, N: MaxMessageSize}
	dec := msgpack.NewDecoder(limited)

	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	return &m, nil
}
