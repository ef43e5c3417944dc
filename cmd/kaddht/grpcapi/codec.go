// Package grpcapi exposes the five user-facing DHT operations over
// google.golang.org/grpc for out-of-process control, grounded on the
// science-engineering-art-kademlia-grpc example's FullNodeClient/server
// split (core/fullNodeClient.go, server/server.go). That example leans on
// protoc-generated message types; this package instead registers a
// msgpack encoding.Codec for grpc — the same wire format the DHT core
// itself speaks (see wire.Encode) — so the control plane needs no
// generated stubs to exercise grpc's server/transport machinery.
package grpcapi

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	msgpack "gopkg.in/vmihailenco/msgpack.v2"
)

const codecName = "kaddht-msgpack"

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return codecName }

func (msgpackCodec) Marshal(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("grpcapi: marshal: %w", err)
	}
	return data, nil
}

func (msgpackCodec) Unmarshal(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpcapi: unmarshal: %w", err)
	}
	return nil
}
