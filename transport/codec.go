// Package transport carries the storage node rpc: request and reply types,
// the grpc service description and a client keeping one connection per node.
// Messages are encoded as protobuf wire format by hand, see wire.go.
package transport

import (
	"google.golang.org/grpc/encoding"
)

const codecName = "dsmeta"

// Codec is the grpc codec of every storage node call.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	return marshalMessage(v)
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	return unmarshalMessage(data, v)
}

func (Codec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(Codec{})
}
