package ipc

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype the worker channel uses.
const codecName = "msgpack"

func init() {
	encoding.RegisterCodec(codec{})
}

// codec lets gRPC carry plain Go structs encoded with msgpack instead of
// protobuf messages.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal %T: %w", v, err)
	}
	return data, nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("msgpack unmarshal %T: %w", v, err)
	}
	return nil
}

func (codec) Name() string { return codecName }
