// Package rpcx wires the management surface's RPCs onto grpc without
// protobuf code generation. The teacher's pkg/api speaks grpc through a
// protoc-generated WarrenAPI service; this module's management verbs are
// plain Go request/response structs instead (pkg/api/messages.go), so grpc
// needs a codec that can marshal those directly. Name matches the grpc
// "content-subtype" convention: lowercase, no dots.
package rpcx

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is both the encoding.Codec's registered name and the grpc
// content-subtype callers select with grpc.CallContentSubtype(CodecName).
const CodecName = "json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/json, used in place of a protobuf codec for this service.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcx: marshal %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpcx: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
