// Package feedbackv1 defines the stressloop.v1.Feedback gRPC service. Messages
// are plain Go structs carried by a JSON codec registered under the "json"
// content subtype (application/grpc+json).
package feedbackv1

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content subtype used by this service.
const CodecName = "json"

// Codec marshals messages as JSON. Protobuf messages go through protojson so
// that well-known types keep their canonical JSON form.
type Codec struct{}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protojson.Marshal(m)
	}
	return json.Marshal(v)
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, m)
	}
	return json.Unmarshal(data, v)
}

// Name implements encoding.Codec.
func (Codec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}
