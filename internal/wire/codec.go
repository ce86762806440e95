package wire

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec marshals wire messages as JSON rather than protobuf wire
// format, letting this service avoid a protoc code-generation step
// while remaining a genuine google.golang.org/grpc streaming service.
// It registers under the name "proto" -- the content-subtype grpc
// selects by default when a call specifies none -- so no CallOption is
// required of callers.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
