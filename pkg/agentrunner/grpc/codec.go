package grpc

import "encoding/json"

// jsonCodec lets the AgentRunner service run over google.golang.org/grpc's
// transport (HTTP/2 framing, streaming, deadlines) without protoc-generated
// message types: grpc's encoding.Codec interface accepts any marshaler, and
// plain JSON-tagged structs are enough for the request/response shapes here.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "json" }
