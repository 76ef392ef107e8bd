package grpcpeer

import (
	"encoding/json"
	"fmt"
)

// codecName is the content-subtype the peer service speaks. Envelopes
// are plain JSON; there is no generated protobuf surface on the peer
// wire.
const codecName = "herd-json"

// jsonCodec marshals peer envelopes. Registered per-call on the client
// and forced on the server.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }
