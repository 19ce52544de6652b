package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame is the JSON envelope exchanged over an endpoint.
//
//	cmd:    {type, serviceName, method, params, token}
//	reply:  {type, token, status, payload}
//	stream: {type, token, status, payload}
//
// A cmd without a token is fire-and-forget.
type Frame struct {
	Type        string          `json:"type"`
	ServiceName string          `json:"serviceName,omitempty"`
	Method      string          `json:"method,omitempty"`
	Token       string          `json:"token,omitempty"`
	Status      Status          `json:"status"`
	Params      json.RawMessage `json:"params,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes the frame.
func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

// Unmarshal decodes a frame and checks its type.
func Unmarshal(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("frame decode: %w", err)
	}
	switch f.Type {
	case FrameCmd, FrameReply, FrameStream:
	default:
		return nil, fmt.Errorf("frame decode: unknown type %q", f.Type)
	}
	return &f, nil
}

// Encode marshals v into a raw payload. nil stays nil.
func Encode(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Decode unmarshals a raw payload into v. An empty payload leaves v untouched.
func Decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
