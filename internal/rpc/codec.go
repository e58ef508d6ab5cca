package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts v to a Struct through its JSON form. v must marshal to a
// JSON object.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("rpc: encode: %T is not an object: %w", v, err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode: %w", err)
	}
	return s, nil
}

// Decode fills v from a request Struct. Fields v does not declare are
// rejected, matching the HTTP API.
func Decode(s *structpb.Struct, v any) error {
	return decode(s, v, true)
}

// DecodeReply fills v from a reply Struct and ignores fields v does not
// declare, so clients keep working against newer servers.
func DecodeReply(s *structpb.Struct, v any) error {
	return decode(s, v, false)
}

func decode(s *structpb.Struct, v any, strict bool) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("rpc: decode: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("rpc: decode: %w", err)
	}
	return nil
}
