package gameserver

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/roomsync/internal/protocol"
)

// DecodeStruct converts a Struct frame into an inbound message using the
// same envelope rules as the websocket frontend.
func DecodeStruct(s *structpb.Struct) (protocol.Inbound, error) {
	if s == nil {
		return nil, fmt.Errorf("empty frame: %w", protocol.ErrMalformed)
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshalling frame: %w: %v", protocol.ErrMalformed, err)
	}
	return protocol.Decode(data)
}

// EncodeStruct converts an outbound message into a Struct frame.
func EncodeStruct(msg protocol.Outbound) (*structpb.Struct, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("building %s frame: %w", msg.Type(), err)
	}
	return s, nil
}

// EncodeInboundStruct converts an inbound message into a Struct frame. Clients use it.
func EncodeInboundStruct(msg protocol.Inbound) (*structpb.Struct, error) {
	data, err := protocol.EncodeInbound(msg)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("building inbound frame: %w", err)
	}
	return s, nil
}

// DecodeOutboundStruct converts a Struct frame into an outbound message. Clients use it.
func DecodeOutboundStruct(s *structpb.Struct) (protocol.Outbound, error) {
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshalling frame: %w: %v", protocol.ErrMalformed, err)
	}
	return protocol.DecodeOutbound(data)
}
