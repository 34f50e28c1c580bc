package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cory-johannsen/roomsync/internal/game/room"
)

// ErrUnknownType is returned when an envelope carries an unrecognised type tag.
var ErrUnknownType = errors.New("unknown message type")

// ErrMalformed is returned when an envelope cannot be decoded into its message.
var ErrMalformed = errors.New("malformed message")

type envelope struct {
	Type string `json:"type"`
}

type wireJoin struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type wireUpdate struct {
	Pos  []float64 `json:"pos"`
	Rot  []float64 `json:"rot"`
	Anim *int      `json:"anim"`
}

type wireChat struct {
	Text string `json:"text"`
}

type wirePlayer struct {
	ConnectionID string    `json:"connectionId"`
	Username     string    `json:"username,omitempty"`
	Pos          room.Vec3 `json:"pos"`
	Rot          room.Vec3 `json:"rot"`
	Anim         int       `json:"anim"`
}

func toWirePlayer(p room.PlayerState) wirePlayer {
	return wirePlayer{
		ConnectionID: p.ConnectionID,
		Username:     p.Username,
		Pos:          p.Position,
		Rot:          p.Rotation,
		Anim:         p.Animation,
	}
}

// Decode parses one inbound envelope.
//
// Postcondition: Returns a Join, Update, Leave or Chat; or an error wrapping
// ErrUnknownType or ErrMalformed.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeJoin:
		var w wireJoin
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decoding %s: %w: %v", env.Type, ErrMalformed, err)
		}
		if w.RoomID == "" {
			return nil, fmt.Errorf("decoding %s: %w: roomId is required", env.Type, ErrMalformed)
		}
		return Join{RoomID: w.RoomID, Username: w.Username}, nil
	case TypeUpdate:
		var w wireUpdate
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decoding %s: %w: %v", env.Type, ErrMalformed, err)
		}
		pos, err := vec3(w.Pos, "pos")
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
		}
		rot, err := vec3(w.Rot, "rot")
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
		}
		if w.Anim == nil {
			return nil, fmt.Errorf("decoding %s: %w: anim is required", env.Type, ErrMalformed)
		}
		return Update{Position: pos, Rotation: rot, Animation: *w.Anim}, nil
	case TypeLeave:
		return Leave{}, nil
	case TypeSendMsg:
		var w wireChat
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decoding %s: %w: %v", env.Type, ErrMalformed, err)
		}
		return Chat{Text: w.Text}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func vec3(v []float64, field string) (room.Vec3, error) {
	if len(v) != 3 {
		return room.Vec3{}, fmt.Errorf("%w: %s must have 3 components, got %d", ErrMalformed, field, len(v))
	}
	return room.Vec3{v[0], v[1], v[2]}, nil
}

// Encode renders an outbound message as a JSON envelope.
func Encode(msg Outbound) ([]byte, error) {
	var body any
	switch m := msg.(type) {
	case Welcome:
		body = struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connectionId"`
		}{m.Type(), m.ConnectionID}
	case RoomState:
		players := make([]wirePlayer, len(m.Players))
		for i, p := range m.Players {
			players[i] = toWirePlayer(p)
		}
		body = struct {
			Type    string       `json:"type"`
			RoomID  string       `json:"roomId"`
			Players []wirePlayer `json:"players"`
		}{m.Type(), m.RoomID, players}
	case PlayerJoined:
		body = struct {
			Type string `json:"type"`
			wirePlayer
		}{m.Type(), toWirePlayer(m.Player)}
	case PlayerUpdated:
		p := toWirePlayer(m.Player)
		p.Username = ""
		body = struct {
			Type string `json:"type"`
			wirePlayer
		}{m.Type(), p}
	case PlayerLeft:
		body = struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connectionId"`
		}{m.Type(), m.ConnectionID}
	case ChatMessage:
		body = struct {
			Type         string `json:"type"`
			ConnectionID string `json:"connectionId"`
			Username     string `json:"username"`
			Text         string `json:"text"`
			Timestamp    int64  `json:"timestamp"`
		}{m.Type(), m.ConnectionID, m.Username, m.Text, m.SentAt.UnixMilli()}
	case Error:
		body = struct {
			Type    string `json:"type"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}{m.Type(), m.Code, m.Message}
	default:
		return nil, fmt.Errorf("encoding %T: %w", msg, ErrUnknownType)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	return data, nil
}

// EncodeInbound renders an inbound message as a JSON envelope. Clients and tests use it.
func EncodeInbound(msg Inbound) ([]byte, error) {
	var body any
	switch m := msg.(type) {
	case Join:
		body = struct {
			Type string `json:"type"`
			wireJoin
		}{TypeJoin, wireJoin{RoomID: m.RoomID, Username: m.Username}}
	case Update:
		anim := m.Animation
		body = struct {
			Type string `json:"type"`
			wireUpdate
		}{TypeUpdate, wireUpdate{Pos: m.Position[:], Rot: m.Rotation[:], Anim: &anim}}
	case Leave:
		body = envelope{Type: TypeLeave}
	case Chat:
		body = struct {
			Type string `json:"type"`
			wireChat
		}{TypeSendMsg, wireChat{Text: m.Text}}
	default:
		return nil, fmt.Errorf("encoding %T: %w", msg, ErrUnknownType)
	}
	return json.Marshal(body)
}

// DecodeOutbound parses an outbound envelope. Clients and tests use it.
func DecodeOutbound(data []byte) (Outbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w: %v", ErrMalformed, err)
	}

	fromWire := func(w wirePlayer) room.PlayerState {
		return room.PlayerState{
			ConnectionID: w.ConnectionID,
			Username:     w.Username,
			Position:     w.Pos,
			Rotation:     w.Rot,
			Animation:    w.Anim,
		}
	}

	switch env.Type {
	case TypeWelcome, TypePlayerLeft:
		var w struct {
			ConnectionID string `json:"connectionId"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decoding %s: %w: %v", env.Type, ErrMalformed, err)
		}
		if env.Type == TypeWelcome {
			return Welcome{ConnectionID: w.ConnectionID}, nil
		}
		return PlayerLeft{ConnectionID: w.ConnectionID}, nil
	case TypeRoomState:
		var w struct {
			RoomID  string       `json:"roomId"`
			Players []wirePlayer `json:"players"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decoding %s: %w: %v", env.Type, ErrMalformed, err)
		}
		players := make([]room.PlayerState, len(w.Players))
		for i, p := range w.Players {
			players[i] = fromWire(p)
		}
		return RoomState{RoomID: w.RoomID, Players: players}, nil
	case TypePlayerJoined, TypePlayerUpdated:
		var w wirePlayer
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decoding %s: %w: %v", env.Type, ErrMalformed, err)
		}
		if env.Type == TypePlayerJoined {
			return PlayerJoined{Player: fromWire(w)}, nil
		}
		return PlayerUpdated{Player: fromWire(w)}, nil
	case TypeChatMessage:
		var w struct {
			ConnectionID string `json:"connectionId"`
			Username     string `json:"username"`
			Text         string `json:"text"`
			Timestamp    int64  `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decoding %s: %w: %v", env.Type, ErrMalformed, err)
		}
		return ChatMessage{ConnectionID: w.ConnectionID, Username: w.Username, Text: w.Text, SentAt: time.UnixMilli(w.Timestamp)}, nil
	case TypeError:
		var w struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decoding %s: %w: %v", env.Type, ErrMalformed, err)
		}
		return Error{Code: w.Code, Message: w.Message}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}
