// Package protocol defines the messages exchanged between a connection and the
// session gateway, and their JSON envelope encoding.
package protocol

import (
	"time"

	"github.com/cory-johannsen/roomsync/internal/game/room"
)

// Wire type tags.
const (
	TypeJoin    = "join-room"
	TypeUpdate  = "update-player"
	TypeLeave   = "leave-room"
	TypeSendMsg = "send-message"

	TypeWelcome       = "welcome"
	TypeRoomState     = "room-state"
	TypePlayerJoined  = "player-joined"
	TypePlayerUpdated = "player-updated"
	TypePlayerLeft    = "player-left"
	TypeChatMessage   = "receive-message"
	TypeError         = "error"
)

// Inbound is a message received from a connection. The set of implementations
// is closed: Join, Update, Leave and Chat.
type Inbound interface {
	inbound()
}

// Join asks to enter a room.
type Join struct {
	RoomID   string
	Username string
}

// Update publishes the sender's latest transform.
type Update struct {
	Position  room.Vec3
	Rotation  room.Vec3
	Animation int
}

// Leave exits the current room.
type Leave struct{}

// Chat relays a text message to the sender's room.
type Chat struct {
	Text string
}

func (Join) inbound()   {}
func (Update) inbound() {}
func (Leave) inbound()  {}
func (Chat) inbound()   {}

// Outbound is a message delivered to a connection.
type Outbound interface {
	// Type returns the wire type tag.
	Type() string
}

// Welcome tells a new connection its identifier.
type Welcome struct {
	ConnectionID string
}

// RoomState lists the members already present when the recipient joined.
type RoomState struct {
	RoomID  string
	Players []room.PlayerState
}

// PlayerJoined announces a new member.
type PlayerJoined struct {
	Player room.PlayerState
}

// PlayerUpdated carries a member's new transform.
type PlayerUpdated struct {
	Player room.PlayerState
}

// PlayerLeft announces that a member is gone.
type PlayerLeft struct {
	ConnectionID string
}

// ChatMessage is a relayed chat line.
type ChatMessage struct {
	ConnectionID string
	Username     string
	Text         string
	SentAt       time.Time
}

// Error reports a rejected inbound message to its sender.
type Error struct {
	Code    string
	Message string
}

func (Welcome) Type() string       { return TypeWelcome }
func (RoomState) Type() string     { return TypeRoomState }
func (PlayerJoined) Type() string  { return TypePlayerJoined }
func (PlayerUpdated) Type() string { return TypePlayerUpdated }
func (PlayerLeft) Type() string    { return TypePlayerLeft }
func (ChatMessage) Type() string   { return TypeChatMessage }
func (Error) Type() string         { return TypeError }
