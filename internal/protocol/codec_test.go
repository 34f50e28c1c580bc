package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/roomsync/internal/game/room"
)

func TestDecode_Join(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"join-room","roomId":"r1","username":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, Join{RoomID: "r1", Username: "alice"}, msg)
}

func TestDecode_JoinRequiresRoom(t *testing.T) {
	_, err := Decode([]byte(`{"type":"join-room","username":"alice"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_Update(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"update-player","pos":[1,0,0],"rot":[0,1.5,0],"anim":9}`))
	require.NoError(t, err)
	assert.Equal(t, Update{Position: room.Vec3{1, 0, 0}, Rotation: room.Vec3{0, 1.5, 0}, Animation: 9}, msg)
}

func TestDecode_UpdateRejectsShortVector(t *testing.T) {
	_, err := Decode([]byte(`{"type":"update-player","pos":[1,0],"rot":[0,0,0],"anim":3}`))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.ErrorContains(t, err, "pos must have 3 components")
}

func TestDecode_UpdateRequiresAnim(t *testing.T) {
	_, err := Decode([]byte(`{"type":"update-player","pos":[1,0,0],"rot":[0,0,0]}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode_LeaveAndChat(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"leave-room"}`))
	require.NoError(t, err)
	assert.Equal(t, Leave{}, msg)

	msg, err = Decode([]byte(`{"type":"send-message","text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, Chat{Text: "hi"}, msg)
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport"}`))
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestDecode_NotJSON(t *testing.T) {
	_, err := Decode([]byte(`nope`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncode_RoomState(t *testing.T) {
	data, err := Encode(RoomState{
		RoomID: "r1",
		Players: []room.PlayerState{
			{ConnectionID: "a", Username: "alice", Position: room.Vec3{1, 2, 3}, Animation: 3},
		},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"room-state","roomId":"r1","players":[
		{"connectionId":"a","username":"alice","pos":[1,2,3],"rot":[0,0,0],"anim":3}]}`, string(data))
}

func TestEncode_EmptyRoomStateIsArray(t *testing.T) {
	data, err := Encode(RoomState{RoomID: "r1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"room-state","roomId":"r1","players":[]}`, string(data))
}

func TestEncode_PlayerUpdatedOmitsUsername(t *testing.T) {
	data, err := Encode(PlayerUpdated{Player: room.PlayerState{ConnectionID: "a", Username: "alice", Position: room.Vec3{1, 0, 0}, Animation: 9}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"player-updated","connectionId":"a","pos":[1,0,0],"rot":[0,0,0],"anim":9}`, string(data))
}

func TestEncode_PlayerLeftAndError(t *testing.T) {
	data, err := Encode(PlayerLeft{ConnectionID: "a"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"player-left","connectionId":"a"}`, string(data))

	data, err = Encode(Error{Code: "already_joined", Message: "nope"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","code":"already_joined","message":"nope"}`, string(data))
}

func TestEncode_ChatMessageTimestamp(t *testing.T) {
	sent := time.UnixMilli(1700000000123)
	data, err := Encode(ChatMessage{ConnectionID: "a", Username: "alice", Text: "hey", SentAt: sent})
	require.NoError(t, err)

	out, err := DecodeOutbound(data)
	require.NoError(t, err)
	msg, ok := out.(ChatMessage)
	require.True(t, ok)
	assert.True(t, sent.Equal(msg.SentAt))
	assert.Equal(t, "hey", msg.Text)
}

func TestPropertyUpdateSurvivesEncoding(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		coord := rapid.Float64Range(-1e6, 1e6)
		in := Update{
			Position:  room.Vec3{coord.Draw(t, "px"), coord.Draw(t, "py"), coord.Draw(t, "pz")},
			Rotation:  room.Vec3{coord.Draw(t, "rx"), coord.Draw(t, "ry"), coord.Draw(t, "rz")},
			Animation: rapid.IntRange(0, 64).Draw(t, "anim"),
		}
		data, err := EncodeInbound(in)
		require.NoError(t, err)
		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, in, got)
	})
}
