// Package room provides in-memory room membership and per-player transform
// state for the session backend.
package room

import "math"

// IdleAnimation is the animation clip index assigned to a freshly joined player.
const IdleAnimation = 3

// Vec3 is a three-component world-space vector.
type Vec3 [3]float64

// Finite reports whether every component is a finite number.
func (v Vec3) Finite() bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// PlayerState is the latest published state of one connection inside a room.
type PlayerState struct {
	// ConnectionID is the transport-assigned identifier of the owning connection.
	ConnectionID string
	// Username is the display name supplied at join time.
	Username string
	// Position is the world-space position.
	Position Vec3
	// Rotation is the orientation as Euler angles.
	Rotation Vec3
	// Animation selects a discrete animation clip.
	Animation int
}

// NewPlayerState creates a PlayerState with a zeroed transform and the idle animation.
func NewPlayerState(connID, username string) PlayerState {
	return PlayerState{
		ConnectionID: connID,
		Username:     username,
		Animation:    IdleAnimation,
	}
}

// ApplyUpdate overwrites the transform and animation. Last write wins.
func (p *PlayerState) ApplyUpdate(position, rotation Vec3, animation int) {
	p.Position = position
	p.Rotation = rotation
	p.Animation = animation
}
