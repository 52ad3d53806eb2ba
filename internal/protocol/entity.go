// SPDX-License-Identifier: MIT
package protocol

// EntityUpdate is one normalized visual-entity mutation produced by a
// pattern tick. Position, scale, rotation and visibility are optional:
// an update only carries the fields the pattern touched, and consumers
// must not assume any two updates for the same id are position-complete.
// Coordinates are normalized to [0,1]; the renderer maps them into its
// own world.
type EntityUpdate struct {
	ID       string   `json:"id"`
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Z        *float64 `json:"z,omitempty"`
	Scale    *float64 `json:"scale,omitempty"`
	Rotation *float64 `json:"rotation,omitempty"`
	Band     int      `json:"band"`
	Visible  *bool    `json:"visible,omitempty"`
}

// Float returns a pointer for an optional EntityUpdate field.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer for an optional EntityUpdate field.
func Bool(v bool) *bool { return &v }
