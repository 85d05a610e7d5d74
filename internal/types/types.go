// Package types provides shared types used across botherd packages
// to avoid import cycles between the microcore, adapter, and supervisor.
package types

import (
	"math"
	"time"
)

// Position is a point in world coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns p + o component-wise.
func (p Position) Add(o Position) Position {
	return Position{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z}
}

// Sub returns p − o component-wise.
func (p Position) Sub(o Position) Position {
	return Position{X: p.X - o.X, Y: p.Y - o.Y, Z: p.Z - o.Z}
}

// Scale returns p with every component multiplied by f.
func (p Position) Scale(f float64) Position {
	return Position{X: p.X * f, Y: p.Y * f, Z: p.Z * f}
}

// Length returns the Euclidean norm of p treated as a vector.
func (p Position) Length() float64 {
	return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
}

// DistanceTo returns the Euclidean distance between p and o.
func (p Position) DistanceTo(o Position) float64 {
	return p.Sub(o).Length()
}

// Task is a unit of work assigned to a bot.
type Task struct {
	ID       string         `json:"id,omitempty"`
	Action   string         `json:"action"`
	Target   *Position      `json:"target,omitempty"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ScannedEntity is one entity observed by an area scan.
type ScannedEntity struct {
	ID       string  `json:"id"`
	Type     string  `json:"type,omitempty"`
	Distance float64 `json:"distance,omitempty"`
	Hostile  bool    `json:"hostile,omitempty"`
}

// ScanResult is the outcome of one area scan around a bot.
type ScanResult struct {
	At       time.Time       `json:"at"`
	Radius   float64         `json:"radius"`
	Raw      string          `json:"raw,omitempty"`
	Entities []ScannedEntity `json:"entities,omitempty"`
}
