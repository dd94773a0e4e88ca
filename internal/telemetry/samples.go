// Package telemetry carries location and sensor samples from external
// producers into the pipeline and derives the gating flags they imply.
package telemetry

import (
	"math"
	"time"
)

// LocationSample is one position fix.
type LocationSample struct {
	Timestamp time.Time `json:"ts"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Altitude  float64   `json:"alt"`
	Speed     float64   `json:"speed_mps"`
	Heading   float64   `json:"heading"`
	Accuracy  float64   `json:"accuracy_m"`
	Country   string    `json:"country,omitempty"`
	Address   string    `json:"address,omitempty"`
}

// Valid reports whether the coordinate is usable.
func (l LocationSample) Valid() bool {
	return !math.IsNaN(l.Lat) && !math.IsNaN(l.Lon) &&
		l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180 &&
		!(l.Lat == 0 && l.Lon == 0)
}

// SensorSample is one inertial reading.
type SensorSample struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"` // accelerometer, gyroscope, magnetometer
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Z         float64   `json:"z"`
}
