// Package schema implements validation and canonicalization of the unified
// record format ("2.0") used for vehicle-sensor and signal-optimization
// uploads. Validation is pure: no I/O, errors returned, never panics.
//
// Canonicalization is a normalization: the stored bytes are the declared
// schema re-serialized in struct field order, so key order and whitespace
// are erased and fields outside the schema are dropped. What round-trips is
// the normalized document, not the submitted one.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/smartcity-labs/traffic-storage/api"
)

// Version is the only envelope version this service speaks.
const Version = "2.0"

const (
	MinBatchSensors = 1
	MaxBatchSensors = 10
)

// Int is a JSON integer that refuses floats and strings. Fields declared as
// integers in the format stay integers; 12.0 is not silently coerced to 12.
type Int int64

func (i *Int) UnmarshalJSON(b []byte) error {
	v, err := strconv.ParseInt(string(bytes.TrimSpace(b)), 10, 64)
	if err != nil {
		return &api.ValidationError{Reason: fmt.Sprintf("expected integer, got %s", b)}
	}
	*i = Int(v)
	return nil
}

func (i Int) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(i), 10), nil
}

// Float is a JSON number. Integer literals are accepted, strings are not.
type Float float64

func (f *Float) UnmarshalJSON(b []byte) error {
	s := string(bytes.TrimSpace(b))
	if len(s) > 0 && s[0] == '"' {
		return &api.ValidationError{Reason: fmt.Sprintf("expected number, got %s", s)}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return &api.ValidationError{Reason: fmt.Sprintf("expected number, got %s", s)}
	}
	*f = Float(v)
	return nil
}

func (f Float) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(f))
}

// UnixTime is seconds since epoch. The integer representation is a hard
// external contract: an ISO-8601 string (or any other non-integer form) is a
// TimestampFormatError, not a parsing convenience to smooth over.
type UnixTime int64

func (t *UnixTime) UnmarshalJSON(b []byte) error {
	s := string(bytes.TrimSpace(b))
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return &api.TimestampFormatError{Value: s}
	}
	*t = UnixTime(v)
	return nil
}

func (t UnixTime) MarshalJSON() ([]byte, error) {
	return strconv.AppendInt(nil, int64(t), 10), nil
}

// TrafficMetrics is one sensor's aggregate view of its controlled edges.
// All four keys are required; a metrics object missing any of them is
// rejected, not zero-filled.
type TrafficMetrics struct {
	VehiclesPerMinute     Int   `json:"vehicles_per_minute"`
	AvgSpeedKmh           Float `json:"avg_speed_kmh"`
	AvgCirculationTimeSec Float `json:"avg_circulation_time_sec"`
	Density               Float `json:"density"`
}

func (m *TrafficMetrics) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return &api.ValidationError{Reason: "metrics must be an object"}
	}
	for _, f := range []struct {
		key string
		dst json.Unmarshaler
	}{
		{"vehicles_per_minute", &m.VehiclesPerMinute},
		{"avg_speed_kmh", &m.AvgSpeedKmh},
		{"avg_circulation_time_sec", &m.AvgCirculationTimeSec},
		{"density", &m.Density},
	} {
		val, ok := raw[f.key]
		if !ok {
			return &api.ValidationError{Reason: "metrics missing required key " + f.key}
		}
		if err := f.dst.UnmarshalJSON(val); err != nil {
			return &api.ValidationError{Reason: fmt.Sprintf("metrics.%s: invalid value %s", f.key, val)}
		}
	}
	return nil
}

// VehicleStats maps the fixed vehicle-class set to counts. Unknown classes
// are rejected at decode time; classes absent from the payload default to
// zero (see vehicleClassPolicy in validate.go).
type VehicleStats struct {
	Motorcycle Int `json:"motorcycle"`
	Car        Int `json:"car"`
	Bus        Int `json:"bus"`
	Truck      Int `json:"truck"`
}

func (v *VehicleStats) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return &api.ValidationError{Reason: "vehicle_stats must be an object"}
	}
	for class, val := range raw {
		var dst *Int
		switch class {
		case "motorcycle":
			dst = &v.Motorcycle
		case "car":
			dst = &v.Car
		case "bus":
			dst = &v.Bus
		case "truck":
			dst = &v.Truck
		default:
			return &api.ValidationError{Reason: fmt.Sprintf("unknown vehicle class %q", class)}
		}
		if err := dst.UnmarshalJSON(val); err != nil {
			return &api.ValidationError{Reason: fmt.Sprintf("vehicle_stats.%s: expected integer, got %s", class, val)}
		}
	}
	return nil
}

// SensorRecord is a single sensor's reading within a batch.
type SensorRecord struct {
	TrafficLightID  string          `json:"traffic_light_id"`
	ControlledEdges []string        `json:"controlled_edges"`
	Metrics         *TrafficMetrics `json:"metrics"`
	VehicleStats    *VehicleStats   `json:"vehicle_stats"`
}

// SensorBatch is the unified-format envelope for sensor data: 1-10 sensor
// records under one reference id and timestamp.
type SensorBatch struct {
	Version        string         `json:"version"`
	Type           string         `json:"type"`
	Timestamp      UnixTime       `json:"timestamp"`
	TrafficLightID string         `json:"traffic_light_id"`
	Sensors        []SensorRecord `json:"sensors"`
}

// OptimizationTiming carries the proposed signal timing. Either both phase
// durations or a whole-cycle duration must be present.
type OptimizationTiming struct {
	GreenTimeSec *Int `json:"green_time_sec,omitempty"`
	RedTimeSec   *Int `json:"red_time_sec,omitempty"`
	CycleTimeSec *Int `json:"cycle_time_sec,omitempty"`
}

// OptimizationImpact compares congestion before and after the optimization.
type OptimizationImpact struct {
	OriginalCongestion  Int    `json:"original_congestion"`
	OptimizedCongestion Int    `json:"optimized_congestion"`
	OriginalCategory    string `json:"original_category"`
	OptimizedCategory   string `json:"optimized_category"`
}

// OptimizationRecord is one optimization entry, singly or inside a batch.
type OptimizationRecord struct {
	TrafficLightID string              `json:"traffic_light_id,omitempty"`
	Optimization   *OptimizationTiming `json:"optimization"`
	Impact         *OptimizationImpact `json:"impact"`
}

// OptimizationBatch is the optimization envelope. It carries either a nested
// Optimizations list (batch form) or a single Optimization/Impact pair at the
// top level, under the same envelope shape as SensorBatch.
type OptimizationBatch struct {
	Version        string               `json:"version"`
	Type           string               `json:"type"`
	Timestamp      UnixTime             `json:"timestamp"`
	TrafficLightID string               `json:"traffic_light_id"`
	Optimizations  []OptimizationRecord `json:"optimizations,omitempty"`
	Optimization   *OptimizationTiming  `json:"optimization,omitempty"`
	Impact         *OptimizationImpact  `json:"impact,omitempty"`
}

// Record is a validated, classified payload plus its canonical serialization.
type Record struct {
	Kind           api.RecordKind
	TrafficLightID string
	Timestamp      int64
	SensorsCount   int

	canonical []byte
}

// Canonical returns the stable byte form written to the content store.
// Identical logical payloads canonicalize to identical bytes, which is what
// makes the content store's put idempotent.
func (r *Record) Canonical() []byte { return r.canonical }

func (r *Record) Key() api.RecordKey {
	return api.RecordKey{
		TrafficLightID: r.TrafficLightID,
		Timestamp:      r.Timestamp,
		Kind:           r.Kind,
	}
}
