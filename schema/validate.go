package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"golang.org/x/xerrors"

	"github.com/smartcity-labs/traffic-storage/api"
)

// Open question from the format spec, resolved here: vehicle classes absent
// from vehicle_stats default to zero, unknown classes are rejected outright.
// Producers that cannot observe a class simply omit it.

var idPattern = regexp.MustCompile(`^[0-9]+$`)

// ValidID reports whether id is a numeric-string light identifier.
func ValidID(id string) bool { return idPattern.MatchString(id) }

// Validate checks raw against the unified format, classifies it by record
// kind and returns the normalized record with its canonical serialization.
// Rules are applied in order and short-circuit on the first failure.
func Validate(raw []byte) (*Record, error) {
	var head struct {
		Version   *string   `json:"version"`
		Type      *string   `json:"type"`
		Timestamp *UnixTime `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, asValidation(err)
	}
	if head.Version == nil {
		return nil, &api.ValidationError{Reason: "missing required field: version"}
	}
	if *head.Version != Version {
		return nil, &api.ValidationError{Reason: fmt.Sprintf("unsupported version %q, want %q", *head.Version, Version)}
	}
	if head.Type == nil {
		return nil, &api.ValidationError{Reason: "missing required field: type"}
	}
	if head.Timestamp == nil {
		return nil, &api.ValidationError{Reason: "missing required field: timestamp"}
	}

	kind, err := api.ParseRecordKind(*head.Type)
	if err != nil {
		return nil, err
	}
	switch kind {
	case api.RecordData:
		return validateData(raw)
	default:
		return validateOptimization(raw)
	}
}

func validateData(raw []byte) (*Record, error) {
	var b SensorBatch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, asValidation(err)
	}
	if err := checkID("traffic_light_id", b.TrafficLightID); err != nil {
		return nil, err
	}
	if b.Sensors == nil {
		return nil, &api.ValidationError{Reason: "missing required field: sensors"}
	}
	if n := len(b.Sensors); n < MinBatchSensors || n > MaxBatchSensors {
		return nil, &api.ValidationError{
			Reason: fmt.Sprintf("sensors count %d outside allowed range [%d,%d]", n, MinBatchSensors, MaxBatchSensors),
		}
	}

	refSeen := false
	for i, s := range b.Sensors {
		if err := checkID(fmt.Sprintf("sensors[%d].traffic_light_id", i), s.TrafficLightID); err != nil {
			return nil, err
		}
		if s.ControlledEdges == nil {
			return nil, &api.ValidationError{Reason: fmt.Sprintf("sensors[%d]: missing controlled_edges", i)}
		}
		if s.Metrics == nil {
			return nil, &api.ValidationError{Reason: fmt.Sprintf("sensors[%d]: missing metrics", i)}
		}
		if s.VehicleStats == nil {
			return nil, &api.ValidationError{Reason: fmt.Sprintf("sensors[%d]: missing vehicle_stats", i)}
		}
		if s.Metrics.VehiclesPerMinute < 0 {
			return nil, &api.ValidationError{Reason: fmt.Sprintf("sensors[%d]: vehicles_per_minute must be non-negative", i)}
		}
		for class, n := range map[string]Int{
			"motorcycle": s.VehicleStats.Motorcycle,
			"car":        s.VehicleStats.Car,
			"bus":        s.VehicleStats.Bus,
			"truck":      s.VehicleStats.Truck,
		} {
			if n < 0 {
				return nil, &api.ValidationError{Reason: fmt.Sprintf("sensors[%d]: vehicle_stats.%s must be non-negative", i, class)}
			}
		}
		if s.TrafficLightID == b.TrafficLightID {
			refSeen = true
		}
	}
	if !refSeen {
		return nil, &api.ValidationError{
			Reason: fmt.Sprintf("traffic_light_id %s is not present among sensors[].traffic_light_id", b.TrafficLightID),
		}
	}

	canonical, err := json.Marshal(&b)
	if err != nil {
		return nil, xerrors.Errorf("canonicalizing sensor batch: %w", err)
	}
	return &Record{
		Kind:           api.RecordData,
		TrafficLightID: b.TrafficLightID,
		Timestamp:      int64(b.Timestamp),
		SensorsCount:   len(b.Sensors),
		canonical:      canonical,
	}, nil
}

func validateOptimization(raw []byte) (*Record, error) {
	var b OptimizationBatch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, asValidation(err)
	}
	if err := checkID("traffic_light_id", b.TrafficLightID); err != nil {
		return nil, err
	}

	if b.Optimizations == nil {
		// Single form: optimization and impact live at the top level and the
		// envelope id names the optimized light.
		if err := checkOptimization("", b.Optimization, b.Impact); err != nil {
			return nil, err
		}
	} else {
		if n := len(b.Optimizations); n < MinBatchSensors || n > MaxBatchSensors {
			return nil, &api.ValidationError{
				Reason: fmt.Sprintf("optimizations count %d outside allowed range [%d,%d]", n, MinBatchSensors, MaxBatchSensors),
			}
		}
		refSeen := false
		for i, o := range b.Optimizations {
			if err := checkID(fmt.Sprintf("optimizations[%d].traffic_light_id", i), o.TrafficLightID); err != nil {
				return nil, err
			}
			if err := checkOptimization(fmt.Sprintf("optimizations[%d]: ", i), o.Optimization, o.Impact); err != nil {
				return nil, err
			}
			if o.TrafficLightID == b.TrafficLightID {
				refSeen = true
			}
		}
		if !refSeen {
			return nil, &api.ValidationError{
				Reason: fmt.Sprintf("traffic_light_id %s is not present among optimizations[].traffic_light_id", b.TrafficLightID),
			}
		}
	}

	canonical, err := json.Marshal(&b)
	if err != nil {
		return nil, xerrors.Errorf("canonicalizing optimization batch: %w", err)
	}
	return &Record{
		Kind:           api.RecordOptimization,
		TrafficLightID: b.TrafficLightID,
		Timestamp:      int64(b.Timestamp),
		SensorsCount:   len(b.Optimizations),
		canonical:      canonical,
	}, nil
}

func checkOptimization(prefix string, timing *OptimizationTiming, impact *OptimizationImpact) error {
	if timing == nil {
		return &api.ValidationError{Reason: prefix + "missing optimization"}
	}
	phases := timing.GreenTimeSec != nil && timing.RedTimeSec != nil
	if !phases && timing.CycleTimeSec == nil {
		return &api.ValidationError{Reason: prefix + "optimization requires green_time_sec and red_time_sec, or cycle_time_sec"}
	}
	if impact == nil {
		return &api.ValidationError{Reason: prefix + "missing impact"}
	}
	return nil
}

func checkID(field, id string) error {
	if id == "" {
		return &api.ValidationError{Reason: "missing required field: " + field}
	}
	if !idPattern.MatchString(id) {
		return &api.ValidationError{Reason: fmt.Sprintf("%s %q is not a numeric identifier", field, id)}
	}
	return nil
}

// asValidation keeps typed validation errors intact and folds everything
// else the decoder can produce into a generic ValidationError.
func asValidation(err error) error {
	var te *api.TimestampFormatError
	if errors.As(err, &te) {
		return te
	}
	var ve *api.ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	return &api.ValidationError{Reason: err.Error()}
}
