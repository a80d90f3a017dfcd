// Package types defines the data model shared by the storage, ingestion
// and policy subsystems.
package types

import "fmt"

// SensorType indicates the kind of values a sensor produces.
type SensorType int

const (
	// TypeBoolean collects boolean values and stores each instantly.
	TypeBoolean SensorType = iota

	// TypeInt collects integer values and stores each instantly.
	TypeInt

	// TypeDouble collects double values and stores each instantly.
	TypeDouble

	// TypeString collects string values and stores each instantly.
	TypeString

	// TypeIntBar aggregates integer values over a period into a bar
	// (min/max/mean/count) before storage.
	TypeIntBar

	// TypeDoubleBar aggregates double values over a period into a bar
	// before storage.
	TypeDoubleBar

	// TypeFile carries file content. Only the latest value is kept due to
	// the possible size of files.
	TypeFile
)

// String returns a human-readable representation of the SensorType.
func (t SensorType) String() string {
	switch t {
	case TypeBoolean:
		return "boolean"
	case TypeInt:
		return "int"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeIntBar:
		return "int_bar"
	case TypeDoubleBar:
		return "double_bar"
	case TypeFile:
		return "file"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// IsBar returns true for bar-aggregated sensor types.
func (t SensorType) IsBar() bool {
	return t == TypeIntBar || t == TypeDoubleBar
}

// IsNumeric returns true for types whose values carry a numeric reading.
func (t SensorType) IsNumeric() bool {
	switch t {
	case TypeInt, TypeDouble, TypeIntBar, TypeDoubleBar:
		return true
	}
	return false
}

// SingleValueOnly returns true for types that keep only the latest value.
func (t SensorType) SingleValueOnly() bool {
	return t == TypeFile
}

// ParseSensorType parses the string form produced by String.
func ParseSensorType(s string) (SensorType, error) {
	switch s {
	case "boolean":
		return TypeBoolean, nil
	case "int":
		return TypeInt, nil
	case "double":
		return TypeDouble, nil
	case "string":
		return TypeString, nil
	case "int_bar":
		return TypeIntBar, nil
	case "double_bar":
		return TypeDoubleBar, nil
	case "file":
		return TypeFile, nil
	}
	return 0, fmt.Errorf("unknown sensor type %q", s)
}

// Status is the health state attached to a sensor reading.
type Status int

const (
	StatusOk Status = iota
	StatusWarning
	StatusError
)

// String returns a human-readable representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusOk:
		return "Ok"
	case StatusWarning:
		return "Warning"
	case StatusError:
		return "Error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsOk reports whether the status is Ok.
func (s Status) IsOk() bool { return s == StatusOk }

// IsError reports whether the status is Error.
func (s Status) IsError() bool { return s == StatusError }
