package scenario

import (
	"fmt"
	"strings"
)

// Unit is a temperature unit as named on the wire.
type Unit string

const (
	Celsius    Unit = "CELSIUS"
	Fahrenheit Unit = "FAHRENHEIT"
)

// ParseUnit accepts a unit name in any case, or the short forms C and F.
func ParseUnit(s string) (Unit, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CELSIUS", "C":
		return Celsius, nil
	case "FAHRENHEIT", "F":
		return Fahrenheit, nil
	default:
		return "", fmt.Errorf("unknown unit %q", s)
	}
}

// Valid reports whether u is a known unit.
func (u Unit) Valid() bool {
	return u == Celsius || u == Fahrenheit
}

// ConversionRequest is the body of POST /api/convert.
type ConversionRequest struct {
	Value    float64 `json:"value"`
	FromUnit Unit    `json:"from_unit"`
	ToUnit   Unit    `json:"to_unit"`
}

// ConversionResponse is the body returned by POST /api/convert.
type ConversionResponse struct {
	Value float64 `json:"value"`
}

// Convert converts value between units. Converting a unit to itself
// returns value unchanged.
func Convert(value float64, from, to Unit) (float64, error) {
	if !from.Valid() {
		return 0, fmt.Errorf("unknown unit %q", from)
	}
	if !to.Valid() {
		return 0, fmt.Errorf("unknown unit %q", to)
	}

	switch {
	case from == to:
		return value, nil
	case from == Celsius:
		return value*9/5 + 32, nil
	default:
		return (value - 32) * 5 / 9, nil
	}
}
