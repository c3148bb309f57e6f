package units

import (
	"math"
	"testing"
)

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		name     string
		speedMPS float64
		units    string
		expected float64
	}{
		{"10 m/s to mph", 10.0, MPH, 22.3694},
		{"10 m/s to kmph", 10.0, KMPH, 36.0},
		{"10 m/s to kph", 10.0, KPH, 36.0},
		{"10 m/s to mps", 10.0, MPS, 10.0},
		{"unknown units default to mps", 10.0, "unknown", 10.0},
		{"0 m/s to mph", 0.0, MPH, 0.0},
		{"urban 13.89 m/s to kph", 13.89, KPH, 50.004},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertSpeed(tt.speedMPS, tt.units)
			if math.Abs(result-tt.expected) > 0.01 {
				t.Errorf("ConvertSpeed(%f, %s) = %f, want %f", tt.speedMPS, tt.units, result, tt.expected)
			}
		})
	}
}

func TestIsValid(t *testing.T) {
	for _, u := range ValidUnits {
		if !IsValid(u) {
			t.Errorf("IsValid(%q) = false", u)
		}
	}
	for _, u := range []string{"", "MPH", "knots"} {
		if IsValid(u) {
			t.Errorf("IsValid(%q) = true", u)
		}
	}
	if got := ValidUnitsString(); got != "mps, mph, kmph, kph" {
		t.Errorf("ValidUnitsString() = %q", got)
	}
}

func TestLabel(t *testing.T) {
	tests := map[string]string{MPS: "m/s", MPH: "mph", KPH: "km/h", KMPH: "km/h", "": "m/s"}
	for unit, want := range tests {
		if got := Label(unit); got != want {
			t.Errorf("Label(%q) = %q, want %q", unit, got, want)
		}
	}
}
