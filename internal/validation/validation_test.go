package validation

import (
	"strings"
	"testing"
)

func TestValidateProductName(t *testing.T) {
	valid := []string{"prod", "my-product", "Data Center 3", "p_1"}
	for _, name := range valid {
		if err := ValidateProductName(name); err != nil {
			t.Errorf("ValidateProductName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", ".hidden", "a/b", "a\\b", "has.dot", "ctrl\x01char", strings.Repeat("x", 256)}
	for _, name := range invalid {
		if err := ValidateProductName(name); err == nil {
			t.Errorf("ValidateProductName(%q) accepted", name)
		}
	}
}

func TestValidateSensorPath(t *testing.T) {
	valid := []string{"cpu", "cpu/load", "rack 1/node-3/disk.sda/temp"}
	for _, path := range valid {
		if err := ValidateSensorPath(path); err != nil {
			t.Errorf("ValidateSensorPath(%q) = %v, want nil", path, err)
		}
	}

	invalid := []string{
		"",
		"/leading",
		"trailing/",
		"a//b",
		strings.Repeat("n/", MaxPathDepth) + "n",
	}
	for _, path := range invalid {
		if err := ValidateSensorPath(path); err == nil {
			t.Errorf("ValidateSensorPath(%q) accepted", path)
		}
	}
}

func TestSensorName(t *testing.T) {
	if got := SensorName("a/b/c"); got != "c" {
		t.Errorf("SensorName(a/b/c) = %q, want c", got)
	}
	if got := SensorName("solo"); got != "solo" {
		t.Errorf("SensorName(solo) = %q, want solo", got)
	}
}
