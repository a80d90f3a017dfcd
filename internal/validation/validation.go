// Package validation provides centralized input validation for vigil.
package validation

import (
	"fmt"
	"strings"
	"unicode"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for entity names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowSpaces  bool
}

// ProductNameRules returns the rules for product names.
func ProductNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowSpaces:  true,
	}
}

// PathNodeRules returns the rules for a single sensor path segment.
func PathNodeRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowSpaces:  true,
	}
}

// MaxPathDepth is the maximum number of segments in a sensor path.
const MaxPathDepth = 10

// PathSeparator separates the node names of a sensor path.
const PathSeparator = "/"

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("name cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ' ':
		return rules.AllowSpaces
	}
	return false
}

// ValidateProductName validates a product name.
func ValidateProductName(name string) error {
	if err := ValidateName(name, ProductNameRules()); err != nil {
		return fmt.Errorf("product name: %w", err)
	}
	return nil
}

// ValidateSensorPath validates a full sensor path of the form
// "node/subnode/sensor". Leading and trailing separators are rejected.
func ValidateSensorPath(path string) error {
	if path == "" {
		return fmt.Errorf("sensor path cannot be empty")
	}
	if strings.HasPrefix(path, PathSeparator) || strings.HasSuffix(path, PathSeparator) {
		return fmt.Errorf("sensor path cannot start or end with '%s'", PathSeparator)
	}

	segments := strings.Split(path, PathSeparator)
	if len(segments) > MaxPathDepth {
		return fmt.Errorf("sensor path too deep: maximum %d segments allowed", MaxPathDepth)
	}

	rules := PathNodeRules()
	for i, seg := range segments {
		if err := ValidateName(seg, rules); err != nil {
			return fmt.Errorf("path segment %d: %w", i, err)
		}
	}

	return nil
}

// SensorName returns the final segment of a sensor path.
func SensorName(path string) string {
	idx := strings.LastIndex(path, PathSeparator)
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}
