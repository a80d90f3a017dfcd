// Package policy evaluates alerting conditions against stored sensor
// values and produces deduplicated alert results for an external
// notification dispatcher.
package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/vigil/internal/errors"
	"github.com/xtxerr/vigil/internal/storage/types"
)

// Property names the part of a value a condition inspects.
type Property int

const (
	PropValue Property = iota
	PropMean
	PropMin
	PropMax
	PropCount
	PropEMA
	PropStatus
	PropComment
)

func (p Property) String() string {
	switch p {
	case PropValue:
		return "value"
	case PropMean:
		return "mean"
	case PropMin:
		return "min"
	case PropMax:
		return "max"
	case PropCount:
		return "count"
	case PropEMA:
		return "ema"
	case PropStatus:
		return "status"
	case PropComment:
		return "comment"
	default:
		return fmt.Sprintf("property(%d)", int(p))
	}
}

// ParseProperty parses a property name.
func ParseProperty(s string) (Property, error) {
	switch strings.ToLower(s) {
	case "value":
		return PropValue, nil
	case "mean":
		return PropMean, nil
	case "min":
		return PropMin, nil
	case "max":
		return PropMax, nil
	case "count":
		return PropCount, nil
	case "ema":
		return PropEMA, nil
	case "status":
		return PropStatus, nil
	case "comment":
		return PropComment, nil
	default:
		return 0, fmt.Errorf("%w: %q", errors.ErrUnknownProperty, s)
	}
}

// Operation is a condition's comparison operator.
type Operation int

const (
	OpEqual Operation = iota
	OpNotEqual
	OpLess
	OpLessOrEqual
	OpGreater
	OpGreaterOrEqual
	OpContains
	OpStartsWith
	OpEndsWith
	OpIsChanged
	OpIsChangedToOk
	OpIsChangedToError
	OpIsOk
	OpIsError
)

func (o Operation) String() string {
	switch o {
	case OpEqual:
		return "=="
	case OpNotEqual:
		return "!="
	case OpLess:
		return "<"
	case OpLessOrEqual:
		return "<="
	case OpGreater:
		return ">"
	case OpGreaterOrEqual:
		return ">="
	case OpContains:
		return "contains"
	case OpStartsWith:
		return "starts-with"
	case OpEndsWith:
		return "ends-with"
	case OpIsChanged:
		return "is-changed"
	case OpIsChangedToOk:
		return "is-changed-to-ok"
	case OpIsChangedToError:
		return "is-changed-to-error"
	case OpIsOk:
		return "is-ok"
	case OpIsError:
		return "is-error"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// IsNumeric reports whether the operation compares numbers.
func (o Operation) IsNumeric() bool {
	switch o {
	case OpEqual, OpNotEqual, OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual:
		return true
	}
	return false
}

// IsText reports whether the operation compares strings.
func (o Operation) IsText() bool {
	switch o {
	case OpContains, OpStartsWith, OpEndsWith:
		return true
	}
	return false
}

// IsStatus reports whether the operation inspects the value's status,
// needing no target.
func (o Operation) IsStatus() bool {
	switch o {
	case OpIsChanged, OpIsChangedToOk, OpIsChangedToError, OpIsOk, OpIsError:
		return true
	}
	return false
}

// IsStatusChange reports whether the operation detects a status
// transition. Results of such policies chain transitions when merged.
func (o Operation) IsStatusChange() bool {
	switch o {
	case OpIsChanged, OpIsChangedToOk, OpIsChangedToError:
		return true
	}
	return false
}

// Combination joins a condition with the running fold result.
type Combination int

const (
	CombineAnd Combination = iota
	CombineOr
)

// Condition is one comparison inside a policy. Conditions fold
// left to right; the first condition's Combination is ignored.
type Condition struct {
	Property    Property    `json:"property"`
	Operation   Operation   `json:"operation"`
	Target      string      `json:"target,omitempty"`
	Combination Combination `json:"combination"`

	// target parsed once at validation time for numeric operations.
	numTarget float64
}

// Validate checks the condition and pre-parses its target.
func (c *Condition) Validate() error {
	switch {
	case c.Operation.IsNumeric():
		if c.Property == PropStatus || c.Property == PropComment {
			return fmt.Errorf("%w: %s is not numeric", errors.ErrInvalidTarget, c.Property)
		}
		if c.Target == "" {
			return fmt.Errorf("%w: operation %s", errors.ErrMissingTarget, c.Operation)
		}
		n, err := strconv.ParseFloat(c.Target, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", errors.ErrInvalidTarget, c.Target)
		}
		c.numTarget = n
	case c.Operation.IsText():
		if c.Property != PropComment && c.Property != PropValue {
			return fmt.Errorf("%w: %s operation needs a text property", errors.ErrInvalidTarget, c.Operation)
		}
		if c.Target == "" {
			return fmt.Errorf("%w: operation %s", errors.ErrMissingTarget, c.Operation)
		}
	case c.Operation.IsStatus():
		if c.Property != PropStatus {
			return fmt.Errorf("%w: %s operation needs the status property", errors.ErrInvalidTarget, c.Operation)
		}
	default:
		return fmt.Errorf("%w: unknown operation %d", errors.ErrInvalidTarget, int(c.Operation))
	}
	return nil
}

// Schedule controls when a triggered policy is allowed to fire.
// InstantSend fires on first detection. Otherwise firing is suppressed
// until the next RepeatInterval boundary while triggers keep
// accumulating.
type Schedule struct {
	InstantSend    bool          `json:"instant_send"`
	RepeatInterval time.Duration `json:"repeat_interval,omitempty"`
}

// Policy is a named condition set attached to sensors.
type Policy struct {
	ID                 uuid.UUID     `json:"id"`
	Conditions         []Condition   `json:"conditions"`
	Schedule           Schedule      `json:"schedule"`
	Destination        string        `json:"destination,omitempty"`
	ConfirmationPeriod time.Duration `json:"confirmation_period,omitempty"`
	Template           string        `json:"template,omitempty"`
	Icon               string        `json:"icon,omitempty"`
	Status             types.Status  `json:"status"`
	Disabled           bool          `json:"disabled"`
}

// Validate checks the policy and pre-parses condition targets.
func (p *Policy) Validate() error {
	if len(p.Conditions) == 0 {
		return fmt.Errorf("%w: policy needs at least one condition", errors.ErrInvalidConfig)
	}
	for i := range p.Conditions {
		if err := p.Conditions[i].Validate(); err != nil {
			return fmt.Errorf("condition %d: %w", i, err)
		}
	}
	if !p.Schedule.InstantSend && p.Schedule.RepeatInterval <= 0 {
		return fmt.Errorf("%w: non-instant policy needs a repeat interval", errors.ErrInvalidConfig)
	}
	return nil
}

// IsStatusChange reports whether any condition detects a status
// transition.
func (p *Policy) IsStatusChange() bool {
	for i := range p.Conditions {
		if p.Conditions[i].Operation.IsStatusChange() {
			return true
		}
	}
	return false
}
