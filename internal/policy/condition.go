package policy

import (
	"strings"

	"github.com/xtxerr/vigil/internal/storage/types"
)

// Snapshot is the view of one stored point a condition inspects.
// Numeric fields are pointers so a missing property never matches.
type Snapshot struct {
	Product string
	Path    string

	Value *float64
	Mean  *float64
	Min   *float64
	Max   *float64
	Count *float64
	EMA   *float64

	Status  types.Status
	Comment string
	Text    string
}

// SnapshotOf builds a snapshot from a stored point. ema may be nil.
func SnapshotOf(p types.Point, ema *float64) Snapshot {
	s := Snapshot{
		Product: p.Product,
		Path:    p.Path,
		Status:  p.Status,
		Comment: p.Comment,
		Text:    p.Text,
		EMA:     ema,
	}

	switch {
	case p.Bar != nil:
		mean, min, max := p.Bar.Mean, p.Bar.Min, p.Bar.Max
		count := float64(p.Bar.Count)
		s.Mean, s.Min, s.Max, s.Count = &mean, &min, &max, &count
		s.Value = &mean
	case p.Type.IsNumeric():
		v := p.Num
		s.Value = &v
	case p.Type == types.TypeBoolean:
		v := 0.0
		if p.Bool {
			v = 1
		}
		s.Value = &v
	}
	return s
}

// numeric resolves the property to a number, false when the snapshot
// does not carry it.
func (s Snapshot) numeric(p Property) (float64, bool) {
	var v *float64
	switch p {
	case PropValue:
		v = s.Value
	case PropMean:
		v = s.Mean
	case PropMin:
		v = s.Min
	case PropMax:
		v = s.Max
	case PropCount:
		v = s.Count
	case PropEMA:
		v = s.EMA
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// textual resolves the property to a string.
func (s Snapshot) textual(p Property) (string, bool) {
	switch p {
	case PropComment:
		return s.Comment, true
	case PropValue:
		return s.Text, true
	}
	return "", false
}

// eval evaluates one condition. prev is the policy's last observed
// status for this sensor, needed by the is-changed operations.
func (c *Condition) eval(s Snapshot, prev types.Status) bool {
	switch {
	case c.Operation.IsNumeric():
		v, ok := s.numeric(c.Property)
		if !ok {
			return false
		}
		switch c.Operation {
		case OpEqual:
			return v == c.numTarget
		case OpNotEqual:
			return v != c.numTarget
		case OpLess:
			return v < c.numTarget
		case OpLessOrEqual:
			return v <= c.numTarget
		case OpGreater:
			return v > c.numTarget
		case OpGreaterOrEqual:
			return v >= c.numTarget
		}
		return false

	case c.Operation.IsText():
		v, ok := s.textual(c.Property)
		if !ok {
			return false
		}
		switch c.Operation {
		case OpContains:
			return strings.Contains(v, c.Target)
		case OpStartsWith:
			return strings.HasPrefix(v, c.Target)
		case OpEndsWith:
			return strings.HasSuffix(v, c.Target)
		}
		return false

	default:
		switch c.Operation {
		case OpIsOk:
			return s.Status.IsOk()
		case OpIsError:
			return s.Status.IsError()
		case OpIsChanged:
			return s.Status != prev
		case OpIsChangedToOk:
			return s.Status != prev && s.Status.IsOk()
		case OpIsChangedToError:
			return s.Status != prev && s.Status.IsError()
		}
		return false
	}
}

// matches folds the policy's conditions left to right, combining each
// with AND or OR per the condition's flag.
func (p *Policy) matches(s Snapshot, prev types.Status) bool {
	if len(p.Conditions) == 0 {
		return false
	}

	result := p.Conditions[0].eval(s, prev)
	for i := 1; i < len(p.Conditions); i++ {
		c := &p.Conditions[i]
		if c.Combination == CombineOr {
			result = result || c.eval(s, prev)
		} else {
			result = result && c.eval(s, prev)
		}
	}
	return result
}
