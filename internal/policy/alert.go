package policy

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/vigil/internal/storage/types"
)

// AlertResult is a deduplicated record of one or more triggers of a
// single policy on a single sensor. Repeated triggers inside the dedupe
// window merge into the existing result instead of producing a new one.
type AlertResult struct {
	PolicyID    uuid.UUID
	Product     string
	Path        string
	Destination string
	Template    string
	Icon        string

	LastStatus  types.Status
	LastComment string
	Count       int

	// Transitions records the status chain for status-change policies,
	// e.g. ["ok", "error", "ok"]. Empty otherwise.
	Transitions []string

	FirstTrigger time.Time
	LastTrigger  time.Time

	statusChange bool
}

// newAlertResult builds the initial result for one trigger.
func newAlertResult(p *Policy, s Snapshot, prev types.Status, now time.Time) *AlertResult {
	r := &AlertResult{
		PolicyID:     p.ID,
		Product:      s.Product,
		Path:         s.Path,
		Destination:  p.Destination,
		Template:     p.Template,
		Icon:         p.Icon,
		LastStatus:   s.Status,
		LastComment:  s.Comment,
		Count:        1,
		FirstTrigger: now,
		LastTrigger:  now,
		statusChange: p.IsStatusChange(),
	}
	if r.statusChange {
		r.Transitions = []string{prev.String(), s.Status.String()}
	}
	return r
}

// TryAddResult merges another trigger of the same policy into r.
// Returns false when the results belong to different policies or
// sensors, leaving r untouched. Status-change results extend the
// transition chain; plain results just count up.
func (r *AlertResult) TryAddResult(other *AlertResult) bool {
	if other == nil || r.PolicyID != other.PolicyID {
		return false
	}
	if r.Product != other.Product || r.Path != other.Path {
		return false
	}

	r.Count += other.Count
	r.LastStatus = other.LastStatus
	r.LastComment = other.LastComment
	if other.LastTrigger.After(r.LastTrigger) {
		r.LastTrigger = other.LastTrigger
	}

	if r.statusChange {
		// Chain the new transitions, skipping the shared boundary
		// status so "a->b" + "b->c" reads "a->b->c".
		add := other.Transitions
		if len(add) > 0 && len(r.Transitions) > 0 && r.Transitions[len(r.Transitions)-1] == add[0] {
			add = add[1:]
		}
		r.Transitions = append(r.Transitions, add...)
	}
	return true
}

// clone returns an independent copy. The dedupe window keeps mutating
// its accumulator, so everything handed outside the window's lock must
// be a copy.
func (r *AlertResult) clone() *AlertResult {
	c := *r
	c.Transitions = append([]string(nil), r.Transitions...)
	return &c
}

// Chain renders the transition history, empty for non-status-change
// results.
func (r *AlertResult) Chain() string {
	return strings.Join(r.Transitions, "->")
}
