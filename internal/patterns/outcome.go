package patterns

import (
	"encoding/json"
	"time"

	"github.com/magehq/backend/internal/faults"
)

// DecisionPoint names a choice site during file processing. The set is
// closed: outcomes naming anything else are rejected at parse time.
type DecisionPoint string

const (
	PointTriage         DecisionPoint = "triage"
	PointSecurity       DecisionPoint = "security_assessment"
	PointRoute          DecisionPoint = "processing_route"
	PointPostProcessing DecisionPoint = "post_processing"
)

// DecisionPoints lists the closed set in a stable order.
func DecisionPoints() []DecisionPoint {
	return []DecisionPoint{PointTriage, PointSecurity, PointRoute, PointPostProcessing}
}

func validDecisionPoint(p DecisionPoint) bool {
	switch p {
	case PointTriage, PointSecurity, PointRoute, PointPostProcessing:
		return true
	default:
		return false
	}
}

// TriageDecision is the choice recorded at the triage point.
type TriageDecision struct {
	Action   string `json:"action"` // "process", "quarantine", "reject"
	Priority string `json:"priority,omitempty"`
}

// SecurityDecision is the choice recorded at the security assessment point.
type SecurityDecision struct {
	Verdict    string `json:"verdict"` // "allow", "sandbox", "block"
	Quarantine bool   `json:"quarantine,omitempty"`
	ScanType   string `json:"scanType,omitempty"`
}

// RouteDecision is the choice recorded at the processing-route point.
type RouteDecision struct {
	Processor string            `json:"processor"`
	Options   map[string]string `json:"options,omitempty"`
}

// PostProcessingDecision is the choice recorded after extraction.
type PostProcessingDecision struct {
	Steps []string `json:"steps"`
}

// Decision is a tagged variant over the closed decision-point set. Exactly
// the payload matching Kind must be present; anything else fails Validate.
type Decision struct {
	Kind           DecisionPoint           `json:"kind"`
	Triage         *TriageDecision         `json:"triage,omitempty"`
	Security       *SecurityDecision       `json:"security,omitempty"`
	Route          *RouteDecision          `json:"route,omitempty"`
	PostProcessing *PostProcessingDecision `json:"postProcessing,omitempty"`
}

// hasPayload reports whether any of the variant payloads is set. Patterns
// created from failures alone carry a kind but no payload until the first
// success refreshes them.
func (d *Decision) hasPayload() bool {
	return d.Triage != nil || d.Security != nil || d.Route != nil || d.PostProcessing != nil
}

// Validate rejects malformed decisions: unknown kinds, missing payloads and
// payloads that contradict the tag.
func (d *Decision) Validate() error {
	if !validDecisionPoint(d.Kind) {
		return faults.Validation("unknown_decision_point", "decision point %q is not recognised", d.Kind)
	}
	set := 0
	for _, present := range []bool{d.Triage != nil, d.Security != nil, d.Route != nil, d.PostProcessing != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return faults.Validation("malformed_decision", "decision must carry exactly one payload, got %d", set)
	}
	var match bool
	switch d.Kind {
	case PointTriage:
		match = d.Triage != nil
	case PointSecurity:
		match = d.Security != nil
	case PointRoute:
		match = d.Route != nil
	case PointPostProcessing:
		match = d.PostProcessing != nil
	}
	if !match {
		return faults.Validation("malformed_decision", "decision payload does not match kind %q", d.Kind)
	}
	return nil
}

// DecisionOutcome is the document carried on the durable outcome stream: one
// observed decision and whether it worked out. OutcomeID makes redelivered
// copies of the same event recognisable.
type DecisionOutcome struct {
	OutcomeID  string    `json:"outcomeId"`
	Signature  Signature `json:"signature"`
	Decision   Decision  `json:"decision"`
	Success    bool      `json:"success"`
	DurationMs int64     `json:"durationMs,omitempty"`
	ObservedAt time.Time `json:"observedAt"`
}

// ParseOutcome decodes and validates one outcome document. Unknown decision
// points and malformed decisions are rejected; the consumer acknowledges
// such messages anyway to keep poison entries from redelivering forever.
func ParseOutcome(raw []byte) (*DecisionOutcome, error) {
	var o DecisionOutcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, faults.DataIntegrity("unparseable_outcome", err, "outcome document is not valid JSON")
	}
	if o.Signature.DecisionPoint == "" {
		o.Signature.DecisionPoint = o.Decision.Kind
	}
	if o.Signature.DecisionPoint != o.Decision.Kind {
		return nil, faults.DataIntegrity("outcome_kind_mismatch", nil,
			"signature decision point %q does not match decision kind %q", o.Signature.DecisionPoint, o.Decision.Kind)
	}
	if err := o.Decision.Validate(); err != nil {
		return nil, faults.DataIntegrity("malformed_outcome", err, "outcome carries an invalid decision")
	}
	return &o, nil
}
