package policy

import (
	"strings"
	"time"

	"github.com/factsync/factsync/pkg/knowledge"
)

// Severity grades a violation. Only error and critical deny admission.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies admission.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module. The module must define a "deny" set of
// messages; every message is a violation at the policy's severity.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`

	// Builtin policies ship with factsync and survive ReplacePolicies.
	Builtin bool     `json:"builtin,omitempty"`
	Tags    []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source    string    `json:"source,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation is one deny message.
type PolicyViolation struct {
	Policy            string                      `json:"policy"`
	ProcessInstanceID knowledge.ProcessInstanceID `json:"process_instance_id"`
	Message           string                      `json:"message"`
	Severity          Severity                    `json:"severity"`
}

// PolicyResult is the outcome of an admission check. Violations holds the
// blocking messages and Warnings the rest.
type PolicyResult struct {
	Allowed           bool              `json:"allowed"`
	Violations        []PolicyViolation `json:"violations,omitempty"`
	Warnings          []PolicyViolation `json:"warnings,omitempty"`
	EvaluatedPolicies []string          `json:"evaluated_policies"`
	EvaluatedAt       time.Time         `json:"evaluated_at"`
	Duration          time.Duration     `json:"duration"`
}

// Reason joins the blocking violation messages, for logs and events.
func (r *PolicyResult) Reason() string {
	if r == nil {
		return ""
	}
	msgs := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		msgs[i] = v.Message
	}
	return strings.Join(msgs, "; ")
}

// DeniedBy returns the name of the first blocking policy.
func (r *PolicyResult) DeniedBy() string {
	if r == nil || len(r.Violations) == 0 {
		return ""
	}
	return r.Violations[0].Policy
}

// PolicyInput is the document exposed to Rego as input.
type PolicyInput struct {
	Instance InstanceInput `json:"instance"`
	Context  PolicyContext `json:"context"`
}

// InstanceInput is the policy view of a process instance fact.
type InstanceInput struct {
	ID        int64          `json:"id"`
	ProcessID string         `json:"process_id"`
	State     string         `json:"state"`
	Variables map[string]any `json:"variables"`
}

// PolicyContext describes the check itself. Operation names the store
// operation being gated.
type PolicyContext struct {
	Timestamp time.Time `json:"timestamp"`
	Operation string    `json:"operation"`
}

// NewPolicyInput builds the input document for fact.
func NewPolicyInput(fact knowledge.ProcessInstanceFact, operation string) PolicyInput {
	vars := fact.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	return PolicyInput{
		Instance: InstanceInput{
			ID:        int64(fact.ID),
			ProcessID: fact.ProcessID,
			State:     string(fact.State),
			Variables: vars,
		},
		Context: PolicyContext{
			Timestamp: time.Now(),
			Operation: operation,
		},
	}
}

// toMap renders the input as plain maps for the Rego evaluator.
func (in PolicyInput) toMap() map[string]any {
	return map[string]any{
		"instance": map[string]any{
			"id":         in.Instance.ID,
			"process_id": in.Instance.ProcessID,
			"state":      in.Instance.State,
			"variables":  in.Instance.Variables,
		},
		"context": map[string]any{
			"timestamp": in.Context.Timestamp.Format(time.RFC3339Nano),
			"operation": in.Context.Operation,
		},
	}
}
