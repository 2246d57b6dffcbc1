package policy

import (
	"time"
)

// SkipVariable is the instance variable that opts an instance out of
// mirroring when set to true.
const SkipVariable = "factsync.skip"

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		excludeEphemeralPolicy(),
		processIDPolicy(),
		variableCountPolicy(),
	}
}

// excludeEphemeralPolicy keeps instances flagged as ephemeral out of the
// knowledge store.
func excludeEphemeralPolicy() Policy {
	return Policy{
		Name:        "exclude-ephemeral",
		Description: "Denies instances whose variables set factsync.skip to true",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"admission"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package factsync.policies.ephemeral

import rego.v1

deny contains violation if {
	input.instance.variables["factsync.skip"] == true
	violation := {
		"message": sprintf("process instance %d is marked factsync.skip", [input.instance.id]),
		"severity": "error",
	}
}
`,
	}
}

// processIDPolicy warns about instances that do not name their process
// definition.
func processIDPolicy() Policy {
	return Policy{
		Name:        "process-id-required",
		Description: "Warns when an instance has no process definition id",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"hygiene"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package factsync.policies.processid

import rego.v1

deny contains msg if {
	input.instance.process_id == ""
	msg := sprintf("process instance %d has no process id", [input.instance.id])
}
`,
	}
}

// variableCountPolicy warns about instances whose snapshot is unusually
// large.
func variableCountPolicy() Policy {
	return Policy{
		Name:        "variable-count",
		Description: "Warns when an instance carries more than 256 variables",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"hygiene"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package factsync.policies.variables

import rego.v1

max_variables := 256

deny contains msg if {
	n := count(input.instance.variables)
	n > max_variables
	msg := sprintf("process instance %d has %d variables (max %d)", [input.instance.id, n, max_variables])
}
`,
	}
}
