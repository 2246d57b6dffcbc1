// Package policy provides Open Policy Agent (OPA) admission control for
// process-instance facts.
//
// Before a process instance is mirrored into the knowledge store for the
// first time, its snapshot is evaluated against every enabled Rego policy.
// Updates of facts that are already mirrored and retractions are never
// gated.
//
// # Writing policies
//
// A policy is a Rego module defining a deny set. Each entry is either a
// message string or an object with "message" and "severity" keys:
//
//	package factsync.policies.orders
//
//	deny contains msg if {
//	    input.instance.variables.amount > 1000
//	    msg := "order too large"
//	}
//
// The input document is:
//
//	{
//	  "instance": {"id": 42, "process_id": "...", "state": "active", "variables": {...}},
//	  "context":  {"timestamp": "...", "operation": "insert"}
//	}
//
// Violations with severity error or critical deny admission; info and
// warning violations are reported only. Policies loaded from .rego files
// default to error; a "# severity: warning" header comment overrides it.
//
// # Built-in policies
//
//   - exclude-ephemeral: denies instances with variable factsync.skip == true
//   - process-id-required: warns about instances without a process id
//   - variable-count: warns about instances with more than 256 variables
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	result, err := eng.Admit(ctx, fact)
//
// Engine.Watch reloads file policies on change using fsnotify. Built-in
// policies are kept across reloads.
package policy
