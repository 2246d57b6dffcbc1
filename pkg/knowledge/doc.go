// Package knowledge defines the contract between factsync and a knowledge
// (fact) store.
//
// A knowledge store holds arbitrary facts. Inserting a fact returns an opaque
// Handle that the store owns; callers use it later to update or retract the
// fact. Stores also support a linear predicate scan over every fact they
// currently hold.
//
// # Facts
//
// Fact is a sealed sum type with two variants:
//
//   - ProcessInstanceFact: the mirrored state of one process instance
//   - GenericFact: any other fact inserted by third parties
//
// Predicates match on the variant structurally, so a scan for a process
// instance never needs reflection:
//
//	handles, err := store.Scan(ctx, knowledge.MatchProcessInstance(42))
//
// # Errors
//
// Store implementations report failures as *StoreError, classified as
// transient, conflict or permanent, so that callers can decide whether a
// retry makes sense. A scan that finds more than one fact for a single
// process instance is reported as *AnomalyError.
package knowledge
