package knowledge

// Predicate selects facts during a store scan.
type Predicate interface {
	Match(fact Fact) bool
}

// PredicateFunc adapts a function to Predicate.
type PredicateFunc func(fact Fact) bool

// Match implements Predicate.
func (f PredicateFunc) Match(fact Fact) bool {
	return f(fact)
}

// ProcessInstanceMatch accepts process-instance facts with the given id.
// Stores may recognise this predicate and answer it from an index instead of
// decoding every fact.
type ProcessInstanceMatch struct {
	ID ProcessInstanceID
}

// MatchProcessInstance returns the predicate "is a process instance and its
// identity equals id".
func MatchProcessInstance(id ProcessInstanceID) ProcessInstanceMatch {
	return ProcessInstanceMatch{ID: id}
}

// Match implements Predicate.
func (m ProcessInstanceMatch) Match(fact Fact) bool {
	pi, ok := AsProcessInstance(fact)
	return ok && pi.ID == m.ID
}

// MatchKind accepts every fact of the given kind.
func MatchKind(kind FactKind) Predicate {
	return PredicateFunc(func(fact Fact) bool {
		return fact != nil && fact.Kind() == kind
	})
}

// MatchAll accepts every fact.
func MatchAll() Predicate {
	return PredicateFunc(func(fact Fact) bool {
		return fact != nil
	})
}

// AsProcessInstance returns the process-instance variant of fact, accepting
// both value and pointer forms.
func AsProcessInstance(fact Fact) (ProcessInstanceFact, bool) {
	switch v := fact.(type) {
	case ProcessInstanceFact:
		return v, true
	case *ProcessInstanceFact:
		if v == nil {
			return ProcessInstanceFact{}, false
		}
		return *v, true
	default:
		return ProcessInstanceFact{}, false
	}
}
