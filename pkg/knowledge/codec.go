package knowledge

import (
	"encoding/json"
	"fmt"
)

// factEnvelope is the serialized form of a Fact.
type factEnvelope struct {
	Kind            FactKind             `json:"kind"`
	ProcessInstance *ProcessInstanceFact `json:"process_instance,omitempty"`
	Generic         *GenericFact         `json:"generic,omitempty"`
}

// MarshalFact encodes a fact together with its variant tag.
func MarshalFact(fact Fact) ([]byte, error) {
	env := factEnvelope{}

	switch v := fact.(type) {
	case ProcessInstanceFact:
		env.Kind = FactKindProcessInstance
		env.ProcessInstance = &v
	case *ProcessInstanceFact:
		if v == nil {
			return nil, fmt.Errorf("%w: nil process instance", ErrInvalidFact)
		}
		env.Kind = FactKindProcessInstance
		env.ProcessInstance = v
	case GenericFact:
		env.Kind = FactKindGeneric
		env.Generic = &v
	case *GenericFact:
		if v == nil {
			return nil, fmt.Errorf("%w: nil generic fact", ErrInvalidFact)
		}
		env.Kind = FactKindGeneric
		env.Generic = v
	default:
		return nil, fmt.Errorf("%w: unsupported fact %T", ErrInvalidFact, fact)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fact: %w", err)
	}
	return data, nil
}

// UnmarshalFact decodes a fact written by MarshalFact. Facts are always
// returned in value form.
func UnmarshalFact(data []byte) (Fact, error) {
	var env factEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fact: %w", err)
	}

	switch env.Kind {
	case FactKindProcessInstance:
		if env.ProcessInstance == nil {
			return nil, fmt.Errorf("%w: missing process_instance payload", ErrInvalidFact)
		}
		return *env.ProcessInstance, nil
	case FactKindGeneric:
		if env.Generic == nil {
			return nil, fmt.Errorf("%w: missing generic payload", ErrInvalidFact)
		}
		return *env.Generic, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidFact, env.Kind)
	}
}

// Validate checks that fact is one of the known variants and carries an
// identity.
func Validate(fact Fact) error {
	switch v := fact.(type) {
	case ProcessInstanceFact, *ProcessInstanceFact:
		pi, ok := AsProcessInstance(v)
		if !ok {
			return fmt.Errorf("%w: nil process instance", ErrInvalidFact)
		}
		if pi.ID <= 0 {
			return fmt.Errorf("%w: process instance id must be positive, got %d", ErrInvalidFact, pi.ID)
		}
		return nil
	case GenericFact:
		if v.Type == "" {
			return fmt.Errorf("%w: generic fact type is required", ErrInvalidFact)
		}
		return nil
	case *GenericFact:
		if v == nil || v.Type == "" {
			return fmt.Errorf("%w: generic fact type is required", ErrInvalidFact)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported fact %T", ErrInvalidFact, fact)
	}
}
