package stores

import (
	"context"

	"github.com/factsync/factsync/pkg/knowledge"
	"github.com/factsync/factsync/pkg/telemetry"
)

// InstrumentedStore records a span, a duration and an outcome for every call
// to the wrapped store.
type InstrumentedStore struct {
	Store
	tel *telemetry.Telemetry
}

// Instrument wraps s with telemetry. A nil tel returns s unchanged.
func Instrument(s Store, tel *telemetry.Telemetry) Store {
	if tel == nil {
		return s
	}
	return &InstrumentedStore{Store: s, tel: tel}
}

// Insert implements knowledge.Store.
func (s *InstrumentedStore) Insert(ctx context.Context, fact knowledge.Fact) (knowledge.Handle, error) {
	var h knowledge.Handle
	err := s.tel.RecordStoreOperation(ctx, "insert", func(ctx context.Context) error {
		var err error
		h, err = s.Store.Insert(ctx, fact)
		return err
	})
	return h, err
}

// Update implements knowledge.Store.
func (s *InstrumentedStore) Update(ctx context.Context, handle knowledge.Handle, fact knowledge.Fact) error {
	return s.tel.RecordStoreOperation(ctx, "update", func(ctx context.Context) error {
		return s.Store.Update(ctx, handle, fact)
	})
}

// Retract implements knowledge.Store.
func (s *InstrumentedStore) Retract(ctx context.Context, handle knowledge.Handle) error {
	return s.tel.RecordStoreOperation(ctx, "retract", func(ctx context.Context) error {
		return s.Store.Retract(ctx, handle)
	})
}

// Scan implements knowledge.Store.
func (s *InstrumentedStore) Scan(ctx context.Context, predicate knowledge.Predicate) ([]knowledge.Handle, error) {
	var hs []knowledge.Handle
	err := s.tel.RecordStoreOperation(ctx, "scan", func(ctx context.Context) error {
		var err error
		hs, err = s.Store.Scan(ctx, predicate)
		return err
	})
	return hs, err
}

// MaxProcessInstanceID forwards to the wrapped store.
func (s *InstrumentedStore) MaxProcessInstanceID(ctx context.Context) (knowledge.ProcessInstanceID, error) {
	return MaxProcessInstanceID(ctx, s.Store)
}
