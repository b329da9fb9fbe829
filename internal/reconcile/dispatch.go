package reconcile

import (
	"context"
	"fmt"

	"github.com/roach88/recsync/internal/record"
)

// OnInsert creates each mutation's record remotely and waits until every
// returned id is confirmed.
//
// The batch is rejected before any write if it holds a non-insert mutation
// or a payload fails the schema. A remote failure aborts the rest of the
// batch and is returned wrapped.
func (s *Session) OnInsert(ctx context.Context, mutations []record.Mutation) error {
	if err := checkKinds(record.MutationInsert, mutations); err != nil {
		return err
	}

	payloads := make([]record.Record, len(mutations))
	for i, m := range mutations {
		key := m.Key
		if key == "" {
			key = m.Modified.ID()
		}
		p, err := s.cfg.Transforms.ToRemote.Apply(m.Modified)
		if err != nil {
			return fmt.Errorf("insert %s: %w", key, err)
		}
		p = p.Without(record.MetaFields...)
		if err := s.validate(key, p); err != nil {
			return err
		}
		payloads[i] = p
	}

	ids := make([]string, 0, len(mutations))
	for i, m := range mutations {
		tempID := m.Key
		if tempID == "" {
			tempID = m.Modified.ID()
		}
		id, err := s.create(ctx, tempID, payloads[i])
		if err != nil {
			return fmt.Errorf("create %s in %s: %w", tempID, s.cfg.CollectionName, err)
		}
		if s.cfg.ConfirmOnWrite {
			s.ledger.MarkSeen(id)
		}
		ids = append(ids, id)
	}

	s.logger.Debug("insert batch written", "count", len(ids))
	return s.AwaitIDs(ctx, ids, 0)
}

// OnUpdate sends each mutation's changes to the record named by its key and
// waits until the returned ids are confirmed. Keys must be confirmed ids.
func (s *Session) OnUpdate(ctx context.Context, mutations []record.Mutation) error {
	if err := checkKinds(record.MutationUpdate, mutations); err != nil {
		return err
	}

	patches := make([]record.Record, len(mutations))
	for i, m := range mutations {
		p, err := s.cfg.Transforms.ToRemote.Apply(m.Changes)
		if err != nil {
			return fmt.Errorf("update %s: %w", m.Key, err)
		}
		if m.Modified != nil {
			full, err := s.cfg.Transforms.ToRemote.Apply(m.Modified)
			if err != nil {
				return fmt.Errorf("update %s: %w", m.Key, err)
			}
			if err := s.validate(m.Key, full.Without(record.MetaFields...)); err != nil {
				return err
			}
		}
		patches[i] = p
	}

	ids := make([]string, 0, len(mutations))
	for i, m := range mutations {
		updated, err := s.coll.Update(ctx, m.Key, patches[i])
		if err != nil {
			return fmt.Errorf("update %s in %s: %w", m.Key, s.cfg.CollectionName, err)
		}
		id := updated.ID()
		if id == "" {
			id = m.Key
		}
		if s.cfg.ConfirmOnWrite {
			s.ledger.MarkSeen(id)
		}
		ids = append(ids, id)
	}

	s.logger.Debug("update batch written", "count", len(ids))
	return s.AwaitIDs(ctx, ids, 0)
}

// OnDelete deletes each mutation's key remotely and waits until the removal
// events mark those keys seen.
func (s *Session) OnDelete(ctx context.Context, mutations []record.Mutation) error {
	if err := checkKinds(record.MutationDelete, mutations); err != nil {
		return err
	}

	ids := make([]string, 0, len(mutations))
	for _, m := range mutations {
		if err := s.coll.Delete(ctx, m.Key); err != nil {
			return fmt.Errorf("delete %s in %s: %w", m.Key, s.cfg.CollectionName, err)
		}
		if s.cfg.ConfirmOnWrite {
			s.ledger.MarkSeen(m.Key)
		}
		ids = append(ids, m.Key)
	}

	s.logger.Debug("delete batch written", "count", len(ids))
	return s.AwaitIDs(ctx, ids, 0)
}

// Dispatch routes a homogeneous batch to the matching dispatcher by the
// kind of its first mutation.
func (s *Session) Dispatch(ctx context.Context, mutations []record.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	switch kind := mutations[0].Kind; kind {
	case record.MutationInsert:
		return s.OnInsert(ctx, mutations)
	case record.MutationUpdate:
		return s.OnUpdate(ctx, mutations)
	case record.MutationDelete:
		return s.OnDelete(ctx, mutations)
	default:
		return fmt.Errorf("dispatch: unknown mutation kind %q", kind)
	}
}

// create issues one create request and records the rename before any
// created event for the new id can be processed.
func (s *Session) create(ctx context.Context, tempID string, payload record.Record) (string, error) {
	s.createGate.RLock()
	defer s.createGate.RUnlock()

	created, err := s.coll.Create(ctx, payload)
	if err != nil {
		return "", err
	}
	id := created.ID()
	if id == "" {
		return "", fmt.Errorf("create response: %w", errMissingID)
	}
	s.renames.Record(tempID, id)
	return id, nil
}

func checkKinds(want record.MutationKind, mutations []record.Mutation) error {
	for _, m := range mutations {
		if m.Kind != want {
			return &UnexpectedMutationKindError{Expected: want, Got: m.Kind, Key: m.Key}
		}
	}
	return nil
}

func (s *Session) validate(key string, payload record.Record) error {
	if s.cfg.Schema == nil {
		return nil
	}
	if err := s.cfg.Schema.Validate(payload); err != nil {
		return &SchemaViolationError{Key: key, Err: err}
	}
	return nil
}
