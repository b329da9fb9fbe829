package record

import "fmt"

// EventKind classifies a realtime change notification.
type EventKind string

const (
	// EventCreated reports a record the remote store has just created.
	EventCreated EventKind = "create"
	// EventModified reports an update to an existing record.
	EventModified EventKind = "update"
	// EventRemoved reports a deletion.
	EventRemoved EventKind = "delete"
)

// ParseEventKind accepts the wire action names plus a few aliases.
func ParseEventKind(s string) (EventKind, error) {
	switch s {
	case "create", "created", "insert":
		return EventCreated, nil
	case "update", "updated", "modified":
		return EventModified, nil
	case "delete", "deleted", "removed":
		return EventRemoved, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// Event is a realtime change notification from the remote store.
type Event struct {
	Kind   EventKind `json:"action" yaml:"action"`
	Record Record    `json:"record" yaml:"record"`
}

// OpType is the kind of apply-operation written to the local collection.
type OpType string

const (
	OpInsert OpType = "insert"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Op is one apply-operation. Delete ops carry Key and, when the remote
// delivered it, the last known Value.
type Op struct {
	Type  OpType `json:"type"`
	Key   string `json:"key"`
	Value Record `json:"value,omitempty"`
}

// Insert builds an insert op keyed by the record id.
func Insert(v Record) Op { return Op{Type: OpInsert, Key: v.ID(), Value: v} }

// Update builds an update op keyed by the record id.
func Update(v Record) Op { return Op{Type: OpUpdate, Key: v.ID(), Value: v} }

// Delete builds a delete op for key.
func Delete(key string, v Record) Op { return Op{Type: OpDelete, Key: key, Value: v} }

// MutationKind is the kind of an optimistic mutation intent.
type MutationKind string

const (
	MutationInsert MutationKind = "insert"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Mutation is one intent from a caller's transaction.
//
// Insert carries the full optimistic record in Modified, Update the partial
// payload in Changes, Delete only the Key.
type Mutation struct {
	Kind     MutationKind
	Key      string
	Modified Record
	Changes  Record
}
