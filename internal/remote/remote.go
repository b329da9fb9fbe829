// Package remote defines the authoritative store as seen by a sync session
// and the pieces shared by its implementations: subscriber fan-out and the
// fetch option mini-language (sort, filter, expand).
//
// Implementations:
//   - sqlremote: embedded SQLite store
//   - pgremote: PostgreSQL store broadcasting through LISTEN/NOTIFY
//   - wsremote (internal/transport): HTTP + websocket client for a served store
package remote

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/recsync/internal/record"
)

// TopicAll subscribes to every record in a collection.
const TopicAll = "*"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// NewID returns a 15 character lowercase hex record id, the shape stores
// assign to created records.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:15]
}

// Handler receives realtime events. Calls for one subscription are
// sequential and in the order the store committed the changes.
type Handler func(record.Event)

// FetchOptions shape a bulk load.
type FetchOptions struct {
	// Sort is a comma separated field list; a "-" prefix sorts descending.
	Sort string `json:"sort,omitempty" yaml:"sort,omitempty"`
	// Filter is a "field op value" list joined by "&&".
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`
	// Expand names relation fields whose referenced records are embedded
	// under the "expand" key.
	Expand string `json:"expand,omitempty" yaml:"expand,omitempty"`
}

// Client hands out collection handles.
type Client interface {
	Collection(name string) Collection
}

// Collection is the request/response and subscribe capability for one
// remote collection.
type Collection interface {
	// Subscribe registers handler for topic ("*" or a record id). The
	// returned function unsubscribes and is safe to call more than once.
	Subscribe(ctx context.Context, topic string, handler Handler) (func(), error)

	// FullList returns every record matching opts.
	FullList(ctx context.Context, opts FetchOptions) ([]record.Record, error)

	// Create stores payload and returns the record with its assigned id.
	Create(ctx context.Context, payload record.Record) (record.Record, error)

	// Update merges patch into the record with id and returns the result.
	Update(ctx context.Context, id string, patch record.Record) (record.Record, error)

	// Delete removes the record with id.
	Delete(ctx context.Context, id string) error
}

// DropReporter is implemented by collections whose realtime stream can end
// without the subscriber asking. Dropped yields the cause once.
type DropReporter interface {
	Dropped() <-chan error
}
