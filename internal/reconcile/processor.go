package reconcile

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/recsync/internal/ledger"
	"github.com/roach88/recsync/internal/record"
	"github.com/roach88/recsync/internal/rename"
	"github.com/roach88/recsync/internal/transform"
)

var errMissingID = errors.New("record has no id")

// processor turns realtime events into sink transactions.
//
// It is owned by the session loop goroutine; only the ledger and rename map
// it holds are shared with dispatchers.
type processor struct {
	sink    Sink
	ledger  *ledger.Ledger
	renames *rename.Map
	toLocal transform.Fields
	logger  *slog.Logger

	// present holds every id applied to the sink and not since deleted.
	// A created event for a present id is written as an update.
	present map[string]struct{}
}

func newProcessor(sink Sink, l *ledger.Ledger, renames *rename.Map, toLocal transform.Fields, logger *slog.Logger) *processor {
	return &processor{
		sink:    sink,
		ledger:  l,
		renames: renames,
		toLocal: toLocal,
		logger:  logger,
		present: make(map[string]struct{}),
	}
}

// load applies the bulk-load snapshot in one transaction. A record without
// an id or failing a field transform is skipped with a warning.
func (p *processor) load(records []record.Record) (skipped int) {
	ids := make([]string, 0, len(records))
	local := make([]record.Record, 0, len(records))
	for i, r := range records {
		id := r.ID()
		if id == "" {
			p.logger.Warn("skipping bulk record", "index", i, "error", errMissingID)
			skipped++
			continue
		}
		ids = append(ids, id)
		v, err := p.toLocal.Apply(r)
		if err != nil {
			p.logger.Warn("skipping bulk record", "id", id, "error", err)
			skipped++
			continue
		}
		local = append(local, v)
	}
	p.ledger.MarkSeen(ids...)

	p.sink.Begin()
	for _, v := range local {
		p.sink.Write(p.insertOrUpdate(v))
	}
	p.sink.Commit()
	return skipped
}

// process applies one realtime event in one transaction.
//
// When the field transforms reject the record, a removal is still applied
// from the raw record and a created event still drops the placeholder of
// its rename, so a confirmed insert never leaves a temporary id behind.
func (p *processor) process(ev record.Event) error {
	id := ev.Record.ID()
	if id == "" {
		return fmt.Errorf("%s event: %w", ev.Kind, errMissingID)
	}
	p.ledger.MarkSeen(id)

	v, err := p.toLocal.Apply(ev.Record)
	if err != nil {
		err = fmt.Errorf("%s event %s: %w", ev.Kind, id, err)
		switch ev.Kind {
		case record.EventRemoved:
			p.logger.Warn("applying removal without field transforms", "id", id, "error", err)
			v = ev.Record
		case record.EventCreated:
			if tempID, ok := p.renames.ResolveByRealID(id); ok {
				p.sink.Begin()
				p.sink.Write(record.Delete(tempID, nil))
				p.sink.Commit()
			}
			return err
		default:
			return err
		}
	}

	switch ev.Kind {
	case record.EventCreated:
		tempID, renamed := p.renames.ResolveByRealID(id)
		p.sink.Begin()
		if renamed {
			p.sink.Write(record.Delete(tempID, nil))
		}
		p.sink.Write(p.insertOrUpdate(v))
		p.sink.Commit()
		if renamed {
			p.logger.Debug("reconciled temporary id", "temp_id", tempID, "id", id)
		}

	case record.EventModified:
		p.sink.Begin()
		p.sink.Write(record.Update(v))
		p.sink.Commit()
		p.present[id] = struct{}{}

	case record.EventRemoved:
		p.sink.Begin()
		p.sink.Write(record.Delete(id, v))
		p.sink.Commit()
		delete(p.present, id)

	default:
		return fmt.Errorf("event %s: unknown kind %q", id, ev.Kind)
	}
	return nil
}

func (p *processor) insertOrUpdate(v record.Record) record.Op {
	id := v.ID()
	if _, ok := p.present[id]; ok {
		return record.Update(v)
	}
	p.present[id] = struct{}{}
	return record.Insert(v)
}
