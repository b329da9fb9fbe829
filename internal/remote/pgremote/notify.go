package pgremote

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/roach88/recsync/internal/record"
)

// maxPayload stays under the 8000 byte NOTIFY payload limit.
const maxPayload = 7900

// notification is the NOTIFY payload. Record is omitted when it would not
// fit; the listener then reads the row back.
type notification struct {
	Collection string          `json:"collection"`
	Action     record.EventKind `json:"action"`
	ID         string          `json:"id"`
	Record     record.Record   `json:"record,omitempty"`
}

func encodeNotification(collection string, kind record.EventKind, r record.Record) (string, error) {
	n := notification{Collection: collection, Action: kind, ID: r.ID(), Record: r}
	data, err := record.MarshalCanonical(n)
	if err != nil {
		return "", fmt.Errorf("encode notification: %w", err)
	}
	if len(data) <= maxPayload {
		return string(data), nil
	}
	n.Record = nil
	data, err = record.MarshalCanonical(n)
	if err != nil {
		return "", fmt.Errorf("encode notification: %w", err)
	}
	return string(data), nil
}

func decodeNotification(payload string) (notification, error) {
	var n notification
	if err := record.DecodeJSON([]byte(payload), &n); err != nil {
		return notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if n.Collection == "" || n.ID == "" {
		return notification{}, fmt.Errorf("decode notification: missing collection or id")
	}
	if _, err := record.ParseEventKind(string(n.Action)); err != nil {
		return notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}

// listen forwards notifications to the hub until Close.
func (s *Store) listen() {
	for {
		select {
		case <-s.done:
			return
		case n, ok := <-s.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect; changes in between were missed.
			if n == nil {
				continue
			}
			s.handleNotification(n.Extra)
		case <-time.After(pingInterval):
			go func() {
				if err := s.listener.Ping(); err != nil {
					s.logger.Warn("listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (s *Store) handleNotification(payload string) {
	n, err := decodeNotification(payload)
	if err != nil {
		s.logger.Error("bad notification", "channel", s.channel, "error", err)
		return
	}
	kind, _ := record.ParseEventKind(string(n.Action))

	r := n.Record
	if r == nil {
		if kind == record.EventRemoved {
			r = record.Record{record.FieldID: n.ID}
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
			r, err = (&Collection{store: s, name: n.Collection}).get(ctx, s.db, n.ID)
			cancel()
			if err != nil {
				s.logger.Error("read back notified record", "collection", n.Collection, "id", n.ID, "error", err)
				return
			}
		}
	}
	s.hub.Publish(n.Collection, record.Event{Kind: kind, Record: r})
}

// listenerEvent logs connection state. A disconnect is reported as a drop
// since notifications sent while disconnected are lost.
func (s *Store) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		s.logger.Debug("listener connected", "channel", s.channel)
	case pq.ListenerEventDisconnected:
		s.logger.Warn("listener disconnected", "channel", s.channel, "error", err)
		if err == nil {
			err = fmt.Errorf("listener disconnected")
		}
		select {
		case s.drops <- err:
		default:
		}
	case pq.ListenerEventReconnected:
		s.logger.Info("listener reconnected", "channel", s.channel)
	case pq.ListenerEventConnectionAttemptFailed:
		s.logger.Warn("listener connection attempt failed", "error", err)
	}
}
