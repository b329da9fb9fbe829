package reconcile

import (
	"context"
	"time"

	"github.com/roach88/recsync/internal/ledger"
)

// AwaitIDs blocks until every id is in the session's ledger, the timeout
// elapses, or ctx is done. A non-positive timeout uses the configured
// MutationTimeout.
//
// Returns *TimeoutWaitingForIDsError listing the ids still missing at the
// deadline. Local state is never rolled back here.
func (s *Session) AwaitIDs(ctx context.Context, ids []string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.MutationTimeout
	}
	return awaitIDs(ctx, s.ledger, ids, timeout, s.cfg.PollInterval)
}

// awaitIDs wakes on every ledger change, with poll as a fallback re-check.
func awaitIDs(ctx context.Context, l *ledger.Ledger, ids []string, timeout, poll time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		// Take the channel before checking so a MarkSeen in between is not lost.
		changed := l.Changed()
		if l.HasAll(ids) {
			return nil
		}

		select {
		case <-changed:
		case <-ticker.C:
		case <-deadline.C:
			missing := l.Missing(ids)
			if len(missing) == 0 {
				return nil
			}
			return &TimeoutWaitingForIDsError{Missing: missing, Timeout: timeout}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
