// Package history converts "replace whole log" relay deliveries into
// "apply only the new suffix" semantics.
//
// Each party republishes its entire accumulating log on every update. The
// consumer keeps one read cursor per (ride, author): how many entries have
// already been applied locally. A delivery of size N with cursor k applies
// only entries [k..N). The cursor is the sole mutable state; the log itself
// is treated as an immutable sequence value.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/example/ride-escrow/internal/models"
)

// RawLog is a history log as it arrives off the relay, entries still
// undecoded so one malformed entry cannot poison the rest of the suffix.
type RawLog struct {
	Ride    models.RideID     `json:"ride"`
	Author  models.Role       `json:"author"`
	Entries []json.RawMessage `json:"entries"`
}

// DecodeRawLog parses a decrypted log container.
func DecodeRawLog(b []byte) (RawLog, error) {
	var l RawLog
	if err := json.Unmarshal(b, &l); err != nil {
		return RawLog{}, fmt.Errorf("decode history log: %w", err)
	}
	return l, nil
}

// ApplyFunc applies one decoded entry to the state machine. Returning an
// error halts the suffix at that entry; the cursor stays just before it so
// a redelivery reprocesses the unapplied tail.
type ApplyFunc func(ctx context.Context, entry models.HistoryEntry) error

// Applied summarizes one delivery.
type Applied struct {
	Applied   int // entries handed to the apply func
	Skipped   int // malformed entries recorded and passed over
	NewCount  int // cursor after this delivery
	PrevCount int
}

type cursorKey struct {
	ride   models.RideID
	author models.Role
}

// Consumer tracks per-(ride, author) read cursors.
type Consumer struct {
	mu      sync.Mutex
	cursors map[cursorKey]int
	logger  *slog.Logger
}

func NewConsumer(logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{cursors: make(map[cursorKey]int), logger: logger}
}

// Processed returns the current cursor for (ride, author).
func (c *Consumer) Processed(ride models.RideID, author models.Role) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursors[cursorKey{ride, author}]
}

// Restore seeds a cursor from a persisted ride record.
func (c *Consumer) Restore(ride models.RideID, author models.Role, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if count < 0 {
		count = 0
	}
	c.cursors[cursorKey{ride, author}] = count
}

// Reset clears both cursors for a ride. Must run at every ride boundary;
// a stale cursor is how a prior ride's actions replay into the next one.
func (c *Consumer) Reset(ride models.RideID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cursors, cursorKey{ride, models.RoleRider})
	delete(c.cursors, cursorKey{ride, models.RoleDriver})
}

// Apply feeds the unseen suffix of a delivered log to fn, in order.
//
// Cursor rules:
//   - shrunk log (N < k): no-op, cursor untouched, anomaly logged
//   - identical redelivery (N == k): no-op
//   - malformed entry: skipped with a warning; later entries still apply,
//     but the cursor only advances past the leading parseable run, so
//     anything applied beyond a malformed entry must be idempotent
//   - fn error: suffix halts there, cursor covers what succeeded before it
func (c *Consumer) Apply(ctx context.Context, log RawLog, fn ApplyFunc) (Applied, error) {
	key := cursorKey{log.Ride, log.Author}

	c.mu.Lock()
	k := c.cursors[key]
	c.mu.Unlock()

	n := len(log.Entries)
	res := Applied{PrevCount: k, NewCount: k}

	if n < k {
		c.logger.Warn("history log shrank",
			"ride", log.Ride, "author", log.Author, "have", k, "got", n)
		return res, nil
	}
	if n == k {
		return res, nil
	}

	advance := k
	advancing := true
	var applyErr error

	for i := k; i < n; i++ {
		var entry models.HistoryEntry
		if err := json.Unmarshal(log.Entries[i], &entry); err != nil {
			c.logger.Warn("malformed history entry skipped",
				"ride", log.Ride, "author", log.Author, "index", i, "error", err)
			res.Skipped++
			advancing = false
			continue
		}
		if err := fn(ctx, entry); err != nil {
			applyErr = fmt.Errorf("apply entry %d (%s): %w", i, entry.Action.Kind(), err)
			break
		}
		res.Applied++
		if advancing {
			advance = i + 1
		}
	}

	c.mu.Lock()
	if advance > c.cursors[key] {
		c.cursors[key] = advance
	}
	res.NewCount = c.cursors[key]
	c.mu.Unlock()

	return res, applyErr
}
