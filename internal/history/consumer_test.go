package history

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/example/ride-escrow/internal/models"
)

func entryJSON(t *testing.T, a models.Action) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(models.HistoryEntry{Action: a, Seconds: 100})
	if err != nil {
		t.Fatalf("marshal entry: %v", err)
	}
	return b
}

func statusLog(t *testing.T, ride models.RideID, n int) RawLog {
	t.Helper()
	l := RawLog{Ride: ride, Author: models.RoleDriver}
	for i := 0; i < n; i++ {
		l.Entries = append(l.Entries, entryJSON(t, models.LocationAction{Loc: models.Coord{Lat: float64(i)}}))
	}
	return l
}

// collector records applied entries
type collector struct {
	got  []models.HistoryEntry
	fail int // 1-based index of call to fail on, 0 = never
}

func (c *collector) apply(ctx context.Context, e models.HistoryEntry) error {
	if c.fail > 0 && len(c.got)+1 == c.fail {
		return errors.New("apply boom")
	}
	c.got = append(c.got, e)
	return nil
}

func TestApplySuffixOnly(t *testing.T) {
	c := NewConsumer(nil)
	col := &collector{}
	ctx := context.Background()

	res, err := c.Apply(ctx, statusLog(t, "r1", 3), col.apply)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Applied != 3 || res.NewCount != 3 {
		t.Fatalf("first delivery: %+v", res)
	}

	// log grew by two; only the new tail is applied
	res, err = c.Apply(ctx, statusLog(t, "r1", 5), col.apply)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Applied != 2 || res.NewCount != 5 {
		t.Fatalf("growth delivery: %+v", res)
	}
	if len(col.got) != 5 {
		t.Fatalf("expected 5 total applications, got %d", len(col.got))
	}
}

func TestIdenticalRedeliveryIsNoop(t *testing.T) {
	c := NewConsumer(nil)
	col := &collector{}
	ctx := context.Background()

	l := statusLog(t, "r1", 3)
	if _, err := c.Apply(ctx, l, col.apply); err != nil {
		t.Fatalf("apply: %v", err)
	}
	res, err := c.Apply(ctx, l, col.apply)
	if err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if res.Applied != 0 || res.NewCount != 3 {
		t.Fatalf("redelivery must be a no-op: %+v", res)
	}
	if len(col.got) != 3 {
		t.Fatalf("duplicate delivery executed actions: %d", len(col.got))
	}
}

func TestShrunkLogIsNoop(t *testing.T) {
	c := NewConsumer(nil)
	col := &collector{}
	ctx := context.Background()

	if _, err := c.Apply(ctx, statusLog(t, "r1", 4), col.apply); err != nil {
		t.Fatalf("apply: %v", err)
	}
	res, err := c.Apply(ctx, statusLog(t, "r1", 2), col.apply)
	if err != nil {
		t.Fatalf("shrunk delivery: %v", err)
	}
	if res.Applied != 0 || res.NewCount != 4 {
		t.Fatalf("cursor must never decrement: %+v", res)
	}
	if c.Processed("r1", models.RoleDriver) != 4 {
		t.Fatalf("cursor moved to %d", c.Processed("r1", models.RoleDriver))
	}
}

func TestMalformedEntrySkippedWithoutBlocking(t *testing.T) {
	c := NewConsumer(nil)
	col := &collector{}
	ctx := context.Background()

	l := statusLog(t, "r1", 1)
	l.Entries = append(l.Entries, json.RawMessage(`{"kind":"location_update","payload":"not an object"}`))
	l.Entries = append(l.Entries, entryJSON(t, models.StatusAction{Status: models.StateArrived}))

	res, err := c.Apply(ctx, l, col.apply)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Skipped != 1 {
		t.Fatalf("expected one skip, got %d", res.Skipped)
	}
	if res.Applied != 2 {
		t.Fatalf("malformed entry blocked later entries: applied=%d", res.Applied)
	}
	// cursor stops at the malformed entry so it is represented on redelivery
	if res.NewCount != 1 {
		t.Fatalf("cursor advanced past unparseable entry: %d", res.NewCount)
	}
}

func TestApplyErrorHaltsAndKeepsTail(t *testing.T) {
	c := NewConsumer(nil)
	col := &collector{fail: 2}
	ctx := context.Background()

	res, err := c.Apply(ctx, statusLog(t, "r1", 3), col.apply)
	if err == nil {
		t.Fatal("expected apply error")
	}
	if res.Applied != 1 || res.NewCount != 1 {
		t.Fatalf("cursor must cover only the applied prefix: %+v", res)
	}

	// redelivery resumes at the failed entry
	col.fail = 0
	res, err = c.Apply(ctx, statusLog(t, "r1", 3), col.apply)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Applied != 2 || res.NewCount != 3 {
		t.Fatalf("resume did not process the tail: %+v", res)
	}
}

func TestResetClearsBothDirections(t *testing.T) {
	c := NewConsumer(nil)
	ctx := context.Background()
	col := &collector{}

	if _, err := c.Apply(ctx, statusLog(t, "r1", 2), col.apply); err != nil {
		t.Fatalf("apply: %v", err)
	}
	riderLog := RawLog{Ride: "r1", Author: models.RoleRider, Entries: statusLog(t, "r1", 1).Entries}
	if _, err := c.Apply(ctx, riderLog, col.apply); err != nil {
		t.Fatalf("apply: %v", err)
	}

	c.Reset("r1")
	if c.Processed("r1", models.RoleDriver) != 0 || c.Processed("r1", models.RoleRider) != 0 {
		t.Fatal("cursors survived reset")
	}
}
