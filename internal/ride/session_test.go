package ride

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/example/ride-escrow/internal/escrow"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/observability"
	"github.com/example/ride-escrow/internal/relay"
	"github.com/example/ride-escrow/internal/seal"
	"github.com/example/ride-escrow/internal/storage"
)

var (
	testPickup  = models.Coord{Lat: 40.7128, Lon: -74.0060}
	testDropoff = models.Coord{Lat: 40.7306, Lon: -73.9866}
)

// stubMint counts rail operations instead of talking to a processor.
type stubMint struct {
	mu        sync.Mutex
	locks     int
	claims    int
	refunds   int
	claimErr  error
	refundErr error
}

func (m *stubMint) CreateLock(ctx context.Context, hash escrow.PaymentHash, amountMinor int64, currency string, expiry time.Time) (*escrow.Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks++
	return &escrow.Lock{
		Ref:         fmt.Sprintf("hold-%d", m.locks),
		Hash:        hash,
		AmountMinor: amountMinor,
		Currency:    currency,
		Expiry:      expiry,
	}, nil
}

func (m *stubMint) Claim(ctx context.Context, lock *escrow.Lock, pre escrow.Preimage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return m.claimErr
	}
	m.claims++
	return nil
}

func (m *stubMint) Refund(ctx context.Context, lock *escrow.Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refundErr != nil {
		return m.refundErr
	}
	m.refunds++
	return nil
}

func (m *stubMint) counters() (locks, claims, refunds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks, m.claims, m.refunds
}

type party struct {
	sess  *Session
	mint  *stubMint
	id    *seal.Identity
	store *storage.MemoryStore
}

func newParty(t *testing.T, role models.Role, mem *relay.Memory) *party {
	t.Helper()
	ident, err := seal.NewIdentity()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	mint := &stubMint{}
	store := storage.NewMemoryStore()
	sess := NewSession(Config{
		Role:           role,
		Identity:       ident,
		Relay:          mem,
		Store:          store,
		Mint:           mint,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		AmountMinor:    2500,
		Currency:       "usd",
		ArrivalRadiusM: 400,
		LockExpiry:     time.Hour,
	})
	return &party{sess: sess, mint: mint, id: ident, store: store}
}

// startRide wires a rider and a driver to one relay and runs the
// handshake through the driver's acceptance, which auto-confirms the
// ride on the rider side.
func startRide(t *testing.T) (*relay.Memory, *party, *party, string) {
	t.Helper()
	mem := relay.NewMemory()
	rider := newParty(t, models.RoleRider, mem)
	driver := newParty(t, models.RoleDriver, mem)

	var offerID string
	var offer models.Offer
	driver.sess.OnOffer = func(id string, o models.Offer) { offerID, offer = id, o }

	ctx := context.Background()
	if err := rider.sess.Start(ctx); err != nil {
		t.Fatalf("rider start: %v", err)
	}
	if err := driver.sess.Start(ctx); err != nil {
		t.Fatalf("driver start: %v", err)
	}

	id, err := rider.sess.PlaceOffer(ctx, testPickup, testDropoff, 2500)
	if err != nil {
		t.Fatalf("place offer: %v", err)
	}
	if offerID != id {
		t.Fatalf("driver saw offer %q, want %q", offerID, id)
	}

	peer := peerInfo{Author: rider.id.PublicKey(), BoxKey: rider.id.BoxPublicKey()}
	if err := driver.sess.Accept(ctx, offerID, offer, peer); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return mem, rider, driver, id
}

func TestRideLifecycleEndToEnd(t *testing.T) {
	mem, rider, driver, rideID := startRide(t)
	ctx := context.Background()

	if got := rider.sess.State(); got != models.StateConfirmed {
		t.Fatalf("rider state after accept = %s, want confirmed", got)
	}
	if got := driver.sess.State(); got != models.StateConfirmed {
		t.Fatalf("driver state after accept = %s, want confirmed", got)
	}
	if locks, _, _ := rider.mint.counters(); locks != 1 {
		t.Fatalf("rider locks = %d, want 1", locks)
	}
	if rider.sess.ActiveRide() != models.RideID(rideID) {
		t.Fatalf("rider bound to %q, want %q", rider.sess.ActiveRide(), rideID)
	}
	if driver.sess.Pin() == "" || driver.sess.Pin() != rider.sess.Pin() {
		t.Fatalf("pin did not reach the driver intact")
	}

	out, err := driver.sess.StartRoute(ctx)
	if err != nil || out.Code != Applied {
		t.Fatalf("start route: %v %s", err, out)
	}
	if got := rider.sess.State(); got != models.StateEnRoute {
		t.Fatalf("rider state = %s, want en_route", got)
	}

	if err := driver.sess.UpdateLocation(ctx, testPickup); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if out, err = driver.sess.Arrive(ctx); err != nil || out.Code != Applied {
		t.Fatalf("arrive: %v %s", err, out)
	}
	if got := rider.sess.State(); got != models.StateArrived {
		t.Fatalf("rider state = %s, want arrived", got)
	}

	// verification needs a submitted pin first
	if out, err = rider.sess.VerifyPin(ctx); err != nil || out.Code != GuardFailed {
		t.Fatalf("verify before submit: %v %s", err, out)
	}
	if err := driver.sess.SubmitPin(ctx); err != nil {
		t.Fatalf("submit pin: %v", err)
	}
	if out, err = rider.sess.VerifyPin(ctx); err != nil || out.Code != Applied {
		t.Fatalf("verify pin: %v %s", err, out)
	}

	if out, err = driver.sess.StartRide(ctx); err != nil || out.Code != Applied {
		t.Fatalf("start ride: %v %s", err, out)
	}
	if got := rider.sess.State(); got != models.StateInProgress {
		t.Fatalf("rider state = %s, want in_progress", got)
	}

	if err := driver.sess.UpdateLocation(ctx, testDropoff); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if out, err = driver.sess.Complete(ctx); err != nil || out.Code != Applied {
		t.Fatalf("complete: %v %s", err, out)
	}

	if _, claims, _ := driver.mint.counters(); claims != 1 {
		t.Fatalf("driver claims = %d, want 1", claims)
	}
	if _, claims, _ := rider.mint.counters(); claims != 0 {
		t.Fatalf("rider claims = %d, want 0", claims)
	}
	if got := rider.sess.State(); got != models.StateCompleted {
		t.Fatalf("rider state = %s, want completed", got)
	}
	if got := driver.sess.State(); got != models.StateCompleted {
		t.Fatalf("driver state = %s, want completed", got)
	}
	if !rider.sess.ActiveRide().Zero() || !driver.sess.ActiveRide().Zero() {
		t.Fatalf("ride still bound after completion")
	}
	// the driver's standing offer watch is the only surviving subscription
	if n := mem.OpenSubscriptions(); n != 1 {
		t.Fatalf("open subscriptions = %d, want 1", n)
	}

	rec, ok, err := rider.store.GetRide(models.RideID(rideID))
	if err != nil || !ok {
		t.Fatalf("ride record missing: %v", err)
	}
	if rec.State != models.StateCompleted {
		t.Fatalf("persisted state = %s, want completed", rec.State)
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	mem, rider, driver, _ := startRide(t)
	ctx := context.Background()

	if _, err := driver.sess.StartRoute(ctx); err != nil {
		t.Fatalf("start route: %v", err)
	}
	if err := driver.sess.UpdateLocation(ctx, testPickup); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if _, err := driver.sess.Arrive(ctx); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if err := driver.sess.SubmitPin(ctx); err != nil {
		t.Fatalf("submit pin: %v", err)
	}
	if out, err := rider.sess.VerifyPin(ctx); err != nil || out.Code != Applied {
		t.Fatalf("verify pin: %v %s", err, out)
	}

	// hammer both parties with everything the relay has, several times over
	for i := 0; i < 3; i++ {
		mem.Redeliver(relay.Filter{Kinds: []string{relay.KindHistory}})
		mem.Redeliver(relay.Filter{Kinds: []string{relay.KindAccept}})
		mem.Redeliver(relay.Filter{Kinds: []string{relay.KindOffer}})
	}

	if got := rider.sess.State(); got != models.StateArrived {
		t.Fatalf("rider state after redelivery = %s, want arrived", got)
	}
	if got := driver.sess.State(); got != models.StateArrived {
		t.Fatalf("driver state after redelivery = %s, want arrived", got)
	}
	if locks, claims, refunds := rider.mint.counters(); locks != 1 || claims != 0 || refunds != 0 {
		t.Fatalf("rider mint = %d/%d/%d, want 1/0/0", locks, claims, refunds)
	}

	// the ride still runs to settlement afterwards
	if out, err := driver.sess.StartRide(ctx); err != nil || out.Code != Applied {
		t.Fatalf("start ride: %v %s", err, out)
	}
	if err := driver.sess.UpdateLocation(ctx, testDropoff); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if out, err := driver.sess.Complete(ctx); err != nil || out.Code != Applied {
		t.Fatalf("complete: %v %s", err, out)
	}
	if _, claims, _ := driver.mint.counters(); claims != 1 {
		t.Fatalf("driver claims = %d, want exactly 1", claims)
	}
}

func TestStaleRideEventsAreDropped(t *testing.T) {
	_, rider, driver, ride1 := startRide(t)
	ctx := context.Background()

	// run the first ride all the way through
	if _, err := driver.sess.StartRoute(ctx); err != nil {
		t.Fatalf("start route: %v", err)
	}
	if err := driver.sess.UpdateLocation(ctx, testPickup); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if _, err := driver.sess.Arrive(ctx); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if err := driver.sess.SubmitPin(ctx); err != nil {
		t.Fatalf("submit pin: %v", err)
	}
	if _, err := rider.sess.VerifyPin(ctx); err != nil {
		t.Fatalf("verify pin: %v", err)
	}
	if _, err := driver.sess.StartRide(ctx); err != nil {
		t.Fatalf("start ride: %v", err)
	}
	if err := driver.sess.UpdateLocation(ctx, testDropoff); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if out, err := driver.sess.Complete(ctx); err != nil || out.Code != Applied {
		t.Fatalf("complete: %v %s", err, out)
	}

	// a second ride on the same pair
	var offer2ID string
	var offer2 models.Offer
	driver.sess.OnOffer = func(id string, o models.Offer) { offer2ID, offer2 = id, o }
	ride2, err := rider.sess.PlaceOffer(ctx, testPickup, testDropoff, 1800)
	if err != nil {
		t.Fatalf("second offer: %v", err)
	}
	peer := peerInfo{Author: rider.id.PublicKey(), BoxKey: rider.id.BoxPublicKey()}
	if err := driver.sess.Accept(ctx, offer2ID, offer2, peer); err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if got := rider.sess.State(); got != models.StateConfirmed {
		t.Fatalf("rider state on second ride = %s, want confirmed", got)
	}

	// a straggler from the finished ride must not touch the new one
	staleLog := models.HistoryLog{Ride: models.RideID(ride1), Author: models.RoleDriver}
	staleLog = staleLog.Append(models.HistoryEntry{
		Action:  models.StatusAction{Status: models.StateCancelled},
		Seconds: time.Now().Unix(),
	})
	plain, err := json.Marshal(staleLog)
	if err != nil {
		t.Fatalf("marshal stale log: %v", err)
	}
	riderBox, err := seal.ParseBoxKey(rider.id.BoxPublicKey())
	if err != nil {
		t.Fatalf("parse box key: %v", err)
	}
	sealed, err := driver.id.Seal(plain, riderBox)
	if err != nil {
		t.Fatalf("seal stale log: %v", err)
	}
	stale := driver.id.Sign(relay.Event{
		ID:        "stale-history",
		Kind:      relay.KindHistory,
		Tags:      map[string]string{relay.TagRide: ride1},
		CreatedAt: time.Now(),
		Content:   sealed,
	})
	rider.sess.handleInbound(stale)

	if rider.sess.ActiveRide() != models.RideID(ride2) {
		t.Fatalf("stale event rebound the session to %q", rider.sess.ActiveRide())
	}
	if got := rider.sess.State(); got != models.StateConfirmed {
		t.Fatalf("stale event mutated state to %s", got)
	}
	if _, _, refunds := rider.mint.counters(); refunds != 0 {
		t.Fatalf("stale cancel triggered a refund")
	}
}

func TestCancelTearsEverythingDown(t *testing.T) {
	mem, rider, driver, _ := startRide(t)
	ctx := context.Background()

	out, err := rider.sess.Cancel(ctx)
	if err != nil || out.Code != Applied {
		t.Fatalf("cancel: %v %s", err, out)
	}
	if _, _, refunds := rider.mint.counters(); refunds != 1 {
		t.Fatalf("rider refunds = %d, want 1", refunds)
	}
	if _, _, refunds := driver.mint.counters(); refunds != 0 {
		t.Fatalf("driver refunds = %d, want 0", refunds)
	}
	if got := driver.sess.State(); got != models.StateCancelled {
		t.Fatalf("driver state = %s, want cancelled", got)
	}
	if !rider.sess.ActiveRide().Zero() || !driver.sess.ActiveRide().Zero() {
		t.Fatalf("ride still bound after cancel")
	}
	if n := mem.OpenSubscriptions(); n != 1 {
		t.Fatalf("open subscriptions = %d, want 1", n)
	}

	// both parties are immediately usable for a fresh ride
	var offerID string
	var offer models.Offer
	driver.sess.OnOffer = func(id string, o models.Offer) { offerID, offer = id, o }
	if _, err := rider.sess.PlaceOffer(ctx, testPickup, testDropoff, 2500); err != nil {
		t.Fatalf("offer after cancel: %v", err)
	}
	peer := peerInfo{Author: rider.id.PublicKey(), BoxKey: rider.id.BoxPublicKey()}
	if err := driver.sess.Accept(ctx, offerID, offer, peer); err != nil {
		t.Fatalf("accept after cancel: %v", err)
	}
	if got := rider.sess.State(); got != models.StateConfirmed {
		t.Fatalf("rider state = %s, want confirmed", got)
	}
	if locks, _, _ := rider.mint.counters(); locks != 2 {
		t.Fatalf("rider locks = %d, want 2", locks)
	}
}

func TestSettlementFailureLeavesRideRetryable(t *testing.T) {
	_, rider, driver, _ := startRide(t)
	ctx := context.Background()

	if _, err := driver.sess.StartRoute(ctx); err != nil {
		t.Fatalf("start route: %v", err)
	}
	if _, err := driver.sess.Arrive(ctx); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if err := driver.sess.SubmitPin(ctx); err != nil {
		t.Fatalf("submit pin: %v", err)
	}
	if _, err := rider.sess.VerifyPin(ctx); err != nil {
		t.Fatalf("verify pin: %v", err)
	}
	if _, err := driver.sess.StartRide(ctx); err != nil {
		t.Fatalf("start ride: %v", err)
	}
	if err := driver.sess.UpdateLocation(ctx, testDropoff); err != nil {
		t.Fatalf("update location: %v", err)
	}

	driver.mint.claimErr = &escrow.Failure{Kind: escrow.FailCounterpartyUnreachable}
	if out, err := driver.sess.Complete(ctx); err == nil || out.Code == Applied {
		t.Fatalf("complete succeeded despite mint failure: %s", out)
	}
	if got := driver.sess.State(); got != models.StateInProgress {
		t.Fatalf("driver state after failed settlement = %s, want in_progress", got)
	}
	if got := rider.sess.State(); got != models.StateInProgress {
		t.Fatalf("rider state after failed settlement = %s, want in_progress", got)
	}

	driver.mint.claimErr = nil
	if out, err := driver.sess.Complete(ctx); err != nil || out.Code != Applied {
		t.Fatalf("retry complete: %v %s", err, out)
	}
	if _, claims, _ := driver.mint.counters(); claims != 1 {
		t.Fatalf("driver claims = %d, want 1", claims)
	}
}

func TestBusyDriverIgnoresOffers(t *testing.T) {
	mem, _, driver, _ := startRide(t)
	ctx := context.Background()

	calls := 0
	driver.sess.OnOffer = func(string, models.Offer) { calls++ }

	rider2 := newParty(t, models.RoleRider, mem)
	if err := rider2.sess.Start(ctx); err != nil {
		t.Fatalf("second rider start: %v", err)
	}
	if _, err := rider2.sess.PlaceOffer(ctx, testPickup, testDropoff, 3000); err != nil {
		t.Fatalf("second offer: %v", err)
	}
	if calls != 0 {
		t.Fatalf("busy driver surfaced %d offers", calls)
	}
}

func TestCancelRefundFailureRecoversOnRedelivery(t *testing.T) {
	mem, rider, driver, _ := startRide(t)
	ctx := context.Background()

	// the payer's rail is down when the cancel lands, so the refund
	// fails and the cancel entry stays in the unapplied tail
	rider.mint.refundErr = &escrow.Failure{Kind: escrow.FailNotConnected}
	if out, err := driver.sess.Cancel(ctx); err != nil || out.Code != Applied {
		t.Fatalf("driver cancel: %v %s", err, out)
	}
	if got := rider.sess.State(); got != models.StateConfirmed {
		t.Fatalf("rider state with rail down = %s, want confirmed", got)
	}
	if _, _, refunds := rider.mint.counters(); refunds != 0 {
		t.Fatalf("rider refunds with rail down = %d, want 0", refunds)
	}

	// once the rail recovers, a relay redelivery of the same log event
	// must reach the consumer and replay the tail
	rider.mint.refundErr = nil
	mem.Redeliver(relay.Filter{Kinds: []string{relay.KindHistory}})

	if got := rider.sess.State(); got != models.StateCancelled {
		t.Fatalf("rider state after redelivery = %s, want cancelled", got)
	}
	if _, _, refunds := rider.mint.counters(); refunds != 1 {
		t.Fatalf("rider refunds after redelivery = %d, want 1", refunds)
	}
	if rider.sess.ActiveRide() != "" {
		t.Fatal("rider still bound to the ride after the recovered cancel")
	}
}

func TestRestartResumesInFlightRide(t *testing.T) {
	_, rider, driver, rideID := startRide(t)
	ctx := context.Background()

	if out, err := driver.sess.StartRoute(ctx); err != nil || out.Code != Applied {
		t.Fatalf("start route: %v %s", err, out)
	}
	if err := driver.sess.UpdateLocation(ctx, testPickup); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if out, err := driver.sess.Arrive(ctx); err != nil || out.Code != Applied {
		t.Fatalf("arrive: %v %s", err, out)
	}
	if err := driver.sess.SubmitPin(ctx); err != nil {
		t.Fatalf("submit pin: %v", err)
	}
	if out, err := rider.sess.VerifyPin(ctx); err != nil || out.Code != Applied {
		t.Fatalf("verify pin: %v %s", err, out)
	}
	if out, err := driver.sess.StartRide(ctx); err != nil || out.Code != Applied {
		t.Fatalf("start ride: %v %s", err, out)
	}

	ride := models.RideID(rideID)
	wantCursor := driver.sess.consumer.Processed(ride, models.RoleRider)

	// the driver process dies mid-ride and comes back from its record
	driver.sess.closeRideSubs()
	restarted := NewSession(driver.sess.cfg)
	if err := restarted.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}

	if restarted.ActiveRide() != ride {
		t.Fatalf("restarted bound to %q, want %q", restarted.ActiveRide(), ride)
	}
	if got := restarted.State(); got != models.StateInProgress {
		t.Fatalf("restarted state = %s, want in_progress", got)
	}
	if restarted.Pin() != rider.sess.Pin() {
		t.Fatal("pin lost across restart")
	}
	if lock := restarted.protocol.Lock(); lock == nil || lock.Ref == "" {
		t.Fatal("lock reference lost across restart")
	}
	if _, ok := restarted.protocol.HeldPreimage(); !ok {
		t.Fatal("preimage lost across restart")
	}
	// replay on resubscribe catches the cursor back up to the live one
	if got := restarted.consumer.Processed(ride, models.RoleRider); got != wantCursor {
		t.Fatalf("rider cursor after restart = %d, want %d", got, wantCursor)
	}

	// the restarted process can finish the ride and claim exactly once
	if err := restarted.UpdateLocation(ctx, testDropoff); err != nil {
		t.Fatalf("update location: %v", err)
	}
	if out, err := restarted.Complete(ctx); err != nil || out.Code != Applied {
		t.Fatalf("complete after restart: %v %s", err, out)
	}
	if _, claims, _ := driver.mint.counters(); claims != 1 {
		t.Fatalf("claims after restart = %d, want 1", claims)
	}
	if got := rider.sess.State(); got != models.StateCompleted {
		t.Fatalf("rider state = %s, want completed", got)
	}
}

func TestCancelBroadcastsPlaintextNote(t *testing.T) {
	mem, rider, driver, rideID := startRide(t)
	ctx := context.Background()

	if out, err := rider.sess.Cancel(ctx); err != nil || out.Code != Applied {
		t.Fatalf("cancel: %v %s", err, out)
	}
	if got := driver.sess.State(); got != models.StateCancelled {
		t.Fatalf("driver state = %s, want cancelled", got)
	}

	// the fast-path note is stored on the relay, tagged with the ride
	notes := 0
	_, err := mem.Subscribe(ctx, relay.Filter{
		Kinds: []string{relay.KindCancelNote},
		Tags:  map[string]string{relay.TagRide: rideID},
	}, relay.Handler{OnEvent: func(relay.Event) { notes++ }})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if notes != 1 {
		t.Fatalf("stored cancel notes = %d, want 1", notes)
	}
}

func TestRefundCountedOncePerLock(t *testing.T) {
	_, rider, _, _ := startRide(t)
	ctx := context.Background()

	lock := rider.sess.protocol.Lock()
	if lock == nil {
		t.Fatal("no lock after confirm")
	}

	// an expiry auto-refund followed by a cancel must not count twice
	before := testutil.ToFloat64(observability.RefundsTotal)
	if err := rider.sess.protocol.RefundExpired(ctx, lock.Expiry.Add(time.Second)); err != nil {
		t.Fatalf("expiry refund: %v", err)
	}
	if out, err := rider.sess.Cancel(ctx); err != nil || out.Code != Applied {
		t.Fatalf("cancel: %v %s", err, out)
	}
	if d := testutil.ToFloat64(observability.RefundsTotal) - before; d != 0 {
		t.Fatalf("cancel after expiry refund moved the counter by %v, want 0", d)
	}
	if _, _, refunds := rider.mint.counters(); refunds != 1 {
		t.Fatalf("mint refunds = %d, want 1", refunds)
	}

	// a plain cancel with a live lock counts exactly once
	_, rider2, _, _ := startRide(t)
	before = testutil.ToFloat64(observability.RefundsTotal)
	if out, err := rider2.sess.Cancel(ctx); err != nil || out.Code != Applied {
		t.Fatalf("second cancel: %v %s", err, out)
	}
	if d := testutil.ToFloat64(observability.RefundsTotal) - before; d != 1 {
		t.Fatalf("plain cancel moved the counter by %v, want 1", d)
	}
}
