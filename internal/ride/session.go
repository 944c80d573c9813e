package ride

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/example/ride-escrow/internal/escrow"
	"github.com/example/ride-escrow/internal/eta"
	"github.com/example/ride-escrow/internal/geo"
	"github.com/example/ride-escrow/internal/history"
	"github.com/example/ride-escrow/internal/models"
	"github.com/example/ride-escrow/internal/notify"
	"github.com/example/ride-escrow/internal/observability"
	"github.com/example/ride-escrow/internal/relay"
	"github.com/example/ride-escrow/internal/seal"
	"github.com/example/ride-escrow/internal/storage"
)

// Config wires one party's session.
type Config struct {
	Role     models.Role
	Identity *seal.Identity
	Relay    relay.Relay
	Store    storage.RideStore
	Mint     escrow.Mint
	Tracker  geo.Tracker
	Notifier notify.Notifier
	Logger   *slog.Logger

	AmountMinor       int64
	Currency          string
	ArrivalRadiusM    float64
	LockExpiry        time.Duration
	RefundCheckEvery  time.Duration
	AvailabilityEvery time.Duration
	Estimator         *eta.Estimator
}

// peerInfo is the counterparty material exchanged during the handshake.
type peerInfo struct {
	Author string `json:"author"`
	BoxKey string `json:"box_key"`
}

// confirmContent is sealed to the driver on Confirm: the ride PIN the
// rider will check at pickup, the exact dropoff the geofence uses, and
// the escrow lock the driver will later claim against. None of it
// appears in any plaintext event.
type confirmContent struct {
	Pin         string       `json:"pin"`
	Dropoff     models.Coord `json:"dropoff"`
	Peer        peerInfo     `json:"peer"`
	LockRef     string       `json:"lock_ref"`
	AmountMinor int64        `json:"amount_minor"`
	Currency    string       `json:"currency"`
	LockExpiry  time.Time    `json:"lock_expiry"`
}

// Session is one party's coordinator for at most one active ride. Inbound
// relay deliveries, timers and user actions all serialize on the session
// mutex.
type Session struct {
	cfg      Config
	logger   *slog.Logger
	consumer *history.Consumer
	resolver *Resolver
	dedup    *Dedup
	janitor  *Janitor
	protocol *escrow.Protocol
	notifier notify.Notifier

	// OnOffer surfaces inbound offers on the driver side.
	OnOffer func(eventID string, offer models.Offer)

	mu            sync.Mutex
	machine       *Machine
	inboundOffers map[string]models.Offer
	inboundPeers  map[string]peerInfo
	authored      models.HistoryLog
	peer          peerInfo
	peerBox       seal.BoxKey
	pickup        models.Coord
	dropoff       models.Coord
	pin           string
	submittedPin  string
	pendingOffer  string // rider: offer event id awaiting acceptance
	offer         models.Offer
	subs          []string
	rideCancel    context.CancelFunc
	baseCtx       context.Context
}

func NewSession(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Tracker == nil {
		cfg.Tracker = geo.NewIndex()
	}
	s := &Session{
		cfg:           cfg,
		logger:        cfg.Logger,
		consumer:      history.NewConsumer(cfg.Logger),
		resolver:      NewResolver(cfg.Logger),
		dedup:         NewDedup(),
		protocol:      escrow.NewProtocol(cfg.Mint, cfg.Logger),
		notifier:      cfg.Notifier,
		inboundOffers: make(map[string]models.Offer),
		inboundPeers:  make(map[string]peerInfo),
	}
	s.janitor = &Janitor{
		Cursors:    s.consumer,
		Escrow:     s.protocol,
		Dedup:      s.dedup,
		ClearLog:   s.clearAuthoredLog,
		ReopenSubs: s.reopenRideSubs,
		CloseSubs:  s.closeRideSubs,
		Logger:     cfg.Logger,
	}
	return s
}

// Start opens the pre-ride subscriptions and begins the timers that are
// not ride-scoped (driver availability).
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.resume(); err != nil {
		s.logger.Warn("ride recovery failed", "error", err)
	}

	if s.cfg.Role == models.RoleDriver {
		if _, err := s.cfg.Relay.Subscribe(ctx, relay.Filter{Kinds: []string{relay.KindOffer}}, relay.Handler{
			OnEvent: s.handleInbound,
		}); err != nil {
			return fmt.Errorf("subscribe offers: %w", err)
		}
		if s.cfg.AvailabilityEvery > 0 {
			go s.availabilityLoop(ctx)
		}
	}
	return nil
}

// resume rebuilds the session from a persisted non-terminal ride record:
// machine state and latches, read cursors, escrow working state, peer
// material, the authored log and the ride subscriptions.
func (s *Session) resume() error {
	if s.cfg.Store == nil {
		return nil
	}
	rec, ok, err := s.cfg.Store.ActiveRide()
	if err != nil || !ok {
		return err
	}
	key, err := seal.ParseBoxKey(rec.PeerBoxKey)
	if err != nil {
		return fmt.Errorf("resume ride %s: peer key: %w", rec.ID, err)
	}

	authored := models.HistoryLog{Ride: rec.ID, Author: s.cfg.Role}
	if rec.AuthoredLog != "" {
		if err := json.Unmarshal([]byte(rec.AuthoredLog), &authored); err != nil {
			return fmt.Errorf("resume ride %s: authored log: %w", rec.ID, err)
		}
	}

	s.resolver.Activate(rec.ID)
	s.consumer.Restore(rec.ID, models.RoleRider, rec.RiderApplied)
	s.consumer.Restore(rec.ID, models.RoleDriver, rec.DriverApplied)

	s.mu.Lock()
	s.machine = Restore(*rec, s, s.atDropoff, s.logger)
	s.authored = authored
	s.peer = peerInfo{Author: rec.PeerAuthor, BoxKey: rec.PeerBoxKey}
	s.peerBox = key
	s.dropoff = rec.Dropoff
	s.pin = rec.Pin
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	rideCtx, cancel := context.WithCancel(base)
	s.rideCancel = cancel
	s.mu.Unlock()

	if rec.LockHash != "" {
		hash, err := escrow.ParsePaymentHash(rec.LockHash)
		if err != nil {
			return fmt.Errorf("resume ride %s: lock hash: %w", rec.ID, err)
		}
		s.protocol.CommitHash(hash)
		if rec.Preimage != "" {
			pre, err := escrow.ParsePreimage(rec.Preimage)
			if err != nil {
				return fmt.Errorf("resume ride %s: preimage: %w", rec.ID, err)
			}
			if s.cfg.Role == models.RoleRider {
				s.protocol.RestorePayerSecret(pre)
			} else if err := s.protocol.LearnPreimage(pre); err != nil {
				return fmt.Errorf("resume ride %s: preimage: %w", rec.ID, err)
			}
		}
		if rec.LockRef != "" {
			s.protocol.RestoreLock(&escrow.Lock{
				Ref:      rec.LockRef,
				Hash:     hash,
				PartyKey: rec.PeerAuthor,
				Expiry:   rec.LockExpiry,
			})
		}
	}
	if s.cfg.Role == models.RoleRider {
		s.protocol.SetExpectedPin(rec.Pin)
		if rec.PinVerified {
			s.protocol.VerifyPin(rec.Pin)
		}
	}

	s.reopenRideSubs(rec.ID)
	if s.cfg.Role == models.RoleRider && s.cfg.RefundCheckEvery > 0 {
		go s.refundLoop(rideCtx, rec.ID)
	}
	s.logger.Info("resumed in-flight ride", "ride", rec.ID, "state", rec.State)
	return nil
}

// ActiveRide returns the currently bound ride, empty if none.
func (s *Session) ActiveRide() models.RideID { return s.resolver.Active() }

// State returns the local view of the ride state.
func (s *Session) State() models.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.machine == nil {
		return models.StateCreated
	}
	return s.machine.State()
}

// Pin returns the ride PIN for display on the party's device.
func (s *Session) Pin() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pin
}

// --- rider-facing operations -------------------------------------------

// PlaceOffer generates the escrow preimage, commits its hash into the
// offer, and publishes the offer. The returned event id is the canonical
// ride identifier-to-be: accept and confirm both carry it as the ride tag.
func (s *Session) PlaceOffer(ctx context.Context, pickup, dropoff models.Coord, amountMinor int64) (string, error) {
	if s.cfg.Role != models.RoleRider {
		return "", fmt.Errorf("only riders place offers")
	}
	if amountMinor <= 0 {
		amountMinor = s.cfg.AmountMinor
	}
	if amountMinor <= 0 {
		return "", fmt.Errorf("offer amount must be positive")
	}
	hash, err := s.protocol.InitPayer()
	if err != nil {
		return "", err
	}
	offer := models.Offer{
		RiderKey:    s.cfg.Identity.PublicKey(),
		AmountMinor: amountMinor,
		Currency:    s.cfg.Currency,
		Pickup:      pickup,
		DestGeohash: coarseGeohash(dropoff),
		PaymentHash: hash.Hex(),
	}
	content, err := json.Marshal(struct {
		models.Offer
		Peer peerInfo `json:"peer"`
	}{offer, peerInfo{Author: s.cfg.Identity.PublicKey(), BoxKey: s.cfg.Identity.BoxPublicKey()}})
	if err != nil {
		return "", err
	}
	ev := s.cfg.Identity.Sign(relay.Event{Kind: relay.KindOffer, CreatedAt: time.Now(), Content: content})
	id, err := s.cfg.Relay.Publish(ctx, ev)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.pendingOffer = id
	s.pickup = pickup
	s.dropoff = dropoff
	s.offer = offer
	s.mu.Unlock()

	// watch for the driver's acceptance of this specific offer
	sub, err := s.cfg.Relay.Subscribe(ctx, relay.Filter{
		Kinds: []string{relay.KindAccept},
		Tags:  map[string]string{relay.TagRide: id},
	}, relay.Handler{OnEvent: s.handleInbound})
	if err != nil {
		return "", fmt.Errorf("subscribe accepts: %w", err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return id, nil
}

// Confirm is the rider's ride-entry transition: it fires the janitor,
// binds the resolver, locks the escrow and seals the PIN and exact
// dropoff to the driver.
func (s *Session) Confirm(ctx context.Context) error {
	s.mu.Lock()
	rideID := models.RideID(s.pendingOffer)
	if rideID.Zero() || s.peer.Author == "" {
		s.mu.Unlock()
		return fmt.Errorf("no accepted offer to confirm")
	}
	pin, err := newPin()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.pin = pin
	s.protocol.SetExpectedPin(pin)
	dropoff := s.dropoff
	s.mu.Unlock()

	s.beginRide(rideID)

	// Rider machine catches up on the driver's Accept before confirming.
	if _, err := s.apply(ctx, models.RoleDriver, EventAccept); err != nil {
		return err
	}
	out, err := s.apply(ctx, models.RoleRider, EventConfirm)
	if err != nil {
		return err
	}
	if out.Code != Applied {
		return fmt.Errorf("confirm rejected: %s", out)
	}

	cc := confirmContent{
		Pin:     pin,
		Dropoff: dropoff,
		Peer:    peerInfo{Author: s.cfg.Identity.PublicKey(), BoxKey: s.cfg.Identity.BoxPublicKey()},
	}
	// The driver claims against this lock at settlement, so it travels
	// inside the sealed payload rather than any plaintext tag.
	if lock := s.protocol.Lock(); lock != nil {
		cc.LockRef = lock.Ref
		cc.AmountMinor = lock.AmountMinor
		cc.Currency = lock.Currency
		cc.LockExpiry = lock.Expiry
	}
	content, err := json.Marshal(cc)
	if err != nil {
		return err
	}
	sealed, err := s.cfg.Identity.Seal(content, s.peerBoxKey())
	if err != nil {
		return err
	}
	ev := s.cfg.Identity.Sign(relay.Event{
		Kind:      relay.KindConfirm,
		Tags:      map[string]string{relay.TagRide: string(rideID)},
		CreatedAt: time.Now(),
		Content:   sealed,
	})
	if _, err := s.cfg.Relay.Publish(ctx, ev); err != nil {
		return err
	}
	return s.appendStatus(ctx, models.StateConfirmed, 0)
}

// VerifyPin is triggered by the rider after checking the driver's PIN
// out-of-band. On success the machine's action chain marks verification
// and releases the preimage into the rider's log.
func (s *Session) VerifyPin(ctx context.Context) (Outcome, error) {
	return s.apply(ctx, models.RoleRider, EventVerifyPin)
}

// --- driver-facing operations ------------------------------------------

// Accept is the driver's ride-entry transition for an inbound offer.
func (s *Session) Accept(ctx context.Context, offerEventID string, offer models.Offer, peer peerInfo) error {
	if s.cfg.Role != models.RoleDriver {
		return fmt.Errorf("only drivers accept offers")
	}
	hash, err := escrow.ParsePaymentHash(offer.PaymentHash)
	if err != nil {
		return err
	}

	rideID := models.RideID(offerEventID)
	s.mu.Lock()
	s.offer = offer
	s.pickup = offer.Pickup
	s.peer = peer
	if key, kerr := seal.ParseBoxKey(peer.BoxKey); kerr == nil {
		s.peerBox = key
	} else {
		s.mu.Unlock()
		return kerr
	}
	s.mu.Unlock()

	s.beginRide(rideID)
	s.protocol.CommitHash(hash)

	out, err := s.apply(ctx, models.RoleDriver, EventAccept)
	if err != nil {
		return err
	}
	if out.Code != Applied {
		return fmt.Errorf("accept rejected: %s", out)
	}

	content, err := json.Marshal(peerInfo{Author: s.cfg.Identity.PublicKey(), BoxKey: s.cfg.Identity.BoxPublicKey()})
	if err != nil {
		return err
	}
	ev := s.cfg.Identity.Sign(relay.Event{
		Kind:      relay.KindAccept,
		Tags:      map[string]string{relay.TagRide: offerEventID},
		CreatedAt: time.Now(),
		Content:   content,
	})
	if _, err := s.cfg.Relay.Publish(ctx, ev); err != nil {
		return err
	}
	return nil
}

// AcceptOffer accepts an offer previously surfaced through OnOffer,
// looked up by its event id.
func (s *Session) AcceptOffer(ctx context.Context, offerEventID string) error {
	s.mu.Lock()
	offer, ok := s.inboundOffers[offerEventID]
	peer := s.inboundPeers[offerEventID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown offer %q", offerEventID)
	}
	return s.Accept(ctx, offerEventID, offer, peer)
}

// StartRoute announces the driver is en route, with an ETA hint if an
// estimator is wired.
func (s *Session) StartRoute(ctx context.Context) (Outcome, error) {
	out, err := s.apply(ctx, models.RoleDriver, EventStartRoute)
	if err != nil || out.Code != Applied {
		return out, err
	}
	var etaSec float64
	if s.cfg.Estimator != nil {
		if loc, ok := s.cfg.Tracker.Last(s.cfg.Identity.PublicKey()); ok {
			etaSec = s.cfg.Estimator.PickupETA(loc, s.pickupCoord())
		}
	}
	return out, s.appendStatus(ctx, models.StateEnRoute, etaSec)
}

// Arrive announces pickup arrival.
func (s *Session) Arrive(ctx context.Context) (Outcome, error) {
	out, err := s.apply(ctx, models.RoleDriver, EventArrive)
	if err != nil || out.Code != Applied {
		return out, err
	}
	return out, s.appendStatus(ctx, models.StateArrived, 0)
}

// SubmitPin publishes the PIN shown on the driver's device at pickup.
func (s *Session) SubmitPin(ctx context.Context) error {
	s.mu.Lock()
	pin := s.pin
	machine := s.machine
	s.mu.Unlock()
	if machine == nil {
		return fmt.Errorf("no active ride")
	}
	if pin == "" {
		return fmt.Errorf("no ride pin known")
	}
	machine.NotePinSubmitted()
	return s.appendEntry(ctx, models.PinSubmitAction{Pin: pin})
}

// StartRide begins the trip once the PIN has been verified.
func (s *Session) StartRide(ctx context.Context) (Outcome, error) {
	out, err := s.apply(ctx, s.cfg.Role, EventStartRide)
	if err != nil || out.Code != Applied {
		return out, err
	}
	return out, s.appendStatus(ctx, models.StateInProgress, 0)
}

// Complete settles the ride. The machine enforces both gates: the driver
// must hold the verified preimage and be inside the dropoff geofence.
func (s *Session) Complete(ctx context.Context) (Outcome, error) {
	out, err := s.apply(ctx, models.RoleDriver, EventComplete)
	if err != nil {
		if f, ok := asEscrowFailure(err); ok {
			s.notifier.EscrowFailure(s.resolver.Active(), f.Error(), f.Retryable())
		}
		return out, err
	}
	if out.Code != Applied {
		return out, nil
	}
	observability.SettlementsTotal.Inc()
	if lock := s.protocol.Lock(); lock != nil {
		_ = s.appendEntry(ctx, models.SettlementAction{LockRef: lock.Ref, Settled: true})
	}
	err = s.appendStatus(ctx, models.StateCompleted, 0)
	s.endRide()
	return out, err
}

// --- shared operations --------------------------------------------------

// Cancel exits the ride from any non-terminal state and tears down every
// ride-scoped timer and subscription synchronously.
func (s *Session) Cancel(ctx context.Context) (Outcome, error) {
	out, err := s.apply(ctx, s.cfg.Role, EventCancel)
	if err != nil {
		return out, err
	}
	if out.Code != Applied {
		return out, nil
	}
	rideID := s.resolver.Active()
	_ = s.appendStatus(ctx, models.StateCancelled, 0)
	// plaintext fast path: the counterparty exits without waiting for the
	// sealed log suffix to make it through
	note := s.cfg.Identity.Sign(relay.Event{
		Kind:      relay.KindCancelNote,
		Tags:      map[string]string{relay.TagRide: string(rideID)},
		CreatedAt: time.Now(),
	})
	if _, err := s.cfg.Relay.Publish(ctx, note); err != nil {
		s.logger.Debug("cancel note publish failed", "ride", rideID, "error", err)
	}
	s.endRide()
	return out, nil
}

// UpdateLocation records the party's own position and shares it in the log.
func (s *Session) UpdateLocation(ctx context.Context, c models.Coord) error {
	s.cfg.Tracker.Upsert(s.cfg.Identity.PublicKey(), c)
	s.mu.Lock()
	active := s.machine != nil && !s.machine.State().Terminal()
	s.mu.Unlock()
	if !active {
		return nil
	}
	return s.appendEntry(ctx, models.LocationAction{Loc: c})
}

// --- machine actions (role-aware side effects) --------------------------

func (s *Session) AssignDriver(ctx context.Context, snap Snapshot) error {
	// the assignment itself is the peer binding done during Accept
	s.logger.Info("driver assigned", "ride", snap.Ride, "role", snap.LocalRole)
	return nil
}

func (s *Session) LockEscrow(ctx context.Context, snap Snapshot) error {
	if snap.LocalRole != models.RoleRider {
		// the payer locks; the settling side only tracks the hash
		return nil
	}
	s.mu.Lock()
	amount := s.offer.AmountMinor
	currency := s.offer.Currency
	s.mu.Unlock()
	if currency == "" {
		currency = s.cfg.Currency
	}
	_, err := s.protocol.LockFunds(ctx, amount, currency, time.Now().Add(s.cfg.LockExpiry))
	if err != nil {
		if f, ok := asEscrowFailure(err); ok {
			s.notifier.EscrowFailure(snap.Ride, f.Error(), f.Retryable())
		}
		return err
	}
	return nil
}

func (s *Session) MarkPinVerified(ctx context.Context, snap Snapshot) error {
	if snap.LocalRole != models.RoleRider {
		return nil
	}
	s.mu.Lock()
	submitted := s.submittedPin
	s.mu.Unlock()
	if !s.protocol.VerifyPin(submitted) {
		return fmt.Errorf("submitted pin does not match ride pin")
	}
	return s.appendEntry(ctx, models.PinVerifyAction{Pin: submitted})
}

func (s *Session) ReleasePreimage(ctx context.Context, snap Snapshot) error {
	if snap.LocalRole != models.RoleRider {
		return nil
	}
	pre, err := s.protocol.ReleasePreimage()
	if err != nil {
		return err
	}
	// pin_verify was appended by MarkPinVerified just before; the share
	// therefore always trails it in the authored log
	return s.appendEntry(ctx, models.PreimageShareAction{Preimage: pre.Hex()})
}

func (s *Session) StartRideAfterPin(ctx context.Context, snap Snapshot) error {
	s.logger.Info("ride started", "ride", snap.Ride)
	return nil
}

func (s *Session) SettlePayment(ctx context.Context, snap Snapshot) error {
	if snap.LocalRole != models.RoleDriver {
		return nil
	}
	return s.protocol.Settle(ctx, snap.AtDropoff)
}

func (s *Session) RefundOrVoidEscrow(ctx context.Context, snap Snapshot) error {
	if snap.LocalRole != models.RoleRider {
		// only the payer can unwind the lock
		return nil
	}
	already := s.protocol.Refunded()
	if err := s.protocol.RefundOrVoid(ctx); err != nil {
		return err
	}
	// count the flip, not the call: an expiry auto-refund already counted
	// itself before the cancel lands here
	if !already && s.protocol.Refunded() {
		observability.RefundsTotal.Inc()
	}
	return nil
}

// --- inbound path -------------------------------------------------------

// handleInbound is the single entry point for relay deliveries.
func (s *Session) handleInbound(e relay.Event) {
	observability.EventsConsumed.Inc()
	if !seal.Verify(e) {
		s.logger.Debug("unsigned or mis-signed event dropped", "event", e.ID)
		return
	}

	switch e.Kind {
	case relay.KindOffer:
		s.handleOffer(e)
		return
	case relay.KindAccept:
		s.handleAccept(e)
		return
	}

	// everything else is ride-scoped: resolver first, no exceptions
	rideID, ok := s.resolver.Resolve(e)
	if !ok {
		observability.EventsForeign.Inc()
		return
	}

	switch e.Kind {
	case relay.KindConfirm:
		if s.dedup.Seen(e.ID) {
			observability.EventsDuplicate.Inc()
			return
		}
		s.handleConfirm(context.Background(), rideID, e)
	case relay.KindHistory:
		// no id filter here: the read cursor already makes identical
		// redelivery a no-op, and a redelivery after a halted suffix
		// must reach the consumer to reprocess the unapplied tail
		s.handleHistory(context.Background(), e)
	case relay.KindCancelNote:
		// no id filter either: a cancel whose refund failed must be
		// retryable on redelivery, and a duplicate lands as an invalid
		// transition no-op
		out, err := s.apply(context.Background(), s.cfg.Role.Counterpart(), EventCancel)
		if err != nil {
			s.logger.Warn("cancel note apply failed", "ride", rideID, "error", err)
			return
		}
		if out.Code == Applied {
			s.endRide()
		}
	}
}

func (s *Session) handleOffer(e relay.Event) {
	if s.cfg.Role != models.RoleDriver || s.OnOffer == nil {
		return
	}
	if s.dedup.Seen(e.ID) {
		observability.EventsDuplicate.Inc()
		return
	}
	var payload struct {
		models.Offer
		Peer peerInfo `json:"peer"`
	}
	if err := json.Unmarshal(e.Content, &payload); err != nil {
		s.logger.Debug("malformed offer dropped", "event", e.ID, "error", err)
		return
	}
	payload.Peer.Author = e.Author
	s.mu.Lock()
	busy := s.machine != nil && !s.machine.State().Terminal()
	s.mu.Unlock()
	if busy {
		return
	}
	// stash peer material so Accept can bind it
	s.mu.Lock()
	s.peer = payload.Peer
	s.inboundOffers[e.ID] = payload.Offer
	s.inboundPeers[e.ID] = payload.Peer
	s.mu.Unlock()
	s.OnOffer(e.ID, payload.Offer)
}

func (s *Session) handleAccept(e relay.Event) {
	if s.cfg.Role != models.RoleRider {
		return
	}
	s.mu.Lock()
	pending := s.pendingOffer
	s.mu.Unlock()
	if pending == "" || e.RideTag() != pending {
		observability.EventsForeign.Inc()
		return
	}
	if s.resolver.Active() == models.RideID(pending) {
		// a redelivered accept for the ride already under way
		observability.EventsDuplicate.Inc()
		return
	}
	if s.dedup.Seen(e.ID) {
		observability.EventsDuplicate.Inc()
		return
	}
	var peer peerInfo
	if err := json.Unmarshal(e.Content, &peer); err != nil {
		s.logger.Debug("malformed accept dropped", "event", e.ID, "error", err)
		return
	}
	peer.Author = e.Author
	key, err := seal.ParseBoxKey(peer.BoxKey)
	if err != nil {
		s.logger.Debug("accept with bad box key dropped", "event", e.ID, "error", err)
		return
	}
	s.mu.Lock()
	s.peer = peer
	s.peerBox = key
	s.mu.Unlock()

	// acceptance of the rider's own offer confirms the ride
	if err := s.Confirm(context.Background()); err != nil {
		s.logger.Warn("auto-confirm failed", "ride", pending, "error", err)
	}
}

func (s *Session) handleConfirm(ctx context.Context, rideID models.RideID, e relay.Event) {
	if s.cfg.Role != models.RoleDriver {
		return
	}
	plain, err := s.cfg.Identity.Open(e.Content, s.peerBoxKey())
	if err != nil {
		s.logger.Debug("confirm rejected as malformed", "event", e.ID, "error", err)
		return
	}
	var cc confirmContent
	if err := json.Unmarshal(plain, &cc); err != nil {
		s.logger.Debug("confirm payload malformed", "event", e.ID, "error", err)
		return
	}
	s.mu.Lock()
	s.pin = cc.Pin
	s.dropoff = cc.Dropoff
	s.mu.Unlock()

	if hash, ok := s.protocol.Hash(); ok && cc.LockRef != "" {
		s.protocol.RestoreLock(&escrow.Lock{
			Ref:         cc.LockRef,
			Hash:        hash,
			AmountMinor: cc.AmountMinor,
			Currency:    cc.Currency,
			PartyKey:    cc.Peer.Author,
			Expiry:      cc.LockExpiry,
		})
	}

	if _, err := s.apply(ctx, models.RoleRider, EventConfirm); err != nil {
		s.logger.Warn("confirm apply failed", "ride", rideID, "error", err)
	}
}

func (s *Session) handleHistory(ctx context.Context, e relay.Event) {
	s.mu.Lock()
	peerAuthor := s.peer.Author
	s.mu.Unlock()
	if e.Author != peerAuthor {
		// only the counterparty's log is consumed; our own echoes are not
		return
	}
	plain, err := s.cfg.Identity.Open(e.Content, s.peerBoxKey())
	if err != nil {
		s.logger.Debug("history rejected as malformed", "event", e.ID, "error", err)
		return
	}
	raw, err := history.DecodeRawLog(plain)
	if err != nil {
		s.logger.Debug("history container malformed", "event", e.ID, "error", err)
		return
	}
	res, err := s.consumer.Apply(ctx, raw, s.applyRemoteEntry)
	if res.Skipped > 0 {
		observability.EntriesMalformed.Add(float64(res.Skipped))
	}
	if res.Applied == 0 && res.Skipped == 0 && err == nil {
		observability.EventsDuplicate.Inc()
	}
	if err != nil {
		s.logger.Warn("history suffix halted", "ride", raw.Ride, "error", err)
	}
}

// applyRemoteEntry routes one counterparty log entry into the machine.
// Guard and transition rejections are outcomes, not errors: the cursor
// must advance past entries the machine deliberately refuses.
func (s *Session) applyRemoteEntry(ctx context.Context, entry models.HistoryEntry) error {
	actor := s.cfg.Role.Counterpart()
	switch a := entry.Action.(type) {
	case models.StatusAction:
		ev, ok := eventForStatus(a.Status)
		if !ok {
			return nil
		}
		out, err := s.apply(ctx, actor, ev)
		if err == nil && out.Code == Applied && a.Status.Terminal() {
			s.endRide()
		}
		return err
	case models.LocationAction:
		s.mu.Lock()
		author := s.peer.Author
		s.mu.Unlock()
		s.cfg.Tracker.Upsert(author, a.Loc)
		return nil
	case models.PinSubmitAction:
		s.mu.Lock()
		s.submittedPin = a.Pin
		machine := s.machine
		s.mu.Unlock()
		if machine != nil {
			machine.NotePinSubmitted()
		}
		return nil
	case models.PinVerifyAction:
		_, err := s.apply(ctx, models.RoleRider, EventVerifyPin)
		return err
	case models.PreimageShareAction:
		pre, err := escrow.ParsePreimage(a.Preimage)
		if err != nil {
			return nil // malformed share is skipped, not fatal
		}
		if err := s.protocol.LearnPreimage(pre); err != nil {
			s.logger.Warn("disclosed preimage rejected", "error", err)
		}
		return nil
	case models.SettlementAction:
		s.logger.Info("counterparty settlement recorded", "lock", a.LockRef, "settled", a.Settled)
		return nil
	}
	return nil
}

func eventForStatus(st models.State) (Event, bool) {
	switch st {
	case models.StateAccepted:
		return EventAccept, true
	case models.StateConfirmed:
		return EventConfirm, true
	case models.StateEnRoute:
		return EventStartRoute, true
	case models.StateArrived:
		return EventArrive, true
	case models.StateInProgress:
		return EventStartRide, true
	case models.StateCompleted:
		return EventComplete, true
	case models.StateCancelled:
		return EventCancel, true
	}
	return "", false
}

// --- internals ----------------------------------------------------------

// apply funnels every transition through the machine and records metrics
// and persistence on success.
func (s *Session) apply(ctx context.Context, actor models.Role, ev Event) (Outcome, error) {
	s.mu.Lock()
	machine := s.machine
	s.mu.Unlock()
	if machine == nil {
		return Outcome{Code: InvalidTransition, Event: ev}, fmt.Errorf("no active ride")
	}
	out, err := machine.Apply(ctx, actor, ev)
	observability.TransitionsTotal.WithLabelValues(string(ev), outcomeLabel(out.Code)).Inc()
	if out.Code == Applied {
		s.persist()
		s.notifier.RideUpdate(machine.Ride(), machine.State())
	}
	return out, err
}

func outcomeLabel(c OutcomeCode) string {
	switch c {
	case Applied:
		return "applied"
	case GuardFailed:
		return "guard_failed"
	default:
		return "invalid_transition"
	}
}

// beginRide is the ride-entry hook: janitor reset, resolver binding, a
// fresh machine, ride-scoped timers.
func (s *Session) beginRide(rideID models.RideID) {
	s.janitor.OnRideStart(rideID)
	s.resolver.Activate(rideID)

	s.mu.Lock()
	s.machine = NewMachine(rideID, s.cfg.Role, s, s.atDropoff, s.logger)
	s.authored = models.HistoryLog{Ride: rideID, Author: s.cfg.Role}
	s.inboundOffers = make(map[string]models.Offer)
	s.inboundPeers = make(map[string]peerInfo)
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	rideCtx, cancel := context.WithCancel(base)
	if s.rideCancel != nil {
		s.rideCancel()
	}
	s.rideCancel = cancel
	s.mu.Unlock()

	// only the payer watches the lock expiry
	if s.cfg.Role == models.RoleRider && s.cfg.RefundCheckEvery > 0 {
		go s.refundLoop(rideCtx, rideID)
	}
	if s.cfg.Store != nil {
		if rec, ok, err := s.cfg.Store.GetRide(rideID); err == nil && ok {
			s.consumer.Restore(rideID, models.RoleRider, rec.RiderApplied)
			s.consumer.Restore(rideID, models.RoleDriver, rec.DriverApplied)
		}
	}
	s.persist()
}

// endRide is the ride-exit hook: cancel timers first so no late fire can
// act, then clear per-ride state.
func (s *Session) endRide() {
	s.mu.Lock()
	cancel := s.rideCancel
	s.rideCancel = nil
	active := s.resolver.Active()
	s.pendingOffer = ""
	s.pin = ""
	s.submittedPin = ""
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.persist()
	if !active.Zero() {
		s.janitor.OnRideEnd(active)
	}
	s.resolver.Deactivate()
}

func (s *Session) clearAuthoredLog(id models.RideID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authored = models.HistoryLog{Ride: id, Author: s.cfg.Role}
}

func (s *Session) reopenRideSubs(id models.RideID) {
	s.closeRideSubs()
	base := s.baseCtx
	if base == nil {
		base = context.Background()
	}
	sub, err := s.cfg.Relay.Subscribe(base, relay.Filter{
		Kinds: []string{relay.KindConfirm, relay.KindHistory, relay.KindCancelNote},
		Tags:  map[string]string{relay.TagRide: string(id)},
	}, relay.Handler{OnEvent: s.handleInbound})
	if err != nil {
		s.logger.Error("ride subscription failed", "ride", id, "error", err)
		return
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *Session) closeRideSubs() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, id := range subs {
		s.cfg.Relay.CloseSubscription(id)
	}
}

// appendStatus republishes the authored log with a status entry added.
func (s *Session) appendStatus(ctx context.Context, st models.State, etaSec float64) error {
	return s.appendEntry(ctx, models.StatusAction{Status: st, ETASeconds: etaSec})
}

// appendEntry appends to the authored log and republishes it in full,
// sealed to the counterparty.
func (s *Session) appendEntry(ctx context.Context, a models.Action) error {
	s.mu.Lock()
	if s.machine == nil {
		s.mu.Unlock()
		return fmt.Errorf("no active ride")
	}
	s.authored = s.authored.Append(models.HistoryEntry{Action: a, Seconds: time.Now().Unix()})
	log := s.authored
	rideID := s.machine.Ride()
	peerKey := s.peerBox
	s.mu.Unlock()

	plain, err := json.Marshal(log)
	if err != nil {
		return err
	}
	sealed, err := s.cfg.Identity.Seal(plain, peerKey)
	if err != nil {
		return err
	}
	ev := s.cfg.Identity.Sign(relay.Event{
		Kind:      relay.KindHistory,
		Tags:      map[string]string{relay.TagRide: string(rideID)},
		CreatedAt: time.Now(),
		Content:   sealed,
	})
	if _, err := s.cfg.Relay.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish history: %w", err)
	}
	// the persisted log must cover this entry, or a restart republishes a
	// shorter log the counterparty's cursor silently skips past
	s.persist()
	return nil
}

func (s *Session) persist() {
	s.mu.Lock()
	machine := s.machine
	dropoff := s.dropoff
	peer := s.peer
	pin := s.pin
	authored := s.authored
	s.mu.Unlock()
	if machine == nil || s.cfg.Store == nil {
		return
	}
	rec := &models.RideRecord{
		ID:            machine.Ride(),
		Role:          s.cfg.Role,
		State:         machine.State(),
		RiderApplied:  s.consumer.Processed(machine.Ride(), models.RoleRider),
		DriverApplied: s.consumer.Processed(machine.Ride(), models.RoleDriver),
		PinVerified:   machine.PinVerified(),
		Dropoff:       dropoff,
		PeerAuthor:    peer.Author,
		PeerBoxKey:    peer.BoxKey,
		Pin:           pin,
		UpdatedAt:     time.Now(),
	}
	if lock := s.protocol.Lock(); lock != nil {
		rec.LockRef = lock.Ref
		rec.LockHash = lock.Hash.Hex()
		rec.LockExpiry = lock.Expiry
	}
	if pre, ok := s.protocol.HeldPreimage(); ok {
		rec.Preimage = pre.Hex()
	}
	if b, err := json.Marshal(authored); err == nil {
		rec.AuthoredLog = string(b)
	}
	if err := s.cfg.Store.UpdateRide(rec); err != nil {
		s.logger.Warn("ride persist failed", "ride", rec.ID, "error", err)
	}
}

// refundLoop periodically checks the lock expiry. The loop dies with the
// ride context; a late tick re-checks the active ride before acting.
func (s *Session) refundLoop(ctx context.Context, rideID models.RideID) {
	t := time.NewTicker(s.cfg.RefundCheckEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if s.resolver.Active() != rideID {
				return
			}
			err := s.protocol.RefundExpired(ctx, now)
			switch {
			case err == nil:
				if s.protocol.Refunded() {
					observability.RefundsTotal.Inc()
					s.logger.Info("expired lock refunded", "ride", rideID)
					_, _ = s.apply(ctx, s.cfg.Role, EventCancel)
					s.endRide()
					return
				}
			case err == escrow.ErrNotExpired, err == escrow.ErrNoLock:
				// nothing to do yet
			default:
				s.logger.Warn("refund check failed", "ride", rideID, "error", err)
			}
		}
	}
}

// availabilityLoop rebroadcasts driver availability off-ride.
func (s *Session) availabilityLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.AvailabilityEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if idx, ok := s.cfg.Tracker.(*geo.Index); ok {
				if n := idx.Sweep(3 * s.cfg.AvailabilityEvery); n > 0 {
					s.logger.Debug("stale positions evicted", "count", n)
				}
			}
			s.mu.Lock()
			busy := s.machine != nil && !s.machine.State().Terminal()
			s.mu.Unlock()
			if busy {
				continue
			}
			ev := s.cfg.Identity.Sign(relay.Event{Kind: relay.KindAvailable, CreatedAt: time.Now()})
			if _, err := s.cfg.Relay.Publish(ctx, ev); err != nil {
				s.logger.Debug("availability publish failed", "error", err)
			}
		}
	}
}

func (s *Session) atDropoff() bool {
	s.mu.Lock()
	dropoff := s.dropoff
	var partyKey string
	if s.cfg.Role == models.RoleDriver {
		partyKey = s.cfg.Identity.PublicKey()
	} else {
		partyKey = s.peer.Author
	}
	s.mu.Unlock()
	loc, ok := s.cfg.Tracker.Last(partyKey)
	if !ok {
		return false
	}
	return geo.WithinRadius(loc, dropoff, s.cfg.ArrivalRadiusM)
}

func (s *Session) peerBoxKey() seal.BoxKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerBox
}

func (s *Session) pickupCoord() models.Coord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pickup
}

// newPin draws a 4-digit ride PIN.
func newPin() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// coarseGeohash truncates coordinates to ~1km so the offer leaks only an
// approximate destination.
func coarseGeohash(c models.Coord) string {
	return fmt.Sprintf("%.2f,%.2f", c.Lat, c.Lon)
}

func asEscrowFailure(err error) (*escrow.Failure, bool) {
	for err != nil {
		if f, ok := err.(*escrow.Failure); ok {
			return f, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
