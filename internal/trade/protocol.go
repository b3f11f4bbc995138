package trade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearthvale/hearthvale/internal/assetstore"
	"github.com/hearthvale/hearthvale/pkg/metrics"
	"github.com/hearthvale/hearthvale/pkg/models"
)

// Windows holds the three negotiation timing bounds
type Windows struct {
	// Invite is how long an invitation waits for accept/decline
	Invite time.Duration
	// Session is the absolute lifetime of an accepted session
	Session time.Duration
	// Confirm is how long the second confirmation may lag the first
	Confirm time.Duration
}

// DefaultWindows returns the production negotiation windows
func DefaultWindows() Windows {
	return Windows{
		Invite:  30 * time.Second,
		Session: 10 * time.Minute,
		Confirm: 60 * time.Second,
	}
}

// invite is a pending invitation, held outside the registry until accepted
type invite struct {
	inviter   string
	invitee   string
	location  string
	expiresAt time.Time
	timer     *time.Timer
}

// Protocol is the negotiation state machine. It exposes plain operations
// returning typed results; rendering belongs to whatever calls it. Operations
// on the same session are serialized on the session mutex, so two calls never
// interleave mid-mutation; sessions at different locations proceed fully
// independently.
type Protocol struct {
	logger   *zap.Logger
	store    assetstore.Store
	registry *Registry
	engine   *SettlementEngine
	windows  Windows

	mu      sync.Mutex
	invites map[string]*invite
}

// NewProtocol creates the negotiation protocol over a registry and asset store
func NewProtocol(logger *zap.Logger, store assetstore.Store, registry *Registry, windows Windows) *Protocol {
	if windows.Invite <= 0 {
		windows.Invite = DefaultWindows().Invite
	}
	if windows.Session <= 0 {
		windows.Session = DefaultWindows().Session
	}
	if windows.Confirm <= 0 {
		windows.Confirm = DefaultWindows().Confirm
	}
	return &Protocol{
		logger:   logger,
		store:    store,
		registry: registry,
		engine:   NewSettlementEngine(logger, store),
		windows:  windows,
		invites:  make(map[string]*invite),
	}
}

// Invite records a trade invitation at a location. It fails with
// ErrDuplicateSession while the location has a live session or another pending
// invitation. The invitation is discarded silently if the invitee does not
// respond within the invite window.
func (p *Protocol) Invite(inviter, invitee, location string) error {
	if inviter == invitee {
		return fmt.Errorf("%w: cannot trade with yourself", ErrInvalidParticipant)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.invites[location]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, location)
	}
	if _, err := p.registry.Get(location); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, location)
	}

	inv := &invite{
		inviter:   inviter,
		invitee:   invitee,
		location:  location,
		expiresAt: time.Now().Add(p.windows.Invite),
	}
	inv.timer = time.AfterFunc(p.windows.Invite, func() { p.expireInvite(location, inv) })
	p.invites[location] = inv
	p.logger.Info("trade invitation sent",
		zap.String("location", location),
		zap.String("inviter", inviter),
		zap.String("invitee", invitee))
	return nil
}

// Accept opens a trade session from a pending invitation. Only the named
// invitee may accept.
func (p *Protocol) Accept(invitee, location string) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invites[location]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrInviteExpired, location)
	}
	if inv.invitee != invitee {
		return Snapshot{}, fmt.Errorf("%w: only %s may respond", ErrInvalidParticipant, inv.invitee)
	}
	inv.timer.Stop()
	delete(p.invites, location)

	s, err := p.registry.Open(location, inv.inviter, inv.invitee, p.windows.Session)
	if err != nil {
		return Snapshot{}, err
	}
	metrics.SessionsOpened.Inc()

	s.mu.Lock()
	s.expireTimer = time.AfterFunc(p.windows.Session, func() { p.expireSession(s) })
	snap := s.snapshotLocked()
	s.mu.Unlock()
	return snap, nil
}

// Decline discards a pending invitation. Only the named invitee may decline.
func (p *Protocol) Decline(invitee, location string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	inv, ok := p.invites[location]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInviteExpired, location)
	}
	if inv.invitee != invitee {
		return fmt.Errorf("%w: only %s may respond", ErrInvalidParticipant, inv.invitee)
	}
	inv.timer.Stop()
	delete(p.invites, location)
	p.logger.Info("trade invitation declined",
		zap.String("location", location),
		zap.String("invitee", invitee))
	return nil
}

// withOffer locks the session at a location and hands the participant's own
// offer to fn. All validation failures leave the offer untouched.
func (p *Protocol) withOffer(location, participant string, fn func(*Session, *Offer) error) error {
	s, err := p.registry.Get(location)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, location)
	}
	if !s.isParticipant(participant) {
		return fmt.Errorf("%w: %s", ErrInvalidParticipant, participant)
	}
	return fn(s, s.offers[participant])
}

// AddCoins raises the participant's offered coin amount. The running total may
// not exceed the participant's live balance.
func (p *Protocol) AddCoins(ctx context.Context, location, participant string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d coins", ErrInvalidAmount, amount)
	}
	return p.withOffer(location, participant, func(s *Session, o *Offer) error {
		total := o.Coins + amount
		balance, err := p.store.GetBalance(ctx, participant, models.CurrencyCoins)
		if err != nil {
			return err
		}
		if balance < total {
			return fmt.Errorf("%w: %s holds %d coins, cannot offer %d", ErrInsufficientFunds, participant, balance, total)
		}
		o.Coins = total
		s.clearConfirmations()
		return nil
	})
}

// AddTokens raises the participant's offered token amount, bounded by the live balance
func (p *Protocol) AddTokens(ctx context.Context, location, participant string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d tokens", ErrInvalidAmount, amount)
	}
	return p.withOffer(location, participant, func(s *Session, o *Offer) error {
		total := o.Tokens + amount
		balance, err := p.store.GetBalance(ctx, participant, models.CurrencyTokens)
		if err != nil {
			return err
		}
		if balance < total {
			return fmt.Errorf("%w: %s holds %d tokens, cannot offer %d", ErrInsufficientFunds, participant, balance, total)
		}
		o.Tokens = total
		s.clearConfirmations()
		return nil
	})
}

// AddCompanion places a companion into the participant's offer after a live
// ownership check. Adding a companion already in the offer is a no-op.
func (p *Protocol) AddCompanion(ctx context.Context, location, participant string, companionID uuid.UUID) error {
	return p.withOffer(location, participant, func(s *Session, o *Offer) error {
		if o.hasCompanion(companionID) {
			return nil
		}
		owner, err := p.store.GetCompanionOwner(ctx, companionID)
		if err != nil {
			if errors.Is(err, assetstore.ErrCompanionNotFound) {
				return fmt.Errorf("%w: %s", ErrItemNotOwned, companionID)
			}
			return err
		}
		if owner != participant {
			return fmt.Errorf("%w: companion %s belongs to %s", ErrItemNotOwned, companionID, owner)
		}
		o.Companions = append(o.Companions, companionID)
		s.clearConfirmations()
		return nil
	})
}

// RemoveCoins lowers the participant's offered coin amount
func (p *Protocol) RemoveCoins(location, participant string, amount int64) error {
	return p.withOffer(location, participant, func(s *Session, o *Offer) error {
		if amount <= 0 || amount > o.Coins {
			return fmt.Errorf("%w: %d coins of %d offered", ErrInvalidAmount, amount, o.Coins)
		}
		o.Coins -= amount
		s.clearConfirmations()
		return nil
	})
}

// RemoveTokens lowers the participant's offered token amount
func (p *Protocol) RemoveTokens(location, participant string, amount int64) error {
	return p.withOffer(location, participant, func(s *Session, o *Offer) error {
		if amount <= 0 || amount > o.Tokens {
			return fmt.Errorf("%w: %d tokens of %d offered", ErrInvalidAmount, amount, o.Tokens)
		}
		o.Tokens -= amount
		s.clearConfirmations()
		return nil
	})
}

// RemoveCompanion takes a companion out of the participant's offer
func (p *Protocol) RemoveCompanion(location, participant string, companionID uuid.UUID) error {
	return p.withOffer(location, participant, func(s *Session, o *Offer) error {
		if !o.removeCompanion(companionID) {
			return fmt.Errorf("%w: %s", ErrItemNotOffered, companionID)
		}
		s.clearConfirmations()
		return nil
	})
}

// RemoveAll empties the participant's offer
func (p *Protocol) RemoveAll(location, participant string) error {
	return p.withOffer(location, participant, func(s *Session, o *Offer) error {
		*o = Offer{}
		s.clearConfirmations()
		return nil
	})
}

// Confirm sets the participant's confirmation flag. The first confirmation
// arms the countdown for the other side; the second triggers settlement.
// Confirming twice is a no-op.
func (p *Protocol) Confirm(ctx context.Context, location, participant string) (Snapshot, error) {
	s, err := p.registry.Get(location)
	if err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrSessionNotFound, location)
	}
	if !s.isParticipant(participant) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrInvalidParticipant, participant)
	}

	own := s.offers[participant]
	if own.Confirmed {
		return s.snapshotLocked(), nil
	}
	own.Confirmed = true

	if other := s.offers[s.other(participant)]; !other.Confirmed {
		s.confirmEpoch++
		epoch := s.confirmEpoch
		s.confirmDeadline = time.Now().Add(p.windows.Confirm)
		if s.confirmTimer != nil {
			s.confirmTimer.Stop()
		}
		s.confirmTimer = time.AfterFunc(p.windows.Confirm, func() { p.expireConfirmation(s, epoch) })
		p.logger.Info("first confirmation received",
			zap.String("location", location),
			zap.String("participant", participant))
		return s.snapshotLocked(), nil
	}

	if s.confirmTimer != nil {
		s.confirmTimer.Stop()
		s.confirmTimer = nil
	}
	s.confirmDeadline = time.Time{}

	if err := p.engine.Settle(ctx, s); err != nil {
		// Roll back the agreement, not the session: both sides must re-confirm
		// once the discrepancy is resolved or the offer adjusted.
		s.clearConfirmations()
		return s.snapshotLocked(), err
	}

	s.state = StateSettled
	s.stopTimers()
	p.registry.CloseSession(s.Location, s)
	return s.snapshotLocked(), nil
}

// Cancel tears the session down with no asset movement. Either participant may
// cancel at any point before settlement.
func (p *Protocol) Cancel(location, participant string) error {
	s, err := p.registry.Get(location)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, location)
	}
	if !s.isParticipant(participant) {
		return fmt.Errorf("%w: %s", ErrInvalidParticipant, participant)
	}
	s.state = StateCancelled
	s.stopTimers()
	p.registry.CloseSession(s.Location, s)
	metrics.SessionsClosed.WithLabelValues("cancelled").Inc()
	p.logger.Info("trade cancelled",
		zap.String("location", location),
		zap.String("participant", participant))
	return nil
}

// Status returns a read-only snapshot of the live session at a location
func (p *Protocol) Status(location string) (Snapshot, error) {
	s, err := p.registry.Get(location)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Shutdown discards all pending invitations and stops their timers
func (p *Protocol) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for location, inv := range p.invites {
		inv.timer.Stop()
		delete(p.invites, location)
	}
}

// expireInvite discards an unanswered invitation. A stale timer firing after
// the invitation was already resolved (or the location reused) sees a
// different invite pointer and does nothing.
func (p *Protocol) expireInvite(location string, inv *invite) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.invites[location]; !ok || cur != inv {
		return
	}
	delete(p.invites, location)
	metrics.InvitesExpired.Inc()
	p.logger.Info("trade invitation expired",
		zap.String("location", location),
		zap.String("inviter", inv.inviter),
		zap.String("invitee", inv.invitee))
}

// expireSession enforces the absolute session lifetime. A timer firing for an
// already-terminated session is inert.
func (p *Protocol) expireSession(s *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() {
		return
	}
	s.state = StateExpired
	s.stopTimers()
	p.registry.CloseSession(s.Location, s)
	metrics.SessionsClosed.WithLabelValues("expired").Inc()
	p.logger.Info("trade session expired",
		zap.String("location", s.Location),
		zap.String("session_id", s.ID.String()))
}

// expireConfirmation tears the session down when the second confirmation never
// arrived. The epoch captured when the countdown was armed makes a timer that
// lost a race with an offer mutation or settlement a no-op.
func (p *Protocol) expireConfirmation(s *Session, epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal() || s.confirmEpoch != epoch {
		return
	}
	s.state = StateExpired
	s.stopTimers()
	p.registry.CloseSession(s.Location, s)
	metrics.SessionsClosed.WithLabelValues("confirmation_expired").Inc()
	p.logger.Info("trade session torn down",
		zap.String("location", s.Location),
		zap.String("session_id", s.ID.String()),
		zap.String("cause", ErrConfirmationExpired.Error()))
}
