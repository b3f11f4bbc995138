package trade

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a trade session
type State string

const (
	// StateActive covers the whole negotiation phase, including after a first confirmation
	StateActive State = "active"
	// StateFirstConfirmed is reported in snapshots while exactly one side has confirmed
	StateFirstConfirmed State = "first_confirmed"
	// StateSettled is terminal: both sides confirmed and settlement committed
	StateSettled State = "settled"
	// StateCancelled is terminal: a participant cancelled before settlement
	StateCancelled State = "cancelled"
	// StateExpired is terminal: the session or confirmation window elapsed
	StateExpired State = "expired"
)

// Offer is one participant's proposed contribution to a trade session
type Offer struct {
	Coins      int64
	Tokens     int64
	Companions []uuid.UUID
	Confirmed  bool
}

func (o *Offer) clone() Offer {
	c := *o
	c.Companions = append([]uuid.UUID(nil), o.Companions...)
	return c
}

func (o *Offer) hasCompanion(id uuid.UUID) bool {
	for _, c := range o.Companions {
		if c == id {
			return true
		}
	}
	return false
}

func (o *Offer) removeCompanion(id uuid.UUID) bool {
	for i, c := range o.Companions {
		if c == id {
			o.Companions = append(o.Companions[:i], o.Companions[i+1:]...)
			return true
		}
	}
	return false
}

// Session is the negotiation state for one prospective exchange between two
// participants, scoped to a location. It is owned by the Registry for its
// lifetime and mutated only under its own mutex.
type Session struct {
	ID        uuid.UUID
	Location  string
	UserA     string
	UserB     string
	CreatedAt time.Time
	ExpiresAt time.Time

	mu     sync.Mutex
	offers map[string]*Offer
	state  State

	// confirmEpoch increments whenever the confirmation flags are cleared or a
	// countdown is armed; a countdown timer that fires for an older epoch is stale
	// and must do nothing.
	confirmEpoch    uint64
	confirmDeadline time.Time
	confirmTimer    *time.Timer
	expireTimer     *time.Timer
}

func newSession(location, userA, userB string, lifetime time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:        uuid.New(),
		Location:  location,
		UserA:     userA,
		UserB:     userB,
		CreatedAt: now,
		ExpiresAt: now.Add(lifetime),
		offers: map[string]*Offer{
			userA: {},
			userB: {},
		},
		state: StateActive,
	}
}

// isParticipant reports whether userID is one of the two named participants
func (s *Session) isParticipant(userID string) bool {
	return userID == s.UserA || userID == s.UserB
}

func (s *Session) other(userID string) string {
	if userID == s.UserA {
		return s.UserB
	}
	return s.UserA
}

func (s *Session) terminal() bool {
	return s.state == StateSettled || s.state == StateCancelled || s.state == StateExpired
}

// clearConfirmations resets both confirmation flags and invalidates any armed
// countdown. Callers must hold s.mu.
func (s *Session) clearConfirmations() {
	s.offers[s.UserA].Confirmed = false
	s.offers[s.UserB].Confirmed = false
	s.confirmEpoch++
	s.confirmDeadline = time.Time{}
	if s.confirmTimer != nil {
		s.confirmTimer.Stop()
		s.confirmTimer = nil
	}
}

func (s *Session) stopTimers() {
	if s.confirmTimer != nil {
		s.confirmTimer.Stop()
		s.confirmTimer = nil
	}
	if s.expireTimer != nil {
		s.expireTimer.Stop()
		s.expireTimer = nil
	}
}

// OfferSnapshot is a read-only copy of one participant's offer
type OfferSnapshot struct {
	User       string      `json:"user"`
	Coins      int64       `json:"coins"`
	Tokens     int64       `json:"tokens"`
	Companions []uuid.UUID `json:"companions"`
	Confirmed  bool        `json:"confirmed"`
}

// Snapshot is a read-only view of a session for rendering
type Snapshot struct {
	ID              uuid.UUID     `json:"id"`
	Location        string        `json:"location"`
	State           State         `json:"state"`
	OfferA          OfferSnapshot `json:"offer_a"`
	OfferB          OfferSnapshot `json:"offer_b"`
	ExpiresAt       time.Time     `json:"expires_at"`
	TimeRemaining   time.Duration `json:"time_remaining"`
	ConfirmDeadline time.Time     `json:"confirm_deadline,omitzero"`
}

// Snapshot returns a consistent read-only view of the session
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	a, b := s.offers[s.UserA], s.offers[s.UserB]
	state := s.state
	if state == StateActive && (a.Confirmed != b.Confirmed) {
		state = StateFirstConfirmed
	}
	remaining := time.Until(s.ExpiresAt)
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		ID:       s.ID,
		Location: s.Location,
		State:    state,
		OfferA: OfferSnapshot{
			User: s.UserA, Coins: a.Coins, Tokens: a.Tokens,
			Companions: append([]uuid.UUID(nil), a.Companions...), Confirmed: a.Confirmed,
		},
		OfferB: OfferSnapshot{
			User: s.UserB, Coins: b.Coins, Tokens: b.Tokens,
			Companions: append([]uuid.UUID(nil), b.Companions...), Confirmed: b.Confirmed,
		},
		ExpiresAt:       s.ExpiresAt,
		TimeRemaining:   remaining,
		ConfirmDeadline: s.confirmDeadline,
	}
}
