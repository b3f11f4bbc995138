package trade

import "errors"

// Expected, recoverable negotiation failures. These are surfaced to the
// presentation layer as typed results and are never process-fatal; callers
// match them with errors.Is.
var (
	// ErrDuplicateSession is returned when a location already has a live session or pending invitation
	ErrDuplicateSession = errors.New("a trade is already in progress at this location")
	// ErrSessionNotFound is returned when no live session exists at the location
	ErrSessionNotFound = errors.New("no trade session at this location")
	// ErrInvalidParticipant is returned when the acting user is not party to the session or invitation
	ErrInvalidParticipant = errors.New("user is not a participant in this trade")
	// ErrInviteExpired is returned when no pending invitation remains for the invitee
	ErrInviteExpired = errors.New("the trade invitation has expired or was never sent")
	// ErrConfirmationExpired marks a session torn down because the second
	// confirmation did not arrive within the countdown
	ErrConfirmationExpired = errors.New("the other participant did not confirm in time")
	// ErrItemNotOwned is returned when an offered companion is not owned by the
	// offering participant, at offer time or at settlement
	ErrItemNotOwned = errors.New("companion is not owned by the offering participant")
	// ErrItemNotOffered is returned when removing a companion that is not part of the offer
	ErrItemNotOffered = errors.New("companion is not part of the offer")
	// ErrInsufficientFunds is returned when a balance is too low to cover the
	// offered amount, at offer time or at settlement
	ErrInsufficientFunds = errors.New("balance is too low to cover the offer")
	// ErrInvalidAmount is returned for non-positive or over-offer amounts
	ErrInvalidAmount = errors.New("amount must be a positive integer within the offer limits")
	// ErrSettlementAborted wraps the live re-validation failure that rolled a
	// settlement back; the session stays open for renegotiation
	ErrSettlementAborted = errors.New("settlement aborted and rolled back")
)
