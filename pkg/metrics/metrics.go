package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SessionsOpened counts trade sessions registered after an accepted invitation
var SessionsOpened = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "hearthvale_trade_sessions_opened_total",
		Help: "Total number of trade sessions opened",
	},
)

// SessionsClosed counts terminated sessions by cause
var SessionsClosed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hearthvale_trade_sessions_closed_total",
		Help: "Total number of trade sessions closed, by cause",
	},
	[]string{"cause"}, // settled, cancelled, expired, confirmation_expired
)

// InvitesExpired counts trade invitations discarded after the response window
var InvitesExpired = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "hearthvale_trade_invites_expired_total",
		Help: "Total number of trade invitations that expired unanswered",
	},
)

// SettlementsAborted counts settlement attempts rolled back at re-validation
var SettlementsAborted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "hearthvale_trade_settlements_aborted_total",
		Help: "Total number of settlements aborted and rolled back, by reason",
	},
	[]string{"reason"}, // item_not_owned, insufficient_funds, store_error
)

func init() {
	prometheus.MustRegister(SessionsOpened, SessionsClosed, InvitesExpired, SettlementsAborted)
}
