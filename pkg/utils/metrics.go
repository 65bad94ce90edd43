package utils

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_active_sessions",
		Help: "The number of call sessions currently in state Active",
	})

	PendingInvites = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_pending_invites",
		Help: "The number of invites currently ringing",
	})

	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_bound_connections",
		Help: "The number of connections bound to a user",
	})

	InvitesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_invites_total",
		Help: "Invites by outcome",
	}, []string{"outcome"})

	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_sessions_ended_total",
		Help: "Ended sessions by reason",
	}, []string{"reason"})

	BillingTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_ticks_total",
		Help: "Billing ticks by result",
	}, []string{"result"})

	CoinsBilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_coins_transferred_total",
		Help: "Total coins moved from payers to payees",
	})

	RelayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signaling_relay_messages_total",
		Help: "Relayed negotiation messages by kind and result",
	}, []string{"kind", "result"})

	FirewallBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "firewall_blocks_total",
		Help: "Total number of requests refused by the firewall",
	})
)
