// Package billing settles coins between the two parties of an active call
// session once per interval.
package billing

import (
	"context"
	"errors"
	"sync"
	"time"

	"paidcall/internal/events"
	"paidcall/internal/models"
	"paidcall/internal/store"
	"paidcall/pkg/utils"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// Notifier pushes an event to a user's bound connection, if any.
type Notifier interface {
	Send(userID, event string, payload any) error
}

// EndFunc terminates a session; it is called outside of the tab's lock.
type EndFunc func(ctx context.Context, sessionID string, reason models.EndReason)

type Config struct {
	Interval     time.Duration
	CostPerTick  int64
	StoreTimeout time.Duration
}

type Ticker struct {
	clock    clock.Clock
	users    store.UserStore
	sessions store.SessionStore
	notify   Notifier
	events   events.Publisher
	cfg      Config
	onEnd    EndFunc
}

func NewTicker(clk clock.Clock, users store.UserStore, sessions store.SessionStore, notify Notifier, pub events.Publisher, cfg Config) *Ticker {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Ticker{
		clock:    clk,
		users:    users,
		sessions: sessions,
		notify:   notify,
		events:   pub,
		cfg:      cfg,
	}
}

// OnEnd sets the terminator invoked when a tick decides the session must end.
func (t *Ticker) OnEnd(fn EndFunc) { t.onEnd = fn }

func (t *Ticker) CostPerTick() int64      { return t.cfg.CostPerTick }
func (t *Ticker) Interval() time.Duration { return t.cfg.Interval }

// Start opens a tab for an active session. The first tick fires one
// interval from now.
func (t *Ticker) Start(s *models.CallSession) *Tab {
	tab := &Tab{
		t:         t,
		sessionID: s.ID,
		payerID:   s.PayerID,
		payeeID:   s.PayeeID,
		ticker:    t.clock.Ticker(t.cfg.Interval),
		done:      make(chan struct{}),
	}
	go tab.run()
	log.Debug().Str("session_id", s.ID).Dur("interval", t.cfg.Interval).Msg("billing started")
	return tab
}

// Totals is the billing state of a tab, counting completed ticks only.
type Totals struct {
	DurationSeconds int64
	BilledCoins     int64
}

// Tab is the exclusive billing context of one session. The lock is held
// for a whole settlement so Close waits for an in-flight tick.
type Tab struct {
	t         *Ticker
	sessionID string
	payerID   string
	payeeID   string
	ticker    *clock.Ticker
	done      chan struct{}

	mu     sync.Mutex
	ended  bool
	totals Totals
}

// Close stops billing and returns the frozen totals. Only the first call
// reports first=true.
func (tab *Tab) Close() (totals Totals, first bool) {
	tab.mu.Lock()
	defer tab.mu.Unlock()
	if tab.ended {
		return tab.totals, false
	}
	tab.ended = true
	tab.ticker.Stop()
	close(tab.done)
	return tab.totals, true
}

func (tab *Tab) Totals() Totals {
	tab.mu.Lock()
	defer tab.mu.Unlock()
	return tab.totals
}

func (tab *Tab) run() {
	for {
		select {
		case <-tab.done:
			return
		case <-tab.ticker.C:
			tab.tick()
		}
	}
}

type settlement struct {
	settled      bool
	payerBalance int64
	payeeBalance int64
	billed       int64
	end          models.EndReason
}

func (tab *Tab) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), tab.t.cfg.StoreTimeout)
	defer cancel()

	res := tab.settle(ctx)

	if res.settled {
		cost := tab.t.cfg.CostPerTick
		_ = tab.t.notify.Send(tab.payerID, models.EventBalanceUpdated, models.BalanceUpdatedPayload{Balance: res.payerBalance, Delta: -cost})
		_ = tab.t.notify.Send(tab.payeeID, models.EventBalanceUpdated, models.BalanceUpdatedPayload{Balance: res.payeeBalance, Delta: cost})

		err := tab.t.events.Publish(ctx, events.SubjectBillingSettled, events.BillingSettled{
			SessionID:    tab.sessionID,
			PayerID:      tab.payerID,
			PayeeID:      tab.payeeID,
			Amount:       cost,
			PayerBalance: res.payerBalance,
			PayeeBalance: res.payeeBalance,
			BilledCoins:  res.billed,
		})
		if err != nil {
			log.Warn().Err(err).Str("session_id", tab.sessionID).Msg("failed to publish settlement")
		}
	}

	if res.end != "" && tab.t.onEnd != nil {
		endCtx, endCancel := context.WithTimeout(context.Background(), tab.t.cfg.StoreTimeout)
		defer endCancel()
		tab.t.onEnd(endCtx, tab.sessionID, res.end)
	}
}

// settle applies one tick under the tab lock.
func (tab *Tab) settle(ctx context.Context) settlement {
	tab.mu.Lock()
	defer tab.mu.Unlock()

	logger := log.With().Str("session_id", tab.sessionID).Logger()
	cost := tab.t.cfg.CostPerTick

	if tab.ended {
		utils.BillingTicks.WithLabelValues("skipped").Inc()
		return settlement{}
	}

	payer, err := tab.t.users.FindByID(ctx, tab.payerID)
	if err != nil {
		logger.Warn().Err(err).Msg("billing tick: balance read failed, retrying next interval")
		utils.BillingTicks.WithLabelValues("retry").Inc()
		return settlement{}
	}
	if payer.Balance < cost {
		logger.Info().Int64("balance", payer.Balance).Int64("cost", cost).Msg("billing tick: insufficient funds")
		utils.BillingTicks.WithLabelValues("insolvent").Inc()
		return settlement{end: models.ReasonInsufficientFunds}
	}

	payerBal, payeeBal, err := tab.t.users.Transfer(ctx, tab.payerID, tab.payeeID, cost)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrInsufficientFunds):
		utils.BillingTicks.WithLabelValues("insolvent").Inc()
		return settlement{end: models.ReasonInsufficientFunds}
	case errors.Is(err, store.ErrOutcomeUnknown):
		logger.Error().Err(err).Msg("billing tick: transfer outcome unknown, ending session")
		utils.BillingTicks.WithLabelValues("ambiguous").Inc()
		return settlement{end: models.ReasonStoreUnavailable}
	default:
		logger.Warn().Err(err).Msg("billing tick: transfer failed, retrying next interval")
		utils.BillingTicks.WithLabelValues("retry").Inc()
		return settlement{}
	}

	tab.totals.DurationSeconds += int64(tab.t.cfg.Interval / time.Second)
	tab.totals.BilledCoins += cost
	utils.BillingTicks.WithLabelValues("settled").Inc()
	utils.CoinsBilled.Add(float64(cost))

	if err := tab.t.sessions.UpdateAccumulators(ctx, tab.sessionID, tab.totals.DurationSeconds, tab.totals.BilledCoins); err != nil {
		logger.Warn().Err(err).Msg("billing tick: failed to persist accumulators")
	}

	logger.Debug().
		Int64("payer_balance", payerBal).
		Int64("billed", tab.totals.BilledCoins).
		Msg("billing tick settled")

	return settlement{
		settled:      true,
		payerBalance: payerBal,
		payeeBalance: payeeBal,
		billed:       tab.totals.BilledCoins,
	}
}
