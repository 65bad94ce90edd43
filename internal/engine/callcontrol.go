package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"paidcall/internal/billing"
	"paidcall/internal/events"
	"paidcall/internal/models"
	"paidcall/internal/presence"
	"paidcall/internal/store"
	"paidcall/pkg/utils"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type pendingInvite struct {
	models.Invite
	timer *clock.Timer
}

type liveSession struct {
	session models.CallSession
	tab     *billing.Tab

	// set under cc.mu when the session moves to ending
	endTime   time.Time
	endReason models.EndReason
}

type Config struct {
	InviteTimeout time.Duration
	StoreTimeout  time.Duration
}

// CallControl owns invites and active sessions. engaged maps every party of
// a ringing invite or active session to that invite or session id, which
// keeps each user in at most one of them.
type CallControl struct {
	mu      sync.Mutex
	invites map[string]*pendingInvite
	active  map[string]*liveSession
	ending  map[string]*liveSession // ended but not yet persisted
	engaged map[string]string

	clock    clock.Clock
	users    store.UserStore
	sessions store.SessionStore
	presence *presence.Registry
	billing  *billing.Ticker
	events   events.Publisher
	cfg      Config
}

func NewCallControl(clk clock.Clock, users store.UserStore, sessions store.SessionStore, reg *presence.Registry, ticker *billing.Ticker, pub events.Publisher, cfg Config) *CallControl {
	if cfg.InviteTimeout <= 0 {
		cfg.InviteTimeout = 30 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if pub == nil {
		pub = events.Nop{}
	}
	cc := &CallControl{
		invites:  make(map[string]*pendingInvite),
		active:   make(map[string]*liveSession),
		ending:   make(map[string]*liveSession),
		engaged:  make(map[string]string),
		clock:    clk,
		users:    users,
		sessions: sessions,
		presence: reg,
		billing:  ticker,
		events:   pub,
		cfg:      cfg,
	}
	ticker.OnEnd(func(ctx context.Context, sessionID string, reason models.EndReason) {
		cc.EndSession(ctx, sessionID, reason)
	})
	reg.OnDisconnect(cc.onDisconnect)
	return cc
}

// Initiate rings payeeID on behalf of payerID and returns the pending invite.
func (cc *CallControl) Initiate(ctx context.Context, payerID, payeeID string) (*models.Invite, error) {
	if !cc.presence.Bound(payerID) {
		return nil, models.Errorf(models.CodeAuthenticationRequired, "join before calling")
	}
	payer, err := cc.users.FindByID(ctx, payerID)
	if err != nil {
		return nil, err
	}
	if payer.Role != models.RolePayer {
		return nil, models.Errorf(models.CodeInvalidRole, "only payers can initiate calls")
	}
	if payer.Banned {
		return nil, models.Errorf(models.CodeAuthenticationRequired, "user %s is banned", payerID)
	}
	if cost := cc.billing.CostPerTick(); payer.Balance < cost {
		return nil, models.Errorf(models.CodeInsufficientFunds, "balance %d is below the per-interval cost %d", payer.Balance, cost)
	}

	if payeeID == "" {
		return nil, models.Errorf(models.CodeInvalidRequest, "payeeId is required")
	}
	payee, err := cc.users.FindByID(ctx, payeeID)
	if err != nil {
		return nil, err
	}
	if payee.Role != models.RolePayee {
		return nil, models.Errorf(models.CodeInvalidRole, "user %s does not take calls", payeeID)
	}
	if payee.Banned || !payee.Available || !cc.presence.Bound(payeeID) {
		return nil, models.Errorf(models.CodeNotAvailable, "user %s is not available", payeeID)
	}

	cc.mu.Lock()
	if _, busy := cc.engaged[payeeID]; busy {
		cc.mu.Unlock()
		utils.InvitesTotal.WithLabelValues("busy").Inc()
		return nil, models.Errorf(models.CodeBusy, "user %s is busy", payeeID)
	}
	if _, busy := cc.engaged[payerID]; busy {
		cc.mu.Unlock()
		utils.InvitesTotal.WithLabelValues("busy").Inc()
		return nil, models.Errorf(models.CodeBusy, "a call is already in progress")
	}
	inv := &pendingInvite{Invite: models.Invite{
		ID:        uuid.New().String(),
		PayerID:   payerID,
		PayeeID:   payeeID,
		CreatedAt: cc.clock.Now(),
	}}
	id := inv.ID
	inv.timer = cc.clock.AfterFunc(cc.cfg.InviteTimeout, func() { cc.expire(id) })
	cc.invites[id] = inv
	cc.engaged[payerID] = id
	cc.engaged[payeeID] = id
	cc.mu.Unlock()

	utils.PendingInvites.Inc()
	log.Info().Str("invite_id", id).Str("payer_id", payerID).Str("payee_id", payeeID).Msg("invite created")

	err = cc.presence.Send(payeeID, models.EventIncomingCall, models.IncomingCallPayload{
		InviteID: id,
		Caller:   payer.Summary(),
	})
	if err != nil {
		if cc.takeInvite(id, nil) != nil {
			utils.InvitesTotal.WithLabelValues("failed").Inc()
			return nil, models.Wrap(models.CodeNotAvailable, err, "payee could not be reached")
		}
	}

	invite := inv.Invite
	return &invite, nil
}

// Answer accepts an invite on behalf of its payee and starts the session.
func (cc *CallControl) Answer(ctx context.Context, payeeID, inviteID string) (*models.CallSession, error) {
	cc.mu.Lock()
	inv, ok := cc.invites[inviteID]
	if !ok || inv.PayeeID != payeeID {
		cc.mu.Unlock()
		return nil, models.Errorf(models.CodeInviteNotFound, "invite %s not found", inviteID)
	}
	// both parties stay engaged with the invite id until the session replaces it
	delete(cc.invites, inviteID)
	inv.timer.Stop()
	cc.mu.Unlock()

	utils.PendingInvites.Dec()
	utils.InvitesTotal.WithLabelValues("answered").Inc()
	logger := log.With().Str("invite_id", inviteID).Logger()

	payer, err := cc.users.FindByID(ctx, inv.PayerID)
	if err != nil {
		cc.release(inv)
		cc.failPayer(inv, models.CodeOf(err))
		return nil, err
	}
	payee, err := cc.users.FindByID(ctx, payeeID)
	if err != nil {
		cc.release(inv)
		cc.failPayer(inv, models.CodeOf(err))
		return nil, err
	}
	if !cc.presence.Bound(inv.PayerID) {
		cc.release(inv)
		return nil, models.Errorf(models.CodePeerDisconnected, "caller has disconnected")
	}

	session := models.CallSession{
		ID:        uuid.New().String(),
		PayerID:   inv.PayerID,
		PayeeID:   payeeID,
		State:     models.StateActive,
		StartTime: cc.clock.Now(),
	}
	if err := cc.sessions.Create(ctx, &session); err != nil {
		logger.Error().Err(err).Msg("failed to create session")
		cc.release(inv)
		cc.failPayer(inv, models.CodeStoreUnavailable)
		return nil, models.Wrap(models.CodeStoreUnavailable, err, "create session")
	}

	cc.mu.Lock()
	cc.active[session.ID] = &liveSession{session: session, tab: cc.billing.Start(&session)}
	cc.engaged[session.PayerID] = session.ID
	cc.engaged[session.PayeeID] = session.ID
	cc.mu.Unlock()
	utils.ActiveSessions.Inc()

	logger.Info().Str("session_id", session.ID).Msg("session active")

	if !cc.presence.Bound(session.PayerID) || !cc.presence.Bound(session.PayeeID) {
		cc.EndSession(ctx, session.ID, models.ReasonPeerDisconnected)
		return nil, models.Errorf(models.CodePeerDisconnected, "a party disconnected while connecting")
	}

	_ = cc.presence.Send(session.PayerID, models.EventCallAnswered, models.CallAnsweredPayload{
		InviteID:  inviteID,
		SessionID: session.ID,
	})
	_ = cc.presence.Send(session.PayerID, models.EventCallConnected, models.CallConnectedPayload{
		SessionID: session.ID,
		Peer:      payee.Summary(),
	})
	_ = cc.presence.Send(session.PayeeID, models.EventCallConnected, models.CallConnectedPayload{
		SessionID: session.ID,
		Peer:      payer.Summary(),
	})
	cc.presence.BroadcastAvailable(ctx)

	return &session, nil
}

// Reject declines an invite on behalf of its payee.
func (cc *CallControl) Reject(ctx context.Context, payeeID, inviteID string) error {
	inv := cc.takeInvite(inviteID, func(i *pendingInvite) bool { return i.PayeeID == payeeID })
	if inv == nil {
		return models.Errorf(models.CodeInviteNotFound, "invite %s not found", inviteID)
	}
	utils.InvitesTotal.WithLabelValues("rejected").Inc()
	log.Info().Str("invite_id", inviteID).Msg("invite rejected")
	cc.failPayer(inv, models.OutcomeRejected)
	return nil
}

// Cancel withdraws an invite on behalf of its payer.
func (cc *CallControl) Cancel(ctx context.Context, payerID, inviteID string) error {
	inv := cc.takeInvite(inviteID, func(i *pendingInvite) bool { return i.PayerID == payerID })
	if inv == nil {
		return models.Errorf(models.CodeInviteNotFound, "invite %s not found", inviteID)
	}
	utils.InvitesTotal.WithLabelValues("cancelled").Inc()
	log.Info().Str("invite_id", inviteID).Msg("invite cancelled")
	cc.withdraw(inv, models.OutcomeCancelled)
	return nil
}

func (cc *CallControl) expire(inviteID string) {
	inv := cc.takeInvite(inviteID, nil)
	if inv == nil {
		return
	}
	utils.InvitesTotal.WithLabelValues("expired").Inc()
	log.Info().Str("invite_id", inviteID).Msg("invite expired")
	cc.failPayer(inv, models.OutcomeNoAnswer)
	cc.withdraw(inv, models.OutcomeMissed)
}

// onDisconnect resolves whatever the departed user was engaged in.
func (cc *CallControl) onDisconnect(ctx context.Context, userID string) {
	cc.mu.Lock()
	id, ok := cc.engaged[userID]
	if !ok {
		cc.mu.Unlock()
		return
	}
	inv := cc.invites[id]
	if inv != nil {
		cc.removeInviteLocked(inv)
	}
	live := cc.active[id]
	cc.mu.Unlock()

	switch {
	case inv != nil && userID == inv.PayerID:
		utils.InvitesTotal.WithLabelValues("cancelled").Inc()
		cc.withdraw(inv, models.OutcomeCancelled)
	case inv != nil:
		utils.InvitesTotal.WithLabelValues("failed").Inc()
		cc.failPayer(inv, models.CodePeerDisconnected)
	case live != nil:
		cc.EndSession(ctx, live.session.ID, models.ReasonPeerDisconnected)
	}
}

// takeInvite removes a pending invite if it exists and match accepts it.
// Whoever takes the invite resolves it; everyone else gets nil.
func (cc *CallControl) takeInvite(id string, match func(*pendingInvite) bool) *pendingInvite {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	inv, ok := cc.invites[id]
	if !ok || (match != nil && !match(inv)) {
		return nil
	}
	cc.removeInviteLocked(inv)
	return inv
}

func (cc *CallControl) removeInviteLocked(inv *pendingInvite) {
	delete(cc.invites, inv.ID)
	inv.timer.Stop()
	cc.releaseLocked(inv.ID, inv.PayerID, inv.PayeeID)
	utils.PendingInvites.Dec()
}

// release frees the parties of an answered invite that never became a session.
func (cc *CallControl) release(inv *pendingInvite) {
	cc.mu.Lock()
	cc.releaseLocked(inv.ID, inv.PayerID, inv.PayeeID)
	cc.mu.Unlock()
}

func (cc *CallControl) releaseLocked(id string, users ...string) {
	for _, u := range users {
		if cc.engaged[u] == id {
			delete(cc.engaged, u)
		}
	}
}

func (cc *CallControl) failPayer(inv *pendingInvite, code models.Code) {
	_ = cc.presence.Send(inv.PayerID, models.EventCallFailed, models.CallFailedPayload{
		InviteID: inv.ID,
		Code:     code,
	})
}

func (cc *CallControl) withdraw(inv *pendingInvite, reason string) {
	_ = cc.presence.Send(inv.PayeeID, models.EventInviteWithdrawn, models.InviteWithdrawnPayload{
		InviteID: inv.ID,
		Reason:   reason,
	})
}

// Session returns the live view of an active session, or the stored record.
func (cc *CallControl) Session(ctx context.Context, id string) (*models.CallSession, error) {
	cc.mu.Lock()
	live, ok := cc.active[id]
	if !ok {
		live, ok = cc.ending[id]
	}
	var (
		endTime time.Time
		reason  models.EndReason
	)
	if ok {
		endTime, reason = live.endTime, live.endReason
	}
	cc.mu.Unlock()
	if !ok {
		return cc.sessions.FindByID(ctx, id)
	}

	s := live.snapshot()
	if reason != "" {
		s.State = models.StateEnded
		s.EndTime = &endTime
		s.EndReason = reason
	}
	return s, nil
}

// ActiveSessions lists active sessions with their billed totals so far.
func (cc *CallControl) ActiveSessions() []*models.CallSession {
	cc.mu.Lock()
	lives := make([]*liveSession, 0, len(cc.active))
	for _, l := range cc.active {
		lives = append(lives, l)
	}
	cc.mu.Unlock()

	list := make([]*models.CallSession, 0, len(lives))
	for _, l := range lives {
		list = append(list, l.snapshot())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartTime.Before(list[j].StartTime) })
	return list
}

func (cc *CallControl) PendingInviteCount() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.invites)
}

// Engagement returns the invite or session id userID is part of, if any.
func (cc *CallControl) Engagement(userID string) (string, bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	id, ok := cc.engaged[userID]
	return id, ok
}

func (l *liveSession) snapshot() *models.CallSession {
	s := l.session
	t := l.tab.Totals()
	s.DurationSeconds = t.DurationSeconds
	s.BilledCoins = t.BilledCoins
	return &s
}
