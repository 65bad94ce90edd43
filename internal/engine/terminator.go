package engine

import (
	"context"
	"errors"

	"paidcall/internal/events"
	"paidcall/internal/models"
	"paidcall/pkg/utils"

	"github.com/rs/zerolog/log"
)

// EndSession closes an active session. It reports false if the session was
// not active, in which case nothing is settled or sent.
func (cc *CallControl) EndSession(ctx context.Context, sessionID string, reason models.EndReason) bool {
	_, ok := cc.endSession(ctx, sessionID, reason)
	return ok
}

func (cc *CallControl) endSession(ctx context.Context, sessionID string, reason models.EndReason) (*models.CallSession, bool) {
	end := cc.clock.Now()
	cc.mu.Lock()
	live, ok := cc.active[sessionID]
	if ok {
		delete(cc.active, sessionID)
		live.endTime = end
		live.endReason = reason
		cc.ending[sessionID] = live
		cc.releaseLocked(sessionID, live.session.PayerID, live.session.PayeeID)
	}
	cc.mu.Unlock()
	if !ok {
		return nil, false
	}

	// waits for a tick in flight; later ticks observe the closed tab
	totals, _ := live.tab.Close()

	final := live.session
	final.State = models.StateEnded
	final.EndTime = &end
	final.DurationSeconds = totals.DurationSeconds
	final.BilledCoins = totals.BilledCoins
	final.EndReason = reason

	logger := log.With().Str("session_id", sessionID).Str("reason", string(reason)).Logger()
	if err := cc.sessions.MarkEnded(ctx, sessionID, end, reason, totals.DurationSeconds, totals.BilledCoins); err != nil {
		logger.Error().Err(err).Msg("failed to persist ended session")
	}
	cc.mu.Lock()
	delete(cc.ending, sessionID)
	cc.mu.Unlock()

	utils.ActiveSessions.Dec()
	utils.SessionsEnded.WithLabelValues(string(reason)).Inc()

	summary := models.CallEndedPayload{
		SessionID:       sessionID,
		Reason:          reason,
		DurationSeconds: totals.DurationSeconds,
		CoinsBilled:     totals.BilledCoins,
	}
	_ = cc.presence.Send(final.PayerID, models.EventCallEnded, summary)
	summary.CoinsEarned = totals.BilledCoins
	_ = cc.presence.Send(final.PayeeID, models.EventCallEnded, summary)

	if err := cc.events.Publish(ctx, events.SubjectSessionEnded, events.SessionEnded{Session: final}); err != nil {
		logger.Warn().Err(err).Msg("failed to publish session end")
	}
	cc.presence.BroadcastAvailable(ctx)

	logger.Info().
		Int64("duration_seconds", totals.DurationSeconds).
		Int64("billed_coins", totals.BilledCoins).
		Msg("session ended")
	return &final, true
}

// EndCall ends a session at the request of one of its parties. An empty
// sessionID means the caller's current session.
func (cc *CallControl) EndCall(ctx context.Context, userID, sessionID string) (*models.CallSession, error) {
	cc.mu.Lock()
	if sessionID == "" {
		if id, ok := cc.engaged[userID]; ok {
			if _, live := cc.active[id]; live {
				sessionID = id
			}
		}
	}
	live, ok := cc.active[sessionID]
	cc.mu.Unlock()

	if sessionID == "" {
		return nil, models.Errorf(models.CodeSessionNotFound, "no active session")
	}
	if !ok {
		rec, err := cc.sessions.FindByID(ctx, sessionID)
		if err != nil {
			if errors.Is(err, models.ErrSessionNotFound) {
				return nil, err
			}
			return nil, models.Wrap(models.CodeStoreUnavailable, err, "find session")
		}
		if rec.Peer(userID) == "" {
			return nil, models.Errorf(models.CodeSessionNotFound, "session %s not found", sessionID)
		}
		return nil, models.Errorf(models.CodeAlreadyResolved, "session %s already ended", sessionID)
	}
	if live.session.Peer(userID) == "" {
		return nil, models.Errorf(models.CodeSessionNotFound, "session %s not found", sessionID)
	}

	final, ended := cc.endSession(ctx, sessionID, models.ReasonUserEnded)
	if !ended {
		return nil, models.Errorf(models.CodeAlreadyResolved, "session %s already ended", sessionID)
	}
	return final, nil
}

// Shutdown ends every active session and drops every pending invite.
func (cc *CallControl) Shutdown(ctx context.Context) {
	cc.mu.Lock()
	ids := make([]string, 0, len(cc.active))
	for id := range cc.active {
		ids = append(ids, id)
	}
	invites := make([]*pendingInvite, 0, len(cc.invites))
	for _, inv := range cc.invites {
		invites = append(invites, inv)
	}
	for _, inv := range invites {
		cc.removeInviteLocked(inv)
	}
	cc.mu.Unlock()

	for _, inv := range invites {
		cc.failPayer(inv, models.CodeNotAvailable)
		cc.withdraw(inv, models.OutcomeCancelled)
	}
	for _, id := range ids {
		cc.EndSession(ctx, id, models.ReasonShutdown)
	}
	log.Info().Int("sessions", len(ids)).Int("invites", len(invites)).Msg("call control shut down")
}
