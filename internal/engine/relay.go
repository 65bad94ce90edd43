package engine

import (
	"encoding/json"

	"paidcall/internal/models"
	"paidcall/pkg/utils"

	"github.com/rs/zerolog/log"
)

// Forward relays a negotiation payload between the two parties of an active
// session. Delivery is attempted once; a missing or broken target binding
// is reported as PeerDisconnected.
func (cc *CallControl) Forward(kind models.SignalKind, fromUserID, toUserID string, payload json.RawMessage) error {
	if !kind.Valid() {
		return models.Errorf(models.CodeInvalidRequest, "unknown signal kind %q", kind)
	}

	cc.mu.Lock()
	var live *liveSession
	if id, ok := cc.engaged[fromUserID]; ok {
		live = cc.active[id]
	}
	cc.mu.Unlock()

	if live == nil || toUserID == "" || live.session.Peer(fromUserID) != toUserID {
		utils.RelayMessages.WithLabelValues(string(kind), "rejected").Inc()
		return models.Errorf(models.CodeSessionNotFound, "no active session with %s", toUserID)
	}

	err := cc.presence.Send(toUserID, string(kind), models.SignalPayload{
		FromUserID: fromUserID,
		Payload:    payload,
	})
	if err != nil {
		utils.RelayMessages.WithLabelValues(string(kind), "failed").Inc()
		log.Debug().Err(err).Str("session_id", live.session.ID).Str("kind", string(kind)).Msg("relay delivery failed")
		return models.Wrap(models.CodePeerDisconnected, err, "peer unreachable")
	}
	utils.RelayMessages.WithLabelValues(string(kind), "delivered").Inc()
	return nil
}
