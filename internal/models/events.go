package models

import "encoding/json"

// Server-to-client push events
const (
	EventAck              = "ack"
	EventPong             = "pong"
	EventIncomingCall     = "incomingCall"
	EventCallAnswered     = "callAnswered"
	EventCallConnected    = "callConnected"
	EventCallEnded        = "callEnded"
	EventCallFailed       = "callFailed"
	EventInviteWithdrawn  = "inviteWithdrawn"
	EventBalanceUpdated   = "balanceUpdated"
	EventAvailableUpdated = "availableListUpdated"
)

// SignalKind is a session-negotiation message type carried by the relay
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalIceCandidate SignalKind = "iceCandidate"
)

// Valid reports whether k is one of the relayed kinds
func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalIceCandidate:
		return true
	}
	return false
}

// Invite outcomes reported to the party that did not resolve the invite
const (
	OutcomeNoAnswer  = "NoAnswer"
	OutcomeRejected  = "Rejected"
	OutcomeMissed    = "Missed"
	OutcomeCancelled = "Cancelled"
)

type IncomingCallPayload struct {
	InviteID string       `json:"inviteId"`
	Caller   PayeeSummary `json:"caller"`
}

type CallAnsweredPayload struct {
	InviteID  string `json:"inviteId"`
	SessionID string `json:"sessionId"`
}

type CallConnectedPayload struct {
	SessionID string       `json:"sessionId"`
	Peer      PayeeSummary `json:"peer"`
}

type CallEndedPayload struct {
	SessionID       string    `json:"sessionId"`
	Reason          EndReason `json:"reason"`
	DurationSeconds int64     `json:"durationSeconds"`
	CoinsBilled     int64     `json:"coinsBilled"`
	CoinsEarned     int64     `json:"coinsEarned,omitempty"`
}

type CallFailedPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Type      string `json:"type,omitempty"`
	InviteID  string `json:"inviteId,omitempty"`
	Code      Code   `json:"code"`
	Message   string `json:"message,omitempty"`
}

type InviteWithdrawnPayload struct {
	InviteID string `json:"inviteId"`
	Reason   string `json:"reason"`
}

type BalanceUpdatedPayload struct {
	Balance int64 `json:"balance"`
	Delta   int64 `json:"delta"`
}

type AvailableListPayload struct {
	Payees []PayeeSummary `json:"payees"`
}

type SignalPayload struct {
	FromUserID string          `json:"fromUserId"`
	Payload    json.RawMessage `json:"payload"`
}

type AckPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Type      string `json:"type"`
	Result    any    `json:"result,omitempty"`
}
