package models

import "time"

// Role is the side a user plays in a paid call
type Role string

const (
	RolePayer Role = "payer"
	RolePayee Role = "payee"
)

// User is the subset of a subscriber record the call core reads and adjusts
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Role      Role   `json:"role"`
	Balance   int64  `json:"balance"` // coins, never negative
	Online    bool   `json:"online"`
	Available bool   `json:"available"` // payee only
	Banned    bool   `json:"banned"`
}

// Summary returns the public profile of the user
func (u *User) Summary() PayeeSummary {
	return PayeeSummary{
		ID:        u.ID,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
		Online:    u.Online,
		Available: u.Available,
	}
}

// PayeeSummary is the public profile shown in listings and to the peer of a call
type PayeeSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	Online    bool   `json:"online"`
	Available bool   `json:"available"`
}

// Invite is a pending request for a payee to take a call
type Invite struct {
	ID        string    `json:"invite_id"`
	PayerID   string    `json:"payer_id"`
	PayeeID   string    `json:"payee_id"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionState of a call session; it only ever moves Active -> Ended
type SessionState string

const (
	StateActive SessionState = "ACTIVE"
	StateEnded  SessionState = "ENDED"
)

// EndReason records why a session was closed
type EndReason string

const (
	ReasonUserEnded         EndReason = "UserEnded"
	ReasonPeerDisconnected  EndReason = "PeerDisconnected"
	ReasonInsufficientFunds EndReason = "InsufficientFunds"
	ReasonStoreUnavailable  EndReason = "StoreUnavailable"
	ReasonShutdown          EndReason = "Shutdown"
)

// CallSession is an accepted call. It is archived when it ends, never deleted.
type CallSession struct {
	ID              string       `json:"session_id"`
	PayerID         string       `json:"payer_id"`
	PayeeID         string       `json:"payee_id"`
	State           SessionState `json:"state"`
	StartTime       time.Time    `json:"start_time"`
	EndTime         *time.Time   `json:"end_time,omitempty"`
	DurationSeconds int64        `json:"duration_seconds"`
	BilledCoins     int64        `json:"billed_coins"`
	EndReason       EndReason    `json:"end_reason,omitempty"`
}

// Peer returns the other participant, or "" if userID is not part of the session
func (s *CallSession) Peer(userID string) string {
	switch userID {
	case s.PayerID:
		return s.PayeeID
	case s.PayeeID:
		return s.PayerID
	}
	return ""
}

// CallStats aggregates a user's ended sessions
type CallStats struct {
	TotalCalls           int64 `json:"total_calls"`
	TotalDurationSeconds int64 `json:"total_duration_seconds"`
	TotalCoins           int64 `json:"total_coins"`
}
