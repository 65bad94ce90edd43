// Package store defines the persistence ports the call core consumes.
package store

import (
	"context"
	"errors"
	"time"

	"paidcall/internal/models"
)

// ErrOutcomeUnknown is returned when a write may or may not have been
// applied, e.g. the connection dropped while a commit was in flight.
// Callers must not retry it blindly.
var ErrOutcomeUnknown = errors.New("store: write outcome unknown")

// UserStore is the user accessor. Balance changes go through AdjustBalance
// or Transfer only; both refuse to drive a balance below zero with
// models.ErrInsufficientFunds.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	SetOnline(ctx context.Context, id string, online bool) error
	SetPresence(ctx context.Context, id string, online, available bool) error
	ListAvailablePayees(ctx context.Context) ([]models.PayeeSummary, error)

	// AdjustBalance adds delta (which may be negative) and returns the new balance.
	AdjustBalance(ctx context.Context, id string, delta int64) (int64, error)

	// Transfer moves amount from one user to another as one atomic update and
	// returns both resulting balances.
	Transfer(ctx context.Context, fromID, toID string, amount int64) (fromBalance, toBalance int64, err error)
}

// SessionStore archives call sessions.
type SessionStore interface {
	Create(ctx context.Context, s *models.CallSession) error
	UpdateAccumulators(ctx context.Context, id string, durationSeconds, billedCoins int64) error
	MarkEnded(ctx context.Context, id string, endTime time.Time, reason models.EndReason, durationSeconds, billedCoins int64) error
	FindByID(ctx context.Context, id string) (*models.CallSession, error)

	// ListByUser returns the user's sessions newest first together with the total count.
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.CallSession, int, error)
	StatsByUser(ctx context.Context, userID string) (models.CallStats, error)
}
