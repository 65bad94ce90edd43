// Package postgres implements the store ports on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"paidcall/internal/database"
	"paidcall/internal/models"
	"paidcall/internal/store"

	"github.com/jackc/pgx/v5"
)

var (
	_ store.UserStore    = (*UserStore)(nil)
	_ store.SessionStore = (*SessionStore)(nil)
)

// classify maps driver failures onto the store error contract. Domain
// errors pass through untouched.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var me *models.Error
	if errors.As(err, &me) {
		return err
	}
	if errors.Is(err, database.ErrCommitUnknown) {
		return fmt.Errorf("%s: %w: %v", op, store.ErrOutcomeUnknown, err)
	}
	return models.Wrap(models.CodeStoreUnavailable, err, op)
}

// UserStore implements store.UserStore
type UserStore struct {
	db *database.DB
}

func NewUserStore(db *database.DB) *UserStore {
	return &UserStore{db: db}
}

const userColumns = `id, name, avatar_url, role, balance, is_online, is_available, is_banned`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	var role string
	if err := row.Scan(&u.ID, &u.Name, &u.AvatarURL, &role, &u.Balance, &u.Online, &u.Available, &u.Banned); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	return &u, nil
}

func (s *UserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.Errorf(models.CodeUserNotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, classify(err, "find user")
	}
	return u, nil
}

// CreateUser inserts a user record; used by seeding and tests.
func (s *UserStore) CreateUser(ctx context.Context, u models.User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (id, name, avatar_url, role, balance, is_online, is_available, is_banned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, u.ID, u.Name, u.AvatarURL, string(u.Role), u.Balance, u.Online, u.Available, u.Banned)
	if err != nil {
		return fmt.Errorf("failed to create user %s: %w", u.ID, err)
	}
	return nil
}

func (s *UserStore) SetOnline(ctx context.Context, id string, online bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET is_online = $1, updated_at = NOW() WHERE id = $2`, online, id)
	if err != nil {
		return classify(err, "set online")
	}
	if tag.RowsAffected() == 0 {
		return models.Errorf(models.CodeUserNotFound, "user %s not found", id)
	}
	return nil
}

func (s *UserStore) SetPresence(ctx context.Context, id string, online, available bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE users SET is_online = $1, is_available = $2, updated_at = NOW()
		WHERE id = $3
	`, online, available, id)
	if err != nil {
		return classify(err, "set presence")
	}
	if tag.RowsAffected() == 0 {
		return models.Errorf(models.CodeUserNotFound, "user %s not found", id)
	}
	return nil
}

func (s *UserStore) ListAvailablePayees(ctx context.Context) ([]models.PayeeSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, avatar_url, is_online, is_available
		FROM users
		WHERE role = 'payee' AND is_available AND NOT is_banned
		ORDER BY id
	`)
	if err != nil {
		return nil, classify(err, "list available payees")
	}
	defer rows.Close()

	list := make([]models.PayeeSummary, 0)
	for rows.Next() {
		var p models.PayeeSummary
		if err := rows.Scan(&p.ID, &p.Name, &p.AvatarURL, &p.Online, &p.Available); err != nil {
			return nil, classify(err, "scan payee")
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "iterate payees")
	}
	return list, nil
}

func (s *UserStore) AdjustBalance(ctx context.Context, id string, delta int64) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx, `
		UPDATE users SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2 AND balance + $1 >= 0
		RETURNING balance
	`, delta, id).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		u, findErr := s.FindByID(ctx, id)
		if findErr != nil {
			return 0, findErr
		}
		return u.Balance, models.Errorf(models.CodeInsufficientFunds, "balance %d cannot cover %d", u.Balance, -delta)
	}
	if err != nil {
		return 0, classify(err, "adjust balance")
	}
	return balance, nil
}

func (s *UserStore) Transfer(ctx context.Context, fromID, toID string, amount int64) (int64, int64, error) {
	var fromBal, toBal int64
	err := s.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		// Lock both rows in a stable order so opposite transfers cannot deadlock.
		rows, err := tx.Query(ctx, `SELECT id, balance FROM users WHERE id = ANY($1) ORDER BY id FOR UPDATE`, []string{fromID, toID})
		if err != nil {
			return err
		}
		balances := make(map[string]int64, 2)
		for rows.Next() {
			var id string
			var bal int64
			if err := rows.Scan(&id, &bal); err != nil {
				rows.Close()
				return err
			}
			balances[id] = bal
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range []string{fromID, toID} {
			if _, ok := balances[id]; !ok {
				return models.Errorf(models.CodeUserNotFound, "user %s not found", id)
			}
		}
		if balances[fromID] < amount {
			return models.Errorf(models.CodeInsufficientFunds, "balance %d cannot cover %d", balances[fromID], amount)
		}

		if err := tx.QueryRow(ctx, `
			UPDATE users SET balance = balance - $1, updated_at = NOW() WHERE id = $2 RETURNING balance
		`, amount, fromID).Scan(&fromBal); err != nil {
			return err
		}
		return tx.QueryRow(ctx, `
			UPDATE users SET balance = balance + $1, updated_at = NOW() WHERE id = $2 RETURNING balance
		`, amount, toID).Scan(&toBal)
	})
	if err != nil {
		return 0, 0, classify(err, "transfer")
	}
	return fromBal, toBal, nil
}

// SessionStore implements store.SessionStore
type SessionStore struct {
	db *database.DB
}

func NewSessionStore(db *database.DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionColumns = `id, payer_id, payee_id, state, start_time, end_time, duration_seconds, billed_coins, end_reason`

func scanSession(row pgx.Row) (*models.CallSession, error) {
	var cs models.CallSession
	var state, reason string
	if err := row.Scan(&cs.ID, &cs.PayerID, &cs.PayeeID, &state, &cs.StartTime, &cs.EndTime,
		&cs.DurationSeconds, &cs.BilledCoins, &reason); err != nil {
		return nil, err
	}
	cs.State = models.SessionState(state)
	cs.EndReason = models.EndReason(reason)
	return &cs, nil
}

func (s *SessionStore) Create(ctx context.Context, cs *models.CallSession) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO call_sessions (id, payer_id, payee_id, state, start_time, duration_seconds, billed_coins)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, cs.ID, cs.PayerID, cs.PayeeID, string(cs.State), cs.StartTime, cs.DurationSeconds, cs.BilledCoins)
	return classify(err, "create session")
}

func (s *SessionStore) UpdateAccumulators(ctx context.Context, id string, durationSeconds, billedCoins int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE call_sessions SET duration_seconds = $1, billed_coins = $2
		WHERE id = $3 AND state = 'ACTIVE'
	`, durationSeconds, billedCoins, id)
	return classify(err, "update accumulators")
}

func (s *SessionStore) MarkEnded(ctx context.Context, id string, endTime time.Time, reason models.EndReason, durationSeconds, billedCoins int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE call_sessions
		SET state = 'ENDED', end_time = $1, end_reason = $2, duration_seconds = $3, billed_coins = $4
		WHERE id = $5 AND state = 'ACTIVE'
	`, endTime, string(reason), durationSeconds, billedCoins, id)
	return classify(err, "mark ended")
}

func (s *SessionStore) FindByID(ctx context.Context, id string) (*models.CallSession, error) {
	cs, err := scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.Errorf(models.CodeSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, classify(err, "find session")
	}
	return cs, nil
}

func (s *SessionStore) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.CallSession, int, error) {
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM call_sessions WHERE payer_id = $1 OR payee_id = $1
	`, userID).Scan(&total); err != nil {
		return nil, 0, classify(err, "count sessions")
	}

	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+` FROM call_sessions
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, classify(err, "list sessions")
	}
	defer rows.Close()

	list := make([]*models.CallSession, 0)
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, 0, classify(err, "scan session")
		}
		list = append(list, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, classify(err, "iterate sessions")
	}
	return list, total, nil
}

func (s *SessionStore) StatsByUser(ctx context.Context, userID string) (models.CallStats, error) {
	var st models.CallStats
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(duration_seconds), 0), COALESCE(SUM(billed_coins), 0)
		FROM call_sessions
		WHERE state = 'ENDED' AND (payer_id = $1 OR payee_id = $1)
	`, userID).Scan(&st.TotalCalls, &st.TotalDurationSeconds, &st.TotalCoins)
	if err != nil {
		return st, classify(err, "session stats")
	}
	return st, nil
}
