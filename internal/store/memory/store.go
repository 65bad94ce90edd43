// Package memory is an in-process implementation of the store ports. A
// single mutex serializes every balance change, which makes Transfer
// atomic with respect to concurrent top-ups and ticks.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"paidcall/internal/models"
	"paidcall/internal/store"
)

var (
	_ store.UserStore    = (*Store)(nil)
	_ store.SessionStore = (*Sessions)(nil)
)

type Store struct {
	mu       sync.RWMutex
	users    map[string]*models.User
	sessions map[string]*models.CallSession
}

func New() *Store {
	return &Store{
		users:    make(map[string]*models.User),
		sessions: make(map[string]*models.CallSession),
	}
}

// SaveUser inserts or replaces a user record.
func (s *Store) SaveUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	s.users[u.ID] = &cp
}

// SetBalance overwrites a balance; used for seeding.
func (s *Store) SetBalance(id string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.Balance = amount
	}
}

func (s *Store) FindByID(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, models.Errorf(models.CodeUserNotFound, "user %s not found", id)
	}
	cp := *u
	return &cp, nil
}

func (s *Store) SetOnline(_ context.Context, id string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.Errorf(models.CodeUserNotFound, "user %s not found", id)
	}
	u.Online = online
	return nil
}

func (s *Store) SetPresence(_ context.Context, id string, online, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return models.Errorf(models.CodeUserNotFound, "user %s not found", id)
	}
	u.Online = online
	u.Available = available
	return nil
}

func (s *Store) ListAvailablePayees(_ context.Context) ([]models.PayeeSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]models.PayeeSummary, 0)
	for _, u := range s.users {
		if u.Role == models.RolePayee && u.Available && !u.Banned {
			list = append(list, u.Summary())
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list, nil
}

func (s *Store) AdjustBalance(_ context.Context, id string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return 0, models.Errorf(models.CodeUserNotFound, "user %s not found", id)
	}
	if u.Balance+delta < 0 {
		return u.Balance, models.Errorf(models.CodeInsufficientFunds, "balance %d cannot cover %d", u.Balance, -delta)
	}
	u.Balance += delta
	return u.Balance, nil
}

func (s *Store) Transfer(_ context.Context, fromID, toID string, amount int64) (int64, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, ok := s.users[fromID]
	if !ok {
		return 0, 0, models.Errorf(models.CodeUserNotFound, "user %s not found", fromID)
	}
	to, ok := s.users[toID]
	if !ok {
		return 0, 0, models.Errorf(models.CodeUserNotFound, "user %s not found", toID)
	}
	if from.Balance < amount {
		return from.Balance, to.Balance, models.Errorf(models.CodeInsufficientFunds, "balance %d cannot cover %d", from.Balance, amount)
	}
	from.Balance -= amount
	to.Balance += amount
	return from.Balance, to.Balance, nil
}

// Sessions is the SessionStore view over the same Store.
type Sessions struct {
	s *Store
}

// Sessions returns the session archive backed by this store.
func (s *Store) Sessions() *Sessions {
	return &Sessions{s: s}
}

func (r *Sessions) Create(_ context.Context, cs *models.CallSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *cs
	r.s.sessions[cs.ID] = &cp
	return nil
}

func (r *Sessions) UpdateAccumulators(_ context.Context, id string, durationSeconds, billedCoins int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cs, ok := r.s.sessions[id]
	if !ok {
		return models.Errorf(models.CodeSessionNotFound, "session %s not found", id)
	}
	if cs.State != models.StateActive {
		return nil
	}
	cs.DurationSeconds = durationSeconds
	cs.BilledCoins = billedCoins
	return nil
}

func (r *Sessions) MarkEnded(_ context.Context, id string, endTime time.Time, reason models.EndReason, durationSeconds, billedCoins int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cs, ok := r.s.sessions[id]
	if !ok {
		return models.Errorf(models.CodeSessionNotFound, "session %s not found", id)
	}
	if cs.State == models.StateEnded {
		return nil
	}
	end := endTime
	cs.State = models.StateEnded
	cs.EndTime = &end
	cs.EndReason = reason
	cs.DurationSeconds = durationSeconds
	cs.BilledCoins = billedCoins
	return nil
}

func (r *Sessions) FindByID(_ context.Context, id string) (*models.CallSession, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	cs, ok := r.s.sessions[id]
	if !ok {
		return nil, models.Errorf(models.CodeSessionNotFound, "session %s not found", id)
	}
	cp := *cs
	return &cp, nil
}

func (r *Sessions) ListByUser(_ context.Context, userID string, limit, offset int) ([]*models.CallSession, int, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var all []*models.CallSession
	for _, cs := range r.s.sessions {
		if cs.PayerID == userID || cs.PayeeID == userID {
			cp := *cs
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartTime.After(all[j].StartTime) })

	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*models.CallSession{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (r *Sessions) StatsByUser(_ context.Context, userID string) (models.CallStats, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var st models.CallStats
	for _, cs := range r.s.sessions {
		if cs.State != models.StateEnded || (cs.PayerID != userID && cs.PayeeID != userID) {
			continue
		}
		st.TotalCalls++
		st.TotalDurationSeconds += cs.DurationSeconds
		st.TotalCoins += cs.BilledCoins
	}
	return st, nil
}
