package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"paidcall/internal/events"
	"paidcall/internal/models"
	"paidcall/internal/store"
	"paidcall/internal/store/memory"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	interval = 60 * time.Second
	cost     = int64(40)
)

type pushed struct {
	userID string
	event  string
	data   any
}

type recorder struct {
	mu  sync.Mutex
	out []pushed
}

func (r *recorder) Send(userID, event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, pushed{userID, event, payload})
	return nil
}

func (r *recorder) balanceUpdates(userID string) []models.BalanceUpdatedPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []models.BalanceUpdatedPayload
	for _, p := range r.out {
		if p.userID == userID && p.event == models.EventBalanceUpdated {
			res = append(res, p.data.(models.BalanceUpdatedPayload))
		}
	}
	return res
}

// mockUsers is a testify mock of store.UserStore.
type mockUsers struct {
	mock.Mock
	transfers atomic.Int32
}

func (m *mockUsers) FindByID(ctx context.Context, id string) (*models.User, error) {
	args := m.Called(ctx, id)
	u, _ := args.Get(0).(*models.User)
	return u, args.Error(1)
}

func (m *mockUsers) SetOnline(ctx context.Context, id string, online bool) error {
	return m.Called(ctx, id, online).Error(0)
}

func (m *mockUsers) SetPresence(ctx context.Context, id string, online, available bool) error {
	return m.Called(ctx, id, online, available).Error(0)
}

func (m *mockUsers) ListAvailablePayees(ctx context.Context) ([]models.PayeeSummary, error) {
	args := m.Called(ctx)
	l, _ := args.Get(0).([]models.PayeeSummary)
	return l, args.Error(1)
}

func (m *mockUsers) AdjustBalance(ctx context.Context, id string, delta int64) (int64, error) {
	args := m.Called(ctx, id, delta)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockUsers) Transfer(ctx context.Context, fromID, toID string, amount int64) (int64, int64, error) {
	defer m.transfers.Add(1)
	args := m.Called(ctx, fromID, toID, amount)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

type ended struct {
	sessionID string
	reason    models.EndReason
}

func newSession(t *testing.T, sessions store.SessionStore) *models.CallSession {
	t.Helper()
	s := &models.CallSession{
		ID:        "s1",
		PayerID:   "payer1",
		PayeeID:   "payee1",
		State:     models.StateActive,
		StartTime: time.Now(),
	}
	require.NoError(t, sessions.Create(context.Background(), s))
	return s
}

func TestTab_InsolventOnSecondTick(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	st.SaveUser(models.User{ID: "payer1", Role: models.RolePayer, Balance: 40})
	st.SaveUser(models.User{ID: "payee1", Role: models.RolePayee})
	sessions := st.Sessions()
	rec := &recorder{}
	mc := clock.NewMock()

	tk := NewTicker(mc, st, sessions, rec, events.Nop{}, Config{Interval: interval, CostPerTick: cost})
	ends := make(chan ended, 4)
	tk.OnEnd(func(_ context.Context, id string, reason models.EndReason) {
		ends <- ended{id, reason}
	})

	tab := tk.Start(newSession(t, sessions))

	mc.Add(interval)
	assert.Eventually(t, func() bool { return tab.Totals().BilledCoins == cost }, time.Second, 5*time.Millisecond)

	payer, _ := st.FindByID(ctx, "payer1")
	payee, _ := st.FindByID(ctx, "payee1")
	assert.Equal(t, int64(0), payer.Balance)
	assert.Equal(t, int64(40), payee.Balance)

	rec1, err := sessions.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), rec1.BilledCoins)
	assert.Equal(t, int64(60), rec1.DurationSeconds)

	assert.Eventually(t, func() bool { return len(rec.balanceUpdates("payee1")) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, models.BalanceUpdatedPayload{Balance: 0, Delta: -40}, rec.balanceUpdates("payer1")[0])
	assert.Equal(t, models.BalanceUpdatedPayload{Balance: 40, Delta: 40}, rec.balanceUpdates("payee1")[0])

	mc.Add(interval)
	select {
	case e := <-ends:
		assert.Equal(t, ended{"s1", models.ReasonInsufficientFunds}, e)
	case <-time.After(time.Second):
		t.Fatal("session was not ended")
	}

	totals, first := tab.Close()
	assert.True(t, first)
	assert.Equal(t, Totals{DurationSeconds: 60, BilledCoins: 40}, totals)

	payer, _ = st.FindByID(ctx, "payer1")
	assert.Equal(t, int64(0), payer.Balance)
}

func TestTab_CloseIsIdempotentAndStopsTicks(t *testing.T) {
	st := memory.New()
	st.SaveUser(models.User{ID: "payer1", Role: models.RolePayer, Balance: 400})
	st.SaveUser(models.User{ID: "payee1", Role: models.RolePayee})
	sessions := st.Sessions()
	mc := clock.NewMock()
	tk := NewTicker(mc, st, sessions, &recorder{}, nil, Config{Interval: interval, CostPerTick: cost})

	tab := tk.Start(newSession(t, sessions))
	_, first := tab.Close()
	assert.True(t, first)
	_, first = tab.Close()
	assert.False(t, first)

	mc.Add(interval)
	mc.Add(interval)
	time.Sleep(20 * time.Millisecond)

	payer, _ := st.FindByID(context.Background(), "payer1")
	assert.Equal(t, int64(400), payer.Balance)
	assert.Zero(t, tab.Totals().BilledCoins)
}

func TestTab_TransientFailureRetriesNextInterval(t *testing.T) {
	users := &mockUsers{}
	users.On("FindByID", mock.Anything, "payer1").Return(&models.User{ID: "payer1", Role: models.RolePayer, Balance: 100}, nil)
	users.On("Transfer", mock.Anything, "payer1", "payee1", cost).
		Return(int64(0), int64(0), models.Wrap(models.CodeStoreUnavailable, errors.New("connection refused"), "transfer")).Once()
	users.On("Transfer", mock.Anything, "payer1", "payee1", cost).Return(int64(60), int64(40), nil)

	sessions := memory.New().Sessions()
	mc := clock.NewMock()
	tk := NewTicker(mc, users, sessions, &recorder{}, events.Nop{}, Config{Interval: interval, CostPerTick: cost})
	var endCalls atomic.Int32
	tk.OnEnd(func(context.Context, string, models.EndReason) { endCalls.Add(1) })

	tab := tk.Start(newSession(t, sessions))
	defer tab.Close()

	mc.Add(interval)
	assert.Eventually(t, func() bool { return users.transfers.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, tab.Totals().BilledCoins)

	mc.Add(interval)
	assert.Eventually(t, func() bool { return tab.Totals().BilledCoins == cost }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(60), tab.Totals().DurationSeconds)
	assert.Zero(t, endCalls.Load())
}

func TestTab_AmbiguousTransferEndsSession(t *testing.T) {
	users := &mockUsers{}
	users.On("FindByID", mock.Anything, "payer1").Return(&models.User{ID: "payer1", Role: models.RolePayer, Balance: 100}, nil)
	users.On("Transfer", mock.Anything, "payer1", "payee1", cost).Return(int64(0), int64(0), store.ErrOutcomeUnknown)

	sessions := memory.New().Sessions()
	mc := clock.NewMock()
	tk := NewTicker(mc, users, sessions, &recorder{}, events.Nop{}, Config{Interval: interval, CostPerTick: cost})
	ends := make(chan ended, 1)
	tk.OnEnd(func(_ context.Context, id string, reason models.EndReason) { ends <- ended{id, reason} })

	tab := tk.Start(newSession(t, sessions))
	defer tab.Close()

	mc.Add(interval)
	select {
	case e := <-ends:
		assert.Equal(t, models.ReasonStoreUnavailable, e.reason)
	case <-time.After(time.Second):
		t.Fatal("session was not ended")
	}
	assert.Zero(t, tab.Totals().BilledCoins)
	users.AssertNumberOfCalls(t, "Transfer", 1)
}

func TestTab_BalanceReadFailureKeepsSession(t *testing.T) {
	users := &mockUsers{}
	var reads atomic.Int32
	users.On("FindByID", mock.Anything, "payer1").
		Run(func(mock.Arguments) { reads.Add(1) }).
		Return(nil, models.ErrStoreUnavailable)

	sessions := memory.New().Sessions()
	mc := clock.NewMock()
	tk := NewTicker(mc, users, sessions, &recorder{}, events.Nop{}, Config{Interval: interval, CostPerTick: cost})
	var endCalls atomic.Int32
	tk.OnEnd(func(context.Context, string, models.EndReason) { endCalls.Add(1) })

	tab := tk.Start(newSession(t, sessions))
	defer tab.Close()

	mc.Add(interval)
	assert.Eventually(t, func() bool { return reads.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, endCalls.Load())
	users.AssertNotCalled(t, "Transfer", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
