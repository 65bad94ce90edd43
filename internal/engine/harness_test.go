package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paidcall/internal/billing"
	"paidcall/internal/models"
	"paidcall/internal/presence"
	"paidcall/internal/registrar"
	"paidcall/internal/store"
	"paidcall/internal/store/memory"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

const (
	testInterval = 60 * time.Second
	testCost     = int64(40)
	testTimeout  = 30 * time.Second
)

type sent struct {
	event   string
	payload any
}

type fakeConn struct {
	id   string
	mu   sync.Mutex
	out  []sent
	fail bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	c.out = append(c.out, sent{event, payload})
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) setFail(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = v
}

func (c *fakeConn) events(name string) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res []any
	for _, s := range c.out {
		if s.event == name {
			res = append(res, s.payload)
		}
	}
	return res
}

func (c *fakeConn) count(name string) int { return len(c.events(name)) }

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *clock.Mock
	store *memory.Store
	reg   *presence.Registry
	cc    *CallControl
	pub   *recordingPublisher
	conns map[string]*fakeConn
}

// newHarness seeds two payers, an available payee and an unavailable one.
func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets a test wrap the session store CallControl persists to.
func newHarnessWith(t *testing.T, wrap func(store.SessionStore) store.SessionStore) *harness {
	t.Helper()
	st := memory.New()
	st.SaveUser(models.User{ID: "payerA", Name: "Ana", Role: models.RolePayer, Balance: 40})
	st.SaveUser(models.User{ID: "payerB", Name: "Ben", Role: models.RolePayer, Balance: 1000})
	st.SaveUser(models.User{ID: "payeeX", Name: "Xia", Role: models.RolePayee})
	st.SaveUser(models.User{ID: "payeeY", Name: "Yul", Role: models.RolePayee})

	mc := clock.NewMock()
	pub := &recordingPublisher{}
	reg := presence.NewRegistry(st, registrar.NewMemoryRegistrar("test"))
	ticker := billing.NewTicker(mc, st, st.Sessions(), reg, pub, billing.Config{
		Interval:    testInterval,
		CostPerTick: testCost,
	})
	var sessions store.SessionStore = st.Sessions()
	if wrap != nil {
		sessions = wrap(sessions)
	}
	cc := NewCallControl(mc, st, sessions, reg, ticker, pub, Config{InviteTimeout: testTimeout})

	h := &harness{
		t:     t,
		ctx:   context.Background(),
		clock: mc,
		store: st,
		reg:   reg,
		cc:    cc,
		pub:   pub,
		conns: make(map[string]*fakeConn),
	}
	h.join("payerA")
	h.join("payerB")
	h.join("payeeX")
	h.join("payeeY")
	require.NoError(t, reg.SetAvailability(h.ctx, "payeeX", true))
	return h
}

func (h *harness) join(userID string) *fakeConn {
	h.t.Helper()
	c := &fakeConn{id: userID + "-conn"}
	_, err := h.reg.Register(h.ctx, userID, c)
	require.NoError(h.t, err)
	h.conns[userID] = c
	return c
}

func (h *harness) leave(userID string) {
	h.reg.Unregister(h.ctx, h.conns[userID])
}

func (h *harness) balance(userID string) int64 {
	u, err := h.store.FindByID(h.ctx, userID)
	require.NoError(h.t, err)
	return u.Balance
}

// connect runs Initiate and Answer between payer and payeeX.
func (h *harness) connect(payerID string) *models.CallSession {
	h.t.Helper()
	inv, err := h.cc.Initiate(h.ctx, payerID, "payeeX")
	require.NoError(h.t, err)
	s, err := h.cc.Answer(h.ctx, "payeeX", inv.ID)
	require.NoError(h.t, err)
	return s
}
