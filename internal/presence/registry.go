// Package presence tracks which connection each user is bound to and
// broadcasts the available-payee list when it changes.
package presence

import (
	"context"
	"fmt"
	"sync"

	"paidcall/internal/models"
	"paidcall/internal/registrar"
	"paidcall/internal/store"
	"paidcall/pkg/utils"

	"github.com/rs/zerolog/log"
)

// Conn is a live client connection. Send must be safe for concurrent use.
type Conn interface {
	ID() string
	Send(event string, payload any) error
	Close() error
}

// DisconnectFunc is invoked after a user's binding has been removed.
type DisconnectFunc func(ctx context.Context, userID string)

type Registry struct {
	mu     sync.RWMutex
	byUser map[string]Conn
	byConn map[string]string

	users store.UserStore
	dir   registrar.Directory
	hooks []DisconnectFunc
}

func NewRegistry(users store.UserStore, dir registrar.Directory) *Registry {
	return &Registry{
		byUser: make(map[string]Conn),
		byConn: make(map[string]string),
		users:  users,
		dir:    dir,
	}
}

// OnDisconnect registers fn to run on every effective Unregister.
// Not safe to call once connections are being served.
func (r *Registry) OnDisconnect(fn DisconnectFunc) {
	r.hooks = append(r.hooks, fn)
}

// Register binds conn to userID and marks the user online. A previous
// connection of the same user is superseded and returned so the caller
// can close it; its later Unregister is a no-op.
func (r *Registry) Register(ctx context.Context, userID string, conn Conn) (Conn, error) {
	u, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Banned {
		return nil, models.Errorf(models.CodeAuthenticationRequired, "user %s is banned", userID)
	}

	r.mu.Lock()
	if owner, ok := r.byConn[conn.ID()]; ok && owner != userID {
		r.mu.Unlock()
		return nil, models.Errorf(models.CodeInvalidRequest, "connection already joined as %s", owner)
	}
	prev := r.byUser[userID]
	if prev != nil && prev.ID() == conn.ID() {
		prev = nil
	}
	if prev != nil {
		delete(r.byConn, prev.ID())
	} else if _, ok := r.byUser[userID]; !ok {
		utils.Connections.Inc()
	}
	r.byUser[userID] = conn
	r.byConn[conn.ID()] = userID
	r.mu.Unlock()

	if err := r.users.SetOnline(ctx, userID, true); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to mark user online")
	}
	if err := r.dir.Bind(ctx, userID, conn.ID()); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("registrar bind failed")
	}

	log.Info().Str("user_id", userID).Str("conn_id", conn.ID()).Bool("superseded", prev != nil).Msg("user joined")

	if u.Role == models.RolePayee {
		r.BroadcastAvailable(ctx)
	}
	return prev, nil
}

// SetAvailability sets both the available and online flags of a payee to
// the given value and broadcasts the new list.
func (r *Registry) SetAvailability(ctx context.Context, userID string, available bool) error {
	u, err := r.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.Role != models.RolePayee {
		return models.Errorf(models.CodeInvalidRole, "only payees have availability")
	}
	if err := r.users.SetPresence(ctx, userID, available, available); err != nil {
		return models.Wrap(models.CodeStoreUnavailable, err, "set availability")
	}
	log.Info().Str("user_id", userID).Bool("available", available).Msg("availability changed")
	r.BroadcastAvailable(ctx)
	return nil
}

// Unregister removes the binding held by conn. It returns the user that
// was bound, or false if conn was never bound or has been superseded.
func (r *Registry) Unregister(ctx context.Context, conn Conn) (string, bool) {
	r.mu.Lock()
	userID, ok := r.byConn[conn.ID()]
	if ok {
		delete(r.byConn, conn.ID())
		if cur := r.byUser[userID]; cur != nil && cur.ID() == conn.ID() {
			delete(r.byUser, userID)
		}
	}
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	utils.Connections.Dec()

	if err := r.dir.Release(ctx, userID, conn.ID()); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("registrar release failed")
	}
	// a newer connection for the same user owns the presence flags now
	if r.Bound(userID) {
		log.Debug().Str("user_id", userID).Msg("user reconnected, keeping presence")
	} else if err := r.users.SetPresence(ctx, userID, false, false); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("failed to mark user offline")
	}
	log.Info().Str("user_id", userID).Str("conn_id", conn.ID()).Msg("user left")

	for _, fn := range r.hooks {
		fn(ctx, userID)
	}
	r.BroadcastAvailable(ctx)
	return userID, true
}

// Touch refreshes the directory entry of a bound connection.
func (r *Registry) Touch(ctx context.Context, conn Conn) {
	userID, ok := r.UserOf(conn.ID())
	if !ok {
		return
	}
	if err := r.dir.Bind(ctx, userID, conn.ID()); err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("registrar refresh failed")
	}
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byUser[userID]
	return c, ok
}

func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.byConn[connID]
	return u, ok
}

func (r *Registry) Bound(userID string) bool {
	_, ok := r.Lookup(userID)
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Owner reports where a user is connected according to the directory.
func (r *Registry) Owner(ctx context.Context, userID string) (string, error) {
	return r.dir.Owner(ctx, userID)
}

// Send pushes an event to the user's bound connection.
func (r *Registry) Send(userID, event string, payload any) error {
	c, ok := r.Lookup(userID)
	if !ok {
		return models.Errorf(models.CodePeerDisconnected, "user %s is not connected", userID)
	}
	if err := c.Send(event, payload); err != nil {
		return models.Wrap(models.CodePeerDisconnected, err, fmt.Sprintf("send %s to %s", event, userID))
	}
	return nil
}

func (r *Registry) ListAvailablePayees(ctx context.Context) ([]models.PayeeSummary, error) {
	return r.users.ListAvailablePayees(ctx)
}

// BroadcastAvailable sends the current available-payee list to every bound connection.
func (r *Registry) BroadcastAvailable(ctx context.Context) {
	payees, err := r.users.ListAvailablePayees(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list available payees")
		return
	}
	if payees == nil {
		payees = []models.PayeeSummary{}
	}

	r.mu.RLock()
	conns := make([]Conn, 0, len(r.byUser))
	for _, c := range r.byUser {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	payload := models.AvailableListPayload{Payees: payees}
	for _, c := range conns {
		if err := c.Send(models.EventAvailableUpdated, payload); err != nil {
			log.Debug().Err(err).Str("conn_id", c.ID()).Msg("broadcast send failed")
		}
	}
}
