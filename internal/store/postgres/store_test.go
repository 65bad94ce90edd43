//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"paidcall/internal/database"
	"paidcall/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupTestDatabase(t *testing.T) *database.DB {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("paidcall_test"),
		tcpostgres.WithUsername("test_user"),
		tcpostgres.WithPassword("test_password"),
		tcpostgres.BasicWaitStrategies(),
		testcontainers.WithLabels(map[string]string{"test": "paidcall-store", "test-name": t.Name()}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate test container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, database.MigrateUp(connStr))

	db, err := database.NewConnection(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestUserStore_TransferAndFloor(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	users := NewUserStore(db)

	require.NoError(t, users.CreateUser(ctx, models.User{ID: "payer", Role: models.RolePayer, Balance: 80}))
	require.NoError(t, users.CreateUser(ctx, models.User{ID: "payee", Role: models.RolePayee, Available: true}))

	from, to, err := users.Transfer(ctx, "payer", "payee", 40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), from)
	assert.Equal(t, int64(40), to)

	_, _, err = users.Transfer(ctx, "payer", "payee", 41)
	assert.True(t, errors.Is(err, models.ErrInsufficientFunds))

	_, _, err = users.Transfer(ctx, "payer", "ghost", 1)
	assert.True(t, errors.Is(err, models.ErrUserNotFound))

	_, err = users.AdjustBalance(ctx, "payer", -41)
	assert.True(t, errors.Is(err, models.ErrInsufficientFunds))

	bal, err := users.AdjustBalance(ctx, "payer", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(50), bal)
}

func TestUserStore_ConcurrentTransfersConserve(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	users := NewUserStore(db)

	require.NoError(t, users.CreateUser(ctx, models.User{ID: "a", Role: models.RolePayer, Balance: 500}))
	require.NoError(t, users.CreateUser(ctx, models.User{ID: "b", Role: models.RolePayee}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = users.Transfer(ctx, "a", "b", 40)
		}()
	}
	wg.Wait()

	a, err := users.FindByID(ctx, "a")
	require.NoError(t, err)
	b, err := users.FindByID(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(500), a.Balance+b.Balance)
	assert.Equal(t, int64(20), a.Balance)
}

func TestUserStore_PresenceAndListing(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	users := NewUserStore(db)

	require.NoError(t, users.CreateUser(ctx, models.User{ID: "p1", Role: models.RolePayee, Name: "Asha"}))
	require.NoError(t, users.CreateUser(ctx, models.User{ID: "p2", Role: models.RolePayee, Available: true, Banned: true}))

	require.NoError(t, users.SetPresence(ctx, "p1", true, true))
	require.NoError(t, users.SetOnline(ctx, "p1", false))

	list, err := users.ListAvailablePayees(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Asha", list[0].Name)
	assert.False(t, list[0].Online)

	err = users.SetOnline(ctx, "ghost", true)
	assert.True(t, errors.Is(err, models.ErrUserNotFound))
}

func TestSessionStore_Lifecycle(t *testing.T) {
	db := setupTestDatabase(t)
	ctx := context.Background()
	users := NewUserStore(db)
	sessions := NewSessionStore(db)

	require.NoError(t, users.CreateUser(ctx, models.User{ID: "payer", Role: models.RolePayer}))
	require.NoError(t, users.CreateUser(ctx, models.User{ID: "payee", Role: models.RolePayee}))

	start := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, sessions.Create(ctx, &models.CallSession{
		ID: "s1", PayerID: "payer", PayeeID: "payee", State: models.StateActive, StartTime: start,
	}))
	require.NoError(t, sessions.UpdateAccumulators(ctx, "s1", 60, 40))
	require.NoError(t, sessions.MarkEnded(ctx, "s1", start.Add(time.Minute), models.ReasonInsufficientFunds, 60, 40))
	require.NoError(t, sessions.MarkEnded(ctx, "s1", start.Add(time.Hour), models.ReasonUserEnded, 0, 0))

	got, err := sessions.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StateEnded, got.State)
	assert.Equal(t, models.ReasonInsufficientFunds, got.EndReason)
	assert.Equal(t, int64(40), got.BilledCoins)
	require.NotNil(t, got.EndTime)

	list, total, err := sessions.ListByUser(ctx, "payee", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)

	st, err := sessions.StatsByUser(ctx, "payer")
	require.NoError(t, err)
	assert.Equal(t, models.CallStats{TotalCalls: 1, TotalDurationSeconds: 60, TotalCoins: 40}, st)

	_, err = sessions.FindByID(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrSessionNotFound))
}
