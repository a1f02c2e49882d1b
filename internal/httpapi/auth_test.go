package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func (s *userStoreStub) SetUserActive(_ context.Context, username string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Active = active
	s.users[username] = user
	return nil
}

// shiftGuardStub reports the shifts in open as active.
type shiftGuardStub struct {
	open map[string]string
}

func (g shiftGuardStub) ActiveShift(_ context.Context, cashierID string) (*domain.CashShift, error) {
	id, ok := g.open[cashierID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &domain.CashShift{ID: id, CashierID: cashierID, Status: domain.ShiftOpen}, nil
}

func (g shiftGuardStub) WhileOffShift(ctx context.Context, cashierID string, fn func(ctx context.Context) error) error {
	if _, ok := g.open[cashierID]; ok {
		return domain.ErrCashierOnShift
	}
	return fn(ctx)
}

func plainAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	users := plainAdminStore()
	manager := NewAuthManager("test-secret", time.Hour, "739154", users)

	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.NoError(t, err)

	stored, err := users.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.NotEqual(t, "admin123", stored[0].Password)
	require.True(t, strings.HasPrefix(stored[0].Password, "$2"))
	require.Positive(t, users.updates)
}

func TestTokenRoundTripCarriesRole(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "739154", plainAdminStore())

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "ADMIN ", Password: "admin123"})
	require.NoError(t, err)
	require.Equal(t, domain.RoleAdmin, resp.Role)

	actor, err := manager.ParseToken(resp.AccessToken)
	require.NoError(t, err)
	require.Equal(t, domain.Actor{Username: "admin", Role: domain.RoleAdmin}, actor)

	other := NewAuthManager("another-secret", time.Hour, "739154", plainAdminStore())
	_, err = other.ParseToken(resp.AccessToken)
	require.Error(t, err)
}

func TestExpiredTokenRejected(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "739154", nil)
	token, err := manager.sign("admin", domain.RoleAdmin, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	_, err = manager.ParseToken(token)
	require.Error(t, err)
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	users := plainAdminStore()
	user := users.users["admin"]
	user.Active = false
	users.users["admin"] = user

	manager := NewAuthManager("test-secret", time.Hour, "739154", users)
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	require.ErrorIs(t, err, errInactiveAccount)
}

func TestCreateCashierStoresPasswordHash(t *testing.T) {
	users := plainAdminStore()
	manager := NewAuthManager("test-secret", time.Hour, "739154", users)
	ctx := context.Background()

	cashier, err := manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "kasirbaru", Password: "pass1234"})
	require.NoError(t, err)
	require.Equal(t, "kasirbaru", cashier.Username)

	saved, ok := users.users["kasirbaru"]
	require.True(t, ok)
	require.NotEqual(t, "pass1234", saved.Password)
	require.True(t, strings.HasPrefix(saved.Password, "$2"))

	_, err = manager.Login(ctx, domain.LoginRequest{Username: "kasirbaru", Password: "pass1234"})
	require.NoError(t, err)

	_, err = manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "KasirBaru", Password: "pass1234"})
	require.ErrorIs(t, err, store.ErrAlreadyExists)
	_, err = manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: "kasir baru", Password: "pass1234"})
	require.ErrorIs(t, err, domain.ErrInvalidReference)

	cashiers := manager.ListCashiers(ctx)
	require.Len(t, cashiers, 1)
	require.Equal(t, "kasirbaru", cashiers[0].Username)
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321", &userStoreStub{users: map[string]domain.UserAccount{}})

	require.NotEqual(t, "654321", manager.pinHash)
	require.True(t, manager.ValidateManagerPIN("654321"))
	require.False(t, manager.ValidateManagerPIN("111111"))
	require.False(t, manager.ValidateManagerPIN(""))
}

func TestEmptyManagerPINMatchesNothing(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "  ", nil)
	require.Empty(t, manager.pinHash)
	require.False(t, manager.ValidateManagerPIN("disabled"))
}

func TestCashierShiftTiesIntoAccounts(t *testing.T) {
	ctx := context.Background()
	users := plainAdminStore()
	guard := shiftGuardStub{open: map[string]string{"kasirpagi": "shift-pagi"}}
	manager := NewAuthManager("test-secret", time.Hour, "739154", users, WithShiftGuard(guard))

	for _, name := range []string{"kasirpagi", "kasirsore"} {
		_, err := manager.CreateCashier(ctx, domain.CashierCreateRequest{Username: name, Password: "pass1234"})
		require.NoError(t, err)
	}

	resp, err := manager.Login(ctx, domain.LoginRequest{Username: "kasirpagi", Password: "pass1234"})
	require.NoError(t, err)
	require.Equal(t, "shift-pagi", resp.ActiveShiftID)

	_, err = manager.SetCashierActive(ctx, "kasirpagi", false)
	require.ErrorIs(t, err, domain.ErrCashierOnShift)
	require.True(t, users.users["kasirpagi"].Active)
	_, err = manager.ParseToken(resp.AccessToken)
	require.NoError(t, err)

	evening, err := manager.Login(ctx, domain.LoginRequest{Username: "kasirsore", Password: "pass1234"})
	require.NoError(t, err)
	require.Empty(t, evening.ActiveShiftID)

	cashier, err := manager.SetCashierActive(ctx, "kasirsore", false)
	require.NoError(t, err)
	require.False(t, cashier.Active)
	require.False(t, users.users["kasirsore"].Active)

	_, err = manager.ParseToken(evening.AccessToken)
	require.ErrorIs(t, err, errInactiveAccount)
	_, err = manager.Login(ctx, domain.LoginRequest{Username: "kasirsore", Password: "pass1234"})
	require.ErrorIs(t, err, errInactiveAccount)

	_, err = manager.SetCashierActive(ctx, "kasirsore", true)
	require.NoError(t, err)
	_, err = manager.ParseToken(evening.AccessToken)
	require.NoError(t, err)

	_, err = manager.SetCashierActive(ctx, "admin", false)
	require.ErrorIs(t, err, store.ErrNotFound)
}
