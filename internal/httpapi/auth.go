package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
)

// UserStore persists login accounts. Passwords are stored as bcrypt hashes.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
	SetUserActive(ctx context.Context, username string, active bool) error
}

// ShiftGuard ties cashier accounts to the cash shifts they hold.
type ShiftGuard interface {
	ActiveShift(ctx context.Context, cashierID string) (*domain.CashShift, error)
	WhileOffShift(ctx context.Context, cashierID string, fn func(ctx context.Context) error) error
}

type AuthOption func(*AuthManager)

func WithShiftGuard(g ShiftGuard) AuthOption {
	return func(a *AuthManager) { a.shifts = g }
}

type account struct {
	hash      string
	role      string
	active    bool
	createdAt time.Time
}

// AuthManager issues and checks access tokens. Accounts are cached from the
// user store and refreshed on login and admin reads, so accounts created by
// another process show up without a restart.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	pinHash  string
	users    UserStore
	shifts   ShiftGuard

	mu       sync.RWMutex
	accounts map[string]account
}

type ledgerClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, users UserStore, opts ...AuthOption) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	a := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		accounts: make(map[string]account),
	}
	// An empty PIN leaves pinHash empty, which no PIN ever matches.
	if pin := strings.TrimSpace(managerPIN); pin != "" {
		if hashed, err := hashPassword(pin); err == nil {
			a.pinHash = hashed
		}
	}
	for _, opt := range opts {
		opt(a)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.refresh(ctx)
	return a
}

// Login checks credentials and returns a signed token. A cashier that already
// holds a shift gets its id back so the till can resume it.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.refresh(ctx)
	username := normalizeUsername(req.Username)
	acct, ok := a.lookup(username)
	if !ok || !verifyPassword(acct.hash, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !acct.active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, acct.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	resp := domain.LoginResponse{
		AccessToken: token,
		Role:        acct.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}
	if acct.role == domain.RoleCashier && a.shifts != nil {
		if sh, err := a.shifts.ActiveShift(ctx, username); err == nil {
			resp.ActiveShiftID = sh.ID
		}
	}
	return resp, nil
}

// ParseToken verifies the signature and expiry. Tokens of accounts that were
// deactivated after issue stop working at once.
func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &ledgerClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	if acct, ok := a.lookup(sub); ok && !acct.active {
		return domain.Actor{}, errInactiveAccount
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := ledgerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "kasirledger",
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// ValidateManagerPIN checks the override PIN a cashier presents in place of
// an admin.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	pin = strings.TrimSpace(pin)
	if pin == "" || a.pinHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(a.pinHash), []byte(pin)) == nil
}

func (a *AuthManager) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (domain.CashierUser, error) {
	a.refresh(ctx)
	username := normalizeUsername(req.Username)
	switch {
	case len(username) < 4:
		return domain.CashierUser{}, fmt.Errorf("username must be at least 4 characters: %w", domain.ErrInvalidReference)
	case strings.ContainsAny(username, " \t\r\n"):
		return domain.CashierUser{}, fmt.Errorf("username must not contain spaces: %w", domain.ErrInvalidReference)
	case len(req.Password) < 6:
		return domain.CashierUser{}, fmt.Errorf("password must be at least 6 characters: %w", domain.ErrInvalidReference)
	}
	if _, exists := a.lookup(username); exists {
		return domain.CashierUser{}, fmt.Errorf("cashier %s: %w", username, store.ErrAlreadyExists)
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.CashierUser{}, fmt.Errorf("hash password: %w", err)
	}
	acct := account{hash: hash, role: domain.RoleCashier, active: true, createdAt: time.Now().UTC()}
	if a.users != nil {
		if err := a.users.CreateUser(ctx, domain.UserAccount{
			Username:  username,
			Password:  acct.hash,
			Role:      acct.role,
			Active:    acct.active,
			CreatedAt: acct.createdAt,
		}); err != nil {
			return domain.CashierUser{}, err
		}
	}
	a.mu.Lock()
	a.accounts[username] = acct
	a.mu.Unlock()
	return acct.cashier(username), nil
}

// SetCashierActive enables or disables a cashier account. A cashier cannot be
// disabled while they hold an open or pending shift; the shift has to be
// closed first so its cash is reconciled.
func (a *AuthManager) SetCashierActive(ctx context.Context, username string, active bool) (domain.CashierUser, error) {
	a.refresh(ctx)
	username = normalizeUsername(username)
	acct, ok := a.lookup(username)
	if !ok || acct.role != domain.RoleCashier {
		return domain.CashierUser{}, fmt.Errorf("cashier %s: %w", username, store.ErrNotFound)
	}

	write := func(ctx context.Context) error {
		if a.users != nil {
			if err := a.users.SetUserActive(ctx, username, active); err != nil {
				return err
			}
		}
		a.mu.Lock()
		acct = a.accounts[username]
		acct.active = active
		a.accounts[username] = acct
		a.mu.Unlock()
		return nil
	}
	var err error
	if !active && a.shifts != nil {
		err = a.shifts.WhileOffShift(ctx, username, write)
	} else {
		err = write(ctx)
	}
	if err != nil {
		return domain.CashierUser{}, err
	}
	return acct.cashier(username), nil
}

func (a *AuthManager) ListCashiers(ctx context.Context) []domain.CashierUser {
	a.refresh(ctx)
	a.mu.RLock()
	out := make([]domain.CashierUser, 0, len(a.accounts))
	for username, acct := range a.accounts {
		if acct.role == domain.RoleCashier {
			out = append(out, acct.cashier(username))
		}
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (a *AuthManager) lookup(username string) (account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acct, ok := a.accounts[username]
	return acct, ok
}

// refresh reloads accounts from the user store. A plain-text password found
// there is hashed and written back.
func (a *AuthManager) refresh(ctx context.Context) {
	if a.users == nil {
		return
	}
	users, err := a.users.ListUsers(ctx)
	if err != nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, user := range users {
		username := normalizeUsername(user.Username)
		if username == "" {
			continue
		}
		hash := user.Password
		if !isPasswordHash(hash) {
			upgraded, err := hashPassword(hash)
			if err != nil {
				continue
			}
			hash = upgraded
			_ = a.users.UpdateUserPassword(ctx, username, hash)
		}
		a.accounts[username] = account{hash: hash, role: user.Role, active: user.Active, createdAt: user.CreatedAt}
	}
}

func (acct account) cashier(username string) domain.CashierUser {
	return domain.CashierUser{Username: username, Role: acct.role, Active: acct.active, CreatedAt: acct.createdAt}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func verifyPassword(hash string, input string) bool {
	if strings.TrimSpace(input) == "" || !isPasswordHash(hash) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func isPasswordHash(value string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
