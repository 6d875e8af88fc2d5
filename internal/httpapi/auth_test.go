package httpapi

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"ledgerpos/backend/internal/domain"
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

func ownerStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"owner": {
				ID:        "owner-9",
				Username:  "owner",
				Password:  "owner123",
				Role:      domain.RoleOwner,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := ownerStore()

	manager := NewAuthManager("test-secret", time.Hour, store, nil)
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "owner", Password: "owner123"}); err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
	if store.updates == 0 {
		t.Fatalf("expected the upgraded hash to be written back")
	}
}

func TestTokenCarriesRoleAndOwner(t *testing.T) {
	store := ownerStore()
	store.users["till"] = domain.UserAccount{
		ID:       "cashier-9",
		Username: "till",
		Password: mustHashPassword(t, "till-pass"),
		Role:     domain.RoleCashier,
		OwnerID:  "owner-9",
		Active:   true,
	}
	manager := NewAuthManager("test-secret", time.Hour, store, nil)

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "Till", Password: "till-pass"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.OwnerID != "owner-9" {
		t.Fatalf("expected owner-9 in login response, got %q", resp.OwnerID)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.UserID != "cashier-9" || actor.Role != domain.RoleCashier || actor.EffectiveOwnerID() != "owner-9" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestParseTokenRejectsForeignAndExpiredTokens(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, nil, nil)
	other := NewAuthManager("another-secret", time.Hour, nil, nil)
	actor := domain.Actor{UserID: "owner-9", Username: "owner", Role: domain.RoleOwner}

	foreign, err := other.sign(actor, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(foreign); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	expired, err := manager.sign(actor, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(expired); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}

	none := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, ledgerClaims{UserID: "owner-9", Role: domain.RoleOwner})
	unsigned, err := none.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := manager.ParseToken(unsigned); err == nil {
		t.Fatalf("expected unsigned token to be rejected")
	}
}

func TestCashierTokenWithoutOwnerIsRejected(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, nil, nil)
	token, err := manager.sign(domain.Actor{UserID: "c-1", Username: "loose", Role: domain.RoleCashier}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected cashier token without owner to be rejected")
	}
}

func TestCreateCashierStoresPasswordHash(t *testing.T) {
	store := ownerStore()
	manager := NewAuthManager("test-secret", time.Hour, store, nil)
	owner := domain.Actor{UserID: "owner-9", Username: "owner", Role: domain.RoleOwner}

	cashier, err := manager.CreateCashier(context.Background(), owner, CashierCreateRequest{
		Username: "KasirBaru",
		Password: "pass1234",
	})
	if err != nil {
		t.Fatalf("create cashier failed: %v", err)
	}
	if cashier.Username != "kasirbaru" || cashier.OwnerID != "owner-9" {
		t.Fatalf("unexpected cashier %+v", cashier)
	}

	found, ok := store.users["kasirbaru"]
	if !ok {
		t.Fatalf("expected cashier to be saved")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "kasirbaru", Password: "pass1234"}); err != nil {
		t.Fatalf("login with hashed cashier failed: %v", err)
	}
	if list := manager.ListCashiers(context.Background(), "owner-9"); len(list) != 1 {
		t.Fatalf("expected one cashier for owner-9, got %d", len(list))
	}
	if list := manager.ListCashiers(context.Background(), "owner-other"); len(list) != 0 {
		t.Fatalf("expected no cashiers for another owner, got %d", len(list))
	}

	if _, err := manager.CreateCashier(context.Background(), owner, CashierCreateRequest{Username: "kasirbaru", Password: "pass1234"}); err == nil {
		t.Fatalf("expected duplicate username to be rejected")
	}
	if _, err := manager.CreateCashier(context.Background(), owner, CashierCreateRequest{Username: "abc", Password: "pass1234"}); err == nil {
		t.Fatalf("expected short username to be rejected")
	}
}
