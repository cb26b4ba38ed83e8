package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dukapos/internal/domain"
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

func legacyAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				ShopID:    "main-shop",
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestNewAuthManagerRequiresSecret(t *testing.T) {
	if _, err := NewAuthManager(context.Background(), "  ", time.Hour, nil); err == nil {
		t.Fatalf("expected empty secret to be rejected")
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := legacyAdminStore()

	manager, err := NewAuthManager(context.Background(), "test-secret", time.Hour, store)
	if err != nil {
		t.Fatalf("new auth manager: %v", err)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"}); err != nil {
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
}

func TestTokenCarriesRoleAndShop(t *testing.T) {
	manager, err := NewAuthManager(context.Background(), "test-secret", time.Hour, legacyAdminStore())
	if err != nil {
		t.Fatalf("new auth manager: %v", err)
	}
	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "Admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if resp.UserID != "admin" || resp.ShopID != "main-shop" {
		t.Fatalf("unexpected login response %+v", resp)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if actor.UserID != "admin" || actor.Role != domain.RoleAdmin || actor.ShopID != "main-shop" {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestParseTokenRejectsOtherSecret(t *testing.T) {
	issuer, _ := NewAuthManager(context.Background(), "secret-a", time.Hour, legacyAdminStore())
	verifier, _ := NewAuthManager(context.Background(), "secret-b", time.Hour, nil)

	resp, err := issuer.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestCreateUserStoresPasswordHash(t *testing.T) {
	store := legacyAdminStore()
	manager, err := NewAuthManager(context.Background(), "test-secret", time.Hour, store)
	if err != nil {
		t.Fatalf("new auth manager: %v", err)
	}

	user, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username: "wanjiru",
		Password: "pass1234",
		Role:     domain.RoleCashier,
		ShopID:   "main-shop",
	})
	if err != nil {
		t.Fatalf("create user failed: %v", err)
	}
	if user.Username != "wanjiru" || user.Role != domain.RoleCashier {
		t.Fatalf("unexpected user %+v", user)
	}

	saved := store.users["wanjiru"]
	if saved.Password == "pass1234" || !strings.HasPrefix(saved.Password, "$2") {
		t.Fatalf("expected hashed password, got %s", saved.Password)
	}

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "wanjiru", Password: "pass1234"}); err != nil {
		t.Fatalf("login with new user failed: %v", err)
	}

	_, err = manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username: "wanjiru",
		Password: "another1",
		Role:     domain.RoleCashier,
		ShopID:   "main-shop",
	})
	if !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestCreateUserValidatesRole(t *testing.T) {
	manager, _ := NewAuthManager(context.Background(), "test-secret", time.Hour, &userStoreStub{})

	_, err := manager.CreateUser(context.Background(), domain.UserCreateRequest{
		Username: "otieno",
		Password: "pass1234",
		Role:     "owner",
		ShopID:   "main-shop",
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := verr.Fields["role"]; !ok {
		t.Fatalf("expected role field error, got %v", verr.Fields)
	}
}

func TestInactiveAccountCannotLogin(t *testing.T) {
	store := legacyAdminStore()
	admin := store.users["admin"]
	admin.Active = false
	store.users["admin"] = admin

	manager, _ := NewAuthManager(context.Background(), "test-secret", time.Hour, store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{Username: "admin", Password: "admin123"})
	if !errors.Is(err, ErrInactiveAccount) {
		t.Fatalf("expected ErrInactiveAccount, got %v", err)
	}
}
