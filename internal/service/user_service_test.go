package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"procurement/internal/model"
	"procurement/internal/policy"
	"procurement/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type memUsers struct {
	mu    sync.Mutex
	users []model.User
}

func (m *memUsers) Create(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.ID = uuid.New()
	user.CreatedAt = time.Now()
	m.users = append(m.users, *user)
	return nil
}

func (m *memUsers) find(match func(model.User) bool) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if match(u) {
			return &u, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *memUsers) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	return m.find(func(u model.User) bool { return u.ID == id })
}

func (m *memUsers) GetByUsername(_ context.Context, username string) (*model.User, error) {
	return m.find(func(u model.User) bool { return u.Username == username })
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*model.User, error) {
	return m.find(func(u model.User) bool { return u.Email == email })
}

var testSecret = []byte("test-secret")

func newUserService(t *testing.T) (*userService, *memUsers, *memAudit) {
	t.Helper()
	users := &memUsers{}
	audit := &memAudit{}
	svc := NewUserService(users, audit, testSecret, time.Hour).(*userService)
	svc.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc, users, audit
}

func TestRegisterCreatesEmployee(t *testing.T) {
	svc, users, audit := newUserService(t)

	resp, err := svc.Register(context.Background(), RegisterRequest{
		Username: " alice ",
		Email:    "Alice@Example.com",
		Password: "s3cretpw",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", resp.Username)
	assert.Equal(t, "alice@example.com", resp.Email)
	assert.Equal(t, model.RoleEmployee, resp.Role)

	require.Len(t, users.users, 1)
	stored := users.users[0]
	assert.NotEqual(t, "s3cretpw", stored.Password)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored.Password), []byte("s3cretpw")))
	assert.Equal(t, []string{model.ActionRegisterUser}, audit.actions())
}

func TestRegisterRejectsDuplicatesAndBadInput(t *testing.T) {
	svc, _, _ := newUserService(t)
	_, err := svc.Register(context.Background(), RegisterRequest{Username: "bob", Email: "bob@example.com", Password: "password"})
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), RegisterRequest{Username: "bob", Email: "other@example.com", Password: "password"})
	assert.True(t, errors.Is(err, ErrUserExists))

	_, err = svc.Register(context.Background(), RegisterRequest{Username: "bobby", Email: "BOB@example.com", Password: "password"})
	assert.True(t, errors.Is(err, ErrUserExists))

	_, err = svc.Register(context.Background(), RegisterRequest{Username: "carol", Email: "not-an-email", Password: "password"})
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = svc.Register(context.Background(), RegisterRequest{Username: "carol", Email: "carol@example.com", Password: "123"})
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Contains(t, err.Error(), "password must be at least 6 characters")
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	svc, _, audit := newUserService(t)
	req := CreateUserRequest{
		RegisterRequest: RegisterRequest{Username: "dana", Email: "dana@example.com", Password: "password"},
		Role:            "Director",
	}

	_, err := svc.CreateUser(context.Background(), policy.Actor{ID: uuid.New(), Role: model.RoleManager}, req)
	assert.True(t, errors.Is(err, ErrForbidden))

	admin := policy.Actor{ID: uuid.New(), Role: model.RoleAdmin}
	resp, err := svc.CreateUser(context.Background(), admin, req)
	require.NoError(t, err)
	assert.Equal(t, model.RoleDirector, resp.Role)
	require.Len(t, audit.entries, 1)
	assert.Equal(t, admin.ID, *audit.entries[0].UserID)

	req.Username, req.Email, req.Role = "eve", "eve@example.com", "superuser"
	_, err = svc.CreateUser(context.Background(), admin, req)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestLoginIssuesToken(t *testing.T) {
	svc, _, _ := newUserService(t)
	created, err := svc.Register(context.Background(), RegisterRequest{Username: "frank", Email: "frank@example.com", Password: "password"})
	require.NoError(t, err)

	_, err = svc.Login(context.Background(), LoginRequest{Username: "frank", Password: "wrong-password"})
	assert.True(t, errors.Is(err, ErrInvalidCredentials))

	_, err = svc.Login(context.Background(), LoginRequest{Username: "nobody", Password: "password"})
	assert.True(t, errors.Is(err, ErrInvalidCredentials))

	tok, err := svc.Login(context.Background(), LoginRequest{Username: "frank", Password: "password"})
	require.NoError(t, err)
	assert.Equal(t, "2025-03-01T13:00:00Z", tok.ExpiresAt)

	parsed, err := jwt.Parse(tok.Token, func(*jwt.Token) (interface{}, error) { return testSecret, nil },
		jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, created.ID.String(), claims["sub"])
	assert.Equal(t, model.RoleEmployee, claims["role"])
	assert.EqualValues(t, time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC).Unix(), claims["exp"])
}

func TestGetAuditLogs(t *testing.T) {
	audit := &memAudit{}
	userID := uuid.New()
	require.NoError(t, audit.Log(context.Background(), &model.AuditLog{UserID: &userID, Action: model.ActionApproveL1, EntityID: "1"}))
	require.NoError(t, audit.Log(context.Background(), &model.AuditLog{Action: model.ActionRejectPurchaseRequest, EntityID: "2"}))
	svc := NewAuditService(audit)

	_, _, err := svc.GetAuditLogs(context.Background(), policy.Actor{ID: uuid.New(), Role: model.RoleEmployee}, repository.AuditFilter{})
	assert.True(t, errors.Is(err, ErrForbidden))

	logs, total, err := svc.GetAuditLogs(context.Background(), policy.Actor{ID: uuid.New(), Role: model.RoleManager}, repository.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, logs, 2)
	assert.Equal(t, userID.String(), logs[0].UserID)
	assert.Equal(t, "System", logs[1].Username)

	logs, _, err = svc.GetAuditLogs(context.Background(), policy.Actor{ID: uuid.New(), Role: model.RoleAdmin}, repository.AuditFilter{EntityID: "2"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.ActionRejectPurchaseRequest, logs[0].Action)
}
