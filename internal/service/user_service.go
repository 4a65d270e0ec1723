package service

import (
	"context"
	"strings"
	"time"

	"procurement/internal/model"
	"procurement/internal/policy"
	"procurement/internal/repository"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DTOs for Request validation
type RegisterRequest struct {
	Username string `json:"username" validate:"required,max=150"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
}

type CreateUserRequest struct {
	RegisterRequest
	Role string `json:"role" validate:"required,oneof=employee manager director admin"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// UserResponse returns a User without exposing the password hash
type UserResponse struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt string    `json:"created_at"`
}

type UserService interface {
	// Register creates an employee account.
	Register(ctx context.Context, req RegisterRequest) (*UserResponse, error)
	// CreateUser lets an admin create an account with any role.
	CreateUser(ctx context.Context, actor policy.Actor, req CreateUserRequest) (*UserResponse, error)
	Login(ctx context.Context, req LoginRequest) (*TokenResponse, error)
}

type userService struct {
	repo     repository.UserRepository
	audit    repository.AuditRepository
	secret   []byte
	tokenTTL time.Duration
	now      func() time.Time
}

func NewUserService(repo repository.UserRepository, audit repository.AuditRepository, secret []byte, tokenTTL time.Duration) UserService {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &userService{repo: repo, audit: audit, secret: secret, tokenTTL: tokenTTL, now: time.Now}
}

func mapToUserResponse(user *model.User) *UserResponse {
	return &UserResponse{
		ID:        user.ID,
		Username:  user.Username,
		Email:     user.Email,
		Role:      user.Role,
		CreatedAt: user.CreatedAt.Format(time.RFC3339),
	}
}

func (s *userService) Register(ctx context.Context, req RegisterRequest) (*UserResponse, error) {
	return s.create(ctx, req, model.RoleEmployee, nil)
}

func (s *userService) CreateUser(ctx context.Context, actor policy.Actor, req CreateUserRequest) (*UserResponse, error) {
	if actor.Role != model.RoleAdmin {
		return nil, errors.Wrap(ErrForbidden, "only admins can create users")
	}
	req.Role = strings.ToLower(strings.TrimSpace(req.Role))
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	return s.create(ctx, req.RegisterRequest, req.Role, &actor.ID)
}

func (s *userService) create(ctx context.Context, req RegisterRequest, role string, createdBy *uuid.UUID) (*UserResponse, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	if _, err := s.repo.GetByUsername(ctx, req.Username); err == nil {
		return nil, errors.Wrap(ErrUserExists, "username already exists")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "failed to check username")
	}
	if _, err := s.repo.GetByEmail(ctx, req.Email); err == nil {
		return nil, errors.Wrap(ErrUserExists, "email already exists")
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "failed to check email")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash password")
	}

	user := &model.User{
		Username: req.Username,
		Email:    req.Email,
		Password: string(hashedPassword),
		Role:     role,
	}
	if err := s.repo.Create(ctx, user); err != nil {
		return nil, errors.Wrap(err, "failed to create user")
	}

	if s.audit != nil {
		actorID := user.ID
		if createdBy != nil {
			actorID = *createdBy
		}
		if err := s.audit.Log(ctx, &model.AuditLog{
			UserID:     &actorID,
			Action:     model.ActionRegisterUser,
			EntityID:   user.ID.String(),
			EntityName: user.Username,
			Details:    `{"role":"` + role + `"}`,
		}); err != nil {
			return nil, errors.Wrap(err, "failed to write audit log")
		}
	}

	return mapToUserResponse(user), nil
}

func (s *userService) Login(ctx context.Context, req LoginRequest) (*TokenResponse, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}

	user, err := s.repo.GetByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, errors.Wrap(err, "failed to load user")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	expiresAt := s.now().Add(s.tokenTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  user.ID.String(),
		"role": user.Role,
		"exp":  expiresAt.Unix(),
	})

	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate token")
	}

	return &TokenResponse{Token: tokenString, ExpiresAt: expiresAt.UTC().Format(time.RFC3339)}, nil
}
