package services

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"breedscope.app/internal/core/domain"
	"breedscope.app/internal/core/ports"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type AuthService struct {
	users ports.UserRepository
	cost  int
}

func NewAuthService(users ports.UserRepository) *AuthService {
	return &AuthService{users: users, cost: bcrypt.DefaultCost}
}

// Signup registers a user. It returns domain.ErrUserExists for a taken name.
func (s *AuthService) Signup(ctx context.Context, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return err
	}
	return s.users.CreateUser(ctx, &domain.User{Username: username, Password: string(hash)})
}

func (s *AuthService) Login(ctx context.Context, username, password string) error {
	user, err := s.users.GetUserByName(ctx, username)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
