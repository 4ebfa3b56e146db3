// Package auth はメールアドレスとパスワードによるログインとアクセストークンの発行・検証を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/readtrack/internal/model"
	"github.com/hitoshi/readtrack/internal/repository"
)

// HashPassword はパスワードをbcryptでハッシュ化する。
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	AccessToken string
	User        *model.User
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo repository.UserRepository
	tokens   *TokenIssuer
}

// NewService はServiceを生成する。
func NewService(userRepo repository.UserRepository, tokens *TokenIssuer) *Service {
	return &Service{userRepo: userRepo, tokens: tokens}
}

// Login はメールアドレスとパスワードを検証してアクセストークンを発行する。
// ユーザーが存在しない場合もパスワード不一致と同じINVALID_CREDENTIALSを返す。
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := s.userRepo.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewInvalidCredentialsError()
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		slog.Info("login failed", slog.Int64("user_id", user.ID))
		return nil, model.NewInvalidCredentialsError()
	}

	token, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}

	slog.Info("user logged in", slog.Int64("user_id", user.ID))
	return &LoginResult{AccessToken: token, User: user}, nil
}

// ParseToken はアクセストークンを検証してクレームを返す。
func (s *Service) ParseToken(token string) (*Claims, error) {
	return s.tokens.Parse(token)
}
