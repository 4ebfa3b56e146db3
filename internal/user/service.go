// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/readtrack/internal/auth"
	"github.com/hitoshi/readtrack/internal/model"
	"github.com/hitoshi/readtrack/internal/repository"
)

// CreateUserInput はユーザー作成の入力。
type CreateUserInput struct {
	Email    string
	Name     string
	Password string
	Roles    []string
}

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo repository.UserRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository) *Service {
	return &Service{userRepo: userRepo}
}

// Profile は指定ユーザーを返す。見つからない場合はUSER_NOT_FOUND。
func (s *Service) Profile(ctx context.Context, userID int64) (*model.User, error) {
	u, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError()
	}
	return u, nil
}

// FindByEmail はメールアドレスでユーザーを返す。見つからない場合はnil。
func (s *Service) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := s.userRepo.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	return u, nil
}

// Create はパスワードをハッシュ化してユーザーを作成する。
// ロール未指定の場合はuserロールを付与する。
// メールアドレスが重複する場合はrepository.ErrDuplicateをラップして返す。
func (s *Service) Create(ctx context.Context, in CreateUserInput) (*model.User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || in.Password == "" {
		return nil, model.NewInvalidRequestError("メールアドレスとパスワードは必須です")
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	roles := in.Roles
	if len(roles) == 0 {
		roles = []string{model.RoleUser}
	}

	u := &model.User{
		Email:        email,
		Name:         in.Name,
		PasswordHash: hash,
		Roles:        roles,
	}
	if err := s.userRepo.Create(ctx, u); err != nil {
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	slog.Info("ユーザーを作成しました",
		slog.Int64("user_id", u.ID),
		slog.String("email", u.Email),
	)
	return u, nil
}
