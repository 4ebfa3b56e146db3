// Package seed は初期データ（管理者・一般ユーザーと本のカタログ）を冪等に投入する。
package seed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/readtrack/internal/model"
	"github.com/hitoshi/readtrack/internal/repository"
	"github.com/hitoshi/readtrack/internal/user"
)

// UserSeed は投入するユーザー。
type UserSeed struct {
	Email    string
	Name     string
	Password string
	Roles    []string
}

// BookSeed は投入する本。
type BookSeed struct {
	Name       string
	NumOfPages int
}

// DefaultUsers は初期ユーザー。
var DefaultUsers = []UserSeed{
	{Email: "admin@admin.com", Name: "Admin", Password: "admin123", Roles: []string{model.RoleAdmin, model.RoleUser}},
	{Email: "user@user.com", Name: "User", Password: "user123", Roles: []string{model.RoleUser}},
}

// DefaultBooks は初期カタログ。
var DefaultBooks = []BookSeed{
	{Name: "The Great Gatsby", NumOfPages: 180},
	{Name: "1984", NumOfPages: 328},
	{Name: "To Kill a Mockingbird", NumOfPages: 281},
	{Name: "Pride and Prejudice", NumOfPages: 432},
	{Name: "The Hobbit", NumOfPages: 310},
}

// Result は投入結果の件数。
type Result struct {
	UsersCreated int
	UsersSkipped int
	BooksCreated int
	BooksSkipped int
}

// Seeder は初期データを投入する。
type Seeder struct {
	users    *user.Service
	bookRepo repository.BookRepository
	logger   *slog.Logger
}

// NewSeeder はSeederを生成する。
func NewSeeder(users *user.Service, bookRepo repository.BookRepository, logger *slog.Logger) *Seeder {
	return &Seeder{users: users, bookRepo: bookRepo, logger: logger}
}

// Run はユーザーと本を投入する。メールアドレスまたは名前が一致する既存行はスキップする。
func (s *Seeder) Run(ctx context.Context, users []UserSeed, books []BookSeed) (*Result, error) {
	result := &Result{}

	for _, u := range users {
		existing, err := s.users.FindByEmail(ctx, u.Email)
		if err != nil {
			return result, err
		}
		if existing != nil {
			result.UsersSkipped++
			s.logger.Info("既存のユーザーをスキップしました", slog.String("email", u.Email))
			continue
		}

		created, err := s.users.Create(ctx, user.CreateUserInput{
			Email:    u.Email,
			Name:     u.Name,
			Password: u.Password,
			Roles:    u.Roles,
		})
		if err != nil {
			return result, fmt.Errorf("ユーザー %s の投入に失敗しました: %w", u.Email, err)
		}
		result.UsersCreated++
		s.logger.Info("ユーザーを投入しました",
			slog.Int64("user_id", created.ID),
			slog.String("email", created.Email),
		)
	}

	for _, b := range books {
		existing, err := s.bookRepo.FindByName(ctx, b.Name)
		if err != nil {
			return result, err
		}
		if existing != nil {
			result.BooksSkipped++
			s.logger.Info("既存の本をスキップしました", slog.String("book_name", b.Name))
			continue
		}

		book := &model.Book{Name: b.Name, NumOfPages: b.NumOfPages}
		if err := s.bookRepo.Create(ctx, book); err != nil {
			return result, fmt.Errorf("本 %s の投入に失敗しました: %w", b.Name, err)
		}
		result.BooksCreated++
		s.logger.Info("本を投入しました",
			slog.Int64("book_id", book.ID),
			slog.String("book_name", book.Name),
			slog.Int("num_of_pages", book.NumOfPages),
		)
	}

	return result, nil
}
