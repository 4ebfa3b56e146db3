package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/readtrack/internal/auth"
	"github.com/hitoshi/readtrack/internal/book"
	"github.com/hitoshi/readtrack/internal/middleware"
	"github.com/hitoshi/readtrack/internal/model"
	"github.com/hitoshi/readtrack/internal/reading"
)

type mockAuthService struct {
	loginFn func(ctx context.Context, email, password string) (*auth.LoginResult, error)
}

func (m *mockAuthService) Login(ctx context.Context, email, password string) (*auth.LoginResult, error) {
	return m.loginFn(ctx, email, password)
}

type mockUserService struct {
	profileFn func(ctx context.Context, userID int64) (*model.User, error)
}

func (m *mockUserService) Profile(ctx context.Context, userID int64) (*model.User, error) {
	return m.profileFn(ctx, userID)
}

type mockReadingService struct {
	submitFn func(ctx context.Context, in reading.SubmitIntervalInput) (*model.IntervalSubmission, error)
	calls    []reading.SubmitIntervalInput
}

func (m *mockReadingService) SubmitInterval(ctx context.Context, in reading.SubmitIntervalInput) (*model.IntervalSubmission, error) {
	m.calls = append(m.calls, in)
	if m.submitFn != nil {
		return m.submitFn(ctx, in)
	}
	return &model.IntervalSubmission{ID: "sub-1", UserID: in.UserID, BookID: in.BookID, StartPage: in.StartPage, EndPage: in.EndPage}, nil
}

type mockBookService struct {
	topFn    func(ctx context.Context, n int) ([]model.BookAggregateView, error)
	createFn func(ctx context.Context, in book.CreateBookInput) (*model.Book, error)
	updateFn func(ctx context.Context, id int64, in book.UpdateBookInput) (*model.Book, error)
}

func (m *mockBookService) TopRecommended(ctx context.Context, n int) ([]model.BookAggregateView, error) {
	return m.topFn(ctx, n)
}

func (m *mockBookService) CreateBook(ctx context.Context, in book.CreateBookInput) (*model.Book, error) {
	return m.createFn(ctx, in)
}

func (m *mockBookService) UpdateBook(ctx context.Context, id int64, in book.UpdateBookInput) (*model.Book, error) {
	return m.updateFn(ctx, id, in)
}

// mockTokenParser は "user-<id>" と "admin-<id>" 形式のトークンを受け付ける。
type mockTokenParser struct{}

func (mockTokenParser) ParseToken(token string) (*auth.Claims, error) {
	roles := []string{model.RoleUser}
	var idPart string
	switch {
	case len(token) > 6 && token[:6] == "admin-":
		roles = append(roles, model.RoleAdmin)
		idPart = token[6:]
	case len(token) > 5 && token[:5] == "user-":
		idPart = token[5:]
	default:
		return nil, auth.ErrInvalidToken
	}
	if _, err := strconv.ParseInt(idPart, 10, 64); err != nil {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   idPart,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, nil
}

type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error {
	return m.err
}

// withClaims はユーザーIDを持つクレームをリクエストに付与する。
func withClaims(r *http.Request, userID int64) *http.Request {
	claims := &auth.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: strconv.FormatInt(userID, 10)}}
	return r.WithContext(middleware.ContextWithClaims(r.Context(), claims))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
