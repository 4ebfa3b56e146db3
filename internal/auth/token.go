package auth

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/readtrack/internal/model"
)

// ErrInvalidToken はトークンの署名・アルゴリズム・有効期限のいずれかが不正な場合に返る。
var ErrInvalidToken = errors.New("invalid token")

// Claims はアクセストークンのクレーム。subにユーザーIDを持つ。
type Claims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// UserID はsubクレームをユーザーIDとして返す。
func (c *Claims) UserID() (int64, error) {
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: subject %q", ErrInvalidToken, c.Subject)
	}
	return id, nil
}

// HasRole はトークンが指定ロールを持つかを返す。
func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

// TokenIssuer はHS256のアクセストークンを発行・検証する。
type TokenIssuer struct {
	secret    []byte
	expiresIn time.Duration
	now       func() time.Time
}

// NewTokenIssuer はTokenIssuerを生成する。secretは空であってはならない。
func NewTokenIssuer(secret string, expiresIn time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required but was empty")
	}
	if expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), expiresIn: expiresIn, now: time.Now}, nil
}

// Issue はユーザーのアクセストークンを発行する。
func (t *TokenIssuer) Issue(user *model.User) (string, error) {
	now := t.now()
	claims := &Claims{
		Email: user.Email,
		Roles: user.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse はトークンを検証してクレームを返す。
// HS256以外のアルゴリズム、署名不一致、期限切れはErrInvalidTokenを返す。
func (t *TokenIssuer) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if _, err := claims.UserID(); err != nil {
		return nil, err
	}
	return claims, nil
}
