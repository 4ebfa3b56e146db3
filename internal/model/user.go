// Package model はドメインモデルを定義する。
package model

import (
	"slices"
	"time"
)

// ロール
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// User はサービス利用ユーザーを表す。
// PasswordHashはbcryptハッシュで、APIレスポンスには含めない。
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	Roles        []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// HasRole はユーザーが指定ロールを持つかを返す。
func (u *User) HasRole(role string) bool {
	return slices.Contains(u.Roles, role)
}
