// Package account はジョブの所有者となるユーザーを表します。
package account

import (
	"context"
	"errors"
	"time"
)

// ErrUsernameTaken は同じユーザー名が既に登録されていることを表します。
var ErrUsernameTaken = errors.New("username already exists")

// Role はユーザーの権限です。
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User はログインユーザーと、取得元サービスの保存済みクレデンシャルを保持します。
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	Active       bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`

	// 取得元サービスのログイン情報。パスワードは暗号化済みの文字列のみ保存します。
	FetchUsername          string `json:"fetch_username,omitempty"`
	FetchPasswordEncrypted string `json:"-"`
}

// IsAdmin は管理者かどうかを返します。
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// HasFetchCredential は取得元クレデンシャルが保存されているかを返します。
func (u *User) HasFetchCredential() bool {
	return u != nil && u.FetchUsername != "" && u.FetchPasswordEncrypted != ""
}

// Store はユーザーの永続化を提供します。見つからない場合は (nil, nil) を返します。
type Store interface {
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	HasAdmin(ctx context.Context) (bool, error)
}
