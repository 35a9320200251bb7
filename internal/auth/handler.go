package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Eterpy/jm-web/internal/account"
)

// RegisterRoutes は /auth 以下のルートを登録します。
// protected には RequireLogin と VerifyCSRF を設定したグループを渡します。
func (m *Manager) RegisterRoutes(public, protected *gin.RouterGroup) {
	public.POST("/auth/login", m.Login)
	protected.POST("/auth/logout", m.Logout)
	protected.GET("/auth/me", m.Me)
}

// Me は /auth/me のハンドラーです。ログイン中のユーザーと CSRF トークンを返します。
func (m *Manager) Me(c *gin.Context) {
	user := CurrentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "ログインが必要です",
		})
		return
	}
	if token, ok := sessions.Default(c).Get(sessionKeyCSRF).(string); ok {
		c.Header(csrfHeader, token)
	}
	c.JSON(http.StatusOK, gin.H{
		"user":                 user,
		"has_fetch_credential": user.HasFetchCredential(),
	})
}

// EnsureDefaultAdmin は管理者が1人もいない場合に初期管理者を作成します。
// パスワードが空の場合は何もしません。
func EnsureDefaultAdmin(ctx context.Context, store account.Store, username, password string, logger *logrus.Logger) error {
	if username == "" || password == "" {
		return nil
	}
	hasAdmin, err := store.HasAdmin(ctx)
	if err != nil {
		return fmt.Errorf("failed to check admin: %w", err)
	}
	if hasAdmin {
		return nil
	}

	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}
	user := &account.User{
		Username:     username,
		PasswordHash: hash,
		Role:         account.RoleAdmin,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, account.ErrUsernameTaken) {
			return fmt.Errorf("default admin %q already exists as a non-admin user", username)
		}
		return fmt.Errorf("failed to create default admin: %w", err)
	}
	if logger != nil {
		logger.WithField("user", username).Info("default admin created")
	}
	return nil
}
