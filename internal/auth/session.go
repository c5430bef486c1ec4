package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/hitushen/modelprobe/internal/models"
)

const (
	sessionName = "modelprobe_auth"
	keyUserID   = "user_id"
	keyUsername = "username"
)

// ErrUnauthorised 表示请求没有有效的登录会话。
var ErrUnauthorised = errors.New("unauthorised")

// Authenticator 校验运维账户凭证。
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*models.User, error)
}

// Manager 负责处理登录会话。
type Manager struct {
	users  Authenticator
	cookie sessions.Store
}

// NewManager 使用提供的会话密钥创建 Manager。secure 为 true 时 cookie 仅经 HTTPS 发送。
func NewManager(users Authenticator, sessionKey []byte, secure bool) *Manager {
	cookieStore := sessions.NewCookieStore(sessionKey)
	cookieStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   60 * 60 * 12, // 12 小时
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteStrictMode,
	}
	return &Manager{
		users:  users,
		cookie: cookieStore,
	}
}

// Login 校验凭证并写入会话信息。
func (m *Manager) Login(w http.ResponseWriter, r *http.Request, username, password string) (*models.User, error) {
	user, err := m.users.Authenticate(r.Context(), username, password)
	if err != nil {
		return nil, err
	}
	session, _ := m.cookie.Get(r, sessionName)
	session.Values[keyUserID] = user.ID
	session.Values[keyUsername] = user.Username
	if err := session.Save(r, w); err != nil {
		return nil, err
	}
	return user, nil
}

// Logout 清理当前会话。
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) error {
	session, _ := m.cookie.Get(r, sessionName)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

// CurrentUser 读取会话中的用户 ID 与用户名。
func (m *Manager) CurrentUser(r *http.Request) (int64, string, error) {
	session, err := m.cookie.Get(r, sessionName)
	if err != nil {
		return 0, "", err
	}
	userID := toInt64(session.Values[keyUserID])
	if userID == 0 {
		return 0, "", ErrUnauthorised
	}
	name, _ := session.Values[keyUsername].(string)
	return userID, name, nil
}

// Middleware 确保请求具备已登录用户，否则返回 401。
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _, err := m.CurrentUser(r)
		if err != nil {
			http.Error(w, ErrUnauthorised.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), userID)))
	})
}

// ContextWithUser 将用户 ID 写入上下文。
func ContextWithUser(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, contextKey(keyUserID), userID)
}

// UserFromContext 从上下文读取用户 ID。
func UserFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(contextKey(keyUserID)).(int64)
	return id, ok
}

type contextKey string

func toInt64(v interface{}) int64 {
	switch value := v.(type) {
	case int:
		return int64(value)
	case int64:
		return value
	case uint64:
		return int64(value)
	case float64:
		return int64(value)
	default:
		return 0
	}
}
