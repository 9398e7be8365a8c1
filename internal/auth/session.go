package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"

	"github.com/hitushen/netpresence/internal/models"
)

const sessionName = "netpresence_auth"

// ErrUnauthorised 表示请求没有有效会话。
var ErrUnauthorised = errors.New("unauthorised")

// Authenticator 校验用户名与密码。
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*models.User, error)
}

// Manager 负责处理登录会话。
type Manager struct {
	users  Authenticator
	cookie sessions.Store
}

// NewManager 使用提供的会话密钥创建 Manager。
func NewManager(users Authenticator, sessionKey []byte) *Manager {
	cookieStore := sessions.NewCookieStore(sessionKey)
	cookieStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   60 * 60 * 12, // 12 小时
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	return &Manager{users: users, cookie: cookieStore}
}

// Authenticate 校验凭证并写入会话信息。
func (m *Manager) Authenticate(w http.ResponseWriter, r *http.Request, username, password string) error {
	user, err := m.users.Authenticate(r.Context(), username, password)
	if err != nil {
		return err
	}
	session, _ := m.cookie.Get(r, sessionName)
	session.Values["user_id"] = user.ID
	session.Values["username"] = user.Username
	return session.Save(r, w)
}

// Logout 清理当前会话。
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) error {
	session, _ := m.cookie.Get(r, sessionName)
	session.Options.MaxAge = -1
	return session.Save(r, w)
}

func (m *Manager) current(r *http.Request) (int64, string, error) {
	session, err := m.cookie.Get(r, sessionName)
	if err != nil {
		return 0, "", err
	}
	id := toInt64(session.Values["user_id"])
	if id == 0 {
		return 0, "", ErrUnauthorised
	}
	name, _ := session.Values["username"].(string)
	return id, name, nil
}

// Middleware 确保请求具备已登录用户。/api/ 下的请求返回 401，页面请求跳转到登录页。
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, name, err := m.current(r)
		if err != nil {
			if strings.HasPrefix(r.URL.Path, "/api/") {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorised"}`))
				return
			}
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), id, name)))
	})
}

// ContextWithUser 将用户写入上下文。
func ContextWithUser(ctx context.Context, userID int64, username string) context.Context {
	return context.WithValue(ctx, userKey{}, sessionUser{id: userID, name: username})
}

// UserFromContext 从上下文读取用户 ID 与用户名。
func UserFromContext(ctx context.Context) (int64, string, bool) {
	u, ok := ctx.Value(userKey{}).(sessionUser)
	if !ok {
		return 0, "", false
	}
	return u.id, u.name, true
}

type userKey struct{}

type sessionUser struct {
	id   int64
	name string
}

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
