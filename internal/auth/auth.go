package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"lanlinker/internal/config"
	"lanlinker/internal/mode"
	"lanlinker/internal/session"
)

const (
	// CookieAuth carries the PIN once a visitor has logged in.
	CookieAuth = "LAN_LINKER_AUTH"
	// AdminUser is the only account accepted by RequireAdmin.
	AdminUser = "admin"
)

// Decision is the outcome of Gate.Check.
type Decision struct {
	Allowed bool
	// Demote is set when a previously authenticated session failed the
	// check; the caller revokes it before rendering the login page.
	Demote bool
}

// Gate decides whether a request may proceed under the active mode.
type Gate struct {
	cfg *config.Live
}

func NewGate(cfg *config.Live) *Gate {
	return &Gate{cfg: cfg}
}

// VerifyPin reports whether candidate equals the configured PIN. An empty
// configured PIN never matches.
func (g *Gate) VerifyPin(candidate string) bool {
	pin := g.cfg.Get().Pin
	if pin == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pin), []byte(candidate)) == 1
}

// AuthCookie builds the cookie issued after a successful login.
func (g *Gate) AuthCookie() *http.Cookie {
	c := g.cfg.Get()
	ck := &http.Cookie{
		Name:     CookieAuth,
		Value:    c.Pin,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if age, ok := c.SessionExpiry.MaxAge(); ok {
		ck.MaxAge = age
	}
	return ck
}

// ClearCookie expires the auth cookie in the browser.
func ClearCookie() *http.Cookie {
	return &http.Cookie{Name: CookieAuth, Value: "", Path: "/", MaxAge: -1, HttpOnly: true}
}

// NeedsAuth reports whether requests under m must present the PIN.
func (g *Gate) NeedsAuth(m mode.Mode) bool {
	return m.RequiresAuth() || g.cfg.Get().GlobalAuth
}

// Check authorizes r for session s under mode m.
func (g *Gate) Check(r *http.Request, m mode.Mode, s *session.Session) Decision {
	if !g.NeedsAuth(m) {
		return Decision{Allowed: true}
	}
	authed := s != nil && s.Authenticated()
	if authed {
		if ck, err := r.Cookie(CookieAuth); err == nil && g.VerifyPin(ck.Value) {
			return Decision{Allowed: true}
		}
	}
	return Decision{Demote: authed}
}

// RequireAdmin wraps next with HTTP Basic auth for AdminUser against the
// configured bcrypt hash. With no hash configured the admin surface does not
// exist and every request gets 404.
func RequireAdmin(cfg *config.Live, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := cfg.Get().AdminBcrypt
		if hash == "" {
			http.NotFound(w, r)
			return
		}
		u, p, ok := parseBasicAuth(r.Header.Get("Authorization"))
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(AdminUser)) != 1 {
			deny(w)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(p)); err != nil {
			deny(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="lanlinker admin"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	u := s[:i]
	p := s[i+1:]
	if u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}
