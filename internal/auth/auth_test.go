package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"lanlinker/internal/config"
	"lanlinker/internal/mode"
	"lanlinker/internal/session"
	"lanlinker/internal/testutil"
)

func newLive(t *testing.T, mutate func(*config.Config)) *config.Live {
	t.Helper()
	c, err := config.Load("")
	require.NoError(t, err)
	if mutate != nil {
		mutate(&c)
	}
	return config.NewLive(c)
}

func TestVerifyPin(t *testing.T) {
	g := NewGate(newLive(t, func(c *config.Config) { c.Pin = "2468" }))
	tcs := []struct {
		candidate string
		want      bool
	}{
		{"2468", true},
		{"2469", false},
		{"02468", false},
		{"", false},
		{" 2468", false},
	}
	for _, c := range tcs {
		t.Run(c.candidate, func(t *testing.T) {
			assert.Equal(t, c.want, g.VerifyPin(c.candidate))
		})
	}

	empty := NewGate(newLive(t, func(c *config.Config) { c.Pin = "" }))
	assert.False(t, empty.VerifyPin(""))
}

func TestAuthCookie(t *testing.T) {
	g := NewGate(newLive(t, func(c *config.Config) {
		c.Pin = "1111"
		c.SessionExpiry = config.ExpiryDay
	}))
	ck := g.AuthCookie()
	assert.Equal(t, CookieAuth, ck.Name)
	assert.Equal(t, "1111", ck.Value)
	assert.Equal(t, "/", ck.Path)
	assert.True(t, ck.HttpOnly)
	assert.Equal(t, 86400, ck.MaxAge)

	g = NewGate(newLive(t, func(c *config.Config) { c.SessionExpiry = config.ExpirySession }))
	assert.Equal(t, 0, g.AuthCookie().MaxAge)
}

func TestCheck(t *testing.T) {
	m, err := session.NewManager(session.Options{Clock: testutil.FixedClock(), IDs: testutil.NewStubIDGenerator()})
	require.NoError(t, err)
	guest, _ := m.Identify("", "10.0.0.1", "")
	member, _ := m.Identify("", "10.0.0.2", "")
	require.NoError(t, m.MarkAuthenticated(member))

	withCookie := func(v string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if v != "" {
			r.AddCookie(&http.Cookie{Name: CookieAuth, Value: v})
		}
		return r
	}

	tcs := []struct {
		name       string
		globalAuth bool
		pin        string
		mode       mode.Mode
		sess       *session.Session
		cookie     string
		want       Decision
	}{
		{name: "LocalShareOpen", mode: mode.LocalShare, pin: "1", sess: guest, want: Decision{Allowed: true}},
		{name: "GlobalAuthGuest", globalAuth: true, mode: mode.QuickShare, pin: "1", sess: guest, cookie: "1", want: Decision{}},
		{name: "RemoteDiskGuest", mode: mode.RemoteDisk, pin: "1", sess: guest, want: Decision{}},
		{name: "RemoteDiskMember", mode: mode.RemoteDisk, pin: "1", sess: member, cookie: "1", want: Decision{Allowed: true}},
		{name: "RemoteDiskMemberNoCookie", mode: mode.RemoteDisk, pin: "1", sess: member, want: Decision{Demote: true}},
		{name: "RemoteDiskMemberStalePin", mode: mode.RemoteDisk, pin: "2", sess: member, cookie: "1", want: Decision{Demote: true}},
		{name: "EmptyPinFailsClosed", mode: mode.RemoteDisk, pin: "", sess: member, cookie: "", want: Decision{Demote: true}},
		{name: "NilSession", mode: mode.RemoteDisk, pin: "1", sess: nil, cookie: "1", want: Decision{}},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			g := NewGate(newLive(t, func(cfg *config.Config) {
				cfg.GlobalAuth = c.globalAuth
				cfg.Pin = c.pin
			}))
			assert.Equal(t, c.want, g.Check(withCookie(c.cookie), c.mode, c.sess))
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	disabled := RequireAdmin(newLive(t, nil), ok)
	rec := httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h := RequireAdmin(newLive(t, func(c *config.Config) { c.AdminBcrypt = string(hash) }), ok)
	tcs := []struct {
		name       string
		user, pass string
		want       int
	}{
		{name: "Valid", user: "admin", pass: "s3cret", want: http.StatusNoContent},
		{name: "WrongPassword", user: "admin", pass: "nope", want: http.StatusUnauthorized},
		{name: "WrongUser", user: "root", pass: "s3cret", want: http.StatusUnauthorized},
		{name: "Missing", want: http.StatusUnauthorized},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/admin/status", nil)
			if c.user != "" {
				r.SetBasicAuth(c.user, c.pass)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, r)
			assert.Equal(t, c.want, rec.Code)
		})
	}
}
