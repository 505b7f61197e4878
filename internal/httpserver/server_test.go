package httpserver

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"lanlinker/internal/auth"
	"lanlinker/internal/config"
	"lanlinker/internal/fileops"
	"lanlinker/internal/lifecycle"
	"lanlinker/internal/mode"
	"lanlinker/internal/resolver"
	"lanlinker/internal/session"
	"lanlinker/internal/testutil"
)

type fakeRuntime struct{}

func (fakeRuntime) Status() lifecycle.Status {
	return lifecycle.Status{Mode: "local_share", Port: 8080, URL: "http://192.168.1.10:8080"}
}

func (fakeRuntime) QRCode(int) ([]byte, error) { return []byte("\x89PNG"), nil }

type fixture struct {
	srv      *Server
	cfg      *config.Live
	sessions *session.Manager
	local    string
	quick    string
	drive    string
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	c, err := config.Load("")
	require.NoError(t, err)
	f := &fixture{local: t.TempDir(), quick: t.TempDir(), drive: t.TempDir()}
	c.LocalRoot = f.local
	c.QuickPath = f.quick
	c.StateDir = t.TempDir()
	c.Pin = "1234"
	c.RemoteDrives = map[string]string{"R": f.drive}
	if mutate != nil {
		mutate(&c)
	}
	f.cfg = config.NewLive(c)

	clk := testutil.FixedClock()
	f.sessions, err = session.NewManager(session.Options{Clock: clk, IDs: testutil.NewStubIDGenerator()})
	require.NoError(t, err)
	up, err := fileops.NewUploader(c.StateDir)
	require.NoError(t, err)
	f.srv, err = New(Options{
		Config:   f.cfg,
		Sessions: f.sessions,
		Gate:     auth.NewGate(f.cfg),
		Resolver: resolver.New(f.cfg),
		Uploader: up,
		Clock:    clk,
		Runtime:  fakeRuntime{},
	})
	require.NoError(t, err)
	return f
}

// browser replays cookies between requests like a browser would.
type browser struct {
	h       http.Handler
	cookies map[string]*http.Cookie
}

func (f *fixture) browser(m mode.Mode) *browser {
	return &browser{h: f.srv.Router(m), cookies: map[string]*http.Cookie{}}
}

func (b *browser) do(req *http.Request) *httptest.ResponseRecorder {
	for _, ck := range b.cookies {
		req.AddCookie(ck)
	}
	rec := httptest.NewRecorder()
	b.h.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.MaxAge < 0 {
			delete(b.cookies, ck.Name)
			continue
		}
		b.cookies[ck.Name] = ck
	}
	return rec
}

func (b *browser) get(target string) *httptest.ResponseRecorder {
	return b.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (b *browser) postForm(target string, vals url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(vals.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return b.do(req)
}

func (b *browser) login(t *testing.T, pin string) {
	t.Helper()
	rec := b.postForm("/login", url.Values{"pin": {pin}})
	require.Equal(t, http.StatusFound, rec.Code)
}

func TestRemoteDiskLoginScenario(t *testing.T) {
	f := newFixture(t, nil)
	b := f.browser(mode.RemoteDisk)

	rec := b.get("/")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="pin"`)
	require.Contains(t, b.cookies, session.CookieUID, "visitor cookie must be issued on first contact")

	rec = b.postForm("/login", url.Values{"pin": {"0000"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Wrong PIN")
	assert.NotContains(t, b.cookies, auth.CookieAuth)

	rec = b.postForm("/login", url.Values{"pin": {"1234"}, "nickname": {"Alice"}})
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	require.Contains(t, b.cookies, auth.CookieAuth)

	rec = b.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "R:")
	assert.Contains(t, rec.Body.String(), "Alice")

	s, ok := f.sessions.Get(b.cookies[session.CookieUID].Value)
	require.True(t, ok)
	assert.True(t, s.Authenticated())
}

func TestStaleSessionIsDemoted(t *testing.T) {
	f := newFixture(t, nil)
	b := f.browser(mode.RemoteDisk)
	b.login(t, "1234")
	require.Equal(t, http.StatusOK, b.get("/").Code)

	require.NoError(t, f.cfg.Update(func(c *config.Config) { c.Pin = "9999" }))
	rec := b.get("/")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	s, ok := f.sessions.Get(b.cookies[session.CookieUID].Value)
	require.True(t, ok)
	assert.False(t, s.Authenticated())
}

func TestLocalShareNeedsNoAuthUnlessGlobal(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusOK, f.browser(mode.LocalShare).get("/").Code)

	g := newFixture(t, func(c *config.Config) { c.GlobalAuth = true })
	assert.Equal(t, http.StatusUnauthorized, g.browser(mode.LocalShare).get("/").Code)
}

func TestLocalShareListingAndDownload(t *testing.T) {
	f := newFixture(t, nil)
	testutil.WriteFiles(t, f.local, map[string]string{
		"notes.txt":      "hello",
		"docs/a b.md":    "# a",
		".hidden/secret": "x",
	})
	b := f.browser(mode.LocalShare)

	rec := b.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "notes.txt")
	assert.Contains(t, body, `href="/docs/"`)
	assert.NotContains(t, body, ".hidden")

	rec = b.get("/docs/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `/docs/a%20b.md`)

	rec = b.get("/notes.txt")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), `filename="notes.txt"`)
}

func TestResolveFailures(t *testing.T) {
	f := newFixture(t, nil)
	tcs := []struct {
		name   string
		mode   mode.Mode
		target string
		code   int
	}{
		{name: "Traversal", mode: mode.LocalShare, target: "/docs/../../etc/passwd", code: http.StatusBadRequest},
		{name: "MissingFile", mode: mode.LocalShare, target: "/nope.txt", code: http.StatusFound},
		{name: "UnknownDrive", mode: mode.RemoteDisk, target: "/Q:/", code: http.StatusFound},
		{name: "MalformedDrive", mode: mode.RemoteDisk, target: "/drive/", code: http.StatusFound},
		{name: "DriveTraversal", mode: mode.RemoteDisk, target: "/R:/../..", code: http.StatusBadRequest},
	}
	for _, c := range tcs {
		t.Run(c.name, func(t *testing.T) {
			b := f.browser(c.mode)
			if c.mode.RequiresAuth() {
				b.login(t, "1234")
			}
			rec := b.get(c.target)
			assert.Equal(t, c.code, rec.Code)
			if c.code == http.StatusFound {
				assert.Equal(t, "/", rec.Header().Get("Location"))
			}
		})
	}
}

func TestMissingLocalRootDoesNotRedirectLoop(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.LocalRoot = filepath.Join(c.LocalRoot, "gone") })
	assert.Equal(t, http.StatusNotFound, f.browser(mode.LocalShare).get("/").Code)
}

func TestWriteDenied(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.AllowUpload = false })
	testutil.WriteFiles(t, f.local, map[string]string{"keep.txt": "x"})
	b := f.browser(mode.LocalShare)

	assert.Equal(t, http.StatusForbidden, b.get("/keep.txt?action=delete").Code)
	assert.Equal(t, http.StatusForbidden, b.get("/?action=mkdir&name=x").Code)
	assert.Equal(t, http.StatusForbidden, b.postForm("/api/text", url.Values{"content": {"hi"}}).Code)
	assert.Equal(t, http.StatusForbidden, b.postForm("/", url.Values{}).Code)
	assert.FileExists(t, filepath.Join(f.local, "keep.txt"))
}

func TestMkdirAndDelete(t *testing.T) {
	f := newFixture(t, nil)
	b := f.browser(mode.LocalShare)

	for i := 0; i < 2; i++ {
		rec := b.get("/?action=mkdir&name=photos")
		require.Equal(t, http.StatusFound, rec.Code, "mkdir must be idempotent")
	}
	assert.DirExists(t, filepath.Join(f.local, "photos"))
	assert.Equal(t, http.StatusFound, b.get("/?action=mkdir&name=").Code)
	assert.Equal(t, http.StatusBadRequest, b.get("/?action=mkdir&name=..").Code)

	testutil.WriteFiles(t, f.local, map[string]string{"photos/1.jpg": "x"})
	rec := b.get("/photos/?action=delete")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
	assert.NoDirExists(t, filepath.Join(f.local, "photos"))

	assert.Equal(t, http.StatusBadRequest, b.get("/?action=delete").Code)
	assert.Equal(t, http.StatusBadRequest, b.get("/?action=explode").Code)
}

func TestActionsByMethod(t *testing.T) {
	f := newFixture(t, nil)
	testutil.WriteFiles(t, f.local, map[string]string{"old/a.txt": "x", "keep/b.txt": "y"})
	b := f.browser(mode.LocalShare)

	rec := b.postForm("/?action=mkdir", url.Values{"name": {"albums"}})
	require.Equal(t, http.StatusFound, rec.Code)
	assert.DirExists(t, filepath.Join(f.local, "albums"))

	rec = b.do(httptest.NewRequest(http.MethodPost, "/?action=mkdir&name=music", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.DirExists(t, filepath.Join(f.local, "music"))

	rec = b.postForm("/old/?action=delete", url.Values{})
	require.Equal(t, http.StatusFound, rec.Code)
	assert.NoDirExists(t, filepath.Join(f.local, "old"))

	tcs := []struct {
		method, target string
	}{
		{http.MethodHead, "/keep/?action=delete"},
		{http.MethodHead, "/?action=mkdir&name=ghost"},
		{http.MethodPost, "/keep/?action=zip"},
		{http.MethodPut, "/keep/b.txt"},
	}
	for _, c := range tcs {
		rec := b.do(httptest.NewRequest(c.method, c.target, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, "%s %s", c.method, c.target)
	}
	assert.DirExists(t, filepath.Join(f.local, "keep"))
	assert.NoDirExists(t, filepath.Join(f.local, "ghost"))
}

func TestUpload(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.Mkdir(filepath.Join(f.local, "in"), 0o755))
	b := f.browser(mode.LocalShare)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "report.pdf")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("%PDF"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/in/", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := b.do(req)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/in/", rec.Header().Get("Location"))

	got, err := os.ReadFile(filepath.Join(f.local, "in", "report.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(got))

	assert.Equal(t, http.StatusBadRequest, b.postForm("/in/", url.Values{"a": {"b"}}).Code)
}

func TestQuickShareText(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.MaxTextLength = 5 })
	b := f.browser(mode.QuickShare)

	rec := b.postForm("/api/text", url.Values{"content": {"hello"}})
	require.Equal(t, http.StatusFound, rec.Code)

	ents, err := fileops.List(f.quick)
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.True(t, ents[0].IsText())

	rec = b.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hello")
	assert.Contains(t, rec.Body.String(), `action="/api/text"`)

	assert.Equal(t, http.StatusBadRequest, b.postForm("/api/text", url.Values{"content": {"hello!"}}).Code)
	assert.Equal(t, http.StatusBadRequest, b.postForm("/api/text", url.Values{"content": {"  \n "}}).Code)
}

func TestLogout(t *testing.T) {
	f := newFixture(t, nil)
	b := f.browser(mode.RemoteDisk)
	b.login(t, "1234")

	rec := b.do(httptest.NewRequest(http.MethodPost, "/logout", nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.NotContains(t, b.cookies, auth.CookieAuth)
	assert.Equal(t, http.StatusUnauthorized, b.get("/").Code)
}

func TestStaticAndQR(t *testing.T) {
	f := newFixture(t, nil)
	b := f.browser(mode.LocalShare)

	rec := b.get("/static/style.css")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/css")

	rec = b.get("/api/qr")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	assert.Equal(t, http.StatusNotFound, b.get("/favicon.ico").Code)
}

func TestZipAction(t *testing.T) {
	f := newFixture(t, nil)
	testutil.WriteFiles(t, f.local, map[string]string{"album/1.txt": "one"})
	rec := f.browser(mode.LocalShare).get("/album/?action=zip")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "album.zip")
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))
}

func adminRequest(method, target, body, password string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if password != "" {
		req.SetBasicAuth(auth.AdminUser, password)
	}
	return req
}

func TestAdminAPI(t *testing.T) {
	off := newFixture(t, nil)
	rec := off.browser(mode.LocalShare).do(adminRequest(http.MethodGet, "/api/admin/status", "", "x"))
	assert.Equal(t, http.StatusNotFound, rec.Code, "admin api is disabled without a hash")

	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	f := newFixture(t, func(c *config.Config) { c.AdminBcrypt = string(hash) })
	visitor := f.browser(mode.RemoteDisk)
	visitor.login(t, "1234")
	admin := f.browser(mode.RemoteDisk)

	assert.Equal(t, http.StatusUnauthorized, admin.do(adminRequest(http.MethodGet, "/api/admin/sessions", "", "wrong")).Code)

	rec = admin.do(adminRequest(http.MethodGet, "/api/admin/status", "", "s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"local_share"`)

	rec = admin.do(adminRequest(http.MethodGet, "/api/admin/sessions", "", "s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"authenticated":true`)

	rec = admin.do(adminRequest(http.MethodGet, "/api/admin/devices", "", "s3cret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
	assert.Equal(t, http.StatusNotFound, admin.do(adminRequest(http.MethodPost, "/api/admin/scan", "", "s3cret")).Code)

	assert.Equal(t, http.StatusBadRequest, admin.do(adminRequest(http.MethodPut, "/api/admin/pin", `{"pin":" "}`, "s3cret")).Code)
	rec = admin.do(adminRequest(http.MethodPut, "/api/admin/pin", `{"pin":"4321"}`, "s3cret"))
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "4321", f.cfg.Get().Pin)
	s, ok := f.sessions.Get(visitor.cookies[session.CookieUID].Value)
	require.True(t, ok)
	assert.False(t, s.Authenticated(), "pin change demotes sessions")

	assert.Equal(t, http.StatusNotFound, admin.do(adminRequest(http.MethodDelete, "/api/admin/sessions/nobody", "", "s3cret")).Code)
	rec = admin.do(adminRequest(http.MethodDelete, "/api/admin/sessions/"+s.ID, "", "s3cret"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, ok = f.sessions.Get(s.ID)
	assert.False(t, ok)
}

func TestWebDAV(t *testing.T) {
	f := newFixture(t, nil)
	testutil.WriteFiles(t, f.local, map[string]string{"dav.txt": "via dav"})
	b := f.browser(mode.LocalShare)

	req := httptest.NewRequest("PROPFIND", "/dav/", nil)
	req.Header.Set("Depth", "1")
	rec := b.do(req)
	require.Equal(t, http.StatusMultiStatus, rec.Code)
	assert.Contains(t, rec.Body.String(), "dav.txt")

	rec = b.do(httptest.NewRequest(http.MethodPut, "/dav/new.txt", strings.NewReader("new")))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.FileExists(t, filepath.Join(f.local, "new.txt"))

	ro := newFixture(t, func(c *config.Config) { c.AllowUpload = false })
	rec = ro.browser(mode.LocalShare).do(httptest.NewRequest(http.MethodPut, "/dav/new.txt", strings.NewReader("new")))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	g := newFixture(t, func(c *config.Config) { c.GlobalAuth = true })
	gb := g.browser(mode.LocalShare)
	req = httptest.NewRequest("PROPFIND", "/dav/", nil)
	assert.Equal(t, http.StatusUnauthorized, gb.do(req).Code)
	req = httptest.NewRequest("PROPFIND", "/dav/", nil)
	req.SetBasicAuth("anyone", "1234")
	assert.Equal(t, http.StatusMultiStatus, gb.do(req).Code)
}

func TestWebDAVStaysInsideRoot(t *testing.T) {
	f := newFixture(t, nil)
	outside := t.TempDir()
	testutil.WriteFiles(t, outside, map[string]string{"secret.txt": "TOPSECRET"})
	require.NoError(t, os.Symlink(outside, filepath.Join(f.local, "link")))
	b := f.browser(mode.LocalShare)

	assert.Equal(t, http.StatusBadRequest, b.get("/link/secret.txt").Code)

	rec := b.get("/dav/link/secret.txt")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "TOPSECRET")

	req := httptest.NewRequest("PROPFIND", "/dav/link/", nil)
	req.Header.Set("Depth", "1")
	assert.Equal(t, http.StatusNotFound, b.do(req).Code)

	rec = b.do(httptest.NewRequest(http.MethodPut, "/dav/link/planted.txt", strings.NewReader("x")))
	assert.NotEqual(t, http.StatusCreated, rec.Code)
	assert.NoFileExists(t, filepath.Join(outside, "planted.txt"))

	rec = b.do(httptest.NewRequest(http.MethodDelete, "/dav/link/secret.txt", nil))
	assert.NotEqual(t, http.StatusNoContent, rec.Code)
	assert.FileExists(t, filepath.Join(outside, "secret.txt"))
}

func TestWebDAVNotMountedInRemoteDisk(t *testing.T) {
	f := newFixture(t, nil)
	b := f.browser(mode.RemoteDisk)
	b.login(t, "1234")
	rec := b.do(httptest.NewRequest("PROPFIND", "/dav/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
