// Package httpserver builds the HTTP router served under each mode: static
// assets, login, the file pipeline, WebDAV and the admin API.
package httpserver

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io/fs"
	"net/http"
	"path/filepath"

	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/webdav"

	"lanlinker/internal/auth"
	"lanlinker/internal/clock"
	"lanlinker/internal/config"
	"lanlinker/internal/discovery"
	lerrors "lanlinker/internal/errors"
	"lanlinker/internal/fileops"
	"lanlinker/internal/lifecycle"
	"lanlinker/internal/logging"
	"lanlinker/internal/mode"
	"lanlinker/internal/resolver"
	"lanlinker/internal/session"
)

// Runtime is the view of the server lifecycle the handlers need.
type Runtime interface {
	Status() lifecycle.Status
	QRCode(size int) ([]byte, error)
}

// Peers is the view of LAN discovery the admin API needs.
type Peers interface {
	Devices() []discovery.Device
	Scan() error
}

type Options struct {
	Config   *config.Live
	Sessions *session.Manager
	Gate     *auth.Gate
	Resolver *resolver.Resolver
	Uploader *fileops.Uploader
	Clock    clock.Clock
	Runtime  Runtime
	// Peers is nil when discovery is disabled.
	Peers Peers
}

type Server struct {
	cfg      *config.Live
	sessions *session.Manager
	gate     *auth.Gate
	resolver *resolver.Resolver
	uploader *fileops.Uploader
	text     *fileops.TextWriter
	runtime  Runtime
	peers    Peers

	tmpl     *template.Template
	staticFS fs.FS
	davLocks webdav.LockSystem
}

//go:embed templates/*.html static/*
var embeddedWeb embed.FS

func New(opts Options) (*Server, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(embeddedWeb, "templates/*.html")
	if err != nil {
		return nil, err
	}
	static, err := fs.Sub(embeddedWeb, "static")
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      opts.Config,
		sessions: opts.Sessions,
		gate:     opts.Gate,
		resolver: opts.Resolver,
		uploader: opts.Uploader,
		text:     fileops.NewTextWriter(opts.Clock),
		runtime:  opts.Runtime,
		peers:    opts.Peers,
		tmpl:     tmpl,
		staticFS: static,
		davLocks: webdav.NewMemLS(),
	}, nil
}

// Router returns the handler served while the lifecycle is in mode m.
func (s *Server) Router(m mode.Mode) http.Handler {
	r := hr.New()
	// Paths that match no route are file paths and must reach the file
	// pipeline untouched.
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.HandleMethodNotAllowed = false

	base := []Middleware{SecurityHeaders(), RequestLogger(s.cfg), PanicRecoverer()}
	visitor := append([]Middleware{s.identify()}, base...)
	gated := append([]Middleware{s.authorize(m)}, visitor...)

	static := http.StripPrefix("/static/", http.FileServer(http.FS(s.staticFS)))
	r.GET("/static/*filepath", Chain(func(w http.ResponseWriter, r *http.Request, _ hr.Params) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		static.ServeHTTP(w, r)
	}, base...))

	r.GET("/login", Chain(s.handleLoginPage, visitor...))
	r.POST("/login", Chain(s.handleLogin, visitor...))
	r.POST("/logout", Chain(s.handleLogout, visitor...))
	r.POST("/api/text", Chain(s.handleText, gated...))
	r.GET("/api/qr", Chain(s.handleQR, gated...))
	r.GET("/favicon.ico", Chain(func(w http.ResponseWriter, r *http.Request, _ hr.Params) {
		http.NotFound(w, r)
	}, base...))

	s.mountAdmin(r, base)
	if s.cfg.Get().WebDAV && (m == mode.LocalShare || m == mode.QuickShare) {
		s.mountDAV(r, m, base)
	}

	files := Chain(s.handleFiles(m), gated...)
	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		files(w, r, nil)
	})
	return r
}

func (s *Server) requireWritable(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.Get().AllowUpload {
		return true
	}
	writeError(w, r, lerrors.NewForbidden("write denied"))
	return false
}

// writeError translates err into a status code and a short plain-text body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := lerrors.As(err)
	code := e.StatusCode()
	entry := logging.WithFuncName().WithFields(log.Fields{"path": r.URL.Path, "status": code})
	if code >= http.StatusInternalServerError {
		entry.Error(e.Trace())
	} else {
		entry.Debug(e.Error())
	}
	http.Error(w, e.Error(), code)
}

// writeResolveError maps resolver failures: traversal is a client error,
// everything else sends the visitor back to the site root.
func writeResolveError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, resolver.ErrTraversal):
		writeError(w, r, lerrors.NewBadInput("invalid path").WithCause(err))
	case r.URL.Path == "/":
		writeError(w, r, lerrors.NewNotFound("share root unavailable").WithCause(err))
	case errors.Is(err, resolver.ErrBadDrive), errors.Is(err, resolver.ErrNoRoot), errors.Is(err, fs.ErrNotExist):
		http.Redirect(w, r, "/", http.StatusFound)
	default:
		writeError(w, r, lerrors.NewServiceFailure("resolve path").WithCause(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func (s *Server) thumbDir() string {
	return filepath.Join(s.cfg.Get().StateDir, "thumbs")
}
