package httpserver

import (
	"context"
	"net/http"
	"os"

	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/webdav"

	"lanlinker/internal/fsutil"
	"lanlinker/internal/mode"
)

const davPrefix = "/dav"

var davMethods = []string{
	http.MethodOptions, http.MethodGet, http.MethodHead, http.MethodPost,
	http.MethodPut, http.MethodDelete, "PROPFIND", "PROPPATCH", "MKCOL",
	"COPY", "MOVE", "LOCK", "UNLOCK",
}

func davReadOnly(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, "PROPFIND":
		return true
	}
	return false
}

// mountDAV serves the mode root over WebDAV. WebDAV clients cannot follow the
// cookie login, so when the mode needs auth they present the PIN as the HTTP
// Basic password.
func (s *Server) mountDAV(r *hr.Router, m mode.Mode, ms []Middleware) {
	h := Chain(func(w http.ResponseWriter, req *http.Request, _ hr.Params) {
		if s.gate.NeedsAuth(m) {
			if _, pin, ok := req.BasicAuth(); !ok || !s.gate.VerifyPin(pin) {
				w.Header().Set("WWW-Authenticate", `Basic realm="lanlinker"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if !davReadOnly(req.Method) && !s.requireWritable(w, req) {
			return
		}
		root, err := s.resolver.Root(m)
		if err != nil {
			writeResolveError(w, req, err)
			return
		}
		dav := &webdav.Handler{
			Prefix:     davPrefix,
			FileSystem: jailFS{root: root, dir: webdav.Dir(root)},
			LockSystem: s.davLocks,
			Logger: func(req *http.Request, err error) {
				if err != nil {
					log.WithError(err).WithFields(log.Fields{"method": req.Method, "path": req.URL.Path}).Debug("webdav request failed")
				}
			},
		}
		dav.ServeHTTP(w, req)
	}, ms...)
	for _, method := range davMethods {
		r.Handle(method, davPrefix+"/*filepath", h)
	}
	r.Handle(http.MethodOptions, davPrefix, h)
	r.Handle("PROPFIND", davPrefix, h)
}

// jailFS is webdav.Dir with every name checked against the share root after
// symlinks are resolved. Escapes look like missing files.
type jailFS struct {
	root string
	dir  webdav.Dir
}

var _ webdav.FileSystem = jailFS{}

func (j jailFS) check(name string) error {
	if _, err := fsutil.ResolveWithinRoot(j.root, name); err != nil {
		return &os.PathError{Op: "resolve", Path: name, Err: os.ErrNotExist}
	}
	return nil
}

func (j jailFS) Mkdir(ctx context.Context, name string, perm os.FileMode) error {
	if err := j.check(name); err != nil {
		return err
	}
	return j.dir.Mkdir(ctx, name, perm)
}

func (j jailFS) OpenFile(ctx context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	if err := j.check(name); err != nil {
		return nil, err
	}
	return j.dir.OpenFile(ctx, name, flag, perm)
}

func (j jailFS) RemoveAll(ctx context.Context, name string) error {
	if err := j.check(name); err != nil {
		return err
	}
	return j.dir.RemoveAll(ctx, name)
}

func (j jailFS) Rename(ctx context.Context, oldName, newName string) error {
	if err := j.check(oldName); err != nil {
		return err
	}
	if err := j.check(newName); err != nil {
		return err
	}
	return j.dir.Rename(ctx, oldName, newName)
}

func (j jailFS) Stat(ctx context.Context, name string) (os.FileInfo, error) {
	if err := j.check(name); err != nil {
		return nil, err
	}
	return j.dir.Stat(ctx, name)
}
