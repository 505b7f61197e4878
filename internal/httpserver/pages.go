package httpserver

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"lanlinker/internal/fileops"
	"lanlinker/internal/resolver"
)

const guestName = "Guest"

var templateFuncs = template.FuncMap{
	"humanSize": humanSize,
	"fmtTime": func(t time.Time) string {
		return t.Format("2006-01-02 15:04")
	},
}

type pageView struct {
	Title    string
	Nickname string
	Mode     string
	Writable bool
	LoggedIn bool
}

type entryView struct {
	fileops.Entry
	Href string
}

type listingView struct {
	pageView
	Path    string
	Parent  string
	Entries []entryView
}

type drivesView struct {
	pageView
	Drives []resolver.Drive
}

type quickView struct {
	pageView
	Entries []entryView
	MaxText int
}

type loginView struct {
	pageView
	Error string
}

func (s *Server) page(r *http.Request, title, modeName string) pageView {
	v := pageView{
		Title:    title,
		Nickname: guestName,
		Mode:     modeName,
		Writable: s.cfg.Get().AllowUpload,
	}
	if sess := sessionFrom(r.Context()); sess != nil && sess.Authenticated() {
		v.Nickname = sess.Nickname()
		v.LoggedIn = true
	}
	return v
}

// render executes the named template into a buffer first so a template error
// still produces a clean 500.
func (s *Server) render(w http.ResponseWriter, status int, name string, v any) {
	var buf bytes.Buffer
	if err := s.tmpl.ExecuteTemplate(&buf, name, v); err != nil {
		log.WithError(err).WithField("template", name).Error("error rendering html template")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) renderLogin(w http.ResponseWriter, r *http.Request, status int, msg string) {
	v := loginView{pageView: s.page(r, "Login", ""), Error: msg}
	if sess := sessionFrom(r.Context()); sess != nil {
		v.Nickname = sess.Nickname()
	}
	s.render(w, status, "login.html", v)
}

func entryViews(base string, ents []fileops.Entry) []entryView {
	out := make([]entryView, 0, len(ents))
	for _, e := range ents {
		href := escapePath(path.Join(base, e.Name))
		if e.IsDir {
			href += "/"
		}
		out = append(out, entryView{Entry: e, Href: href})
	}
	return out
}

// escapePath percent-encodes a slash separated URL path segment by segment.
func escapePath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Path: p}).EscapedPath()
}

func parentPath(uri string) string {
	clean := path.Clean("/" + strings.Trim(uri, "/"))
	if clean == "/" {
		return ""
	}
	parent := path.Dir(clean)
	if parent == "/" {
		return "/"
	}
	return escapePath(parent) + "/"
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
