package httpserver

import (
	"errors"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	lerrors "lanlinker/internal/errors"
	"lanlinker/internal/fileops"
	"lanlinker/internal/fsutil"
	"lanlinker/internal/mode"
)

const (
	maxThumbSize    = 1024
	minThumbSize    = 32
	textBodyOverrun = 4096
)

// handleFiles serves every path that is not a named route: listings,
// downloads, the per-mode root pages, the ?action= operations and uploads.
func (s *Server) handleFiles(m mode.Mode) hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ hr.Params) {
		uri := r.URL.Path
		action := r.URL.Query().Get("action")
		if allow := actionMethods(action); !methodIn(r.Method, allow) {
			w.Header().Set("Allow", strings.Join(allow, ", "))
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		switch action {
		case "":
			if r.Method == http.MethodPost {
				if s.requireWritable(w, r) {
					s.handleUpload(w, r, m, uri)
				}
				return
			}
		case "delete":
			if s.requireWritable(w, r) {
				s.handleDelete(w, r, m, uri)
			}
			return
		case "mkdir":
			if s.requireWritable(w, r) {
				s.handleMkdir(w, r, m, uri)
			}
			return
		case "zip":
			s.handleZip(w, r, m, uri)
			return
		case "thumb":
			s.handleThumb(w, r, m, uri)
			return
		default:
			writeError(w, r, lerrors.NewBadInput("unknown action"))
			return
		}

		if uri == "/" {
			switch m {
			case mode.QuickShare:
				s.handleQuickPage(w, r)
				return
			case mode.RemoteDisk:
				s.render(w, http.StatusOK, "drives.html", drivesView{
					pageView: s.page(r, "Drives", m.String()),
					Drives:   s.resolver.Drives(),
				})
				return
			}
		}

		target, err := s.resolver.Resolve(m, uri)
		if err != nil {
			writeResolveError(w, r, err)
			return
		}
		st, err := os.Stat(target)
		if err != nil {
			writeResolveError(w, r, err)
			return
		}
		if !st.IsDir() {
			if err := fileops.Download(w, r, target); err != nil {
				writeError(w, r, err)
			}
			return
		}
		ents, err := fileops.List(target)
		if err != nil {
			writeError(w, r, err)
			return
		}
		base := "/" + fsutil.CleanRelPath(uri)
		s.render(w, http.StatusOK, "listing.html", listingView{
			pageView: s.page(r, path.Base(base), m.String()),
			Path:     base,
			Parent:   parentPath(uri),
			Entries:  entryViews(base, ents),
		})
	}
}

// actionMethods lists the methods a ?action= value accepts. Changes are never
// made on HEAD.
func actionMethods(action string) []string {
	switch action {
	case "delete", "mkdir":
		return []string{http.MethodGet, http.MethodPost}
	case "zip", "thumb":
		return []string{http.MethodGet, http.MethodHead}
	}
	return []string{http.MethodGet, http.MethodHead, http.MethodPost}
}

func methodIn(method string, allowed []string) bool {
	for _, a := range allowed {
		if method == a {
			return true
		}
	}
	return false
}

func (s *Server) handleQuickPage(w http.ResponseWriter, r *http.Request) {
	root, err := s.resolver.Root(mode.QuickShare)
	if err != nil {
		writeResolveError(w, r, err)
		return
	}
	ents, err := fileops.List(root)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.render(w, http.StatusOK, "quick.html", quickView{
		pageView: s.page(r, "Quick Share", mode.QuickShare.String()),
		Entries:  entryViews("/", ents),
		MaxText:  s.cfg.Get().MaxTextLength,
	})
}

// isRootPath reports whether uri names the root of the mode, or in
// RemoteDisk mode, a drive root.
func isRootPath(m mode.Mode, uri string) bool {
	rel := fsutil.CleanRelPath(uri)
	if m == mode.RemoteDisk {
		return !strings.Contains(rel, "/")
	}
	return rel == ""
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, m mode.Mode, uri string) {
	if isRootPath(m, uri) {
		writeError(w, r, lerrors.NewBadInput("cannot delete a share root"))
		return
	}
	target, err := s.resolver.Resolve(m, uri)
	if err != nil {
		writeResolveError(w, r, err)
		return
	}
	if err := fileops.Delete(target); err != nil {
		writeError(w, r, err)
		return
	}
	log.WithFields(log.Fields{"path": uri, "remote_ip": clientIP(r)}).Info("deleted")
	back := parentPath(uri)
	if back == "" {
		back = "/"
	}
	http.Redirect(w, r, back, http.StatusFound)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request, m mode.Mode, uri string) {
	if m == mode.RemoteDisk && fsutil.CleanRelPath(uri) == "" {
		writeError(w, r, lerrors.NewBadInput("select a drive first"))
		return
	}
	dir, err := s.resolver.Resolve(m, uri)
	if err != nil {
		writeResolveError(w, r, err)
		return
	}
	name := r.FormValue("name")
	if err := fileops.Mkdir(dir, name); err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, escapePath(uri), http.StatusFound)
}

func (s *Server) handleZip(w http.ResponseWriter, r *http.Request, m mode.Mode, uri string) {
	if m == mode.RemoteDisk && fsutil.CleanRelPath(uri) == "" {
		writeError(w, r, lerrors.NewBadInput("select a drive first"))
		return
	}
	target, err := s.resolver.Resolve(m, uri)
	if err != nil {
		writeResolveError(w, r, err)
		return
	}
	if _, err := os.Stat(target); err != nil {
		writeError(w, r, lerrors.NewNotFound("no such file").WithCause(err))
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fileops.ContentDisposition(fileops.ZipName(target)))
	if err := fileops.Zip(r.Context(), w, target); err != nil {
		// headers are gone; the client sees a truncated archive
		log.WithError(err).WithField("path", uri).Error("zip stream failed")
	}
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request, m mode.Mode, uri string) {
	target, err := s.resolver.Resolve(m, uri)
	if err != nil {
		writeResolveError(w, r, err)
		return
	}
	size, _ := strconv.Atoi(r.URL.Query().Get("max"))
	if size > maxThumbSize {
		size = maxThumbSize
	} else if size != 0 && size < minThumbSize {
		size = minThumbSize
	}
	b, err := fileops.Thumbnail(target, s.thumbDir(), size)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(b)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, m mode.Mode, uri string) {
	if m == mode.RemoteDisk && fsutil.CleanRelPath(uri) == "" {
		writeError(w, r, lerrors.NewBadInput("select a drive first"))
		return
	}
	dir, err := s.resolver.Resolve(m, uri)
	if err != nil {
		writeResolveError(w, r, err)
		return
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		writeError(w, r, lerrors.NewNotFound("no such directory"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Get().MaxUploadBytes())
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, lerrors.NewBadInput("expected a multipart upload").WithCause(err))
		return
	}
	names, err := s.uploader.Upload(r.Context(), dir, mr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.WithFields(log.Fields{"path": uri, "files": names, "remote_ip": clientIP(r)}).Info("upload finished")
	http.Redirect(w, r, escapePath(uri), http.StatusFound)
}

// handleText stores posted text in the quick-share directory.
func (s *Server) handleText(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	if !s.requireWritable(w, r) {
		return
	}
	c := s.cfg.Get()
	// a rune is at most 4 bytes, and form encoding may triple that
	r.Body = http.MaxBytesReader(w, r.Body, int64(c.MaxTextLength)*12+textBodyOverrun)
	if err := r.ParseMultipartForm(textBodyOverrun); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, r, formError(err))
		return
	}
	root, err := s.resolver.Root(mode.QuickShare)
	if err != nil {
		writeError(w, r, lerrors.NewServiceFailure("quick share folder unavailable").WithCause(err))
		return
	}
	name, err := s.text.WriteText(root, r.PostForm.Get("content"), c.MaxTextLength)
	if err != nil {
		writeError(w, r, err)
		return
	}
	log.WithFields(log.Fields{"file": name, "remote_ip": clientIP(r)}).Info("text stored")
	http.Redirect(w, r, "/", http.StatusFound)
}

func formError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return lerrors.NewTooLarge("request body too large").WithCause(err)
	}
	return lerrors.NewBadInput("malformed form").WithCause(err)
}
