package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"lanlinker/internal/auth"
	lerrors "lanlinker/internal/errors"
)

const (
	maxLoginBody = 16 << 10
	maxQRSize    = 1024
)

func (s *Server) handleLoginPage(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	s.renderLogin(w, r, http.StatusOK, "")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	sess := sessionFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxLoginBody)
	if err := r.ParseMultipartForm(maxLoginBody); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, r, formError(err))
		return
	}
	entry := log.WithFields(log.Fields{"uid": sess.ID, "remote_ip": clientIP(r)})
	if !s.gate.VerifyPin(r.PostForm.Get("pin")) {
		entry.Warn("login failed")
		s.renderLogin(w, r, http.StatusUnauthorized, "Wrong PIN")
		return
	}
	if err := s.sessions.MarkAuthenticated(sess); err != nil {
		writeError(w, r, lerrors.NewServiceFailure("failed to save session").WithCause(err))
		return
	}
	if err := s.sessions.SetNickname(sess, r.PostForm.Get("nickname")); err != nil {
		entry.WithError(err).Warn("failed to save nickname")
	}
	entry.WithField("nickname", sess.Nickname()).Info("login succeeded")
	http.SetCookie(w, s.gate.AuthCookie())
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	sess := sessionFrom(r.Context())
	if err := s.sessions.Revoke(sess); err != nil {
		log.WithError(err).WithField("uid", sess.ID).Error("failed to revoke session")
	}
	http.SetCookie(w, auth.ClearCookie())
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleQR renders the server URL as a PNG so a phone can join by scanning.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if size > maxQRSize {
		size = maxQRSize
	}
	b, err := s.runtime.QRCode(size)
	if err != nil {
		writeError(w, r, lerrors.NewServiceFailure("failed to render qr code").WithCause(err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(b)
}
