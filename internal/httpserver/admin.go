package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"lanlinker/internal/auth"
	"lanlinker/internal/config"
	"lanlinker/internal/discovery"
	lerrors "lanlinker/internal/errors"
)

const maxAdminBody = 4 << 10

// mountAdmin registers the JSON admin API. Every route sits behind HTTP
// Basic auth and answers 404 while no admin hash is configured.
func (s *Server) mountAdmin(r *hr.Router, ms []Middleware) {
	handle := func(method, p string, h http.HandlerFunc) {
		guarded := auth.RequireAdmin(s.cfg, h)
		r.Handle(method, p, Chain(func(w http.ResponseWriter, req *http.Request, ps hr.Params) {
			guarded.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), hr.ParamsKey, ps)))
		}, ms...))
	}
	handle(http.MethodGet, "/api/admin/sessions", s.handleAdminSessions)
	handle(http.MethodDelete, "/api/admin/sessions/:id", s.handleAdminEvict)
	handle(http.MethodGet, "/api/admin/devices", s.handleAdminDevices)
	handle(http.MethodPost, "/api/admin/scan", s.handleAdminScan)
	handle(http.MethodGet, "/api/admin/status", s.handleAdminStatus)
	handle(http.MethodPut, "/api/admin/pin", s.handleAdminPin)
}

func writeJSONError(w http.ResponseWriter, err error) {
	e := lerrors.As(err)
	if e.StatusCode() >= http.StatusInternalServerError {
		log.Error(e.Trace())
	}
	writeJSON(w, e.StatusCode(), map[string]string{"error": e.Error()})
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleAdminEvict(w http.ResponseWriter, r *http.Request) {
	id := hr.ParamsFromContext(r.Context()).ByName("id")
	if err := s.sessions.Evict(id); err != nil {
		writeJSONError(w, err)
		return
	}
	log.WithField("uid", id).Info("session evicted by admin")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminDevices(w http.ResponseWriter, r *http.Request) {
	devs := []discovery.Device{}
	if s.peers != nil {
		devs = s.peers.Devices()
	}
	writeJSON(w, http.StatusOK, devs)
}

func (s *Server) handleAdminScan(w http.ResponseWriter, r *http.Request) {
	if s.peers == nil {
		writeJSONError(w, lerrors.NewNotFound("discovery is disabled"))
		return
	}
	if err := s.peers.Scan(); err != nil {
		writeJSONError(w, lerrors.NewServiceFailure("scan failed").WithCause(err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.Status())
}

// handleAdminPin replaces the PIN. Every authenticated session is demoted so
// visitors holding the old PIN cookie must log in again.
func (s *Server) handleAdminPin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pin string `json:"pin"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBody)).Decode(&req); err != nil {
		writeJSONError(w, lerrors.NewBadInput("bad json").WithCause(err))
		return
	}
	pin := strings.TrimSpace(req.Pin)
	if pin == "" {
		writeJSONError(w, lerrors.NewBadInput("pin must not be blank"))
		return
	}
	if err := s.cfg.Update(func(c *config.Config) { c.Pin = pin }); err != nil {
		writeJSONError(w, lerrors.NewBadInput(err.Error()).WithCause(err))
		return
	}
	if err := s.sessions.DemoteAll(); err != nil {
		writeJSONError(w, err)
		return
	}
	log.Info("pin changed by admin, sessions demoted")
	w.WriteHeader(http.StatusNoContent)
}
