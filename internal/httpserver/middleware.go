package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"lanlinker/internal/config"
	"lanlinker/internal/mode"
	"lanlinker/internal/session"
)

const uidMaxAge = 365 * 24 * 60 * 60

type Middleware func(hr.Handle) hr.Handle

// Chain composites given handler and middlewares. The last middleware runs
// first.
func Chain(h hr.Handle, ms ...Middleware) hr.Handle {
	for _, m := range ms {
		h = m(h)
	}
	return h
}

// PanicRecoverer recovers from panic of underlying handlers so one request
// cannot take down the connection handling of others.
func PanicRecoverer() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(log.Fields{"panicReason": rec, "path": r.URL.Path}).Error("got panic from underlying handler")
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			h(w, r, p)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger logs one line per request. Successful requests are logged at
// debug unless the live config has debug enabled.
func RequestLogger(cfg *config.Live) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w}
			h(sr, r, p)

			if sr.status == 0 {
				sr.status = http.StatusOK
			}
			fields := log.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      sr.status,
				"bytes":       sr.bytes,
				"remote_ip":   clientIP(r),
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if r.URL.RawQuery != "" {
				fields["query"] = r.URL.RawQuery
			}
			log.WithFields(fields).Log(levelForStatus(sr.status, cfg.Get().Debug), "http request")
		}
	}
}

func levelForStatus(code int, debug bool) log.Level {
	switch {
	case code >= 500:
		return log.ErrorLevel
	case code >= 400:
		return log.WarnLevel
	case debug:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}

// SecurityHeaders sets basic hardening headers on every response.
func SecurityHeaders() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			if w.Header().Get("Cache-Control") == "" {
				w.Header().Set("Cache-Control", "no-store")
			}
			h(w, r, p)
		}
	}
}

type ctxKey int

const sessionKey ctxKey = iota

func withSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

func sessionFrom(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey).(*session.Session)
	return s
}

// identify attaches the visitor's session to the request context and issues
// the visitor cookie when the session was not found by it.
func (s *Server) identify() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			var id string
			if ck, err := r.Cookie(session.CookieUID); err == nil {
				id = ck.Value
			}
			sess, setCookie := s.sessions.Identify(id, clientIP(r), r.UserAgent())
			if setCookie {
				http.SetCookie(w, &http.Cookie{
					Name:     session.CookieUID,
					Value:    sess.ID,
					Path:     "/",
					MaxAge:   uidMaxAge,
					SameSite: http.SameSiteLaxMode,
				})
			}
			h(w, r.WithContext(withSession(r.Context(), sess)), p)
		}
	}
}

// authorize runs the auth gate for mode m. Rejected requests get the login
// page in place of the resource; a stale authenticated session is demoted
// first.
func (s *Server) authorize(m mode.Mode) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			sess := sessionFrom(r.Context())
			d := s.gate.Check(r, m, sess)
			if d.Allowed {
				h(w, r, p)
				return
			}
			entry := log.WithFields(log.Fields{"path": r.URL.Path, "remote_ip": clientIP(r)})
			if sess != nil {
				entry = entry.WithField("uid", sess.ID)
			}
			if d.Demote {
				if err := s.sessions.Revoke(sess); err != nil {
					entry.WithError(err).Error("failed to revoke stale session")
				}
				entry.Info("credentials no longer valid, session demoted")
			}
			entry.Info("blocked unauthorized access")
			s.renderLogin(w, r, http.StatusUnauthorized, "")
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
