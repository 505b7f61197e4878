// Package lifecycle binds and releases the HTTP listener as the serving mode
// changes, and accounts the bytes that cross it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	qrcode "github.com/skip2/go-qrcode"

	"lanlinker/internal/clock"
	"lanlinker/internal/config"
	"lanlinker/internal/fileops"
	"lanlinker/internal/mode"
	"lanlinker/internal/netutil"
)

const (
	shutdownTimeout = 3 * time.Second
	janitorInterval = time.Minute
	defaultQRSize   = 256
)

type Options struct {
	Config *config.Live
	// Router builds the handler served under a mode.
	Router func(mode.Mode) http.Handler
	// Preflight validates a mode before its listener is bound, e.g. that
	// the share root exists.
	Preflight func(mode.Mode) error
	// OnStop runs after the listener is released.
	OnStop func()
	Clock  clock.Clock
	// Host overrides the listen host. Empty listens on all interfaces.
	Host string
}

// Lifecycle is safe for concurrent use. Switch and Stop serialize on mu.
type Lifecycle struct {
	opt Options

	mu        sync.Mutex
	mode      mode.Mode
	srv       *http.Server
	ln        *countingListener
	port      int
	served    chan struct{}
	startedAt time.Time
	janitor   context.CancelFunc

	traffic traffic
}

func New(opt Options) *Lifecycle {
	if opt.Clock == nil {
		opt.Clock = clock.Real{}
	}
	return &Lifecycle{opt: opt}
}

// Mode returns the active mode.
func (l *Lifecycle) Mode() mode.Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// Advertise reports the bound HTTP port. ok is false while stopped.
func (l *Lifecycle) Advertise() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port, l.mode.Running()
}

// Switch stops the current listener and, unless m is Stopped, binds a new one
// serving m. On failure the lifecycle is left Stopped.
func (l *Lifecycle) Switch(ctx context.Context, m mode.Mode) error {
	c := l.opt.Config.Get()
	if m.Running() && (m.RequiresAuth() || c.GlobalAuth) && c.Pin == "" {
		return fmt.Errorf("%s requires a PIN but none is configured", m)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.stopLocked(ctx); err != nil {
		log.WithError(err).Warn("previous listener did not shut down cleanly")
	}
	if !m.Running() {
		return nil
	}
	if l.opt.Preflight != nil {
		if err := l.opt.Preflight(m); err != nil {
			return err
		}
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(l.opt.Host, fmt.Sprint(c.Port)))
	if err != nil {
		return fmt.Errorf("bind port %d: %w", c.Port, err)
	}
	cl := &countingListener{Listener: ln, t: &l.traffic}
	srv := &http.Server{
		Handler:           l.opt.Router(m),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := srv.Serve(cl); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server stopped")
		}
	}()

	l.mode = m
	l.srv = srv
	l.ln = cl
	l.port = ln.Addr().(*net.TCPAddr).Port
	l.served = served
	l.startedAt = l.opt.Clock.Now()
	if m == mode.QuickShare && c.QuickExpireHours > 0 {
		jctx, cancel := context.WithCancel(context.Background())
		l.janitor = cancel
		j := &fileops.Janitor{
			Dir:      c.QuickPath,
			MaxAge:   time.Duration(c.QuickExpireHours) * time.Hour,
			Interval: janitorInterval,
			Clock:    l.opt.Clock,
		}
		go j.Run(jctx)
	}
	log.WithFields(log.Fields{"mode": m.String(), "port": l.port}).Info("server started")
	return nil
}

// Stop shuts the listener down. In-flight requests get a short drain period
// before connections are closed. Returns once the listener is released.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopLocked(ctx)
}

func (l *Lifecycle) stopLocked(ctx context.Context) error {
	if l.srv == nil {
		l.mode = mode.Stopped
		return nil
	}
	if l.janitor != nil {
		l.janitor()
		l.janitor = nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := l.srv.Shutdown(shutdownCtx)
	if err != nil {
		_ = l.srv.Close()
	}
	_ = l.ln.Close()
	<-l.served

	log.WithField("mode", l.mode.String()).Info("server stopped")
	l.srv = nil
	l.ln = nil
	l.port = 0
	l.mode = mode.Stopped
	if l.opt.OnStop != nil {
		l.opt.OnStop()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// drain timed out and connections were force-closed
		return nil
	}
	return err
}

// Status is a snapshot for the admin API and CLI.
type Status struct {
	Mode        string    `json:"mode"`
	Port        int       `json:"port,omitempty"`
	URL         string    `json:"url,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
	BytesIn     int64     `json:"bytesIn"`
	BytesOut    int64     `json:"bytesOut"`
	Connections int64     `json:"connections"`
}

func (l *Lifecycle) Status() Status {
	l.mu.Lock()
	st := Status{Mode: l.mode.String()}
	if l.mode.Running() {
		st.Port = l.port
		st.StartedAt = l.startedAt
	}
	l.mu.Unlock()
	if st.Port != 0 {
		st.URL = netutil.ServerURL(st.Port)
	}
	st.BytesIn, st.BytesOut, st.Connections = l.traffic.snapshot()
	return st
}

// URL is the LAN address of the running server, empty while stopped.
func (l *Lifecycle) URL() string {
	port, ok := l.Advertise()
	if !ok {
		return ""
	}
	return netutil.ServerURL(port)
}

// QRCode renders the server URL as a PNG.
func (l *Lifecycle) QRCode(size int) ([]byte, error) {
	u := l.URL()
	if u == "" {
		return nil, errors.New("server is not running")
	}
	if size <= 0 {
		size = defaultQRSize
	}
	return qrcode.Encode(u, qrcode.Medium, size)
}
