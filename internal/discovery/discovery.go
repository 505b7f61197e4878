// Package discovery finds other lanlinker hosts on the LAN with a UDP
// broadcast handshake:
//
//	-> LAN_LINKER_SCAN
//	<- LAN_LINKER_REPLY|<device name>|<http port>
//
// Devices that have not replied for DeviceTTL are dropped.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"lanlinker/internal/clock"
	"lanlinker/internal/netutil"
)

const (
	DefaultPort   = 59998
	MsgScan       = "LAN_LINKER_SCAN"
	ReplyPrefix   = "LAN_LINKER_REPLY"
	SweepInterval = 5 * time.Second
	DeviceTTL     = 15 * time.Second

	maxDatagram = 1024
	// consecutive read errors after which the reader gives up
	maxReadFailures = 10
)

// Device is a peer that answered a scan. (IP, Port) identifies it.
type Device struct {
	IP       string    `json:"ip"`
	Port     int       `json:"port"`
	Name     string    `json:"name"`
	LastSeen time.Time `json:"lastSeen"`
}

func (d Device) URL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(d.IP, strconv.Itoa(d.Port)))
}

// Advertiser reports the port of the running HTTP listener. ok is false
// while stopped.
type Advertiser interface {
	Advertise() (port int, ok bool)
}

type Options struct {
	// ListenAddr defaults to ":<DefaultPort>". Use ":0" for a scan-only
	// client.
	ListenAddr string
	// BroadcastAddr defaults to "255.255.255.255:<port of ListenAddr>".
	BroadcastAddr string
	// Name returns the device name put in replies.
	Name func() string
	// Discoverable gates replies. Nil means always.
	Discoverable func() bool
	Advertiser   Advertiser
	Clock        clock.Clock
	// IsSelf filters datagrams sent by this host. Defaults to
	// netutil.IsLocal.
	IsSelf func(net.IP) bool
}

type key struct {
	ip   string
	port int
}

// Service owns one UDP socket, a reader goroutine and a sweeper goroutine.
type Service struct {
	opt Options

	conn *net.UDPConn
	bc   *net.UDPAddr
	wg   sync.WaitGroup
	stop context.CancelFunc

	// readBackoff grows linearly with each consecutive read error
	readBackoff time.Duration

	mu      sync.Mutex
	devices map[key]Device
	subs    map[chan struct{}]struct{}
}

func New(opt Options) *Service {
	if opt.ListenAddr == "" {
		opt.ListenAddr = fmt.Sprintf(":%d", DefaultPort)
	}
	if opt.Clock == nil {
		opt.Clock = clock.Real{}
	}
	if opt.IsSelf == nil {
		opt.IsSelf = netutil.IsLocal
	}
	if opt.Name == nil {
		opt.Name = func() string { return "lanlinker" }
	}
	return &Service{
		opt:         opt,
		readBackoff: 100 * time.Millisecond,
		devices:     map[key]Device{},
		subs:        map[chan struct{}]struct{}{},
	}
}

// Start binds the socket and starts the reader and sweeper. A bind failure is
// returned and leaves the service inert.
func (s *Service) Start(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp4", s.opt.ListenAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("bind discovery socket %s: %w", s.opt.ListenAddr, err)
	}
	bcAddr := s.opt.BroadcastAddr
	if bcAddr == "" {
		port := laddr.Port
		if port == 0 {
			port = DefaultPort
		}
		bcAddr = fmt.Sprintf("255.255.255.255:%d", port)
	}
	bc, err := net.ResolveUDPAddr("udp4", bcAddr)
	if err != nil {
		_ = conn.Close()
		return err
	}
	s.conn = conn
	s.bc = bc
	ctx, cancel := context.WithCancel(ctx)
	s.stop = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.readLoop(ctx, conn)
	}()
	go func() {
		defer s.wg.Done()
		s.sweepLoop(ctx)
	}()
	log.WithField("addr", conn.LocalAddr().String()).Info("discovery listening")
	return nil
}

// LocalAddr is the bound socket address, nil before Start.
func (s *Service) LocalAddr() *net.UDPAddr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close ends participation and waits for the goroutines to exit.
func (s *Service) Close() error {
	if s.conn == nil {
		return nil
	}
	s.stop()
	err := s.conn.Close()
	s.wg.Wait()
	return err
}

// Scan broadcasts a scan request. The device list is not cleared.
func (s *Service) Scan() error {
	if s.conn == nil {
		return errors.New("discovery not started")
	}
	_, err := s.conn.WriteToUDP([]byte(MsgScan), s.bc)
	return err
}

// Devices returns a snapshot ordered by name.
func (s *Service) Devices() []Device {
	s.mu.Lock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].URL() < out[j].URL()
	})
	return out
}

// Subscribe returns a channel that receives a value whenever the device list
// changes, and a func that cancels the subscription.
func (s *Service) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}
}

func (s *Service) notifyLocked() {
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type packetReader interface {
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
}

// readLoop handles datagrams until the socket closes. Persistent read errors
// disable discovery instead of spinning.
func (s *Service) readLoop(ctx context.Context, conn packetReader) {
	buf := make([]byte, maxDatagram)
	failures := 0
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			failures++
			if failures >= maxReadFailures {
				log.WithError(err).Error("discovery disabled after repeated read failures")
				return
			}
			log.WithError(err).WithField("failures", failures).Warn("discovery read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(failures) * s.readBackoff):
			}
			continue
		}
		failures = 0
		s.handle(string(buf[:n]), from)
	}
}

func (s *Service) handle(msg string, from *net.UDPAddr) {
	if from == nil || s.opt.IsSelf(from.IP) {
		return
	}
	msg = strings.TrimSpace(msg)
	switch {
	case msg == MsgScan:
		s.reply(from)
	case strings.HasPrefix(msg, ReplyPrefix+"|"):
		name, port, err := parseReply(msg)
		if err != nil {
			log.WithError(err).WithField("from", from.String()).Debug("ignoring malformed reply")
			return
		}
		s.upsert(from.IP.String(), port, name)
	}
}

func (s *Service) reply(to *net.UDPAddr) {
	if s.opt.Discoverable != nil && !s.opt.Discoverable() {
		return
	}
	if s.opt.Advertiser == nil {
		return
	}
	port, ok := s.opt.Advertiser.Advertise()
	if !ok {
		return
	}
	msg := fmt.Sprintf("%s|%s|%d", ReplyPrefix, s.opt.Name(), port)
	if _, err := s.conn.WriteToUDP([]byte(msg), to); err != nil {
		log.WithError(err).WithField("to", to.String()).Warn("discovery reply failed")
	}
}

func parseReply(msg string) (string, int, error) {
	parts := strings.Split(msg, "|")
	if len(parts) != 3 {
		return "", 0, fmt.Errorf("want 3 fields, got %d", len(parts))
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("bad port %q", parts[2])
	}
	return parts[1], port, nil
}

func (s *Service) upsert(ip string, port int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{ip: ip, port: port}
	prev, existed := s.devices[k]
	s.devices[k] = Device{IP: ip, Port: port, Name: name, LastSeen: s.opt.Clock.Now()}
	if !existed || prev.Name != name {
		log.WithFields(log.Fields{"ip": ip, "port": port, "name": name}).Info("device discovered")
		s.notifyLocked()
	}
}

// Sweep drops devices not seen within DeviceTTL.
func (s *Service) Sweep() {
	now := s.opt.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for k, d := range s.devices {
		if now.Sub(d.LastSeen) > DeviceTTL {
			delete(s.devices, k)
			changed = true
		}
	}
	if changed {
		s.notifyLocked()
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	t := time.NewTicker(SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}
