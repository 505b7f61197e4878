package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bluele/gcache"
	log "github.com/sirupsen/logrus"

	"lanlinker/internal/clock"
	lerrors "lanlinker/internal/errors"
)

const (
	defaultGuestCapacity = 1024
	defaultGuestIdle     = 24 * time.Hour
)

type Options struct {
	// Store persists authenticated sessions. Nil keeps everything in memory.
	Store Store
	Clock clock.Clock
	IDs   clock.IDGenerator
	// GuestCapacity bounds the number of unauthenticated sessions kept.
	GuestCapacity int
	// GuestIdle evicts unauthenticated sessions that have not been seen for
	// this long.
	GuestIdle time.Duration
}

// Manager owns every Session. Authenticated sessions live in a map and are
// never evicted for inactivity; guests live in an LRU cache.
type Manager struct {
	store Store
	clock clock.Clock
	ids   clock.IDGenerator

	mu     sync.Mutex
	authed map[string]*Session
	guests gcache.Cache
	// byIP points at the most recently seen session per address. Entries may
	// go stale when a guest is evicted; lookups tolerate that.
	byIP map[string]string
}

// NewManager builds a Manager and reloads persisted sessions from the store.
func NewManager(opt Options) (*Manager, error) {
	if opt.Clock == nil {
		opt.Clock = clock.Real{}
	}
	if opt.IDs == nil {
		opt.IDs = clock.UUIDGenerator{}
	}
	if opt.GuestCapacity <= 0 {
		opt.GuestCapacity = defaultGuestCapacity
	}
	if opt.GuestIdle <= 0 {
		opt.GuestIdle = defaultGuestIdle
	}
	m := &Manager{
		store:  opt.Store,
		clock:  opt.Clock,
		ids:    opt.IDs,
		authed: map[string]*Session{},
		guests: gcache.New(opt.GuestCapacity).LRU().Expiration(opt.GuestIdle).Build(),
		byIP:   map[string]string{},
	}
	if m.store == nil {
		return m, nil
	}
	recs, err := m.store.Load()
	if err != nil {
		return nil, lerrors.NewServiceFailure("failed to load sessions").WithCause(err)
	}
	for _, r := range recs {
		s := &Session{
			ID:            r.ID,
			ip:            r.IP,
			deviceName:    r.DeviceName,
			nickname:      r.Nickname,
			authenticated: true,
			lastActive:    r.LastActive,
		}
		m.authed[s.ID] = s
		if s.ip != "" {
			m.byIP[s.ip] = s.ID
		}
	}
	log.WithField("count", len(recs)).Debug("reloaded persisted sessions")
	return m, nil
}

// Identify finds the visitor's session by cookie id, then by IP, creating a
// new guest session if neither matches. The second return value reports
// whether a session was created and the visitor cookie must be set.
func (m *Manager) Identify(cookieID, ip, userAgent string) (*Session, bool) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if cookieID != "" {
		if s := m.lookupLocked(cookieID); s != nil {
			m.touchLocked(s, ip, now)
			return s, false
		}
	}
	if id, ok := m.byIP[ip]; ok && ip != "" {
		if s := m.lookupLocked(id); s != nil {
			m.touchLocked(s, ip, now)
			return s, false
		}
		delete(m.byIP, ip)
	}

	id := m.newIDLocked()
	device := DeviceFromUserAgent(userAgent)
	s := &Session{
		ID:         id,
		ip:         ip,
		deviceName: device,
		nickname:   defaultNickname(device, id),
		lastActive: now,
	}
	_ = m.guests.Set(id, s)
	if ip != "" {
		m.byIP[ip] = id
	}
	log.WithFields(log.Fields{"id": id, "ip": ip, "device": device}).Info("new visitor")
	return s, true
}

func (m *Manager) lookupLocked(id string) *Session {
	if s, ok := m.authed[id]; ok {
		return s
	}
	v, err := m.guests.Get(id)
	if err != nil {
		return nil
	}
	return v.(*Session)
}

func (m *Manager) touchLocked(s *Session, ip string, now time.Time) {
	prev := s.Snapshot().IP
	s.touch(ip, now)
	if ip != "" && ip != prev {
		if m.byIP[prev] == s.ID {
			delete(m.byIP, prev)
		}
	}
	if ip != "" {
		m.byIP[ip] = s.ID
	}
	if !s.Authenticated() {
		// re-set to restart the idle timer
		_ = m.guests.Set(s.ID, s)
	}
}

func (m *Manager) newIDLocked() string {
	for {
		id := m.ids.New()
		if len(id) > idLength {
			id = id[:idLength]
		}
		if m.lookupLocked(id) == nil {
			return id
		}
	}
}

// MarkAuthenticated flags s as having passed the PIN check and persists it.
func (m *Manager) MarkAuthenticated(s *Session) error {
	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()

	m.mu.Lock()
	m.guests.Remove(s.ID)
	m.authed[s.ID] = s
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	if err := m.store.Save(s.record()); err != nil {
		return lerrors.NewServiceFailure("failed to persist session").WithCause(err)
	}
	return nil
}

// Revoke clears the authenticated flag and drops the persisted record. The
// session stays known as a guest.
func (m *Manager) Revoke(s *Session) error {
	s.mu.Lock()
	s.authenticated = false
	s.mu.Unlock()

	m.mu.Lock()
	delete(m.authed, s.ID)
	_ = m.guests.Set(s.ID, s)
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	if err := m.store.Delete(s.ID); err != nil {
		return lerrors.NewServiceFailure("failed to delete session").WithCause(err)
	}
	return nil
}

// SetNickname updates the display name. Blank names are ignored.
func (m *Manager) SetNickname(s *Session, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	s.mu.Lock()
	s.nickname = name
	authed := s.authenticated
	s.mu.Unlock()
	if !authed || m.store == nil {
		return nil
	}
	if err := m.store.Save(s.record()); err != nil {
		return lerrors.NewServiceFailure("failed to persist session").WithCause(err)
	}
	return nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.lookupLocked(id)
	return s, s != nil
}

// List returns snapshots of all known sessions, most recently active first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	out := make([]Snapshot, 0, len(m.authed))
	for _, s := range m.authed {
		out = append(out, s.Snapshot())
	}
	for _, v := range m.guests.GetALL(true) {
		out = append(out, v.(*Session).Snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out
}

// Evict forgets a session entirely, including its persisted record.
func (m *Manager) Evict(id string) error {
	m.mu.Lock()
	s := m.lookupLocked(id)
	if s == nil {
		m.mu.Unlock()
		return lerrors.NewNotFound("no such session")
	}
	delete(m.authed, id)
	m.guests.Remove(id)
	ip := s.Snapshot().IP
	if m.byIP[ip] == id {
		delete(m.byIP, ip)
	}
	m.mu.Unlock()

	s.mu.Lock()
	s.authenticated = false
	s.mu.Unlock()
	if m.store == nil {
		return nil
	}
	if err := m.store.Delete(id); err != nil {
		return lerrors.NewServiceFailure("failed to delete session").WithCause(err)
	}
	return nil
}

// DemoteAll revokes every authenticated session. Used after a PIN change.
func (m *Manager) DemoteAll() error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.authed))
	for _, s := range m.authed {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		if err := m.Revoke(s); err != nil {
			return err
		}
	}
	return nil
}

// Flush rewrites every persisted record with the latest IP and activity time.
func (m *Manager) Flush() error {
	if m.store == nil {
		return nil
	}
	m.mu.Lock()
	recs := make([]Record, 0, len(m.authed))
	for _, s := range m.authed {
		recs = append(recs, s.record())
	}
	m.mu.Unlock()
	if err := m.store.SaveAll(recs); err != nil {
		return lerrors.NewServiceFailure("failed to flush sessions").WithCause(err)
	}
	return nil
}
