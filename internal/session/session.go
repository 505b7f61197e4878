// Package session identifies returning visitors and tracks which of them have
// passed the PIN check.
package session

import (
	"strings"
	"sync"
	"time"
)

const (
	// CookieUID carries the session id. It is not a secret.
	CookieUID = "LAN_LINKER_UID"
	idLength  = 8
)

// Session is one visiting device. ID never changes; every other field is
// guarded by mu.
type Session struct {
	ID string

	mu            sync.Mutex
	ip            string
	deviceName    string
	nickname      string
	authenticated bool
	lastActive    time.Time
}

// Snapshot is a point-in-time copy of a Session.
type Snapshot struct {
	ID            string    `json:"id"`
	IP            string    `json:"ip"`
	DeviceName    string    `json:"deviceName"`
	Nickname      string    `json:"nickname"`
	Authenticated bool      `json:"authenticated"`
	LastActive    time.Time `json:"lastActive"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:            s.ID,
		IP:            s.ip,
		DeviceName:    s.deviceName,
		Nickname:      s.nickname,
		Authenticated: s.authenticated,
		LastActive:    s.lastActive,
	}
}

func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

func (s *Session) Nickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickname
}

func (s *Session) touch(ip string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ip != "" {
		s.ip = ip
	}
	s.lastActive = now
}

func (s *Session) record() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Record{
		ID:         s.ID,
		IP:         s.ip,
		DeviceName: s.deviceName,
		Nickname:   s.nickname,
		LastActive: s.lastActive,
	}
}

// DeviceFromUserAgent infers a coarse device label from a User-Agent header.
func DeviceFromUserAgent(ua string) string {
	switch {
	case strings.TrimSpace(ua) == "":
		return "Unknown"
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "iPhone"):
		return "iPhone"
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "Macintosh"):
		return "Mac"
	default:
		return "Browser"
	}
}

func defaultNickname(device, id string) string {
	short := id
	if len(short) > 4 {
		short = short[:4]
	}
	return device + "_" + short
}
