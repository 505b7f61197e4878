// Package config loads lanlinker settings from a .properties file and the
// environment. Defaults are applied so the rest of the process can rely on
// fully populated values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "LANLINKER"

	KeyServerPort        = "server.port"
	KeyAllowUpload       = "server.allow_upload"
	KeyLocalRoot         = "local.root_path"
	KeyQuickPath         = "quick.path"
	KeyQuickMaxFileMB    = "quick.max_file_mb"
	KeyQuickMaxTextLen   = "quick.max_text_len"
	KeyQuickExpireHours  = "quick.expire_hours"
	KeyPin               = "security.pin"
	KeyGlobalAuth        = "security.global_auth"
	KeySessionExpiry     = "security.session_expiry"
	KeyDeviceName        = "device.name"
	KeyDiscoveryEnabled  = "discovery.enabled"
	KeyDiscoveryPort     = "discovery.port"
	KeyStateDir          = "state.dir"
	KeyDebug             = "system.debug"
	KeyWebDAVEnable      = "webdav.enable"
	KeyAdminBcrypt       = "admin.bcrypt"
	KeyRemoteDrives      = "remote.drives"
	defaultPin           = "123456"
	defaultMaxTextLength = 32767
)

// Config is the full set of knobs. Zero values are never seen by callers of
// Load; applyDefaults fills them.
type Config struct {
	// Port is the HTTP listen port.
	Port int
	// AllowUpload gates every mutating request (upload, text, mkdir, delete,
	// WebDAV writes).
	AllowUpload bool

	// LocalRoot is served in LocalShare mode.
	LocalRoot string
	// QuickPath is served in QuickShare mode and receives posted text.
	// Created on first access.
	QuickPath string
	// MaxFileMB caps a single upload request body.
	MaxFileMB int64
	// MaxTextLength caps posted text, counted in characters.
	MaxTextLength int
	// QuickExpireHours removes quick-share entries older than this while
	// QuickShare is active. 0 disables expiry.
	QuickExpireHours int

	Pin           string
	GlobalAuth    bool
	SessionExpiry AuthExpiry

	DeviceName       string
	DiscoveryEnabled bool
	DiscoveryPort    int

	// StateDir holds the session store and the thumbnail cache.
	StateDir string
	Debug    bool

	WebDAV bool
	// AdminBcrypt is the bcrypt hash guarding /api/admin. Empty disables the
	// admin API.
	AdminBcrypt string
	// RemoteDrives maps a drive letter to a filesystem root for RemoteDisk
	// mode on hosts without drive letters.
	RemoteDrives map[string]string
}

// AuthExpiry is how long the auth cookie lives in the browser.
type AuthExpiry string

const (
	ExpirySession AuthExpiry = "session"
	ExpiryHour    AuthExpiry = "1h"
	ExpiryDay     AuthExpiry = "1d"
	ExpiryWeek    AuthExpiry = "7d"
	ExpiryMonth   AuthExpiry = "30d"
	ExpiryYear    AuthExpiry = "365d"
)

var expiryOrder = []AuthExpiry{ExpirySession, ExpiryHour, ExpiryDay, ExpiryWeek, ExpiryMonth, ExpiryYear}

var expiryDurations = map[AuthExpiry]time.Duration{
	ExpirySession: 0,
	ExpiryHour:    time.Hour,
	ExpiryDay:     24 * time.Hour,
	ExpiryWeek:    7 * 24 * time.Hour,
	ExpiryMonth:   30 * 24 * time.Hour,
	ExpiryYear:    365 * 24 * time.Hour,
}

// ParseAuthExpiry accepts the named values as well as their legacy numeric
// index ("0" for session up to "5" for a year).
func ParseAuthExpiry(s string) (AuthExpiry, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if i, err := strconv.Atoi(s); err == nil {
		if i < 0 || i >= len(expiryOrder) {
			return "", fmt.Errorf("session expiry index %d out of range", i)
		}
		return expiryOrder[i], nil
	}
	e := AuthExpiry(s)
	if _, ok := expiryDurations[e]; !ok {
		return "", fmt.Errorf("unknown session expiry %q", s)
	}
	return e, nil
}

// MaxAge returns the cookie Max-Age in seconds. ok is false for session
// cookies, which carry no Max-Age at all.
func (e AuthExpiry) MaxAge() (seconds int, ok bool) {
	d, known := expiryDurations[e]
	if !known || d == 0 {
		return 0, false
	}
	return int(d / time.Second), true
}

// Load reads path (a .properties file; empty means defaults only), overlays
// LANLINKER_* environment variables, applies defaults and validates.
func Load(path string) (Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// NewViper returns a viper instance with defaults, environment overrides and
// the optional properties file at path loaded. A missing file is not an
// error.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("properties")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	return v, nil
}

// FromViper builds a Config from an already populated viper instance. CLI
// flags bound to v take precedence over file and environment.
func FromViper(v *viper.Viper) (Config, error) {
	exp, err := ParseAuthExpiry(v.GetString(KeySessionExpiry))
	if err != nil {
		return Config{}, err
	}
	c := Config{
		Port:             v.GetInt(KeyServerPort),
		AllowUpload:      v.GetBool(KeyAllowUpload),
		LocalRoot:        strings.TrimSpace(v.GetString(KeyLocalRoot)),
		QuickPath:        strings.TrimSpace(v.GetString(KeyQuickPath)),
		MaxFileMB:        v.GetInt64(KeyQuickMaxFileMB),
		MaxTextLength:    v.GetInt(KeyQuickMaxTextLen),
		QuickExpireHours: v.GetInt(KeyQuickExpireHours),
		Pin:              strings.TrimSpace(v.GetString(KeyPin)),
		GlobalAuth:       v.GetBool(KeyGlobalAuth),
		SessionExpiry:    exp,
		DeviceName:       strings.TrimSpace(v.GetString(KeyDeviceName)),
		DiscoveryEnabled: v.GetBool(KeyDiscoveryEnabled),
		DiscoveryPort:    v.GetInt(KeyDiscoveryPort),
		StateDir:         strings.TrimSpace(v.GetString(KeyStateDir)),
		Debug:            v.GetBool(KeyDebug),
		WebDAV:           v.GetBool(KeyWebDAVEnable),
		AdminBcrypt:      strings.TrimSpace(v.GetString(KeyAdminBcrypt)),
		RemoteDrives:     map[string]string{},
	}
	for letter, root := range v.GetStringMapString(KeyRemoteDrives) {
		c.RemoteDrives[strings.ToUpper(letter)] = root
	}
	applyDefaults(&c)
	if err := validate(&c); err != nil {
		return Config{}, err
	}
	if err := absolutize(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyServerPort, 8080)
	v.SetDefault(KeyAllowUpload, true)
	v.SetDefault(KeyQuickPath, "./quick_share")
	v.SetDefault(KeyQuickMaxFileMB, 1024)
	v.SetDefault(KeyQuickMaxTextLen, defaultMaxTextLength)
	v.SetDefault(KeyQuickExpireHours, 1)
	v.SetDefault(KeyPin, defaultPin)
	v.SetDefault(KeyGlobalAuth, false)
	v.SetDefault(KeySessionExpiry, string(ExpiryHour))
	v.SetDefault(KeyDiscoveryEnabled, true)
	v.SetDefault(KeyDiscoveryPort, 59998)
	v.SetDefault(KeyStateDir, "./.lanlinker")
	v.SetDefault(KeyDebug, false)
	v.SetDefault(KeyWebDAVEnable, true)
}

// applyDefaults populates values that cannot be expressed as static viper
// defaults.
func applyDefaults(c *Config) {
	if c.LocalRoot == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.LocalRoot = home
		} else {
			c.LocalRoot = "."
		}
	}
	if c.DeviceName == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			c.DeviceName = host
		} else {
			c.DeviceName = "lanlinker"
		}
	}
	if len(c.RemoteDrives) == 0 {
		c.RemoteDrives = map[string]string{"R": string(filepath.Separator)}
	}
}

func validate(c *Config) error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%s must be in 1..65535, got %d", KeyServerPort, c.Port)
	}
	if c.DiscoveryPort < 1 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("%s must be in 1..65535, got %d", KeyDiscoveryPort, c.DiscoveryPort)
	}
	if c.MaxFileMB <= 0 {
		return fmt.Errorf("%s must be positive", KeyQuickMaxFileMB)
	}
	if c.MaxTextLength <= 0 {
		return fmt.Errorf("%s must be positive", KeyQuickMaxTextLen)
	}
	if c.QuickExpireHours < 0 {
		return fmt.Errorf("%s must not be negative", KeyQuickExpireHours)
	}
	if strings.ContainsAny(c.DeviceName, "|\r\n") {
		return fmt.Errorf("%s must not contain '|' or line breaks", KeyDeviceName)
	}
	for letter := range c.RemoteDrives {
		if len(letter) != 1 || !isLetter(letter[0]) {
			return fmt.Errorf("%s: %q is not a drive letter", KeyRemoteDrives, letter)
		}
	}
	return nil
}

func absolutize(c *Config) error {
	for _, p := range []*string{&c.LocalRoot, &c.QuickPath, &c.StateDir} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return err
		}
		*p = abs
	}
	return nil
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// MaxUploadBytes is the request body cap for uploads.
func (c Config) MaxUploadBytes() int64 {
	return c.MaxFileMB << 20
}

// Live is the running configuration. Handlers read it per request so that
// operator changes (a new PIN, toggled uploads) apply without a restart.
type Live struct {
	mu  sync.RWMutex
	cfg Config
}

func NewLive(c Config) *Live {
	return &Live{cfg: c}
}

// Get returns a copy of the current config. RemoteDrives is shared and must
// be treated as read-only.
func (l *Live) Get() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// Update applies fn under the write lock and re-validates the result. On a
// validation failure the previous config is kept.
func (l *Live) Update(fn func(*Config)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.cfg
	fn(&next)
	if err := validate(&next); err != nil {
		return err
	}
	l.cfg = next
	return nil
}
