package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/magiconair/properties"
)

// Record is the persisted form of an authenticated session.
type Record struct {
	ID         string
	IP         string
	DeviceName string
	Nickname   string
	LastActive time.Time
}

type Store interface {
	Load() ([]Record, error)
	Save(Record) error
	Delete(id string) error
	// SaveAll replaces the stored records with recs.
	SaveAll(recs []Record) error
}

const (
	suffixName = ".name"
	suffixIP   = ".ip"
	suffixDev  = ".dev"
	suffixTime = ".time"
)

// PropertiesStore keeps records in a .properties file as <id>.name,
// <id>.ip, <id>.dev and <id>.time (unix millis). Every mutation rewrites the
// file via tmp + rename.
type PropertiesStore struct {
	path string

	mu    sync.Mutex
	props *properties.Properties
}

func NewPropertiesStore(path string) (*PropertiesStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	l := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true, IgnoreMissing: true}
	p, err := l.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	p.DisableExpansion = true
	return &PropertiesStore{path: path, props: p}, nil
}

func (s *PropertiesStore) Load() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, k := range s.props.Keys() {
		if !strings.HasSuffix(k, suffixName) {
			continue
		}
		id := strings.TrimSuffix(k, suffixName)
		if id == "" {
			continue
		}
		r := Record{
			ID:         id,
			Nickname:   s.props.GetString(id+suffixName, ""),
			IP:         s.props.GetString(id+suffixIP, ""),
			DeviceName: s.props.GetString(id+suffixDev, "Unknown"),
		}
		if ms, err := strconv.ParseInt(s.props.GetString(id+suffixTime, "0"), 10, 64); err == nil && ms > 0 {
			r.LastActive = time.UnixMilli(ms)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *PropertiesStore) Save(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := setRecord(s.props, r); err != nil {
		return err
	}
	return s.writeLocked()
}

func (s *PropertiesStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, suf := range []string{suffixName, suffixIP, suffixDev, suffixTime} {
		s.props.Delete(id + suf)
	}
	return s.writeLocked()
}

func (s *PropertiesStore) SaveAll(recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := properties.NewProperties()
	p.DisableExpansion = true
	for _, r := range recs {
		if err := setRecord(p, r); err != nil {
			return err
		}
	}
	s.props = p
	return s.writeLocked()
}

func setRecord(p *properties.Properties, r Record) error {
	kv := [][2]string{
		{r.ID + suffixName, r.Nickname},
		{r.ID + suffixIP, r.IP},
		{r.ID + suffixDev, r.DeviceName},
		{r.ID + suffixTime, strconv.FormatInt(r.LastActive.UnixMilli(), 10)},
	}
	for _, e := range kv {
		if _, _, err := p.Set(e[0], e[1]); err != nil {
			return err
		}
	}
	return nil
}

func (s *PropertiesStore) writeLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := s.props.Write(f, properties.UTF8); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
