// Package resolver maps request paths onto filesystem paths for the active
// serving mode.
package resolver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"lanlinker/internal/config"
	"lanlinker/internal/fsutil"
	"lanlinker/internal/mode"
)

var (
	// ErrTraversal is returned when a path would leave its root.
	ErrTraversal = fsutil.ErrPathEscape
	// ErrBadDrive is returned in RemoteDisk mode for a missing, malformed or
	// unknown drive designator.
	ErrBadDrive = errors.New("bad drive designator")
	// ErrNoRoot is returned when the mode has no filesystem root.
	ErrNoRoot = errors.New("no root for mode")
)

var driveRe = regexp.MustCompile(`^[a-zA-Z]:$`)

type Drive struct {
	Letter string
	Root   string
}

// Resolver is safe for concurrent use. It reads the live config on every call.
type Resolver struct {
	cfg *config.Live
	// drives overrides drive detection; nil means detect.
	drives func() []Drive
}

func New(cfg *config.Live) *Resolver {
	return &Resolver{cfg: cfg}
}

// Root returns the filesystem root served under m. QuickShare roots are
// created on demand.
func (r *Resolver) Root(m mode.Mode) (string, error) {
	c := r.cfg.Get()
	switch m {
	case mode.LocalShare:
		st, err := os.Stat(c.LocalRoot)
		if err != nil || !st.IsDir() {
			return "", fmt.Errorf("%w: local root %s unavailable", ErrNoRoot, c.LocalRoot)
		}
		return c.LocalRoot, nil
	case mode.QuickShare:
		if err := os.MkdirAll(c.QuickPath, 0o755); err != nil {
			return "", fmt.Errorf("%w: %v", ErrNoRoot, err)
		}
		return c.QuickPath, nil
	default:
		return "", ErrNoRoot
	}
}

// Resolve maps the URL path uri to an absolute filesystem path for mode m.
// In RemoteDisk mode the first segment selects the drive.
func (r *Resolver) Resolve(m mode.Mode, uri string) (string, error) {
	switch m {
	case mode.LocalShare, mode.QuickShare:
		root, err := r.Root(m)
		if err != nil {
			return "", err
		}
		return fsutil.ResolveWithinRoot(root, uri)
	case mode.RemoteDisk:
		return r.resolveRemote(uri)
	default:
		return "", ErrNoRoot
	}
}

func (r *Resolver) resolveRemote(uri string) (string, error) {
	p := strings.TrimLeft(strings.ReplaceAll(uri, "\\", "/"), "/")
	head, rest := p, ""
	if i := strings.IndexByte(p, '/'); i >= 0 {
		head, rest = p[:i], p[i+1:]
	}
	if !driveRe.MatchString(head) {
		return "", ErrBadDrive
	}
	letter := strings.ToUpper(head[:1])
	for _, d := range r.Drives() {
		if d.Letter == letter {
			return fsutil.ResolveWithinRoot(d.Root, rest)
		}
	}
	return "", ErrBadDrive
}

// Drives lists the drives reachable in RemoteDisk mode, ordered by letter.
func (r *Resolver) Drives() []Drive {
	if r.drives != nil {
		return r.drives()
	}
	if runtime.GOOS == "windows" {
		return detectWindowsDrives()
	}
	var out []Drive
	for letter, root := range r.cfg.Get().RemoteDrives {
		if st, err := os.Stat(root); err != nil || !st.IsDir() {
			continue
		}
		out = append(out, Drive{Letter: strings.ToUpper(letter), Root: filepath.Clean(root)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Letter < out[j].Letter })
	return out
}

func detectWindowsDrives() []Drive {
	var out []Drive
	for c := 'A'; c <= 'Z'; c++ {
		root := string(c) + `:\`
		if _, err := os.Stat(root); err == nil {
			out = append(out, Drive{Letter: string(c), Root: root})
		}
	}
	return out
}
