// Package mode defines the serving modes a lanlinker process can be in.
package mode

import (
	"fmt"
	"strings"
)

// Mode is the single active serving policy. Exactly one is active at a time.
type Mode int

const (
	Stopped Mode = iota
	LocalShare
	QuickShare
	RemoteDisk
)

var names = map[Mode]string{
	Stopped:    "stopped",
	LocalShare: "local_share",
	QuickShare: "quick_share",
	RemoteDisk: "remote_disk",
}

func (m Mode) String() string {
	if n, ok := names[m]; ok {
		return n
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Running reports whether the mode binds an HTTP listener.
func (m Mode) Running() bool {
	return m == LocalShare || m == QuickShare || m == RemoteDisk
}

// RequiresAuth reports whether the mode demands PIN auth regardless of the
// global-auth setting.
func (m Mode) RequiresAuth() bool {
	return m == RemoteDisk
}

// Parse accepts "local_share", "local-share", "LOCAL_SHARE", "local" and the
// like.
func Parse(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	switch s {
	case "stopped", "stop", "":
		return Stopped, nil
	case "local_share", "local":
		return LocalShare, nil
	case "quick_share", "quick":
		return QuickShare, nil
	case "remote_disk", "remote":
		return RemoteDisk, nil
	default:
		return Stopped, fmt.Errorf("unknown mode %q", s)
	}
}
