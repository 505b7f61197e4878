package fsutil

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned for any user path that would leave its root.
var ErrPathEscape = errors.New("path escape")

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// safe, slash-based, no-leading-slash relative path ("" means root). ".."
// segments are clamped at the root; use RelWithinRoot to reject them instead.
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// RelWithinRoot normalizes a user path like CleanRelPath but fails with
// ErrPathEscape when the path climbs above its root.
func RelWithinRoot(p string) (string, error) {
	if strings.Contains(p, "\x00") {
		return "", fmt.Errorf("%w: NUL in path", ErrPathEscape)
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(p, "/")
	if p == "" {
		return "", nil
	}
	p = path.Clean(p)
	if p == "." {
		return "", nil
	}
	if p == ".." || strings.HasPrefix(p, "../") {
		return "", ErrPathEscape
	}
	return p, nil
}

// JoinWithinRoot returns an absolute filesystem path under root for a given rel
// path. It rejects escapes (..).
func JoinWithinRoot(rootAbs string, rel string) (string, error) {
	rel, err := RelWithinRoot(rel)
	if err != nil {
		return "", err
	}
	rootClean := filepath.Clean(rootAbs)
	if rel == "" {
		return rootClean, nil
	}
	absClean := filepath.Clean(filepath.Join(rootClean, filepath.FromSlash(rel)))
	if !IsWithin(rootClean, absClean) {
		return "", ErrPathEscape
	}
	return absClean, nil
}

// ResolveWithinRoot is JoinWithinRoot plus a symlink check: symlinks are
// followed only when their target still lies inside root. Paths that do not
// exist yet are checked through their nearest existing ancestor.
func ResolveWithinRoot(rootAbs string, rel string) (string, error) {
	joined, err := JoinWithinRoot(rootAbs, rel)
	if err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(filepath.Clean(rootAbs))
	if err != nil {
		return "", err
	}
	existing := nearestExisting(joined)
	if existing == "" {
		return joined, nil
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	if !IsWithin(filepath.Clean(realRoot), filepath.Clean(resolved)) {
		return "", ErrPathEscape
	}
	return joined, nil
}

// IsWithin reports whether p equals root or lies below it. Both must be clean.
func IsWithin(root, p string) bool {
	if p == root {
		return true
	}
	if strings.HasSuffix(root, string(filepath.Separator)) {
		return strings.HasPrefix(p, root)
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

func nearestExisting(p string) string {
	for {
		if _, err := os.Lstat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return ""
		}
		p = parent
	}
}

// ValidName reports whether name is usable as a single path element.
func ValidName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// MoveFile renames src to dst, falling back to copy+remove when the rename
// crosses devices.
func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		if err2 := copyFile(src, dst); err2 != nil {
			return fmt.Errorf("move file: rename=%v copy=%v", err, err2)
		}
		_ = os.Remove(src)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}
