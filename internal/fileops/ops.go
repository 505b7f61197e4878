package fileops

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"lanlinker/internal/clock"
	lerrors "lanlinker/internal/errors"
	"lanlinker/internal/fsutil"
)

const maxStampBumps = 1000

// TextWriter saves posted text as clip_<unixmillis>.lanmsg files.
type TextWriter struct {
	clock clock.Clock
}

func NewTextWriter(c clock.Clock) *TextWriter {
	if c == nil {
		c = clock.Real{}
	}
	return &TextWriter{clock: c}
}

// WriteText normalizes line endings and stores content in dir. Empty text and
// text longer than maxLen characters are rejected. The returned name is the
// file created.
func (t *TextWriter) WriteText(dir, content string, maxLen int) (string, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if strings.TrimSpace(content) == "" {
		return "", lerrors.NewBadInput("text is empty")
	}
	if n := len([]rune(content)); n > maxLen {
		return "", lerrors.NewBadInput(fmt.Sprintf("text is %d characters, limit is %d", n, maxLen))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", lerrors.NewServiceFailure("failed to create text directory").WithCause(err)
	}
	stamp := t.clock.Now().UnixMilli()
	for i := 0; i < maxStampBumps; i++ {
		name := "clip_" + strconv.FormatInt(stamp+int64(i), 10) + TextExt
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", lerrors.NewServiceFailure("failed to create text file").WithCause(err)
		}
		_, err = f.WriteString(content)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(filepath.Join(dir, name))
			return "", lerrors.NewServiceFailure("failed to write text file").WithCause(err)
		}
		return name, nil
	}
	return "", lerrors.NewServiceFailure("no free text file name")
}

// Mkdir creates dir/name. A blank name or an existing directory is a no-op.
func Mkdir(dir, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if !fsutil.ValidName(name) {
		return lerrors.NewBadInput("invalid folder name")
	}
	p := filepath.Join(dir, name)
	err := os.Mkdir(p, 0o755)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrExist) {
		if st, serr := os.Stat(p); serr == nil && st.IsDir() {
			return nil
		}
		return lerrors.NewBadInput("a file with that name exists")
	}
	return lerrors.NewServiceFailure("failed to create folder").WithCause(err)
}

// Delete removes target recursively, children before parents. The first
// failure aborts the walk; anything removed before it stays removed.
func Delete(target string) error {
	st, err := os.Lstat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return lerrors.NewNotFound("no such file").WithCause(err)
		}
		return lerrors.NewServiceFailure("failed to stat target").WithCause(err)
	}
	if err := deleteTree(target, st.IsDir()); err != nil {
		return lerrors.NewServiceFailure("delete failed").WithCause(err)
	}
	return nil
}

func deleteTree(p string, isDir bool) error {
	if isDir {
		ents, err := os.ReadDir(p)
		if err != nil {
			return err
		}
		for _, e := range ents {
			// symlinks are removed, never followed
			if err := deleteTree(filepath.Join(p, e.Name()), e.IsDir()); err != nil {
				return err
			}
		}
	}
	return os.Remove(p)
}
