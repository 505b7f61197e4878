// Package fileops implements the filesystem side of every request: listings,
// downloads, uploads, posted text, mkdir and delete. Callers pass paths that
// were already resolved inside a root; nothing here checks permissions.
package fileops

import (
	"bufio"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lerrors "lanlinker/internal/errors"
)

// TextExt marks files created from posted text.
const TextExt = ".lanmsg"

const snippetRunes = 200

type Entry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
	Mime    string
	// Snippet holds the start of a posted text file, empty otherwise.
	Snippet string
}

func (e Entry) IsImage() bool {
	return !e.IsDir && isImageExt(strings.ToLower(filepath.Ext(e.Name)))
}

func (e Entry) IsText() bool {
	return !e.IsDir && strings.HasSuffix(e.Name, TextExt)
}

// List returns the visible entries of dir: directories first, then files,
// each group ordered by case-insensitive name.
func List(dir string) ([]Entry, error) {
	st, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, lerrors.NewNotFound("no such directory").WithCause(err)
		}
		return nil, lerrors.NewServiceFailure("failed to stat directory").WithCause(err)
	}
	if !st.IsDir() {
		return nil, lerrors.NewBadInput("not a directory")
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, lerrors.NewServiceFailure("failed to read directory").WithCause(err)
	}
	items := make([]Entry, 0, len(ents))
	for _, e := range ents {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		it := Entry{
			Name:    name,
			IsDir:   info.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if !it.IsDir {
			it.Mime = contentTypeForName(name)
		}
		if it.IsText() {
			it.Snippet, _ = ReadSnippet(filepath.Join(dir, name), snippetRunes)
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	return items, nil
}

// ReadSnippet returns at most limit runes from the start of file.
func ReadSnippet(file string, limit int) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()
	br := bufio.NewReader(f)
	var b strings.Builder
	for n := 0; n < limit; n++ {
		r, _, err := br.ReadRune()
		if err == io.EOF {
			break
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	default:
		return false
	}
}

func contentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ext == TextExt {
		return "text/plain; charset=utf-8"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".mkv":
		return "video/x-matroska"
	case ".mp3":
		return "audio/mpeg"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md", ".json":
		return "text/plain; charset=utf-8"
	case ".zip":
		return "application/zip"
	case ".apk":
		return "application/vnd.android.package-archive"
	default:
		return ""
	}
}
