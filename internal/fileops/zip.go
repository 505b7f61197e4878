package fileops

import (
	"archive/zip"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	lerrors "lanlinker/internal/errors"
)

// ZipName is the attachment name used for an archive of target.
func ZipName(target string) string {
	s := strings.TrimSpace(filepath.Base(target))
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.Trim(s, ". ")
	if s == "" || s == string(filepath.Separator) || strings.HasSuffix(s, ":") {
		s = "download"
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s + ".zip"
}

// Zip streams target (a file or a directory tree) as a zip archive to w.
// Unreadable entries inside a directory are skipped.
func Zip(ctx context.Context, w io.Writer, target string) error {
	st, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return lerrors.NewNotFound("no such file").WithCause(err)
		}
		return lerrors.NewServiceFailure("failed to stat target").WithCause(err)
	}
	zw := zip.NewWriter(w)
	top := sanitizeZipPath(filepath.Base(target))
	if top == "" {
		top = "item"
	}
	if st.IsDir() {
		err = zipDir(ctx, zw, target, top)
	} else {
		err = zipFile(zw, target, top, st)
	}
	if err != nil {
		_ = zw.Close()
		return lerrors.NewServiceFailure("zip failed").WithCause(err)
	}
	if err := zw.Close(); err != nil {
		return lerrors.NewServiceFailure("zip failed").WithCause(err)
	}
	return nil
}

func zipDir(ctx context.Context, zw *zip.Writer, baseAbs, baseRel string) error {
	return filepath.WalkDir(baseAbs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		relp, err := filepath.Rel(baseAbs, p)
		if err != nil {
			return nil
		}
		zipPath := sanitizeZipPath(filepath.ToSlash(filepath.Join(baseRel, relp)))
		if zipPath == "" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		return zipFile(zw, p, zipPath, info)
	})
}

func zipFile(zw *zip.Writer, abs, zipPath string, info fs.FileInfo) error {
	f, err := os.Open(abs)
	if err != nil {
		return nil
	}
	defer f.Close()
	h := &zip.FileHeader{
		Name:     zipPath,
		Method:   zip.Deflate,
		Modified: info.ModTime(),
	}
	wr, err := zw.CreateHeader(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(wr, f)
	return err
}

func sanitizeZipPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	p = strings.ReplaceAll(p, "\x00", "")
	p = strings.Trim(p, "/")
	if p == "." || p == "" {
		return ""
	}
	// Avoid extremely long zip paths.
	if len(p) > 240 {
		p = p[:240]
	}
	return p
}
