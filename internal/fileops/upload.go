package fileops

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"

	lerrors "lanlinker/internal/errors"
	"lanlinker/internal/fsutil"
)

// Uploader streams multipart file parts into a staging directory and moves
// each completed file into place. A failed or cancelled upload never leaves a
// partial file in the destination.
type Uploader struct {
	dir string
}

// NewUploader stages files under <stateDir>/uploads. Leftover staging files
// from a previous run are removed.
func NewUploader(stateDir string) (*Uploader, error) {
	dir := filepath.Join(stateDir, "uploads")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	u := &Uploader{dir: dir}
	u.cleanStale()
	return u, nil
}

func (u *Uploader) cleanStale() {
	ents, err := os.ReadDir(u.dir)
	if err != nil {
		return
	}
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".part") {
			_ = os.Remove(filepath.Join(u.dir, e.Name()))
		}
	}
}

// Upload stores every file part of mr into dir under its declared base name,
// replacing existing files. Parts without a filename are skipped. It returns
// the names written.
func (u *Uploader) Upload(ctx context.Context, dir string, mr *multipart.Reader) ([]string, error) {
	var saved []string
	for {
		if err := ctx.Err(); err != nil {
			return saved, lerrors.NewServiceFailure("upload cancelled").WithCause(err)
		}
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return saved, nil
		}
		if err != nil {
			return saved, bodyError(err)
		}
		name := strings.TrimSpace(part.FileName())
		if name == "" {
			_ = part.Close()
			continue
		}
		if !fsutil.ValidName(name) {
			_ = part.Close()
			return saved, lerrors.NewBadInput("invalid file name")
		}
		if err := u.store(ctx, dir, name, part); err != nil {
			_ = part.Close()
			return saved, err
		}
		_ = part.Close()
		saved = append(saved, name)
		log.WithFields(log.Fields{"dir": dir, "name": name}).Info("file uploaded")
	}
}

func (u *Uploader) store(ctx context.Context, dir, name string, src io.Reader) error {
	tmp := filepath.Join(u.dir, ksuid.New().String()+".part")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return lerrors.NewServiceFailure("failed to create staging file").WithCause(err)
	}
	_, err = io.Copy(f, &ctxReader{ctx: ctx, r: src})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return bodyError(err)
	}
	if err := fsutil.MoveFile(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return lerrors.NewServiceFailure("failed to store upload").WithCause(err)
	}
	return nil
}

func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return lerrors.NewTooLarge("upload exceeds size limit").WithCause(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return lerrors.NewServiceFailure("upload cancelled").WithCause(err)
	}
	return lerrors.NewBadInput("malformed upload").WithCause(err)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
