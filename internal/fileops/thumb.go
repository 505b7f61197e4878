package fileops

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	lerrors "lanlinker/internal/errors"
)

const defaultThumbSize = 256

// Thumbnail returns a JPEG thumbnail of the image at file, no larger than max
// pixels on either side. Results are cached in cacheDir keyed by path and
// modification time.
func Thumbnail(file, cacheDir string, max int) ([]byte, error) {
	st, err := os.Stat(file)
	if err != nil || st.IsDir() {
		return nil, lerrors.NewNotFound("no such image")
	}
	if !isImageExt(strings.ToLower(filepath.Ext(file))) {
		return nil, lerrors.NewBadInput("not an image")
	}
	if max <= 0 {
		max = defaultThumbSize
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, lerrors.NewServiceFailure("failed to create thumbnail cache").WithCause(err)
	}
	thumbPath := filepath.Join(cacheDir, thumbKey(file, st.ModTime().Unix(), max))
	if b, err := os.ReadFile(thumbPath); err == nil {
		return b, nil
	}
	b, err := makeThumb(file, max)
	if err != nil {
		return nil, lerrors.NewBadInput("cannot decode image").WithCause(err)
	}
	_ = os.WriteFile(thumbPath, b, 0o644)
	return b, nil
}

func thumbKey(abs string, mtime int64, max int) string {
	sum := sha256.Sum256([]byte(abs))
	return fmt.Sprintf("%s-%d-%d.jpg", hex.EncodeToString(sum[:12]), mtime, max)
}

func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}

	nw, nh := w, h
	if w > h {
		if w > max {
			nw = max
			nh = int(float64(h) * (float64(max) / float64(w)))
		}
	} else {
		if h > max {
			nh = max
			nw = int(float64(w) * (float64(max) / float64(h)))
		}
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
