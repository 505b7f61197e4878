package fileops

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	lerrors "lanlinker/internal/errors"
)

// Download streams file as an attachment. Range requests and Content-Length
// are handled by http.ServeContent.
func Download(w http.ResponseWriter, r *http.Request, file string) error {
	f, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) {
			return lerrors.NewNotFound("no such file").WithCause(err)
		}
		return lerrors.NewServiceFailure("failed to open file").WithCause(err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return lerrors.NewServiceFailure("failed to stat file").WithCause(err)
	}
	if st.IsDir() {
		return lerrors.NewBadInput("is a directory")
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", ContentDisposition(st.Name()))
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
	return nil
}

// ContentDisposition renders an attachment header carrying both a plain
// filename and its RFC 5987 UTF-8 form.
func ContentDisposition(name string) string {
	plain := strings.Map(func(r rune) rune {
		if r == '"' || r == '\\' || r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, name)
	enc := strings.ReplaceAll(url.QueryEscape(name), "+", "%20")
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, plain, enc)
}
