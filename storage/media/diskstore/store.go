// Package diskstore keeps uploaded media on the local disk. For development.
package diskstore

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core/media"
)

// DownloadParam asks the Handler to serve a file as an attachment named after its value.
const DownloadParam = "download"

type Store struct {
	dir     string
	baseURL string
}

var _ media.Uploader = (*Store)(nil)

// New stores files under dir; their URLs start with baseURL.
func New(dir, baseURL string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating media dir")
	}
	return &Store{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *Store) Upload(ctx context.Context, f media.File, kind, nameHint string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := media.ObjectKey(f, kind, nameHint)
	dst := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", errors.Wrap(err, "creating media dir")
	}

	out, err := os.Create(dst)
	if err != nil {
		return "", errors.Wrap(err, "creating media file")
	}
	if f.Content != nil {
		if _, err = io.Copy(out, f.Content); err != nil {
			_ = out.Close()
			_ = os.Remove(dst)
			return "", errors.Wrap(err, "writing media file")
		}
	}
	if err = out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", errors.Wrap(err, "writing media file")
	}
	return s.baseURL + "/" + key, nil
}

func (s *Store) ForceDownloadURL(rawURL, filename string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(DownloadParam, filename)
	u.RawQuery = q.Encode()
	return u.String()
}

// Handler serves stored files, as attachments when DownloadParam is set.
// It expects the request path relative to the media root.
func (s *Store) Handler() http.Handler {
	files := http.FileServer(http.Dir(s.dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if name := r.URL.Query().Get(DownloadParam); name != "" {
			disposition := mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(name)})
			w.Header().Set("Content-Disposition", disposition)
		}
		files.ServeHTTP(w, r)
	})
}
