// Package b2store keeps uploaded media in a Backblaze B2 bucket.
package b2store

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/kurin/blazer/b2"
	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core/media"
)

type (
	Store struct {
		baseURL   string // {downloadURL}/file/{bucket}
		newWriter func(ctx context.Context, key, contentType string) io.WriteCloser
	}
)

var _ media.Uploader = (*Store)(nil)

// Open authorizes against B2 and binds the store to bucketName.
func Open(ctx context.Context, keyID, appKey, bucketName string) (*Store, error) {
	client, err := b2.NewClient(ctx, keyID, appKey)
	if err != nil {
		return nil, errors.Wrap(err, "creating b2 client")
	}
	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return nil, errors.Wrap(err, "getting bucket")
	}
	return &Store{
		baseURL: fileBaseURL(bucket.BaseURL(), bucket.Name()),
		newWriter: func(ctx context.Context, key, contentType string) io.WriteCloser {
			return bucket.Object(key).NewWriter(ctx).WithAttrs(&b2.Attrs{ContentType: contentType})
		},
	}, nil
}

// fileBaseURL is the public prefix of every object in bucket.
func fileBaseURL(downloadURL, bucket string) string {
	return fmt.Sprintf("%s/file/%s", strings.TrimRight(downloadURL, "/"), bucket)
}

// Upload stores images under "images/" and everything else under "raw/".
func (s *Store) Upload(ctx context.Context, f media.File, kind, nameHint string) (string, error) {
	key := media.ObjectKey(f, kind, nameHint)
	contentType := f.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w := s.newWriter(ctx, key, contentType)
	if f.Content != nil {
		if _, err := io.Copy(w, f.Content); err != nil {
			_ = w.Close()
			return "", errors.Wrap(err, "writing object")
		}
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "closing writer")
	}
	return s.baseURL + "/" + key, nil
}

// ForceDownloadURL asks B2 to answer with an attachment Content-Disposition.
func (s *Store) ForceDownloadURL(rawURL, filename string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("b2ContentDisposition", fmt.Sprintf("attachment; filename=%q", filename))
	u.RawQuery = q.Encode()
	return u.String()
}
