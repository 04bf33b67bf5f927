// Package media uploads lecture attachments to an external media store.
package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"

	"github.com/trezcool/lecturelog/core"
)

// Kinds
const (
	KindImage = "image"
	KindFile  = "file"
)

// DefaultMaxBatchBytes is the aggregate size ceiling of one submission.
const DefaultMaxBatchBytes int64 = 10 << 20

// sniffLen is how much of the content is read to detect a missing mime type.
const sniffLen = 3072

var errBatchTooLarge = errors.New("attachments too large")

type (
	// File is a local file awaiting upload.
	File struct {
		Name     string
		MimeType string
		Size     int64
		Content  io.Reader
	}

	// Uploaded describes a stored file.
	Uploaded struct {
		URL      string
		Name     string
		Kind     string
		MimeType string
	}

	// Uploader stores one file and returns its public URL.
	Uploader interface {
		Upload(ctx context.Context, f File, kind, nameHint string) (string, error)
		// ForceDownloadURL decorates url so that fetching it saves the file as filename.
		ForceDownloadURL(url, filename string) string
	}
)

// Classify returns KindImage for image/* mime types, KindFile otherwise.
func Classify(mimeType string) string {
	if strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return KindImage
	}
	return KindFile
}

// Sniff fills f.MimeType from the content when it is missing or generic.
func Sniff(f *File) error {
	if f.MimeType != "" && f.MimeType != "application/octet-stream" {
		return nil
	}
	if f.Content == nil {
		f.MimeType = "application/octet-stream"
		return nil
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f.Content, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return errors.Wrap(err, "reading file header")
	}
	head = head[:n]
	f.MimeType = mimetype.Detect(head).String()
	if i := strings.IndexByte(f.MimeType, ';'); i >= 0 {
		f.MimeType = f.MimeType[:i]
	}
	f.Content = io.MultiReader(bytes.NewReader(head), f.Content)
	return nil
}

// CheckBatch rejects a batch whose total size exceeds maxBytes (DefaultMaxBatchBytes when <= 0).
// It is meant to run before any network call.
func CheckBatch(files []File, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBatchBytes
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	if total > maxBytes {
		return core.NewValidationError(errBatchTooLarge, core.FieldError{
			Field: "files",
			Error: fmt.Sprintf("total size must not exceed %d MB", maxBytes>>20),
		})
	}
	return nil
}

// UploadBatch uploads files in order. Any failure fails the whole batch with core.ErrUploadFailed;
// files uploaded before the failure stay in the store.
func UploadBatch(ctx context.Context, up Uploader, files []File, nameHint string) ([]Uploaded, error) {
	out := make([]Uploaded, 0, len(files))
	for i := range files {
		f := files[i]
		if err := Sniff(&f); err != nil {
			return nil, errors.Wrapf(core.ErrUploadFailed, "%s: %v", f.Name, err)
		}
		kind := Classify(f.MimeType)
		url, err := up.Upload(ctx, f, kind, fmt.Sprintf("%s-%d", nameHint, i))
		if err != nil {
			return nil, errors.Wrapf(core.ErrUploadFailed, "%s: %v", f.Name, err)
		}
		out = append(out, Uploaded{URL: url, Name: f.Name, Kind: kind, MimeType: f.MimeType})
	}
	return out, nil
}

// ObjectKey returns the storage key of an upload: kind-specific prefix, hint and extension.
func ObjectKey(f File, kind, nameHint string) string {
	prefix := "raw"
	if kind == KindImage {
		prefix = "images"
	}
	ext := ""
	if i := strings.LastIndexByte(f.Name, '.'); i >= 0 {
		ext = strings.ToLower(f.Name[i:])
	} else if m := mimetype.Lookup(f.MimeType); m != nil {
		ext = m.Extension()
	}
	return prefix + "/" + core.NewID() + "-" + sanitize(nameHint) + ext
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '.', r == '/':
			b.WriteByte('-')
		}
	}
	return b.String()
}
