package media

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// UploaderMock stores uploads in memory. For tests.
type UploaderMock struct {
	// FailAt makes the n-th upload (1-based) fail; 0 never fails.
	FailAt int

	mu       sync.Mutex
	uploaded []string
	bodies   [][]byte
}

var _ Uploader = (*UploaderMock)(nil)

func (u *UploaderMock) Upload(_ context.Context, f File, kind, nameHint string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.FailAt > 0 && len(u.uploaded)+1 == u.FailAt {
		u.FailAt = 0
		return "", errors.New("network down")
	}
	var body []byte
	if f.Content != nil {
		body, _ = io.ReadAll(f.Content)
	}
	key := ObjectKey(f, kind, nameHint)
	u.uploaded = append(u.uploaded, key)
	u.bodies = append(u.bodies, body)
	return "https://media.test/" + key, nil
}

func (u *UploaderMock) ForceDownloadURL(url, filename string) string {
	return url + "?download=" + filename
}

// Uploaded returns the keys stored so far.
func (u *UploaderMock) Uploaded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.uploaded...)
}

// Bodies returns the contents stored so far.
func (u *UploaderMock) Bodies() [][]byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([][]byte(nil), u.bodies...)
}
