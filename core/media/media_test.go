package media

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/lecturelog/core"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func TestClassify(t *testing.T) {
	tests := []struct {
		mime string
		want string
	}{
		{"image/png", KindImage},
		{"IMAGE/JPEG", KindImage},
		{"application/pdf", KindFile},
		{"", KindFile},
	}
	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.mime))
		})
	}
}

func TestSniff(t *testing.T) {
	f := File{Name: "scan", Content: bytes.NewReader(pngHeader)}
	require.NoError(t, Sniff(&f))
	assert.Equal(t, "image/png", f.MimeType)

	// content is still readable in full
	body, err := io.ReadAll(f.Content)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, body)

	declared := File{Name: "notes.pdf", MimeType: "application/pdf", Content: bytes.NewReader(pngHeader)}
	require.NoError(t, Sniff(&declared))
	assert.Equal(t, "application/pdf", declared.MimeType)
}

func TestCheckBatch(t *testing.T) {
	files := []File{{Size: 6 << 20}, {Size: 4 << 20}}
	assert.NoError(t, CheckBatch(files, 0))

	err := CheckBatch(append(files, File{Size: 1}), 0)
	require.Error(t, err)
	var verr *core.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "files", verr.Fields[0].Field)

	assert.Error(t, CheckBatch([]File{{Size: 2}}, 1))
}

func TestUploadBatch(t *testing.T) {
	ctx := context.Background()
	newFiles := func() []File {
		return []File{
			{Name: "page1.png", Size: int64(len(pngHeader)), Content: bytes.NewReader(pngHeader)},
			{Name: "summary.pdf", MimeType: "application/pdf", Size: 3, Content: strings.NewReader("pdf")},
		}
	}

	t.Run("all succeed", func(t *testing.T) {
		up := new(UploaderMock)
		got, err := UploadBatch(ctx, up, newFiles(), "Optics Notes")
		require.NoError(t, err)
		require.Len(t, got, 2)

		assert.Equal(t, KindImage, got[0].Kind)
		assert.Equal(t, "image/png", got[0].MimeType)
		assert.Equal(t, "page1.png", got[0].Name)
		assert.True(t, strings.HasPrefix(up.Uploaded()[0], "images/"))
		assert.True(t, strings.HasSuffix(up.Uploaded()[0], "-optics-notes-0.png"))
		assert.Equal(t, pngHeader, up.Bodies()[0])

		assert.Equal(t, KindFile, got[1].Kind)
		assert.True(t, strings.HasPrefix(up.Uploaded()[1], "raw/"))
	})

	t.Run("one failure fails the batch", func(t *testing.T) {
		up := &UploaderMock{FailAt: 2}
		got, err := UploadBatch(ctx, up, newFiles(), "x")
		assert.Nil(t, got)
		assert.True(t, errors.Is(err, core.ErrUploadFailed), "err = %v", err)
		assert.Len(t, up.Uploaded(), 1) // orphaned sibling
	})
}
