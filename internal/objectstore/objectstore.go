// Package objectstore validates and stores user-uploaded images (avatars,
// post images) and returns a publicly resolvable URL for each.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/roach88/animeboard/internal/model"
)

// MaxUploadBytes is the upload size limit (5 MB).
const MaxUploadBytes = 5 << 20

var (
	// ErrTooLarge wraps model.ErrInvalid for uploads over MaxUploadBytes.
	ErrTooLarge = fmt.Errorf("%w: upload exceeds %d bytes", model.ErrInvalid, MaxUploadBytes)
	// ErrUnsupportedType wraps model.ErrInvalid for non jpeg/png/gif content.
	ErrUnsupportedType = fmt.Errorf("%w: unsupported image type", model.ErrInvalid)
	// ErrEmpty wraps model.ErrInvalid for zero-byte uploads.
	ErrEmpty = fmt.Errorf("%w: empty upload", model.ErrInvalid)
)

// allowed maps sniffed content types to the key extension.
var allowed = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
}

// Validate sniffs data and returns its content type and extension. The
// declared type of the upload is never trusted.
func Validate(data []byte) (contentType, ext string, err error) {
	if len(data) == 0 {
		return "", "", ErrEmpty
	}
	if len(data) > MaxUploadBytes {
		return "", "", ErrTooLarge
	}
	mt := mimetype.Detect(data)
	for m := mt; m != nil; m = m.Parent() {
		if ext, ok := allowed[m.String()]; ok {
			return m.String(), ext, nil
		}
	}
	return "", "", fmt.Errorf("%w: %s", ErrUnsupportedType, mt.String())
}

// Key names an object: {userID}/{unixnano}.{ext}.
func Key(userID string, at time.Time, ext string) string {
	return fmt.Sprintf("%s/%d.%s", userID, at.UnixNano(), ext)
}

// Backend writes an object and returns its public URL.
type Backend interface {
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
}

// Uploader validates uploads and hands them to a Backend.
type Uploader struct {
	backend Backend
	now     func() time.Time
}

// NewUploader creates an Uploader over backend.
func NewUploader(backend Backend) *Uploader {
	return &Uploader{backend: backend, now: time.Now}
}

// WithClock returns a copy of u that stamps keys with now.
func (u *Uploader) WithClock(now func() time.Time) *Uploader {
	c := *u
	c.now = now
	return &c
}

// Upload reads at most MaxUploadBytes+1 from r, validates, and stores it
// under the user's prefix.
func (u *Uploader) Upload(ctx context.Context, userID string, r io.Reader) (string, error) {
	if userID == "" {
		return "", model.Invalidf("upload: user id required")
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(r, MaxUploadBytes+1)); err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}

	contentType, ext, err := Validate(buf.Bytes())
	if err != nil {
		return "", err
	}

	key := Key(userID, u.now(), ext)
	url, err := u.backend.Put(ctx, key, contentType, buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("store %s: %w", key, err)
	}
	slog.Info("upload stored", "key", key, "content_type", contentType, "bytes", buf.Len())
	return url, nil
}

// IsRejected reports whether err is a validation rejection rather than a
// storage failure.
func IsRejected(err error) bool {
	return errors.Is(err, model.ErrInvalid)
}
