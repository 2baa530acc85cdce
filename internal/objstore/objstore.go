package objstore

import (
	"errors"
	"io"
	"time"
)

// ErrNoObject is returned when a stored object cannot be found.
var ErrNoObject = errors.New("objstore: no object")

// Store durably keeps uploaded audio blobs. Put returns an opaque id usable
// with the other methods; SignedURL turns an id into a URL the transcription
// provider can fetch for the given duration.
type Store interface {
	Put(name string, r io.ReadSeeker, size int64, contentType string) (string, error)
	SignedURL(id string, expires time.Duration) (string, error)
	Delete(id string) error
}
