package objstore

import (
	"io"
	"os"
	"path/filepath"
	"time"
)

// Local is a Store backed by a directory, for development and tests. Ids are
// file:// URLs; SignedURL returns the id unchanged since nothing is private.
type Local struct {
	dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Local{dir: dir}, nil
}

func (l *Local) Put(name string, r io.ReadSeeker, size int64, contentType string) (string, error) {
	path := filepath.Join(l.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", err
	}
	return "file://" + path, nil
}

func (l *Local) SignedURL(id string, expires time.Duration) (string, error) {
	return id, nil
}

func (l *Local) Delete(id string) error {
	path, ok := strippedPath(id)
	if !ok {
		return ErrNoObject
	}
	if err := os.Remove(path); os.IsNotExist(err) {
		return ErrNoObject
	} else if err != nil {
		return err
	}
	return nil
}

func strippedPath(id string) (string, bool) {
	const scheme = "file://"
	if len(id) <= len(scheme) || id[:len(scheme)] != scheme {
		return "", false
	}
	return id[len(scheme):], true
}
