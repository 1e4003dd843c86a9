package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ar-bundler/bundler/pkg/helpers"
	"github.com/ar-bundler/bundler/pkg/logging"
)

// Local is a filesystem-backed ObjectStore, used for single-node deployments
// and tests. Multipart uploads are staged under a per-upload directory and
// concatenated on completion.
type Local struct {
	root string
	mu   sync.Mutex
	log  *logging.Logger
}

// NewLocal creates a Local store rooted at dir, creating it if necessary.
func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create object store root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, ".multipart"), 0700); err != nil {
		return nil, fmt.Errorf("failed to create multipart staging dir: %w", err)
	}
	return &Local{root: dir, log: logging.GetDefault().Component("objectstore")}, nil
}

func (l *Local) keyPath(key string) string {
	return filepath.Join(l.root, safeName(key))
}

func (l *Local) uploadDir(uploadID string) string {
	return filepath.Join(l.root, ".multipart", safeName(uploadID))
}

// safeName hashes key into a flat filename so arbitrary data item ids never
// escape the root via path separators.
func safeName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (l *Local) Put(ctx context.Context, key string, data io.Reader, contentType string) error {
	path := l.keyPath(key)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(l.keyPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

func (l *Local) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(l.keyPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &limitedReadCloser{r: io.LimitReader(f, length), c: f}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }

func (l *Local) Head(ctx context.Context, key string) (int64, bool, error) {
	info, err := os.Stat(l.keyPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return info.Size(), true, nil
}

func (l *Local) Remove(ctx context.Context, key string) error {
	err := os.Remove(l.keyPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (l *Local) CreateMultipartUpload(ctx context.Context, key, contentType string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	suffix, err := helpers.GenerateSecureRandom(16)
	if err != nil {
		return "", err
	}
	uploadID := safeName(key) + "-" + hex.EncodeToString(suffix)
	if err := os.MkdirAll(l.uploadDir(uploadID), 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(l.uploadDir(uploadID), ".key"), []byte(key), 0600); err != nil {
		return "", err
	}
	return uploadID, nil
}

func (l *Local) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data io.Reader) (string, error) {
	dir := l.uploadDir(uploadID)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return "", ErrUploadNotFound
	}

	partPath := filepath.Join(dir, fmt.Sprintf("part-%06d", partNumber))
	f, err := os.Create(partPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), data); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Local) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) error {
	dir := l.uploadDir(uploadID)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return ErrUploadNotFound
	}

	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	path := l.keyPath(key)
	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}

	for _, p := range sorted {
		partPath := filepath.Join(dir, fmt.Sprintf("part-%06d", p.PartNumber))
		in, err := os.Open(partPath)
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("missing part %d: %w", p.PartNumber, err)
		}
		_, err = io.Copy(out, in)
		in.Close()
		if err != nil {
			out.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	return os.RemoveAll(dir)
}

func (l *Local) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return os.RemoveAll(l.uploadDir(uploadID))
}

var _ ObjectStore = (*Local)(nil)
