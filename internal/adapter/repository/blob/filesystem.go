package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/V4T54L/invoice-router/internal/domain"
)

const refPrefix = "sha256/"

// FilesystemStore is a content-addressed attachment store. References are
// "sha256/<hex>", so storing the same bytes twice yields the same reference
// and a redelivered item never duplicates data.
type FilesystemStore struct {
	dir string
}

func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create attachment directory %s: %w", dir, err)
	}
	return &FilesystemStore{dir: dir}, nil
}

// Put writes data unless an object with the same digest already exists.
func (s *FilesystemStore) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	path := s.path(digest)

	if _, err := os.Stat(path); err == nil {
		return refPrefix + digest, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", domain.WrapTransient(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return "", domain.WrapTransient(err)
	}
	defer os.Remove(tmp.Name()) // no-op after the rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", domain.WrapTransient(fmt.Errorf("write attachment: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", domain.WrapTransient(fmt.Errorf("sync attachment: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return "", domain.WrapTransient(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", domain.WrapTransient(fmt.Errorf("commit attachment: %w", err))
	}
	return refPrefix + digest, nil
}

// Get returns the bytes stored under ref, or domain.ErrNotFound.
func (s *FilesystemStore) Get(ctx context.Context, ref string) ([]byte, error) {
	digest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || !validDigest(digest) {
		return nil, domain.WrapPermanent(fmt.Errorf("invalid attachment reference %q", ref))
	}
	data, err := os.ReadFile(s.path(digest))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.WrapTransient(err)
	}
	return data, nil
}

func (s *FilesystemStore) path(digest string) string {
	return filepath.Join(s.dir, digest[:2], digest)
}

func validDigest(d string) bool {
	if len(d) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(d)
	return err == nil
}
