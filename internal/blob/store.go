// Package blob is the content-addressed byte store. A blob's identity is the
// cryptographic digest of its bytes; the storage path is a pure function of
// the digest, so byte-identical uploads share one physical file.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"medvault.org/internal/ids"
)

var (
	// ErrStorageIO wraps any filesystem failure. No partial artifact is left
	// behind when it is returned.
	ErrStorageIO = errors.New("blob: storage io error")
	// ErrMissing means the digest has no backing blob.
	ErrMissing = errors.New("blob: missing")
	// ErrInvalidDigest rejects malformed digests before they touch the path
	// layout.
	ErrInvalidDigest = errors.New("blob: invalid digest")
)

const lockStripes = 64

// Store writes blobs under root with a two-level fan-out derived from the
// digest prefix. Writes go to a temp file first and are renamed into place,
// so a partially written blob is never visible under its final path.
type Store struct {
	root  string
	algo  Algo
	locks [lockStripes]sync.Mutex
}

// NewStore creates the root and temp directories and returns the store.
func NewStore(root string, algo Algo) (*Store, error) {
	if root == "" {
		return nil, errors.New("blob: root path is required")
	}
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o750); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return &Store{root: root, algo: algo}, nil
}

// Algo reports the digest algorithm in use.
func (s *Store) Algo() Algo { return s.algo }

// Path returns the blob path for a digest: <root>/ab/cd/<digest>. The
// fan-out bounds directory size; the full digest keeps the name unambiguous.
func (s *Store) Path(digest string) (string, error) {
	if err := validateDigest(digest); err != nil {
		return "", err
	}
	return filepath.Join(s.root, digest[0:2], digest[2:4], digest), nil
}

// PutResult describes a completed write.
type PutResult struct {
	Digest string
	Size   int64
	// Existed is true when an identical blob was already stored and the
	// physical write was skipped.
	Existed bool
}

// Put streams r into the store, computing the digest while writing. The
// check-then-link step runs under a digest-striped lock so a race between
// identical uploads never produces two physical blobs or a torn file.
func (s *Store) Put(ctx context.Context, r io.Reader) (PutResult, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-"+ids.New()+"-*")
	if err != nil {
		return PutResult{}, fmt.Errorf("%w: create temp: %v", ErrStorageIO, err)
	}
	tmpPath := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	hasher := s.algo.newHasher()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		discard()
		return PutResult{}, fmt.Errorf("%w: write: %v", ErrStorageIO, err)
	}
	if err := tmp.Sync(); err != nil {
		discard()
		return PutResult{}, fmt.Errorf("%w: sync: %v", ErrStorageIO, err)
	}
	if err := tmp.Close(); err != nil {
		discard()
		return PutResult{}, fmt.Errorf("%w: close: %v", ErrStorageIO, err)
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmpPath)
		return PutResult{}, err
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	final, err := s.Path(digest)
	if err != nil {
		_ = os.Remove(tmpPath)
		return PutResult{}, err
	}

	lock := &s.locks[stripe(digest)]
	lock.Lock()
	defer lock.Unlock()

	if _, err := os.Stat(final); err == nil {
		_ = os.Remove(tmpPath)
		return PutResult{Digest: digest, Size: size, Existed: true}, nil
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o750); err != nil {
		_ = os.Remove(tmpPath)
		return PutResult{}, fmt.Errorf("%w: mkdir: %v", ErrStorageIO, err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return PutResult{}, fmt.Errorf("%w: rename: %v", ErrStorageIO, err)
	}
	return PutResult{Digest: digest, Size: size}, nil
}

// Open returns a reader over the blob's bytes.
func (s *Store) Open(ctx context.Context, digest string) (io.ReadCloser, error) {
	path, err := s.Path(digest)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("%w: open: %v", ErrStorageIO, err)
	}
	return f, nil
}

// Exists reports whether a blob with the digest is stored.
func (s *Store) Exists(ctx context.Context, digest string) (bool, error) {
	path, err := s.Path(digest)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat: %v", ErrStorageIO, err)
	}
	return true, nil
}

func validateDigest(digest string) error {
	if len(digest) != hexLen {
		return ErrInvalidDigest
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return ErrInvalidDigest
	}
	return nil
}

func stripe(digest string) int {
	// The digest is validated hex, its first byte is uniform enough.
	return int(digest[0]) % lockStripes
}
