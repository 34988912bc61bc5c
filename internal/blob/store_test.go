package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// sha256("hello world")
const helloDigest = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func newTestStore(t *testing.T, algo Algo) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), algo)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestPutOpenRoundTrip(t *testing.T) {
	s := newTestStore(t, AlgoSHA256)
	ctx := context.Background()

	res, err := s.Put(ctx, strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if res.Digest != helloDigest {
		t.Fatalf("digest %s, want %s", res.Digest, helloDigest)
	}
	if res.Size != int64(len("hello world")) || res.Existed {
		t.Fatalf("result %+v", res)
	}

	rc, err := s.Open(ctx, res.Digest)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("read back %q", data)
	}
}

func TestPutDeduplicates(t *testing.T) {
	s := newTestStore(t, AlgoSHA256)
	ctx := context.Background()

	first, err := s.Put(ctx, strings.NewReader("same bytes"))
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	second, err := s.Put(ctx, strings.NewReader("same bytes"))
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if second.Digest != first.Digest {
		t.Fatalf("digests differ: %s vs %s", first.Digest, second.Digest)
	}
	if !second.Existed {
		t.Fatal("second put did not report dedup")
	}
}

func TestConcurrentIdenticalPuts(t *testing.T) {
	s := newTestStore(t, AlgoSHA256)
	ctx := context.Background()
	content := bytes.Repeat([]byte("imaging data "), 4096)

	var wg sync.WaitGroup
	results := make([]PutResult, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Put(ctx, bytes.NewReader(content))
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("put %d: %v", i, errs[i])
		}
		if results[i].Digest != results[0].Digest {
			t.Fatalf("put %d digest mismatch", i)
		}
	}

	path, err := s.Path(results[0].Digest)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("blob file: %v", err)
	}
	if info.Size() != int64(len(content)) {
		t.Fatalf("blob size %d, want %d", info.Size(), len(content))
	}
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	s, err := NewStore(root, AlgoSHA256)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Put(context.Background(), strings.NewReader("payload")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	entries, err := os.ReadDir(filepath.Join(root, "tmp"))
	if err != nil {
		t.Fatalf("ReadDir tmp: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("%d stray temp files", len(entries))
	}
}

func TestOpenMissing(t *testing.T) {
	s := newTestStore(t, AlgoSHA256)
	if _, err := s.Open(context.Background(), helloDigest); !errors.Is(err, ErrMissing) {
		t.Fatalf("got %v, want ErrMissing", err)
	}
	ok, err := s.Exists(context.Background(), helloDigest)
	if err != nil || ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
}

func TestInvalidDigestRejected(t *testing.T) {
	s := newTestStore(t, AlgoSHA256)
	for _, d := range []string{"", "abc", strings.Repeat("z", 64), "../../../../etc/passwd"} {
		if _, err := s.Path(d); !errors.Is(err, ErrInvalidDigest) {
			t.Fatalf("Path(%q): got %v, want ErrInvalidDigest", d, err)
		}
		if _, err := s.Open(context.Background(), d); !errors.Is(err, ErrInvalidDigest) {
			t.Fatalf("Open(%q): got %v, want ErrInvalidDigest", d, err)
		}
	}
}

func TestFanOutLayout(t *testing.T) {
	s := newTestStore(t, AlgoSHA256)
	path, err := s.Path(helloDigest)
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	want := filepath.Join(helloDigest[0:2], helloDigest[2:4], helloDigest)
	if !strings.HasSuffix(path, want) {
		t.Fatalf("path %s does not end in %s", path, want)
	}
}

func TestBlake3RoundTrip(t *testing.T) {
	algo, err := ParseAlgo("blake3")
	if err != nil {
		t.Fatalf("ParseAlgo: %v", err)
	}
	s := newTestStore(t, algo)
	ctx := context.Background()

	res, err := s.Put(ctx, strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(res.Digest) != hexLen {
		t.Fatalf("digest length %d, want %d", len(res.Digest), hexLen)
	}
	if res.Digest == helloDigest {
		t.Fatal("blake3 digest equals sha256 digest")
	}
	rc, err := s.Open(ctx, res.Digest)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "hello world" {
		t.Fatalf("read back %q", data)
	}
}

func TestParseAlgo(t *testing.T) {
	if _, err := ParseAlgo("md5"); err == nil {
		t.Fatal("md5 accepted")
	}
	if a, err := ParseAlgo("sha256"); err != nil || a != AlgoSHA256 {
		t.Fatalf("sha256: %v, %v", a, err)
	}
}
