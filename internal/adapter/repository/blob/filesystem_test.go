package blob

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/V4T54L/invoice-router/internal/domain"
)

func TestFilesystemStore(t *testing.T) {
	ctx := context.Background()
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore: %v", err)
	}

	t.Run("put then get", func(t *testing.T) {
		data := []byte("%PDF-1.7 invoice 42")
		ref, err := store.Put(ctx, data)
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if !strings.HasPrefix(ref, "sha256/") {
			t.Errorf("unexpected ref %q", ref)
		}
		got, err := store.Get(ctx, ref)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("Get = %q, want %q", got, data)
		}
	})

	t.Run("same content same ref", func(t *testing.T) {
		a, _ := store.Put(ctx, []byte("same"))
		b, _ := store.Put(ctx, []byte("same"))
		if a != b {
			t.Errorf("refs differ: %q vs %q", a, b)
		}
	})

	t.Run("missing object", func(t *testing.T) {
		_, err := store.Get(ctx, "sha256/"+strings.Repeat("ab", 32))
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("rejects path traversal", func(t *testing.T) {
		_, err := store.Get(ctx, "sha256/../../etc/passwd")
		if !domain.IsPermanent(err) {
			t.Errorf("expected permanent error, got %v", err)
		}
	})
}
