package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func newInMemory(t *testing.T) *BadgerBackend {
	t.Helper()

	b, err := OpenBadger(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadger failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestOpenBadger_RequiresDir(t *testing.T) {
	if _, err := OpenBadger(BadgerOptions{}); err == nil {
		t.Error("OpenBadger without dir should fail")
	}
}

func TestBadgerBackend_SetGetDelete(t *testing.T) {
	b := newInMemory(t)
	ctx := context.Background()

	if err := b.Set(ctx, "a", []byte("1"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := b.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "1" {
		t.Errorf("Get = %q, want %q", got, "1")
	}

	if err := b.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := b.Get(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}

	// Deleting a missing key is fine.
	if err := b.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete missing key failed: %v", err)
	}
}

func TestBadgerBackend_DeletePrefix(t *testing.T) {
	b := newInMemory(t)
	ctx := context.Background()

	keys := []string{"catalog:officers:1", "catalog:officers:2", "catalog:ships:1", "other"}
	for _, k := range keys {
		if err := b.Set(ctx, k, []byte(k), 0); err != nil {
			t.Fatalf("Set %s failed: %v", k, err)
		}
	}

	n, err := b.DeletePrefix(ctx, "catalog:officers:")
	if err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if n != 2 {
		t.Errorf("DeletePrefix removed %d keys, want 2", n)
	}

	if _, err := b.Get(ctx, "catalog:ships:1"); err != nil {
		t.Errorf("unrelated key was removed: %v", err)
	}

	n, err = b.DeletePrefix(ctx, "")
	if err != nil {
		t.Fatalf("DeletePrefix all failed: %v", err)
	}
	if n != 2 {
		t.Errorf("DeletePrefix(\"\") removed %d keys, want 2", n)
	}
}

func TestBadgerBackend_DeletePrefix_ManyKeys(t *testing.T) {
	b := newInMemory(t)
	ctx := context.Background()

	total := deleteBatchSize + 25
	for i := 0; i < total; i++ {
		if err := b.Set(ctx, fmt.Sprintf("k:%05d", i), []byte("x"), 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	n, err := b.DeletePrefix(ctx, "k:")
	if err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}
	if n != total {
		t.Errorf("DeletePrefix removed %d keys, want %d", n, total)
	}
}

func TestBadgerBackend_Scan(t *testing.T) {
	b := newInMemory(t)
	ctx := context.Background()

	for _, k := range []string{"p:b", "p:a", "q:c"} {
		if err := b.Set(ctx, k, []byte("v-"+k), 0); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	var seen []string
	err := b.Scan(ctx, "p:", func(key string, value []byte) error {
		if string(value) != "v-"+key {
			t.Errorf("value for %s = %q", key, value)
		}
		seen = append(seen, key)
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	sort.Strings(seen)
	if len(seen) != 2 || seen[0] != "p:a" || seen[1] != "p:b" {
		t.Errorf("Scan saw %v, want [p:a p:b]", seen)
	}

	stop := errors.New("stop")
	calls := 0
	err = b.Scan(ctx, "", func(string, []byte) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("Scan error = %v, want stop", err)
	}
	if calls != 1 {
		t.Errorf("Scan continued after error: %d calls", calls)
	}
}

func TestBadgerBackend_Closed(t *testing.T) {
	b, err := OpenBadger(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadger failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Second close is a no-op.
	if err := b.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if _, err := b.Get(context.Background(), "a"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get on closed backend error = %v, want ErrClosed", err)
	}
}

func TestBadgerBackend_DropRemovesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "user-1")
	b, err := OpenBadger(BadgerOptions{Dir: dir})
	if err != nil {
		t.Fatalf("OpenBadger failed: %v", err)
	}
	ctx := context.Background()
	if err := b.Set(ctx, "a", []byte("1"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := b.Drop(ctx); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("data dir still exists after Drop: %v", err)
	}
}

func TestBadgerOpener_PersistsAcrossReopen(t *testing.T) {
	base := t.TempDir()
	open := BadgerOpener(base, false)
	ctx := context.Background()

	b, err := open(ctx, "u1")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := b.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	b, err = open(ctx, "u1")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer b.Close()

	got, err := b.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("Get = %q, want v", got)
	}
}
