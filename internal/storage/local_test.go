package storage

import (
	"context"
	"errors"
	"testing"
)

func newLocal(t *testing.T) *LocalStorage {
	t.Helper()
	ls, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("create local storage: %v", err)
	}
	return ls
}

func TestLocalStorage_PutGet(t *testing.T) {
	ls := newLocal(t)
	ctx := context.Background()

	data := []byte("block contents")
	if err := ls.Put(ctx, "stock_quotes/abc.tvb", data); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := ls.Get(ctx, "stock_quotes/abc.tvb")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("round trip mismatch: got %q", got)
	}
}

func TestLocalStorage_GetMissing(t *testing.T) {
	ls := newLocal(t)
	_, err := ls.Get(context.Background(), "missing/object")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_Overwrite(t *testing.T) {
	ls := newLocal(t)
	ctx := context.Background()

	if err := ls.Put(ctx, "a/b", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := ls.Put(ctx, "a/b", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, err := ls.Get(ctx, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2" {
		t.Errorf("overwrite not visible: got %q", got)
	}
}

func TestLocalStorage_DeleteAndExists(t *testing.T) {
	ls := newLocal(t)
	ctx := context.Background()

	if err := ls.Put(ctx, "x/y", []byte("data")); err != nil {
		t.Fatal(err)
	}
	exists, err := ls.Exists(ctx, "x/y")
	if err != nil || !exists {
		t.Fatalf("expected object to exist: exists=%v err=%v", exists, err)
	}

	if err := ls.Delete(ctx, "x/y"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	exists, err = ls.Exists(ctx, "x/y")
	if err != nil || exists {
		t.Fatalf("expected object gone: exists=%v err=%v", exists, err)
	}

	// Deleting again is not an error.
	if err := ls.Delete(ctx, "x/y"); err != nil {
		t.Errorf("double delete should be nil, got %v", err)
	}
}

func TestLocalStorage_List(t *testing.T) {
	ls := newLocal(t)
	ctx := context.Background()

	for _, path := range []string{"t1/a.tvb", "t1/b.tvb", "t2/c.tvb"} {
		if err := ls.Put(ctx, path, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	paths, err := ls.List(ctx, "t1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 objects under t1/, got %v", paths)
	}

	all, err := ls.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 objects total, got %v", all)
	}
}
