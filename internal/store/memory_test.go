package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreScalarRoundTrip(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if _, err := m.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q, want %q", got, "v")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := m.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected expired key to be gone, got %v", err)
	}
}

func TestMemoryStoreList(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		if err := m.ListAppend(ctx, "l", []byte(v), time.Minute); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	vals, err := m.ListRange(ctx, "l", 0, -1)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(vals) != 3 || string(vals[0]) != "a" || string(vals[2]) != "c" {
		t.Fatalf("unexpected list contents: %v", vals)
	}

	if err := m.ListTrim(ctx, "l", 1, -1); err != nil {
		t.Fatalf("trim: %v", err)
	}
	vals, _ = m.ListRange(ctx, "l", 0, -1)
	if len(vals) != 2 || string(vals[0]) != "b" {
		t.Fatalf("unexpected list after trim: %v", vals)
	}
}

func TestMemoryStoreSet(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for _, v := range []string{"p1", "p2", "p1"} {
		if err := m.SetAdd(ctx, "s", v, time.Minute); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	size, err := m.SetSize(ctx, "s")
	if err != nil {
		t.Fatalf("size: %v", err)
	}
	if size != 2 {
		t.Fatalf("got size %d, want 2", size)
	}

	if err := m.SetRem(ctx, "s", "p1"); err != nil {
		t.Fatalf("rem: %v", err)
	}
	members, err := m.SetMembers(ctx, "s")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0] != "p2" {
		t.Fatalf("unexpected members: %v", members)
	}
}

func TestMemoryStoreKeysPattern(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	_ = m.Set(ctx, "room:abc:state:marble", []byte("1"), time.Minute)
	_ = m.Set(ctx, "room:abc:roster", []byte("1"), time.Minute)
	_ = m.Set(ctx, "room:xyz:roster", []byte("1"), time.Minute)

	keys, err := m.Keys(ctx, "room:abc:*")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2: %v", len(keys), keys)
	}
}
