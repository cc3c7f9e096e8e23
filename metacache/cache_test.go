package metacache

import (
	"path/filepath"
	"testing"

	"github.com/anacrolix/torrent/metainfo"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func Test_Store_GetMiss(t *testing.T) {
	s := openTestStore(t)
	var h metainfo.Hash
	if _, ok := s.Get(h); ok {
		t.Fatalf("Get on empty store returned ok=true")
	}
}

func Test_Store_PutGet(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
	}{
		{"small blob", []byte("d4:infod6:lengthi1ee4:name3:abce")},
		{"empty blob", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			var h metainfo.Hash
			h[0] = 0xAB

			s.Put(h, tt.blob)
			got, ok := s.Get(h)
			if !ok {
				t.Fatalf("Get after Put returned ok=false")
			}
			if string(got) != string(tt.blob) {
				t.Fatalf("Get = %q, want %q", got, tt.blob)
			}
		})
	}
}

func Test_Store_PutOverwrites(t *testing.T) {
	s := openTestStore(t)
	var h metainfo.Hash
	h[0] = 1

	s.Put(h, []byte("first"))
	s.Put(h, []byte("second"))

	got, ok := s.Get(h)
	if !ok || string(got) != "second" {
		t.Fatalf("Get = %q, %v, want %q, true", got, ok, "second")
	}
}

func Test_Store_Delete(t *testing.T) {
	s := openTestStore(t)
	var h metainfo.Hash
	h[0] = 7

	s.Put(h, []byte("gone soon"))
	if _, ok := s.Get(h); !ok {
		t.Fatalf("Get before Delete returned ok=false")
	}

	s.Delete(h)
	if _, ok := s.Get(h); ok {
		t.Fatalf("Get after Delete returned ok=true")
	}
}

func Test_Store_DistinctHashesDoNotCollide(t *testing.T) {
	s := openTestStore(t)
	var a, b metainfo.Hash
	a[0] = 1
	b[0] = 2

	s.Put(a, []byte("for a"))
	s.Put(b, []byte("for b"))

	gotA, _ := s.Get(a)
	gotB, _ := s.Get(b)
	if string(gotA) != "for a" || string(gotB) != "for b" {
		t.Fatalf("cross-talk between hashes: a=%q b=%q", gotA, gotB)
	}
}

func Test_Store_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var h metainfo.Hash
	h[0] = 9
	s.Put(h, []byte("durable"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("re-Open: %v", err)
	}
	defer s2.Close()

	got, ok := s2.Get(h)
	if !ok || string(got) != "durable" {
		t.Fatalf("Get after reopen = %q, %v, want %q, true", got, ok, "durable")
	}
}
