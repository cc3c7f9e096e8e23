package dht

import (
	"net"
	"reflect"
	"testing"
)

func Test_compactNodeInfo_roundtrip(t *testing.T) {
	contacts := []Contact{
		newTestContact(1, 6881),
		newTestContact(2, 51413),
	}
	b := compactNodeInfo(contacts)
	if len(b) != len(contacts)*26 {
		t.Fatalf("compactNodeInfo length = %d, want %d", len(b), len(contacts)*26)
	}
	got := parseCompactNodeInfo(b)
	if len(got) != len(contacts) {
		t.Fatalf("parseCompactNodeInfo returned %d contacts, want %d", len(got), len(contacts))
	}
	for i := range contacts {
		if got[i].ID != contacts[i].ID {
			t.Errorf("contact %d ID = %x, want %x", i, got[i].ID, contacts[i].ID)
		}
		if got[i].Endpoint.Port != contacts[i].Endpoint.Port {
			t.Errorf("contact %d port = %d, want %d", i, got[i].Endpoint.Port, contacts[i].Endpoint.Port)
		}
		if !got[i].Endpoint.IP.Equal(contacts[i].Endpoint.IP) {
			t.Errorf("contact %d IP = %v, want %v", i, got[i].Endpoint.IP, contacts[i].Endpoint.IP)
		}
	}
}

func Test_parseCompactNodeInfo_truncated(t *testing.T) {
	// 25 bytes is one short of a single 26-byte entry; it must be
	// silently dropped rather than panicking on a short slice.
	got := parseCompactNodeInfo(make([]byte, 25))
	if len(got) != 0 {
		t.Errorf("parseCompactNodeInfo(truncated) = %d contacts, want 0", len(got))
	}
}

func Test_parseCompactPeers(t *testing.T) {
	raw := []byte{
		127, 0, 0, 1, 0x1A, 0xE1, // 6881
		10, 0, 0, 2, 0, 0, // port 0 — must be dropped
		8, 8, 8, 8, 0xC8, 0x15, // 51221
	}
	got := parseCompactPeers(raw)
	want := []Endpoint{
		{IP: net.IPv4(127, 0, 0, 1), Port: 6881},
		{IP: net.IPv4(8, 8, 8, 8), Port: 51221},
	}
	if len(got) != len(want) {
		t.Fatalf("parseCompactPeers returned %d peers, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].IP.Equal(want[i].IP) || got[i].Port != want[i].Port {
			t.Errorf("peer %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func Test_Endpoint_key_distinguishesPort(t *testing.T) {
	a := Endpoint{IP: net.IPv4(1, 2, 3, 4), Port: 100}
	b := Endpoint{IP: net.IPv4(1, 2, 3, 4), Port: 101}
	if a.key() == b.key() {
		t.Errorf("two endpoints differing only in port produced the same key")
	}
	c := Endpoint{IP: net.IPv4(1, 2, 3, 4), Port: 100}
	if a.key() != c.key() {
		t.Errorf("identical endpoints produced different keys")
	}
	if reflect.DeepEqual(a, b) {
		t.Errorf("test fixture bug: a and b should differ")
	}
}
