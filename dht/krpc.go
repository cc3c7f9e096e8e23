package dht

import (
	"crypto/rand"
	"errors"

	"github.com/anacrolix/torrent/bencode"
)

// KRPC message types: every message carries a transaction id t and a
// type y of query, reply, or error.

type msgDict = map[string]interface{}

type krpcMsg struct {
	T string        `bencode:"t"`
	Y string        `bencode:"y"`
	Q string        `bencode:"q,omitempty"`
	A msgDict       `bencode:"a,omitempty"`
	R msgDict       `bencode:"r,omitempty"`
	E []interface{} `bencode:"e,omitempty"`
}

func newTransactionID() string {
	var b [4]byte
	rand.Read(b[:])
	return string(b[:])
}

func encodeQuery(t, q string, a msgDict) ([]byte, error) {
	return bencode.Marshal(krpcMsg{T: t, Y: "q", Q: q, A: a})
}

func encodeReply(t string, r msgDict) ([]byte, error) {
	return bencode.Marshal(krpcMsg{T: t, Y: "r", R: r})
}

func decodeMsg(b []byte) (krpcMsg, error) {
	var m krpcMsg
	err := bencode.Unmarshal(b, &m)
	return m, err
}

// errKRPCRemote wraps an "e" message from a peer.
type errKRPCRemote struct {
	code int64
	msg  string
}

func (e *errKRPCRemote) Error() string {
	return "krpc error " + e.msg
}

func parseKRPCError(e []interface{}) error {
	if len(e) < 2 {
		return errors.New("krpc: malformed error message")
	}
	code, _ := e[0].(int64)
	msg, _ := e[1].(string)
	return &errKRPCRemote{code: code, msg: msg}
}

func bdictGetString(d msgDict, key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func bdictGetInt(d msgDict, key string) (int64, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}
