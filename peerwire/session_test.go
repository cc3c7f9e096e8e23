package peerwire

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

func Test_pieceMsg_roundtrip(t *testing.T) {
	tests := []struct {
		name string
		msg  pieceMsg
	}{
		{"request", pieceMsg{MsgType: msgTypeRequest, Piece: 3}},
		{"data", pieceMsg{MsgType: msgTypeData, Piece: 1, TotalSize: 16384}},
		{"reject", pieceMsg{MsgType: msgTypeReject, Piece: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := bencode.Marshal(tt.msg)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var got pieceMsg
			if err := bencode.Unmarshal(b, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if got != tt.msg {
				t.Errorf("roundtrip = %+v, want %+v", got, tt.msg)
			}
		})
	}
}

func Test_extHandshakeMsg_decode(t *testing.T) {
	b, err := bencode.Marshal(extHandshakeMsg{M: map[string]int64{"ut_metadata": 3}, MetadataSize: 4096})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got extHandshakeMsg
	if err := bencode.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.M["ut_metadata"] != 3 {
		t.Errorf("M[ut_metadata] = %d, want 3", got.M["ut_metadata"])
	}
	if got.MetadataSize != 4096 {
		t.Errorf("MetadataSize = %d, want 4096", got.MetadataSize)
	}
}

func Test_session_handshake_infoHashMismatch(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	var ourHash, theirHash metainfo.Hash
	ourHash[0] = 0xAA
	theirHash[0] = 0xBB

	go func() {
		buf := make([]byte, handshakeLen)
		fullRead(peerConn, buf) // drain the client's handshake

		out := make([]byte, 0, handshakeLen)
		out = append(out, byte(len(pstr)))
		out = append(out, pstr...)
		var reserved [8]byte
		reserved[5] |= extensionReserved
		out = append(out, reserved[:]...)
		out = append(out, theirHash[:]...)
		out = append(out, make([]byte, 20)...)
		peerConn.Write(out)
	}()

	s := &session{conn: clientConn, infoHash: ourHash, pieces: make(map[int][]byte)}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.handshake(ctx)
	if err == nil {
		t.Fatalf("handshake with a mismatched info_hash returned nil error")
	}
}

func Test_session_handshake_rejectsNonExtensionPeer(t *testing.T) {
	clientConn, peerConn := net.Pipe()
	defer clientConn.Close()
	defer peerConn.Close()

	var hash metainfo.Hash
	hash[0] = 0xCC

	go func() {
		buf := make([]byte, handshakeLen)
		fullRead(peerConn, buf)

		out := make([]byte, 0, handshakeLen)
		out = append(out, byte(len(pstr)))
		out = append(out, pstr...)
		out = append(out, make([]byte, 8)...) // no extension bit set
		out = append(out, hash[:]...)
		out = append(out, make([]byte, 20)...)
		peerConn.Write(out)
	}()

	s := &session{conn: clientConn, infoHash: hash, pieces: make(map[int][]byte)}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.handshake(ctx); err == nil {
		t.Fatalf("handshake with a peer that doesn't advertise the extension protocol returned nil error")
	}
}

func Test_extHandshakeMsg_missingUtMetadata(t *testing.T) {
	b, err := bencode.Marshal(extHandshakeMsg{M: map[string]int64{"ut_pex": 1}, MetadataSize: 100})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got extHandshakeMsg
	if err := bencode.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := got.M["ut_metadata"]; ok {
		t.Fatalf("test fixture bug: ut_metadata should be absent")
	}
}

// readFrame reads one length-prefixed peer-wire message off conn and
// splits it into its extended sub-id and payload, mirroring what
// session.readExtended does on the other end of the wire.
func readFrame(conn net.Conn) (extID byte, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err := fullRead(conn, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := fullRead(conn, body); err != nil {
		return 0, nil, err
	}
	return body[1], body[2:], nil // body[0] is always extMsgID on this wire
}

func writeFrame(conn net.Conn, extID byte, payload []byte) error {
	body := append([]byte{extMsgID, extID}, payload...)
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := conn.Write(body)
	return err
}

// fakePeer drives the server side of a Fetch session: handshake,
// extension handshake advertising ut_metadata, then answers every piece
// request against blob until the client stops asking.
func fakePeer(conn net.Conn, infoHash metainfo.Hash, blob []byte) error {
	buf := make([]byte, handshakeLen)
	if _, err := fullRead(conn, buf); err != nil {
		return err
	}
	var reserved [8]byte
	reserved[5] |= extensionReserved
	out := make([]byte, 0, handshakeLen)
	out = append(out, byte(len(pstr)))
	out = append(out, pstr...)
	out = append(out, reserved[:]...)
	out = append(out, infoHash[:]...)
	out = append(out, make([]byte, 20)...)
	if _, err := conn.Write(out); err != nil {
		return err
	}

	if _, _, err := readFrame(conn); err != nil { // client's extension handshake
		return err
	}
	hsPayload, err := bencode.Marshal(extHandshakeMsg{M: map[string]int64{"ut_metadata": 1}, MetadataSize: len(blob)})
	if err != nil {
		return err
	}
	if err := writeFrame(conn, extHandshakeID, hsPayload); err != nil {
		return err
	}

	pieceCount := (len(blob) + pieceSize - 1) / pieceSize
	for i := 0; i < pieceCount; i++ {
		_, reqPayload, err := readFrame(conn)
		if err != nil {
			return err
		}
		var req pieceMsg
		if err := bencode.Unmarshal(reqPayload, &req); err != nil {
			return err
		}
		start := req.Piece * pieceSize
		end := start + pieceSize
		if end > len(blob) {
			end = len(blob)
		}
		header, err := bencode.Marshal(pieceMsg{MsgType: msgTypeData, Piece: req.Piece, TotalSize: len(blob)})
		if err != nil {
			return err
		}
		if err := writeFrame(conn, 1, append(header, blob[start:end]...)); err != nil {
			return err
		}
	}
	return nil
}

func Test_Fetch_happyPath(t *testing.T) {
	blob := bytes.Repeat([]byte("metadata-bytes-"), 1500) // spans multiple ut_metadata pieces
	infoHash := metainfo.HashBytes(blob)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fakePeer(conn, infoHash, blob)
	}()

	addr := *ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := Fetch(ctx, addr, infoHash, [20]byte{1}, log.Default)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(res.InfoBytes, blob) {
		t.Errorf("Fetch returned %d bytes, want the %d-byte fixture back verbatim", len(res.InfoBytes), len(blob))
	}
}

func Test_Fetch_hashMismatchRejected(t *testing.T) {
	blob := []byte("this metadata will not hash to the requested info_hash")
	var infoHash metainfo.Hash
	infoHash[0] = 0x77 // deliberately not metainfo.HashBytes(blob)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fakePeer(conn, infoHash, blob)
	}()

	addr := *ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := Fetch(ctx, addr, infoHash, [20]byte{2}, log.Default)
	if err == nil {
		t.Fatalf("Fetch with a hash-mismatched peer returned nil error (res=%+v)", res)
	}
}
