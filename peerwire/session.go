// Package peerwire implements the BitTorrent peer-wire handshake and the
// ut_metadata extension (BEP 9/10) used to pull a torrent's info dict
// directly from a peer.
package peerwire

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

const (
	pstr              = "BitTorrent protocol"
	handshakeLen      = 49 + len(pstr)
	extensionReserved = 0x10 // reserved[5] bit 0x10: extension protocol (BEP 10)

	extMsgID        = 20       // outer peer-wire message ID for extended messages
	extHandshakeID  = 0        // ext_id=0 is always the extension handshake
	maxMetadataSize = 16 << 20 // a peer advertising more than this is rejected
	pieceSize       = 16384

	connectTimeout  = 10 * time.Second
	sessionBudget   = 30 * time.Second
	pieceGapTimeout = 5 * time.Second
	maxPieceGaps    = 3
	maxInFlight     = 4
)

// Result is the successful outcome of a Fetch call: the verified, raw
// (still-bencoded) info dict bytes.
type Result struct {
	InfoBytes []byte
}

// Fetch opens a TCP connection to endpoint, performs the BitTorrent and
// extension handshakes, downloads every ut_metadata piece, and verifies
// the reassembled blob hashes to infoHash. Any protocol violation is a
// recoverable failure: Fetch returns a non-nil error and the caller
// simply tries the next endpoint.
func Fetch(ctx context.Context, endpoint net.TCPAddr, infoHash metainfo.Hash, peerID [20]byte, lg log.Logger) (*Result, error) {
	sessionCtx, cancel := context.WithTimeout(ctx, sessionBudget)
	defer cancel()

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(sessionCtx, "tcp", endpoint.String())
	if err != nil {
		return nil, fmt.Errorf("peerwire: connect: %w", err)
	}
	defer conn.Close()
	stop := watchContext(sessionCtx, conn)
	defer stop()

	s := &session{
		conn:     conn,
		infoHash: infoHash,
		peerID:   peerID,
		log:      lg,
		pieces:   make(map[int][]byte),
	}
	if err := s.handshake(sessionCtx); err != nil {
		return nil, err
	}
	if err := s.extensionHandshake(sessionCtx); err != nil {
		return nil, err
	}
	blob, err := s.fetchPieces(sessionCtx)
	if err != nil {
		return nil, err
	}
	if got := metainfo.HashBytes(blob); got != infoHash {
		return nil, fmt.Errorf("peerwire: metadata hash mismatch: got %s want %s", got, infoHash)
	}
	return &Result{InfoBytes: blob}, nil
}

type session struct {
	conn       net.Conn
	infoHash   metainfo.Hash
	peerID     [20]byte
	log        log.Logger
	utMetadata byte
	metaSize   int
	pieces     map[int][]byte
	pieceCount int
}

func (s *session) handshake(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		s.conn.SetDeadline(dl)
	}
	var reserved [8]byte
	reserved[5] |= extensionReserved

	out := make([]byte, 0, handshakeLen)
	out = append(out, byte(len(pstr)))
	out = append(out, pstr...)
	out = append(out, reserved[:]...)
	out = append(out, s.infoHash[:]...)
	out = append(out, s.peerID[:]...)
	if _, err := s.conn.Write(out); err != nil {
		return fmt.Errorf("peerwire: send handshake: %w", err)
	}

	resp := make([]byte, handshakeLen)
	if _, err := fullRead(s.conn, resp); err != nil {
		return fmt.Errorf("peerwire: read handshake: %w", err)
	}
	if int(resp[0]) != len(pstr) || string(resp[1:1+len(pstr)]) != pstr {
		return errors.New("peerwire: invalid handshake")
	}
	peerReserved := resp[1+len(pstr) : 1+len(pstr)+8]
	peerInfoHash := resp[1+len(pstr)+8 : 1+len(pstr)+8+20]
	if !bytes.Equal(peerInfoHash, s.infoHash[:]) {
		return errors.New("peerwire: info_hash mismatch")
	}
	if peerReserved[5]&extensionReserved == 0 {
		return errors.New("peerwire: peer does not support extension protocol")
	}
	return nil
}

// extHandshakeMsg is the bencoded payload of the ext_id=0 handshake.
type extHandshakeMsg struct {
	M            map[string]int64 `bencode:"m"`
	MetadataSize int               `bencode:"metadata_size,omitempty"`
}

func (s *session) extensionHandshake(ctx context.Context) error {
	payload, err := bencode.Marshal(extHandshakeMsg{M: map[string]int64{"ut_metadata": 1}})
	if err != nil {
		return err
	}
	if err := s.sendExtended(extHandshakeID, payload); err != nil {
		return fmt.Errorf("peerwire: send extension handshake: %w", err)
	}

	id, payload, err := s.readExtended(ctx)
	if err != nil {
		return fmt.Errorf("peerwire: read extension handshake: %w", err)
	}
	if id != extHandshakeID {
		return errors.New("peerwire: expected extension handshake first")
	}
	var hs extHandshakeMsg
	if err := bencode.Unmarshal(payload, &hs); err != nil {
		return fmt.Errorf("peerwire: decode extension handshake: %w", err)
	}
	utm, ok := hs.M["ut_metadata"]
	if !ok {
		return errors.New("peerwire: peer does not advertise ut_metadata")
	}
	if hs.MetadataSize <= 0 {
		return errors.New("peerwire: peer did not report metadata_size")
	}
	if hs.MetadataSize > maxMetadataSize {
		return fmt.Errorf("peerwire: metadata_size %d exceeds %d byte limit", hs.MetadataSize, maxMetadataSize)
	}
	s.utMetadata = byte(utm)
	s.metaSize = hs.MetadataSize
	s.pieceCount = (hs.MetadataSize + pieceSize - 1) / pieceSize
	return nil
}

// pieceMsg is the bencoded header preceding each ut_metadata piece
// response/request.
type pieceMsg struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

const (
	msgTypeRequest = 0
	msgTypeData    = 1
	msgTypeReject  = 2
)

func (s *session) fetchPieces(ctx context.Context) ([]byte, error) {
	requested := 0
	received := 0
	gaps := 0

	for received < s.pieceCount {
		for requested < s.pieceCount && requested-received < maxInFlight {
			if err := s.requestPiece(requested); err != nil {
				return nil, fmt.Errorf("peerwire: request piece %d: %w", requested, err)
			}
			requested++
		}

		deadline := time.Now().Add(pieceGapTimeout)
		s.conn.SetReadDeadline(deadline)
		id, payload, err := s.readExtended(ctx)
		if err != nil {
			gaps++
			s.log.Printf("peerwire: piece response gap %d/%d: %v", gaps, maxPieceGaps, err)
			if gaps > maxPieceGaps {
				return nil, fmt.Errorf("peerwire: too many piece response gaps: %w", err)
			}
			continue
		}
		gaps = 0
		if id != s.utMetadata {
			continue
		}

		idx := bytes.Index(payload, []byte("ee"))
		if idx < 0 {
			return nil, errors.New("peerwire: malformed piece message")
		}
		header := payload[:idx+2]
		data := payload[idx+2:]

		var pm pieceMsg
		if err := bencode.Unmarshal(header, &pm); err != nil {
			return nil, fmt.Errorf("peerwire: decode piece header: %w", err)
		}
		switch pm.MsgType {
		case msgTypeReject:
			// A reject ends the session; the caller moves on to another
			// peer rather than retrying against this one.
			return nil, fmt.Errorf("peerwire: peer rejected piece %d", pm.Piece)
		case msgTypeData:
			if _, dup := s.pieces[pm.Piece]; !dup {
				s.pieces[pm.Piece] = data
				received++
			}
		default:
			continue
		}
	}

	buf := make([]byte, 0, s.metaSize)
	for i := 0; i < s.pieceCount; i++ {
		buf = append(buf, s.pieces[i]...)
	}
	if len(buf) != s.metaSize {
		return nil, fmt.Errorf("peerwire: assembled %d bytes, expected %d", len(buf), s.metaSize)
	}
	return buf, nil
}

func (s *session) requestPiece(piece int) error {
	payload, err := bencode.Marshal(pieceMsg{MsgType: msgTypeRequest, Piece: piece})
	if err != nil {
		return err
	}
	return s.sendExtended(s.utMetadata, payload)
}

func (s *session) sendExtended(extID byte, payload []byte) error {
	body := append([]byte{extMsgID, extID}, payload...)
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := s.conn.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := s.conn.Write(body)
	return err
}

// readExtended reads the next peer-wire message and returns its
// extension sub-id and payload; non-extended messages are skipped.
func (s *session) readExtended(ctx context.Context) (byte, []byte, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		default:
		}
		var lenBuf [4]byte
		if _, err := fullRead(s.conn, lenBuf[:]); err != nil {
			return 0, nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			continue // keep-alive
		}
		if n > 1<<20 {
			return 0, nil, fmt.Errorf("peerwire: message too large (%d bytes)", n)
		}
		msg := make([]byte, n)
		if _, err := fullRead(s.conn, msg); err != nil {
			return 0, nil, err
		}
		if msg[0] != extMsgID {
			continue
		}
		return msg[1], msg[2:], nil
	}
}

// watchContext closes conn the moment ctx is done, so a goroutine blocked
// in conn.Read returns immediately instead of waiting out a SetDeadline
// that was armed for the session's full remaining budget. Call stop()
// once the conn is no longer needed to release the watcher goroutine.
func watchContext(ctx context.Context, conn net.Conn) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func fullRead(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
