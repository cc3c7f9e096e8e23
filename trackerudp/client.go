// Package trackerudp implements the BEP 15 UDP tracker protocol's
// connect/announce handshake.
package trackerudp

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
)

const (
	protocolMagic   = 0x41727101980
	actionConnect   = 0
	actionAnnounce  = 1
	actionScrape    = 2
	actionError     = 3
	connectReqLen   = 16
	connectRespLen  = 16
	announceReqLen  = 98
	minAnnounceResp = 20 // shorter responses are rejected as malformed
)

// Endpoint mirrors trackerhttp.Endpoint for the peers a UDP tracker
// returns.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// Client speaks BEP 15 over a fresh UDP socket per announce call.
type Client struct {
	PeerID [20]byte
	Log    log.Logger
}

// NewClient constructs a Client ready to announce.
func NewClient(peerID [20]byte) *Client {
	return &Client{PeerID: peerID, Log: log.Default}
}

// SupportsScheme reports whether this client announces to the given
// tracker URL scheme.
func SupportsScheme(scheme string) bool {
	return scheme == "udp" || scheme == "udp4" || scheme == "udp6"
}

// Announce runs the two-step connect→announce handshake with exponential
// retry: 15 * 2^n seconds for the n-th attempt, n in [0, 3], then give up.
func (c *Client) Announce(ctx context.Context, trackerURL string, infoHash metainfo.Hash, port uint16) ([]Endpoint, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, fmt.Errorf("trackerudp: bad url: %w", err)
	}
	host := u.Host
	if host == "" {
		return nil, fmt.Errorf("trackerudp: no host in %q", trackerURL)
	}

	raddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		// Unresolvable hostnames are a recoverable, per-tracker failure.
		return nil, fmt.Errorf("trackerudp: resolve %q: %w", host, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("trackerudp: dial: %w", err)
	}
	defer conn.Close()
	stop := watchContext(ctx, conn)
	defer stop()

	connID, err := c.connect(ctx, conn)
	if err != nil {
		return nil, err
	}
	return c.announce(ctx, conn, connID, infoHash, port)
}

// attempt runs fn with a 15*2^n retry schedule for n in [0,3].
func (c *Client) attempt(ctx context.Context, fn func(timeout time.Duration) (bool, error)) error {
	var lastErr error
	for n := 0; n <= 3; n++ {
		timeout := time.Duration(15<<uint(n)) * time.Second
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		ok, err := fn(timeout)
		if ok {
			return nil
		}
		if err != nil {
			c.Log.Printf("trackerudp: attempt %d failed: %v", n, err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("trackerudp: gave up after 4 attempts")
	}
	return lastErr
}

// watchContext closes conn the moment ctx is done, so a goroutine blocked
// in conn.Read returns immediately instead of waiting out the per-attempt
// SetReadDeadline, which can be armed up to 120s out on the last retry.
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

func (c *Client) connect(ctx context.Context, conn *net.UDPConn) (connID int64, err error) {
	err = c.attempt(ctx, func(timeout time.Duration) (bool, error) {
		tid := rand.Uint32()
		req := make([]byte, connectReqLen)
		binary.BigEndian.PutUint64(req[0:8], protocolMagic)
		binary.BigEndian.PutUint32(req[8:12], actionConnect)
		binary.BigEndian.PutUint32(req[12:16], tid)

		if _, werr := conn.Write(req); werr != nil {
			return false, werr
		}
		conn.SetReadDeadline(time.Now().Add(timeout))
		resp := make([]byte, 512)
		n, rerr := conn.Read(resp)
		if rerr != nil {
			return false, rerr
		}
		if n < connectRespLen {
			return false, fmt.Errorf("trackerudp: short connect response (%d bytes)", n)
		}
		action := binary.BigEndian.Uint32(resp[0:4])
		gotTID := binary.BigEndian.Uint32(resp[4:8])
		if gotTID != tid {
			return false, nil // stray reply, retry
		}
		if action == actionError {
			return false, fmt.Errorf("trackerudp: connect error: %s", string(resp[8:n]))
		}
		if action != actionConnect {
			return false, fmt.Errorf("trackerudp: unexpected action %d", action)
		}
		connID = int64(binary.BigEndian.Uint64(resp[8:16]))
		return true, nil
	})
	return connID, err
}

func (c *Client) announce(ctx context.Context, conn *net.UDPConn, connID int64, infoHash metainfo.Hash, port uint16) ([]Endpoint, error) {
	var endpoints []Endpoint
	err := c.attempt(ctx, func(timeout time.Duration) (bool, error) {
		tid := rand.Uint32()
		req := make([]byte, announceReqLen)
		binary.BigEndian.PutUint64(req[0:8], uint64(connID))
		binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
		binary.BigEndian.PutUint32(req[12:16], tid)
		copy(req[16:36], infoHash[:])
		copy(req[36:56], c.PeerID[:])
		binary.BigEndian.PutUint64(req[56:64], 0) // downloaded
		binary.BigEndian.PutUint64(req[64:72], 16384) // left
		binary.BigEndian.PutUint64(req[72:80], 0) // uploaded
		binary.BigEndian.PutUint32(req[80:84], 2) // event=started
		binary.BigEndian.PutUint32(req[84:88], 0) // ip=0
		binary.BigEndian.PutUint32(req[88:92], rand.Uint32()) // key
		binary.BigEndian.PutUint32(req[92:96], 0xFFFFFFFF)    // num_want=-1
		binary.BigEndian.PutUint16(req[96:98], port)

		if _, werr := conn.Write(req); werr != nil {
			return false, werr
		}
		conn.SetReadDeadline(time.Now().Add(timeout))
		resp := make([]byte, 2048)
		n, rerr := conn.Read(resp)
		if rerr != nil {
			return false, rerr
		}
		if n < minAnnounceResp {
			// Never produce peers from a truncated response; reject and
			// let the retry schedule try again.
			return false, fmt.Errorf("trackerudp: short announce response (%d bytes)", n)
		}
		action := binary.BigEndian.Uint32(resp[0:4])
		gotTID := binary.BigEndian.Uint32(resp[4:8])
		if gotTID != tid {
			return false, nil
		}
		if action == actionError {
			return false, fmt.Errorf("trackerudp: tracker error: %s", string(resp[8:n]))
		}
		if action != actionAnnounce {
			return false, fmt.Errorf("trackerudp: unexpected action %d", action)
		}
		peerData := resp[20:n]
		for len(peerData) >= 6 {
			ip := net.IPv4(peerData[0], peerData[1], peerData[2], peerData[3])
			p := binary.BigEndian.Uint16(peerData[4:6])
			peerData = peerData[6:]
			if p == 0 {
				// A zero port is not dialable; some trackers emit these.
				continue
			}
			endpoints = append(endpoints, Endpoint{IP: ip, Port: p})
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return endpoints, nil
}
