// Package trackerhttp implements the HTTP/HTTPS BitTorrent tracker
// announce used to discover peers for a magnet link.
package trackerhttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

// Client issues GET /announce requests against HTTP/HTTPS trackers.
type Client struct {
	HTTP    *http.Client
	PeerID  [20]byte
	NumWant int
	Log     log.Logger
}

// NewClient builds a Client with a 10s timeout and sane defaults.
// NumWant defaults to 200, matching what most public trackers expect.
func NewClient(peerID [20]byte) *Client {
	return &Client{
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		PeerID:  peerID,
		NumWant: 200,
		Log:     log.Default,
	}
}

// announceResponse mirrors the bencoded dict a tracker replies with.
// Peers is custom-unmarshaled to tolerate both the compact binary form
// and the list-of-dicts form.
type announceResponse struct {
	FailureReason string `bencode:"failure reason"`
	Interval      int64  `bencode:"interval"`
	Complete      int64  `bencode:"complete"`
	Incomplete    int64  `bencode:"incomplete"`
	Peers         peers  `bencode:"peers"`
}

type peerEntry struct {
	IP   net.IP
	Port uint16
}

type peers []peerEntry

// UnmarshalBencode tolerates a malformed peers value by yielding an empty
// list rather than a decode error: one tracker returning garbage
// shouldn't abort an otherwise-successful announce.
func (p *peers) UnmarshalBencode(b []byte) error {
	var v interface{}
	if err := bencode.Unmarshal(b, &v); err != nil {
		return nil
	}
	switch val := v.(type) {
	case string:
		raw := []byte(val)
		if len(raw)%6 != 0 {
			return nil
		}
		for len(raw) >= 6 {
			ip := net.IPv4(raw[0], raw[1], raw[2], raw[3])
			port := uint16(raw[4])<<8 | uint16(raw[5])
			*p = append(*p, peerEntry{IP: ip, Port: port})
			raw = raw[6:]
		}
	case []interface{}:
		for _, item := range val {
			d, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			ipStr, _ := d["ip"].(string)
			ip := net.ParseIP(ipStr)
			if ip == nil {
				continue
			}
			var port uint16
			switch pv := d["port"].(type) {
			case int64:
				port = uint16(pv)
			}
			*p = append(*p, peerEntry{IP: ip, Port: port})
		}
	}
	return nil
}

// Endpoint is re-exported in the shape the Resolver's dedup queue deals
// in.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

// Announce performs a single GET /announce?... against trackerURL. A
// tracker-side "failure reason" or a malformed peers value is absorbed
// and reported as zero endpoints, never as an error. A non-nil error is
// returned only for network/HTTP failures (including a non-2xx status)
// and for a body that does not decode as a bencoded dict; those are
// themselves recoverable at the Resolver layer.
func (c *Client) Announce(ctx context.Context, trackerURL string, infoHash metainfo.Hash, port uint16) ([]Endpoint, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, fmt.Errorf("trackerhttp: bad url: %w", err)
	}
	q := url.Values{}
	q.Set("info_hash", string(infoHash[:]))
	q.Set("peer_id", string(c.PeerID[:]))
	q.Set("port", strconv.Itoa(int(port)))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", "16384")
	q.Set("compact", "1")
	q.Set("event", "started")
	q.Set("no_peer_id", "1")
	q.Set("numwant", strconv.Itoa(c.NumWant))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trackerhttp: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("trackerhttp: non-2xx status %s", resp.Status)
	}

	var ar announceResponse
	dec := bencode.NewDecoder(resp.Body)
	if err := dec.Decode(&ar); err != nil {
		return nil, fmt.Errorf("trackerhttp: decode: %w", err)
	}
	if ar.FailureReason != "" {
		c.Log.Printf("tracker %s reported failure: %s", trackerURL, ar.FailureReason)
		return nil, nil
	}

	out := make([]Endpoint, 0, len(ar.Peers))
	for _, p := range ar.Peers {
		if p.Port == 0 {
			continue
		}
		out = append(out, Endpoint{IP: p.IP, Port: p.Port})
	}
	return out, nil
}

// SupportsScheme reports whether this client can announce to a tracker
// URL with the given scheme.
func SupportsScheme(scheme string) bool {
	return scheme == "http" || scheme == "https"
}
