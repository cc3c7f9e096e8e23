// Package resolver fans a magnet link out to every available peer
// source — HTTP/UDP trackers and the Kademlia DHT — and races a bounded
// pool of peer-wire workers to be first to reconstruct the torrent's
// info dict.
package resolver

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/JohnDoee/magnet2torrent/dht"
	"github.com/JohnDoee/magnet2torrent/peerwire"
	"github.com/JohnDoee/magnet2torrent/trackerhttp"
	"github.com/JohnDoee/magnet2torrent/trackerudp"
)

// ErrFailedToFetch is returned when every source was exhausted without
// producing valid metadata.
var ErrFailedToFetch = errors.New("magnet2torrent: failed to fetch metadata from any source")

// Cache is the optional metadata cache collaborator: when configured and
// it already holds info_hash, RetrieveTorrent returns immediately
// without touching the network. Implemented outside this package (see
// metacache).
type Cache interface {
	Get(infoHash metainfo.Hash) ([]byte, bool)
	Put(infoHash metainfo.Hash, infoBytes []byte)
}

// Options configures a Resolver.
type Options struct {
	// DHT is optional; when nil, only tracker sources are used.
	DHT *dht.Node
	// Cache is optional.
	Cache Cache
	// WorkerPoolSize bounds concurrent peer-wire sessions. Defaults to 50.
	WorkerPoolSize int
	// ListenPort is advertised to trackers as our own port; it does not
	// need to be reachable since this engine never seeds. The DHT source
	// does not announce, so it never sends this port.
	ListenPort uint16
	Log        log.Logger
}

// Resolver is the race coordinator: it fans out to every peer source and
// returns as soon as one peer-wire session yields a verified info dict.
type Resolver struct {
	opts   Options
	peerID [20]byte
	log    log.Logger
}

// peerIDPrefix is an Azureus-style client identifier (BEP 20): two letters
// plus a four-character version, the rest of the 20 bytes filled with
// random data so two resolvers never collide on the wire.
const peerIDPrefix = "-M2T100-"

// New builds a Resolver. A peer ID is generated once, Azureus-style, and
// reused across every tracker/peer contact this Resolver makes.
func New(opts Options) *Resolver {
	if opts.WorkerPoolSize <= 0 {
		opts.WorkerPoolSize = 50
	}
	var peerID [20]byte
	copy(peerID[:], peerIDPrefix)
	rand.Read(peerID[len(peerIDPrefix):])
	lg := opts.Log
	if lg.IsZero() {
		lg = log.Default
	}
	return &Resolver{opts: opts, peerID: peerID, log: lg.WithValues("resolver")}
}

// MagnetRequest is the parsed input to RetrieveTorrent. Parsing the
// magnet URI itself is out of scope here — callers build this from
// metainfo.ParseMagnetURI.
type MagnetRequest struct {
	InfoHash    metainfo.Hash
	DisplayName string
	Trackers    []string
}

// FromMagnet adapts a parsed metainfo.Magnet into a MagnetRequest.
func FromMagnet(m metainfo.Magnet) MagnetRequest {
	return MagnetRequest{InfoHash: m.InfoHash, DisplayName: m.DisplayName, Trackers: m.Trackers}
}

// RetrieveTorrent runs the full discovery race and returns a filename and
// bencoded .torrent file.
func (r *Resolver) RetrieveTorrent(ctx context.Context, req MagnetRequest) (filename string, torrentBytes []byte, err error) {
	if r.opts.Cache != nil {
		if infoBytes, ok := r.opts.Cache.Get(req.InfoHash); ok {
			return r.assemble(req, infoBytes)
		}
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	endpoints := make(chan net.TCPAddr, 256)
	dedup := newDedupSet()
	var failures multierror.Error
	var failuresMu sync.Mutex
	recordFailure := func(err error) {
		failuresMu.Lock()
		failures.Errors = append(failures.Errors, err)
		failuresMu.Unlock()
	}

	g, sourceCtx := errgroup.WithContext(raceCtx)
	for _, tr := range req.Trackers {
		tr := tr
		g.Go(func() error {
			r.runTracker(sourceCtx, tr, req.InfoHash, endpoints, dedup, recordFailure)
			return nil
		})
	}
	if r.opts.DHT != nil {
		g.Go(func() error {
			r.runDHT(sourceCtx, req.InfoHash, endpoints, dedup)
			return nil
		})
	}

	winner := make(chan []byte, 1)
	var workersWG sync.WaitGroup
	for i := 0; i < r.opts.WorkerPoolSize; i++ {
		workersWG.Add(1)
		go func() {
			defer workersWG.Done()
			r.worker(raceCtx, endpoints, req.InfoHash, winner, recordFailure)
		}()
	}

	sourcesDone := make(chan struct{})
	go func() {
		g.Wait()
		close(endpoints)
		close(sourcesDone)
	}()

	var infoBytes []byte
	select {
	case infoBytes = <-winner:
		cancel() // a winner showed up; stop every sibling task
	case <-sourcesDone:
		// All sources drained — wait for in-flight workers to finish
		// draining the (now-closed) endpoint channel before giving up.
		workersWG.Wait()
		select {
		case infoBytes = <-winner:
		default:
		}
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}

	if infoBytes == nil {
		if len(failures.Errors) > 0 {
			return "", nil, fmt.Errorf("%w: %v", ErrFailedToFetch, failures.ErrorOrNil())
		}
		return "", nil, ErrFailedToFetch
	}

	if r.opts.Cache != nil {
		r.opts.Cache.Put(req.InfoHash, infoBytes)
	}
	return r.assemble(req, infoBytes)
}

// assemble wraps verified info bytes into a bencoded .torrent file.
func (r *Resolver) assemble(req MagnetRequest, infoBytes []byte) (string, []byte, error) {
	mi := metainfo.MetaInfo{InfoBytes: infoBytes}
	for _, tr := range req.Trackers {
		mi.AnnounceList = append(mi.AnnounceList, []string{tr})
	}
	if len(mi.AnnounceList) > 0 {
		mi.Announce = mi.AnnounceList[0][0]
	}
	mi.SetDefaults()

	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		return "", nil, fmt.Errorf("resolver: encode torrent: %w", err)
	}

	name := req.DisplayName
	if name == "" {
		if info, err := mi.UnmarshalInfo(); err == nil && info.Name != "" {
			name = info.Name
		}
	}
	if name == "" {
		name = req.InfoHash.HexString()
	}
	return sanitizeFilename(name) + ".torrent", buf.Bytes(), nil
}

// sanitizeFilename strips path separators and NULs so a malicious or
// malformed display name can't escape the output directory.
func sanitizeFilename(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return -1
		}
		return r
	}, name)
	return path.Base(strings.Trim(name, "."))
}

func (r *Resolver) runTracker(ctx context.Context, trackerURL string, infoHash metainfo.Hash, out chan<- net.TCPAddr, dedup *dedupSet, fail func(error)) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		fail(fmt.Errorf("resolver: bad tracker url %q: %w", trackerURL, err))
		return
	}

	switch {
	case trackerhttp.SupportsScheme(u.Scheme):
		c := trackerhttp.NewClient(r.peerID)
		c.Log = r.log
		eps, err := c.Announce(ctx, trackerURL, infoHash, r.opts.ListenPort)
		if err != nil {
			fail(fmt.Errorf("resolver: http tracker %s: %w", trackerURL, err))
			return
		}
		for _, ep := range eps {
			emit(ctx, out, dedup, ep.IP, ep.Port)
		}
	case trackerudp.SupportsScheme(u.Scheme):
		c := trackerudp.NewClient(r.peerID)
		c.Log = r.log
		eps, err := c.Announce(ctx, trackerURL, infoHash, r.opts.ListenPort)
		if err != nil {
			fail(fmt.Errorf("resolver: udp tracker %s: %w", trackerURL, err))
			return
		}
		for _, ep := range eps {
			emit(ctx, out, dedup, ep.IP, ep.Port)
		}
	default:
		// An unrecognized scheme is recoverable: log it and move on to
		// the next tracker rather than failing the whole request.
		r.log.Printf("resolver: unknown tracker scheme %q in %s", u.Scheme, trackerURL)
	}
}

func (r *Resolver) runDHT(ctx context.Context, infoHash metainfo.Hash, out chan<- net.TCPAddr, dedup *dedupSet) {
	var target dht.ID
	copy(target[:], infoHash[:])
	for ep := range r.opts.DHT.GetPeers(ctx, target) {
		emit(ctx, out, dedup, ep.IP, ep.Port)
	}
}

// emit queues addr for the worker pool, blocking until there's room
// rather than dropping on a full channel. dedup is marked before the
// send so a concurrent discovery of the same endpoint doesn't also
// queue it, and un-marked if the send never completes (ctx cancelled)
// so the endpoint isn't permanently lost to a race it didn't get to run.
func emit(ctx context.Context, out chan<- net.TCPAddr, dedup *dedupSet, ip net.IP, port uint16) {
	if port == 0 {
		return
	}
	addr := net.TCPAddr{IP: ip, Port: int(port)}
	if !dedup.add(addr) {
		return
	}
	select {
	case out <- addr:
	case <-ctx.Done():
		dedup.remove(addr)
	}
}

func (r *Resolver) worker(ctx context.Context, in <-chan net.TCPAddr, infoHash metainfo.Hash, winner chan<- []byte, fail func(error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case addr, ok := <-in:
			if !ok {
				return
			}
			res, err := peerwire.Fetch(ctx, addr, infoHash, r.peerID, r.log)
			if err != nil {
				fail(fmt.Errorf("resolver: peer %s: %w", addr.String(), err))
				continue
			}
			select {
			case winner <- res.InfoBytes:
			default:
			}
			return
		}
	}
}
