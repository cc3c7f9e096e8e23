package main

import (
	"context"
	"fmt"
	mrand "math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/jpillora/opts"

	"github.com/JohnDoee/magnet2torrent/dht"
	"github.com/JohnDoee/magnet2torrent/metacache"
	"github.com/JohnDoee/magnet2torrent/resolver"
)

var version = "0.0.0-src" // set with ldflags

var defaultBootstrap = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
	"router.utorrent.com:6881",
}

// defaultTrackers is a bundled fallback list, only appended to a magnet's
// own trackers when the caller opts in via --extra-trackers. Widens peer
// discovery for magnets that carry few or no tracker URIs of their own.
var defaultTrackers = []string{
	"udp://tracker.opentrackr.org:1337/announce",
	"udp://tracker.openbittorrent.com:6969/announce",
	"udp://exodus.desync.com:6969/announce",
	"udp://tracker.torrent.eu.org:451/announce",
	"udp://open.stealth.si:80/announce",
	"http://tracker.opentrackr.org:1337/announce",
}

// app holds every CLI-configurable knob; jpillora/opts reflects over its
// exported fields to build flags, matching the convention the rest of
// this stack's CLI entrypoints use.
type app struct {
	Magnet        string        `type:"arg" help:"magnet URI to resolve"`
	Output        string        `help:"directory to write the resulting .torrent into"`
	CachePath     string        `help:"bbolt cache file; empty disables caching"`
	Port          int           `help:"port advertised to trackers (0 picks a random one, matching a process that never accepts inbound connections)"`
	DHTPort       int           `help:"UDP port for the DHT node (0 = ephemeral)"`
	NoDHT         bool          `help:"disable the DHT peer source entirely"`
	Bootstrap     string        `help:"comma-separated DHT bootstrap host:port list"`
	ExtraTrackers bool          `help:"also announce to a bundled list of well-known public trackers"`
	Workers       int           `help:"max concurrent peer-wire sessions"`
	Timeout       time.Duration `help:"overall deadline for resolving the magnet"`
	Verbose       bool          `help:"enable debug logging"`
}

func main() {
	a := app{
		Output:    ".",
		CachePath: "magnet2torrent.cache",
		DHTPort:   0,
		Bootstrap: strings.Join(defaultBootstrap, ","),
		Workers:   50,
		Timeout:   2 * time.Minute,
	}
	o := opts.New(&a)
	o.Version(version)
	o.PkgRepo()
	o.SetLineWidth(96)
	o.Parse()

	if err := a.run(); err != nil {
		log.Default.Printf("magnet2torrent: %v", err)
		os.Exit(1)
	}
}

func (a *app) run() error {
	lg := log.Default
	if a.Verbose {
		lg = lg.FilterLevel(log.Debug)
	}

	m, err := metainfo.ParseMagnetURI(a.Magnet)
	if err != nil {
		return fmt.Errorf("parse magnet: %w", err)
	}
	if a.ExtraTrackers {
		m.Trackers = append(m.Trackers, defaultTrackers...)
	}

	port := a.Port
	if port == 0 {
		port = 10000 + mrand.Intn(50000)
	}

	ropts := resolver.Options{
		WorkerPoolSize: a.Workers,
		ListenPort:     uint16(port),
		Log:            lg,
	}

	if !a.NoDHT {
		node, err := dht.Listen(dht.Config{Port: a.DHTPort, Logger: lg})
		if err != nil {
			return fmt.Errorf("start dht: %w", err)
		}
		defer node.Close()
		node.Bootstrap(context.Background(), resolveBootstrap(a.Bootstrap))
		ropts.DHT = node
	}

	if a.CachePath != "" {
		store, err := metacache.Open(a.CachePath)
		if err != nil {
			return fmt.Errorf("open cache: %w", err)
		}
		defer store.Close()
		ropts.Cache = store
	}

	r := resolver.New(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), a.Timeout)
	defer cancel()

	filename, torrentBytes, err := r.RetrieveTorrent(ctx, resolver.FromMagnet(m))
	if err != nil {
		return fmt.Errorf("retrieve torrent: %w", err)
	}

	outPath := filepath.Join(a.Output, filename)
	if err := os.WriteFile(outPath, torrentBytes, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	lg.Printf("wrote %s (%d bytes)", outPath, len(torrentBytes))
	return nil
}

func resolveBootstrap(csv string) []dht.Endpoint {
	var out []dht.Endpoint
	for _, host := range strings.Split(csv, ",") {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		addr, err := net.ResolveUDPAddr("udp4", host)
		if err != nil {
			continue
		}
		out = append(out, dht.Endpoint{IP: addr.IP, Port: uint16(addr.Port)})
	}
	return out
}
