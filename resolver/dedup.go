package resolver

import (
	"net"
	"sync"
)

// dedupSet tracks which candidate endpoints have already been queued,
// so the same peer discovered by two trackers and the DHT is only dialed
// once.
type dedupSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newDedupSet() *dedupSet {
	return &dedupSet{seen: make(map[string]struct{})}
}

// add reports whether addr is new (and records it), or false if it was
// already present.
func (d *dedupSet) add(addr net.TCPAddr) bool {
	key := addr.String()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// remove un-marks addr, letting a later discovery of the same endpoint
// be queued again. Used to back out of add when the endpoint could not
// actually be delivered to a worker.
func (d *dedupSet) remove(addr net.TCPAddr) {
	key := addr.String()
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}
