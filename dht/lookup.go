package dht

import (
	"context"
	"sync"
)

// alpha is the number of concurrent outstanding queries per lookup round.
const alpha = 3

type lookupState struct {
	mu        sync.Mutex
	target    ID
	queried   map[ID]bool
	answered  map[ID]bool
	shortlist []Contact
}

func newLookupState(target ID, seed []Contact) *lookupState {
	return &lookupState{
		target:    target,
		queried:   make(map[ID]bool),
		answered:  make(map[ID]bool),
		shortlist: append([]Contact(nil), seed...),
	}
}

func (ls *lookupState) addCandidates(cs []Contact) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, c := range cs {
		found := false
		for _, existing := range ls.shortlist {
			if existing.ID == c.ID {
				found = true
				break
			}
		}
		if !found {
			ls.shortlist = append(ls.shortlist, c)
		}
	}
	sortByDistance(ls.shortlist, ls.target)
}

// nextBatch returns up to n un-queried contacts from the closest end of
// the shortlist, marking them queried so no other goroutine picks them
// up twice.
func (ls *lookupState) nextBatch(n int) []Contact {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	var batch []Contact
	for _, c := range ls.shortlist {
		if len(batch) >= n {
			break
		}
		if !ls.queried[c.ID] {
			ls.queried[c.ID] = true
			batch = append(batch, c)
		}
	}
	return batch
}

func (ls *lookupState) markAnswered(id ID) {
	ls.mu.Lock()
	ls.answered[id] = true
	ls.mu.Unlock()
}

// done reports whether every contact currently in the closest-K window of
// the shortlist has been handed out for querying. runGetPeers waits for
// each round to finish before asking, so by then every one of them has
// either answered or been given up on.
func (ls *lookupState) done() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	window := ls.shortlist
	if len(window) > K {
		window = window[:K]
	}
	for _, c := range window {
		if !ls.queried[c.ID] {
			return false
		}
	}
	return true
}

// GetPeers runs an iterative Kademlia lookup for infoHash and streams
// discovered peer endpoints on the returned channel as they arrive,
// without buffering until the lookup ends. The channel is closed when
// the lookup terminates or ctx is cancelled.
func (n *Node) GetPeers(ctx context.Context, infoHash ID) <-chan Endpoint {
	out := make(chan Endpoint, 32)
	go n.runGetPeers(ctx, infoHash, out)
	return out
}

func (n *Node) runGetPeers(ctx context.Context, infoHash ID, out chan<- Endpoint) {
	defer close(out)

	seed := n.table.Closest(infoHash, K)
	ls := newLookupState(infoHash, seed)
	if len(seed) == 0 {
		return
	}

	seenPeers := make(map[string]struct{})
	emit := func(eps []Endpoint) {
		for _, ep := range eps {
			key := ep.String()
			if _, dup := seenPeers[key]; dup {
				continue
			}
			seenPeers[key] = struct{}{}
			select {
			case out <- ep:
			case <-ctx.Done():
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		batch := ls.nextBatch(alpha)
		if len(batch) == 0 {
			if ls.done() {
				return
			}
			// nextBatch only comes back empty once every shortlist
			// contact has been queried, which is exactly when done()
			// holds, so this continue is not reached in practice.
			continue
		}

		var wg sync.WaitGroup
		for _, c := range batch {
			wg.Add(1)
			go func(c Contact) {
				defer wg.Done()
				// One retry on top of the per-call timeout before
				// giving up on this contact entirely.
				res, ok := n.getPeers(ctx, c, infoHash)
				if !ok {
					res, ok = n.getPeers(ctx, c, infoHash)
				}
				if !ok {
					n.table.Remove(c.ID)
					return
				}
				ls.markAnswered(c.ID)
				// An empty values list, or one pointing only at the
				// contact itself, isn't special-cased; closer contacts
				// keep getting queried via addCandidates/nextBatch
				// regardless of what this one returned.
				if len(res.values) > 0 {
					emit(res.values)
				}
				if len(res.nodes) > 0 {
					ls.addCandidates(res.nodes)
					for _, nc := range res.nodes {
						n.welcome(nc)
					}
				}
			}(c)
		}
		wg.Wait()

		if ls.done() {
			return
		}
	}
}
