package dht

import (
	"sync"
	"time"
)

// K is the Kademlia bucket size used throughout this package.
const K = 8

// numBuckets matches the width of the ID space: one bucket per possible
// common-prefix length with the local ID.
const numBuckets = IDLen * 8

type bucket struct {
	contacts []Contact
}

func (b *bucket) indexOf(id ID) int {
	for i, c := range b.contacts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Table is a 160-bucket Kademlia routing table keyed by XOR distance to a
// local node ID.
type Table struct {
	mu      sync.Mutex
	local   ID
	buckets [numBuckets]bucket
}

// NewTable creates an empty routing table for the given local node ID.
func NewTable(local ID) *Table {
	return &Table{local: local}
}

// Insert records or refreshes a contact. It reports the contact that
// should be pinged as an eviction challenge when the destination bucket
// is full and the new contact is not already present: the caller pings
// the least-recently-seen occupant, drops the new contact if it answers,
// and evicts it in favor of the new one if it doesn't.
func (t *Table) Insert(c Contact) (challenge *Contact) {
	if c.ID == t.local {
		return nil
	}
	c.lastSeen = time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[bucketIndex(t.local, c.ID)]
	if i := b.indexOf(c.ID); i >= 0 {
		b.contacts[i] = c
		return nil
	}
	if len(b.contacts) < K {
		b.contacts = append(b.contacts, c)
		return nil
	}
	oldest := b.contacts[0]
	for _, other := range b.contacts[1:] {
		if other.lastSeen.Before(oldest.lastSeen) {
			oldest = other
		}
	}
	pending := oldest
	return &pending
}

// Replace evicts `old` from its bucket and inserts `with` in its place,
// called once the eviction challenge from Insert goes unanswered.
func (t *Table) Replace(old Contact, with Contact) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[bucketIndex(t.local, old.ID)]
	if i := b.indexOf(old.ID); i >= 0 {
		b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	}
	with.lastSeen = time.Now()
	if len(b.contacts) < K {
		b.contacts = append(b.contacts, with)
	}
}

// Remove drops a contact outright — used when a query to it times out
// during a lookup and it should not be offered as a future hop.
func (t *Table) Remove(id ID) {
	if id == t.local {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[bucketIndex(t.local, id)]
	if i := b.indexOf(id); i >= 0 {
		b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
	}
}

// Closest returns up to k contacts ordered by ascending XOR distance to
// target, gathered from every bucket and then sorted.
func (t *Table) Closest(target ID, k int) []Contact {
	t.mu.Lock()
	defer t.mu.Unlock()

	all := make([]Contact, 0, k*2)
	for i := range t.buckets {
		all = append(all, t.buckets[i].contacts...)
	}
	sortByDistance(all, target)
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// All returns every contact currently known, for state persistence.
func (t *Table) All() []Contact {
	t.mu.Lock()
	defer t.mu.Unlock()
	var all []Contact
	for i := range t.buckets {
		all = append(all, t.buckets[i].contacts...)
	}
	return all
}

// Len reports the total number of contacts held across all buckets.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].contacts)
	}
	return n
}

func sortByDistance(cs []Contact, target ID) {
	// Insertion sort: k-bucket snapshots are small (<= 160*K, typically
	// far fewer), so this avoids pulling in sort.Slice's reflection cost
	// for what is a hot path during every lookup round.
	for i := 1; i < len(cs); i++ {
		for j := i; j > 0 && closer(target, cs[j].ID, cs[j-1].ID); j-- {
			cs[j], cs[j-1] = cs[j-1], cs[j]
		}
	}
}
