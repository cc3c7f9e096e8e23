package dht

import (
	"context"
	"os"

	"github.com/anacrolix/torrent/bencode"
)

// persistedState is the on-disk state file format: node_id plus
// known_contacts, versioned so the format can evolve.
type persistedState struct {
	Version  int      `bencode:"v"`
	NodeID   []byte   `bencode:"node_id"`
	Contacts [][]byte `bencode:"contacts"` // each is 26 bytes: 20-byte ID + 6-byte compact endpoint
}

const stateVersion = 1

// SaveState serializes the node ID and known contacts to path.
func (n *Node) SaveState(path string) error {
	all := n.table.All()
	ps := persistedState{Version: stateVersion, NodeID: n.id[:]}
	for _, c := range all {
		ps.Contacts = append(ps.Contacts, compactNodeInfo([]Contact{c}))
	}
	b, err := bencode.Marshal(ps)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// LoadState rebuilds a node's ID and routing table from a previously
// saved state file, then kicks off a find_node(local_id) refresh to
// repopulate buckets with live contacts.
func LoadState(ctx context.Context, path string, cfg Config) (*Node, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var ps persistedState
	if err := bencode.Unmarshal(b, &ps); err != nil {
		return nil, err
	}
	id, ok := idFromBytes(ps.NodeID)
	if !ok {
		id = RandomID()
	}
	cfg.NodeID = id
	n, err := Listen(cfg)
	if err != nil {
		return nil, err
	}
	var seeds []Contact
	for _, raw := range ps.Contacts {
		seeds = append(seeds, parseCompactNodeInfo(raw)...)
	}
	for _, c := range seeds {
		n.table.Insert(c)
	}
	go n.refresh(ctx, seeds)
	return n, nil
}

// refresh issues find_node(local) against the freshly-loaded contacts to
// confirm they're still alive and to discover their neighbors.
func (n *Node) refresh(ctx context.Context, seeds []Contact) {
	for _, c := range seeds {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if nodes, ok := n.findNode(ctx, c, n.id); ok {
			for _, nc := range nodes {
				n.welcome(nc)
			}
		}
	}
}
