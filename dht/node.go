package dht

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"
)

// Config configures a Node.
type Config struct {
	// Port to bind the UDP socket to. Zero picks an ephemeral port.
	Port int
	// NodeID is reused across restarts when state has been persisted so
	// the node keeps the same identity. Left zero, a random one is
	// generated.
	NodeID ID
	// QueryRate bounds outbound KRPC queries/sec.
	QueryRate rate.Limit
	Logger    log.Logger
}

// Node is a Kademlia DHT participant speaking the KRPC dialect over UDP.
type Node struct {
	id      ID
	conn    *net.UDPConn
	table   *Table
	txs     *transactionTable
	limiter *rate.Limiter
	log     log.Logger

	announceMu sync.Mutex
	announced  map[string]map[string]Endpoint // info_hash -> peer key -> endpoint, from announce_peer

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen opens the UDP socket and starts the receive loop.
func Listen(cfg Config) (*Node, error) {
	id := cfg.NodeID
	if id == (ID{}) {
		id = RandomID()
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return nil, err
	}
	rl := rate.NewLimiter(rate.Inf, 0)
	if cfg.QueryRate > 0 {
		rl = rate.NewLimiter(cfg.QueryRate, int(cfg.QueryRate)+1)
	}
	lg := cfg.Logger
	if lg.IsZero() {
		lg = log.Default
	}
	n := &Node{
		id:        id,
		conn:      conn,
		table:     NewTable(id),
		txs:       newTransactionTable(),
		limiter:   rl,
		log:       lg.WithValues("dht"),
		announced: make(map[string]map[string]Endpoint),
		closed:    make(chan struct{}),
	}
	go n.receiveLoop()
	return n, nil
}

// ID returns the node's local 160-bit identity.
func (n *Node) ID() ID { return n.id }

// LocalAddr reports the bound UDP address, useful for tests and for
// operators who want to log which port the DHT ended up on.
func (n *Node) LocalAddr() net.Addr { return n.conn.LocalAddr() }

// Close releases the UDP socket and stops the receive loop. It does not
// cancel lookups: queries sent after Close fail at once, and queries
// already waiting for a reply wait out queryTimeout or their own context.
func (n *Node) Close() error {
	n.closeOnce.Do(func() { close(n.closed) })
	return n.conn.Close()
}

// Bootstrap seeds the routing table from well-known or operator-supplied
// endpoints by pinging each.
func (n *Node) Bootstrap(ctx context.Context, seeds []Endpoint) {
	var wg sync.WaitGroup
	for _, s := range seeds {
		wg.Add(1)
		go func(s Endpoint) {
			defer wg.Done()
			if id, ok := n.ping(ctx, s); ok {
				n.welcome(Contact{ID: id, Endpoint: s})
			}
		}(s)
	}
	wg.Wait()
}

func (n *Node) receiveLoop() {
	buf := make([]byte, 2048)
	for {
		nn, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-n.closed:
				return
			default:
			}
			if nn == 0 {
				return
			}
			continue
		}
		if nn > 1400 {
			// Larger than any sane KRPC packet; drop rather than parse.
			continue
		}
		m, err := decodeMsg(buf[:nn])
		if err != nil {
			n.log.Printf("dropping malformed krpc message from %s: %v", addr, err)
			continue
		}
		udpAddr := &net.UDPAddr{IP: addr.IP, Port: addr.Port}
		switch m.Y {
		case "q":
			go n.handleQuery(m, udpAddr)
		case "r", "e":
			n.txs.complete(m.T, m)
		}
	}
}

func (n *Node) send(addr *net.UDPAddr, b []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := n.conn.WriteToUDP(b, addr)
	return err
}

// call sends a query and waits for either its reply, ctx cancellation, or
// the per-query timeout, whichever comes first.
func (n *Node) call(ctx context.Context, addr *net.UDPAddr, q string, a msgDict) (krpcMsg, bool) {
	tid := newTransactionID()
	b, err := encodeQuery(tid, q, a)
	if err != nil {
		return krpcMsg{}, false
	}
	pq := n.txs.register(tid)
	if err := n.send(addr, b); err != nil {
		n.txs.forget(tid)
		return krpcMsg{}, false
	}
	cctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	select {
	case m := <-pq.reply:
		if m.Y == "e" {
			n.log.Printf("dht: %s replied with an error to %s: %v", addr, q, parseKRPCError(m.E))
			return krpcMsg{}, false
		}
		return m, true
	case <-cctx.Done():
		n.txs.forget(tid)
		return krpcMsg{}, false
	}
}

func (n *Node) ping(ctx context.Context, ep Endpoint) (ID, bool) {
	addr := &net.UDPAddr{IP: ep.IP, Port: int(ep.Port)}
	m, ok := n.call(ctx, addr, "ping", msgDict{"id": string(n.id[:])})
	if !ok {
		return ID{}, false
	}
	return n.replyID(m)
}

func (n *Node) replyID(m krpcMsg) (ID, bool) {
	s, ok := bdictGetString(m.R, "id")
	if !ok {
		return ID{}, false
	}
	return idFromBytes([]byte(s))
}

// findNode asks a contact for the nodes closest to target.
func (n *Node) findNode(ctx context.Context, to Contact, target ID) ([]Contact, bool) {
	addr := &net.UDPAddr{IP: to.Endpoint.IP, Port: int(to.Endpoint.Port)}
	m, ok := n.call(ctx, addr, "find_node", msgDict{
		"id":     string(n.id[:]),
		"target": string(target[:]),
	})
	if !ok {
		return nil, false
	}
	n.welcomeFromReply(m, to)
	nodesStr, _ := bdictGetString(m.R, "nodes")
	return parseCompactNodeInfo([]byte(nodesStr)), true
}

// getPeersResult is the union response shape of a get_peers reply: a
// contact answers with either a values list of peers or a nodes list to
// continue the lookup through.
type getPeersResult struct {
	token  string
	values []Endpoint
	nodes  []Contact
}

func (n *Node) getPeers(ctx context.Context, to Contact, infoHash ID) (getPeersResult, bool) {
	addr := &net.UDPAddr{IP: to.Endpoint.IP, Port: int(to.Endpoint.Port)}
	m, ok := n.call(ctx, addr, "get_peers", msgDict{
		"id":        string(n.id[:]),
		"info_hash": string(infoHash[:]),
	})
	if !ok {
		return getPeersResult{}, false
	}
	n.welcomeFromReply(m, to)

	var res getPeersResult
	res.token, _ = bdictGetString(m.R, "token")
	if values, ok := m.R["values"].([]interface{}); ok {
		for _, v := range values {
			if s, ok := v.(string); ok {
				res.values = append(res.values, parseCompactPeers([]byte(s))...)
			}
		}
	}
	if nodesStr, ok := bdictGetString(m.R, "nodes"); ok {
		res.nodes = parseCompactNodeInfo([]byte(nodesStr))
	}
	return res, true
}

// announcePeer is the optional BEP 5 write operation. It is unexported,
// and the GetPeers lookup never calls it.
func (n *Node) announcePeer(ctx context.Context, to Contact, infoHash ID, token string, port uint16) bool {
	addr := &net.UDPAddr{IP: to.Endpoint.IP, Port: int(to.Endpoint.Port)}
	_, ok := n.call(ctx, addr, "announce_peer", msgDict{
		"id":        string(n.id[:]),
		"info_hash": string(infoHash[:]),
		"token":     token,
		"port":      int64(port),
	})
	return ok
}

func (n *Node) welcomeFromReply(m krpcMsg, from Contact) {
	if id, ok := n.replyID(m); ok {
		from.ID = id
		n.welcome(from)
	}
}

// welcome inserts a contact into the routing table, pinging and possibly
// evicting the least-recently-seen occupant of a full bucket.
func (n *Node) welcome(c Contact) {
	challenge := n.table.Insert(c)
	if challenge == nil {
		return
	}
	go func(challenged Contact, fresh Contact) {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		if _, ok := n.ping(ctx, challenged.Endpoint); !ok {
			n.table.Replace(challenged, fresh)
		}
	}(*challenge, c)
}

// storeAnnounce records a peer that announced itself for infoHashStr via
// announce_peer, so a later get_peers for the same info_hash can return
// it directly instead of only ever pointing the caller at closer nodes.
func (n *Node) storeAnnounce(infoHashStr string, ep Endpoint) {
	n.announceMu.Lock()
	defer n.announceMu.Unlock()
	peers := n.announced[infoHashStr]
	if peers == nil {
		peers = make(map[string]Endpoint)
		n.announced[infoHashStr] = peers
	}
	peers[ep.key()] = ep
}

func (n *Node) lookupAnnounced(infoHashStr string) []Endpoint {
	n.announceMu.Lock()
	defer n.announceMu.Unlock()
	peers := n.announced[infoHashStr]
	if len(peers) == 0 {
		return nil
	}
	out := make([]Endpoint, 0, len(peers))
	for _, ep := range peers {
		out = append(out, ep)
	}
	return out
}

func (n *Node) handleQuery(m krpcMsg, from *net.UDPAddr) {
	idStr, _ := bdictGetString(m.A, "id")
	fromID, ok := idFromBytes([]byte(idStr))
	if ok {
		n.welcome(Contact{ID: fromID, Endpoint: Endpoint{IP: from.IP, Port: uint16(from.Port)}})
	}

	var r msgDict
	switch m.Q {
	case "ping":
		r = msgDict{"id": string(n.id[:])}
	case "find_node":
		target, _ := bdictGetString(m.A, "target")
		tID, _ := idFromBytes([]byte(target))
		closest := n.table.Closest(tID, K)
		r = msgDict{"id": string(n.id[:]), "nodes": string(compactNodeInfo(closest))}
	case "get_peers":
		infoHashStr, _ := bdictGetString(m.A, "info_hash")
		r = msgDict{"id": string(n.id[:]), "token": infoHashStr[:min(8, len(infoHashStr))]}
		if peers := n.lookupAnnounced(infoHashStr); len(peers) > 0 {
			values := make([]interface{}, len(peers))
			for i, p := range peers {
				values[i] = string(p.IP.To4()) + string([]byte{byte(p.Port >> 8), byte(p.Port)})
			}
			r["values"] = values
		} else {
			ihID, _ := idFromBytes([]byte(infoHashStr))
			closest := n.table.Closest(ihID, K)
			r["nodes"] = string(compactNodeInfo(closest))
		}
	case "announce_peer":
		infoHashStr, _ := bdictGetString(m.A, "info_hash")
		token, _ := bdictGetString(m.A, "token")
		portN, _ := bdictGetInt(m.A, "port")
		if token != "" && token == infoHashStr[:min(8, len(infoHashStr))] {
			n.storeAnnounce(infoHashStr, Endpoint{IP: from.IP, Port: uint16(portN)})
		}
		r = msgDict{"id": string(n.id[:])}
	default:
		return
	}
	b, err := encodeReply(m.T, r)
	if err != nil {
		return
	}
	n.send(from, b)
}
