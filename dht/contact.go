package dht

import (
	"net"
	"time"
)

// Endpoint is a bare IPv4 address/port pair, the unit the tracker and
// peer-wire clients also deal in.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return (&net.UDPAddr{IP: e.IP, Port: int(e.Port)}).String()
}

func (e Endpoint) key() string {
	return string(e.IP.To4()) + string([]byte{byte(e.Port >> 8), byte(e.Port)})
}

// Contact is a DHT routing-table entry: a node ID paired with the
// endpoint it was last seen at.
type Contact struct {
	ID       ID
	Endpoint Endpoint
	lastSeen time.Time
}

func compactNodeInfo(contacts []Contact) []byte {
	b := make([]byte, 0, len(contacts)*26)
	for _, c := range contacts {
		b = append(b, c.ID[:]...)
		ip4 := c.Endpoint.IP.To4()
		if ip4 == nil {
			continue
		}
		b = append(b, ip4...)
		b = append(b, byte(c.Endpoint.Port>>8), byte(c.Endpoint.Port))
	}
	return b
}

func parseCompactNodeInfo(b []byte) []Contact {
	const entryLen = IDLen + 6
	var out []Contact
	for len(b) >= entryLen {
		var c Contact
		copy(c.ID[:], b[:IDLen])
		ip := make(net.IP, 4)
		copy(ip, b[IDLen:IDLen+4])
		c.Endpoint = Endpoint{
			IP:   ip,
			Port: uint16(b[IDLen+4])<<8 | uint16(b[IDLen+5]),
		}
		out = append(out, c)
		b = b[entryLen:]
	}
	return out
}

func parseCompactPeers(b []byte) []Endpoint {
	const entryLen = 6
	var out []Endpoint
	for len(b) >= entryLen {
		ip := make(net.IP, 4)
		copy(ip, b[:4])
		port := uint16(b[4])<<8 | uint16(b[5])
		b = b[entryLen:]
		if port == 0 {
			// A peer entry with no port is not dialable; some trackers
			// and peers emit these, so drop them rather than propagate.
			continue
		}
		out = append(out, Endpoint{IP: ip, Port: port})
	}
	return out
}
