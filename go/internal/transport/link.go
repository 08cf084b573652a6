package transport

import (
	"errors"
	"net/netip"
)

// DefaultGroup is the multicast group every node joins.
var DefaultGroup = netip.MustParseAddrPort("239.255.42.99:47999")

var ErrLinkClosed = errors.New("link closed")

// Packet is one received datagram.
type Packet struct {
	Data []byte
	From netip.AddrPort
}

// Link moves raw datagrams. Packets is closed once the link is closed.
type Link interface {
	// LocalAddr is the unicast address peers reply to.
	LocalAddr() netip.AddrPort
	WriteTo(b []byte, to netip.AddrPort) error
	WriteMulticast(b []byte) error
	Packets() <-chan Packet
	Close() error
}
