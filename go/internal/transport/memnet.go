package transport

import (
	"net/netip"
	"sync"
)

// MemNetwork is an in-process LAN. Every link gets its own address; multicast
// reaches every link including the sender, like a loopback-enabled socket.
type MemNetwork struct {
	mu     sync.Mutex
	links  map[netip.AddrPort]*MemLink
	down   map[netip.AddrPort]bool
	filter func(from, to netip.AddrPort, b []byte) bool
	next   byte
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{
		links: make(map[netip.AddrPort]*MemLink),
		down:  make(map[netip.AddrPort]bool),
	}
}

// NewLink attaches a new host to the network.
func (n *MemNetwork) NewLink() *MemLink {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.next++
	addr := netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, n.next}), 40000+uint16(n.next))
	l := &MemLink{
		net:     n,
		addr:    addr,
		packets: make(chan Packet, 256),
	}
	n.links[addr] = l
	return l
}

// SetDown cuts a host off in both directions without closing its link.
func (n *MemNetwork) SetDown(addr netip.AddrPort, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[addr] = down
}

// SetFilter installs a predicate deciding whether a datagram is delivered.
// A nil filter delivers everything.
func (n *MemNetwork) SetFilter(f func(from, to netip.AddrPort, b []byte) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

func (n *MemNetwork) deliver(from netip.AddrPort, to *MemLink, b []byte) {
	if n.down[from] || n.down[to.addr] {
		return
	}
	if n.filter != nil && !n.filter(from, to.addr, b) {
		return
	}
	if to.closed {
		return
	}
	select {
	case to.packets <- Packet{Data: append([]byte(nil), b...), From: from}:
	default:
	}
}

// MemLink is one host's attachment to a MemNetwork.
type MemLink struct {
	net     *MemNetwork
	addr    netip.AddrPort
	packets chan Packet
	closed  bool
}

func (l *MemLink) LocalAddr() netip.AddrPort {
	return l.addr
}

func (l *MemLink) WriteTo(b []byte, to netip.AddrPort) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	if dst, ok := l.net.links[to]; ok {
		l.net.deliver(l.addr, dst, b)
	}
	return nil
}

func (l *MemLink) WriteMulticast(b []byte) error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	for _, dst := range l.net.links {
		l.net.deliver(l.addr, dst, b)
	}
	return nil
}

func (l *MemLink) Packets() <-chan Packet {
	return l.packets
}

func (l *MemLink) Close() error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	delete(l.net.links, l.addr)
	close(l.packets)
	return nil
}
