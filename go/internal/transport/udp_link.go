package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/mcdev12/lanride/go/internal/common/netutil"
	"github.com/mcdev12/lanride/go/internal/wire"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
)

// UDPConfig configures the production link.
type UDPConfig struct {
	// UnicastPort is 0 for an ephemeral port.
	UnicastPort int
	Group       netip.AddrPort
	QueueSize   int
}

// UDPLink is a unicast socket plus a listener joined to the multicast group.
// Multicast datagrams are sent from the unicast socket so their source address
// is the one peers should reply to.
type UDPLink struct {
	group   netip.AddrPort
	uc      *net.UDPConn
	mc      net.PacketConn
	mcPC    *ipv4.PacketConn
	packets chan Packet

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewUDPLink binds both sockets. A bind failure is returned to the caller.
func NewUDPLink(cfg UDPConfig) (*UDPLink, error) {
	if !cfg.Group.IsValid() {
		cfg.Group = DefaultGroup
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	uc, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.UnicastPort})
	if err != nil {
		return nil, fmt.Errorf("bind unicast socket: %w", err)
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	mc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", cfg.Group.Port()))
	if err != nil {
		uc.Close()
		return nil, fmt.Errorf("bind multicast socket: %w", err)
	}

	l := &UDPLink{
		group:   cfg.Group,
		uc:      uc,
		mc:      mc,
		mcPC:    ipv4.NewPacketConn(mc),
		packets: make(chan Packet, cfg.QueueSize),
	}

	if err := l.joinGroup(); err != nil {
		l.uc.Close()
		l.mc.Close()
		return nil, err
	}

	upc := ipv4.NewPacketConn(uc)
	if err := upc.SetMulticastTTL(1); err != nil {
		log.Warn().Err(err).Msg("failed to set multicast ttl")
	}
	if err := upc.SetMulticastLoopback(true); err != nil {
		log.Warn().Err(err).Msg("failed to enable multicast loopback")
	}

	l.wg.Add(2)
	go l.readLoop("unicast", l.uc)
	go l.readLoop("multicast", l.mc)

	log.Info().
		Str("unicast", l.LocalAddr().String()).
		Str("group", l.group.String()).
		Msg("udp link bound")
	return l, nil
}

func (l *UDPLink) joinGroup() error {
	group := &net.UDPAddr{IP: l.group.Addr().AsSlice()}

	ifaces, err := netutil.MulticastInterfaces()
	if err != nil {
		log.Warn().Err(err).Msg("failed to list interfaces")
	}

	joined := 0
	for i := range ifaces {
		if err := l.mcPC.JoinGroup(&ifaces[i], group); err != nil {
			log.Warn().Err(err).Str("iface", ifaces[i].Name).Msg("failed to join multicast group")
			continue
		}
		joined++
	}
	if joined > 0 {
		return nil
	}

	// Fall back to whatever interface the system picks.
	if err := l.mcPC.JoinGroup(nil, group); err != nil {
		return fmt.Errorf("join multicast group %s: %w", l.group, err)
	}
	return nil
}

func (l *UDPLink) readLoop(name string, conn net.PacketConn) {
	defer l.wg.Done()

	buf := make([]byte, wire.MaxDatagramSize+1)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if !isClosedErr(err) {
				log.Error().Err(err).Str("socket", name).Msg("udp read failed")
			}
			return
		}
		ua, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		from := ua.AddrPort()
		pkt := Packet{
			Data: append([]byte(nil), buf[:n]...),
			From: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
		}
		select {
		case l.packets <- pkt:
		default:
			log.Warn().Str("socket", name).Str("from", pkt.From.String()).Msg("receive queue full, dropping datagram")
		}
	}
}

func (l *UDPLink) LocalAddr() netip.AddrPort {
	return l.uc.LocalAddr().(*net.UDPAddr).AddrPort()
}

func (l *UDPLink) WriteTo(b []byte, to netip.AddrPort) error {
	_, err := l.uc.WriteToUDPAddrPort(b, to)
	return err
}

func (l *UDPLink) WriteMulticast(b []byte) error {
	return l.WriteTo(b, l.group)
}

func (l *UDPLink) Packets() <-chan Packet {
	return l.packets
}

// Close closes both sockets and waits for the readers before closing Packets.
func (l *UDPLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mcPC.Close()
		err = l.uc.Close()
		l.wg.Wait()
		close(l.packets)
	})
	return err
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
