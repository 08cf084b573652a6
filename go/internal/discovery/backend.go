package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/grandcat/zeroconf"
	"github.com/mcdev12/lanride/go/internal/common/netutil"
)

// ErrNoMulticast means no interface can carry mDNS.
var ErrNoMulticast = errors.New("no multicast-capable interface")

// Entry is one resolved service instance.
type Entry struct {
	Instance string
	Port     int
	Text     []string
	AddrIPv4 []net.IP
}

// Registration is a live advertisement.
type Registration interface {
	SetText(txt []string)
	Shutdown()
}

// Backend is the DNS-SD implementation the service runs on.
type Backend interface {
	Register(instance, service, domain string, port int, txt []string) (Registration, error)
	// Browse streams entries until ctx is done, then closes the channel.
	Browse(ctx context.Context, service, domain string) (<-chan Entry, error)
}

// ZeroconfBackend is the production mDNS backend.
type ZeroconfBackend struct{}

func NewZeroconfBackend() *ZeroconfBackend {
	return &ZeroconfBackend{}
}

func (b *ZeroconfBackend) interfaces() ([]net.Interface, error) {
	ifaces, err := netutil.MulticastInterfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	if len(ifaces) == 0 {
		return nil, ErrNoMulticast
	}
	return ifaces, nil
}

func (b *ZeroconfBackend) Register(instance, service, domain string, port int, txt []string) (Registration, error) {
	ifaces, err := b.interfaces()
	if err != nil {
		return nil, err
	}
	srv, err := zeroconf.Register(instance, service, domain, port, txt, ifaces)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", service, err)
	}
	return srv, nil
}

// Browse uses a fresh resolver per call; a zeroconf resolver shuts down with its context.
func (b *ZeroconfBackend) Browse(ctx context.Context, service, domain string) (<-chan Entry, error) {
	ifaces, err := b.interfaces()
	if err != nil {
		return nil, err
	}
	resolver, err := zeroconf.NewResolver(zeroconf.SelectIfaces(ifaces), zeroconf.SelectIPTraffic(zeroconf.IPv4))
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}

	raw := make(chan *zeroconf.ServiceEntry, 16)
	if err := resolver.Browse(ctx, service, domain, raw); err != nil {
		return nil, fmt.Errorf("browse %s: %w", service, err)
	}

	out := make(chan Entry, 16)
	go func() {
		defer close(out)
		for e := range raw {
			out <- Entry{
				Instance: e.Instance,
				Port:     e.Port,
				Text:     e.Text,
				AddrIPv4: e.AddrIPv4,
			}
		}
	}()
	return out, nil
}
