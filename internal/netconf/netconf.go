// Package netconf resolves the subnet parameters (mask, gateway, broadcast)
// for an address handed out by the DHCP core.
package netconf

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"

	"github.com/invdhcp/invdhcpd/internal/config"
)

// ErrNoNetwork is returned for addresses outside every configured network.
var ErrNoNetwork = errors.New("no network configured for address")

// Config holds the per-subnet parameters of one address.
type Config struct {
	Prefix    netip.Prefix
	Netmask   net.IPMask
	Gateway   net.IP
	Broadcast net.IP
}

// Resolver maps an IP to its network parameters.
type Resolver interface {
	ConfigFor(ip net.IP) (*Config, error)
}

type network struct {
	prefix  netip.Prefix
	gateway netip.Addr
}

// Table is a static Resolver. The most specific matching prefix wins.
type Table struct {
	networks []network
}

var _ Resolver = (*Table)(nil)

// NewTable builds a Table from [[network]] config entries.
func NewTable(entries []config.NetworkConfig) (*Table, error) {
	t := &Table{}
	for i, e := range entries {
		prefix, err := netip.ParsePrefix(e.CIDR)
		if err != nil {
			return nil, fmt.Errorf("network[%d]: %w", i, err)
		}
		if !prefix.Addr().Is4() {
			return nil, fmt.Errorf("network[%d]: %s is not IPv4", i, e.CIDR)
		}
		n := network{prefix: prefix.Masked()}
		if e.Gateway != "" {
			gw, err := netip.ParseAddr(e.Gateway)
			if err != nil {
				return nil, fmt.Errorf("network[%d]: gateway: %w", i, err)
			}
			n.gateway = gw.Unmap()
		}
		t.networks = append(t.networks, n)
	}
	sort.SliceStable(t.networks, func(i, j int) bool {
		return t.networks[i].prefix.Bits() > t.networks[j].prefix.Bits()
	})
	return t, nil
}

// ConfigFor returns the parameters of the narrowest network containing ip.
func (t *Table) ConfigFor(ip net.IP) (*Config, error) {
	v4 := ip.To4()
	if v4 == nil {
		return nil, fmt.Errorf("%s: %w", ip, ErrNoNetwork)
	}
	addr := netip.AddrFrom4([4]byte(v4))

	for _, n := range t.networks {
		if !n.prefix.Contains(addr) {
			continue
		}
		cfg := &Config{
			Prefix:    n.prefix,
			Netmask:   net.CIDRMask(n.prefix.Bits(), 32),
			Broadcast: broadcast(n.prefix),
		}
		if n.gateway.IsValid() {
			cfg.Gateway = net.IP(n.gateway.AsSlice())
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("%s: %w", ip, ErrNoNetwork)
}

func broadcast(p netip.Prefix) net.IP {
	a := p.Addr().As4()
	mask := net.CIDRMask(p.Bits(), 32)
	out := make(net.IP, 4)
	for i := range a {
		out[i] = a[i] | ^mask[i]
	}
	return out
}
