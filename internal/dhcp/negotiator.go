package dhcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/invdhcp/invdhcpd/internal/cache"
	"github.com/invdhcp/invdhcpd/internal/inventory"
	"github.com/invdhcp/invdhcpd/internal/metrics"
	"github.com/invdhcp/invdhcpd/internal/netconf"
)

// ErrUpstream wraps inventory and resolver failures. The receive loop logs
// these and keeps serving; nothing is cached, so the next packet re-queries.
var ErrUpstream = errors.New("upstream lookup failed")

// Policy drop reasons, used as metric labels.
const (
	dropRateLimited  = "rate_limited"
	dropNoHost       = "no_host"
	dropConflict     = "conflict"
	dropDHCPDisabled = "dhcp_disabled"
	dropNoIP         = "no_ip"
	dropNoNetwork    = "no_network"
	dropNoOffer      = "no_offer"
)

// Cache names, used as metric labels.
const (
	CachePrimary    = "primary"
	CacheManagement = "management"
)

type hostList = []*inventory.HostRecord

// NegotiatorConfig holds the policy knobs of a Negotiator.
type NegotiatorConfig struct {
	ServerIP    net.IP
	LeaseTime   time.Duration
	RenewalTime time.Duration

	// ManagementVendorClasses are vendor class identifiers (option 60) sent
	// by management controllers rather than host NICs.
	ManagementVendorClasses []string

	// PortType and PortNumber name the primary interface, e.g. nic-eth #1.
	PortType   string
	PortNumber int

	CacheTTL  time.Duration
	CacheSize int

	// Limiter throttles discovers; nil disables throttling.
	Limiter *RateLimiter

	// Clock overrides the cache time source.
	Clock func() time.Time
}

// Negotiator runs the discover/offer/request/ack exchange against the
// inventory. It owns the offer table and both query caches and is driven by
// a single goroutine.
type Negotiator struct {
	cfg        NegotiatorConfig
	portKey    string
	gateway    inventory.Gateway
	resolver   netconf.Resolver
	primary    *cache.Cache[hostList]
	management *cache.Cache[hostList]
	offers     *OfferTable
	logger     *slog.Logger
}

// NewNegotiator creates a negotiator.
func NewNegotiator(cfg NegotiatorConfig, gateway inventory.Gateway, resolver netconf.Resolver, logger *slog.Logger) (*Negotiator, error) {
	if cfg.ServerIP.To4() == nil {
		return nil, fmt.Errorf("server identifier %v is not IPv4", cfg.ServerIP)
	}
	var opts []cache.Option
	if cfg.Clock != nil {
		opts = append(opts, cache.WithClock(cfg.Clock))
	}
	primary, err := cache.New[hostList](CachePrimary, cfg.CacheTTL, cfg.CacheSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating primary cache: %w", err)
	}
	management, err := cache.New[hostList](CacheManagement, cfg.CacheTTL, cfg.CacheSize, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating management cache: %w", err)
	}
	return &Negotiator{
		cfg:        cfg,
		portKey:    inventory.PortKey(cfg.PortType),
		gateway:    gateway,
		resolver:   resolver,
		primary:    primary,
		management: management,
		offers:     NewOfferTable(),
		logger:     logger,
	}, nil
}

// Handle routes a decoded request. It returns the reply to send, or nil when
// nothing should be sent.
func (n *Negotiator) Handle(ctx context.Context, req *LeaseRequest) (*LeaseOffer, error) {
	n.logger.Debug("received dhcp packet",
		"msg_type", req.Type.String(),
		"mac", req.MAC(),
		"xid", req.XID.String())

	switch req.Type {
	case MessageDiscover:
		return n.handleDiscover(ctx, req)
	case MessageRequest:
		return n.handleRequest(req)
	default:
		n.logger.Debug("ignoring dhcp message", "msg_type", req.Type.String(), "mac", req.MAC())
		return nil, nil
	}
}

func (n *Negotiator) drop(reason string) (*LeaseOffer, error) {
	metrics.PolicyDrops.WithLabelValues(reason).Inc()
	return nil, nil
}

// handleDiscover implements DHCPDISCOVER -> DHCPOFFER.
func (n *Negotiator) handleDiscover(ctx context.Context, req *LeaseRequest) (*LeaseOffer, error) {
	mac := req.MAC()

	if n.cfg.Limiter != nil && !n.cfg.Limiter.Allow(mac) {
		n.logger.Debug("discover rate limited", "mac", mac)
		return n.drop(dropRateLimited)
	}

	res := n.associateManagement(ctx, req)
	n.logAssociation(req, res)

	hosts, err := n.resolve(ctx, n.primary, mac, inventory.PortMACQuery(n.portKey, n.cfg.PortNumber, mac))
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", ErrUpstream, mac, err)
	}

	switch {
	case len(hosts) == 0:
		n.logger.Debug("no host for hardware address", "mac", mac)
		return n.drop(dropNoHost)
	case len(hosts) > 1:
		n.logger.Warn("more than one host with hardware address",
			"mac", mac,
			"hosts", hostNames(hosts))
		return n.drop(dropConflict)
	}
	host := hosts[0]

	if !host.DHCPEnabled() {
		n.logger.Info("dhcp not enabled for host", "host", host.Name, "mac", mac)
		return n.drop(dropDHCPDisabled)
	}
	if len(host.IPs) == 0 {
		n.logger.Info("no ip assigned to host", "host", host.Name, "mac", mac)
		return n.drop(dropNoIP)
	}
	ip := host.IPs[0]

	nc, err := n.resolver.ConfigFor(ip)
	if errors.Is(err, netconf.ErrNoNetwork) {
		n.logger.Warn("no network configured for host address", "host", host.Name, "ip", ip.String())
		return n.drop(dropNoNetwork)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: network config for %s: %v", ErrUpstream, ip, err)
	}

	offer := &LeaseOffer{
		Type:     OfferTypeOffer,
		IP:       ip,
		ServerIP: n.cfg.ServerIP,
		Host:     host.Name,
		Options:  n.buildOptions(host, nc),
		Request:  req,
	}
	n.offers.Put(mac, offer)

	n.logger.Info("sending offer", "host", host.Name, "mac", mac, "ip", ip.String())
	return offer, nil
}

// buildOptions seeds the reply options and overlays every dhcp/* attribute
// of the host, so inventory values win over the defaults.
func (n *Negotiator) buildOptions(host *inventory.HostRecord, nc *netconf.Config) Options {
	opts := Options{
		OptServerID:         n.cfg.ServerIP.String(),
		OptLeaseTime:        strconv.Itoa(int(n.cfg.LeaseTime / time.Second)),
		OptRenewalTime:      strconv.Itoa(int(n.cfg.RenewalTime / time.Second)),
		OptSubnetMask:       net.IP(nc.Netmask).String(),
		OptBroadcastAddress: nc.Broadcast.String(),
	}
	if nc.Gateway != nil {
		opts[OptRouter] = nc.Gateway.String()
	}
	if _, ok := dns.IsDomainName(host.Name); ok {
		opts[OptHostname] = host.Name
	} else {
		n.logger.Warn("host name is not a valid domain name, not sending it", "host", host.Name)
	}

	for _, a := range host.AttrsByKey(inventory.KeyDHCP) {
		opts[a.Subkey] = a.Value
	}
	return opts
}

// handleRequest implements DHCPREQUEST -> DHCPACK. The stored offer is acked
// as-is: the requested address is not checked and the inventory is not
// consulted again.
func (n *Negotiator) handleRequest(req *LeaseRequest) (*LeaseOffer, error) {
	mac := req.MAC()
	offer, ok := n.offers.Get(mac)
	if !ok {
		n.logger.Warn("request without prior offer", "mac", mac, "xid", req.XID.String())
		return n.drop(dropNoOffer)
	}

	offer.Type = OfferTypeAck
	n.logger.Info("sending ack", "host", offer.Host, "mac", mac, "ip", offer.IP.String())
	return offer, nil
}

// resolve is the cache-or-populate lookup shared by both inventory queries.
func (n *Negotiator) resolve(ctx context.Context, c *cache.Cache[hostList], key string, q inventory.Query) (hostList, error) {
	return c.Get(ctx, key, func(ctx context.Context) (hostList, error) {
		return n.gateway.Query(ctx, q)
	})
}

// Association outcomes, used as metric labels.
const (
	AssocWritten = "written"
	AssocSkipped = "skipped"
	AssocFailed  = "failed"
)

// AssociationResult reports the management MAC association step.
type AssociationResult struct {
	Outcome string
	Host    string
	Matches int
	Attr    inventory.Attribute
	Err     error
}

// associateManagement records which port a hardware address belongs to on
// the host that owns it. Management controllers are told apart by their
// vendor class. It never fails the discover; the result is only logged.
func (n *Negotiator) associateManagement(ctx context.Context, req *LeaseRequest) AssociationResult {
	mac := req.MAC()
	hosts, err := n.resolve(ctx, n.management, mac, inventory.ManagementQuery(n.portKey, n.cfg.PortNumber, mac))
	if err != nil {
		return AssociationResult{Outcome: AssocFailed, Err: fmt.Errorf("querying management association: %w", err)}
	}
	if len(hosts) != 1 {
		return AssociationResult{Outcome: AssocSkipped, Matches: len(hosts)}
	}
	host := hosts[0]

	subkey := inventory.SubkeyMAC
	if n.isManagementAgent(req.Options[ReqVendorClass]) {
		subkey = inventory.SubkeyIPMIMAC
	}
	attr := inventory.Attribute{Key: n.portKey, Subkey: subkey, Number: n.cfg.PortNumber, Value: mac}

	res := AssociationResult{Host: host.Name, Matches: 1, Attr: attr}
	if err := n.gateway.WriteAttribute(ctx, host.Name, attr); err != nil {
		res.Outcome = AssocFailed
		res.Err = fmt.Errorf("writing %s on %s: %w", attr, host.Name, err)
		return res
	}
	res.Outcome = AssocWritten
	return res
}

func (n *Negotiator) isManagementAgent(vendorClass string) bool {
	if vendorClass == "" {
		return false
	}
	for _, vc := range n.cfg.ManagementVendorClasses {
		if vendorClass == vc {
			return true
		}
	}
	return false
}

func (n *Negotiator) logAssociation(req *LeaseRequest, res AssociationResult) {
	metrics.ManagementAssociations.WithLabelValues(res.Outcome).Inc()
	mac := req.MAC()
	switch {
	case res.Outcome == AssocFailed:
		n.logger.Error("management association failed", "mac", mac, "host", res.Host, "error", res.Err)
	case res.Outcome == AssocWritten:
		n.logger.Debug("associated hardware address", "mac", mac, "host", res.Host, "attr", res.Attr.String())
	case res.Matches > 1:
		n.logger.Warn("management association ambiguous", "mac", mac, "matches", res.Matches)
	}
}

// ClearCaches empties both query caches and returns how many entries were
// dropped. The offer table is left alone.
func (n *Negotiator) ClearCaches() int {
	count := n.primary.Clear() + n.management.Clear()
	metrics.CacheInvalidations.Add(float64(count))
	n.logger.Info("clearing cache", "invalidated", count)
	return count
}

// Offers returns a copy of the offer table.
func (n *Negotiator) Offers() []OfferInfo {
	return n.offers.Snapshot()
}

func hostNames(hosts hostList) string {
	names := make([]string, len(hosts))
	for i, h := range hosts {
		names[i] = h.Name
	}
	return strings.Join(names, ", ")
}
