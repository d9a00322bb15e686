package dhcp

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/invdhcp/invdhcpd/internal/config"
	"github.com/invdhcp/invdhcpd/internal/inventory"
	"github.com/invdhcp/invdhcpd/internal/logging"
	"github.com/invdhcp/invdhcpd/internal/metrics"
	"github.com/invdhcp/invdhcpd/internal/netconf"
)

var (
	testMAC    = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	testMACStr = "aa:bb:cc:dd:ee:ff"
	serverIP   = net.IP{10, 0, 0, 2}

	anyAttr = mock.AnythingOfType("inventory.Attribute")
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Query(_ context.Context, q inventory.Query) ([]*inventory.HostRecord, error) {
	args := m.Called(q)
	hosts, _ := args.Get(0).([]*inventory.HostRecord)
	return hosts, args.Error(1)
}

func (m *mockGateway) WriteAttribute(_ context.Context, host string, attr inventory.Attribute) error {
	return m.Called(host, attr).Error(0)
}

type failingResolver struct{ err error }

func (r failingResolver) ConfigFor(net.IP) (*netconf.Config, error) { return nil, r.err }

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func primaryQuery(mac string) inventory.Query {
	return inventory.PortMACQuery("port-nic-eth", 1, mac)
}

func managementQuery(mac string) inventory.Query {
	return inventory.ManagementQuery("port-nic-eth", 1, mac)
}

func testTable(t *testing.T) *netconf.Table {
	t.Helper()
	table, err := netconf.NewTable([]config.NetworkConfig{
		{CIDR: "10.0.0.0/24", Gateway: "10.0.0.1"},
		{CIDR: "10.9.0.0/16"},
	})
	require.NoError(t, err)
	return table
}

func newTestNegotiator(t *testing.T, gw inventory.Gateway, resolver netconf.Resolver, clk *testClock, tweak ...func(*NegotiatorConfig)) *Negotiator {
	t.Helper()
	if clk == nil {
		clk = &testClock{t: time.Unix(1000, 0)}
	}
	cfg := NegotiatorConfig{
		ServerIP:                serverIP,
		LeaseTime:               3600 * time.Second,
		RenewalTime:             1600 * time.Second,
		ManagementVendorClasses: []string{"udhcp 0.9.9-pre"},
		PortType:                "nic-eth",
		PortNumber:              1,
		CacheTTL:                60 * time.Second,
		CacheSize:               64,
		Clock:                   clk.now,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	n, err := NewNegotiator(cfg, gw, resolver, logging.Discard())
	require.NoError(t, err)
	return n
}

func decodeRequest(t *testing.T, pkt *dhcpv4.DHCPv4) *LeaseRequest {
	t.Helper()
	req, err := NewCodec(logging.Discard()).Decode(pkt.ToBytes())
	require.NoError(t, err)
	return req
}

func newDiscover(t *testing.T, mac net.HardwareAddr, mods ...dhcpv4.Modifier) *LeaseRequest {
	t.Helper()
	pkt, err := dhcpv4.NewDiscovery(mac, mods...)
	require.NoError(t, err)
	return decodeRequest(t, pkt)
}

// newRequest builds the client's DHCPREQUEST answering wire bytes of an offer.
func newRequest(t *testing.T, offerWire []byte, mods ...dhcpv4.Modifier) *LeaseRequest {
	t.Helper()
	offerPkt, err := dhcpv4.FromBytes(offerWire)
	require.NoError(t, err)
	pkt, err := dhcpv4.NewRequestFromOffer(offerPkt, mods...)
	require.NoError(t, err)
	return decodeRequest(t, pkt)
}

func encodeReply(t *testing.T, offer *LeaseOffer) *dhcpv4.DHCPv4 {
	t.Helper()
	b, err := NewCodec(logging.Discard()).Encode(offer)
	require.NoError(t, err)
	pkt, err := dhcpv4.FromBytes(b)
	require.NoError(t, err)
	return pkt
}

func enabledHost(name string, ips ...string) *inventory.HostRecord {
	h := &inventory.HostRecord{
		Name: name,
		Attrs: []inventory.Attribute{
			{Key: "port-nic-eth", Subkey: "mac", Number: 1, Value: testMACStr},
			{Key: "dhcp", Subkey: "enabled", Value: "1"},
		},
	}
	for _, ip := range ips {
		h.IPs = append(h.IPs, net.ParseIP(ip).To4())
	}
	return h
}

func dropCount(reason string) float64 {
	return testutil.ToFloat64(metrics.PolicyDrops.WithLabelValues(reason))
}

func TestDiscoverOffer(t *testing.T) {
	host := enabledHost("host1.example.com", "10.0.0.5", "10.0.0.6")
	gw := &mockGateway{}
	gw.On("Query", managementQuery(testMACStr)).Return([]*inventory.HostRecord{host}, nil).Once()
	gw.On("WriteAttribute", "host1.example.com", inventory.Attribute{
		Key: "port-nic-eth", Subkey: "mac", Number: 1, Value: testMACStr,
	}).Return(nil).Once()
	gw.On("Query", primaryQuery(testMACStr)).Return([]*inventory.HostRecord{host}, nil).Once()

	n := newTestNegotiator(t, gw, testTable(t), nil)
	offer, err := n.Handle(context.Background(), newDiscover(t, testMAC))
	require.NoError(t, err)
	require.NotNil(t, offer)
	gw.AssertExpectations(t)

	assert.Equal(t, OfferTypeOffer, offer.Type)
	assert.Equal(t, "host1.example.com", offer.Host)
	assert.True(t, offer.IP.Equal(net.IP{10, 0, 0, 5}), "first assigned address is offered")

	reply := encodeReply(t, offer)
	assert.Equal(t, dhcpv4.OpcodeBootReply, reply.OpCode)
	assert.Equal(t, dhcpv4.MessageTypeOffer, reply.MessageType())
	assert.Equal(t, testMAC, reply.ClientHWAddr)
	assert.True(t, reply.YourIPAddr.Equal(net.IP{10, 0, 0, 5}))
	assert.True(t, reply.ClientIPAddr.Equal(net.IP{10, 0, 0, 5}))
	assert.Equal(t, net.IPMask{255, 255, 255, 0}, reply.SubnetMask())
	require.Len(t, reply.Router(), 1)
	assert.True(t, reply.Router()[0].Equal(net.IP{10, 0, 0, 1}))
	assert.True(t, reply.BroadcastAddress().Equal(net.IP{10, 0, 0, 255}))
	assert.True(t, reply.ServerIdentifier().Equal(serverIP))
	assert.Equal(t, 3600*time.Second, reply.IPAddressLeaseTime(0))
	assert.Equal(t, 1600*time.Second, reply.IPAddressRenewalTime(0))
	assert.Equal(t, "host1.example.com", reply.HostName())

	require.Len(t, n.Offers(), 1)
	assert.Equal(t, "offer", n.Offers()[0].State)
}

func TestRequestAcksStoredOffer(t *testing.T) {
	host := enabledHost("host1", "10.0.0.5")
	gw := &mockGateway{}
	gw.On("Query", managementQuery(testMACStr)).Return(nil, nil)
	gw.On("Query", primaryQuery(testMACStr)).Return([]*inventory.HostRecord{host}, nil).Once()

	n := newTestNegotiator(t, gw, testTable(t), nil)
	discover := newDiscover(t, testMAC)
	offer, err := n.Handle(context.Background(), discover)
	require.NoError(t, err)
	require.NotNil(t, offer)
	offerWire, err := NewCodec(logging.Discard()).Encode(offer)
	require.NoError(t, err)

	otherXID := dhcpv4.TransactionID{9, 9, 9, 9}
	ack, err := n.Handle(context.Background(), newRequest(t, offerWire, dhcpv4.WithTransactionID(otherXID)))
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.Same(t, offer, ack, "the stored offer is flipped in place")
	assert.Equal(t, OfferTypeAck, ack.Type)

	reply := encodeReply(t, ack)
	assert.Equal(t, dhcpv4.MessageTypeAck, reply.MessageType())
	assert.True(t, reply.YourIPAddr.Equal(net.IP{10, 0, 0, 5}))
	assert.Equal(t, discover.XID, reply.TransactionID, "ack carries the discover's transaction id")

	assert.Equal(t, "ack", n.Offers()[0].State)
	gw.AssertExpectations(t)
}

func TestRequestWithoutOffer(t *testing.T) {
	gw := &mockGateway{}
	n := newTestNegotiator(t, gw, testTable(t), nil)

	discover, err := dhcpv4.NewDiscovery(testMAC)
	require.NoError(t, err)
	offerPkt, err := dhcpv4.New(
		dhcpv4.WithReply(discover),
		dhcpv4.WithMessageType(dhcpv4.MessageTypeOffer),
		dhcpv4.WithYourIP(net.IP{10, 0, 0, 5}),
	)
	require.NoError(t, err)

	before := dropCount(dropNoOffer)
	ack, err := n.Handle(context.Background(), newRequest(t, offerPkt.ToBytes()))
	require.NoError(t, err)
	assert.Nil(t, ack)
	assert.Equal(t, before+1, dropCount(dropNoOffer))
	gw.AssertNotCalled(t, "Query", mock.Anything)
}

func TestDiscoverPolicyDrops(t *testing.T) {
	disabled := enabledHost("host1", "10.0.0.5")
	disabled.Attrs[1].Value = "0"

	tests := []struct {
		name   string
		hosts  []*inventory.HostRecord
		reason string
	}{
		{"no host", nil, dropNoHost},
		{"conflict", []*inventory.HostRecord{enabledHost("a", "10.0.0.5"), enabledHost("b", "10.0.0.6")}, dropConflict},
		{"dhcp disabled", []*inventory.HostRecord{disabled}, dropDHCPDisabled},
		{"enabled flag missing", []*inventory.HostRecord{{Name: "bare", IPs: []net.IP{{10, 0, 0, 5}}}}, dropDHCPDisabled},
		{"no ip", []*inventory.HostRecord{enabledHost("host1")}, dropNoIP},
		{"no network", []*inventory.HostRecord{enabledHost("host1", "192.168.1.5")}, dropNoNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &mockGateway{}
			gw.On("Query", managementQuery(testMACStr)).Return(nil, nil)
			gw.On("Query", primaryQuery(testMACStr)).Return(tt.hosts, nil)

			n := newTestNegotiator(t, gw, testTable(t), nil)
			before := dropCount(tt.reason)

			offer, err := n.Handle(context.Background(), newDiscover(t, testMAC))
			require.NoError(t, err)
			assert.Nil(t, offer)
			assert.Equal(t, before+1, dropCount(tt.reason))
			assert.Empty(t, n.Offers())
			gw.AssertNotCalled(t, "WriteAttribute", mock.Anything, mock.Anything)
		})
	}
}

func TestDHCPAttributesOverrideDefaults(t *testing.T) {
	host := enabledHost("pxe1", "10.9.3.4")
	host.Attrs = append([]inventory.Attribute{
		{Key: "dhcp", Subkey: "lease_time", Value: "60"},
	}, host.Attrs...)
	host.Attrs = append(host.Attrs,
		inventory.Attribute{Key: "dhcp", Subkey: "lease_time", Value: "7200"},
		inventory.Attribute{Key: "dhcp", Subkey: "tftp_server", Value: "10.9.0.10"},
		inventory.Attribute{Key: "dhcp", Subkey: "tftp_filename", Value: "pxelinux.0"},
		inventory.Attribute{Key: "dhcp", Subkey: "name_server", Value: "10.9.0.53, 10.9.0.54"},
		inventory.Attribute{Key: "dhcp", Subkey: "no_such_option", Value: "x"},
	)

	gw := &mockGateway{}
	gw.On("Query", managementQuery(testMACStr)).Return(nil, nil)
	gw.On("Query", primaryQuery(testMACStr)).Return([]*inventory.HostRecord{host}, nil)

	n := newTestNegotiator(t, gw, testTable(t), nil)
	offer, err := n.Handle(context.Background(), newDiscover(t, testMAC))
	require.NoError(t, err)
	require.NotNil(t, offer)

	assert.Equal(t, "7200", offer.Options[OptLeaseTime], "the host's own attribute wins")
	assert.Equal(t, "x", offer.Options["no_such_option"])
	_, hasRouter := offer.Options[OptRouter]
	assert.False(t, hasRouter, "network without gateway sends no router")

	reply := encodeReply(t, offer)
	assert.Equal(t, 7200*time.Second, reply.IPAddressLeaseTime(0))
	assert.Equal(t, net.IPMask{255, 255, 0, 0}, reply.SubnetMask())
	assert.True(t, reply.ServerIPAddr.Equal(net.IP{10, 9, 0, 10}))
	assert.Equal(t, "pxelinux.0", reply.BootFileName)
	assert.Equal(t, "pxelinux.0", reply.BootFileNameOption())
	assert.Equal(t, "10.9.0.10", reply.TFTPServerName())
	assert.Len(t, reply.DNS(), 2)
	assert.Empty(t, reply.Router())
}

func TestInvalidHostnameNotSent(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Query", managementQuery(testMACStr)).Return(nil, nil)
	gw.On("Query", primaryQuery(testMACStr)).Return([]*inventory.HostRecord{enabledHost("web..example", "10.0.0.5")}, nil)

	n := newTestNegotiator(t, gw, testTable(t), nil)
	offer, err := n.Handle(context.Background(), newDiscover(t, testMAC))
	require.NoError(t, err)
	require.NotNil(t, offer)
	_, ok := offer.Options[OptHostname]
	assert.False(t, ok)
}

func TestManagementAgentWritesIPMIMAC(t *testing.T) {
	host := enabledHost("host1", "10.0.0.5")
	gw := &mockGateway{}
	gw.On("Query", managementQuery(testMACStr)).Return([]*inventory.HostRecord{host}, nil)
	gw.On("WriteAttribute", "host1", inventory.Attribute{
		Key: "port-nic-eth", Subkey: "ipmi-mac", Number: 1, Value: testMACStr,
	}).Return(nil).Once()
	gw.On("Query", primaryQuery(testMACStr)).Return(nil, nil)

	n := newTestNegotiator(t, gw, testTable(t), nil)
	before := testutil.ToFloat64(metrics.ManagementAssociations.WithLabelValues(AssocWritten))

	_, err := n.Handle(context.Background(), newDiscover(t, testMAC,
		dhcpv4.WithOption(dhcpv4.OptClassIdentifier("udhcp 0.9.9-pre"))))
	require.NoError(t, err)
	gw.AssertExpectations(t)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ManagementAssociations.WithLabelValues(AssocWritten)))
}

func TestManagementAssociationSkippedUnlessUnique(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Query", managementQuery(testMACStr)).Return([]*inventory.HostRecord{
		enabledHost("a", "10.0.0.5"), enabledHost("b", "10.0.0.6"),
	}, nil)
	gw.On("Query", primaryQuery(testMACStr)).Return([]*inventory.HostRecord{enabledHost("a", "10.0.0.5")}, nil)

	n := newTestNegotiator(t, gw, testTable(t), nil)
	offer, err := n.Handle(context.Background(), newDiscover(t, testMAC))
	require.NoError(t, err)
	assert.NotNil(t, offer)
	gw.AssertNotCalled(t, "WriteAttribute", mock.Anything, anyAttr)
}

func TestManagementFailuresDoNotAbortDiscover(t *testing.T) {
	host := enabledHost("host1", "10.0.0.5")

	t.Run("query error", func(t *testing.T) {
		gw := &mockGateway{}
		gw.On("Query", managementQuery(testMACStr)).Return(nil, errors.New("inventory down"))
		gw.On("Query", primaryQuery(testMACStr)).Return([]*inventory.HostRecord{host}, nil)

		n := newTestNegotiator(t, gw, testTable(t), nil)
		offer, err := n.Handle(context.Background(), newDiscover(t, testMAC))
		require.NoError(t, err)
		assert.NotNil(t, offer)
	})

	t.Run("write error", func(t *testing.T) {
		gw := &mockGateway{}
		gw.On("Query", managementQuery(testMACStr)).Return([]*inventory.HostRecord{host}, nil)
		gw.On("WriteAttribute", "host1", anyAttr).Return(errors.New("read-only"))
		gw.On("Query", primaryQuery(testMACStr)).Return([]*inventory.HostRecord{host}, nil)

		n := newTestNegotiator(t, gw, testTable(t), nil)
		res := n.associateManagement(context.Background(), newDiscover(t, testMAC))
		assert.Equal(t, AssocFailed, res.Outcome)
		assert.Equal(t, "host1", res.Host)
		assert.Error(t, res.Err)

		offer, err := n.Handle(context.Background(), newDiscover(t, testMAC))
		require.NoError(t, err)
		assert.NotNil(t, offer)
	})
}

func TestCachesServeRepeatDiscovers(t *testing.T) {
	host := enabledHost("host1", "10.0.0.5")
	gw := &mockGateway{}
	gw.On("Query", managementQuery(testMACStr)).Return(nil, nil).Times(3)
	gw.On("Query", primaryQuery(testMACStr)).Return([]*inventory.HostRecord{host}, nil).Times(3)

	clk := &testClock{t: time.Unix(1000, 0)}
	n := newTestNegotiator(t, gw, testTable(t), clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := n.Handle(ctx, newDiscover(t, testMAC))
		require.NoError(t, err)
		clk.advance(10 * time.Second)
	}
	gw.AssertNumberOfCalls(t, "Query", 2)

	// at exactly the ttl the entries are stale
	clk.advance(30 * time.Second)
	_, err := n.Handle(ctx, newDiscover(t, testMAC))
	require.NoError(t, err)
	gw.AssertNumberOfCalls(t, "Query", 4)

	assert.Equal(t, 2, n.ClearCaches())
	assert.Equal(t, 0, n.ClearCaches())
	_, err = n.Handle(ctx, newDiscover(t, testMAC))
	require.NoError(t, err)
	gw.AssertNumberOfCalls(t, "Query", 6)
	gw.AssertExpectations(t)
}

func TestClearCachesKeepsOffers(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Query", managementQuery(testMACStr)).Return(nil, nil)
	gw.On("Query", primaryQuery(testMACStr)).Return([]*inventory.HostRecord{enabledHost("host1", "10.0.0.5")}, nil)

	n := newTestNegotiator(t, gw, testTable(t), nil)
	_, err := n.Handle(context.Background(), newDiscover(t, testMAC))
	require.NoError(t, err)

	n.ClearCaches()
	assert.Len(t, n.Offers(), 1)
}

func TestUpstreamErrorsAreNotCached(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Query", managementQuery(testMACStr)).Return(nil, nil)
	gw.On("Query", primaryQuery(testMACStr)).Return(nil, errors.New("connection refused")).Twice()

	n := newTestNegotiator(t, gw, testTable(t), nil)
	for i := 0; i < 2; i++ {
		offer, err := n.Handle(context.Background(), newDiscover(t, testMAC))
		assert.ErrorIs(t, err, ErrUpstream)
		assert.Nil(t, offer)
	}
	gw.AssertExpectations(t)
}

func TestResolverErrorIsUpstream(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Query", managementQuery(testMACStr)).Return(nil, nil)
	gw.On("Query", primaryQuery(testMACStr)).Return([]*inventory.HostRecord{enabledHost("host1", "10.0.0.5")}, nil)

	n := newTestNegotiator(t, gw, failingResolver{err: errors.New("ipam timeout")}, nil)
	_, err := n.Handle(context.Background(), newDiscover(t, testMAC))
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestRediscoverReplacesOffer(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Query", managementQuery(testMACStr)).Return(nil, nil)
	gw.On("Query", primaryQuery(testMACStr)).Return([]*inventory.HostRecord{enabledHost("host1", "10.0.0.5")}, nil).Once()
	gw.On("Query", primaryQuery(testMACStr)).Return([]*inventory.HostRecord{enabledHost("host1", "10.0.0.7")}, nil).Once()

	n := newTestNegotiator(t, gw, testTable(t), nil)
	first, err := n.Handle(context.Background(), newDiscover(t, testMAC))
	require.NoError(t, err)
	require.NotNil(t, first)
	first.Type = OfferTypeAck

	n.ClearCaches()
	second, err := n.Handle(context.Background(), newDiscover(t, testMAC))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	require.Len(t, n.Offers(), 1)
	assert.Equal(t, "offer", n.Offers()[0].State)

	wire, err := NewCodec(logging.Discard()).Encode(second)
	require.NoError(t, err)
	ack, err := n.Handle(context.Background(), newRequest(t, wire))
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.Same(t, second, ack)

	reply := encodeReply(t, ack)
	assert.Equal(t, dhcpv4.MessageTypeAck, reply.MessageType())
	assert.True(t, reply.YourIPAddr.Equal(net.IP{10, 0, 0, 7}))
	gw.AssertExpectations(t)
}

func TestDiscoverRateLimited(t *testing.T) {
	gw := &mockGateway{}
	gw.On("Query", managementQuery(testMACStr)).Return(nil, nil)
	gw.On("Query", primaryQuery(testMACStr)).Return(nil, nil)

	limiter, _ := newTestLimiter(100, 1)
	n := newTestNegotiator(t, gw, testTable(t), nil, func(c *NegotiatorConfig) { c.Limiter = limiter })

	before := dropCount(dropRateLimited)
	_, err := n.Handle(context.Background(), newDiscover(t, testMAC))
	require.NoError(t, err)
	_, err = n.Handle(context.Background(), newDiscover(t, testMAC))
	require.NoError(t, err)

	assert.Equal(t, before+1, dropCount(dropRateLimited))
	gw.AssertNumberOfCalls(t, "Query", 2)
}

func TestOtherMessagesIgnored(t *testing.T) {
	gw := &mockGateway{}
	n := newTestNegotiator(t, gw, testTable(t), nil)

	pkt, err := dhcpv4.NewInform(testMAC, net.IP{10, 0, 0, 5})
	require.NoError(t, err)
	offer, err := n.Handle(context.Background(), decodeRequest(t, pkt))
	require.NoError(t, err)
	assert.Nil(t, offer)
	gw.AssertNotCalled(t, "Query", mock.Anything)
}

func TestNewNegotiatorRejectsNonIPv4Server(t *testing.T) {
	_, err := NewNegotiator(NegotiatorConfig{ServerIP: net.ParseIP("fe80::1"), CacheTTL: time.Minute, CacheSize: 1},
		&mockGateway{}, testTable(t), logging.Discard())
	assert.Error(t, err)
}
