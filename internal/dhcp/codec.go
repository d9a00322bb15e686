package dhcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// ErrDecode marks a datagram that is not a usable DHCP request.
var ErrDecode = errors.New("malformed dhcp packet")

// Client option names exposed on LeaseRequest.Options.
const (
	ReqVendorClass   = "vendor_class_id"
	ReqHostname      = "hostname"
	ReqRequestedAddr = "requested_addr"
	ReqClientID      = "client_id"
	ReqParamList     = "param_req_list"
)

// Codec translates between wire datagrams and negotiator types.
type Codec struct {
	logger *slog.Logger
}

// NewCodec creates a codec that logs dropped reply options to logger.
func NewCodec(logger *slog.Logger) *Codec {
	return &Codec{logger: logger}
}

// Decode parses a BOOTREQUEST datagram.
func (c *Codec) Decode(data []byte) (*LeaseRequest, error) {
	pkt, err := dhcpv4.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if pkt.OpCode != dhcpv4.OpcodeBootRequest {
		return nil, fmt.Errorf("%w: op code %s is not a request", ErrDecode, pkt.OpCode)
	}
	if len(pkt.ClientHWAddr) < 6 {
		return nil, fmt.Errorf("%w: hardware address is %d bytes", ErrDecode, len(pkt.ClientHWAddr))
	}

	req := &LeaseRequest{
		HWAddr:  net.HardwareAddr(append([]byte(nil), pkt.ClientHWAddr[:6]...)),
		XID:     pkt.TransactionID,
		Type:    messageTypeFrom(pkt.MessageType()),
		Options: make(Options),
		Packet:  pkt,
	}

	if v := pkt.ClassIdentifier(); v != "" {
		req.Options[ReqVendorClass] = v
	}
	if v := pkt.HostName(); v != "" {
		req.Options[ReqHostname] = v
	}
	if ip := pkt.RequestedIPAddress(); ip != nil {
		req.Options[ReqRequestedAddr] = ip.String()
	}
	if cid := pkt.GetOneOption(dhcpv4.OptionClientIdentifier); len(cid) > 0 {
		req.Options[ReqClientID] = clientIDString(cid)
	}
	if prl := pkt.ParameterRequestList(); len(prl) > 0 {
		req.Options[ReqParamList] = prl.String()
	}
	return req, nil
}

// clientIDString renders an Ethernet client identifier (type 1, 6 bytes) as
// a MAC and anything else as hex.
func clientIDString(cid []byte) string {
	if len(cid) == 7 && cid[0] == 1 {
		return net.HardwareAddr(cid[1:]).String()
	}
	return fmt.Sprintf("%x", cid)
}

// Encode builds the BOOTREPLY for offer. The offered address goes in both
// ciaddr and yiaddr; a tftp_server IPv4 value also becomes siaddr and
// tftp_filename also fills the boot file header field. Options that are
// unknown or fail to encode are logged and left out.
func (c *Codec) Encode(offer *LeaseOffer) ([]byte, error) {
	if offer.Request == nil || offer.Request.Packet == nil {
		return nil, fmt.Errorf("encoding %s: offer has no originating request", offer.Type)
	}
	ip := offer.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("encoding %s: offered address %v is not IPv4", offer.Type, offer.IP)
	}

	reply, err := dhcpv4.NewReplyFromRequest(offer.Request.Packet,
		dhcpv4.WithMessageType(offer.Type.messageType()),
		dhcpv4.WithYourIP(ip),
		dhcpv4.WithClientIP(ip),
	)
	if err != nil {
		return nil, fmt.Errorf("building %s: %w", offer.Type, err)
	}

	encoded, rejects := encodeOptions(offer.Options)
	for _, r := range rejects {
		c.logger.Warn("omitting dhcp option",
			"option", r.Name,
			"value", r.Value,
			"error", r.Err,
			"mac", offer.Request.MAC())
	}
	for _, e := range encoded {
		reply.UpdateOption(e.option)
	}

	if v, ok := offer.Options[OptTFTPServer]; ok {
		if sip := net.ParseIP(v).To4(); sip != nil {
			reply.ServerIPAddr = sip
		}
	}
	if v, ok := offer.Options[OptTFTPFilename]; ok {
		reply.BootFileName = v
	}

	return reply.ToBytes(), nil
}
