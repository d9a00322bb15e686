// Package dhcp implements the inventory-backed DHCPv4 server: the packet
// codec, the discover/request negotiator and the receive loop.
package dhcp

import (
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// MessageType is the subset of DHCP message types the negotiator tells apart.
type MessageType int

const (
	MessageUnknown MessageType = iota
	MessageDiscover
	MessageRequest
	MessageDecline
	MessageRelease
	MessageInform
)

func (t MessageType) String() string {
	switch t {
	case MessageDiscover:
		return "discover"
	case MessageRequest:
		return "request"
	case MessageDecline:
		return "decline"
	case MessageRelease:
		return "release"
	case MessageInform:
		return "inform"
	default:
		return "unknown"
	}
}

func messageTypeFrom(mt dhcpv4.MessageType) MessageType {
	switch mt {
	case dhcpv4.MessageTypeDiscover:
		return MessageDiscover
	case dhcpv4.MessageTypeRequest:
		return MessageRequest
	case dhcpv4.MessageTypeDecline:
		return MessageDecline
	case dhcpv4.MessageTypeRelease:
		return MessageRelease
	case dhcpv4.MessageTypeInform:
		return MessageInform
	default:
		return MessageUnknown
	}
}

// OfferType is the reply a LeaseOffer currently encodes to.
type OfferType int

const (
	OfferTypeOffer OfferType = iota
	OfferTypeAck
)

func (t OfferType) String() string {
	if t == OfferTypeAck {
		return "ack"
	}
	return "offer"
}

func (t OfferType) messageType() dhcpv4.MessageType {
	if t == OfferTypeAck {
		return dhcpv4.MessageTypeAck
	}
	return dhcpv4.MessageTypeOffer
}

// Options maps registry option names to their string values.
type Options map[string]string

// LeaseRequest is one decoded inbound datagram. It is never persisted.
type LeaseRequest struct {
	HWAddr  net.HardwareAddr
	XID     dhcpv4.TransactionID
	Type    MessageType
	Options Options
	Packet  *dhcpv4.DHCPv4
}

// MAC returns the canonical hardware address string used as a table and
// cache key.
func (r *LeaseRequest) MAC() string {
	return r.HWAddr.String()
}

// LeaseOffer is the reply state for one hardware address. It is created on
// discover and flipped to ack in place on the matching request.
type LeaseOffer struct {
	Type     OfferType
	IP       net.IP
	ServerIP net.IP
	Host     string
	Options  Options
	Request  *LeaseRequest
}
