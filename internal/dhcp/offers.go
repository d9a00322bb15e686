package dhcp

import (
	"sort"

	"github.com/invdhcp/invdhcpd/internal/metrics"
)

// OfferTable holds the current offer per hardware address. Entries are
// replaced by the next discover and never expire. It has no lock: only the
// dispatch goroutine touches it.
type OfferTable struct {
	offers map[string]*LeaseOffer
}

// NewOfferTable creates an empty table.
func NewOfferTable() *OfferTable {
	return &OfferTable{offers: make(map[string]*LeaseOffer)}
}

// Put stores offer under mac, replacing any previous entry.
func (t *OfferTable) Put(mac string, offer *LeaseOffer) {
	t.offers[mac] = offer
	metrics.OffersPending.Set(float64(len(t.offers)))
}

// Get returns the offer stored under mac.
func (t *OfferTable) Get(mac string) (*LeaseOffer, bool) {
	o, ok := t.offers[mac]
	return o, ok
}

// Len returns the number of stored offers.
func (t *OfferTable) Len() int {
	return len(t.offers)
}

// OfferInfo is a detached copy of one table entry.
type OfferInfo struct {
	MAC     string  `json:"mac"`
	Host    string  `json:"host"`
	IP      string  `json:"ip"`
	State   string  `json:"state"`
	XID     string  `json:"xid"`
	Options Options `json:"options"`
}

// Snapshot copies every entry, ordered by MAC.
func (t *OfferTable) Snapshot() []OfferInfo {
	out := make([]OfferInfo, 0, len(t.offers))
	for mac, o := range t.offers {
		opts := make(Options, len(o.Options))
		for k, v := range o.Options {
			opts[k] = v
		}
		info := OfferInfo{
			MAC:     mac,
			Host:    o.Host,
			IP:      o.IP.String(),
			State:   o.Type.String(),
			Options: opts,
		}
		if o.Request != nil {
			info.XID = o.Request.XID.String()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}
