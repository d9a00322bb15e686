// Package inventory models the asset inventory that answers "which host owns
// this hardware address" and the gateway contract the DHCP core queries it
// through.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNotFound is returned when a named entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Well-known attribute names.
const (
	KeyDHCP      = "dhcp"
	KeyBootstrap = "bootstrap"

	SubkeyEnabled = "enabled"
	SubkeyMAC     = "mac"
	SubkeyIPMIMAC = "ipmi-mac"
)

// PortKey returns the attribute key for a port type, e.g. "nic-eth" becomes
// "port-nic-eth".
func PortKey(portType string) string {
	return "port-" + portType
}

// Attribute is one key/subkey/number/value tuple on an entity. Number is 0
// for attributes that are not numbered (port attributes start at 1).
type Attribute struct {
	Key    string `json:"key" toml:"key"`
	Subkey string `json:"subkey,omitempty" toml:"subkey"`
	Number int    `json:"number,omitempty" toml:"number"`
	Value  string `json:"value" toml:"value"`
}

// SameSlot reports whether a and b address the same key/subkey/number.
func (a Attribute) SameSlot(b Attribute) bool {
	return a.Key == b.Key && a.Subkey == b.Subkey && a.Number == b.Number
}

func (a Attribute) String() string {
	if a.Number != 0 {
		return fmt.Sprintf("%s/%s#%d=%s", a.Key, a.Subkey, a.Number, a.Value)
	}
	return fmt.Sprintf("%s/%s=%s", a.Key, a.Subkey, a.Value)
}

// AttrMatch selects entities carrying an attribute with exactly this
// key/subkey/number whose value equals Value, compared case-insensitively.
type AttrMatch struct {
	Key    string
	Subkey string
	Number int
	Value  string
}

func (m AttrMatch) matches(a Attribute) bool {
	return a.Key == m.Key && a.Subkey == m.Subkey && a.Number == m.Number &&
		strings.EqualFold(a.Value, m.Value)
}

// Query is a disjunction: a host matches when any descriptor matches one of
// its own attributes.
type Query struct {
	Match []AttrMatch
}

func (q Query) String() string {
	parts := make([]string, 0, len(q.Match))
	for _, m := range q.Match {
		a := Attribute{Key: m.Key, Subkey: m.Subkey, Number: m.Number, Value: m.Value}
		parts = append(parts, a.String())
	}
	return strings.Join(parts, " | ")
}

// PortMACQuery matches hosts whose port attribute portKey/mac #number equals mac.
func PortMACQuery(portKey string, number int, mac string) Query {
	return Query{Match: []AttrMatch{{Key: portKey, Subkey: SubkeyMAC, Number: number, Value: mac}}}
}

// ManagementQuery matches hosts that either booted with mac (bootstrap/mac)
// or already have it on their primary port.
func ManagementQuery(portKey string, number int, mac string) Query {
	return Query{Match: []AttrMatch{
		{Key: KeyBootstrap, Subkey: SubkeyMAC, Value: mac},
		{Key: portKey, Subkey: SubkeyMAC, Number: number, Value: mac},
	}}
}

// HostRecord is a read-only snapshot of a host. Attrs is merged across
// containers: ancestors first, the host's own attributes last, so later
// entries take precedence.
type HostRecord struct {
	Name  string      `json:"name"`
	IPs   []net.IP    `json:"ips"`
	Attrs []Attribute `json:"attrs"`
}

// Attr returns the effective value of key/subkey and whether it is set.
func (h *HostRecord) Attr(key, subkey string) (string, bool) {
	val, ok := "", false
	for _, a := range h.Attrs {
		if a.Key == key && a.Subkey == subkey {
			val, ok = a.Value, true
		}
	}
	return val, ok
}

// AttrsByKey returns every merged attribute with the given key, in
// precedence order.
func (h *HostRecord) AttrsByKey(key string) []Attribute {
	var out []Attribute
	for _, a := range h.Attrs {
		if a.Key == key {
			out = append(out, a)
		}
	}
	return out
}

// DHCPEnabled reports whether the effective dhcp/enabled attribute is on.
// Only the merged value counts, so a host with enabled=0 stays off even when
// a parent pool enables DHCP.
func (h *HostRecord) DHCPEnabled() bool {
	v, ok := h.Attr(KeyDHCP, SubkeyEnabled)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Gateway is the inventory contract the DHCP core depends on.
type Gateway interface {
	// Query returns every host matching q. An empty result is not an error.
	Query(ctx context.Context, q Query) ([]*HostRecord, error)
	// WriteAttribute stores attr on the named host, replacing any attribute
	// in the same key/subkey/number slot.
	WriteAttribute(ctx context.Context, host string, attr Attribute) error
}

// NormalizeMAC parses s and returns its canonical lower-case colon form.
func NormalizeMAC(s string) (string, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", fmt.Errorf("parsing mac %q: %w", s, err)
	}
	return hw.String(), nil
}
