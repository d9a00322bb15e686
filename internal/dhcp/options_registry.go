package dhcp

import (
	"fmt"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// Option names used by the negotiator when seeding offers.
const (
	OptServerID         = "server_id"
	OptLeaseTime        = "lease_time"
	OptRenewalTime      = "renewal_time"
	OptRebindingTime    = "rebinding_time"
	OptSubnetMask       = "subnet_mask"
	OptBroadcastAddress = "broadcast_address"
	OptRouter           = "router"
	OptHostname         = "hostname"
	OptNameServer       = "name_server"
	OptDomain           = "domain"
	OptRootPath         = "root_path"
	OptNTPServer        = "ntp_server"
	OptTFTPServer       = "tftp_server"
	OptTFTPFilename     = "tftp_filename"

	// optEnabled carries the dhcp/enabled flag through the attribute overlay.
	// It is never encoded.
	optEnabled = "enabled"
)

// OptionDef binds an option name to its wire code and value encoder.
type OptionDef struct {
	Name   string
	Code   dhcpv4.OptionCode
	Encode func(value string) (dhcpv4.OptionValue, error)
}

// optionDefs is the full set of options policy may name.
var optionDefs = []OptionDef{
	{Name: OptSubnetMask, Code: dhcpv4.OptionSubnetMask, Encode: encodeMask},
	{Name: OptRouter, Code: dhcpv4.OptionRouter, Encode: encodeIPList},
	{Name: OptNameServer, Code: dhcpv4.OptionDomainNameServer, Encode: encodeIPList},
	{Name: OptHostname, Code: dhcpv4.OptionHostName, Encode: encodeString},
	{Name: OptDomain, Code: dhcpv4.OptionDomainName, Encode: encodeString},
	{Name: OptRootPath, Code: dhcpv4.OptionRootPath, Encode: encodeString},
	{Name: OptBroadcastAddress, Code: dhcpv4.OptionBroadcastAddress, Encode: encodeIP},
	{Name: OptNTPServer, Code: dhcpv4.OptionNTPServers, Encode: encodeIPList},
	{Name: OptLeaseTime, Code: dhcpv4.OptionIPAddressLeaseTime, Encode: encodeSeconds},
	{Name: OptServerID, Code: dhcpv4.OptionServerIdentifier, Encode: encodeIP},
	{Name: OptRenewalTime, Code: dhcpv4.OptionRenewTimeValue, Encode: encodeSeconds},
	{Name: OptRebindingTime, Code: dhcpv4.OptionRebindingTimeValue, Encode: encodeSeconds},
	{Name: OptTFTPServer, Code: dhcpv4.OptionTFTPServerName, Encode: encodeString},
	{Name: OptTFTPFilename, Code: dhcpv4.OptionBootfileName, Encode: encodeString},
}

var optionsByName map[string]OptionDef

func init() {
	optionsByName = make(map[string]OptionDef, len(optionDefs))
	codes := make(map[uint8]string, len(optionDefs))
	for _, def := range optionDefs {
		if _, dup := optionsByName[def.Name]; dup {
			panic(fmt.Sprintf("dhcp: option %q registered twice", def.Name))
		}
		if other, dup := codes[def.Code.Code()]; dup {
			panic(fmt.Sprintf("dhcp: option code %d registered for %q and %q", def.Code.Code(), other, def.Name))
		}
		optionsByName[def.Name] = def
		codes[def.Code.Code()] = def.Name
	}
}

// LookupOption returns the registry entry for name.
func LookupOption(name string) (OptionDef, bool) {
	def, ok := optionsByName[name]
	return def, ok
}

// encodedOption is one option ready to go on the wire.
type encodedOption struct {
	name   string
	option dhcpv4.Option
}

// optionError describes an option that was left out of a reply.
type optionError struct {
	Name  string
	Value string
	Err   error
}

// encodeOptions converts opts into wire options ordered by code. Unknown
// names and values that fail to encode are returned as rejects rather than
// failing the whole reply; the reserved "enabled" name is skipped silently.
func encodeOptions(opts Options) ([]encodedOption, []optionError) {
	var out []encodedOption
	var rejects []optionError
	for name, value := range opts {
		if name == optEnabled {
			continue
		}
		def, ok := optionsByName[name]
		if !ok {
			rejects = append(rejects, optionError{Name: name, Value: value, Err: fmt.Errorf("unknown option")})
			continue
		}
		v, err := def.Encode(value)
		if err != nil {
			rejects = append(rejects, optionError{Name: name, Value: value, Err: err})
			continue
		}
		out = append(out, encodedOption{name: name, option: dhcpv4.Option{Code: def.Code, Value: v}})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].option.Code.Code() < out[j].option.Code.Code()
	})
	sort.Slice(rejects, func(i, j int) bool { return rejects[i].Name < rejects[j].Name })
	return out, rejects
}

func parseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(strings.TrimSpace(s)).To4()
	if ip == nil {
		return nil, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return ip, nil
}

func encodeIP(value string) (dhcpv4.OptionValue, error) {
	ip, err := parseIPv4(value)
	if err != nil {
		return nil, err
	}
	return dhcpv4.IP(ip), nil
}

// encodeIPList accepts comma or whitespace separated addresses.
func encodeIPList(value string) (dhcpv4.OptionValue, error) {
	fields := strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty address list")
	}
	ips := make(dhcpv4.IPs, 0, len(fields))
	for _, f := range fields {
		ip, err := parseIPv4(f)
		if err != nil {
			return nil, err
		}
		ips = append(ips, ip)
	}
	return ips, nil
}

// encodeMask accepts a dotted mask ("255.255.255.0") or a prefix length ("24").
func encodeMask(value string) (dhcpv4.OptionValue, error) {
	value = strings.TrimPrefix(strings.TrimSpace(value), "/")
	if bits, err := strconv.Atoi(value); err == nil {
		if bits < 0 || bits > 32 {
			return nil, fmt.Errorf("prefix length %d out of range", bits)
		}
		return dhcpv4.IPMask(net.CIDRMask(bits, 32)), nil
	}
	ip, err := parseIPv4(value)
	if err != nil {
		return nil, err
	}
	mask := net.IPMask(ip)
	if ones, bits := mask.Size(); ones == 0 && bits == 0 && !ip.Equal(net.IPv4zero) {
		return nil, fmt.Errorf("%q is not a contiguous netmask", value)
	}
	return dhcpv4.IPMask(mask), nil
}

// encodeSeconds accepts whole seconds ("3600") or a Go duration ("1h").
func encodeSeconds(value string) (dhcpv4.OptionValue, error) {
	value = strings.TrimSpace(value)
	if n, err := strconv.ParseUint(value, 10, 32); err == nil {
		return dhcpv4.Duration(time.Duration(n) * time.Second), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("%q is neither seconds nor a duration", value)
	}
	if d < 0 {
		return nil, fmt.Errorf("negative duration %q", value)
	}
	// The option carries whole seconds in 32 bits.
	if d%time.Second != 0 {
		return nil, fmt.Errorf("duration %q is not a whole number of seconds", value)
	}
	if d > math.MaxUint32*time.Second {
		return nil, fmt.Errorf("duration %q overflows 32-bit seconds", value)
	}
	return dhcpv4.Duration(d), nil
}

func encodeString(value string) (dhcpv4.OptionValue, error) {
	if value == "" {
		return nil, fmt.Errorf("empty value")
	}
	if len(value) > 255 {
		return nil, fmt.Errorf("value longer than 255 bytes")
	}
	return dhcpv4.String(value), nil
}
